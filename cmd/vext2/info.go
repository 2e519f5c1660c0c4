package main

import (
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vorteil/vext2/pkg/ext2"
)

var infoCmd = &cobra.Command{
	Use:   "info IMAGE",
	Short: "Summarize the filesystem metadata of an ext2 image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesystem(args[0], func(fsys *ext2.Filesystem) error {

			sb := fsys.Superblock()

			log.Printf("Type:             \t%s", fsys.FSType())
			log.Printf("Revision:         \t%s", fsys.Revision())
			if !sb.IsValidExt2() {
				log.Warnf("Magic number mismatch: image may not be ext2.")
			}

			if id, err := uuid.FromBytes(func() []byte { v := sb.VolumeID(); return v[:] }()); err == nil {
				log.Printf("Volume ID:        \t%s", id)
			}
			if name := sb.VolumeName(); name != "" {
				log.Printf("Volume name:      \t%s", name)
			}

			log.Printf("Block size:       \t%d", fsys.BlockSize())
			log.Printf("Total space:      \t%d bytes", fsys.TotalSpace())
			log.Printf("Used space:       \t%d bytes", fsys.UsedSpace())
			log.Printf("Free space:       \t%d bytes", fsys.FreeSpace())
			log.Printf("Inodes:           \t%d / %d used", fsys.NumInodes()-sb.NumFreeInodes(), fsys.NumInodes())

			log.Printf("Block groups:     \t%d", fsys.NumBlockGroups())
			log.Printf("  Blocks each:    \t%d", sb.BlocksPerGroup())
			log.Printf("  Inodes each:    \t%d", sb.InodesPerGroup())
			log.Printf("Superblock copies:\t%v", sb.CopyLocations())

			log.Printf("Last mount time:  \t%s", time.Unix(int64(sb.TimeLastMount()), 0))
			log.Printf("Last written time:\t%s", time.Unix(int64(sb.TimeLastWrite()), 0))
			return nil
		})
	},
}

var statCmd = &cobra.Command{
	Use:   "stat IMAGE FILE_PATH",
	Short: "Print the metadata of a file on the image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesystem(args[0], func(fsys *ext2.Filesystem) error {

			f, err := fsys.GetFile(absolute(args[1]))
			if err != nil {
				return err
			}

			log.Printf("Path:         \t%s", f.AbsolutePath())
			log.Printf("Inode:        \t%d", f.InodeNum())
			log.Printf("Mode:         \t%s", f.ModeString())
			log.Printf("Links:        \t%d", f.NumLinks())
			log.Printf("Owner:        \t%d:%d", f.UID(), f.GID())
			log.Printf("Size:         \t%d", f.Size())
			log.Printf("Blocks:       \t%d", f.NumBlocks())
			log.Printf("Created:      \t%s", f.TimeCreated())
			log.Printf("Accessed:     \t%s", f.TimeAccessed())
			log.Printf("Modified:     \t%s", f.TimeModified())

			if f.IsSymlink() {
				target, err := f.SymlinkTarget()
				if err != nil {
					return err
				}
				log.Printf("Target:       \t%s", target)
			}
			return nil
		})
	},
}

func absolute(path string) string {
	if len(path) == 0 || path[0] != '/' {
		return "/" + path
	}
	return path
}
