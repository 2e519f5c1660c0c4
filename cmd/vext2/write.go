package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vorteil/vext2/pkg/ext2"
)

var mkdirCmd = &cobra.Command{
	Use:   "mkdir IMAGE DIR_PATH",
	Short: "Create a directory on the image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesystem(args[0], func(fsys *ext2.Filesystem) error {

			root := fsys.RootDir()
			var err error
			if cmd.Flags().Changed("uid") || cmd.Flags().Changed("gid") {
				_, err = root.MakeDirectoryOwned(trimSlash(args[1]), flagUID, flagGID)
			} else {
				_, err = root.MakeDirectory(trimSlash(args[1]))
			}
			return err
		})
	},
}

var touchCmd = &cobra.Command{
	Use:   "touch IMAGE FILE_PATH",
	Short: "Create an empty regular file on the image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesystem(args[0], func(fsys *ext2.Filesystem) error {
			now := uint32(time.Now().Unix())
			_, err := fsys.RootDir().MakeRegularFile(trimSlash(args[1]), flagUID, flagGID, now, now, now)
			return err
		})
	},
}

var lnCmd = &cobra.Command{
	Use:   "ln IMAGE TARGET_PATH LINK_PATH",
	Short: "Create a hard or symbolic link on the image",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesystem(args[0], func(fsys *ext2.Filesystem) error {

			target, err := fsys.GetFile(absolute(args[1]))
			if err != nil {
				return err
			}

			_, err = fsys.RootDir().MakeLink(trimSlash(args[2]), target, flagSymbolic)
			return err
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm IMAGE FILE_PATH",
	Short: "Remove a file or directory from the image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesystem(args[0], func(fsys *ext2.Filesystem) error {

			f, err := fsys.GetFile(absolute(args[1]))
			if err != nil {
				return err
			}

			return fsys.RemoveFile(f, flagRecursive)
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import IMAGE LOCAL_PATH FILE_PATH",
	Short: "Copy a local file into the image",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesystem(args[0], func(fsys *ext2.Filesystem) error {

			data, err := ioutil.ReadFile(args[1])
			if err != nil {
				return err
			}

			fi, err := os.Stat(args[1])
			if err != nil {
				return err
			}
			mtime := uint32(fi.ModTime().Unix())
			now := uint32(time.Now().Unix())

			f, err := fsys.RootDir().MakeRegularFile(trimSlash(args[2]), flagUID, flagGID, now, mtime, now)
			if err != nil {
				return err
			}

			bar := log.NewProgress(fmt.Sprintf("importing %s", args[1]), "KiB", int64(len(data)))
			defer bar.Finish(true)

			n, err := f.Write(data)
			bar.Increment(int64(n))
			return err
		})
	},
}

var appendCmd = &cobra.Command{
	Use:   "append IMAGE FILE_PATH DATA",
	Short: "Append bytes to the tail of a regular file on the image",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesystem(args[0], func(fsys *ext2.Filesystem) error {

			f, err := fsys.GetFile(absolute(args[1]))
			if err != nil {
				return err
			}

			_, err = f.Write([]byte(args[2]))
			return err
		})
	},
}

func trimSlash(path string) string {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	return path
}
