package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sisatech/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vorteil/vext2/pkg/ext2"
)

var scanCmd = &cobra.Command{
	Use:   "scan IMAGE",
	Short: "Scan the block groups and count files by type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesystem(args[0], func(fsys *ext2.Filesystem) error {

			report, err := fsys.Scan()
			if err != nil {
				return err
			}

			log.Printf("Directories:   \t%d", report.NumDirs)
			log.Printf("Regular files: \t%d", report.NumRegularFiles)
			log.Printf("Symlinks:      \t%d", report.NumSymlinks)

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"GROUP", "FREE BLOCKS", "FREE INODES", "DIRECTORIES"})
			for _, g := range report.GroupReports {
				table.Append([]string{
					fmt.Sprintf("%d", g.GroupID),
					fmt.Sprintf("%d", g.NumFreeBlocks),
					fmt.Sprintf("%d", g.NumFreeInodes),
					fmt.Sprintf("%d", g.NumInodesAsDirs),
				})
			}
			table.Render()
			return nil
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check IMAGE",
	Short: "Validate the on-disk integrity of the image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesystem(args[0], func(fsys *ext2.Filesystem) error {

			// The check runs on this goroutine; a poller renders its
			// monotonic progress counters until it finishes.
			done := make(chan struct{})
			go func() {
				var p, total int64
				var bar = log.NewProgress("checking integrity", "%", 100)
				defer bar.Finish(true)
				for {
					select {
					case <-done:
						return
					case <-time.After(time.Millisecond * 100):
						p, total = fsys.Progress()
						if total > 0 {
							bar.SetCurrent(p * 100 / total)
						}
					}
				}
			}()

			report, err := fsys.CheckIntegrity()
			close(done)
			if err != nil {
				return err
			}

			log.Printf("Has magic number: \t%v", report.HasMagicNumber)
			log.Printf("Superblock copies:\t%d", report.NumSuperblockCopies)
			log.Printf("Copy locations:   \t%v", report.CopyLocations)

			if len(report.Messages) == 0 {
				log.Printf("No problems found.")
				return nil
			}

			for _, msg := range report.Messages {
				log.Warnf("%s", msg)
			}
			return nil
		})
	},
}
