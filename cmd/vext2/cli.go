/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */
package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vorteil/vext2/pkg/elog"
	"github.com/vorteil/vext2/pkg/ext2"
)

var log elog.View

var (
	flagJSON      bool
	flagVerbose   bool
	flagDebug     bool
	flagUID       uint32
	flagGID       uint32
	flagSymbolic  bool
	flagRecursive bool
)

func commandInit() {

	// setup logging across all commands
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "enable json output")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {

		logger := &elog.CLI{}

		if flagJSON {
			logger.DisableTTY = true
			logrus.SetFormatter(&logrus.JSONFormatter{})
		} else {
			if !isatty.IsTerminal(os.Stdout.Fd()) {
				logger.DisableTTY = true
				logger.DisableColors = true
			}
			logrus.SetFormatter(logger)
		}

		logrus.SetLevel(logrus.TraceLevel)

		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}

		log = logger
		return nil
	}

	addOwnerFlags(mkdirCmd.Flags())
	addOwnerFlags(touchCmd.Flags())
	lnCmd.Flags().BoolVarP(&flagSymbolic, "symbolic", "s", false, "create a symbolic link instead of a hard link")
	rmCmd.Flags().BoolVarP(&flagRecursive, "recursive", "r", false, "remove directories and their contents recursively")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(touchCmd)
	rootCmd.AddCommand(lnCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(appendCmd)
}

// addOwnerFlags registers the ownership flags shared by the commands
// that create files.
func addOwnerFlags(f *pflag.FlagSet) {
	f.Uint32Var(&flagUID, "uid", 0, "owner uid for the new file (default 0; mkdir without --uid and --gid uses the parent directory's owner)")
	f.Uint32Var(&flagGID, "gid", 0, "owner gid for the new file (default 0; mkdir without --uid and --gid uses the parent directory's owner)")
}

var rootCmd = &cobra.Command{
	Use:   "vext2",
	Short: "Inspect and modify ext2 disk images",
	Long: `vext2 is a user-space driver for ext2 disk images. It can inspect filesystem
metadata, walk the directory tree, read and write file contents, create and
remove files and directories, and validate on-disk integrity.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "View CLI version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("version: %s\ncommit: %s\nreleased: %s\n", release, commit, date)
	},
}

// withFilesystem mounts the image, runs fn, and guarantees the device
// is released.
func withFilesystem(img string, fn func(fsys *ext2.Filesystem) error) error {

	fsys := ext2.FromImageFile(img, log)
	err := fsys.Mount()
	if err != nil {
		return err
	}
	defer fsys.Unmount()

	return fn(fsys)
}
