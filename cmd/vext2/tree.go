package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sisatech/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vorteil/vext2/pkg/ext2"
)

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

var lsCmd = &cobra.Command{
	Use:   "ls IMAGE [FILE_PATH]",
	Short: "List directory contents on the image",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesystem(args[0], func(fsys *ext2.Filesystem) error {

			fpath := "/"
			if len(args) > 1 {
				fpath = absolute(args[1])
			}

			dir, err := fsys.GetFile(fpath)
			if err != nil {
				return err
			}

			files, err := dir.Files()
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"MODE", "LINKS", "UID", "GID", "SIZE", "INODE", "NAME"})
			for _, f := range files {
				table.Append([]string{
					f.ModeString(),
					fmt.Sprintf("%d", f.NumLinks()),
					fmt.Sprintf("%d", f.UID()),
					fmt.Sprintf("%d", f.GID()),
					fmt.Sprintf("%d", f.Size()),
					fmt.Sprintf("%d", f.InodeNum()),
					f.Name(),
				})
			}
			table.Render()
			return nil
		})
	},
}

var treeCmd = &cobra.Command{
	Use:   "tree IMAGE [FILE_PATH]",
	Short: "Render the directory tree of the image",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesystem(args[0], func(fsys *ext2.Filesystem) error {

			fpath := "/"
			if len(args) > 1 {
				fpath = absolute(args[1])
			}

			f, err := fsys.GetFile(fpath)
			if err != nil {
				return err
			}

			var code []byte

			var recurse func(f *ext2.File, name string) error
			recurse = func(f *ext2.File, name string) error {

				prefix := ""
				idx := len(code) - 1

				for i, c := range code {
					switch c {
					case 1:
						prefix += "    "
					case 2:
						if i == idx {
							prefix += "├── "
						} else {
							prefix += "│   "
						}
					case 3:
						if i == idx {
							prefix += "└── "
						} else {
							prefix += "    "
						}
					}
				}

				log.Printf("%s%s", prefix, name)

				if !f.IsDir() {
					return nil
				}

				files, err := f.Files()
				if err != nil {
					return err
				}

				var children []*ext2.File
				for _, child := range files {
					if child.Name() == "." || child.Name() == ".." {
						continue
					}
					children = append(children, child)
				}

				if len(children) > 0 {
					idx++
					code = append(code, 2)

					for i := 0; i < len(children)-1; i++ {
						err = recurse(children[i], children[i].Name())
						if err != nil {
							return err
						}
					}

					code[idx] = 3
					err = recurse(children[len(children)-1], children[len(children)-1].Name())
					if err != nil {
						return err
					}

					code = code[:idx]
				}

				return nil
			}

			return recurse(f, fpath)
		})
	},
}

var catCmd = &cobra.Command{
	Use:   "cat IMAGE FILE_PATH",
	Short: "Write the contents of a regular file to stdout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFilesystem(args[0], func(fsys *ext2.Filesystem) error {

			f, err := fsys.GetFile(absolute(args[1]))
			if err != nil {
				return err
			}

			seq, err := f.Blocks()
			if err != nil {
				return err
			}

			for {
				block, err := seq.Next()
				if err != nil {
					if isEOF(err) {
						return nil
					}
					return err
				}
				_, err = os.Stdout.Write(block)
				if err != nil {
					return err
				}
			}
		})
	},
}
