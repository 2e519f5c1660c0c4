package ext2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"fmt"
)

// SymlinkTarget returns the path a symbolic link points at. Targets of
// up to 60 bytes are stored inside the inode's block array; longer
// targets occupy the link's first data block.
func (f *File) SymlinkTarget() (string, error) {

	if !f.IsSymlink() {
		return "", fmt.Errorf("%s is not a symbolic link: %w", f.path, ErrInvalidFileType)
	}

	size := int64(f.inode.Size())

	if size <= SymlinkInlineMax {
		blocks := f.inode.Blocks()
		raw := make([]byte, len(blocks)*pointerSize)
		for i, bid := range blocks {
			binary.LittleEndian.PutUint32(raw[i*pointerSize:], bid)
		}
		return string(raw[:size]), nil
	}

	bid, err := f.inode.LookupBlock(0)
	if err != nil {
		return "", err
	}
	if bid == 0 {
		return "", fmt.Errorf("symlink %s has no target block: %w", f.path, ErrCorrupt)
	}

	raw, err := f.fs.readBlock(bid, 0, size)
	if err != nil {
		return "", err
	}

	return string(raw), nil
}
