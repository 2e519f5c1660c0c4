package ext2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"io"
)

// BlockSequence is a lazy, restartable sequence of a regular file's
// data blocks. Every block is read from the device on demand; nothing
// is cached.
type BlockSequence struct {
	f     *File
	index int64
}

// Blocks returns the file's contents as a sequence of byte blocks. The
// last block is truncated to the file size.
func (f *File) Blocks() (*BlockSequence, error) {

	if !f.IsRegular() {
		return nil, fmt.Errorf("cannot read blocks of %s: %w", f.path, ErrInvalidFileType)
	}

	return &BlockSequence{f: f}, nil
}

// Reset rewinds the sequence to the first block.
func (seq *BlockSequence) Reset() {
	seq.index = 0
}

// Next returns the next block of file data, or io.EOF after the last
// block.
func (seq *BlockSequence) Next() ([]byte, error) {

	size := int64(seq.f.inode.Size())
	bsz := seq.f.fs.sb.BlockSize()

	if seq.index*bsz >= size {
		return nil, io.EOF
	}

	bid, err := seq.f.inode.LookupBlock(seq.index)
	if err != nil {
		return nil, err
	}
	if bid == 0 {
		return nil, fmt.Errorf("%s: block index %d is unmapped: %w", seq.f.path, seq.index, ErrCorrupt)
	}

	count := bsz
	if remaining := size - seq.index*bsz; remaining < bsz {
		count = remaining
	}

	p, err := seq.f.fs.readBlock(bid, 0, count)
	if err != nil {
		return nil, err
	}

	seq.index++
	return p, nil
}

// Write appends the byte string to the tail of a regular file,
// allocating and wiring in new blocks as the file grows. It returns the
// number of bytes written.
func (f *File) Write(p []byte) (int, error) {

	if !f.IsRegular() {
		return 0, fmt.Errorf("cannot write to %s: %w", f.path, ErrInvalidFileType)
	}

	bsz := f.fs.sb.BlockSize()
	now := f.fs.now()
	written := 0

	for len(p) > 0 {
		size := int64(f.inode.Size())
		blockIndex := size / bsz
		byteOffset := size % bsz

		var bid int64
		var err error
		if byteOffset == 0 {
			// the tail is block-aligned, so the file has no block at
			// this index yet
			bid, err = f.fs.AllocateBlock(false)
			if err != nil {
				return written, err
			}
			err = f.inode.AssignNextBlockID(bid, f.fs.allocPointerBlock, now)
			if err != nil {
				return written, err
			}
		} else {
			bid, err = f.inode.LookupBlock(blockIndex)
			if err != nil {
				return written, err
			}
			if bid == 0 {
				return written, fmt.Errorf("%s: block index %d is unmapped: %w", f.path, blockIndex, ErrCorrupt)
			}
		}

		n := bsz - byteOffset
		if int64(len(p)) < n {
			n = int64(len(p))
		}

		err = f.fs.writeToBlock(bid, byteOffset, p[:n])
		if err != nil {
			return written, err
		}

		err = f.inode.SetSize(uint64(size)+uint64(n), now)
		if err != nil {
			return written, err
		}

		p = p[n:]
		written += int(n)
	}

	err := f.inode.SetTimeModified(now, now)
	if err != nil {
		return written, err
	}

	return written, nil
}
