package ext2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Block and inode allocation. Within a single logical mutation the
// writes are ordered so that an observer of the device after any prefix
// sees a safely-recoverable state: the bitmap bit flips before anything
// references the object, and the free counters change last.

// AllocateBlock finds the first free block on the filesystem, marks it
// as used, and returns its block id. If zero is set the block's contents
// are overwritten with zeros before the free counts change.
func (fs *Filesystem) AllocateBlock(zero bool) (int64, error) {

	bitmapSize := fs.sb.BlocksPerGroup() / 8

	for groupNum, entry := range fs.bgdt.Entries() {
		if entry.NumFreeBlocks() <= 0 {
			continue
		}

		bitmapPos := entry.BlockBitmapLocation() * fs.sb.BlockSize()
		bitmap, err := fs.dev.ReadAt(bitmapPos, bitmapSize)
		if err != nil {
			return 0, fmt.Errorf("reading block bitmap of group %d: %w", groupNum, err)
		}

		byteIndex, bitIndex, ok := firstZeroBit(bitmap)
		if !ok {
			return 0, fmt.Errorf("group %d reports %d free blocks but its bitmap is full: %w", groupNum, entry.NumFreeBlocks(), ErrCorrupt)
		}

		bid := int64(groupNum)*fs.sb.BlocksPerGroup() + int64(byteIndex)*8 + int64(bitIndex) + fs.sb.FirstDataBlock()

		err = fs.dev.WriteAt(bitmapPos+int64(byteIndex), []byte{bitmap[byteIndex] | 1<<uint(bitIndex)})
		if err != nil {
			return 0, err
		}

		if zero {
			err = fs.dev.WriteAt(bid*fs.sb.BlockSize(), make([]byte, fs.sb.BlockSize()))
			if err != nil {
				return 0, err
			}
		}

		now := fs.now()
		err = entry.SetNumFreeBlocks(entry.NumFreeBlocks()-1, now)
		if err != nil {
			return 0, err
		}
		err = fs.sb.SetNumFreeBlocks(fs.sb.NumFreeBlocks()-1, now)
		if err != nil {
			return 0, err
		}

		fs.log.Debugf("allocated block %d in group %d", bid, groupNum)
		return bid, nil
	}

	return 0, fmt.Errorf("no free blocks: %w", ErrNoSpace)
}

// FreeBlock clears the block's bitmap bit and returns it to the free
// pool.
func (fs *Filesystem) FreeBlock(bid int64) error {

	groupNum := (bid - fs.sb.FirstDataBlock()) / fs.sb.BlocksPerGroup()
	indexInGroup := (bid - fs.sb.FirstDataBlock()) % fs.sb.BlocksPerGroup()
	if groupNum < 0 || groupNum >= int64(len(fs.bgdt.Entries())) {
		return fmt.Errorf("block id %d beyond the last block group: %w", bid, ErrOutOfRange)
	}

	entry := fs.bgdt.Entries()[groupNum]
	bitmapPos := entry.BlockBitmapLocation() * fs.sb.BlockSize()
	byteIndex := indexInGroup / 8
	bitIndex := indexInGroup % 8

	b, err := fs.dev.ReadAt(bitmapPos+byteIndex, 1)
	if err != nil {
		return err
	}

	err = fs.dev.WriteAt(bitmapPos+byteIndex, []byte{b[0] &^ (1 << uint(bitIndex))})
	if err != nil {
		return err
	}

	now := fs.now()
	err = entry.SetNumFreeBlocks(entry.NumFreeBlocks()+1, now)
	if err != nil {
		return err
	}
	return fs.sb.SetNumFreeBlocks(fs.sb.NumFreeBlocks()+1, now)
}

// AllocateInode finds the first free inode at or above the superblock's
// first usable inode index, marks it as used, writes a fully-formed
// inode record, and returns the new inode. The OS-dependent bytes are
// chosen by the filesystem's creator OS.
func (fs *Filesystem) AllocateInode(mode uint32, uid, gid uint32, ctime, mtime, atime uint32) (*Inode, error) {

	bitmapSize := fs.sb.InodesPerGroup() / 8

	for groupNum, entry := range fs.bgdt.Entries() {
		if entry.NumFreeInodes() <= 0 {
			continue
		}

		bitmapPos := entry.InodeBitmapLocation() * fs.sb.BlockSize()
		bitmap, err := fs.dev.ReadAt(bitmapPos, bitmapSize)
		if err != nil {
			return nil, fmt.Errorf("reading inode bitmap of group %d: %w", groupNum, err)
		}

		num := uint32(0)
		for byteIndex := 0; byteIndex < len(bitmap); byteIndex++ {
			if bitmap[byteIndex] == 0xFF {
				continue
			}
			for bitIndex := 0; bitIndex < 8; bitIndex++ {
				if bitmap[byteIndex]&(1<<uint(bitIndex)) != 0 {
					continue
				}
				candidate := uint32(int64(groupNum)*fs.sb.InodesPerGroup() + int64(byteIndex)*8 + int64(bitIndex) + 1)
				if candidate < fs.sb.FirstInode() {
					// inodes below the first usable index are reserved
					continue
				}
				num = candidate
				err = fs.dev.WriteAt(bitmapPos+int64(byteIndex), []byte{bitmap[byteIndex] | 1<<uint(bitIndex)})
				if err != nil {
					return nil, err
				}
				break
			}
			if num != 0 {
				break
			}
		}
		if num == 0 {
			continue
		}

		inode, err := fs.writeNewInode(num, entry, mode, uid, gid, ctime, mtime, atime)
		if err != nil {
			return nil, err
		}

		now := fs.now()
		err = entry.SetNumFreeInodes(entry.NumFreeInodes()-1, now)
		if err != nil {
			return nil, err
		}
		if mode&InodeTypeMask == InodeTypeDirectory {
			err = entry.SetNumInodesAsDirs(entry.NumInodesAsDirs()+1, now)
			if err != nil {
				return nil, err
			}
		}
		err = fs.sb.SetNumFreeInodes(fs.sb.NumFreeInodes()-1, now)
		if err != nil {
			return nil, err
		}

		fs.log.Debugf("allocated inode %d in group %d", num, groupNum)
		return inode, nil
	}

	return nil, fmt.Errorf("no free inodes: %w", ErrNoSpace)
}

// writeNewInode lays down a fresh inode record in the group's inode
// table.
func (fs *Filesystem) writeNewInode(num uint32, entry *BGDTEntry, mode uint32, uid, gid uint32, ctime, mtime, atime uint32) (*Inode, error) {

	layout := InodeLayout{
		Mode:         uint16(mode),
		UID:          uint16(uid),
		TimeAccessed: atime,
		TimeCreated:  ctime,
		TimeModified: mtime,
		GID:          uint16(gid),
	}

	switch fs.sb.CreatorOS() {
	case OSLinux:
		binary.LittleEndian.PutUint16(layout.OSD2[4:], uint16(uid>>16))
		binary.LittleEndian.PutUint16(layout.OSD2[6:], uint16(gid>>16))
	case OSHurd:
		binary.LittleEndian.PutUint16(layout.OSD2[2:], uint16(mode>>16))
		binary.LittleEndian.PutUint16(layout.OSD2[4:], uint16(uid>>16))
		binary.LittleEndian.PutUint16(layout.OSD2[6:], uint16(gid>>16))
	}

	buf := new(bytes.Buffer)
	err := binary.Write(buf, binary.LittleEndian, &layout)
	if err != nil {
		return nil, err
	}
	record := make([]byte, fs.sb.InodeSize())
	copy(record, buf.Bytes())

	groupIndex := int64(num-1) % fs.sb.InodesPerGroup()
	startPos := entry.InodeTableLocation()*fs.sb.BlockSize() + groupIndex*fs.sb.InodeSize()

	err = fs.dev.WriteAt(startPos, record)
	if err != nil {
		return nil, err
	}

	inode := &Inode{
		dev:      fs.dev,
		sb:       fs.sb,
		num:      num,
		startPos: startPos,
		used:     true,
		layout:   layout,
	}
	inode.mergeFields()

	return inode, nil
}

// freeInode clears the inode's bitmap bit, stamps its deletion time, and
// returns it to the free pool.
func (fs *Filesystem) freeInode(inode *Inode) error {

	groupNum := int64(inode.num-1) / fs.sb.InodesPerGroup()
	indexInGroup := int64(inode.num-1) % fs.sb.InodesPerGroup()
	entry := fs.bgdt.Entries()[groupNum]

	now := fs.now()
	err := inode.SetTimeDeleted(now, now)
	if err != nil {
		return err
	}

	bitmapPos := entry.InodeBitmapLocation() * fs.sb.BlockSize()
	byteIndex := indexInGroup / 8
	bitIndex := indexInGroup % 8

	b, err := fs.dev.ReadAt(bitmapPos+byteIndex, 1)
	if err != nil {
		return err
	}
	err = fs.dev.WriteAt(bitmapPos+byteIndex, []byte{b[0] &^ (1 << uint(bitIndex))})
	if err != nil {
		return err
	}
	inode.used = false

	err = entry.SetNumFreeInodes(entry.NumFreeInodes()+1, now)
	if err != nil {
		return err
	}
	if inode.IsDirectory() {
		err = entry.SetNumInodesAsDirs(entry.NumInodesAsDirs()-1, now)
		if err != nil {
			return err
		}
	}
	return fs.sb.SetNumFreeInodes(fs.sb.NumFreeInodes()+1, now)
}

// firstZeroBit scans a bitmap for the first clear bit, LSB-first within
// each byte.
func firstZeroBit(bitmap []byte) (int, int, bool) {
	for byteIndex, b := range bitmap {
		if b == 0xFF {
			continue
		}
		for bitIndex := 0; bitIndex < 8; bitIndex++ {
			if b&(1<<uint(bitIndex)) == 0 {
				return byteIndex, bitIndex, true
			}
		}
	}
	return 0, 0, false
}
