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

// BlockGroupDescriptorSize is the on-disk size of one BGDT entry.
const BlockGroupDescriptorSize = 32

// byte offsets of the mutable BGDT entry fields
const (
	bgdtOffNumFreeBlocks   = 12
	bgdtOffNumFreeInodes   = 14
	bgdtOffNumInodesAsDirs = 16
)

// BGDTEntryLayout is the structure of a block group descriptor as
// written to the disk. The trailing bytes are reserved.
type BGDTEntryLayout struct {
	BlockBitmapBid  uint32
	InodeBitmapBid  uint32
	InodeTableBid   uint32
	NumFreeBlocks   uint16
	NumFreeInodes   uint16
	NumInodesAsDirs uint16
	Padding         [2]byte
	Reserved        [12]byte
}

// BGDTEntry describes a single block group: where its bitmaps and inode
// table live, and how much of it is free. Mutations to the free counts
// persist immediately and, while the superblock's SaveCopies is set,
// replicate to every copy of the table.
type BGDTEntry struct {
	table   *BGDT
	groupID int64
	layout  BGDTEntryLayout
}

// BGDT is the block group descriptor table: a contiguous array of
// 32-byte descriptors, one per block group, replicated alongside each
// superblock copy.
type BGDT struct {
	dev     *Device
	sb      *Superblock
	entries []*BGDTEntry
}

// ReadBGDT reads the copy of the block group descriptor table stored in
// the given block group.
func ReadBGDT(groupID int64, sb *Superblock, dev *Device) (*BGDT, error) {

	startPos := sb.groupByteOffset(groupID) + (sb.FirstDataBlock()+1)*sb.BlockSize()
	tableSize := sb.NumBlockGroups() * BlockGroupDescriptorSize

	raw, err := dev.ReadAt(startPos, tableSize)
	if err != nil {
		return nil, fmt.Errorf("reading block group descriptor table at group %d: %v: %w", groupID, err, ErrBadImage)
	}

	bgdt := &BGDT{
		dev: dev,
		sb:  sb,
	}

	rdr := bytes.NewReader(raw)
	for i := int64(0); i < sb.NumBlockGroups(); i++ {
		entry := &BGDTEntry{
			table:   bgdt,
			groupID: i,
		}
		err = binary.Read(rdr, binary.LittleEndian, &entry.layout)
		if err != nil {
			return nil, fmt.Errorf("parsing block group descriptor %d: %v: %w", i, err, ErrBadImage)
		}
		bgdt.entries = append(bgdt.entries, entry)
	}

	return bgdt, nil
}

// Entries returns the descriptor list. Indexes are block group ids.
func (bgdt *BGDT) Entries() []*BGDTEntry {
	return bgdt.entries
}

// Layout returns the parsed on-disk structure of the entry.
func (entry *BGDTEntry) Layout() BGDTEntryLayout {
	return entry.layout
}

// BlockBitmapLocation returns the block id of the group's block bitmap.
func (entry *BGDTEntry) BlockBitmapLocation() int64 {
	return int64(entry.layout.BlockBitmapBid)
}

// InodeBitmapLocation returns the block id of the group's inode bitmap.
func (entry *BGDTEntry) InodeBitmapLocation() int64 {
	return int64(entry.layout.InodeBitmapBid)
}

// InodeTableLocation returns the block id of the first block of the
// group's inode table.
func (entry *BGDTEntry) InodeTableLocation() int64 {
	return int64(entry.layout.InodeTableBid)
}

// NumFreeBlocks returns the number of unallocated blocks in the group.
func (entry *BGDTEntry) NumFreeBlocks() int64 {
	return int64(entry.layout.NumFreeBlocks)
}

// NumFreeInodes returns the number of unallocated inodes in the group.
func (entry *BGDTEntry) NumFreeInodes() int64 {
	return int64(entry.layout.NumFreeInodes)
}

// NumInodesAsDirs returns the number of the group's inodes that are
// directories.
func (entry *BGDTEntry) NumInodesAsDirs() int64 {
	return int64(entry.layout.NumInodesAsDirs)
}

// writeField persists len(p) bytes at the given offset within this
// entry's 32 bytes in the primary table and, while the superblock's
// SaveCopies is set, in the table copy at every copy-bearing group,
// stamping the superblock's TimeLastWrite.
func (entry *BGDTEntry) writeField(offset int64, p []byte, now uint32) error {

	sb := entry.table.sb
	entryOffset := entry.groupID*BlockGroupDescriptorSize + offset

	targets := []int64{0}
	if sb.SaveCopies {
		targets = sb.copyGroups
	}

	for _, g := range targets {
		tableStart := sb.groupByteOffset(g) + (sb.FirstDataBlock()+1)*sb.BlockSize()
		err := entry.table.dev.WriteAt(tableStart+entryOffset, p)
		if err != nil {
			return err
		}
	}

	var tlw [4]byte
	binary.LittleEndian.PutUint32(tlw[:], now)
	return sb.writeField(sbOffTimeLastWrite, tlw[:], now)
}

// SetNumFreeBlocks persists a new free block count for the group.
func (entry *BGDTEntry) SetNumFreeBlocks(n int64, now uint32) error {
	entry.layout.NumFreeBlocks = uint16(n)
	var p [2]byte
	binary.LittleEndian.PutUint16(p[:], uint16(n))
	return entry.writeField(bgdtOffNumFreeBlocks, p[:], now)
}

// SetNumFreeInodes persists a new free inode count for the group.
func (entry *BGDTEntry) SetNumFreeInodes(n int64, now uint32) error {
	entry.layout.NumFreeInodes = uint16(n)
	var p [2]byte
	binary.LittleEndian.PutUint16(p[:], uint16(n))
	return entry.writeField(bgdtOffNumFreeInodes, p[:], now)
}

// SetNumInodesAsDirs persists a new directory count for the group.
func (entry *BGDTEntry) SetNumInodesAsDirs(n int64, now uint32) error {
	entry.layout.NumInodesAsDirs = uint16(n)
	var p [2]byte
	binary.LittleEndian.PutUint16(p[:], uint16(n))
	return entry.writeField(bgdtOffNumInodesAsDirs, p[:], now)
}
