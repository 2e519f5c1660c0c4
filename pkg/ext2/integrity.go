package ext2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"reflect"
)

// superblock layout fields that legitimately differ between copies, or
// that carry no meaning, and so are excluded from the copy-consistency
// comparison.
var sbCompareSkip = map[string]bool{
	"SuperblockGroupNr": true,
	"Padding0":          true,
	"Padding1":          true,
}

var bgdtCompareSkip = map[string]bool{
	"Padding":  true,
	"Reserved": true,
}

// CheckIntegrity evaluates the integrity of the filesystem and returns
// a report. It never mutates anything, and divergences are reported as
// diagnostic messages rather than errors.
func (fs *Filesystem) CheckIntegrity() (*IntegrityReport, error) {

	report := &IntegrityReport{
		HasMagicNumber:      fs.sb.IsValidExt2(),
		NumSuperblockCopies: len(fs.sb.CopyLocations()),
		CopyLocations:       fs.sb.CopyLocations(),
		Messages:            []string{},
	}

	fs.checkCopyConsistency(report)

	err := fs.checkReferences(report)
	if err != nil {
		return nil, err
	}

	return report, nil
}

// checkCopyConsistency compares every redundant superblock and BGDT
// copy against the primary, field by field.
func (fs *Filesystem) checkCopyConsistency(report *IntegrityReport) {

	for _, groupID := range fs.sb.CopyLocations() {
		if groupID == 0 {
			continue
		}

		startPos := SuperblockOffset + groupID*fs.sb.BlocksPerGroup()*fs.sb.BlockSize()
		sbCopy, err := ReadSuperblock(startPos, fs.dev)
		if err != nil {
			report.Messages = append(report.Messages, fmt.Sprintf("Superblock at block group %d could not be read.", groupID))
			continue
		}

		compareStructs(fs.sb.Layout(), sbCopy.Layout(), sbCompareSkip, func(field string, primary, copied interface{}) {
			report.Messages = append(report.Messages, fmt.Sprintf("Superblock at block group %d has inconsistent field '%s' with value '%v' (primary value is '%v').", groupID, field, copied, primary))
		})

		bgdtCopy, err := ReadBGDT(groupID, fs.sb, fs.dev)
		if err != nil {
			report.Messages = append(report.Messages, fmt.Sprintf("Block group descriptor table at block group %d could not be read.", groupID))
			continue
		}

		primaryEntries := fs.bgdt.Entries()
		copyEntries := bgdtCopy.Entries()
		if len(copyEntries) != len(primaryEntries) {
			report.Messages = append(report.Messages, fmt.Sprintf("Block group descriptor table at block group %d has %d entries while primary has %d.", groupID, len(copyEntries), len(primaryEntries)))
			continue
		}

		for entryNum := range primaryEntries {
			compareStructs(primaryEntries[entryNum].Layout(), copyEntries[entryNum].Layout(), bgdtCompareSkip, func(field string, primary, copied interface{}) {
				report.Messages = append(report.Messages, fmt.Sprintf("Block group descriptor table entry %d at block group %d has inconsistent field '%s' with value '%v' (primary value is '%v').", entryNum, groupID, field, copied, primary))
			})
		}
	}
}

// compareStructs walks the exported fields of two structures of the
// same type and invokes mismatch for every field that differs.
func compareStructs(primary, copied interface{}, skip map[string]bool, mismatch func(field string, primary, copied interface{})) {

	pv := reflect.ValueOf(primary)
	cv := reflect.ValueOf(copied)
	t := pv.Type()

	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Name
		if skip[name] {
			continue
		}
		a := pv.Field(i).Interface()
		b := cv.Field(i).Interface()
		if !reflect.DeepEqual(a, b) {
			mismatch(name, a, b)
		}
	}
}

// checkReferences validates that every directory entry references a
// used inode and that every block is referenced by at most one file.
func (fs *Filesystem) checkReferences(report *IntegrityReport) error {

	usedInodes, err := fs.usedInodes()
	if err != nil {
		report.Messages = append(report.Messages, fmt.Sprintf("Inode bitmaps could not be read (%v).", err))
		return nil
	}
	inodesReachable := make(map[uint32]bool, len(usedInodes))
	for _, num := range usedInodes {
		inodesReachable[num] = false
	}

	usedBlocks, err := fs.usedBlocks()
	if err != nil {
		report.Messages = append(report.Messages, fmt.Sprintf("Block bitmaps could not be read (%v).", err))
		return nil
	}
	blocksAccessedBy := make(map[int64]string, len(usedBlocks))
	for _, bid := range usedBlocks {
		blocksAccessedBy[bid] = ""
	}

	fs.progressReset(int64(len(usedInodes)))

	// hard links share an inode; its blocks are attributed once
	visited := make(map[uint32]bool)

	queue := []*File{fs.root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		files, err := dir.Files()
		if err != nil {
			report.Messages = append(report.Messages, fmt.Sprintf("Directory %s could not be read (%v).", dir.AbsolutePath(), err))
			continue
		}

		for _, f := range files {
			if f.Name() == "." || f.Name() == ".." {
				continue
			}
			fs.progressStep()
			if f.IsDir() {
				queue = append(queue, f)
			}

			if _, known := inodesReachable[f.InodeNum()]; !f.IsValid() || !known {
				report.Messages = append(report.Messages, fmt.Sprintf("The filesystem contains an entry for %s but its inode is not marked as used (inode number %d).", f.AbsolutePath(), f.InodeNum()))
			} else {
				inodesReachable[f.InodeNum()] = true
			}

			if visited[f.InodeNum()] {
				continue
			}
			visited[f.InodeNum()] = true

			// symlinks short enough to live inside their inode have no
			// block references to account for
			if f.IsSymlink() && f.inode.Size() <= SymlinkInlineMax {
				continue
			}

			bids, err := f.inode.UsedBlocks()
			if err != nil {
				report.Messages = append(report.Messages, fmt.Sprintf("The block map of %s could not be read (%v).", f.AbsolutePath(), err))
				continue
			}
			for _, bid := range bids {
				owner, known := blocksAccessedBy[bid]
				if !known {
					report.Messages = append(report.Messages, fmt.Sprintf("The file %s is referencing a block that is not marked as used by the filesystem (block id: %d)", f.AbsolutePath(), bid))
				} else if owner != "" {
					report.Messages = append(report.Messages, fmt.Sprintf("Block id %d is being referenced by both %s and %s.", bid, owner, f.AbsolutePath()))
				} else {
					blocksAccessedBy[bid] = f.AbsolutePath()
				}
			}
		}
	}

	for _, num := range usedInodes {
		if !inodesReachable[num] {
			report.Messages = append(report.Messages, fmt.Sprintf("Inode number %d is marked as used but is not reachable from a directory entry.", num))
		}
	}

	return nil
}

// usedInodes lists every used inode number at or above the first usable
// index, read from the on-disk inode bitmaps.
func (fs *Filesystem) usedInodes() ([]uint32, error) {

	var used []uint32
	bitmapSize := fs.sb.InodesPerGroup() / 8

	for groupNum, entry := range fs.bgdt.Entries() {
		bitmap, err := fs.dev.ReadAt(entry.InodeBitmapLocation()*fs.sb.BlockSize(), bitmapSize)
		if err != nil {
			return nil, fmt.Errorf("reading inode bitmap of group %d: %w", groupNum, err)
		}
		for byteIndex, b := range bitmap {
			if b == 0 {
				continue
			}
			for i := 0; i < 8; i++ {
				if b&(1<<uint(i)) == 0 {
					continue
				}
				num := uint32(int64(groupNum)*fs.sb.InodesPerGroup() + int64(byteIndex)*8 + int64(i) + 1)
				if num >= fs.sb.FirstInode() {
					used = append(used, num)
				}
			}
		}
	}

	return used, nil
}

// usedBlocks lists every used block id, read from the on-disk block
// bitmaps.
func (fs *Filesystem) usedBlocks() ([]int64, error) {

	var used []int64
	bitmapSize := fs.sb.BlocksPerGroup() / 8

	for groupNum, entry := range fs.bgdt.Entries() {
		bitmap, err := fs.dev.ReadAt(entry.BlockBitmapLocation()*fs.sb.BlockSize(), bitmapSize)
		if err != nil {
			return nil, fmt.Errorf("reading block bitmap of group %d: %w", groupNum, err)
		}
		for byteIndex, b := range bitmap {
			if b == 0 {
				continue
			}
			for i := 0; i < 8; i++ {
				if b&(1<<uint(i)) == 0 {
					continue
				}
				used = append(used, int64(groupNum)*fs.sb.BlocksPerGroup()+int64(byteIndex)*8+int64(i)+fs.sb.FirstDataBlock())
			}
		}
	}

	return used, nil
}
