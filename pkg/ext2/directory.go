package ext2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Default modes for files created by this driver.
const (
	DefaultDirectoryMode   = 040755
	DefaultRegularFileMode = 0100644
	DefaultSymlinkMode     = 0120777
)

const dirEntryHeaderSize = 8

// dirEntry is one record of a directory's linked entry list, annotated
// with its position so mutations can reach back to it: the logical
// block index within the directory, the offset within that block, and
// the position of the physically preceding record in the same block.
type dirEntry struct {
	inodeNum   uint32
	recLen     int64
	name       string
	blockIndex int64
	offset     int64
	prevOffset int64 // -1 when first in its block
	prevRecLen int64
}

// dirEntrySize returns the on-disk size of a new entry for the given
// name, 4-byte aligned.
func dirEntrySize(name string) int64 {
	return (dirEntryHeaderSize + int64(len(name)) + 3) &^ 3
}

// readEntryList materializes the directory's entries by walking its
// data blocks in logical order. Records with inode number 0 are
// tombstones and are skipped; a record that cannot be valid terminates
// its block.
func (f *File) readEntryList() ([]*dirEntry, error) {

	if !f.IsDir() {
		return nil, fmt.Errorf("cannot list entries of %s: %w", f.path, ErrInvalidFileType)
	}

	bsz := f.fs.sb.BlockSize()
	var list []*dirEntry

	for i := int64(0); i < f.NumBlocks(); i++ {
		bid, err := f.inode.LookupBlock(i)
		if err != nil {
			return nil, err
		}
		if bid == 0 {
			break
		}

		block, err := f.fs.readBlock(bid, 0, 0)
		if err != nil {
			return nil, err
		}

		prevOffset := int64(-1)
		prevRecLen := int64(0)
		for offset := int64(0); offset+dirEntryHeaderSize <= bsz; {
			inum := binary.LittleEndian.Uint32(block[offset:])
			recLen := int64(binary.LittleEndian.Uint16(block[offset+4:]))
			nameLen := int64(block[offset+6])

			if recLen < dirEntryHeaderSize || recLen%4 != 0 || offset+recLen > bsz {
				break
			}

			if inum != 0 {
				if offset+dirEntryHeaderSize+nameLen > bsz {
					break
				}
				list = append(list, &dirEntry{
					inodeNum:   inum,
					recLen:     recLen,
					name:       string(block[offset+dirEntryHeaderSize : offset+dirEntryHeaderSize+nameLen]),
					blockIndex: i,
					offset:     offset,
					prevOffset: prevOffset,
					prevRecLen: prevRecLen,
				})
			}

			prevOffset = offset
			prevRecLen = recLen
			offset += recLen
		}
	}

	return list, nil
}

// writeDirEntry lays down a complete entry record at the given offset
// within block bid.
func (f *File) writeDirEntry(bid, offset int64, inum uint32, recLen int64, name string) error {

	p := make([]byte, dirEntryHeaderSize+len(name))
	binary.LittleEndian.PutUint32(p, inum)
	binary.LittleEndian.PutUint16(p[4:], uint16(recLen))
	p[6] = uint8(len(name))
	copy(p[dirEntryHeaderSize:], name)

	return f.fs.writeToBlock(bid, offset, p)
}

// appendEntry adds a new entry for the given name and inode number at
// the tail of the directory, reusing the slack of the last entry's
// record when it fits and extending the directory by one block when it
// does not.
func (f *File) appendEntry(name string, inum uint32) error {

	if len(name) > 255 {
		return fmt.Errorf("name exceeds 255 bytes: %w", ErrUnsupportedOperation)
	}

	list, err := f.readEntryList()
	if err != nil {
		return err
	}

	bsz := f.fs.sb.BlockSize()
	newSize := dirEntrySize(name)

	if len(list) > 0 {
		last := list[len(list)-1]
		lastNatural := dirEntrySize(last.name)
		candidate := last.offset + lastNatural

		if candidate+newSize <= bsz {
			bid, err := f.inode.LookupBlock(last.blockIndex)
			if err != nil {
				return err
			}
			// the new entry owns the remainder of the block; it only
			// becomes visible once the previous entry shrinks to its
			// natural size and points at it
			err = f.writeDirEntry(bid, candidate, inum, bsz-candidate, name)
			if err != nil {
				return err
			}
			return f.fs.writeToBlock(bid, last.offset+4, packU16(uint16(lastNatural)))
		}
	} else if f.NumBlocks() > 0 {
		// fresh or fully-tombstoned directory block
		bid, err := f.inode.LookupBlock(0)
		if err != nil {
			return err
		}
		return f.writeDirEntry(bid, 0, inum, bsz, name)
	}

	now := f.fs.now()
	bid, err := f.fs.AllocateBlock(true)
	if err != nil {
		return err
	}
	err = f.inode.AssignNextBlockID(bid, f.fs.allocPointerBlock, now)
	if err != nil {
		return err
	}
	err = f.inode.SetSize(f.inode.Size()+uint64(bsz), now)
	if err != nil {
		return err
	}

	return f.writeDirEntry(bid, 0, inum, bsz, name)
}

// removeEntry deletes the named entry from the directory. An entry with
// a physical predecessor in its block is absorbed into the
// predecessor's record length; a block's first entry becomes a
// tombstone that keeps its record length.
func (f *File) removeEntry(name string) error {

	list, err := f.readEntryList()
	if err != nil {
		return err
	}

	for _, entry := range list {
		if entry.name != name {
			continue
		}

		bid, err := f.inode.LookupBlock(entry.blockIndex)
		if err != nil {
			return err
		}

		if entry.prevOffset >= 0 {
			return f.fs.writeToBlock(bid, entry.prevOffset+4, packU16(uint16(entry.prevRecLen+entry.recLen)))
		}
		return f.fs.writeToBlock(bid, entry.offset, packU32(0))
	}

	return fmt.Errorf("no entry named %q in %s: %w", name, f.path, ErrFileNotFound)
}

// allocPointerBlock allocates a zeroed block for use as an indirect
// pointer block.
func (fs *Filesystem) allocPointerBlock() (int64, error) {
	return fs.AllocateBlock(true)
}

// Files enumerates the directory's contents, including the "." and
// ".." entries.
func (f *File) Files() ([]*File, error) {

	list, err := f.readEntryList()
	if err != nil {
		return nil, err
	}

	var files []*File
	for _, entry := range list {
		child, err := f.fs.openChild(f, entry.name, entry.inodeNum)
		if err != nil {
			return nil, err
		}
		files = append(files, child)
	}

	return files, nil
}

// GetFileAt looks up the file at the given path relative to this
// directory.
func (f *File) GetFileAt(relativePath string) (*File, error) {

	if !f.IsDir() {
		return nil, fmt.Errorf("%s is not a directory: %w", f.path, ErrInvalidFileType)
	}

	var parts []string
	for _, part := range strings.Split(relativePath, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty path: %w", ErrFileNotFound)
	}

	cur := f
	for _, part := range parts {
		if !cur.IsDir() {
			return nil, fmt.Errorf("%s is not a directory: %w", cur.path, ErrFileNotFound)
		}

		list, err := cur.readEntryList()
		if err != nil {
			return nil, err
		}

		var next *File
		for _, entry := range list {
			if entry.name == part {
				next, err = f.fs.openChild(cur, entry.name, entry.inodeNum)
				if err != nil {
					return nil, err
				}
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%s: %w", relativePath, ErrFileNotFound)
		}
		cur = next
	}

	return cur, nil
}

// resolveCreateTarget splits a possibly multi-component name into the
// directory the new file belongs in and its base name.
func (f *File) resolveCreateTarget(name string) (*File, string, error) {

	name = strings.Trim(name, "/")
	idx := strings.LastIndex(name, "/")
	if idx < 0 {
		return f, name, nil
	}

	parent, err := f.GetFileAt(name[:idx])
	if err != nil {
		return nil, "", err
	}

	return parent, name[idx+1:], nil
}

// checkNewName validates a candidate entry name against the directory.
func (f *File) checkNewName(name string) error {

	if name == "" {
		return fmt.Errorf("empty file name: %w", ErrFileNotFound)
	}
	if len(name) > 255 {
		return fmt.Errorf("name exceeds 255 bytes: %w", ErrUnsupportedOperation)
	}

	list, err := f.readEntryList()
	if err != nil {
		return err
	}
	for _, entry := range list {
		if entry.name == name {
			return fmt.Errorf("%s already contains %q: %w", f.path, name, ErrFileAlreadyExists)
		}
	}

	return nil
}

// MakeDirectory creates a new directory owned by the same uid and gid
// as its parent.
func (f *File) MakeDirectory(name string) (*File, error) {
	parent, base, err := f.resolveCreateTarget(name)
	if err != nil {
		return nil, err
	}
	return parent.makeDirectory(base, parent.UID(), parent.GID())
}

// MakeDirectoryOwned creates a new directory with an explicit owner.
func (f *File) MakeDirectoryOwned(name string, uid, gid uint32) (*File, error) {
	parent, base, err := f.resolveCreateTarget(name)
	if err != nil {
		return nil, err
	}
	return parent.makeDirectory(base, uid, gid)
}

func (f *File) makeDirectory(name string, uid, gid uint32) (*File, error) {

	err := f.checkNewName(name)
	if err != nil {
		return nil, err
	}

	now := f.fs.now()
	inode, err := f.fs.AllocateInode(DefaultDirectoryMode, uid, gid, now, now, now)
	if err != nil {
		return nil, err
	}

	bid, err := f.fs.AllocateBlock(true)
	if err != nil {
		return nil, err
	}
	err = inode.AssignNextBlockID(bid, f.fs.allocPointerBlock, now)
	if err != nil {
		return nil, err
	}
	err = inode.SetSize(uint64(f.fs.sb.BlockSize()), now)
	if err != nil {
		return nil, err
	}

	path := f.path
	if path != "/" {
		path += "/"
	}
	child := &File{
		fs:     f.fs,
		inode:  inode,
		name:   name,
		parent: f,
		path:   path + name,
	}

	err = child.appendEntry(".", inode.Number())
	if err != nil {
		return nil, err
	}
	err = child.appendEntry("..", f.InodeNum())
	if err != nil {
		return nil, err
	}

	// two links to the new directory: its own "." and the parent's
	// entry; the new ".." adds one to the parent
	err = inode.SetNumLinks(2, now)
	if err != nil {
		return nil, err
	}
	err = f.inode.SetNumLinks(f.inode.NumLinks()+1, now)
	if err != nil {
		return nil, err
	}

	err = f.appendEntry(name, inode.Number())
	if err != nil {
		return nil, err
	}

	f.fs.log.Debugf("created directory %s (inode %d)", child.path, inode.Number())
	return child, nil
}

// MakeRegularFile creates a new empty regular file with the given owner
// and timestamps.
func (f *File) MakeRegularFile(name string, uid, gid uint32, ctime, mtime, atime uint32) (*File, error) {

	parent, base, err := f.resolveCreateTarget(name)
	if err != nil {
		return nil, err
	}

	err = parent.checkNewName(base)
	if err != nil {
		return nil, err
	}

	now := parent.fs.now()
	inode, err := parent.fs.AllocateInode(DefaultRegularFileMode, uid, gid, ctime, mtime, atime)
	if err != nil {
		return nil, err
	}
	err = inode.SetNumLinks(1, now)
	if err != nil {
		return nil, err
	}

	err = parent.appendEntry(base, inode.Number())
	if err != nil {
		return nil, err
	}

	path := parent.path
	if path != "/" {
		path += "/"
	}

	return &File{
		fs:     parent.fs,
		inode:  inode,
		name:   base,
		parent: parent,
		path:   path + base,
	}, nil
}

// MakeLink creates a link to target in this directory: a hard link
// sharing the target's inode, or a symbolic link storing the target's
// absolute path. Short symlink targets live inside the inode record;
// longer ones get a data block.
func (f *File) MakeLink(name string, target *File, symbolic bool) (*File, error) {

	parent, base, err := f.resolveCreateTarget(name)
	if err != nil {
		return nil, err
	}

	err = parent.checkNewName(base)
	if err != nil {
		return nil, err
	}

	now := parent.fs.now()
	path := parent.path
	if path != "/" {
		path += "/"
	}

	if !symbolic {
		if target.IsDir() {
			return nil, fmt.Errorf("cannot hard link directory %s: %w", target.path, ErrInvalidFileType)
		}
		err = parent.appendEntry(base, target.InodeNum())
		if err != nil {
			return nil, err
		}
		err = target.inode.SetNumLinks(target.inode.NumLinks()+1, now)
		if err != nil {
			return nil, err
		}
		return &File{
			fs:     parent.fs,
			inode:  target.inode,
			name:   base,
			parent: parent,
			path:   path + base,
		}, nil
	}

	inode, err := parent.fs.AllocateInode(DefaultSymlinkMode, parent.UID(), parent.GID(), now, now, now)
	if err != nil {
		return nil, err
	}
	err = inode.SetNumLinks(1, now)
	if err != nil {
		return nil, err
	}

	targetPath := target.AbsolutePath()
	if len(targetPath) <= SymlinkInlineMax {
		err = inode.setInlineTarget([]byte(targetPath), now)
		if err != nil {
			return nil, err
		}
	} else {
		bid, err := parent.fs.AllocateBlock(true)
		if err != nil {
			return nil, err
		}
		err = parent.fs.writeToBlock(bid, 0, []byte(targetPath))
		if err != nil {
			return nil, err
		}
		err = inode.AssignNextBlockID(bid, parent.fs.allocPointerBlock, now)
		if err != nil {
			return nil, err
		}
	}
	err = inode.SetSize(uint64(len(targetPath)), now)
	if err != nil {
		return nil, err
	}

	err = parent.appendEntry(base, inode.Number())
	if err != nil {
		return nil, err
	}

	return &File{
		fs:     parent.fs,
		inode:  inode,
		name:   base,
		parent: parent,
		path:   path + base,
	}, nil
}

// RemoveFile removes the file from the filesystem. Directories must be
// empty unless recursive is set, in which case their contents are
// removed post-order first.
func (fs *Filesystem) RemoveFile(f *File, recursive bool) error {
	return f.Remove(recursive)
}

// Remove deletes this file's directory entry and decrements its link
// count, freeing the inode and all of its blocks when the last link
// disappears.
func (f *File) Remove(recursive bool) error {

	if f.parent == f {
		return fmt.Errorf("cannot remove the root directory: %w", ErrUnsupportedOperation)
	}
	if f.name == "." || f.name == ".." {
		return fmt.Errorf("cannot remove %q: %w", f.name, ErrInvalidFileType)
	}

	if f.IsDir() {
		files, err := f.Files()
		if err != nil {
			return err
		}
		var children []*File
		for _, child := range files {
			if child.Name() == "." || child.Name() == ".." {
				continue
			}
			children = append(children, child)
		}
		if len(children) > 0 && !recursive {
			return fmt.Errorf("directory %s is not empty: %w", f.path, ErrInvalidFileType)
		}
		for _, child := range children {
			err = child.Remove(true)
			if err != nil {
				return err
			}
		}
	}

	err := f.parent.removeEntry(f.name)
	if err != nil {
		return err
	}

	now := f.fs.now()
	if f.IsDir() {
		// the parent loses the ".." reference, and the directory loses
		// both its "." and the parent's entry
		err = f.parent.inode.SetNumLinks(f.parent.inode.NumLinks()-1, now)
		if err != nil {
			return err
		}
		err = f.inode.SetNumLinks(0, now)
		if err != nil {
			return err
		}
	} else {
		err = f.inode.SetNumLinks(f.inode.NumLinks()-1, now)
		if err != nil {
			return err
		}
	}

	if f.inode.NumLinks() > 0 {
		return nil
	}

	// symlinks short enough to live inside their inode reference no
	// blocks
	if !(f.IsSymlink() && f.inode.Size() <= SymlinkInlineMax) {
		bids, err := f.inode.UsedBlocks()
		if err != nil {
			return err
		}
		for _, bid := range bids {
			err = f.fs.FreeBlock(bid)
			if err != nil {
				return err
			}
		}
	}

	f.fs.log.Debugf("freeing inode %d (%s)", f.InodeNum(), f.path)
	return f.fs.freeInode(f.inode)
}
