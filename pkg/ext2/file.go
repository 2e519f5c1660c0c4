package ext2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"time"
)

// File is a materialized view over an inode plus the directory entry
// that reached it. The three file classes (directory, regular file,
// symlink) share this one structure and dispatch on the inode's mode
// type bits; operations undefined for a class return
// ErrInvalidFileType.
type File struct {
	fs     *Filesystem
	inode  *Inode
	name   string
	parent *File
	path   string
}

// openRootDirectory opens inode 2 as the root directory. The root is
// its own parent by definition.
func (fs *Filesystem) openRootDirectory() (*File, error) {

	inode, err := fs.readInode(RootDirInode)
	if err != nil {
		return nil, err
	}
	if !inode.IsDirectory() {
		return nil, ErrCorrupt
	}

	root := &File{
		fs:    fs,
		inode: inode,
		name:  "",
		path:  "/",
	}
	root.parent = root

	return root, nil
}

// openChild materializes the file reached by a directory entry. The
// "." and ".." names resolve through the parent links rather than
// producing a cyclic object graph.
func (fs *Filesystem) openChild(parent *File, name string, inodeNum uint32) (*File, error) {

	switch name {
	case ".":
		return &File{
			fs:     fs,
			inode:  parent.inode,
			name:   name,
			parent: parent.parent,
			path:   parent.path,
		}, nil
	case "..":
		up := parent.parent
		return &File{
			fs:     fs,
			inode:  up.inode,
			name:   name,
			parent: up.parent,
			path:   up.path,
		}, nil
	}

	inode, err := fs.readInode(inodeNum)
	if err != nil {
		return nil, err
	}

	path := parent.path
	if path != "/" {
		path += "/"
	}

	return &File{
		fs:     fs,
		inode:  inode,
		name:   name,
		parent: parent,
		path:   path + name,
	}, nil
}

// Name returns the file's name from its directory entry. The root
// directory's name is empty.
func (f *File) Name() string {
	return f.name
}

// AbsolutePath returns the absolute path to the file, derived by
// walking parent links.
func (f *File) AbsolutePath() string {
	return f.path
}

// InodeNum returns the file's inode number.
func (f *File) InodeNum() uint32 {
	return f.inode.Number()
}

// Inode returns the underlying inode.
func (f *File) Inode() *Inode {
	return f.inode
}

// Parent returns the file's parent directory. The root directory's
// parent is itself.
func (f *File) Parent() *File {
	return f.parent
}

// IsValid returns whether the file's inode is marked used in its
// group's inode bitmap.
func (f *File) IsValid() bool {
	return f.inode.IsUsed()
}

// IsDir returns whether the file is a directory.
func (f *File) IsDir() bool {
	return f.inode.IsDirectory()
}

// IsRegular returns whether the file is a regular file.
func (f *File) IsRegular() bool {
	return f.inode.IsRegular()
}

// IsSymlink returns whether the file is a symbolic link.
func (f *File) IsSymlink() bool {
	return f.inode.IsSymlink()
}

// NumLinks returns the number of hard links to the file.
func (f *File) NumLinks() uint16 {
	return f.inode.NumLinks()
}

// UID returns the owner uid.
func (f *File) UID() uint32 {
	return f.inode.UID()
}

// GID returns the owner gid.
func (f *File) GID() uint32 {
	return f.inode.GID()
}

// Size returns the size of the file in bytes, or 0 if it is not a
// regular file.
func (f *File) Size() uint64 {
	if f.IsRegular() {
		return f.inode.Size()
	}
	return 0
}

// NumBlocks returns the number of data blocks spanned by the file's
// contents.
func (f *File) NumBlocks() int64 {
	return divide(int64(f.inode.Size()), f.fs.sb.BlockSize())
}

// TimeCreated returns the creation time.
func (f *File) TimeCreated() time.Time {
	return time.Unix(int64(f.inode.TimeCreated()), 0)
}

// TimeAccessed returns the last access time.
func (f *File) TimeAccessed() time.Time {
	return time.Unix(int64(f.inode.TimeAccessed()), 0)
}

// TimeModified returns the last modification time.
func (f *File) TimeModified() time.Time {
	return time.Unix(int64(f.inode.TimeModified()), 0)
}

// ModeString returns the file's mode in the style of `ls -l`, such as
// "drwxr-x---".
func (f *File) ModeString() string {

	mode := []byte("----------")
	if f.IsDir() {
		mode[0] = 'd'
	} else if f.IsSymlink() {
		mode[0] = 'l'
	}

	chars := []byte{'r', 'w', 'x'}
	for i := 0; i < 9; i++ {
		if f.inode.Mode()&(1<<uint(8-i)) != 0 {
			mode[1+i] = chars[i%3]
		}
	}

	return string(mode)
}
