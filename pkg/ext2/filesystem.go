package ext2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vorteil/vext2/pkg/elog"
)

// FilesystemArgs organizes the inputs necessary to create a Filesystem.
type FilesystemArgs struct {
	Device *Device
	Logger elog.Logger
}

// Filesystem models a device formatted to ext2. It owns the device, the
// superblock, and the block group descriptor table, and it is the only
// path through which blocks and inodes are allocated or freed.
//
// The filesystem is not internally thread-safe: all operations must be
// serialized by the caller. The only exception is Progress, which reads
// monotonic counters and is safe to poll from another goroutine while a
// scan or integrity check runs.
type Filesystem struct {
	dev   *Device
	log   elog.Logger
	sb    *Superblock
	bgdt  *BGDT
	root  *File
	valid bool

	now func() uint32

	progressDone  int64
	progressTotal int64
}

// NewFilesystem constructs an unmounted filesystem over the given
// device.
func NewFilesystem(args *FilesystemArgs) *Filesystem {
	log := args.Logger
	if log == nil {
		log = &elog.Discard{}
	}
	return &Filesystem{
		dev: args.Device,
		log: log,
		now: func() uint32 {
			return uint32(time.Now().Unix())
		},
	}
}

// FromImageFile constructs an unmounted filesystem over the disk image
// at path.
func FromImageFile(path string, log elog.Logger) *Filesystem {
	return NewFilesystem(&FilesystemArgs{
		Device: DeviceFromFile(path),
		Logger: log,
	})
}

// IsValid returns whether the filesystem is mounted and usable.
func (fs *Filesystem) IsValid() bool {
	return fs.valid
}

// Mount opens the device, parses the superblock and the block group
// descriptor table, and opens the root directory. A failure in any step
// releases the device and reports the cause wrapped in ErrBadImage.
func (fs *Filesystem) Mount() error {

	err := fs.dev.Mount()
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrBadImage)
	}

	err = fs.load()
	if err != nil {
		_ = fs.dev.Unmount()
		fs.valid = false
		if !errors.Is(err, ErrBadImage) {
			err = fmt.Errorf("%v: %w", err, ErrBadImage)
		}
		return err
	}

	fs.valid = true
	fs.log.Debugf("mounted %s: block size %d, %d block groups", fs.dev.name, fs.sb.BlockSize(), fs.sb.NumBlockGroups())
	return nil
}

func (fs *Filesystem) load() error {

	var err error
	fs.sb, err = ReadSuperblock(SuperblockOffset, fs.dev)
	if err != nil {
		return err
	}

	fs.bgdt, err = ReadBGDT(0, fs.sb, fs.dev)
	if err != nil {
		return err
	}

	fs.root, err = fs.openRootDirectory()
	if err != nil {
		return fmt.Errorf("root directory could not be read: %v: %w", err, ErrBadImage)
	}

	return nil
}

// Unmount flushes and closes the device. The filesystem is no longer
// usable afterwards.
func (fs *Filesystem) Unmount() error {
	fs.valid = false
	fs.log.Debugf("unmounting %s", fs.dev.name)
	return fs.dev.Unmount()
}

// FSType returns the filesystem type string. Always EXT2.
func (fs *Filesystem) FSType() string {
	return "EXT2"
}

// Revision returns the filesystem revision formatted as MAJOR.MINOR.
func (fs *Filesystem) Revision() string {
	return fmt.Sprintf("%d.%d", fs.sb.RevisionMajor(), fs.sb.RevisionMinor())
}

// BlockSize returns the block size in bytes.
func (fs *Filesystem) BlockSize() int64 {
	return fs.sb.BlockSize()
}

// TotalSpace returns the total filesystem size in bytes.
func (fs *Filesystem) TotalSpace() int64 {
	return fs.sb.BlockSize() * fs.sb.NumBlocks()
}

// FreeSpace returns the number of free bytes.
func (fs *Filesystem) FreeSpace() int64 {
	return fs.sb.BlockSize() * fs.sb.NumFreeBlocks()
}

// UsedSpace returns the number of used bytes.
func (fs *Filesystem) UsedSpace() int64 {
	return fs.TotalSpace() - fs.FreeSpace()
}

// NumBlockGroups returns the number of block groups.
func (fs *Filesystem) NumBlockGroups() int64 {
	return fs.sb.NumBlockGroups()
}

// NumInodes returns the total number of inodes.
func (fs *Filesystem) NumInodes() int64 {
	return fs.sb.NumInodes()
}

// Superblock returns the primary superblock.
func (fs *Filesystem) Superblock() *Superblock {
	return fs.sb
}

// BGDT returns the primary block group descriptor table.
func (fs *Filesystem) BGDT() *BGDT {
	return fs.bgdt
}

// RootDir returns the file object representing the root directory.
func (fs *Filesystem) RootDir() *File {
	return fs.root
}

// GetFile looks up the file at the given absolute path.
func (fs *Filesystem) GetFile(absolutePath string) (*File, error) {

	if !strings.HasPrefix(absolutePath, "/") {
		return nil, fmt.Errorf("path %q is not absolute: %w", absolutePath, ErrFileNotFound)
	}

	rel := strings.Trim(absolutePath, "/")
	if rel == "" {
		return fs.root, nil
	}

	return fs.root.GetFileAt(rel)
}

// Progress returns the monotonic progress counters of the scan or
// integrity check currently running, as (done, total). It is safe to
// call from another goroutine.
func (fs *Filesystem) Progress() (int64, int64) {
	return atomic.LoadInt64(&fs.progressDone), atomic.LoadInt64(&fs.progressTotal)
}

func (fs *Filesystem) progressReset(total int64) {
	atomic.StoreInt64(&fs.progressDone, 0)
	atomic.StoreInt64(&fs.progressTotal, total)
}

func (fs *Filesystem) progressStep() {
	atomic.AddInt64(&fs.progressDone, 1)
}

// readBlock reads count bytes at the given offset within a block. A
// count of zero reads the whole block.
func (fs *Filesystem) readBlock(bid int64, offset int64, count int64) ([]byte, error) {
	if count == 0 {
		count = fs.sb.BlockSize()
	}
	return fs.dev.ReadAt(bid*fs.sb.BlockSize()+offset, count)
}

// writeToBlock writes the byte string at the given offset within the
// block, stamping the superblock's TimeLastWrite.
func (fs *Filesystem) writeToBlock(bid int64, offset int64, p []byte) error {

	if offset+int64(len(p)) > fs.sb.BlockSize() {
		return fmt.Errorf("write of %d bytes at offset %d overruns block %d: %w", len(p), offset, bid, ErrOutOfRange)
	}

	err := fs.dev.WriteAt(bid*fs.sb.BlockSize()+offset, p)
	if err != nil {
		return err
	}

	now := fs.now()
	return fs.sb.writeField(sbOffTimeLastWrite, packU32(now), now)
}

// readInode reads the inode with the given number.
func (fs *Filesystem) readInode(num uint32) (*Inode, error) {
	return ReadInode(num, fs.bgdt, fs.sb, fs.dev)
}

// Scan walks the directory tree breadth-first and reports file counts
// alongside the per-group free counts taken from the BGDT.
func (fs *Filesystem) Scan() (*ScanReport, error) {

	report := &ScanReport{
		NumDirs: 1, // the root directory
	}

	fs.progressReset(fs.sb.NumInodes() - fs.sb.NumFreeInodes())

	queue := []*File{fs.root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		files, err := dir.Files()
		if err != nil {
			return nil, err
		}

		for _, f := range files {
			if f.Name() == "." || f.Name() == ".." {
				continue
			}
			fs.progressStep()
			switch {
			case f.IsDir():
				report.NumDirs++
				queue = append(queue, f)
			case f.IsRegular():
				report.NumRegularFiles++
			case f.IsSymlink():
				report.NumSymlinks++
			}
		}
	}

	for g, entry := range fs.bgdt.Entries() {
		report.GroupReports = append(report.GroupReports, GroupReport{
			GroupID:         int64(g),
			NumFreeBlocks:   entry.NumFreeBlocks(),
			NumFreeInodes:   entry.NumFreeInodes(),
			NumInodesAsDirs: entry.NumInodesAsDirs(),
		})
	}

	return report, nil
}
