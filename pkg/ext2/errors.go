package ext2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "errors"

// The closed set of failure kinds returned across the package. Callers
// should test for them with errors.Is because most are returned wrapped
// with positional context.
var (
	// ErrBadImage means the image could not be parsed as an ext2
	// filesystem: unreadable file, short metadata read, or a structural
	// parse failure during mount.
	ErrBadImage = errors.New("image is not a valid ext2 filesystem")

	// ErrIoShort means the device returned fewer bytes than requested.
	ErrIoShort = errors.New("short read or write on device")

	// ErrIoFailed means the underlying device failed outright.
	ErrIoFailed = errors.New("device IO failed")

	// ErrFileNotFound means path resolution failed.
	ErrFileNotFound = errors.New("file not found")

	// ErrFileAlreadyExists means the destination path is already occupied.
	ErrFileAlreadyExists = errors.New("file already exists")

	// ErrInvalidFileType means the operation is not defined for this
	// class of file, such as enumerating the contents of a regular file.
	ErrInvalidFileType = errors.New("operation not valid for this file type")

	// ErrUnsupportedOperation means the filesystem feature needed to
	// complete the operation is not implemented by this driver.
	ErrUnsupportedOperation = errors.New("operation not supported")

	// ErrNoSpace means no free inode or free block could be found.
	ErrNoSpace = errors.New("no space left on filesystem")

	// ErrOutOfRange means a block index lies beyond the file's last block.
	ErrOutOfRange = errors.New("block index out of range")

	// ErrCorrupt means a bitmap is inconsistent with the structure that
	// references it.
	ErrCorrupt = errors.New("filesystem structure is corrupt")
)
