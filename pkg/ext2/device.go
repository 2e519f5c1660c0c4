package ext2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"io"
	"os"
)

// Backing is the minimal surface a device's underlying storage must
// provide. Anything positional works: a disk image file, a loop device,
// or a raw block device.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

// Device is a random-access byte-addressable backing store for a
// filesystem. All reads and writes are positional and serialize through
// the single Filesystem that owns the device.
type Device struct {
	name    string
	path    string
	backing Backing
	file    *os.File
	mounted bool
}

// NewDevice wraps an already-open backing store. The caller remains
// responsible for closing the backing if it holds other resources.
func NewDevice(name string, backing Backing) *Device {
	return &Device{
		name:    name,
		backing: backing,
	}
}

// DeviceFromFile creates a device whose backing is the file at path. The
// file is not opened until Mount is called.
func DeviceFromFile(path string) *Device {
	return &Device{
		name: path,
		path: path,
	}
}

// IsMounted returns whether the device is open for IO.
func (d *Device) IsMounted() bool {
	return d.mounted
}

// Mount opens the device for reading and writing.
func (d *Device) Mount() error {

	if d.mounted {
		return nil
	}

	if d.path != "" {
		f, err := os.OpenFile(d.path, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("mounting device %s: %w", d.name, err)
		}
		d.file = f
		d.backing = f
	}

	d.mounted = true
	return nil
}

// Unmount flushes the device and closes it. It is safe to call on an
// unmounted device.
func (d *Device) Unmount() error {

	if !d.mounted {
		return nil
	}
	d.mounted = false

	err := d.Flush()

	if d.file != nil {
		e := d.file.Close()
		if err == nil {
			err = e
		}
		d.file = nil
		d.backing = nil
	}

	return err
}

// Flush forces buffered writes down to stable storage if the backing
// supports it.
func (d *Device) Flush() error {

	type syncer interface {
		Sync() error
	}

	if s, ok := d.backing.(syncer); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("flushing device %s: %w", d.name, err)
		}
	}

	return nil
}

// ReadAt reads exactly size bytes from the given position.
func (d *Device) ReadAt(position int64, size int64) ([]byte, error) {

	if !d.mounted {
		return nil, fmt.Errorf("reading from %s: %w", d.name, ErrIoFailed)
	}

	p := make([]byte, size)
	n, err := d.backing.ReadAt(p, position)
	if int64(n) < size {
		if err == nil || err == io.EOF {
			return nil, fmt.Errorf("read %d of %d bytes at %d from %s: %w", n, size, position, d.name, ErrIoShort)
		}
		return nil, fmt.Errorf("reading %d bytes at %d from %s: %v: %w", size, position, d.name, err, ErrIoFailed)
	}

	return p, nil
}

// WriteAt writes the entire byte string at the given position.
func (d *Device) WriteAt(position int64, p []byte) error {

	if !d.mounted {
		return fmt.Errorf("writing to %s: %w", d.name, ErrIoFailed)
	}

	n, err := d.backing.WriteAt(p, position)
	if n < len(p) {
		if err == nil {
			return fmt.Errorf("wrote %d of %d bytes at %d to %s: %w", n, len(p), position, d.name, ErrIoShort)
		}
		return fmt.Errorf("writing %d bytes at %d to %s: %v: %w", len(p), position, d.name, err, ErrIoFailed)
	}

	return nil
}
