package ext2

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

// GroupReport summarizes one block group.
type GroupReport struct {
	GroupID         int64
	NumFreeBlocks   int64
	NumFreeInodes   int64
	NumInodesAsDirs int64
}

// ScanReport summarizes the directory tree and the block groups.
type ScanReport struct {
	NumRegularFiles int
	NumSymlinks     int
	NumDirs         int
	GroupReports    []GroupReport
}

// IntegrityReport is the result of an integrity check. Diagnostics are
// messages, never errors: a severely corrupt filesystem still yields a
// report.
type IntegrityReport struct {
	HasMagicNumber      bool
	NumSuperblockCopies int
	CopyLocations       []int64
	Messages            []string
}
