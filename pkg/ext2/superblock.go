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

// Various ext2 constants.
const (
	Signature        = 0xEF53
	SuperblockOffset = 1024
	SuperblockSize   = 1024

	RootDirInode = 2

	InodeTypeFIFO        = 0x1000
	InodeTypeCharDevice  = 0x2000
	InodeTypeDirectory   = 0x4000
	InodeTypeBlockDevice = 0x6000
	InodeTypeRegularFile = 0x8000
	InodeTypeSymlink     = 0xA000
	InodeTypeSocket      = 0xC000
	InodeTypeMask        = 0xF000
	InodePermissionsMask = 0x0FFF
)

// Filesystem states stored in the superblock.
const (
	StateValid uint16 = 1
	StateError uint16 = 2
)

// Creator operating systems. The creator OS decides the meaning of the
// OS-dependent bytes of each inode record.
const (
	OSLinux   uint32 = 0
	OSHurd    uint32 = 1
	OSMasix   uint32 = 2
	OSFreeBSD uint32 = 3
	OSLites   uint32 = 4
)

// byte offsets of the mutable superblock fields
const (
	sbOffNumFreeBlocks       = 12
	sbOffNumFreeInodes       = 16
	sbOffTimeLastMount       = 44
	sbOffTimeLastWrite       = 48
	sbOffNumMountsSinceCheck = 52
	sbOffState               = 58
	sbOffVolumeName          = 120
)

// SuperblockLayout is the structure of the superblock as written to the
// disk, up to the end of the fields this driver understands. Everything
// is little-endian.
type SuperblockLayout struct {
	NumInodes             uint32
	NumBlocks             uint32
	NumReservedBlocks     uint32
	NumFreeBlocks         uint32
	NumFreeInodes         uint32
	FirstDataBlock        uint32
	LogBlockSize          uint32
	LogFragSize           int32
	BlocksPerGroup        uint32
	FragsPerGroup         uint32
	InodesPerGroup        uint32
	TimeLastMount         uint32
	TimeLastWrite         uint32
	NumMountsSinceCheck   uint16
	NumMountsMax          uint16
	Magic                 uint16
	State                 uint16
	ErrorAction           uint16
	RevMinor              uint16
	TimeLastCheck         uint32
	TimeBetweenCheck      uint32
	CreatorOS             uint32
	RevMajor              uint32
	DefUIDRes             uint16
	DefGIDRes             uint16
	FirstInodeIndex       uint32
	InodeSize             uint16
	SuperblockGroupNr     uint16
	FeaturesCompat        uint32
	FeaturesIncompat      uint32
	FeaturesROCompat      uint32
	VolumeID              [16]byte
	VolumeName            [16]byte
	LastMountPath         [64]byte
	CompressionAlgorithms uint32
	PreallocBlocksFile    uint8
	PreallocBlocksDir     uint8
	Padding0              uint16
	JournalUUID           [16]byte
	JournalInode          uint32
	JournalDev            uint32
	LastOrphanInode       uint32
	HashSeeds             [4]uint32
	DefaultHashVersion    uint8
	Padding1              [3]byte
	DefaultMountOptions   uint32
	FirstMetaBlockGroup   uint32
}

// Superblock provides access to the filesystem's authoritative metadata
// block. Mutations through the typed setters persist immediately to the
// primary copy, and to every redundant copy while SaveCopies is set.
type Superblock struct {
	dev        *Device
	byteOffset int64
	layout     SuperblockLayout
	raw        []byte

	// SaveCopies controls whether mutations broadcast to every
	// copy-bearing group. Disabling it accelerates bulk mutations at
	// the cost of temporary divergence detectable by CheckIntegrity.
	SaveCopies bool

	blockSize      int64
	fragSize       int64
	numBlockGroups int64
	firstInode     uint32
	inodeSize      int64
	copyGroups     []int64
}

// ReadSuperblock parses the 1024-byte superblock at the given byte offset
// of the device.
func ReadSuperblock(byteOffset int64, dev *Device) (*Superblock, error) {

	raw, err := dev.ReadAt(byteOffset, SuperblockSize)
	if err != nil {
		return nil, fmt.Errorf("reading superblock at %d: %v: %w", byteOffset, err, ErrBadImage)
	}

	sb := &Superblock{
		dev:        dev,
		byteOffset: byteOffset,
		raw:        raw,
		SaveCopies: true,
	}

	err = binary.Read(bytes.NewReader(raw), binary.LittleEndian, &sb.layout)
	if err != nil {
		return nil, fmt.Errorf("parsing superblock at %d: %v: %w", byteOffset, err, ErrBadImage)
	}

	sb.blockSize = int64(1024) << sb.layout.LogBlockSize
	if sb.layout.LogFragSize >= 0 {
		sb.fragSize = int64(1024) << uint(sb.layout.LogFragSize)
	} else {
		sb.fragSize = int64(1024) >> uint(-sb.layout.LogFragSize)
	}

	if sb.layout.BlocksPerGroup > 0 {
		sb.numBlockGroups = divide(int64(sb.layout.NumBlocks), int64(sb.layout.BlocksPerGroup))
	}

	if sb.layout.RevMajor == 0 {
		// revision 0 has no extended fields
		sb.firstInode = 11
		sb.inodeSize = 128
		sb.layout.FirstInodeIndex = 11
		sb.layout.InodeSize = 128
		sb.layout.SuperblockGroupNr = 0
		for g := int64(0); g < sb.numBlockGroups; g++ {
			sb.copyGroups = append(sb.copyGroups, g)
		}
	} else {
		sb.firstInode = sb.layout.FirstInodeIndex
		sb.inodeSize = int64(sb.layout.InodeSize)
		sb.copyGroups = copyBearingGroups(sb.numBlockGroups)
	}

	return sb, nil
}

// copyBearingGroups derives the ids of every block group carrying a
// redundant superblock and BGDT copy on a revision >= 1 filesystem:
// groups 0 and 1, and every power of 3 and 7 below the group count.
func copyBearingGroups(numGroups int64) []int64 {

	groups := []int64{0}
	if numGroups > 1 {
		groups = append(groups, 1)
		for n := int64(3); n < numGroups; n *= 3 {
			groups = append(groups, n)
		}
		for n := int64(7); n < numGroups; n *= 7 {
			groups = append(groups, n)
		}
		sortInt64s(groups)
	}

	return groups
}

// Layout returns the parsed on-disk structure.
func (sb *Superblock) Layout() SuperblockLayout {
	return sb.layout
}

// IsValidExt2 returns whether the magic number identifies an ext2
// filesystem.
func (sb *Superblock) IsValidExt2() bool {
	return sb.layout.Magic == Signature
}

// BlockSize returns the filesystem block size in bytes.
func (sb *Superblock) BlockSize() int64 {
	return sb.blockSize
}

// FragmentSize returns the fragment size in bytes.
func (sb *Superblock) FragmentSize() int64 {
	return sb.fragSize
}

// NumInodes returns the total number of inodes.
func (sb *Superblock) NumInodes() int64 {
	return int64(sb.layout.NumInodes)
}

// NumBlocks returns the total number of blocks.
func (sb *Superblock) NumBlocks() int64 {
	return int64(sb.layout.NumBlocks)
}

// NumFreeBlocks returns the number of unallocated blocks.
func (sb *Superblock) NumFreeBlocks() int64 {
	return int64(sb.layout.NumFreeBlocks)
}

// NumFreeInodes returns the number of unallocated inodes.
func (sb *Superblock) NumFreeInodes() int64 {
	return int64(sb.layout.NumFreeInodes)
}

// FirstDataBlock returns the id of the first block of the filesystem.
// It is 1 on 1 KiB block filesystems and 0 otherwise.
func (sb *Superblock) FirstDataBlock() int64 {
	return int64(sb.layout.FirstDataBlock)
}

// BlocksPerGroup returns the number of blocks in each block group.
func (sb *Superblock) BlocksPerGroup() int64 {
	return int64(sb.layout.BlocksPerGroup)
}

// InodesPerGroup returns the number of inodes in each block group.
func (sb *Superblock) InodesPerGroup() int64 {
	return int64(sb.layout.InodesPerGroup)
}

// NumBlockGroups returns the number of block groups.
func (sb *Superblock) NumBlockGroups() int64 {
	return sb.numBlockGroups
}

// CopyLocations returns the sorted ids of every copy-bearing block group.
func (sb *Superblock) CopyLocations() []int64 {
	groups := make([]int64, len(sb.copyGroups))
	copy(groups, sb.copyGroups)
	return groups
}

// FirstInode returns the first inode number available for user data.
func (sb *Superblock) FirstInode() uint32 {
	return sb.firstInode
}

// InodeSize returns the size of the on-disk inode record in bytes.
func (sb *Superblock) InodeSize() int64 {
	return sb.inodeSize
}

// RevisionMajor returns the major revision level.
func (sb *Superblock) RevisionMajor() uint32 {
	return sb.layout.RevMajor
}

// RevisionMinor returns the minor revision level.
func (sb *Superblock) RevisionMinor() uint16 {
	return sb.layout.RevMinor
}

// CreatorOS returns the id of the operating system that created the
// filesystem.
func (sb *Superblock) CreatorOS() uint32 {
	return sb.layout.CreatorOS
}

// State returns the filesystem state field.
func (sb *Superblock) State() uint16 {
	return sb.layout.State
}

// VolumeName returns the volume name with trailing NULs stripped.
func (sb *Superblock) VolumeName() string {
	return cstring(sb.layout.VolumeName[:])
}

// VolumeID returns the raw 16-byte volume id.
func (sb *Superblock) VolumeID() [16]byte {
	return sb.layout.VolumeID
}

// TimeLastWrite returns the time of the last write access in seconds
// since the epoch.
func (sb *Superblock) TimeLastWrite() uint32 {
	return sb.layout.TimeLastWrite
}

// TimeLastMount returns the time of the last mount in seconds since the
// epoch.
func (sb *Superblock) TimeLastMount() uint32 {
	return sb.layout.TimeLastMount
}

// NumMountsSinceCheck returns the number of mounts since the last
// filesystem check.
func (sb *Superblock) NumMountsSinceCheck() uint16 {
	return sb.layout.NumMountsSinceCheck
}

// groupByteOffset returns the byte offset of the start of the given
// block group.
func (sb *Superblock) groupByteOffset(group int64) int64 {
	return group * sb.BlocksPerGroup() * sb.blockSize
}

// writeField persists len(p) bytes at the given offset within the
// superblock structure, stamping TimeLastWrite with the same write. The
// mutation lands on the primary copy and, while SaveCopies is set, on
// every copy-bearing group.
func (sb *Superblock) writeField(offset int64, p []byte, now uint32) error {

	sb.layout.TimeLastWrite = now
	copy(sb.raw[offset:], p)
	binary.LittleEndian.PutUint32(sb.raw[sbOffTimeLastWrite:], now)

	var tlw [4]byte
	binary.LittleEndian.PutUint32(tlw[:], now)

	targets := []int64{0}
	if sb.SaveCopies {
		targets = sb.copyGroups
	}

	for _, g := range targets {
		base := sb.groupByteOffset(g) + SuperblockOffset
		err := sb.dev.WriteAt(base+offset, p)
		if err != nil {
			return err
		}
		err = sb.dev.WriteAt(base+sbOffTimeLastWrite, tlw[:])
		if err != nil {
			return err
		}
	}

	return nil
}

// SetNumFreeBlocks persists a new free block count.
func (sb *Superblock) SetNumFreeBlocks(n int64, now uint32) error {
	sb.layout.NumFreeBlocks = uint32(n)
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], uint32(n))
	return sb.writeField(sbOffNumFreeBlocks, p[:], now)
}

// SetNumFreeInodes persists a new free inode count.
func (sb *Superblock) SetNumFreeInodes(n int64, now uint32) error {
	sb.layout.NumFreeInodes = uint32(n)
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], uint32(n))
	return sb.writeField(sbOffNumFreeInodes, p[:], now)
}

// SetTimeLastMount persists a new last-mount time.
func (sb *Superblock) SetTimeLastMount(t uint32, now uint32) error {
	sb.layout.TimeLastMount = t
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], t)
	return sb.writeField(sbOffTimeLastMount, p[:], now)
}

// SetNumMountsSinceCheck persists a new count of mounts since the last
// check.
func (sb *Superblock) SetNumMountsSinceCheck(n uint16, now uint32) error {
	sb.layout.NumMountsSinceCheck = n
	var p [2]byte
	binary.LittleEndian.PutUint16(p[:], n)
	return sb.writeField(sbOffNumMountsSinceCheck, p[:], now)
}

// SetState persists a new filesystem state.
func (sb *Superblock) SetState(state uint16, now uint32) error {
	sb.layout.State = state
	var p [2]byte
	binary.LittleEndian.PutUint16(p[:], state)
	return sb.writeField(sbOffState, p[:], now)
}

// SetVolumeName persists a new volume name. Names longer than 16 bytes
// are truncated.
func (sb *Superblock) SetVolumeName(name string, now uint32) error {
	var p [16]byte
	copy(p[:], name)
	sb.layout.VolumeName = p
	return sb.writeField(sbOffVolumeName, p[:], now)
}

func cstring(data []byte) string {
	for i := 0; i < len(data); i++ {
		if data[i] == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}

func divide(a, b int64) int64 {
	return (a + b - 1) / b
}

func sortInt64s(x []int64) {
	for i := 1; i < len(x); i++ {
		for j := i; j > 0 && x[j] < x[j-1]; j-- {
			x[j], x[j-1] = x[j-1], x[j]
		}
	}
}
