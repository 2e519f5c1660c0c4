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

const (
	numDirectPointers = 12
	pointerSize       = 4

	// SymlinkInlineMax is the longest symlink target stored inside the
	// inode's block array instead of a data block.
	SymlinkInlineMax = 60
)

// byte offsets of inode record fields
const (
	inodeOffMode         = 0
	inodeOffUID          = 2
	inodeOffSize         = 4
	inodeOffTimeAccessed = 8
	inodeOffTimeCreated  = 12
	inodeOffTimeModified = 16
	inodeOffTimeDeleted  = 20
	inodeOffGID          = 24
	inodeOffNumLinks     = 26
	inodeOffFlags        = 32
	inodeOffBlocks       = 40
	inodeOffDirACL       = 108
	inodeOffModeHigh     = 118
	inodeOffUIDHigh      = 120
	inodeOffGIDHigh      = 122
)

// InodeLayout is the structure of an inode record as written to the
// disk. Revision >= 1 records may be longer than this structure; the
// extra bytes are preserved untouched.
type InodeLayout struct {
	Mode         uint16
	UID          uint16
	SizeLow      uint32
	TimeAccessed uint32
	TimeCreated  uint32
	TimeModified uint32
	TimeDeleted  uint32
	GID          uint16
	NumLinks     uint16
	NumSectors   uint32
	Flags        uint32
	OSD1         uint32
	Blocks       [15]uint32
	Generation   uint32
	FileACL      uint32
	DirACL       uint32
	FragAddr     uint32
	OSD2         [12]byte
}

// Inode is an in-memory mirror of an on-disk inode record. Every typed
// setter packs the affected field and writes only those bytes back to
// the device.
type Inode struct {
	dev      *Device
	sb       *Superblock
	num      uint32
	startPos int64
	used     bool
	layout   InodeLayout

	mode uint32
	uid  uint32
	gid  uint32
	size uint64
}

// ReadInode reads the inode with the given number, along with its usage
// bit from the group's inode bitmap.
func ReadInode(num uint32, bgdt *BGDT, sb *Superblock, dev *Device) (*Inode, error) {

	if num == 0 || sb.InodesPerGroup() == 0 {
		return nil, fmt.Errorf("inode %d cannot exist on this filesystem: %w", num, ErrBadImage)
	}

	groupNum := int64(num-1) / sb.InodesPerGroup()
	groupIndex := int64(num-1) % sb.InodesPerGroup()
	if groupNum >= int64(len(bgdt.Entries())) {
		return nil, fmt.Errorf("inode %d beyond last block group: %w", num, ErrBadImage)
	}
	entry := bgdt.Entries()[groupNum]

	bitmapByte, err := dev.ReadAt(entry.InodeBitmapLocation()*sb.BlockSize()+groupIndex/8, 1)
	if err != nil {
		return nil, err
	}

	startPos := entry.InodeTableLocation()*sb.BlockSize() + groupIndex*sb.InodeSize()
	raw, err := dev.ReadAt(startPos, sb.InodeSize())
	if err != nil {
		return nil, fmt.Errorf("reading inode %d: %w", num, err)
	}

	inode := &Inode{
		dev:      dev,
		sb:       sb,
		num:      num,
		startPos: startPos,
		used:     bitmapByte[0]&(1<<uint(groupIndex%8)) != 0,
	}

	err = binary.Read(bytes.NewReader(raw), binary.LittleEndian, &inode.layout)
	if err != nil {
		return nil, fmt.Errorf("parsing inode %d: %v: %w", num, err, ErrBadImage)
	}

	inode.mergeFields()
	return inode, nil
}

// mergeFields combines split on-disk fields into full-width values
// according to the revision and creator OS.
func (inode *Inode) mergeFields() {

	inode.mode = uint32(inode.layout.Mode)
	inode.uid = uint32(inode.layout.UID)
	inode.gid = uint32(inode.layout.GID)
	inode.size = uint64(inode.layout.SizeLow)

	if inode.sb.RevisionMajor() > 0 && inode.layout.Mode&InodeTypeMask == InodeTypeRegularFile {
		inode.size |= uint64(inode.layout.DirACL) << 32
	}

	switch inode.sb.CreatorOS() {
	case OSLinux:
		inode.uid |= uint32(binary.LittleEndian.Uint16(inode.layout.OSD2[4:])) << 16
		inode.gid |= uint32(binary.LittleEndian.Uint16(inode.layout.OSD2[6:])) << 16
	case OSHurd:
		inode.mode |= uint32(binary.LittleEndian.Uint16(inode.layout.OSD2[2:])) << 16
		inode.uid |= uint32(binary.LittleEndian.Uint16(inode.layout.OSD2[4:])) << 16
		inode.gid |= uint32(binary.LittleEndian.Uint16(inode.layout.OSD2[6:])) << 16
	}
}

// Number returns the inode number.
func (inode *Inode) Number() uint32 {
	return inode.num
}

// IsUsed returns whether the inode's bit is set in its group's inode
// bitmap.
func (inode *Inode) IsUsed() bool {
	return inode.used
}

// Mode returns the full mode bitmap, including the file type bits.
func (inode *Inode) Mode() uint32 {
	return inode.mode
}

// UID returns the owner uid.
func (inode *Inode) UID() uint32 {
	return inode.uid
}

// GID returns the owner gid.
func (inode *Inode) GID() uint32 {
	return inode.gid
}

// Size returns the size in bytes of the inode's data.
func (inode *Inode) Size() uint64 {
	return inode.size
}

// NumLinks returns the number of hard links to the inode.
func (inode *Inode) NumLinks() uint16 {
	return inode.layout.NumLinks
}

// Flags returns the inode flags bitmap.
func (inode *Inode) Flags() uint32 {
	return inode.layout.Flags
}

// TimeAccessed returns the last access time in seconds since the epoch.
func (inode *Inode) TimeAccessed() uint32 {
	return inode.layout.TimeAccessed
}

// TimeCreated returns the creation time in seconds since the epoch.
func (inode *Inode) TimeCreated() uint32 {
	return inode.layout.TimeCreated
}

// TimeModified returns the last modification time in seconds since the
// epoch.
func (inode *Inode) TimeModified() uint32 {
	return inode.layout.TimeModified
}

// Blocks returns the 15-entry block id array.
func (inode *Inode) Blocks() [15]uint32 {
	return inode.layout.Blocks
}

// IsDirectory returns whether the mode type bits mark a directory.
func (inode *Inode) IsDirectory() bool {
	return inode.mode&InodeTypeMask == InodeTypeDirectory
}

// IsRegular returns whether the mode type bits mark a regular file.
func (inode *Inode) IsRegular() bool {
	return inode.mode&InodeTypeMask == InodeTypeRegularFile
}

// IsSymlink returns whether the mode type bits mark a symbolic link.
func (inode *Inode) IsSymlink() bool {
	return inode.mode&InodeTypeMask == InodeTypeSymlink
}

// writeData persists bytes at the given offset from the start of the
// inode record, stamping the superblock's TimeLastWrite.
func (inode *Inode) writeData(offset int64, p []byte, now uint32) error {

	err := inode.dev.WriteAt(inode.startPos+offset, p)
	if err != nil {
		return err
	}

	var tlw [4]byte
	binary.LittleEndian.PutUint32(tlw[:], now)
	return inode.sb.writeField(sbOffTimeLastWrite, tlw[:], now)
}

func packU16(v uint16) []byte {
	p := make([]byte, 2)
	binary.LittleEndian.PutUint16(p, v)
	return p
}

func packU32(v uint32) []byte {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, v)
	return p
}

// SetMode persists a new mode bitmap.
func (inode *Inode) SetMode(mode uint32, now uint32) error {
	inode.mode = mode
	inode.layout.Mode = uint16(mode)
	err := inode.writeData(inodeOffMode, packU16(uint16(mode)), now)
	if err != nil {
		return err
	}
	if inode.sb.CreatorOS() == OSHurd {
		binary.LittleEndian.PutUint16(inode.layout.OSD2[2:], uint16(mode>>16))
		return inode.writeData(inodeOffModeHigh, packU16(uint16(mode>>16)), now)
	}
	return nil
}

// SetUID persists a new owner uid. The upper 16 bits land in the
// OS-dependent region on Linux and Hurd filesystems.
func (inode *Inode) SetUID(uid uint32, now uint32) error {
	inode.uid = uid
	inode.layout.UID = uint16(uid)
	err := inode.writeData(inodeOffUID, packU16(uint16(uid)), now)
	if err != nil {
		return err
	}
	if os := inode.sb.CreatorOS(); os == OSLinux || os == OSHurd {
		binary.LittleEndian.PutUint16(inode.layout.OSD2[4:], uint16(uid>>16))
		return inode.writeData(inodeOffUIDHigh, packU16(uint16(uid>>16)), now)
	}
	return nil
}

// SetGID persists a new owner gid.
func (inode *Inode) SetGID(gid uint32, now uint32) error {
	inode.gid = gid
	inode.layout.GID = uint16(gid)
	err := inode.writeData(inodeOffGID, packU16(uint16(gid)), now)
	if err != nil {
		return err
	}
	if os := inode.sb.CreatorOS(); os == OSLinux || os == OSHurd {
		binary.LittleEndian.PutUint16(inode.layout.OSD2[6:], uint16(gid>>16))
		return inode.writeData(inodeOffGIDHigh, packU16(uint16(gid>>16)), now)
	}
	return nil
}

// SetSize persists a new data size. For regular files on revision >= 1
// the upper 32 bits are stored in the directory-ACL field.
func (inode *Inode) SetSize(size uint64, now uint32) error {
	inode.size = size
	inode.layout.SizeLow = uint32(size)
	err := inode.writeData(inodeOffSize, packU32(uint32(size)), now)
	if err != nil {
		return err
	}
	if inode.sb.RevisionMajor() > 0 && inode.IsRegular() {
		inode.layout.DirACL = uint32(size >> 32)
		return inode.writeData(inodeOffDirACL, packU32(uint32(size>>32)), now)
	}
	return nil
}

// SetTimeAccessed persists a new access time.
func (inode *Inode) SetTimeAccessed(t uint32, now uint32) error {
	inode.layout.TimeAccessed = t
	return inode.writeData(inodeOffTimeAccessed, packU32(t), now)
}

// SetTimeModified persists a new modification time.
func (inode *Inode) SetTimeModified(t uint32, now uint32) error {
	inode.layout.TimeModified = t
	return inode.writeData(inodeOffTimeModified, packU32(t), now)
}

// SetTimeDeleted persists a new deletion time.
func (inode *Inode) SetTimeDeleted(t uint32, now uint32) error {
	inode.layout.TimeDeleted = t
	return inode.writeData(inodeOffTimeDeleted, packU32(t), now)
}

// SetNumLinks persists a new hard link count.
func (inode *Inode) SetNumLinks(n uint16, now uint32) error {
	inode.layout.NumLinks = n
	return inode.writeData(inodeOffNumLinks, packU16(n), now)
}

// setBlockSlot persists a single entry of the inode's 15-slot block
// array.
func (inode *Inode) setBlockSlot(slot int, bid uint32, now uint32) error {
	inode.layout.Blocks[slot] = bid
	return inode.writeData(inodeOffBlocks+int64(slot)*pointerSize, packU32(bid), now)
}

// setInlineTarget stores a short symlink target inside the 60-byte
// block array region of the inode record.
func (inode *Inode) setInlineTarget(p []byte, now uint32) error {

	padded := make([]byte, numDirectPointers*pointerSize+3*pointerSize)
	copy(padded, p)
	for i := range inode.layout.Blocks {
		inode.layout.Blocks[i] = binary.LittleEndian.Uint32(padded[i*pointerSize:])
	}

	return inode.writeData(inodeOffBlocks, padded, now)
}

// idsPerBlock returns the number of block ids that fit in one block.
func (inode *Inode) idsPerBlock() int64 {
	return inode.sb.BlockSize() / pointerSize
}

// blockIDList reads the block at bid and parses it as a list of block
// ids.
func (inode *Inode) blockIDList(bid int64) ([]uint32, error) {

	raw, err := inode.dev.ReadAt(bid*inode.sb.BlockSize(), inode.sb.BlockSize())
	if err != nil {
		return nil, err
	}

	ids := make([]uint32, inode.idsPerBlock())
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint32(raw[i*pointerSize:])
	}

	return ids, nil
}

// LookupBlock resolves a logical file block index to a physical block
// id, descending through up to three levels of indirection.
func (inode *Inode) LookupBlock(index int64) (int64, error) {

	ids := inode.idsPerBlock()
	singleMax := numDirectPointers + ids
	doubleMax := singleMax + ids*ids
	tripleMax := doubleMax + ids*ids*ids

	var root uint32
	var rem int64
	var depth int

	switch {
	case index < 0:
		return 0, fmt.Errorf("block index %d: %w", index, ErrOutOfRange)
	case index < numDirectPointers:
		return int64(inode.layout.Blocks[index]), nil
	case index < singleMax:
		root, rem, depth = inode.layout.Blocks[12], index-numDirectPointers, 1
	case index < doubleMax:
		root, rem, depth = inode.layout.Blocks[13], index-singleMax, 2
	case index < tripleMax:
		root, rem, depth = inode.layout.Blocks[14], index-doubleMax, 3
	default:
		return 0, fmt.Errorf("block index %d beyond the triple-indirect range: %w", index, ErrOutOfRange)
	}

	for level := depth; level >= 1; level-- {
		if root == 0 {
			return 0, fmt.Errorf("inode %d: missing indirect block on the path to block index %d: %w", inode.num, index, ErrCorrupt)
		}
		list, err := inode.blockIDList(int64(root))
		if err != nil {
			return 0, err
		}
		stride := int64(1)
		for i := 1; i < level; i++ {
			stride *= ids
		}
		root = list[rem/stride]
		rem %= stride
	}

	return int64(root), nil
}

// UsedBlocks returns every non-zero block id referenced by the inode,
// including the indirect pointer blocks themselves. Enumeration stops at
// the first zero id within any level: this driver does not tolerate
// holes.
func (inode *Inode) UsedBlocks() ([]int64, error) {

	var blocks []int64
	for _, bid := range inode.layout.Blocks {
		if bid == 0 {
			break
		}
		blocks = append(blocks, int64(bid))
	}

	for depth, slot := range []int{12, 13, 14} {
		root := inode.layout.Blocks[slot]
		if root == 0 {
			continue
		}
		stop, err := inode.appendTree(int64(root), depth+1, &blocks)
		if err != nil {
			return nil, err
		}
		if stop {
			return blocks, nil
		}
	}

	return blocks, nil
}

// appendTree walks the pointer tree below root (which has already been
// recorded), appending every non-zero id. It reports stop when a zero
// entry terminates the enumeration.
func (inode *Inode) appendTree(root int64, depth int, out *[]int64) (bool, error) {

	list, err := inode.blockIDList(root)
	if err != nil {
		return false, err
	}

	for _, bid := range list {
		if bid == 0 {
			return true, nil
		}
		*out = append(*out, int64(bid))
		if depth > 1 {
			stop, err := inode.appendTree(int64(bid), depth-1, out)
			if err != nil {
				return false, err
			}
			if stop {
				return true, nil
			}
		}
	}

	return false, nil
}

// writePointerEntry persists one id into a pointer block.
func (inode *Inode) writePointerEntry(block int64, entry int64, bid uint32, now uint32) error {

	err := inode.dev.WriteAt(block*inode.sb.BlockSize()+entry*pointerSize, packU32(bid))
	if err != nil {
		return err
	}

	var tlw [4]byte
	binary.LittleEndian.PutUint32(tlw[:], now)
	return inode.sb.writeField(sbOffTimeLastWrite, tlw[:], now)
}

// AssignNextBlockID wires bid into the inode's block map as the next
// data block in use. Direct slots fill first; once they are exhausted
// the single, double, and triple indirect trees fill in order, with
// zeroed pointer blocks allocated on demand through allocPointerBlock.
func (inode *Inode) AssignNextBlockID(bid int64, allocPointerBlock func() (int64, error), now uint32) error {

	for i := 0; i < numDirectPointers; i++ {
		if inode.layout.Blocks[i] == 0 {
			return inode.setBlockSlot(i, uint32(bid), now)
		}
	}

	for depth, slot := range []int{12, 13, 14} {
		root := int64(inode.layout.Blocks[slot])
		if root == 0 {
			var err error
			root, err = allocPointerBlock()
			if err != nil {
				return err
			}
			err = inode.setBlockSlot(slot, uint32(root), now)
			if err != nil {
				return err
			}
		}
		placed, err := inode.assignInTree(root, depth+1, bid, allocPointerBlock, now)
		if err != nil {
			return err
		}
		if placed {
			return nil
		}
	}

	return fmt.Errorf("inode %d: block map beyond the triple-indirect range: %w", inode.num, ErrUnsupportedOperation)
}

// assignInTree places bid into the first free leaf slot of the pointer
// tree rooted at root. Trees fill contiguously, so the descent follows
// the last non-zero entry at each level. It reports placed=false when
// the tree is full.
func (inode *Inode) assignInTree(root int64, depth int, bid int64, allocPointerBlock func() (int64, error), now uint32) (bool, error) {

	list, err := inode.blockIDList(root)
	if err != nil {
		return false, err
	}

	if depth == 1 {
		for i, id := range list {
			if id == 0 {
				return true, inode.writePointerEntry(root, int64(i), uint32(bid), now)
			}
		}
		return false, nil
	}

	last := -1
	for i, id := range list {
		if id == 0 {
			break
		}
		last = i
	}

	if last >= 0 {
		placed, err := inode.assignInTree(int64(list[last]), depth-1, bid, allocPointerBlock, now)
		if err != nil {
			return false, err
		}
		if placed {
			return true, nil
		}
	}

	next := last + 1
	if int64(next) >= inode.idsPerBlock() {
		return false, nil
	}

	child, err := allocPointerBlock()
	if err != nil {
		return false, err
	}
	err = inode.writePointerEntry(root, int64(next), uint32(child), now)
	if err != nil {
		return false, err
	}

	return inode.assignInTree(child, depth-1, bid, allocPointerBlock, now)
}
