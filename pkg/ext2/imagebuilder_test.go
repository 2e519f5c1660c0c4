package ext2

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

// memBacking is an in-memory device backing for tests.
type memBacking struct {
	data []byte
}

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	n := copy(m.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// imageOpts parameterizes the miniature ext2 images laid out by
// buildTestImage.
type imageOpts struct {
	blockSize      int64
	groups         int64
	blocksPerGroup int64
	inodesPerGroup int64
	revision       uint32
}

const testTime = uint32(1600000000)

// Per-group layout produced by buildTestImage, indexed from the group's
// first block: superblock space, BGDT space, block bitmap, inode
// bitmap, then the inode table. The root directory's data block is the
// first data block of group 0.
func (opts imageOpts) inodeTableBlocks() int64 {
	return divide(opts.inodesPerGroup*128, opts.blockSize)
}

func (opts imageOpts) overheadBlocks() int64 {
	return 4 + opts.inodeTableBlocks()
}

func (opts imageOpts) firstDataBlock() int64 {
	if opts.blockSize == 1024 {
		return 1
	}
	return 0
}

func (opts imageOpts) groupFirstBlock(g int64) int64 {
	return g*opts.blocksPerGroup + opts.firstDataBlock()
}

func (opts imageOpts) rootBlock() int64 {
	return opts.groupFirstBlock(0) + opts.overheadBlocks()
}

// buildTestImage lays out a consistent miniature ext2 filesystem in
// memory: every group carries space for the superblock and BGDT
// (written only into copy-bearing groups), its bitmaps, and its inode
// table; group 0 additionally holds the root directory's single data
// block. Free counts match the bitmaps exactly.
func buildTestImage(t *testing.T, opts imageOpts) *memBacking {
	t.Helper()

	if opts.revision == 0 {
		opts.revision = 1
	}

	bs := opts.blockSize
	overhead := opts.overheadBlocks()
	totalBlocks := opts.groups * opts.blocksPerGroup
	img := &memBacking{
		data: make([]byte, (opts.firstDataBlock()+totalBlocks)*bs),
	}

	freeBlocks := totalBlocks - opts.groups*overhead - 1 // 1 for the root block
	freeInodes := opts.groups*opts.inodesPerGroup - 10

	layout := SuperblockLayout{
		NumInodes:       uint32(opts.groups * opts.inodesPerGroup),
		NumBlocks:       uint32(totalBlocks),
		NumFreeBlocks:   uint32(freeBlocks),
		NumFreeInodes:   uint32(freeInodes),
		FirstDataBlock:  uint32(opts.firstDataBlock()),
		LogBlockSize:    uint32(log2(bs / 1024)),
		LogFragSize:     int32(log2(bs / 1024)),
		BlocksPerGroup:  uint32(opts.blocksPerGroup),
		FragsPerGroup:   uint32(opts.blocksPerGroup),
		InodesPerGroup:  uint32(opts.inodesPerGroup),
		TimeLastMount:   testTime,
		TimeLastWrite:   testTime,
		Magic:           Signature,
		State:           StateValid,
		ErrorAction:     1,
		TimeLastCheck:   testTime,
		CreatorOS:       OSLinux,
		RevMajor:        opts.revision,
		FirstInodeIndex: 11,
		InodeSize:       128,
	}
	copy(layout.VolumeName[:], "testvol")

	copyGroups := copyBearingGroups(opts.groups)

	// block group descriptor table, shared by every copy
	bgdtBuf := new(bytes.Buffer)
	for g := int64(0); g < opts.groups; g++ {
		first := opts.groupFirstBlock(g)
		groupFree := opts.blocksPerGroup - overhead
		if g == 0 {
			groupFree-- // root directory block
		}
		groupFreeInodes := opts.inodesPerGroup
		dirs := int64(0)
		if g == 0 {
			groupFreeInodes -= 10
			dirs = 1 // the root directory
		}
		entry := BGDTEntryLayout{
			BlockBitmapBid:  uint32(first + 2),
			InodeBitmapBid:  uint32(first + 3),
			InodeTableBid:   uint32(first + 4),
			NumFreeBlocks:   uint16(groupFree),
			NumFreeInodes:   uint16(groupFreeInodes),
			NumInodesAsDirs: uint16(dirs),
		}
		if err := binary.Write(bgdtBuf, binary.LittleEndian, &entry); err != nil {
			t.Fatal(err)
		}
	}

	// superblock and BGDT copies
	for _, g := range copyGroups {
		sbBuf := new(bytes.Buffer)
		l := layout
		l.SuperblockGroupNr = uint16(g)
		if err := binary.Write(sbBuf, binary.LittleEndian, &l); err != nil {
			t.Fatal(err)
		}
		base := g * opts.blocksPerGroup * bs
		copy(img.data[base+SuperblockOffset:], sbBuf.Bytes())
		copy(img.data[base+(opts.firstDataBlock()+1)*bs:], bgdtBuf.Bytes())
	}

	// bitmaps
	for g := int64(0); g < opts.groups; g++ {
		first := opts.groupFirstBlock(g)
		blockBitmap := img.data[(first+2)*bs : (first+3)*bs]
		inodeBitmap := img.data[(first+3)*bs : (first+4)*bs]

		used := overhead
		if g == 0 {
			used++ // root directory block
		}
		for i := int64(0); i < used; i++ {
			blockBitmap[i/8] |= 1 << uint(i%8)
		}
		// pad the tail of each bitmap block so nothing beyond the
		// valid range ever looks allocatable
		for i := opts.blocksPerGroup / 8; i < bs; i++ {
			blockBitmap[i] = 0xFF
		}
		if g == 0 {
			for i := int64(0); i < 10; i++ {
				inodeBitmap[i/8] |= 1 << uint(i%8)
			}
		}
		for i := opts.inodesPerGroup / 8; i < bs; i++ {
			inodeBitmap[i] = 0xFF
		}
	}

	// root directory inode and data block
	rootInode := InodeLayout{
		Mode:         InodeTypeDirectory | 0755,
		SizeLow:      uint32(bs),
		TimeAccessed: testTime,
		TimeCreated:  testTime,
		TimeModified: testTime,
		NumLinks:     2,
	}
	rootInode.Blocks[0] = uint32(opts.rootBlock())
	inodeBuf := new(bytes.Buffer)
	if err := binary.Write(inodeBuf, binary.LittleEndian, &rootInode); err != nil {
		t.Fatal(err)
	}
	tableStart := (opts.groupFirstBlock(0) + 4) * bs
	copy(img.data[tableStart+128*(RootDirInode-1):], inodeBuf.Bytes())

	rootData := img.data[opts.rootBlock()*bs : (opts.rootBlock()+1)*bs]
	writeTestDirent(rootData, 0, RootDirInode, 12, ".")
	writeTestDirent(rootData, 12, RootDirInode, int(bs)-12, "..")

	// pad the inode tables of the reserved inodes with zeros (already
	// zero) and leave everything else untouched

	return img
}

func writeTestDirent(block []byte, offset int, inum uint32, recLen int, name string) {
	binary.LittleEndian.PutUint32(block[offset:], inum)
	binary.LittleEndian.PutUint16(block[offset+4:], uint16(recLen))
	block[offset+6] = uint8(len(name))
	copy(block[offset+8:], name)
}

func log2(v int64) int64 {
	var n int64
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// mountTestFS builds an image, mounts it, and pins the clock so
// mutations are deterministic.
func mountTestFS(t *testing.T, opts imageOpts) (*Filesystem, *memBacking) {
	t.Helper()

	img := buildTestImage(t, opts)
	fsys := NewFilesystem(&FilesystemArgs{
		Device: NewDevice("test-image", img),
	})
	fsys.now = func() uint32 {
		return testTime + 1
	}

	err := fsys.Mount()
	if err != nil {
		t.Fatalf("mount failed: %v", err)
	}
	t.Cleanup(func() {
		_ = fsys.Unmount()
	})

	return fsys, img
}

var defaultOpts = imageOpts{
	blockSize:      1024,
	groups:         2,
	blocksPerGroup: 256,
	inodesPerGroup: 64,
}
