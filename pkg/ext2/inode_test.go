package ext2

import (
	"encoding/binary"
	"errors"
	"testing"
)

// putIDList writes block ids into the image at block bid.
func putIDList(img *memBacking, bs int64, bid int64, entries map[int64]uint32) {
	for idx, v := range entries {
		binary.LittleEndian.PutUint32(img.data[bid*bs+idx*pointerSize:], v)
	}
}

// testInode builds an in-memory inode over the mounted filesystem
// without backing it with an inode table record. Good enough for
// exercising the block map walker.
func testInode(fsys *Filesystem, blocks [15]uint32) *Inode {
	inode := &Inode{
		dev: fsys.dev,
		sb:  fsys.sb,
		num: 999,
	}
	inode.layout.Mode = InodeTypeRegularFile
	inode.layout.Blocks = blocks
	inode.mergeFields()
	return inode
}

func TestLookupBlockDirect(t *testing.T) {

	fsys, _ := mountTestFS(t, defaultOpts)

	var blocks [15]uint32
	for i := 0; i < 12; i++ {
		blocks[i] = uint32(100 + i)
	}
	inode := testInode(fsys, blocks)

	for i := int64(0); i < 12; i++ {
		bid, err := inode.LookupBlock(i)
		if err != nil {
			t.Fatal(err)
		}
		if bid != 100+i {
			t.Fatalf("lookupBlock(%d) = %d, expected %d", i, bid, 100+i)
		}
	}
}

func TestLookupBlockIndirect(t *testing.T) {

	// block size 1024 means 256 ids per block
	fsys, img := mountTestFS(t, defaultOpts)
	bs := fsys.sb.BlockSize()

	single := int64(200)
	putIDList(img, bs, single, map[int64]uint32{0: 300, 255: 301})

	var blocks [15]uint32
	blocks[12] = uint32(single)
	for i := 0; i < 12; i++ {
		blocks[i] = uint32(100 + i)
	}
	inode := testInode(fsys, blocks)

	bid, err := inode.LookupBlock(12)
	if err != nil {
		t.Fatal(err)
	}
	if bid != 300 {
		t.Fatalf("lookupBlock(12) = %d, expected 300", bid)
	}

	bid, err = inode.LookupBlock(12 + 255)
	if err != nil {
		t.Fatal(err)
	}
	if bid != 301 {
		t.Fatalf("lookupBlock(267) = %d, expected 301", bid)
	}
}

func TestLookupBlockTripleIndirect(t *testing.T) {

	fsys, img := mountTestFS(t, defaultOpts)
	bs := fsys.sb.BlockSize()
	ids := bs / pointerSize // 256

	// index = 12 + ids + ids^2 + 4: the fifth data block reached via
	// the triple-indirect tree
	index := 12 + ids + ids*ids + 4

	tripleRoot := int64(200)
	level2 := int64(201)
	level1 := int64(202)
	putIDList(img, bs, tripleRoot, map[int64]uint32{0: uint32(level2)})
	putIDList(img, bs, level2, map[int64]uint32{0: uint32(level1)})
	putIDList(img, bs, level1, map[int64]uint32{4: 555})

	var blocks [15]uint32
	blocks[14] = uint32(tripleRoot)
	inode := testInode(fsys, blocks)

	bid, err := inode.LookupBlock(index)
	if err != nil {
		t.Fatal(err)
	}
	if bid != 555 {
		t.Fatalf("triple-indirect lookup = %d, expected 555", bid)
	}

	// corrupting the intermediate pointer must fail in a bounded way
	putIDList(img, bs, level2, map[int64]uint32{0: 0})
	_, err = inode.LookupBlock(index)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt after corrupting the chain, got %v", err)
	}

	// beyond the triple-indirect range
	_, err = inode.LookupBlock(12 + ids + ids*ids + ids*ids*ids)
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange beyond the triple range, got %v", err)
	}
}

func TestUsedBlocksStopsAtHole(t *testing.T) {

	fsys, img := mountTestFS(t, defaultOpts)
	bs := fsys.sb.BlockSize()

	single := int64(210)
	putIDList(img, bs, single, map[int64]uint32{0: 400, 1: 401, 2: 0, 3: 402})

	var blocks [15]uint32
	for i := 0; i < 12; i++ {
		blocks[i] = uint32(100 + i)
	}
	blocks[12] = uint32(single)
	inode := testInode(fsys, blocks)

	used, err := inode.UsedBlocks()
	if err != nil {
		t.Fatal(err)
	}

	// 12 direct blocks, the indirect block itself, then two data
	// blocks before the hole
	if len(used) != 15 {
		t.Fatalf("used blocks = %v, expected 15 entries", used)
	}
	if used[12] != single || used[13] != 400 || used[14] != 401 {
		t.Fatalf("unexpected tail of used blocks: %v", used[12:])
	}
}

func TestAssignNextBlockIDIntoIndirect(t *testing.T) {

	fsys, _ := mountTestFS(t, defaultOpts)
	now := testTime + 1

	inode, err := fsys.AllocateInode(DefaultRegularFileMode, 0, 0, now, now, now)
	if err != nil {
		t.Fatal(err)
	}

	// fill the direct slots and spill two entries into the
	// single-indirect tree
	var assigned []int64
	for i := 0; i < 14; i++ {
		bid, err := fsys.AllocateBlock(false)
		if err != nil {
			t.Fatal(err)
		}
		err = inode.AssignNextBlockID(bid, fsys.allocPointerBlock, now)
		if err != nil {
			t.Fatal(err)
		}
		assigned = append(assigned, bid)
	}

	blocks := inode.Blocks()
	for i := 0; i < 12; i++ {
		if blocks[i] != uint32(assigned[i]) {
			t.Fatalf("direct slot %d = %d, expected %d", i, blocks[i], assigned[i])
		}
	}
	if blocks[12] == 0 {
		t.Fatalf("single-indirect root was not allocated")
	}

	for i := 12; i < 14; i++ {
		bid, err := inode.LookupBlock(int64(i))
		if err != nil {
			t.Fatal(err)
		}
		if bid != assigned[i] {
			t.Fatalf("lookupBlock(%d) = %d, expected %d", i, bid, assigned[i])
		}
	}

	// the record on disk must match the in-memory mirror
	reread, err := fsys.readInode(inode.Number())
	if err != nil {
		t.Fatal(err)
	}
	if reread.Blocks() != blocks {
		t.Fatalf("on-disk block array diverges from the in-memory mirror")
	}
}

func TestInodeSettersPersist(t *testing.T) {

	fsys, _ := mountTestFS(t, defaultOpts)
	now := testTime + 1

	inode, err := fsys.AllocateInode(DefaultRegularFileMode, 1000, 1000, now, now, now)
	if err != nil {
		t.Fatal(err)
	}

	if err = inode.SetNumLinks(1, now); err != nil {
		t.Fatal(err)
	}
	if err = inode.SetSize(0x100000010, now); err != nil {
		t.Fatal(err)
	}
	if err = inode.SetUID(0x12345, now); err != nil {
		t.Fatal(err)
	}
	if err = inode.SetGID(0x54321, now); err != nil {
		t.Fatal(err)
	}

	reread, err := fsys.readInode(inode.Number())
	if err != nil {
		t.Fatal(err)
	}

	if !reread.IsUsed() {
		t.Fatalf("allocated inode is not marked used")
	}
	if reread.NumLinks() != 1 {
		t.Fatalf("links = %d, expected 1", reread.NumLinks())
	}
	if reread.Size() != 0x100000010 {
		t.Fatalf("size = %#x, expected 0x100000010 (upper bits live in the dir-ACL field)", reread.Size())
	}
	if reread.UID() != 0x12345 {
		t.Fatalf("uid = %#x, expected 0x12345 (upper bits live in the OS-dependent region)", reread.UID())
	}
	if reread.GID() != 0x54321 {
		t.Fatalf("gid = %#x, expected 0x54321", reread.GID())
	}
}

func TestAllocateInodeRespectsFirstInode(t *testing.T) {

	fsys, _ := mountTestFS(t, defaultOpts)
	now := testTime + 1

	inode, err := fsys.AllocateInode(DefaultRegularFileMode, 0, 0, now, now, now)
	if err != nil {
		t.Fatal(err)
	}
	if inode.Number() < fsys.sb.FirstInode() {
		t.Fatalf("allocated reserved inode %d", inode.Number())
	}
	if inode.Number() != 11 {
		t.Fatalf("first allocation = inode %d, expected 11", inode.Number())
	}
}
