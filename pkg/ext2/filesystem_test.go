package ext2

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMountRejectsGarbage(t *testing.T) {

	img := &memBacking{data: make([]byte, 4096)}
	fsys := NewFilesystem(&FilesystemArgs{
		Device: NewDevice("garbage", img),
	})

	err := fsys.Mount()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrBadImage))
	require.False(t, fsys.IsValid())
	require.False(t, fsys.dev.IsMounted())
}

func TestMountAndScan(t *testing.T) {

	fsys, _ := mountTestFS(t, imageOpts{
		blockSize:      4096,
		groups:         8,
		blocksPerGroup: 64,
		inodesPerGroup: 32,
	})

	require.True(t, fsys.IsValid())
	require.Equal(t, "EXT2", fsys.FSType())
	require.Equal(t, "1.0", fsys.Revision())

	report, err := fsys.Scan()
	require.NoError(t, err)
	require.True(t, report.NumDirs >= 1)
	require.Len(t, report.GroupReports, 8)

	for g, entry := range fsys.BGDT().Entries() {
		require.Equal(t, entry.NumFreeBlocks(), report.GroupReports[g].NumFreeBlocks)
		require.Equal(t, entry.NumFreeInodes(), report.GroupReports[g].NumFreeInodes)
	}
}

func TestPathResolution(t *testing.T) {

	fsys, _ := mountTestFS(t, defaultOpts)
	root := fsys.RootDir()

	_, err := root.MakeDirectory("a")
	require.NoError(t, err)
	_, err = root.MakeDirectory("a/b")
	require.NoError(t, err)
	_, err = root.MakeRegularFile("a/b/c.txt", 0, 0, testTime, testTime, testTime)
	require.NoError(t, err)

	f, err := root.GetFileAt("a/b/c.txt")
	require.NoError(t, err)
	require.Equal(t, "/a/b/c.txt", f.AbsolutePath())
	require.True(t, f.IsRegular())

	// redundant separators collapse
	f, err = root.GetFileAt("a//b///c.txt")
	require.NoError(t, err)
	require.Equal(t, "/a/b/c.txt", f.AbsolutePath())

	f, err = fsys.GetFile("/a/b")
	require.NoError(t, err)
	require.True(t, f.IsDir())

	_, err = root.GetFileAt("a/missing")
	require.True(t, errors.Is(err, ErrFileNotFound))

	_, err = root.GetFileAt("a/b/c.txt/d")
	require.True(t, errors.Is(err, ErrFileNotFound))
}

func TestAppendWrite(t *testing.T) {

	fsys, _ := mountTestFS(t, imageOpts{
		blockSize:      4096,
		groups:         1,
		blocksPerGroup: 64,
		inodesPerGroup: 32,
	})
	root := fsys.RootDir()

	f, err := root.MakeRegularFile("data.bin", 0, 0, testTime, testTime, testTime)
	require.NoError(t, err)
	require.Equal(t, uint64(0), f.Size())

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	n, err := f.Write(payload)
	require.NoError(t, err)
	require.Equal(t, 10000, n)
	require.Equal(t, uint64(10000), f.Size())

	seq, err := f.Blocks()
	require.NoError(t, err)

	var sizes []int
	var got []byte
	for {
		block, err := seq.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(block))
		got = append(got, block...)
	}

	require.Equal(t, []int{4096, 4096, 1808}, sizes)
	require.True(t, bytes.Equal(payload, got))

	// restartable
	seq.Reset()
	block, err := seq.Next()
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload[:4096], block))
}

func TestWriteAcrossChunks(t *testing.T) {

	fsys, _ := mountTestFS(t, defaultOpts)
	root := fsys.RootDir()

	f, err := root.MakeRegularFile("log", 0, 0, testTime, testTime, testTime)
	require.NoError(t, err)

	// two writes that straddle a block boundary
	_, err = f.Write(bytes.Repeat([]byte{'a'}, 1000))
	require.NoError(t, err)
	_, err = f.Write(bytes.Repeat([]byte{'b'}, 100))
	require.NoError(t, err)
	require.Equal(t, uint64(1100), f.Size())
	require.Equal(t, int64(2), f.NumBlocks())

	seq, err := f.Blocks()
	require.NoError(t, err)
	first, err := seq.Next()
	require.NoError(t, err)
	second, err := seq.Next()
	require.NoError(t, err)
	require.Equal(t, 1024, len(first))
	require.Equal(t, 76, len(second))
	require.Equal(t, byte('a'), first[999])
	require.Equal(t, byte('b'), first[1000])
	require.Equal(t, byte('b'), second[75])
}

func TestAllocationIdempotence(t *testing.T) {

	fsys, _ := mountTestFS(t, defaultOpts)
	sb := fsys.Superblock()
	entry := fsys.BGDT().Entries()[0]

	freeBefore := sb.NumFreeBlocks()
	groupFreeBefore := entry.NumFreeBlocks()

	bid, err := fsys.AllocateBlock(true)
	require.NoError(t, err)
	require.Equal(t, freeBefore-1, sb.NumFreeBlocks())
	require.Equal(t, groupFreeBefore-1, entry.NumFreeBlocks())

	require.NoError(t, fsys.FreeBlock(bid))
	require.Equal(t, freeBefore, sb.NumFreeBlocks())
	require.Equal(t, groupFreeBefore, entry.NumFreeBlocks())

	// the same block is handed out again
	again, err := fsys.AllocateBlock(false)
	require.NoError(t, err)
	require.Equal(t, bid, again)
	require.NoError(t, fsys.FreeBlock(again))
}

func TestBitmapCountInvariant(t *testing.T) {

	fsys, _ := mountTestFS(t, defaultOpts)
	root := fsys.RootDir()

	_, err := root.MakeDirectory("d1")
	require.NoError(t, err)
	f, err := root.MakeRegularFile("d1/f", 0, 0, testTime, testTime, testTime)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 5000))
	require.NoError(t, err)

	sb := fsys.Superblock()
	var totalFreeBlocks, totalFreeInodes int64

	for g, entry := range fsys.BGDT().Entries() {
		bitmap, err := fsys.dev.ReadAt(entry.BlockBitmapLocation()*sb.BlockSize(), sb.BlocksPerGroup()/8)
		require.NoError(t, err)
		require.Equal(t, entry.NumFreeBlocks(), countZeroBits(bitmap), "block bitmap of group %d", g)

		bitmap, err = fsys.dev.ReadAt(entry.InodeBitmapLocation()*sb.BlockSize(), sb.InodesPerGroup()/8)
		require.NoError(t, err)
		require.Equal(t, entry.NumFreeInodes(), countZeroBits(bitmap), "inode bitmap of group %d", g)

		totalFreeBlocks += entry.NumFreeBlocks()
		totalFreeInodes += entry.NumFreeInodes()
	}

	require.Equal(t, sb.NumFreeBlocks(), totalFreeBlocks)
	require.Equal(t, sb.NumFreeInodes(), totalFreeInodes)
}

func countZeroBits(bitmap []byte) int64 {
	var n int64
	for _, b := range bitmap {
		for i := 0; i < 8; i++ {
			if b&(1<<uint(i)) == 0 {
				n++
			}
		}
	}
	return n
}

func TestNoSpace(t *testing.T) {

	fsys, _ := mountTestFS(t, imageOpts{
		blockSize:      1024,
		groups:         1,
		blocksPerGroup: 32,
		inodesPerGroup: 16,
	})

	for {
		_, err := fsys.AllocateBlock(false)
		if err != nil {
			require.True(t, errors.Is(err, ErrNoSpace))
			break
		}
	}

	require.Equal(t, int64(0), fsys.Superblock().NumFreeBlocks())
}

func TestProgressCounters(t *testing.T) {

	fsys, _ := mountTestFS(t, defaultOpts)
	root := fsys.RootDir()

	_, err := root.MakeDirectory("x")
	require.NoError(t, err)
	_, err = root.MakeDirectory("y")
	require.NoError(t, err)

	_, err = fsys.Scan()
	require.NoError(t, err)

	done, total := fsys.Progress()
	require.Equal(t, int64(2), done)
	require.True(t, total >= done)
}
