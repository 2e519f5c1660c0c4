package ext2

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// failingBacking errors every read that starts at failOffset.
type failingBacking struct {
	*memBacking
	failOffset int64
}

func (f *failingBacking) ReadAt(p []byte, off int64) (int, error) {
	if off == f.failOffset {
		return 0, io.ErrUnexpectedEOF
	}
	return f.memBacking.ReadAt(p, off)
}

func TestIntegrityCleanImage(t *testing.T) {

	fsys, _ := mountTestFS(t, imageOpts{
		blockSize:      4096,
		groups:         8,
		blocksPerGroup: 64,
		inodesPerGroup: 32,
	})

	report, err := fsys.CheckIntegrity()
	require.NoError(t, err)
	require.True(t, report.HasMagicNumber)
	require.Equal(t, []int64{0, 1, 3, 7}, report.CopyLocations)
	require.Equal(t, 4, report.NumSuperblockCopies)
	require.Empty(t, report.Messages)
}

func TestIntegrityDetectsCopyMismatch(t *testing.T) {

	fsys, img := mountTestFS(t, imageOpts{
		blockSize:      4096,
		groups:         8,
		blocksPerGroup: 64,
		inodesPerGroup: 32,
	})
	sb := fsys.Superblock()

	// flip a byte inside the superblock copy at group 3
	base := 3*sb.BlocksPerGroup()*sb.BlockSize() + SuperblockOffset
	img.data[base+4] ^= 0xFF // NumBlocks field

	report, err := fsys.CheckIntegrity()
	require.NoError(t, err)

	found := false
	for _, msg := range report.Messages {
		if strings.Contains(msg, "block group 3") && strings.Contains(msg, "NumBlocks") {
			found = true
		}
	}
	require.True(t, found, "expected a diagnostic naming group 3 and the mismatched field, got %v", report.Messages)

	// the check mutates nothing and the primary stays usable
	require.True(t, fsys.IsValid())
	_, err = fsys.Scan()
	require.NoError(t, err)
}

func TestIntegrityDetectsUnreadableCopy(t *testing.T) {

	fsys, img := mountTestFS(t, defaultOpts)
	sb := fsys.Superblock()

	// fail reads of the superblock copy at group 1
	fsys.dev.backing = &failingBacking{
		memBacking: img,
		failOffset: sb.BlocksPerGroup()*sb.BlockSize() + SuperblockOffset,
	}

	report, err := fsys.CheckIntegrity()
	require.NoError(t, err)

	found := false
	for _, msg := range report.Messages {
		if strings.Contains(msg, "Superblock at block group 1 could not be read.") {
			found = true
		}
	}
	require.True(t, found, "got %v", report.Messages)
}

func TestIntegrityAfterMutations(t *testing.T) {

	fsys, _ := mountTestFS(t, defaultOpts)
	root := fsys.RootDir()

	d, err := root.MakeDirectory("docs")
	require.NoError(t, err)
	f, err := root.MakeRegularFile("docs/readme", 0, 0, testTime, testTime, testTime)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 3000))
	require.NoError(t, err)

	_, err = root.MakeLink("readme-link", f, false)
	require.NoError(t, err)
	_, err = root.MakeLink("readme-sym", f, true)
	require.NoError(t, err)

	tmp, err := d.MakeDirectory("tmp")
	require.NoError(t, err)
	require.NoError(t, tmp.Remove(false))

	report, err := fsys.CheckIntegrity()
	require.NoError(t, err)
	require.Empty(t, report.Messages)
}

func TestIntegrityDetectsLeakedInode(t *testing.T) {

	fsys, _ := mountTestFS(t, defaultOpts)
	now := testTime + 1

	// allocate an inode but never reference it from any directory
	inode, err := fsys.AllocateInode(DefaultRegularFileMode, 0, 0, now, now, now)
	require.NoError(t, err)

	report, err := fsys.CheckIntegrity()
	require.NoError(t, err)

	found := false
	for _, msg := range report.Messages {
		if strings.Contains(msg, "is marked as used but is not reachable") {
			found = true
		}
	}
	require.True(t, found, "expected a leaked-inode diagnostic for inode %d, got %v", inode.Number(), report.Messages)
}

func TestIntegrityDetectsSharedBlock(t *testing.T) {

	fsys, _ := mountTestFS(t, defaultOpts)
	root := fsys.RootDir()
	now := testTime + 1

	a, err := root.MakeRegularFile("a", 0, 0, now, now, now)
	require.NoError(t, err)
	b, err := root.MakeRegularFile("b", 0, 0, now, now, now)
	require.NoError(t, err)

	_, err = a.Write([]byte("hello"))
	require.NoError(t, err)

	// wire a's block into b as well
	shared, err := a.inode.LookupBlock(0)
	require.NoError(t, err)
	require.NoError(t, b.inode.AssignNextBlockID(shared, fsys.allocPointerBlock, now))
	require.NoError(t, b.inode.SetSize(5, now))

	report, err := fsys.CheckIntegrity()
	require.NoError(t, err)

	found := false
	for _, msg := range report.Messages {
		if strings.Contains(msg, "is being referenced by both") {
			found = true
		}
	}
	require.True(t, found, "expected a shared-block diagnostic, got %v", report.Messages)
}

func TestIntegrityDetectsDanglingEntry(t *testing.T) {

	fsys, _ := mountTestFS(t, defaultOpts)
	root := fsys.RootDir()

	// an entry pointing at an inode that is not marked used
	require.NoError(t, root.appendEntry("ghost", 20))

	report, err := fsys.CheckIntegrity()
	require.NoError(t, err)

	found := false
	for _, msg := range report.Messages {
		if strings.Contains(msg, "its inode is not marked as used (inode number 20)") {
			found = true
		}
	}
	require.True(t, found, "got %v", report.Messages)
}
