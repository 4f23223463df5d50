package filesystem

import (
	"testing"

	"github.com/amos-os/amfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInodeTable_CreateLookup(t *testing.T) {
	fs, _ := newTestFS(t, 256)
	table := fs.Table()

	in, err := table.Create(amfs.TypeFile)
	require.NoError(t, err)
	assert.Equal(t, amfs.Ino(2), in.Ino, "first slot after the root")
	assert.Equal(t, uint16(0), in.LinkCount)
	assert.Equal(t, uint64(0), in.Size)

	got, err := table.Lookup(in.Ino)
	require.NoError(t, err)
	assert.Equal(t, amfs.TypeFile, got.Type)
	assert.Equal(t, in.Ctime, got.Ctime)
}

func TestInodeTable_LookupErrors(t *testing.T) {
	fs, _ := newTestFS(t, 256)
	table := fs.Table()

	_, err := table.Lookup(0)
	assert.ErrorIs(t, err, amfs.ErrInoOutOfRange)

	_, err = table.Lookup(amfs.Ino(fs.Superblock().InodeCount) + 1)
	assert.ErrorIs(t, err, amfs.ErrInoOutOfRange)

	_, err = table.Lookup(50) // valid slot, never created
	assert.ErrorIs(t, err, amfs.ErrInodeFree)
}

func TestInodeTable_CreateDirectoryHasPseudoEntries(t *testing.T) {
	fs, _ := newTestFS(t, 256)
	table := fs.Table()

	in, err := table.Create(amfs.TypeDirectory)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*direntSize), in.Size)
	assert.NotZero(t, in.Direct[0])

	d, err := table.OpenDir(in.Ino)
	require.NoError(t, err)
	dot, err := d.Lookup(".")
	require.NoError(t, err)
	assert.Equal(t, in.Ino, dot.Ino)
	dotdot, err := d.Lookup("..")
	require.NoError(t, err)
	assert.Equal(t, in.Ino, dotdot.Ino, "unlinked directory's .. points at itself")
}

func TestInodeTable_SlotReuseAfterDelete(t *testing.T) {
	fs, _ := newTestFS(t, 256)
	table := fs.Table()

	in, err := table.Create(amfs.TypeFile)
	require.NoError(t, err)
	require.NoError(t, table.Delete(in.Ino))

	_, err = table.Lookup(in.Ino)
	assert.ErrorIs(t, err, amfs.ErrInodeFree)

	again, err := table.Create(amfs.TypeSymlink)
	require.NoError(t, err)
	assert.Equal(t, in.Ino, again.Ino, "lowest free slot is reused")
}

func TestInodeTable_ExhaustSlots(t *testing.T) {
	fs, _ := newTestFS(t, 256)
	table := fs.Table()
	count := fs.Superblock().InodeCount

	for i := uint32(1); i < count; i++ { // root holds slot 1
		_, err := table.Create(amfs.TypeFile)
		require.NoError(t, err)
	}
	_, err := table.Create(amfs.TypeFile)
	assert.ErrorIs(t, err, amfs.ErrOutOfSpace)
}

func TestInodeTable_ResizeGrowShrink(t *testing.T) {
	fs, _ := newTestFS(t, 1024)
	table := fs.Table()
	a := fs.Allocator()
	bs := uint64(fs.Superblock().BlockSize)

	in, err := table.Create(amfs.TypeFile)
	require.NoError(t, err)
	freeBefore := a.FreeBlocks()

	require.NoError(t, table.Resize(in.Ino, 3*bs+100))
	got, err := table.Lookup(in.Ino)
	require.NoError(t, err)
	assert.Equal(t, 3*bs+100, got.Size)
	assert.Equal(t, freeBefore-4, a.FreeBlocks())
	for i := 0; i < 4; i++ {
		assert.NotZero(t, got.Direct[i])
	}
	assert.Zero(t, got.Indirect)

	require.NoError(t, table.Resize(in.Ino, bs/2))
	got, err = table.Lookup(in.Ino)
	require.NoError(t, err)
	assert.Equal(t, bs/2, got.Size)
	assert.Equal(t, freeBefore-1, a.FreeBlocks())

	require.NoError(t, table.Resize(in.Ino, 0))
	assert.Equal(t, freeBefore, a.FreeBlocks())
}

func TestInodeTable_ResizeIntoIndirect(t *testing.T) {
	fs, _ := newTestFS(t, 1024)
	table := fs.Table()
	a := fs.Allocator()
	bs := uint64(fs.Superblock().BlockSize)

	in, err := table.Create(amfs.TypeFile)
	require.NoError(t, err)
	freeBefore := a.FreeBlocks()

	// ten data blocks: eight direct, two indirect, plus the indirect
	// block itself
	require.NoError(t, table.Resize(in.Ino, 10*bs))
	got, err := table.Lookup(in.Ino)
	require.NoError(t, err)
	assert.NotZero(t, got.Indirect)
	assert.Equal(t, freeBefore-11, a.FreeBlocks())

	blocks, err := table.BlocksOf(in.Ino)
	require.NoError(t, err)
	assert.Len(t, blocks, 11)

	// dropping back under the direct pointers releases the indirect block
	require.NoError(t, table.Resize(in.Ino, 2*bs))
	got, err = table.Lookup(in.Ino)
	require.NoError(t, err)
	assert.Zero(t, got.Indirect)
	assert.Equal(t, freeBefore-2, a.FreeBlocks())
}

func TestInodeTable_ResizeBeyondCapacity(t *testing.T) {
	fs, _ := newTestFS(t, 1024)
	table := fs.Table()
	bs := uint64(fs.Superblock().BlockSize)

	in, err := table.Create(amfs.TypeFile)
	require.NoError(t, err)

	max := uint64(numDirect) + bs/8
	err = table.Resize(in.Ino, (max+1)*bs)
	assert.ErrorIs(t, err, amfs.ErrOutOfSpace)
}

func TestInodeTable_GrowRollbackOnFullVolume(t *testing.T) {
	fs, _ := newTestFS(t, 64)
	table := fs.Table()
	a := fs.Allocator()
	bs := uint64(fs.Superblock().BlockSize)

	in, err := table.Create(amfs.TypeFile)
	require.NoError(t, err)

	free := a.FreeBlocks()
	require.Greater(t, free, uint64(2))

	// more blocks than the volume has left; the grow must release every
	// block it picked up along the way
	bitmapBefore := a.Snapshot()
	err = table.Resize(in.Ino, (free+1)*bs)
	assert.ErrorIs(t, err, amfs.ErrOutOfSpace)
	assert.Equal(t, free, a.FreeBlocks())
	assert.Equal(t, bitmapBefore, a.Snapshot())

	got, err := table.Lookup(in.Ino)
	require.NoError(t, err)
	assert.Zero(t, got.Size, "failed grow must leave the inode untouched")
	assert.Zero(t, got.Indirect)
}

func TestInodeTable_DeleteReleasesBlocks(t *testing.T) {
	fs, _ := newTestFS(t, 1024)
	table := fs.Table()
	a := fs.Allocator()
	bs := uint64(fs.Superblock().BlockSize)

	freeBefore := a.FreeBlocks()
	in, err := table.Create(amfs.TypeFile)
	require.NoError(t, err)
	require.NoError(t, table.Resize(in.Ino, 10*bs)) // direct + indirect

	require.NoError(t, table.Delete(in.Ino))
	assert.Equal(t, freeBefore, a.FreeBlocks(), "delete returns every block, indirect included")
}

func TestInodeTable_DeleteRefusesLinkedInode(t *testing.T) {
	fs, _ := newTestFS(t, 256)
	table := fs.Table()

	_, err := fs.Create("/a.txt")
	require.NoError(t, err)
	in, err := fs.Stat("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, uint16(1), in.LinkCount)

	err = table.Delete(in.Ino)
	assert.Error(t, err)
}

func TestInodeTable_BadChecksumSurfaces(t *testing.T) {
	fs, dev := newTestFS(t, 256)
	table := fs.Table()

	in, err := table.Create(amfs.TypeFile)
	require.NoError(t, err)

	// flip a bit inside the record, invalidating its checksum
	sb := fs.Superblock()
	off := uint64(in.Ino-1) * inodeSize
	blk := sb.InodeTableStart + amfs.BlockIndex(off/uint64(sb.BlockSize))
	buf, err := dev.ReadBlock(blk)
	require.NoError(t, err)
	buf[off%uint64(sb.BlockSize)+8] ^= 0x01
	require.NoError(t, dev.WriteBlock(blk, buf))

	_, err = table.Lookup(in.Ino)
	assert.ErrorIs(t, err, amfs.ErrBadChecksum)
}
