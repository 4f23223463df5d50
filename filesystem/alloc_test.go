package filesystem

import (
	"sync"
	"testing"

	"github.com/amos-os/amfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocator_FirstFitFromRotor(t *testing.T) {
	fs, _ := newTestFS(t, 1024)
	a := fs.Allocator()
	sb := fs.Superblock()
	first := sb.FirstDataBlock()

	// root directory already took the first data block
	r1, err := a.Allocate(3)
	require.NoError(t, err)
	assert.Equal(t, first+1, r1.Start)
	assert.Equal(t, uint64(3), r1.Count)

	r2, err := a.Allocate(2)
	require.NoError(t, err)
	assert.Equal(t, r1.End(), r2.Start, "next-fit should continue past the previous allocation")
}

func TestAllocator_ReusesFreedRunOnWrap(t *testing.T) {
	fs, _ := newTestFS(t, 64)
	a := fs.Allocator()

	r1, err := a.Allocate(4)
	require.NoError(t, err)
	// consume the rest of the volume
	rest, err := a.Allocate(a.FreeBlocks())
	require.NoError(t, err)

	require.NoError(t, a.Free(r1))
	got, err := a.Allocate(4)
	require.NoError(t, err)
	assert.Equal(t, r1, got, "wrapped scan should find the freed run")

	require.NoError(t, a.Free(rest))
}

func TestAllocator_AllocateFreeRestoresBitmap(t *testing.T) {
	fs, _ := newTestFS(t, 256)
	a := fs.Allocator()
	before := a.Snapshot()
	freeBefore := a.FreeBlocks()

	var ranges []amfs.BlockRange
	for _, n := range []uint64{1, 7, 2, 16} {
		r, err := a.Allocate(n)
		require.NoError(t, err)
		ranges = append(ranges, r)
	}
	assert.Equal(t, freeBefore-26, a.FreeBlocks())

	for _, r := range ranges {
		require.NoError(t, a.Free(r))
	}
	assert.Equal(t, before, a.Snapshot(), "bitmap must be bit-identical after freeing everything")
	assert.Equal(t, freeBefore, a.FreeBlocks())
}

func TestAllocator_OutOfSpace(t *testing.T) {
	fs, _ := newTestFS(t, 64)
	a := fs.Allocator()

	free := a.FreeBlocks()
	_, err := a.Allocate(free + 1)
	assert.ErrorIs(t, err, amfs.ErrOutOfSpace)

	// a failed allocation must not leak any blocks
	assert.Equal(t, free, a.FreeBlocks())

	r, err := a.Allocate(free)
	require.NoError(t, err)
	_, err = a.Allocate(1)
	assert.ErrorIs(t, err, amfs.ErrOutOfSpace)
	require.NoError(t, a.Free(r))
}

func TestAllocator_FragmentedRunNotFound(t *testing.T) {
	fs, _ := newTestFS(t, 64)
	a := fs.Allocator()

	free := a.FreeBlocks()
	all, err := a.Allocate(free)
	require.NoError(t, err)

	// free two separated single blocks; no run of 2 exists
	require.NoError(t, a.Free(amfs.BlockRange{Start: all.Start, Count: 1}))
	require.NoError(t, a.Free(amfs.BlockRange{Start: all.Start + 2, Count: 1}))
	_, err = a.Allocate(2)
	assert.ErrorIs(t, err, amfs.ErrOutOfSpace)

	_, err = a.Allocate(1)
	assert.NoError(t, err)
}

func TestAllocator_DoubleFree(t *testing.T) {
	fs, _ := newTestFS(t, 64)
	a := fs.Allocator()

	r, err := a.Allocate(4)
	require.NoError(t, err)
	require.NoError(t, a.Free(r))

	err = a.Free(r)
	assert.ErrorIs(t, err, amfs.ErrDoubleFree)
}

func TestAllocator_PartialDoubleFreeChangesNothing(t *testing.T) {
	fs, _ := newTestFS(t, 64)
	a := fs.Allocator()

	r, err := a.Allocate(4)
	require.NoError(t, err)
	require.NoError(t, a.Free(amfs.BlockRange{Start: r.Start + 2, Count: 1}))
	before := a.Snapshot()

	// r overlaps the already-freed block; nothing may change
	err = a.Free(r)
	assert.ErrorIs(t, err, amfs.ErrDoubleFree)
	assert.Equal(t, before, a.Snapshot())
}

func TestAllocator_FreeGuardsMetadataAndRange(t *testing.T) {
	fs, _ := newTestFS(t, 64)
	a := fs.Allocator()
	sb := fs.Superblock()

	err := a.Free(amfs.BlockRange{Start: 0, Count: 1})
	assert.ErrorIs(t, err, amfs.ErrOutOfRange)

	err = a.Free(amfs.BlockRange{Start: sb.InodeTableStart, Count: 1})
	assert.ErrorIs(t, err, amfs.ErrOutOfRange)

	err = a.Free(amfs.BlockRange{Start: amfs.BlockIndex(sb.BlockCount) - 1, Count: 2})
	assert.ErrorIs(t, err, amfs.ErrOutOfRange)
}

func TestAllocator_MetadataMarkedUsedAfterFormat(t *testing.T) {
	fs, _ := newTestFS(t, 128)
	a := fs.Allocator()
	sb := fs.Superblock()

	for i := amfs.BlockIndex(0); i < sb.FirstDataBlock(); i++ {
		assert.True(t, a.IsUsed(i), "metadata block %d should be in use", i)
	}
}

func TestAllocator_PersistsAcrossRemount(t *testing.T) {
	fs, dev := newTestFS(t, 128)
	a := fs.Allocator()

	r, err := a.Allocate(5)
	require.NoError(t, err)
	require.NoError(t, fs.Unmount())

	fs2, err := Mount(dev)
	require.NoError(t, err)
	for i := r.Start; i < r.End(); i++ {
		assert.True(t, fs2.Allocator().IsUsed(i))
	}
	assert.Equal(t, a.FreeBlocks(), fs2.Allocator().FreeBlocks())
}

func TestAllocator_ConcurrentAllocateNoOverlap(t *testing.T) {
	fs, _ := newTestFS(t, 1024)
	a := fs.Allocator()

	const workers = 8
	const perWorker = 10
	var mu sync.Mutex
	var ranges []amfs.BlockRange
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				r, err := a.Allocate(2)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ranges = append(ranges, r)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	seen := make(map[amfs.BlockIndex]bool)
	for _, r := range ranges {
		for i := r.Start; i < r.End(); i++ {
			assert.False(t, seen[i], "block %d handed out twice", i)
			seen[i] = true
		}
	}
	assert.Len(t, seen, workers*perWorker*2)
}
