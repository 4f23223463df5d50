package filesystem

import (
	"fmt"
	"sync"

	"github.com/amos-os/amfs"
)

// Allocator manages the free/used state of every block through the
// persistent bitmap region (one bit per block, 1 = in use). It is the
// sole arbiter of block ownership: every block belongs to exactly one
// structure at a time, and only the allocator changes that mapping.
//
// A single mutex covers the whole bitmap so Allocate and Free are atomic
// with respect to each other; a torn scan-and-set is never observable.
// Dirty bitmap blocks are written through to the device before the lock
// is released.
type Allocator struct {
	mu    sync.Mutex
	dev   amfs.BlockDevice
	sb    *Superblock
	bits  []byte
	rotor amfs.BlockIndex // where the next first-fit scan starts
	dirty map[uint32]struct{}
}

// newAllocator returns an all-free allocator for a volume being
// formatted. Nothing is written until markUsed/Allocate flush.
func newAllocator(dev amfs.BlockDevice, sb *Superblock) *Allocator {
	return &Allocator{
		dev:   dev,
		sb:    sb,
		bits:  make([]byte, uint64(sb.BitmapBlocks)*uint64(sb.BlockSize)),
		rotor: sb.FirstDataBlock(),
		dirty: make(map[uint32]struct{}),
	}
}

// loadAllocator reads the bitmap region of a mounted volume.
func loadAllocator(dev amfs.BlockDevice, sb *Superblock) (*Allocator, error) {
	a := newAllocator(dev, sb)
	for i := uint32(0); i < sb.BitmapBlocks; i++ {
		buf, err := dev.ReadBlock(sb.BitmapStart + amfs.BlockIndex(i))
		if err != nil {
			return nil, fmt.Errorf("load bitmap block %d: %w", i, err)
		}
		copy(a.bits[uint64(i)*uint64(sb.BlockSize):], buf)
	}
	return a, nil
}

func (a *Allocator) testBit(i amfs.BlockIndex) bool {
	return a.bits[i/8]&(1<<(i%8)) != 0
}

func (a *Allocator) setBit(i amfs.BlockIndex) {
	a.bits[i/8] |= 1 << (i % 8)
	a.dirty[uint32(uint64(i)/8/uint64(a.sb.BlockSize))] = struct{}{}
}

func (a *Allocator) clearBit(i amfs.BlockIndex) {
	a.bits[i/8] &^= 1 << (i % 8)
	a.dirty[uint32(uint64(i)/8/uint64(a.sb.BlockSize))] = struct{}{}
}

// Allocate hands out a contiguous run of n free blocks using a first-fit
// scan that starts at the previous allocation point and wraps. Returns
// amfs.ErrOutOfSpace when no contiguous run of that size exists; callers
// needing non-contiguous space issue multiple smaller requests.
func (a *Allocator) Allocate(n uint64) (amfs.BlockRange, error) {
	if n == 0 {
		return amfs.BlockRange{}, fmt.Errorf("allocate zero blocks")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	start, ok := a.findRun(uint64(a.rotor), a.sb.BlockCount, n)
	if !ok {
		// wrapped pass; also catches runs spanning the rotor
		start, ok = a.findRun(uint64(a.sb.FirstDataBlock()), a.sb.BlockCount, n)
	}
	if !ok {
		return amfs.BlockRange{}, fmt.Errorf("allocate %d contiguous blocks: %w", n, amfs.ErrOutOfSpace)
	}

	r := amfs.BlockRange{Start: amfs.BlockIndex(start), Count: n}
	for i := r.Start; i < r.End(); i++ {
		a.setBit(i)
	}
	a.rotor = r.End()
	if uint64(a.rotor) >= a.sb.BlockCount {
		a.rotor = a.sb.FirstDataBlock()
	}
	if err := a.flushLocked(); err != nil {
		return amfs.BlockRange{}, err
	}
	return r, nil
}

// findRun scans [lo, hi) for n consecutive clear bits.
func (a *Allocator) findRun(lo, hi, n uint64) (uint64, bool) {
	run := uint64(0)
	runStart := lo
	for i := lo; i < hi; i++ {
		if a.testBit(amfs.BlockIndex(i)) {
			run = 0
			runStart = i + 1
			continue
		}
		run++
		if run == n {
			return runStart, true
		}
	}
	return 0, false
}

// Free releases a range back to the allocator. Every bit in the range
// must currently be set: a clear bit means someone already freed it, a
// corruption signal surfaced as amfs.ErrDoubleFree before any bit is
// touched, so a failed Free changes nothing.
func (a *Allocator) Free(r amfs.BlockRange) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(r.End()) > a.sb.BlockCount {
		return fmt.Errorf("free range [%d,%d): %w", r.Start, r.End(), amfs.ErrOutOfRange)
	}
	if r.Start < a.sb.FirstDataBlock() {
		return fmt.Errorf("free reserved metadata block %d: %w", r.Start, amfs.ErrOutOfRange)
	}
	for i := r.Start; i < r.End(); i++ {
		if !a.testBit(i) {
			return fmt.Errorf("block %d already free: %w", i, amfs.ErrDoubleFree)
		}
	}
	for i := r.Start; i < r.End(); i++ {
		a.clearBit(i)
	}
	return a.flushLocked()
}

// markUsed reserves a range at format time (metadata regions). Unlike
// Allocate it does not scan; the caller names the blocks.
func (a *Allocator) markUsed(r amfs.BlockRange) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := r.Start; i < r.End(); i++ {
		a.setBit(i)
	}
	return a.flushLocked()
}

// IsUsed reports one block's bitmap state. Read-only; used by the
// consistency checker.
func (a *Allocator) IsUsed(i amfs.BlockIndex) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.testBit(i)
}

// FreeBlocks counts clear bits within the volume.
func (a *Allocator) FreeBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	free := uint64(0)
	for i := uint64(0); i < a.sb.BlockCount; i++ {
		if !a.testBit(amfs.BlockIndex(i)) {
			free++
		}
	}
	return free
}

// Snapshot copies the raw bitmap bytes, for diagnostics and tests.
func (a *Allocator) Snapshot() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, len(a.bits))
	copy(out, a.bits)
	return out
}

// flushLocked writes every dirty bitmap block through to the device.
// Caller holds a.mu.
func (a *Allocator) flushLocked() error {
	bs := uint64(a.sb.BlockSize)
	for rb := range a.dirty {
		blk := a.bits[uint64(rb)*bs : (uint64(rb)+1)*bs]
		if err := a.dev.WriteBlock(a.sb.BitmapStart+amfs.BlockIndex(rb), blk); err != nil {
			return fmt.Errorf("flush bitmap block %d: %w", rb, err)
		}
		delete(a.dirty, rb)
	}
	return nil
}
