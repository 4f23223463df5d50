package filesystem

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/amos-os/amfs"
	"github.com/amos-os/amfs/internal/util"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

// InodeTable operates over the fixed inode table region. Mutations hold
// an exclusive per-inode lock; lookups on different inodes never block
// each other. Slot claiming during Create is serialized separately so
// two creates cannot race for one free slot.
type InodeTable struct {
	dev    amfs.BlockDevice
	sb     *Superblock
	alloc  *Allocator
	locks  *xsync.Map[amfs.Ino, *sync.RWMutex]
	slotMu sync.Mutex
	log    zerolog.Logger
}

func newInodeTable(dev amfs.BlockDevice, sb *Superblock, alloc *Allocator) *InodeTable {
	return &InodeTable{
		dev:   dev,
		sb:    sb,
		alloc: alloc,
		locks: xsync.NewMap[amfs.Ino, *sync.RWMutex](),
		log:   util.GetLogger("inodes"),
	}
}

// lockFor returns the lock guarding one inode, creating it on demand.
func (t *InodeTable) lockFor(ino amfs.Ino) *sync.RWMutex {
	mu, _ := t.locks.LoadOrStore(ino, &sync.RWMutex{})
	return mu
}

// slot maps an inode number onto its table block and byte offset.
func (t *InodeTable) slot(ino amfs.Ino) (amfs.BlockIndex, uint32, error) {
	if ino == 0 || uint32(ino) > t.sb.InodeCount {
		return 0, 0, fmt.Errorf("inode %d of %d: %w", ino, t.sb.InodeCount, amfs.ErrInoOutOfRange)
	}
	off := uint64(ino-1) * inodeSize
	bs := uint64(t.sb.BlockSize)
	return t.sb.InodeTableStart + amfs.BlockIndex(off/bs), uint32(off % bs), nil
}

// readSlot reads one record without lock handling. Free slots come back
// as Type amfs.TypeFree, not as an error.
func (t *InodeTable) readSlot(ino amfs.Ino) (*Inode, error) {
	blk, off, err := t.slot(ino)
	if err != nil {
		return nil, err
	}
	buf, err := t.dev.ReadBlock(blk)
	if err != nil {
		return nil, fmt.Errorf("read inode %d: %w", ino, err)
	}
	return decodeInode(ino, buf[off:off+inodeSize])
}

// writeSlot persists one record. Caller holds the inode's write lock.
func (t *InodeTable) writeSlot(in *Inode) error {
	blk, off, err := t.slot(in.Ino)
	if err != nil {
		return err
	}
	buf, err := t.dev.ReadBlock(blk)
	if err != nil {
		return fmt.Errorf("write inode %d: %w", in.Ino, err)
	}
	in.encode(buf[off : off+inodeSize])
	if err := t.dev.WriteBlock(blk, buf); err != nil {
		return fmt.Errorf("write inode %d: %w", in.Ino, err)
	}
	return nil
}

// clearSlot zeroes one record, returning it to the free pool.
func (t *InodeTable) clearSlot(ino amfs.Ino) error {
	blk, off, err := t.slot(ino)
	if err != nil {
		return err
	}
	buf, err := t.dev.ReadBlock(blk)
	if err != nil {
		return fmt.Errorf("clear inode %d: %w", ino, err)
	}
	clear(buf[off : off+inodeSize])
	if err := t.dev.WriteBlock(blk, buf); err != nil {
		return fmt.Errorf("clear inode %d: %w", ino, err)
	}
	return nil
}

// Lookup returns a copy of one inode's metadata. Fails with
// amfs.ErrInoOutOfRange or amfs.ErrInodeFree.
func (t *InodeTable) Lookup(ino amfs.Ino) (*Inode, error) {
	mu := t.lockFor(ino)
	mu.RLock()
	defer mu.RUnlock()
	in, err := t.readSlot(ino)
	if err != nil {
		return nil, err
	}
	if in.Type == amfs.TypeFree {
		return nil, fmt.Errorf("inode %d: %w", ino, amfs.ErrInodeFree)
	}
	return in, nil
}

// Create allocates a free inode slot for a new file, directory, or
// symlink. Directories get one initial data block carrying the "." and
// ".." pseudo-entries, both pointing at the new directory until the
// caller links it under a parent. The new inode's link count is zero;
// the directory index bumps it on insert.
func (t *InodeTable) Create(kind amfs.FileType) (*Inode, error) {
	if kind != amfs.TypeFile && kind != amfs.TypeDirectory && kind != amfs.TypeSymlink {
		return nil, fmt.Errorf("create inode of kind %s", kind)
	}
	t.slotMu.Lock()
	defer t.slotMu.Unlock()

	ino, err := t.findFreeSlot()
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	in := &Inode{
		Ino:   ino,
		Type:  kind,
		Mode:  0o644,
		Atime: now,
		Mtime: now,
		Ctime: now,
	}
	if kind == amfs.TypeDirectory {
		in.Mode = 0o755
		r, err := t.alloc.Allocate(1)
		if err != nil {
			return nil, fmt.Errorf("create directory inode: %w", err)
		}
		if err := t.writePseudoEntries(r.Start, ino, ino); err != nil {
			// release the block; the slot was never claimed
			if ferr := t.alloc.Free(r); ferr != nil {
				t.log.Error().Err(ferr).Uint64("block", uint64(r.Start)).Msg("failed to release block after aborted create")
			}
			return nil, err
		}
		in.Direct[0] = r.Start
		in.Size = 2 * direntSize
	}

	mu := t.lockFor(ino)
	mu.Lock()
	defer mu.Unlock()
	if err := t.writeSlot(in); err != nil {
		return nil, err
	}
	t.log.Debug().Uint32("ino", uint32(ino)).Stringer("kind", kind).Msg("inode created")
	return in, nil
}

// findFreeSlot scans the table block by block for a record whose type
// field is zero. Caller holds slotMu.
func (t *InodeTable) findFreeSlot() (amfs.Ino, error) {
	bs := uint64(t.sb.BlockSize)
	perBlock := bs / inodeSize
	for b := uint64(0); b < t.sb.InodeTableBlocks(); b++ {
		buf, err := t.dev.ReadBlock(t.sb.InodeTableStart + amfs.BlockIndex(b))
		if err != nil {
			return 0, fmt.Errorf("scan inode table: %w", err)
		}
		for s := uint64(0); s < perBlock; s++ {
			ino := amfs.Ino(b*perBlock + s + 1)
			if uint32(ino) > t.sb.InodeCount {
				break
			}
			if binary.LittleEndian.Uint16(buf[s*inodeSize:]) == uint16(amfs.TypeFree) {
				return ino, nil
			}
		}
	}
	return 0, fmt.Errorf("no free inode slot: %w", amfs.ErrOutOfSpace)
}

// writePseudoEntries formats a fresh directory block with "." and "..".
func (t *InodeTable) writePseudoEntries(blk amfs.BlockIndex, self, parent amfs.Ino) error {
	buf := make([]byte, t.sb.BlockSize)
	encodeDirent(buf[0:direntSize], amfs.DirEntry{Name: ".", Ino: self, Type: amfs.TypeDirectory})
	encodeDirent(buf[direntSize:2*direntSize], amfs.DirEntry{Name: "..", Ino: parent, Type: amfs.TypeDirectory})
	if err := t.dev.WriteBlock(blk, buf); err != nil {
		return fmt.Errorf("write directory block %d: %w", blk, err)
	}
	return nil
}

// maxBlocks is the largest block count one inode can address: the
// direct pointers plus one indirect block of 64-bit pointers.
func (t *InodeTable) maxBlocks() uint64 {
	return numDirect + uint64(t.sb.BlockSize)/8
}

// blockAt resolves the i-th data block of an inode, reading the
// indirect block when needed. Zero means hole.
func (t *InodeTable) blockAt(in *Inode, i uint64) (amfs.BlockIndex, error) {
	if i < numDirect {
		return in.Direct[i], nil
	}
	j := i - numDirect
	if j >= uint64(t.sb.BlockSize)/8 {
		return 0, fmt.Errorf("block index %d beyond inode capacity: %w", i, amfs.ErrOutOfRange)
	}
	if in.Indirect == 0 {
		return 0, nil
	}
	buf, err := t.dev.ReadBlock(in.Indirect)
	if err != nil {
		return 0, fmt.Errorf("read indirect block of inode %d: %w", in.Ino, err)
	}
	return amfs.BlockIndex(binary.LittleEndian.Uint64(buf[j*8:])), nil
}

// setBlockAt wires the i-th pointer of an inode. For indirect slots the
// indirect block must already exist.
func (t *InodeTable) setBlockAt(in *Inode, i uint64, blk amfs.BlockIndex) error {
	if i < numDirect {
		in.Direct[i] = blk
		return nil
	}
	j := i - numDirect
	if j >= uint64(t.sb.BlockSize)/8 {
		return fmt.Errorf("block index %d beyond inode capacity: %w", i, amfs.ErrOutOfRange)
	}
	if in.Indirect == 0 {
		return fmt.Errorf("inode %d has no indirect block for index %d", in.Ino, i)
	}
	buf, err := t.dev.ReadBlock(in.Indirect)
	if err != nil {
		return fmt.Errorf("read indirect block of inode %d: %w", in.Ino, err)
	}
	binary.LittleEndian.PutUint64(buf[j*8:], uint64(blk))
	if err := t.dev.WriteBlock(in.Indirect, buf); err != nil {
		return fmt.Errorf("write indirect block of inode %d: %w", in.Ino, err)
	}
	return nil
}

// Resize grows or shrinks the inode's block list through the allocator.
// On growth failure every block allocated during the call is released
// again and the inode is untouched, so its recorded size never
// disagrees with its pointer list.
func (t *InodeTable) Resize(ino amfs.Ino, newSize uint64) error {
	mu := t.lockFor(ino)
	mu.Lock()
	defer mu.Unlock()
	in, err := t.readSlot(ino)
	if err != nil {
		return err
	}
	if in.Type == amfs.TypeFree {
		return fmt.Errorf("inode %d: %w", ino, amfs.ErrInodeFree)
	}
	return t.resizeLocked(in, newSize)
}

// resizeLocked is Resize with the inode already loaded and its write
// lock held.
func (t *InodeTable) resizeLocked(in *Inode, newSize uint64) error {
	bs := uint64(t.sb.BlockSize)
	oldBlocks := in.blockCount(t.sb.BlockSize)
	newBlocks := ceilDiv(newSize, bs)

	switch {
	case newBlocks > oldBlocks:
		if newBlocks > t.maxBlocks() {
			return fmt.Errorf("inode %d: %d blocks exceeds capacity %d: %w",
				in.Ino, newBlocks, t.maxBlocks(), amfs.ErrOutOfSpace)
		}
		if err := t.growLocked(in, oldBlocks, newBlocks); err != nil {
			return err
		}
	case newBlocks < oldBlocks:
		if err := t.shrinkLocked(in, oldBlocks, newBlocks); err != nil {
			return err
		}
	}

	in.Size = newSize
	in.Mtime = time.Now().Unix()
	return t.writeSlot(in)
}

func (t *InodeTable) growLocked(in *Inode, oldBlocks, newBlocks uint64) error {
	var got []amfs.BlockRange
	rollback := func() {
		for _, r := range got {
			if err := t.alloc.Free(r); err != nil {
				t.log.Error().Err(err).Uint64("block", uint64(r.Start)).Msg("rollback free failed")
			}
		}
	}

	var indirect amfs.BlockIndex
	needIndirect := newBlocks > numDirect && in.Indirect == 0
	if needIndirect {
		r, err := t.alloc.Allocate(1)
		if err != nil {
			return fmt.Errorf("grow inode %d: indirect block: %w", in.Ino, err)
		}
		got = append(got, r)
		indirect = r.Start
	}
	blocks := make([]amfs.BlockIndex, 0, newBlocks-oldBlocks)
	for i := oldBlocks; i < newBlocks; i++ {
		r, err := t.alloc.Allocate(1)
		if err != nil {
			rollback()
			return fmt.Errorf("grow inode %d to %d blocks: %w", in.Ino, newBlocks, err)
		}
		got = append(got, r)
		blocks = append(blocks, r.Start)
	}

	// All space is secured; now wire pointers and zero the new blocks.
	zero := make([]byte, t.sb.BlockSize)
	if needIndirect {
		if err := t.dev.WriteBlock(indirect, zero); err != nil {
			return fmt.Errorf("grow inode %d: %w", in.Ino, err)
		}
		in.Indirect = indirect
	}
	for k, blk := range blocks {
		if err := t.dev.WriteBlock(blk, zero); err != nil {
			return fmt.Errorf("grow inode %d: %w", in.Ino, err)
		}
		if err := t.setBlockAt(in, oldBlocks+uint64(k), blk); err != nil {
			return err
		}
	}
	return nil
}

func (t *InodeTable) shrinkLocked(in *Inode, oldBlocks, newBlocks uint64) error {
	for i := newBlocks; i < oldBlocks; i++ {
		blk, err := t.blockAt(in, i)
		if err != nil {
			return err
		}
		if blk == 0 {
			continue
		}
		if err := t.alloc.Free(amfs.BlockRange{Start: blk, Count: 1}); err != nil {
			return fmt.Errorf("shrink inode %d: %w", in.Ino, err)
		}
		if err := t.setBlockAt(in, i, 0); err != nil {
			return err
		}
	}
	if newBlocks <= numDirect && in.Indirect != 0 {
		if err := t.alloc.Free(amfs.BlockRange{Start: in.Indirect, Count: 1}); err != nil {
			return fmt.Errorf("shrink inode %d: indirect block: %w", in.Ino, err)
		}
		in.Indirect = 0
	}
	return nil
}

// Delete releases an inode and every block it owns back to the
// allocator. The link count must already be zero; the directory index
// decrements it on unlink and calls Delete at zero.
func (t *InodeTable) Delete(ino amfs.Ino) error {
	mu := t.lockFor(ino)
	mu.Lock()
	defer mu.Unlock()
	in, err := t.readSlot(ino)
	if err != nil {
		return err
	}
	if in.Type == amfs.TypeFree {
		return fmt.Errorf("inode %d: %w", ino, amfs.ErrInodeFree)
	}
	if in.LinkCount != 0 {
		return fmt.Errorf("delete inode %d with link count %d", ino, in.LinkCount)
	}
	return t.deleteLocked(in)
}

// deleteLocked frees all owned blocks and clears the slot. Caller holds
// the inode's write lock.
func (t *InodeTable) deleteLocked(in *Inode) error {
	for i := uint64(0); i < in.blockCount(t.sb.BlockSize); i++ {
		blk, err := t.blockAt(in, i)
		if err != nil {
			return err
		}
		if blk == 0 {
			continue
		}
		if err := t.alloc.Free(amfs.BlockRange{Start: blk, Count: 1}); err != nil {
			return fmt.Errorf("delete inode %d: %w", in.Ino, err)
		}
	}
	if in.Indirect != 0 {
		if err := t.alloc.Free(amfs.BlockRange{Start: in.Indirect, Count: 1}); err != nil {
			return fmt.Errorf("delete inode %d: indirect block: %w", in.Ino, err)
		}
	}
	if err := t.clearSlot(in.Ino); err != nil {
		return err
	}
	t.log.Debug().Uint32("ino", uint32(in.Ino)).Msg("inode deleted")
	return nil
}

// BlocksOf lists every block an inode currently owns, including its
// indirect block. Read-only; used by the consistency checker.
func (t *InodeTable) BlocksOf(ino amfs.Ino) ([]amfs.BlockIndex, error) {
	mu := t.lockFor(ino)
	mu.RLock()
	defer mu.RUnlock()
	in, err := t.readSlot(ino)
	if err != nil {
		return nil, err
	}
	if in.Type == amfs.TypeFree {
		return nil, fmt.Errorf("inode %d: %w", ino, amfs.ErrInodeFree)
	}
	var out []amfs.BlockIndex
	for i := uint64(0); i < in.blockCount(t.sb.BlockSize); i++ {
		blk, err := t.blockAt(in, i)
		if err != nil {
			return nil, err
		}
		if blk != 0 {
			out = append(out, blk)
		}
	}
	if in.Indirect != 0 {
		out = append(out, in.Indirect)
	}
	return out, nil
}
