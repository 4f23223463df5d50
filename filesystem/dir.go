package filesystem

import (
	"encoding/binary"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/amos-os/amfs"
)

// Directory is a view over a directory inode's data blocks. It owns no
// blocks itself; everything it touches already belongs to the inode.
//
// Entries live in fixed 64-byte slots:
//
//	off  size  field
//	0    8     child inode number (0 = tombstone or never used)
//	8    1     entry type
//	9    1     name length
//	10   54    name bytes
//
// Removal tombstones the slot by zeroing the inode number; the next
// insert reuses the first tombstone. There is no compaction, so listing
// order is slot order, which matches insertion order until a tombstone
// is reused.
type Directory struct {
	t   *InodeTable
	ino amfs.Ino
}

// OpenDir binds a Directory view to a directory inode.
func (t *InodeTable) OpenDir(ino amfs.Ino) (*Directory, error) {
	in, err := t.Lookup(ino)
	if err != nil {
		return nil, err
	}
	if !in.IsDir() {
		return nil, fmt.Errorf("inode %d is a %s: %w", ino, in.Type, amfs.ErrNotDirectory)
	}
	return &Directory{t: t, ino: ino}, nil
}

// Ino returns the directory's own inode number.
func (d *Directory) Ino() amfs.Ino { return d.ino }

func encodeDirent(buf []byte, e amfs.DirEntry) {
	_ = buf[:direntSize]
	binary.LittleEndian.PutUint64(buf[0:], uint64(e.Ino))
	buf[8] = byte(e.Type)
	buf[9] = byte(len(e.Name))
	copy(buf[10:10+MaxNameLen], e.Name)
}

func decodeDirent(buf []byte) amfs.DirEntry {
	_ = buf[:direntSize]
	e := amfs.DirEntry{
		Ino:  amfs.Ino(binary.LittleEndian.Uint64(buf[0:])),
		Type: amfs.FileType(buf[8]),
	}
	if n := int(buf[9]); n <= MaxNameLen {
		e.Name = string(buf[10 : 10+n])
	}
	return e
}

func validateName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return fmt.Errorf("name %q: %w", name, amfs.ErrInvalidName)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("name %q: %w", name, amfs.ErrInvalidName)
	case len(name) > MaxNameLen:
		return fmt.Errorf("name %q exceeds %d bytes: %w", name, MaxNameLen, amfs.ErrNameTooLong)
	}
	return nil
}

// scanDir calls fn for every slot, tombstones included (Ino 0). fn
// returning false stops the scan. Caller holds the directory's lock.
func (t *InodeTable) scanDir(in *Inode, fn func(slot uint64, e amfs.DirEntry) bool) error {
	bs := uint64(t.sb.BlockSize)
	perBlock := bs / direntSize
	nSlots := in.Size / direntSize
	for base := uint64(0); base < nSlots; base += perBlock {
		blk, err := t.blockAt(in, base/perBlock)
		if err != nil {
			return err
		}
		if blk == 0 {
			continue
		}
		buf, err := t.dev.ReadBlock(blk)
		if err != nil {
			return fmt.Errorf("read directory %d block: %w", in.Ino, err)
		}
		for s := uint64(0); s < perBlock && base+s < nSlots; s++ {
			if !fn(base+s, decodeDirent(buf[s*direntSize:])) {
				return nil
			}
		}
	}
	return nil
}

// writeDirSlot persists one entry slot. Caller holds the directory's
// write lock.
func (t *InodeTable) writeDirSlot(in *Inode, slot uint64, e amfs.DirEntry) error {
	bs := uint64(t.sb.BlockSize)
	perBlock := bs / direntSize
	blk, err := t.blockAt(in, slot/perBlock)
	if err != nil {
		return err
	}
	if blk == 0 {
		return fmt.Errorf("directory %d slot %d: unexpected hole", in.Ino, slot)
	}
	buf, err := t.dev.ReadBlock(blk)
	if err != nil {
		return fmt.Errorf("write directory %d slot: %w", in.Ino, err)
	}
	encodeDirent(buf[(slot%perBlock)*direntSize:], e)
	if err := t.dev.WriteBlock(blk, buf); err != nil {
		return fmt.Errorf("write directory %d slot: %w", in.Ino, err)
	}
	return nil
}

// Insert binds name to a child inode, growing the directory's data via
// inode resize when no tombstone is free. Fails with amfs.ErrNameExists
// on a duplicate, leaving the entry list unchanged. The child's link
// count is incremented on success.
func (d *Directory) Insert(name string, child amfs.Ino, typ amfs.FileType) error {
	if err := validateName(name); err != nil {
		return err
	}
	if child == d.ino {
		return fmt.Errorf("directory %d cannot contain itself: %w", d.ino, amfs.ErrInvalidName)
	}
	mu := d.t.lockFor(d.ino)
	mu.Lock()
	defer mu.Unlock()

	in, err := d.t.readSlot(d.ino)
	if err != nil {
		return err
	}
	if !in.IsDir() {
		return fmt.Errorf("inode %d: %w", d.ino, amfs.ErrNotDirectory)
	}

	tombstone := uint64(0)
	haveTombstone := false
	var dup error
	if err := d.t.scanDir(in, func(slot uint64, e amfs.DirEntry) bool {
		if e.Ino == 0 {
			if !haveTombstone && slot >= 2 { // never recycle the pseudo slots
				tombstone = slot
				haveTombstone = true
			}
			return true
		}
		if e.Name == name {
			dup = fmt.Errorf("%q in directory %d: %w", name, d.ino, amfs.ErrNameExists)
			return false
		}
		return true
	}); err != nil {
		return err
	}
	if dup != nil {
		return dup
	}

	slot := tombstone
	if !haveTombstone {
		slot = in.Size / direntSize
		if err := d.t.resizeLocked(in, in.Size+direntSize); err != nil {
			return err
		}
	}
	if err := d.t.writeDirSlot(in, slot, amfs.DirEntry{Name: name, Ino: child, Type: typ}); err != nil {
		return err
	}
	in.Mtime = time.Now().Unix()
	if err := d.t.writeSlot(in); err != nil {
		return err
	}

	// bump the child's link count under its own lock
	chMu := d.t.lockFor(child)
	chMu.Lock()
	defer chMu.Unlock()
	ch, err := d.t.readSlot(child)
	if err != nil {
		return err
	}
	if ch.Type == amfs.TypeFree {
		return fmt.Errorf("insert %q: child inode %d: %w", name, child, amfs.ErrInodeFree)
	}
	ch.LinkCount++
	ch.Ctime = time.Now().Unix()
	return d.t.writeSlot(ch)
}

// Remove unbinds a name, tombstoning its slot and decrementing the
// target inode's link count; at zero the inode and its blocks are
// released. Removing a directory requires it to hold nothing beyond its
// pseudo-entries. Returns the unlinked inode number.
func (d *Directory) Remove(name string) (amfs.Ino, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	mu := d.t.lockFor(d.ino)
	mu.Lock()
	defer mu.Unlock()

	in, err := d.t.readSlot(d.ino)
	if err != nil {
		return 0, err
	}
	if !in.IsDir() {
		return 0, fmt.Errorf("inode %d: %w", d.ino, amfs.ErrNotDirectory)
	}

	foundSlot := uint64(0)
	var found *amfs.DirEntry
	if err := d.t.scanDir(in, func(slot uint64, e amfs.DirEntry) bool {
		if e.Ino != 0 && e.Name == name {
			foundSlot = slot
			found = &e
			return false
		}
		return true
	}); err != nil {
		return 0, err
	}
	if found == nil {
		return 0, fmt.Errorf("%q in directory %d: %w", name, d.ino, amfs.ErrNotFound)
	}
	if found.Ino == d.ino {
		return 0, fmt.Errorf("remove %q: entry references its own directory %d", name, d.ino)
	}

	chMu := d.t.lockFor(found.Ino)
	chMu.Lock()
	defer chMu.Unlock()
	ch, err := d.t.readSlot(found.Ino)
	if err != nil {
		return 0, err
	}
	if ch.Type == amfs.TypeFree {
		return 0, fmt.Errorf("remove %q: inode %d: %w", name, found.Ino, amfs.ErrInodeFree)
	}
	if ch.IsDir() {
		empty, err := d.t.dirEmptyLocked(ch)
		if err != nil {
			return 0, err
		}
		if !empty {
			return 0, fmt.Errorf("%q: %w", name, amfs.ErrDirNotEmpty)
		}
	}

	if err := d.t.writeDirSlot(in, foundSlot, amfs.DirEntry{}); err != nil {
		return 0, err
	}
	in.Mtime = time.Now().Unix()
	if err := d.t.writeSlot(in); err != nil {
		return 0, err
	}

	if ch.LinkCount > 0 {
		ch.LinkCount--
	}
	if ch.LinkCount == 0 {
		if err := d.t.deleteLocked(ch); err != nil {
			return 0, err
		}
	} else {
		ch.Ctime = time.Now().Unix()
		if err := d.t.writeSlot(ch); err != nil {
			return 0, err
		}
	}
	return found.Ino, nil
}

// dirEmptyLocked reports whether a directory holds only its
// pseudo-entries. Caller holds the directory's lock.
func (t *InodeTable) dirEmptyLocked(in *Inode) (bool, error) {
	empty := true
	err := t.scanDir(in, func(_ uint64, e amfs.DirEntry) bool {
		if e.Ino != 0 && !e.IsPseudo() {
			empty = false
			return false
		}
		return true
	})
	return empty, err
}

// Lookup finds one entry by name.
func (d *Directory) Lookup(name string) (amfs.DirEntry, error) {
	if name == "" || len(name) > MaxNameLen {
		return amfs.DirEntry{}, fmt.Errorf("name %q: %w", name, amfs.ErrNotFound)
	}
	mu := d.t.lockFor(d.ino)
	mu.RLock()
	defer mu.RUnlock()

	in, err := d.t.readSlot(d.ino)
	if err != nil {
		return amfs.DirEntry{}, err
	}
	if !in.IsDir() {
		return amfs.DirEntry{}, fmt.Errorf("inode %d: %w", d.ino, amfs.ErrNotDirectory)
	}
	var found *amfs.DirEntry
	if err := d.t.scanDir(in, func(_ uint64, e amfs.DirEntry) bool {
		if e.Ino != 0 && e.Name == name {
			found = &e
			return false
		}
		return true
	}); err != nil {
		return amfs.DirEntry{}, err
	}
	if found == nil {
		return amfs.DirEntry{}, fmt.Errorf("%q in directory %d: %w", name, d.ino, amfs.ErrNotFound)
	}
	return *found, nil
}

// List returns a lazy, restartable pass over the directory's live
// entries, pseudo-entries included. Each invocation is a fresh walk of
// current on-disk state, not a cached snapshot: the directory's read
// lock is held one block at a time, so a listing is complete and
// duplicate-free for the slots it visits but may or may not observe
// entries added or removed by concurrent writers.
func (d *Directory) List() iter.Seq2[amfs.DirEntry, error] {
	return func(yield func(amfs.DirEntry, error) bool) {
		bs := uint64(d.t.sb.BlockSize)
		perBlock := bs / direntSize
		for base := uint64(0); ; base += perBlock {
			entries, done, err := d.readEntryBlock(base)
			if err != nil {
				yield(amfs.DirEntry{}, err)
				return
			}
			for _, e := range entries {
				if !yield(e, nil) {
					return
				}
			}
			if done {
				return
			}
		}
	}
}

// readEntryBlock reads the live entries of one directory block under a
// short read lock. done reports that base was at or past the end.
func (d *Directory) readEntryBlock(base uint64) ([]amfs.DirEntry, bool, error) {
	mu := d.t.lockFor(d.ino)
	mu.RLock()
	defer mu.RUnlock()

	in, err := d.t.readSlot(d.ino)
	if err != nil {
		return nil, true, err
	}
	if !in.IsDir() {
		return nil, true, fmt.Errorf("inode %d: %w", d.ino, amfs.ErrNotDirectory)
	}
	bs := uint64(d.t.sb.BlockSize)
	perBlock := bs / direntSize
	nSlots := in.Size / direntSize
	if base >= nSlots {
		return nil, true, nil
	}
	blk, err := d.t.blockAt(in, base/perBlock)
	if err != nil {
		return nil, true, err
	}
	var entries []amfs.DirEntry
	if blk != 0 {
		buf, err := d.t.dev.ReadBlock(blk)
		if err != nil {
			return nil, true, fmt.Errorf("list directory %d: %w", d.ino, err)
		}
		for s := uint64(0); s < perBlock && base+s < nSlots; s++ {
			if e := decodeDirent(buf[s*direntSize:]); e.Ino != 0 {
				entries = append(entries, e)
			}
		}
	}
	return entries, base+perBlock >= nSlots, nil
}

// setDotDot rewires a directory's ".." entry after it is linked under
// its parent.
func (t *InodeTable) setDotDot(dir, parent amfs.Ino) error {
	mu := t.lockFor(dir)
	mu.Lock()
	defer mu.Unlock()
	in, err := t.readSlot(dir)
	if err != nil {
		return err
	}
	if !in.IsDir() {
		return fmt.Errorf("inode %d: %w", dir, amfs.ErrNotDirectory)
	}
	return t.writeDirSlot(in, 1, amfs.DirEntry{Name: "..", Ino: parent, Type: amfs.TypeDirectory})
}
