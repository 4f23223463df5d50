// Package check implements the read-only dump walker and consistency
// checker behind the dumpfs and fsck tools. Nothing in this package
// mutates the volume: it never frees blocks, deletes inodes, or removes
// directory entries, no matter what it finds.
package check

import (
	"iter"
	"path"

	"github.com/amos-os/amfs"
	"github.com/amos-os/amfs/filesystem"
)

// DefaultMaxDepth caps walk recursion. A tree deeper than this is
// reported as CycleOrDepthExceeded rather than walked forever; an
// actual reference cycle is a bug state, not a valid volume.
const DefaultMaxDepth = 64

// Entry is one visited node: its path from the root and a snapshot of
// its inode.
type Entry struct {
	Path  string
	Inode filesystem.Inode
}

// Walk lazily yields every (path, inode) pair reachable from the root,
// depth-first, with DefaultMaxDepth. Symlinks are reported, not
// followed. Errors yielded alongside a zero Entry are diagnostic
// findings (*amfs.ConsistencyError); the walk continues past them where
// it can.
//
// The walker takes only short per-inode read locks, so under concurrent
// mutation it observes a consistent state per entry, not one snapshot
// of the whole tree.
func Walk(fs *filesystem.FileSystem) iter.Seq2[Entry, error] {
	return WalkDepth(fs, DefaultMaxDepth)
}

// WalkDepth is Walk with an explicit recursion cap.
func WalkDepth(fs *filesystem.FileSystem, maxDepth int) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		onPath := make(map[amfs.Ino]bool)
		var visit func(p string, ino amfs.Ino, depth int) bool
		visit = func(p string, ino amfs.Ino, depth int) bool {
			in, err := fs.Table().Lookup(ino)
			if err != nil {
				return yield(Entry{Path: p}, &amfs.ConsistencyError{
					Kind: amfs.BadInode, Ino: ino, Path: p, Detail: err.Error(),
				})
			}
			if !yield(Entry{Path: p, Inode: *in}, nil) {
				return false
			}
			if !in.IsDir() {
				return true
			}
			if depth >= maxDepth {
				return yield(Entry{Path: p}, &amfs.ConsistencyError{
					Kind: amfs.CycleOrDepthExceeded, Ino: ino, Path: p,
					Detail: "depth cap reached",
				})
			}
			if onPath[ino] {
				return yield(Entry{Path: p}, &amfs.ConsistencyError{
					Kind: amfs.CycleOrDepthExceeded, Ino: ino, Path: p,
					Detail: "directory revisited on its own subtree",
				})
			}
			onPath[ino] = true
			defer delete(onPath, ino)

			dir, err := fs.Table().OpenDir(ino)
			if err != nil {
				return yield(Entry{Path: p}, &amfs.ConsistencyError{
					Kind: amfs.BadInode, Ino: ino, Path: p, Detail: err.Error(),
				})
			}
			for e, lerr := range dir.List() {
				if lerr != nil {
					if !yield(Entry{Path: p}, &amfs.ConsistencyError{
						Kind: amfs.BadInode, Ino: ino, Path: p, Detail: lerr.Error(),
					}) {
						return false
					}
					continue
				}
				if e.IsPseudo() {
					continue
				}
				if !visit(path.Join(p, e.Name), e.Ino, depth+1) {
					return false
				}
			}
			return true
		}
		visit("/", fs.Root(), 0)
	}
}
