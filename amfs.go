// Package amfs contains the core domain types and interfaces for the AMFS
// on-disk filesystem: block addressing, inode identity, and the block
// device contract the engine is written against.
package amfs

// Ino is a stable inode number. Ino 0 is reserved and never valid; the
// root directory is always ino 1.
type Ino uint32

// BlockIndex addresses one block on the device, in [0, BlockCount).
// Index 0 is never handed out by the allocator; it holds the superblock.
// A zero value in a block-pointer slot therefore means "unset"/hole.
type BlockIndex uint64

// FileType is the inode kind as stored on disk.
type FileType uint16

const (
	TypeFree FileType = iota
	TypeFile
	TypeDirectory
	TypeSymlink
)

func (t FileType) String() string {
	switch t {
	case TypeFree:
		return "free"
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// BlockRange is a contiguous run of blocks [Start, Start+Count).
type BlockRange struct {
	Start BlockIndex
	Count uint64
}

// End returns one past the last block of the range.
func (r BlockRange) End() BlockIndex {
	return r.Start + BlockIndex(r.Count)
}

// Contains reports whether the range covers block i.
func (r BlockRange) Contains(i BlockIndex) bool {
	return i >= r.Start && i < r.End()
}

// DirEntry is one name-to-inode binding inside a directory.
type DirEntry struct {
	Name string
	Ino  Ino
	Type FileType
}

// IsPseudo reports whether the entry is one of the "." / ".." bindings a
// directory always carries for itself and its parent.
func (e DirEntry) IsPseudo() bool {
	return e.Name == "." || e.Name == ".."
}
