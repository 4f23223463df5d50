package amfs

import (
	"errors"
	"fmt"
)

// Format errors: the volume cannot be mounted. Unrecoverable.
var (
	ErrBadMagic             = errors.New("bad superblock signature")
	ErrUnsupportedVersion   = errors.New("unsupported format version")
	ErrBadChecksum          = errors.New("checksum mismatch")
	ErrInconsistentGeometry = errors.New("volume geometry inconsistent with device")
)

// Allocation errors. ErrOutOfSpace is recoverable by the caller;
// ErrDoubleFree signals metadata corruption elsewhere and is fatal.
var (
	ErrOutOfSpace = errors.New("out of space")
	ErrDoubleFree = errors.New("double free")
)

// Lookup errors, recoverable per-call.
var (
	ErrInoOutOfRange = errors.New("inode number out of range")
	ErrInodeFree     = errors.New("inode is free")
)

// Traversal and directory errors, recoverable per-call.
var (
	ErrNotFound     = errors.New("no such file or directory")
	ErrNotDirectory = errors.New("not a directory")
	ErrIsDirectory  = errors.New("is a directory")
	ErrTooManyLinks = errors.New("too many levels of symbolic links")
	ErrNameExists   = errors.New("name already exists")
	ErrNameTooLong  = errors.New("name too long")
	ErrInvalidName  = errors.New("invalid name")
	ErrDirNotEmpty  = errors.New("directory not empty")
)

// Device errors.
var (
	ErrOutOfRange = errors.New("block index out of range")
	ErrBadLength  = errors.New("data length does not match block size")
	ErrReadOnly   = errors.New("volume mounted read-only")
)

// ConsistencyKind classifies one finding of the read-only checker.
type ConsistencyKind int

const (
	// UnmarkedBlock: a block reachable from a live inode whose bitmap
	// bit is clear.
	UnmarkedBlock ConsistencyKind = iota
	// OrphanedBlock: a used bitmap bit that no live inode nor the
	// metadata regions account for.
	OrphanedBlock
	// LinkCountMismatch: an inode whose recorded link count differs
	// from the number of directory entries referencing it.
	LinkCountMismatch
	// CycleOrDepthExceeded: the walker revisited an inode on the
	// current path or exceeded its depth cap.
	CycleOrDepthExceeded
	// BadInode: a directory entry references an inode that cannot be
	// read, is free, or is out of range.
	BadInode
)

func (k ConsistencyKind) String() string {
	switch k {
	case UnmarkedBlock:
		return "unmarked-block"
	case OrphanedBlock:
		return "orphaned-block"
	case LinkCountMismatch:
		return "link-count-mismatch"
	case CycleOrDepthExceeded:
		return "cycle-or-depth-exceeded"
	case BadInode:
		return "bad-inode"
	default:
		return "unknown"
	}
}

// ConsistencyError is one diagnostic finding. It is produced only by the
// read-only checker, never by mutating operations, and never causes the
// checker to mutate anything in response.
type ConsistencyError struct {
	Kind   ConsistencyKind
	Block  BlockIndex // offending block, when applicable
	Ino    Ino        // offending inode, when applicable
	Path   string     // path the walker was at, when applicable
	Detail string
}

func (e *ConsistencyError) Error() string {
	msg := e.Kind.String()
	if e.Path != "" {
		msg += " at " + e.Path
	}
	if e.Ino != 0 {
		msg += fmt.Sprintf(" ino=%d", e.Ino)
	}
	if e.Kind == UnmarkedBlock || e.Kind == OrphanedBlock {
		msg += fmt.Sprintf(" block=%d", e.Block)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
