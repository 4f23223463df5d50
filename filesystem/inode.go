package filesystem

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/amos-os/amfs"
)

// Inode is one metadata record of the fixed inode table. Block layout is
// an explicit tagged structure: eight direct pointers plus one optional
// single-indirect block of 64-bit pointers, addressed by array index into
// the block space. A zero pointer is a hole and reads back as zeros.
//
// Encoded record (128 bytes, little-endian):
//
//	off  size  field
//	0    2     type (0 free, 1 file, 2 directory, 3 symlink)
//	2    2     link count
//	4    2     mode bits
//	6    2     reserved
//	8    4     uid
//	12   4     gid
//	16   8     size in bytes
//	24   8     atime (unix seconds)
//	32   8     mtime
//	40   8     ctime
//	48   64    direct block pointers [8]uint64
//	112  8     single-indirect block pointer
//	120  4     generation
//	124  4     CRC-32 (IEEE) of bytes [0,124)
//
// A record of all zeroes is a free slot; free slots carry no checksum.
type Inode struct {
	Ino        amfs.Ino
	Type       amfs.FileType
	LinkCount  uint16
	Mode       uint16
	UID        uint32
	GID        uint32
	Size       uint64
	Atime      int64
	Mtime      int64
	Ctime      int64
	Direct     [numDirect]amfs.BlockIndex
	Indirect   amfs.BlockIndex
	Generation uint32
}

// IsDir reports whether the inode is a directory.
func (in *Inode) IsDir() bool { return in.Type == amfs.TypeDirectory }

// blockCount returns how many data blocks the inode's size spans.
func (in *Inode) blockCount(blockSize uint32) uint64 {
	return ceilDiv(in.Size, uint64(blockSize))
}

func (in *Inode) encode(buf []byte) {
	_ = buf[:inodeSize]
	binary.LittleEndian.PutUint16(buf[0:], uint16(in.Type))
	binary.LittleEndian.PutUint16(buf[2:], in.LinkCount)
	binary.LittleEndian.PutUint16(buf[4:], in.Mode)
	binary.LittleEndian.PutUint16(buf[6:], 0)
	binary.LittleEndian.PutUint32(buf[8:], in.UID)
	binary.LittleEndian.PutUint32(buf[12:], in.GID)
	binary.LittleEndian.PutUint64(buf[16:], in.Size)
	binary.LittleEndian.PutUint64(buf[24:], uint64(in.Atime))
	binary.LittleEndian.PutUint64(buf[32:], uint64(in.Mtime))
	binary.LittleEndian.PutUint64(buf[40:], uint64(in.Ctime))
	for i, p := range in.Direct {
		binary.LittleEndian.PutUint64(buf[48+i*8:], uint64(p))
	}
	binary.LittleEndian.PutUint64(buf[112:], uint64(in.Indirect))
	binary.LittleEndian.PutUint32(buf[120:], in.Generation)
	binary.LittleEndian.PutUint32(buf[124:], crc32.ChecksumIEEE(buf[:124]))
}

func decodeInode(ino amfs.Ino, buf []byte) (*Inode, error) {
	_ = buf[:inodeSize]
	typ := amfs.FileType(binary.LittleEndian.Uint16(buf[0:]))
	if typ == amfs.TypeFree {
		return &Inode{Ino: ino, Type: amfs.TypeFree}, nil
	}
	if typ > amfs.TypeSymlink {
		return nil, fmt.Errorf("inode %d type %d: %w", ino, typ, amfs.ErrBadChecksum)
	}
	if sum := crc32.ChecksumIEEE(buf[:124]); sum != binary.LittleEndian.Uint32(buf[124:]) {
		return nil, fmt.Errorf("inode %d: %w", ino, amfs.ErrBadChecksum)
	}
	in := &Inode{
		Ino:        ino,
		Type:       typ,
		LinkCount:  binary.LittleEndian.Uint16(buf[2:]),
		Mode:       binary.LittleEndian.Uint16(buf[4:]),
		UID:        binary.LittleEndian.Uint32(buf[8:]),
		GID:        binary.LittleEndian.Uint32(buf[12:]),
		Size:       binary.LittleEndian.Uint64(buf[16:]),
		Atime:      int64(binary.LittleEndian.Uint64(buf[24:])),
		Mtime:      int64(binary.LittleEndian.Uint64(buf[32:])),
		Ctime:      int64(binary.LittleEndian.Uint64(buf[40:])),
		Indirect:   amfs.BlockIndex(binary.LittleEndian.Uint64(buf[112:])),
		Generation: binary.LittleEndian.Uint32(buf[120:]),
	}
	for i := range in.Direct {
		in.Direct[i] = amfs.BlockIndex(binary.LittleEndian.Uint64(buf[48+i*8:]))
	}
	return in, nil
}
