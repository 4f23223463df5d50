// Package filesystem implements the AMFS volume engine: superblock
// parsing and validation, block allocation over a persistent bitmap, the
// fixed inode table, directory indexing, and path traversal. All I/O
// goes through the amfs.BlockDevice interface; the package performs no
// raw sector access.
package filesystem

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math/bits"

	"github.com/amos-os/amfs"
	"github.com/amos-os/amfs/config"
	"github.com/google/uuid"
)

// FormatVersion is the on-disk layout version this engine reads and
// writes. Any layout change bumps it; LoadSuperblock rejects versions it
// does not know.
const FormatVersion = 1

// On-disk layout constants, format version 1. Little-endian throughout.
const (
	superblockBlock = 0   // fixed superblock location
	superblockSize  = 112 // encoded superblock bytes, incl. checksum

	inodeSize  = 128 // bytes per inode table record
	direntSize = 64  // bytes per directory entry slot

	// MaxNameLen is the longest directory entry name, bounded by the
	// fixed 64-byte slot format.
	MaxNameLen = 54

	// numDirect is the count of direct block pointers per inode; files
	// beyond numDirect blocks spill into one single-indirect block.
	numDirect = 8

	// RootIno is the root directory's inode number on every volume.
	RootIno amfs.Ino = 1

	maxSymlinkDepth = 16
)

// signature identifies an AMFS volume. First 8 bytes of block 0.
var signature = [8]byte{'a', 'm', 'f', 's', 'd', 'i', 's', 'k'}

// Superblock is the fixed-location root descriptor of a volume: its
// geometry, the location of the allocation bitmap and inode table
// regions, and the root directory pointer.
//
// Encoded layout (block 0, little-endian):
//
//	off  size  field
//	0    8     signature "amfsdisk"
//	8    4     format version
//	12   4     block size
//	16   8     block count
//	24   8     bitmap start block
//	32   4     bitmap block count
//	36   8     inode table start block
//	44   4     inode count
//	48   4     root inode number
//	52   8     generation
//	60   16    volume UUID
//	76   32    label, NUL padded
//	108  4     CRC-32 (IEEE) of bytes [0,108)
type Superblock struct {
	Version         uint32
	BlockSize       uint32
	BlockCount      uint64
	BitmapStart     amfs.BlockIndex
	BitmapBlocks    uint32
	InodeTableStart amfs.BlockIndex
	InodeCount      uint32
	RootIno         amfs.Ino
	Generation      uint64
	VolumeID        uuid.UUID
	Label           string
}

// InodeTableBlocks returns the size of the inode table region in blocks.
func (sb *Superblock) InodeTableBlocks() uint64 {
	return ceilDiv(uint64(sb.InodeCount)*inodeSize, uint64(sb.BlockSize))
}

// FirstDataBlock returns the first block the allocator may hand out.
func (sb *Superblock) FirstDataBlock() amfs.BlockIndex {
	return sb.InodeTableStart + amfs.BlockIndex(sb.InodeTableBlocks())
}

// IsMetadata reports whether block i belongs to the superblock, bitmap,
// or inode table regions reserved at format time.
func (sb *Superblock) IsMetadata(i amfs.BlockIndex) bool {
	return i < sb.FirstDataBlock()
}

func (sb *Superblock) encode() []byte {
	buf := make([]byte, superblockSize)
	copy(buf[0:8], signature[:])
	binary.LittleEndian.PutUint32(buf[8:], sb.Version)
	binary.LittleEndian.PutUint32(buf[12:], sb.BlockSize)
	binary.LittleEndian.PutUint64(buf[16:], sb.BlockCount)
	binary.LittleEndian.PutUint64(buf[24:], uint64(sb.BitmapStart))
	binary.LittleEndian.PutUint32(buf[32:], sb.BitmapBlocks)
	binary.LittleEndian.PutUint64(buf[36:], uint64(sb.InodeTableStart))
	binary.LittleEndian.PutUint32(buf[44:], sb.InodeCount)
	binary.LittleEndian.PutUint32(buf[48:], uint32(sb.RootIno))
	binary.LittleEndian.PutUint64(buf[52:], sb.Generation)
	copy(buf[60:76], sb.VolumeID[:])
	copy(buf[76:108], sb.Label)
	binary.LittleEndian.PutUint32(buf[108:], crc32.ChecksumIEEE(buf[:108]))
	return buf
}

func decodeSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < superblockSize {
		return nil, fmt.Errorf("superblock truncated at %d bytes: %w", len(buf), amfs.ErrInconsistentGeometry)
	}
	if [8]byte(buf[0:8]) != signature {
		return nil, fmt.Errorf("signature %q: %w", buf[0:8], amfs.ErrBadMagic)
	}
	if sum := crc32.ChecksumIEEE(buf[:108]); sum != binary.LittleEndian.Uint32(buf[108:]) {
		return nil, fmt.Errorf("superblock: %w", amfs.ErrBadChecksum)
	}
	sb := &Superblock{
		Version:         binary.LittleEndian.Uint32(buf[8:]),
		BlockSize:       binary.LittleEndian.Uint32(buf[12:]),
		BlockCount:      binary.LittleEndian.Uint64(buf[16:]),
		BitmapStart:     amfs.BlockIndex(binary.LittleEndian.Uint64(buf[24:])),
		BitmapBlocks:    binary.LittleEndian.Uint32(buf[32:]),
		InodeTableStart: amfs.BlockIndex(binary.LittleEndian.Uint64(buf[36:])),
		InodeCount:      binary.LittleEndian.Uint32(buf[44:]),
		RootIno:         amfs.Ino(binary.LittleEndian.Uint32(buf[48:])),
		Generation:      binary.LittleEndian.Uint64(buf[52:]),
	}
	copy(sb.VolumeID[:], buf[60:76])
	label := buf[76:108]
	end := 0
	for end < len(label) && label[end] != 0 {
		end++
	}
	sb.Label = string(label[:end])
	if sb.Version != FormatVersion {
		return nil, fmt.Errorf("version %d: %w", sb.Version, amfs.ErrUnsupportedVersion)
	}
	return sb, nil
}

// LoadSuperblock reads and validates the superblock at block 0. It fails
// rather than proceed on a bad signature, unknown version, checksum
// mismatch, or geometry that disagrees with the device.
func LoadSuperblock(dev amfs.BlockDevice) (*Superblock, error) {
	buf, err := dev.ReadBlock(superblockBlock)
	if err != nil {
		return nil, fmt.Errorf("load superblock: %w", err)
	}
	sb, err := decodeSuperblock(buf)
	if err != nil {
		return nil, fmt.Errorf("load superblock: %w", err)
	}
	if err := sb.validateGeometry(dev); err != nil {
		return nil, fmt.Errorf("load superblock: %w", err)
	}
	return sb, nil
}

func (sb *Superblock) validateGeometry(dev amfs.BlockDevice) error {
	if sb.BlockSize < config.MinBlockSize || bits.OnesCount32(sb.BlockSize) != 1 {
		return fmt.Errorf("block size %d not a power of two >= %d: %w",
			sb.BlockSize, config.MinBlockSize, amfs.ErrInconsistentGeometry)
	}
	if sb.BlockSize != dev.BlockSize() {
		return fmt.Errorf("block size %d vs device %d: %w", sb.BlockSize, dev.BlockSize(), amfs.ErrInconsistentGeometry)
	}
	if sb.BlockCount == 0 || sb.BlockCount > dev.BlockCount() {
		return fmt.Errorf("block count %d vs device %d: %w", sb.BlockCount, dev.BlockCount(), amfs.ErrInconsistentGeometry)
	}
	wantBitmap := uint32(ceilDiv(sb.BlockCount, uint64(sb.BlockSize)*8))
	if sb.BitmapStart != superblockBlock+1 || sb.BitmapBlocks != wantBitmap {
		return fmt.Errorf("bitmap region [%d,+%d), want [1,+%d): %w",
			sb.BitmapStart, sb.BitmapBlocks, wantBitmap, amfs.ErrInconsistentGeometry)
	}
	if sb.InodeTableStart != sb.BitmapStart+amfs.BlockIndex(sb.BitmapBlocks) || sb.InodeCount == 0 {
		return fmt.Errorf("inode table start %d, %d inodes: %w",
			sb.InodeTableStart, sb.InodeCount, amfs.ErrInconsistentGeometry)
	}
	if uint64(sb.FirstDataBlock()) >= sb.BlockCount {
		return fmt.Errorf("metadata regions cover all %d blocks: %w", sb.BlockCount, amfs.ErrInconsistentGeometry)
	}
	if sb.RootIno == 0 || uint32(sb.RootIno) > sb.InodeCount {
		return fmt.Errorf("root inode %d of %d: %w", sb.RootIno, sb.InodeCount, amfs.ErrInconsistentGeometry)
	}
	return nil
}

// newSuperblock lays out a fresh volume from format options and the
// device geometry.
func newSuperblock(dev amfs.BlockDevice, opts *config.FormatOptions) (*Superblock, error) {
	if opts.BlockSize != dev.BlockSize() {
		return nil, fmt.Errorf("option block size %d vs device %d: %w",
			opts.BlockSize, dev.BlockSize(), amfs.ErrInconsistentGeometry)
	}
	sb := &Superblock{
		Version:      FormatVersion,
		BlockSize:    opts.BlockSize,
		BlockCount:   dev.BlockCount(),
		BitmapStart:  superblockBlock + 1,
		BitmapBlocks: uint32(ceilDiv(dev.BlockCount(), uint64(opts.BlockSize)*8)),
		InodeCount:   opts.InodeCount,
		RootIno:      RootIno,
		Generation:   1,
		VolumeID:     uuid.New(),
		Label:        opts.Label,
	}
	sb.InodeTableStart = sb.BitmapStart + amfs.BlockIndex(sb.BitmapBlocks)
	if uint64(sb.FirstDataBlock()) >= sb.BlockCount {
		return nil, fmt.Errorf("%d blocks leave no data region after metadata: %w",
			sb.BlockCount, amfs.ErrInconsistentGeometry)
	}
	return sb, nil
}

func (sb *Superblock) write(dev amfs.BlockDevice) error {
	block := make([]byte, sb.BlockSize)
	copy(block, sb.encode())
	if err := dev.WriteBlock(superblockBlock, block); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}
	return nil
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}
