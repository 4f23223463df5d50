package disk

import (
	"fmt"
	"os"

	"github.com/amos-os/amfs"
)

// File is a BlockDevice backed by a regular image file. Block I/O maps
// directly onto ReadAt/WriteAt at index*blockSize.
type File struct {
	f          *os.File
	blockSize  uint32
	blockCount uint64
	readonly   bool
}

var _ amfs.BlockDevice = (*File)(nil)

// Create makes (or truncates) an image file sized blockSize*blockCount.
func Create(path string, blockSize uint32, blockCount uint64) (*File, error) {
	if err := checkGeometry(blockSize, blockCount); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create image %s: %w", path, err)
	}
	if err := f.Truncate(int64(blockSize) * int64(blockCount)); err != nil {
		f.Close()
		return nil, fmt.Errorf("size image %s: %w", path, err)
	}
	return &File{f: f, blockSize: blockSize, blockCount: blockCount}, nil
}

// Open opens an existing image. The block count is derived from the file
// size, which must be an exact multiple of blockSize.
func Open(path string, blockSize uint32, readonly bool) (*File, error) {
	flags := os.O_RDWR
	if readonly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat image %s: %w", path, err)
	}
	size := st.Size()
	if size <= 0 || size%int64(blockSize) != 0 {
		f.Close()
		return nil, fmt.Errorf("image %s size %d is not a multiple of block size %d: %w",
			path, size, blockSize, amfs.ErrInconsistentGeometry)
	}
	blockCount := uint64(size) / uint64(blockSize)
	if err := checkGeometry(blockSize, blockCount); err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, blockSize: blockSize, blockCount: blockCount, readonly: readonly}, nil
}

func (d *File) ReadBlock(index amfs.BlockIndex) ([]byte, error) {
	if uint64(index) >= d.blockCount {
		return nil, fmt.Errorf("read block %d of %d: %w", index, d.blockCount, amfs.ErrOutOfRange)
	}
	buf := make([]byte, d.blockSize)
	if _, err := d.f.ReadAt(buf, int64(index)*int64(d.blockSize)); err != nil {
		return nil, fmt.Errorf("read block %d: %w", index, err)
	}
	return buf, nil
}

func (d *File) WriteBlock(index amfs.BlockIndex, data []byte) error {
	if d.readonly {
		return fmt.Errorf("write block %d: %w", index, amfs.ErrReadOnly)
	}
	if uint64(index) >= d.blockCount {
		return fmt.Errorf("write block %d of %d: %w", index, d.blockCount, amfs.ErrOutOfRange)
	}
	if uint32(len(data)) != d.blockSize {
		return fmt.Errorf("write block %d: got %d bytes, want %d: %w", index, len(data), d.blockSize, amfs.ErrBadLength)
	}
	if _, err := d.f.WriteAt(data, int64(index)*int64(d.blockSize)); err != nil {
		return fmt.Errorf("write block %d: %w", index, err)
	}
	return nil
}

func (d *File) BlockSize() uint32  { return d.blockSize }
func (d *File) BlockCount() uint64 { return d.blockCount }

func (d *File) Sync() error {
	if d.readonly {
		return nil
	}
	return d.f.Sync()
}

func (d *File) Close() error { return d.f.Close() }
