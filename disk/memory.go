// Package disk provides concrete BlockDevice implementations: an in-RAM
// device for tests and a device backed by a regular image file.
package disk

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/amos-os/amfs"
)

// Memory is a BlockDevice held entirely in RAM. Primarily for tests and
// scratch volumes; contents are lost on Close.
type Memory struct {
	mu         sync.RWMutex
	data       []byte
	blockSize  uint32
	blockCount uint64
	closed     bool
}

var _ amfs.BlockDevice = (*Memory)(nil)

// NewMemory allocates a zeroed in-memory device.
func NewMemory(blockSize uint32, blockCount uint64) (*Memory, error) {
	if err := checkGeometry(blockSize, blockCount); err != nil {
		return nil, err
	}
	return &Memory{
		data:       make([]byte, uint64(blockSize)*blockCount),
		blockSize:  blockSize,
		blockCount: blockCount,
	}, nil
}

func (m *Memory) ReadBlock(index amfs.BlockIndex) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, fmt.Errorf("read block %d: device closed", index)
	}
	if uint64(index) >= m.blockCount {
		return nil, fmt.Errorf("read block %d of %d: %w", index, m.blockCount, amfs.ErrOutOfRange)
	}
	off := uint64(index) * uint64(m.blockSize)
	buf := make([]byte, m.blockSize)
	copy(buf, m.data[off:off+uint64(m.blockSize)])
	return buf, nil
}

func (m *Memory) WriteBlock(index amfs.BlockIndex, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("write block %d: device closed", index)
	}
	if uint64(index) >= m.blockCount {
		return fmt.Errorf("write block %d of %d: %w", index, m.blockCount, amfs.ErrOutOfRange)
	}
	if uint32(len(data)) != m.blockSize {
		return fmt.Errorf("write block %d: got %d bytes, want %d: %w", index, len(data), m.blockSize, amfs.ErrBadLength)
	}
	off := uint64(index) * uint64(m.blockSize)
	copy(m.data[off:], data)
	return nil
}

func (m *Memory) BlockSize() uint32  { return m.blockSize }
func (m *Memory) BlockCount() uint64 { return m.blockCount }

func (m *Memory) Sync() error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}

func checkGeometry(blockSize uint32, blockCount uint64) error {
	if blockSize < 512 || bits.OnesCount32(blockSize) != 1 {
		return fmt.Errorf("block size %d is not a power of two >= 512: %w", blockSize, amfs.ErrInconsistentGeometry)
	}
	if blockCount == 0 {
		return fmt.Errorf("zero block count: %w", amfs.ErrInconsistentGeometry)
	}
	return nil
}
