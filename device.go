package amfs

// BlockDevice is the only I/O surface the filesystem core touches. The
// concrete transport (image file, RAM, remote volume) lives behind it;
// the core never performs raw sector I/O itself.
//
// Implementations must be safe for concurrent use: the engine issues
// reads and writes from multiple goroutines.
type BlockDevice interface {
	// ReadBlock returns the full contents of one block. The returned
	// slice is owned by the caller.
	ReadBlock(index BlockIndex) ([]byte, error)

	// WriteBlock overwrites one block. len(data) must equal BlockSize.
	WriteBlock(index BlockIndex, data []byte) error

	// BlockSize is the fixed atomic unit of the device, a power of two.
	BlockSize() uint32

	// BlockCount is the number of addressable blocks.
	BlockCount() uint64

	// Sync flushes any buffered writes to stable storage.
	Sync() error

	// Close releases the device. The device is unusable afterwards.
	Close() error
}
