package filesystem

import (
	"fmt"
	"io"
	"time"

	"github.com/amos-os/amfs"
)

// ReadAt reads up to len(p) bytes of an inode's data starting at byte
// offset off. Reads past the recorded size return io.EOF; holes read as
// zeros. Takes the inode's read lock only.
func (t *InodeTable) ReadAt(ino amfs.Ino, p []byte, off uint64) (int, error) {
	mu := t.lockFor(ino)
	mu.RLock()
	defer mu.RUnlock()

	in, err := t.readSlot(ino)
	if err != nil {
		return 0, err
	}
	if in.Type == amfs.TypeFree {
		return 0, fmt.Errorf("inode %d: %w", ino, amfs.ErrInodeFree)
	}
	if off >= in.Size {
		return 0, io.EOF
	}
	want := len(p)
	if off+uint64(len(p)) > in.Size {
		p = p[:in.Size-off]
	}

	bs := uint64(t.sb.BlockSize)
	n := 0
	for n < len(p) {
		bi := (off + uint64(n)) / bs
		within := (off + uint64(n)) % bs
		chunk := int(bs - within)
		if chunk > len(p)-n {
			chunk = len(p) - n
		}
		blk, err := t.blockAt(in, bi)
		if err != nil {
			return n, err
		}
		if blk == 0 {
			clear(p[n : n+chunk])
		} else {
			buf, err := t.dev.ReadBlock(blk)
			if err != nil {
				return n, fmt.Errorf("read inode %d data: %w", ino, err)
			}
			copy(p[n:n+chunk], buf[within:])
		}
		n += chunk
	}
	if n < want {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes len(p) bytes at byte offset off, growing the inode
// first when the write extends past its current size. Holds the inode's
// write lock for the whole operation.
func (t *InodeTable) WriteAt(ino amfs.Ino, p []byte, off uint64) (int, error) {
	mu := t.lockFor(ino)
	mu.Lock()
	defer mu.Unlock()

	in, err := t.readSlot(ino)
	if err != nil {
		return 0, err
	}
	if in.Type == amfs.TypeFree {
		return 0, fmt.Errorf("inode %d: %w", ino, amfs.ErrInodeFree)
	}
	if end := off + uint64(len(p)); end > in.Size {
		if err := t.resizeLocked(in, end); err != nil {
			return 0, err
		}
	}

	bs := uint64(t.sb.BlockSize)
	n := 0
	for n < len(p) {
		bi := (off + uint64(n)) / bs
		within := (off + uint64(n)) % bs
		chunk := int(bs - within)
		if chunk > len(p)-n {
			chunk = len(p) - n
		}
		blk, err := t.blockAt(in, bi)
		if err != nil {
			return n, err
		}
		if blk == 0 {
			return n, fmt.Errorf("write inode %d: unexpected hole at block %d", ino, bi)
		}
		if within == 0 && chunk == int(bs) {
			if err := t.dev.WriteBlock(blk, p[n:n+chunk]); err != nil {
				return n, fmt.Errorf("write inode %d data: %w", ino, err)
			}
		} else {
			buf, err := t.dev.ReadBlock(blk)
			if err != nil {
				return n, fmt.Errorf("write inode %d data: %w", ino, err)
			}
			copy(buf[within:], p[n:n+chunk])
			if err := t.dev.WriteBlock(blk, buf); err != nil {
				return n, fmt.Errorf("write inode %d data: %w", ino, err)
			}
		}
		n += chunk
	}

	in.Mtime = time.Now().Unix()
	if err := t.writeSlot(in); err != nil {
		return n, err
	}
	return n, nil
}
