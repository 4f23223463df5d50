package filesystem

import (
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/amos-os/amfs"
	"github.com/amos-os/amfs/config"
	"github.com/amos-os/amfs/internal/util"
	"github.com/rs/zerolog"
)

// FileSystem is one mount session against an open volume: the device,
// the validated superblock, the allocator, and the inode table, passed
// explicitly to every operation. There is no process-wide state; mount
// initializes a session and Unmount tears it down.
type FileSystem struct {
	dev      amfs.BlockDevice
	sb       *Superblock
	alloc    *Allocator
	table    *InodeTable
	log      zerolog.Logger
	readonly bool
}

// Format initializes a fresh volume on the device and returns it
// mounted. The bitmap, inode table, and root directory are all written
// before the superblock itself, so a crash mid-format leaves an invalid
// signature behind and is detected on the next load instead of
// producing a half-formatted mount.
func Format(dev amfs.BlockDevice, opts *config.FormatOptions) (*FileSystem, error) {
	if opts == nil {
		opts = config.NewDefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("format: %w", err)
	}
	sb, err := newSuperblock(dev, opts)
	if err != nil {
		return nil, fmt.Errorf("format: %w", err)
	}
	log := util.GetLogger("filesystem")
	log.Info().
		Uint64("blocks", sb.BlockCount).
		Uint32("block_size", sb.BlockSize).
		Uint32("inodes", sb.InodeCount).
		Str("volume_id", sb.VolumeID.String()).
		Msg("formatting volume")

	// Invalidate any previous superblock first; until the new one lands
	// the volume is deliberately unmountable.
	if err := dev.WriteBlock(superblockBlock, make([]byte, sb.BlockSize)); err != nil {
		return nil, fmt.Errorf("format: %w", err)
	}

	// Zero the inode table region.
	zero := make([]byte, sb.BlockSize)
	for b := uint64(0); b < sb.InodeTableBlocks(); b++ {
		if err := dev.WriteBlock(sb.InodeTableStart+amfs.BlockIndex(b), zero); err != nil {
			return nil, fmt.Errorf("format: zero inode table: %w", err)
		}
	}

	alloc := newAllocator(dev, sb)
	meta := amfs.BlockRange{Start: 0, Count: uint64(sb.FirstDataBlock())}
	if err := alloc.markUsed(meta); err != nil {
		return nil, fmt.Errorf("format: reserve metadata: %w", err)
	}

	table := newInodeTable(dev, sb, alloc)
	root, err := table.Create(amfs.TypeDirectory)
	if err != nil {
		return nil, fmt.Errorf("format: root directory: %w", err)
	}
	if root.Ino != sb.RootIno {
		return nil, fmt.Errorf("format: root landed on inode %d, want %d", root.Ino, sb.RootIno)
	}
	// The root has no parent entry; its one link is the volume's own
	// binding of "/".
	root.LinkCount = 1
	rootMu := table.lockFor(root.Ino)
	rootMu.Lock()
	err = table.writeSlot(root)
	rootMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("format: root directory: %w", err)
	}

	// Everything below the superblock is in place; now make the volume
	// mountable.
	if err := sb.write(dev); err != nil {
		return nil, fmt.Errorf("format: %w", err)
	}
	if err := dev.Sync(); err != nil {
		return nil, fmt.Errorf("format: %w", err)
	}
	return &FileSystem{dev: dev, sb: sb, alloc: alloc, table: table, log: log}, nil
}

// Mount opens an existing volume for reading and writing. The mount
// generation counter is bumped and persisted immediately.
func Mount(dev amfs.BlockDevice) (*FileSystem, error) {
	return mount(dev, false)
}

// MountReadOnly opens an existing volume without ever writing to it;
// the generation counter is untouched. This is the mode the dump and
// fsck tools use.
func MountReadOnly(dev amfs.BlockDevice) (*FileSystem, error) {
	return mount(dev, true)
}

func mount(dev amfs.BlockDevice, readonly bool) (*FileSystem, error) {
	sb, err := LoadSuperblock(dev)
	if err != nil {
		return nil, err
	}
	alloc, err := loadAllocator(dev, sb)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	fs := &FileSystem{
		dev:      dev,
		sb:       sb,
		alloc:    alloc,
		table:    newInodeTable(dev, sb, alloc),
		log:      util.GetLogger("filesystem"),
		readonly: readonly,
	}
	if !readonly {
		sb.Generation++
		if err := sb.write(dev); err != nil {
			return nil, fmt.Errorf("mount: %w", err)
		}
	}
	fs.log.Info().
		Str("volume_id", sb.VolumeID.String()).
		Uint64("generation", sb.Generation).
		Bool("readonly", readonly).
		Msg("volume mounted")
	return fs, nil
}

// Unmount flushes the superblock and syncs the device. The session must
// not be used afterwards.
func (fs *FileSystem) Unmount() error {
	if !fs.readonly {
		if err := fs.sb.write(fs.dev); err != nil {
			return fmt.Errorf("unmount: %w", err)
		}
	}
	if err := fs.dev.Sync(); err != nil {
		return fmt.Errorf("unmount: %w", err)
	}
	fs.log.Info().Str("volume_id", fs.sb.VolumeID.String()).Msg("volume unmounted")
	return nil
}

// Superblock returns a copy of the mounted superblock.
func (fs *FileSystem) Superblock() Superblock { return *fs.sb }

// Root returns the root directory's inode number.
func (fs *FileSystem) Root() amfs.Ino { return fs.sb.RootIno }

// Table exposes the inode table, mainly for the read-only checker.
func (fs *FileSystem) Table() *InodeTable { return fs.table }

// Allocator exposes the block allocator, mainly for the read-only
// checker and tests.
func (fs *FileSystem) Allocator() *Allocator { return fs.alloc }

func (fs *FileSystem) writable() error {
	if fs.readonly {
		return amfs.ErrReadOnly
	}
	return nil
}

// splitParent returns the parent directory path and the final name
// component.
func splitParent(p string) (string, string) {
	dir, name := path.Split(path.Clean("/" + p))
	return dir, name
}

// parentDir resolves the parent directory of a path.
func (fs *FileSystem) parentDir(p string) (*Directory, string, error) {
	dirPath, name := splitParent(p)
	if name == "" {
		return nil, "", fmt.Errorf("path %q: %w", p, amfs.ErrInvalidName)
	}
	in, err := fs.Resolve(dirPath)
	if err != nil {
		return nil, "", err
	}
	d, err := fs.table.OpenDir(in.Ino)
	if err != nil {
		return nil, "", err
	}
	return d, name, nil
}

// Create makes an empty regular file. Fails with amfs.ErrNameExists if
// the name is already bound.
func (fs *FileSystem) Create(p string) (*Inode, error) {
	if err := fs.writable(); err != nil {
		return nil, err
	}
	d, name, err := fs.parentDir(p)
	if err != nil {
		return nil, err
	}
	in, err := fs.table.Create(amfs.TypeFile)
	if err != nil {
		return nil, err
	}
	if err := d.Insert(name, in.Ino, amfs.TypeFile); err != nil {
		fs.discardUnlinked(in.Ino)
		return nil, err
	}
	return fs.table.Lookup(in.Ino)
}

// Mkdir makes a directory. Its ".." entry is rewired to the parent once
// it is linked in.
func (fs *FileSystem) Mkdir(p string) (*Inode, error) {
	if err := fs.writable(); err != nil {
		return nil, err
	}
	d, name, err := fs.parentDir(p)
	if err != nil {
		return nil, err
	}
	in, err := fs.table.Create(amfs.TypeDirectory)
	if err != nil {
		return nil, err
	}
	if err := d.Insert(name, in.Ino, amfs.TypeDirectory); err != nil {
		fs.discardUnlinked(in.Ino)
		return nil, err
	}
	if err := fs.table.setDotDot(in.Ino, d.Ino()); err != nil {
		return nil, err
	}
	return fs.table.Lookup(in.Ino)
}

// Symlink stores target under a new symlink at p. The target is not
// required to exist.
func (fs *FileSystem) Symlink(target, p string) (*Inode, error) {
	if err := fs.writable(); err != nil {
		return nil, err
	}
	if target == "" {
		return nil, fmt.Errorf("empty symlink target: %w", amfs.ErrInvalidName)
	}
	d, name, err := fs.parentDir(p)
	if err != nil {
		return nil, err
	}
	in, err := fs.table.Create(amfs.TypeSymlink)
	if err != nil {
		return nil, err
	}
	if _, err := fs.table.WriteAt(in.Ino, []byte(target), 0); err != nil {
		fs.discardUnlinked(in.Ino)
		return nil, err
	}
	if err := d.Insert(name, in.Ino, amfs.TypeSymlink); err != nil {
		fs.discardUnlinked(in.Ino)
		return nil, err
	}
	return fs.table.Lookup(in.Ino)
}

// Link adds a hard link to an existing file. Directories cannot be hard
// linked.
func (fs *FileSystem) Link(existing, newPath string) error {
	if err := fs.writable(); err != nil {
		return err
	}
	in, err := fs.Resolve(existing)
	if err != nil {
		return err
	}
	if in.IsDir() {
		return fmt.Errorf("link %q: %w", existing, amfs.ErrIsDirectory)
	}
	d, name, err := fs.parentDir(newPath)
	if err != nil {
		return err
	}
	return d.Insert(name, in.Ino, in.Type)
}

// Remove unlinks a file, symlink, or empty directory.
func (fs *FileSystem) Remove(p string) error {
	if err := fs.writable(); err != nil {
		return err
	}
	d, name, err := fs.parentDir(p)
	if err != nil {
		return err
	}
	_, err = d.Remove(name)
	return err
}

// Stat resolves a path and returns its inode metadata, following
// symlinks.
func (fs *FileSystem) Stat(p string) (*Inode, error) {
	return fs.Resolve(p)
}

// ReadDir lists a directory's entries, pseudo-entries excluded.
func (fs *FileSystem) ReadDir(p string) ([]amfs.DirEntry, error) {
	in, err := fs.Resolve(p)
	if err != nil {
		return nil, err
	}
	d, err := fs.table.OpenDir(in.Ino)
	if err != nil {
		return nil, err
	}
	var out []amfs.DirEntry
	for e, err := range d.List() {
		if err != nil {
			return nil, err
		}
		if !e.IsPseudo() {
			out = append(out, e)
		}
	}
	return out, nil
}

// WriteFile writes data to a file, creating it when missing and
// truncating any previous contents.
func (fs *FileSystem) WriteFile(p string, data []byte) error {
	if err := fs.writable(); err != nil {
		return err
	}
	in, err := fs.Resolve(p)
	switch {
	case errors.Is(err, amfs.ErrNotFound):
		if in, err = fs.Create(p); err != nil {
			return err
		}
	case err != nil:
		return err
	case in.IsDir():
		return fmt.Errorf("write %q: %w", p, amfs.ErrIsDirectory)
	default:
		if err := fs.table.Resize(in.Ino, 0); err != nil {
			return err
		}
	}
	if _, err := fs.table.WriteAt(in.Ino, data, 0); err != nil {
		return err
	}
	return nil
}

// ReadFile reads a file's full contents.
func (fs *FileSystem) ReadFile(p string) ([]byte, error) {
	in, err := fs.Resolve(p)
	if err != nil {
		return nil, err
	}
	if in.IsDir() {
		return nil, fmt.Errorf("read %q: %w", p, amfs.ErrIsDirectory)
	}
	buf := make([]byte, in.Size)
	if len(buf) == 0 {
		return buf, nil
	}
	if _, err := fs.table.ReadAt(in.Ino, buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// Truncate resizes a file.
func (fs *FileSystem) Truncate(p string, size uint64) error {
	if err := fs.writable(); err != nil {
		return err
	}
	in, err := fs.Resolve(p)
	if err != nil {
		return err
	}
	if in.IsDir() {
		return fmt.Errorf("truncate %q: %w", p, amfs.ErrIsDirectory)
	}
	return fs.table.Resize(in.Ino, size)
}

// Readlink returns a symlink's target.
func (fs *FileSystem) Readlink(p string) (string, error) {
	in, err := fs.ResolveNoFollow(p)
	if err != nil {
		return "", err
	}
	return fs.readLinkTarget(in.Ino)
}

// Touch updates a path's access and modification times to now.
func (fs *FileSystem) Touch(p string) error {
	if err := fs.writable(); err != nil {
		return err
	}
	in, err := fs.Resolve(p)
	if err != nil {
		return err
	}
	mu := fs.table.lockFor(in.Ino)
	mu.Lock()
	defer mu.Unlock()
	cur, err := fs.table.readSlot(in.Ino)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	cur.Atime = now
	cur.Mtime = now
	return fs.table.writeSlot(cur)
}

// discardUnlinked deletes an inode that was created but never linked,
// after a failed compound operation. Best-effort: the volume stays
// consistent either way, the slot is simply still allocated.
func (fs *FileSystem) discardUnlinked(ino amfs.Ino) {
	if err := fs.table.Delete(ino); err != nil {
		fs.log.Warn().Err(err).Uint32("ino", uint32(ino)).Msg("could not discard unlinked inode")
	}
}
