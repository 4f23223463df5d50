package filesystem

import (
	"fmt"
	"strings"

	"github.com/amos-os/amfs"
)

// splitPath breaks a path into components, dropping empty ones, so
// "/a//b/" and "a/b" both resolve the same way. "." and ".." survive as
// ordinary components: every directory carries real entries for them.
func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, c := range parts {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Resolve walks a path from the root directory to an inode, following
// symlinks everywhere including the terminal component.
func (fs *FileSystem) Resolve(path string) (*Inode, error) {
	return fs.resolve(fs.sb.RootIno, path, true, 0)
}

// ResolveNoFollow is Resolve except a terminal symlink is returned
// as-is instead of being followed.
func (fs *FileSystem) ResolveNoFollow(path string) (*Inode, error) {
	return fs.resolve(fs.sb.RootIno, path, false, 0)
}

// ResolveAt resolves relative to a base directory inode instead of the
// root; an absolute path still restarts from the root.
func (fs *FileSystem) ResolveAt(base amfs.Ino, path string) (*Inode, error) {
	if strings.HasPrefix(path, "/") {
		base = fs.sb.RootIno
	}
	return fs.resolve(base, path, true, 0)
}

// resolve performs the component-by-component walk. Symlink indirection
// is bounded by a depth budget rather than true cycle tracking, capping
// worst-case cost; exhausting it returns amfs.ErrTooManyLinks.
func (fs *FileSystem) resolve(base amfs.Ino, path string, followTerminal bool, depth int) (*Inode, error) {
	comps := splitPath(path)
	cur := base
	for i, comp := range comps {
		dir, err := fs.table.OpenDir(cur)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: component %q: %w", path, comp, err)
		}
		e, err := dir.Lookup(comp)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", path, err)
		}

		terminal := i == len(comps)-1
		if e.Type == amfs.TypeSymlink && (!terminal || followTerminal) {
			if depth >= maxSymlinkDepth {
				return nil, fmt.Errorf("resolve %q: %w", path, amfs.ErrTooManyLinks)
			}
			target, err := fs.readLinkTarget(e.Ino)
			if err != nil {
				return nil, fmt.Errorf("resolve %q: %w", path, err)
			}
			linkBase := cur
			if strings.HasPrefix(target, "/") {
				linkBase = fs.sb.RootIno
			}
			tin, err := fs.resolve(linkBase, target, true, depth+1)
			if err != nil {
				return nil, fmt.Errorf("resolve %q via %q: %w", path, target, err)
			}
			cur = tin.Ino
			continue
		}
		cur = e.Ino
	}
	in, err := fs.table.Lookup(cur)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", path, err)
	}
	return in, nil
}

// readLinkTarget reads a symlink inode's stored target path.
func (fs *FileSystem) readLinkTarget(ino amfs.Ino) (string, error) {
	in, err := fs.table.Lookup(ino)
	if err != nil {
		return "", err
	}
	if in.Type != amfs.TypeSymlink {
		return "", fmt.Errorf("inode %d is a %s, not a symlink", ino, in.Type)
	}
	buf := make([]byte, in.Size)
	if _, err := fs.table.ReadAt(ino, buf, 0); err != nil && len(buf) > 0 {
		return "", err
	}
	return string(buf), nil
}
