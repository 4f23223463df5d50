package filesystem

import (
	"testing"

	"github.com/amos-os/amfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_Basic(t *testing.T) {
	fs, _ := newTestFS(t, 256)

	_, err := fs.Mkdir("/a")
	require.NoError(t, err)
	_, err = fs.Mkdir("/a/b")
	require.NoError(t, err)
	want, err := fs.Create("/a/b/c.txt")
	require.NoError(t, err)

	in, err := fs.Resolve("/a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, want.Ino, in.Ino)
	assert.Equal(t, amfs.TypeFile, in.Type)

	// redundant separators collapse
	in, err = fs.Resolve("//a///b/c.txt/")
	require.NoError(t, err)
	assert.Equal(t, want.Ino, in.Ino)

	root, err := fs.Resolve("/")
	require.NoError(t, err)
	assert.Equal(t, fs.Root(), root.Ino)
}

func TestResolve_DotComponents(t *testing.T) {
	fs, _ := newTestFS(t, 256)

	_, err := fs.Mkdir("/a")
	require.NoError(t, err)
	want, err := fs.Create("/a/f")
	require.NoError(t, err)

	in, err := fs.Resolve("/a/./f")
	require.NoError(t, err)
	assert.Equal(t, want.Ino, in.Ino)

	in, err = fs.Resolve("/a/../a/f")
	require.NoError(t, err)
	assert.Equal(t, want.Ino, in.Ino)
}

func TestResolve_Errors(t *testing.T) {
	fs, _ := newTestFS(t, 256)

	_, err := fs.Create("/f.txt")
	require.NoError(t, err)

	_, err = fs.Resolve("/missing")
	assert.ErrorIs(t, err, amfs.ErrNotFound)

	_, err = fs.Resolve("/f.txt/x")
	assert.ErrorIs(t, err, amfs.ErrNotDirectory)
}

func TestResolveAt(t *testing.T) {
	fs, _ := newTestFS(t, 256)

	a, err := fs.Mkdir("/a")
	require.NoError(t, err)
	want, err := fs.Create("/a/f")
	require.NoError(t, err)

	in, err := fs.ResolveAt(a.Ino, "f")
	require.NoError(t, err)
	assert.Equal(t, want.Ino, in.Ino)

	// absolute path ignores the base
	in, err = fs.ResolveAt(a.Ino, "/a/f")
	require.NoError(t, err)
	assert.Equal(t, want.Ino, in.Ino)
}

func TestResolve_FollowsSymlinks(t *testing.T) {
	fs, _ := newTestFS(t, 256)

	_, err := fs.Mkdir("/data")
	require.NoError(t, err)
	want, err := fs.Create("/data/real.txt")
	require.NoError(t, err)
	_, err = fs.Symlink("/data/real.txt", "/abs")
	require.NoError(t, err)
	_, err = fs.Symlink("real.txt", "/data/rel")
	require.NoError(t, err)

	in, err := fs.Resolve("/abs")
	require.NoError(t, err)
	assert.Equal(t, want.Ino, in.Ino)

	// relative targets resolve against the link's directory
	in, err = fs.Resolve("/data/rel")
	require.NoError(t, err)
	assert.Equal(t, want.Ino, in.Ino)

	// symlink to a directory in the middle of a path
	_, err = fs.Symlink("/data", "/d")
	require.NoError(t, err)
	in, err = fs.Resolve("/d/real.txt")
	require.NoError(t, err)
	assert.Equal(t, want.Ino, in.Ino)
}

func TestResolveNoFollow(t *testing.T) {
	fs, _ := newTestFS(t, 256)

	_, err := fs.Create("/target")
	require.NoError(t, err)
	link, err := fs.Symlink("/target", "/link")
	require.NoError(t, err)

	in, err := fs.ResolveNoFollow("/link")
	require.NoError(t, err)
	assert.Equal(t, link.Ino, in.Ino)
	assert.Equal(t, amfs.TypeSymlink, in.Type)

	got, err := fs.Readlink("/link")
	require.NoError(t, err)
	assert.Equal(t, "/target", got)

	_, err = fs.Readlink("/target")
	assert.Error(t, err)
}

func TestResolve_SymlinkCycle(t *testing.T) {
	fs, _ := newTestFS(t, 256)

	_, err := fs.Symlink("/b", "/a")
	require.NoError(t, err)
	_, err = fs.Symlink("/a", "/b")
	require.NoError(t, err)

	_, err = fs.Resolve("/a")
	assert.ErrorIs(t, err, amfs.ErrTooManyLinks)
}

func TestResolve_SymlinkChainWithinBudget(t *testing.T) {
	fs, _ := newTestFS(t, 256)

	want, err := fs.Create("/end")
	require.NoError(t, err)
	prev := "/end"
	for i := 0; i < maxSymlinkDepth-1; i++ {
		name := string(rune('a'+i)) + "lnk"
		_, err := fs.Symlink(prev, "/"+name)
		require.NoError(t, err)
		prev = "/" + name
	}

	in, err := fs.Resolve(prev)
	require.NoError(t, err)
	assert.Equal(t, want.Ino, in.Ino)
}

func TestResolve_DanglingSymlink(t *testing.T) {
	fs, _ := newTestFS(t, 256)

	_, err := fs.Symlink("/nowhere", "/dangling")
	require.NoError(t, err)

	_, err = fs.Resolve("/dangling")
	assert.ErrorIs(t, err, amfs.ErrNotFound)

	// the link itself still resolves without following
	in, err := fs.ResolveNoFollow("/dangling")
	require.NoError(t, err)
	assert.Equal(t, amfs.TypeSymlink, in.Type)
}
