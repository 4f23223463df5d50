package amfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockRange(t *testing.T) {
	r := BlockRange{Start: 10, Count: 4}
	assert.Equal(t, BlockIndex(14), r.End())
	assert.True(t, r.Contains(10))
	assert.True(t, r.Contains(13))
	assert.False(t, r.Contains(14))
	assert.False(t, r.Contains(9))
}

func TestFileTypeString(t *testing.T) {
	assert.Equal(t, "free", TypeFree.String())
	assert.Equal(t, "file", TypeFile.String())
	assert.Equal(t, "directory", TypeDirectory.String())
	assert.Equal(t, "symlink", TypeSymlink.String())
	assert.Equal(t, "unknown", FileType(99).String())
}

func TestDirEntryIsPseudo(t *testing.T) {
	assert.True(t, DirEntry{Name: "."}.IsPseudo())
	assert.True(t, DirEntry{Name: ".."}.IsPseudo())
	assert.False(t, DirEntry{Name: "..."}.IsPseudo())
	assert.False(t, DirEntry{Name: "a"}.IsPseudo())
}

func TestConsistencyErrorMessage(t *testing.T) {
	e := &ConsistencyError{Kind: UnmarkedBlock, Block: 42, Ino: 7, Path: "/a", Detail: "oops"}
	msg := e.Error()
	assert.Contains(t, msg, "unmarked-block")
	assert.Contains(t, msg, "at /a")
	assert.Contains(t, msg, "ino=7")
	assert.Contains(t, msg, "block=42")
	assert.Contains(t, msg, "oops")

	assert.Equal(t, "orphaned-block block=3",
		(&ConsistencyError{Kind: OrphanedBlock, Block: 3}).Error())
}
