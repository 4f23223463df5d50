package disk

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/amos-os/amfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_ReadWrite(t *testing.T) {
	dev, err := NewMemory(512, 8)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0xAB}, 512)
	require.NoError(t, dev.WriteBlock(3, data))

	got, err := dev.ReadBlock(3)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// untouched blocks read back zeroed
	got, err = dev.ReadBlock(0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 512), got)

	// reads return copies, not aliases of the backing store
	got[0] = 0xFF
	again, err := dev.ReadBlock(0)
	require.NoError(t, err)
	assert.Equal(t, byte(0), again[0])
}

func TestMemory_Bounds(t *testing.T) {
	dev, err := NewMemory(512, 8)
	require.NoError(t, err)

	_, err = dev.ReadBlock(8)
	assert.ErrorIs(t, err, amfs.ErrOutOfRange)

	err = dev.WriteBlock(8, make([]byte, 512))
	assert.ErrorIs(t, err, amfs.ErrOutOfRange)

	err = dev.WriteBlock(0, make([]byte, 100))
	assert.ErrorIs(t, err, amfs.ErrBadLength)
}

func TestMemory_Geometry(t *testing.T) {
	_, err := NewMemory(100, 8) // not a power of two
	assert.ErrorIs(t, err, amfs.ErrInconsistentGeometry)

	_, err = NewMemory(256, 8) // below the minimum
	assert.ErrorIs(t, err, amfs.ErrInconsistentGeometry)

	_, err = NewMemory(512, 0)
	assert.ErrorIs(t, err, amfs.ErrInconsistentGeometry)
}

func TestMemory_Close(t *testing.T) {
	dev, err := NewMemory(512, 8)
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	_, err = dev.ReadBlock(0)
	assert.Error(t, err)
	err = dev.WriteBlock(0, make([]byte, 512))
	assert.Error(t, err)
}

func TestFile_CreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")

	dev, err := Create(path, 512, 16)
	require.NoError(t, err)
	data := bytes.Repeat([]byte{0x42}, 512)
	require.NoError(t, dev.WriteBlock(5, data))
	require.NoError(t, dev.Sync())
	require.NoError(t, dev.Close())

	dev2, err := Open(path, 512, false)
	require.NoError(t, err)
	defer dev2.Close()
	assert.Equal(t, uint64(16), dev2.BlockCount(), "block count derived from file size")

	got, err := dev2.ReadBlock(5)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFile_OpenReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")
	dev, err := Create(path, 512, 16)
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	ro, err := Open(path, 512, true)
	require.NoError(t, err)
	defer ro.Close()

	err = ro.WriteBlock(0, make([]byte, 512))
	assert.ErrorIs(t, err, amfs.ErrReadOnly)
	assert.NoError(t, ro.Sync())
}

func TestFile_OpenRejectsUnevenSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")
	dev, err := Create(path, 512, 16)
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	// 16*512 bytes divides into 4 KiB blocks evenly
	_, err = Open(path, 4096, false)
	require.NoError(t, err)

	// 15*512 bytes does not
	dev3, err := Create(path, 512, 15)
	require.NoError(t, err)
	require.NoError(t, dev3.Close())
	_, err = Open(path, 4096, false)
	assert.ErrorIs(t, err, amfs.ErrInconsistentGeometry)
}

func TestFile_Bounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")
	dev, err := Create(path, 512, 4)
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.ReadBlock(4)
	assert.ErrorIs(t, err, amfs.ErrOutOfRange)
	err = dev.WriteBlock(0, make([]byte, 513))
	assert.ErrorIs(t, err, amfs.ErrBadLength)
}
