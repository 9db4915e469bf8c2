package flash

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDeviceCreatesErasedImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	layout := Uniform(0x08000000, 0x1000, 4, 0x10)

	d, err := OpenFile(path, layout)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0x4000), st.Size())

	got := make([]byte, 0x40)
	require.NoError(t, d.Read(0x08001000, got))
	assert.Equal(t, bytes.Repeat([]byte{ErasedByte}, 0x40), got)
}

func TestFileDeviceWriteEraseCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	layout := Uniform(0, 0x1000, 2, 0x10)

	d, err := OpenFile(path, layout, WithLock(false))
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x12, 0x34, 0x56, 0x78}, 8)
	require.NoError(t, d.Write(0x1010, payload))
	assert.ErrorIs(t, d.Write(0x1010, bytes.Repeat([]byte{0xFF}, 0x10)), ErrWriteRequiresErase)
	require.NoError(t, d.Sync())
	require.NoError(t, d.Close())

	// data survives a reopen
	d, err = OpenFile(path, layout)
	require.NoError(t, err)
	got := make([]byte, len(payload))
	require.NoError(t, d.Read(0x1010, got))
	assert.Equal(t, payload, got)

	require.NoError(t, d.Erase(0x1000, 0x1000))
	require.NoError(t, d.Read(0x1010, got))
	assert.Equal(t, bytes.Repeat([]byte{ErasedByte}, len(payload)), got)

	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Read(0, got), ErrClosed)
}

func TestFileDeviceDirectIOSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	_, err := OpenFile(path, Uniform(0, 0x100, 1, 0x10), WithDirectIO(true))
	assert.Error(t, err)
}
