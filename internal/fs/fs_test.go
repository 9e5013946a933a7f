package fs_test

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/pakio/internal/fs"
)

func TestMemoryFSReadAt(t *testing.T) {
	mem := fs.NewMemoryFS()
	require.NoError(t, mem.MkdirAll("data", 0o755))
	require.NoError(t, mem.WriteFile("data/a.bin", []byte("hello world"), 0o644))

	f, err := mem.OpenRead("data/a.bin")
	require.NoError(t, err)
	defer f.Close()

	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	buf := make([]byte, 5)
	n, err := f.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(buf))

	// short read at tail
	n, err = f.ReadAt(buf, 9)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestMemoryFSTempRename(t *testing.T) {
	mem := fs.NewMemoryFS()
	require.NoError(t, mem.MkdirAll("out", 0o755))

	tmp, tmpPath, err := mem.CreateTempFile("out", ".tmp-*")
	require.NoError(t, err)
	_, err = tmp.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	require.NoError(t, mem.Rename(tmpPath, "out/final.pak"))
	data, err := mem.ReadFile("out/final.pak")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.False(t, mem.FileExists(tmpPath))
}

func TestMemoryFSMap(t *testing.T) {
	mem := fs.NewMemoryFS()
	require.NoError(t, mem.WriteFile("m.bin", []byte("0123456789"), 0o644))

	f, err := mem.OpenRead("m.bin")
	require.NoError(t, err)
	defer f.Close()

	m, err := mem.MemoryMap(f, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(m.Data()))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "close is idempotent")
}

func TestCountingFS(t *testing.T) {
	mem := fs.NewMemoryFS()
	require.NoError(t, mem.WriteFile("c.bin", make([]byte, 1024), 0o644))

	cfs := fs.NewCountingFS(mem)
	f, err := cfs.OpenRead("c.bin")
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 256)
	for i := 0; i < 4; i++ {
		_, err := f.ReadAt(buf, int64(i)*256)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(4), cfs.Reads())
	assert.Equal(t, int64(1024), cfs.BytesRead())

	cfs.ResetCounters()
	assert.Equal(t, int64(0), cfs.Reads())
}

func TestOSFSMapEqualsRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")

	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	osfs := fs.NewOSFS()
	require.NoError(t, osfs.WriteFile(path, payload, 0o644))

	f, err := osfs.OpenRead(path)
	require.NoError(t, err)
	defer f.Close()

	m, err := osfs.MemoryMap(f, 100, 4000)
	if err == fs.ErrMapUnsupported {
		t.Skip("platform cannot mmap")
	}
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, payload[100:4100], m.Data())
}
