package fs

import (
	"io"
	"os"
	"sync/atomic"
)

// CountingFS wraps another FS and counts platform reads. Tests use it
// to assert coalescing behavior (N concurrent requests for the same
// block must not multiply physical reads).
type CountingFS struct {
	underlying FS

	reads     atomic.Int64
	bytesRead atomic.Int64
}

func NewCountingFS(base FS) *CountingFS {
	return &CountingFS{underlying: base}
}

// Reads returns the number of ReadAt calls issued so far.
func (c *CountingFS) Reads() int64 { return c.reads.Load() }

// BytesRead returns the total bytes returned by ReadAt calls.
func (c *CountingFS) BytesRead() int64 { return c.bytesRead.Load() }

// ResetCounters zeroes both counters.
func (c *CountingFS) ResetCounters() {
	c.reads.Store(0)
	c.bytesRead.Store(0)
}

type countingFile struct {
	File
	fs *CountingFS
}

func (h *countingFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := h.File.ReadAt(p, off)
	h.fs.reads.Add(1)
	h.fs.bytesRead.Add(int64(n))
	return n, err
}

func (c *CountingFS) OpenRead(path string) (File, error) {
	f, err := c.underlying.OpenRead(path)
	if err != nil {
		return nil, err
	}
	return &countingFile{File: f, fs: c}, nil
}

// Pass-through for other operations
func (c *CountingFS) ReadFile(path string) ([]byte, error) { return c.underlying.ReadFile(path) }
func (c *CountingFS) WriteFile(path string, data []byte, perm os.FileMode) error {
	return c.underlying.WriteFile(path, data, perm)
}
func (c *CountingFS) MkdirAll(path string, perm os.FileMode) error {
	return c.underlying.MkdirAll(path, perm)
}
func (c *CountingFS) Remove(path string) error { return c.underlying.Remove(path) }
func (c *CountingFS) Rename(oldPath, newPath string) error {
	return c.underlying.Rename(oldPath, newPath)
}
func (c *CountingFS) CreateTempFile(dir, pattern string) (io.WriteCloser, string, error) {
	return c.underlying.CreateTempFile(dir, pattern)
}
func (c *CountingFS) FileExists(path string) bool        { return c.underlying.FileExists(path) }
func (c *CountingFS) FileSize(path string) (int64, error) { return c.underlying.FileSize(path) }
func (c *CountingFS) IsNotExist(err error) bool           { return c.underlying.IsNotExist(err) }

// MemoryMap delegates when the wrapped FS supports mapping. The inner
// file is unwrapped so mapped reads bypass the counters, matching real
// platforms where mapped access is not a read syscall.
func (c *CountingFS) MemoryMap(f File, offset, length int64) (*Mapping, error) {
	mapper, ok := c.underlying.(Mapper)
	if !ok {
		return nil, ErrMapUnsupported
	}
	if cf, ok := f.(*countingFile); ok {
		f = cf.File
	}
	return mapper.MemoryMap(f, offset, length)
}
