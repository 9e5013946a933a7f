package fs

import (
	"errors"
	"io"
	"os"
)

// File is an open read-only handle with random access.
type File interface {
	io.ReaderAt
	io.Closer
	Size() (int64, error)
}

// FS abstracts the platform file layer the container runtime sits on.
// Read-side operations serve the dispatcher; write-side operations
// exist for the container writer, which builds files atomically via a
// temp file and rename.
type FS interface {
	OpenRead(path string) (File, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
	CreateTempFile(dir, pattern string) (io.WriteCloser, string, error)
	FileExists(path string) bool
	FileSize(path string) (int64, error)
	IsNotExist(err error) bool
}

// Mapper is implemented by filesystems that can memory-map a region of
// an open file. The OS filesystem supports it on unix; the in-memory
// filesystem serves mappings straight from its backing slices.
type Mapper interface {
	MemoryMap(f File, offset, length int64) (*Mapping, error)
}

// ErrMapUnsupported is returned when the filesystem or platform cannot
// memory-map files. Callers fall back to buffered reads.
var ErrMapUnsupported = errors.New("memory mapping not supported")

// Mapping is a mapped region of a file. Data stays valid until Close.
type Mapping struct {
	data    []byte
	release func() error
}

// Data returns the mapped bytes.
func (m *Mapping) Data() []byte { return m.data }

// Len returns the mapped length.
func (m *Mapping) Len() int64 { return int64(len(m.data)) }

// Close unmaps the region. Idempotent.
func (m *Mapping) Close() error {
	if m.release == nil {
		return nil
	}
	rel := m.release
	m.release = nil
	m.data = nil
	return rel()
}

// NewMapping wraps an already-resident byte region as a Mapping. Used
// by the in-memory filesystem in tests and by heap fallbacks.
func NewMapping(data []byte, release func() error) *Mapping {
	return &Mapping{data: data, release: release}
}
