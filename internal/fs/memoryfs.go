package fs

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// MemoryFS is a pure in-memory filesystem for tests or lightweight storage.
type MemoryFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]struct{}
	tmpN  int
}

func NewMemoryFS() *MemoryFS {
	f := &MemoryFS{
		files: make(map[string][]byte),
		dirs:  make(map[string]struct{}),
	}
	f.dirs["/"] = struct{}{}
	f.dirs["."] = struct{}{}
	return f
}

// normalize paths
func clean(p string) string {
	if p == "" {
		return "."
	}
	return filepath.ToSlash(filepath.Clean(p))
}

func (f *MemoryFS) ensureDirExists(p string) error {
	p = clean(p)
	if _, ok := f.dirs[p]; !ok {
		return fs.ErrNotExist
	}
	return nil
}

// memFile serves ReadAt from the stored slice.
type memFile struct {
	data []byte
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, fmt.Errorf("read at %d beyond size %d: %w", off, len(m.data), io.EOF)
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFile) Close() error { return nil }

func (m *memFile) Size() (int64, error) { return int64(len(m.data)), nil }

func (f *MemoryFS) OpenRead(p string) (File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	data, ok := f.files[p]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return &memFile{data: data}, nil
}

func (f *MemoryFS) ReadFile(p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	data, ok := f.files[p]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

func (f *MemoryFS) WriteFile(p string, data []byte, perm os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	dir := path.Dir(p)
	if err := f.ensureDirExists(dir); err != nil {
		return fmt.Errorf("write: dir %q does not exist", dir)
	}
	f.files[p] = append([]byte(nil), data...)
	return nil
}

func (f *MemoryFS) MkdirAll(p string, perm os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	parts := strings.Split(p, "/")
	cur := ""
	for _, seg := range parts {
		if seg == "" || seg == "." {
			continue
		}
		cur = path.Join(cur, seg)
		if _, ok := f.dirs[cur]; !ok {
			f.dirs[cur] = struct{}{}
		}
	}
	return nil
}

func (f *MemoryFS) Remove(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	if _, ok := f.files[p]; ok {
		delete(f.files, p)
		return nil
	}
	if _, ok := f.dirs[p]; ok {
		delete(f.dirs, p)
		return nil
	}
	return fs.ErrNotExist
}

func (f *MemoryFS) Rename(oldp, newp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	oldp, newp = clean(oldp), clean(newp)
	data, ok := f.files[oldp]
	if !ok {
		return fs.ErrNotExist
	}
	dir := path.Dir(newp)
	if f.ensureDirExists(dir) != nil {
		return fs.ErrNotExist
	}
	f.files[newp] = data
	delete(f.files, oldp)
	return nil
}

// memTempFile buffers writes and flushes into the MemoryFS on Close.
type memTempFile struct {
	fs   *MemoryFS
	path string
	buf  bytes.Buffer
}

func (t *memTempFile) Write(p []byte) (int, error) {
	return t.buf.Write(p)
}

func (t *memTempFile) Close() error {
	t.fs.mu.Lock()
	defer t.fs.mu.Unlock()
	t.fs.files[t.path] = append([]byte(nil), t.buf.Bytes()...)
	return nil
}

func (f *MemoryFS) CreateTempFile(dir, pattern string) (io.WriteCloser, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dir = clean(dir)
	if err := f.ensureDirExists(dir); err != nil {
		return nil, "", fmt.Errorf("temp file: dir %q does not exist", dir)
	}
	f.tmpN++
	name := strings.Replace(pattern, "*", fmt.Sprintf("%06d", f.tmpN), 1)
	p := path.Join(dir, name)
	return &memTempFile{fs: f, path: p}, p, nil
}

func (f *MemoryFS) FileExists(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[clean(p)]
	return ok
}

func (f *MemoryFS) FileSize(p string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[clean(p)]
	if !ok {
		return 0, fs.ErrNotExist
	}
	return int64(len(data)), nil
}

func (f *MemoryFS) IsNotExist(err error) bool {
	return os.IsNotExist(err) || err == fs.ErrNotExist
}

// MemoryMap serves a "mapping" straight from the stored slice. This lets
// mapped-load tests run against the in-memory filesystem; the bytes are
// shared with the file content exactly like a real mapping.
func (f *MemoryFS) MemoryMap(file File, offset, length int64) (*Mapping, error) {
	m, ok := file.(*memFile)
	if !ok {
		return nil, ErrMapUnsupported
	}
	if offset < 0 || offset+length > int64(len(m.data)) {
		return nil, fmt.Errorf("map range %d+%d beyond size %d", offset, length, len(m.data))
	}
	return NewMapping(m.data[offset:offset+length], nil), nil
}
