package fs

import (
	"io"
	"os"
)

// OSFS is the production implementation of FS using the standard library.
type OSFS struct{}

func NewOSFS() *OSFS {
	return &OSFS{}
}

// osFile adapts *os.File to the File interface.
type osFile struct {
	f *os.File
}

func (h *osFile) ReadAt(p []byte, off int64) (int, error) {
	return h.f.ReadAt(p, off)
}

func (h *osFile) Close() error {
	return h.f.Close()
}

func (h *osFile) Size() (int64, error) {
	fi, err := h.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (r *OSFS) OpenRead(path string) (File, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

func (r *OSFS) ReadFile(path string) ([]byte, error) {
	return readFile(path)
}

func (r *OSFS) WriteFile(path string, data []byte, perm os.FileMode) error {
	return writeFile(path, data, perm)
}

func (r *OSFS) MkdirAll(path string, perm os.FileMode) error {
	return mkdirAll(path, perm)
}

func (r *OSFS) Remove(path string) error {
	return remove(path)
}

func (r *OSFS) Rename(oldPath, newPath string) error {
	return rename(oldPath, newPath)
}

func (r *OSFS) CreateTempFile(dir, pattern string) (io.WriteCloser, string, error) {
	f, err := createTemp(dir, pattern)
	if err != nil {
		return nil, "", err
	}
	return f, f.Name(), nil
}

func (r *OSFS) FileExists(path string) bool {
	return exists(path)
}

func (r *OSFS) FileSize(path string) (int64, error) {
	fi, err := stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (r *OSFS) IsNotExist(err error) bool {
	return isNotExist(err)
}
