package pakio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

func errUnknownFlagBits(m uint32) error {
	return fmt.Errorf("bulk data flags %08x carry unknown bits", m)
}

// Archive is the byte stream a bulk-data header is serialized through.
// The owning object runtime provides it; the façade only needs
// positioned sequential access and the load/save direction.
type Archive interface {
	io.Reader
	io.Writer

	// Tell returns the current stream position.
	Tell() int64

	// Seek repositions the stream (io.Seeker semantics).
	Seek(offset int64, whence int) (int64, error)

	// IsLoading reports the serialization direction: true when reading
	// persisted state, false when writing it.
	IsLoading() bool
}

// Owner identifies the object that carries a bulk-data entry: the
// archive it was serialized from and the base offset of that archive's
// payload section, used for relative-offset fixup.
type Owner struct {
	PackageID   uint64
	ArchivePath string

	// PayloadBase is the absolute offset the entry's disk offset is
	// relative to when the OffsetIsRelative flag is set.
	PayloadBase int64
}

// Little-endian field helpers over an Archive.

func readU32(ar Archive) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(ar, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readI64(ar Archive) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(ar, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func writeU32(ar Archive, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := ar.Write(b[:])
	return err
}

func writeI64(ar Archive, v int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	_, err := ar.Write(b[:])
	return err
}

func readString8(ar Archive) (string, error) {
	var n [1]byte
	if _, err := io.ReadFull(ar, n[:]); err != nil {
		return "", err
	}
	if n[0] == 0 {
		return "", nil
	}
	buf := make([]byte, n[0])
	if _, err := io.ReadFull(ar, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeString8(ar Archive, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("string %q too long for length-prefixed field", s)
	}
	if _, err := ar.Write([]byte{byte(len(s))}); err != nil {
		return err
	}
	_, err := ar.Write([]byte(s))
	return err
}

// MemoryArchive is an in-memory Archive. Loading archives wrap existing
// bytes; saving archives start empty and accumulate.
type MemoryArchive struct {
	buf     []byte
	pos     int64
	loading bool
}

// NewLoadingArchive wraps persisted bytes for reading.
func NewLoadingArchive(data []byte) *MemoryArchive {
	return &MemoryArchive{buf: data, loading: true}
}

// NewSavingArchive starts an empty writable archive.
func NewSavingArchive() *MemoryArchive {
	return &MemoryArchive{}
}

// Bytes returns the accumulated archive contents.
func (a *MemoryArchive) Bytes() []byte { return a.buf }

func (a *MemoryArchive) IsLoading() bool { return a.loading }

func (a *MemoryArchive) Tell() int64 { return a.pos }

func (a *MemoryArchive) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = a.pos
	case io.SeekEnd:
		base = int64(len(a.buf))
	default:
		return 0, errors.New("bad seek whence")
	}
	pos := base + offset
	if pos < 0 {
		return 0, errors.New("seek before start of archive")
	}
	a.pos = pos
	return pos, nil
}

func (a *MemoryArchive) Read(p []byte) (int, error) {
	if a.pos >= int64(len(a.buf)) {
		return 0, io.EOF
	}
	n := copy(p, a.buf[a.pos:])
	a.pos += int64(n)
	return n, nil
}

func (a *MemoryArchive) Write(p []byte) (int, error) {
	if a.loading {
		return 0, errors.New("archive is read-only")
	}
	if grow := a.pos + int64(len(p)) - int64(len(a.buf)); grow > 0 {
		a.buf = append(a.buf, make([]byte, grow)...)
	}
	n := copy(a.buf[a.pos:], p)
	a.pos += int64(n)
	return n, nil
}
