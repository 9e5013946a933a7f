package pakio

import (
	"errors"
	"io"
)

// AsyncReadHandle is a sequential reader positioned at the start of a
// bulk-data payload, for integrations that manage their own reads.
// Reads go straight to the source and never touch the entry's cached
// allocation.
type AsyncReadHandle struct {
	b   *BulkData
	pos int64
}

// OpenAsyncReadHandle returns a reader over the payload, or nil when
// the entry has no payload source.
func (b *BulkData) OpenAsyncReadHandle() *AsyncReadHandle {
	if !b.payloadAvailable() {
		return nil
	}
	return &AsyncReadHandle{b: b}
}

var _ io.ReadSeeker = (*AsyncReadHandle)(nil)

func (h *AsyncReadHandle) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := h.b.readRange(p, h.pos)
	h.pos += int64(n)
	return n, err
}

func (h *AsyncReadHandle) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = h.pos
	case io.SeekEnd:
		base = h.b.GetBulkDataSize()
	default:
		return 0, errors.New("bad seek whence")
	}
	pos := base + offset
	if pos < 0 {
		return 0, errors.New("seek before start of payload")
	}
	h.pos = pos
	return pos, nil
}

// Size returns the total payload size.
func (h *AsyncReadHandle) Size() int64 { return h.b.GetBulkDataSize() }
