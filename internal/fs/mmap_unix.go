//go:build linux || darwin

package fs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MemoryMap maps a read-only region of an OS file. The offset does not
// need to be page aligned; the mapping is extended down to the page
// boundary internally and the returned Mapping exposes exactly the
// requested range.
func (r *OSFS) MemoryMap(f File, offset, length int64) (*Mapping, error) {
	h, ok := f.(*osFile)
	if !ok {
		return nil, ErrMapUnsupported
	}
	if length == 0 {
		return NewMapping(nil, nil), nil
	}

	pageSize := int64(os.Getpagesize())
	aligned := offset &^ (pageSize - 1)
	shift := offset - aligned

	data, err := unix.Mmap(int(h.f.Fd()), aligned, int(length+shift), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %q off=%d len=%d: %w", h.f.Name(), offset, length, err)
	}

	// Payload access patterns are sequential per request.
	_ = unix.Madvise(data, unix.MADV_WILLNEED)

	region := data[shift : shift+length]
	return NewMapping(region, func() error {
		return unix.Munmap(data)
	}), nil
}
