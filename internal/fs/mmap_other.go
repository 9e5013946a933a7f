//go:build !linux && !darwin

package fs

// MemoryMap is unavailable on this platform; callers fall back to
// buffered reads.
func (r *OSFS) MemoryMap(f File, offset, length int64) (*Mapping, error) {
	return nil, ErrMapUnsupported
}
