package pakio

import (
	"errors"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/keshon/pakio/internal/chunkid"
	"github.com/keshon/pakio/internal/compress"
	"github.com/keshon/pakio/internal/dispatch"
	"github.com/keshon/pakio/internal/fs"
)

var (
	// ErrLoadFailed wraps a non-success async status surfaced through a
	// synchronous load path.
	ErrLoadFailed = errors.New("bulk data load failed")

	// ErrNoPayload means the entry has no payload source: removed, or
	// an absent optional payload with no usable duplicate.
	ErrNoPayload = errors.New("bulk data has no payload")
)

// LockMode is the exclusive access mode of a locked entry.
type LockMode int

const (
	LockReadOnly LockMode = iota + 1
	LockReadWrite
)

type allocState int

const (
	stateEmpty allocState = iota
	stateLoading
	stateLoaded
	stateMapped
	stateLockedRO
	stateLockedRW
)

// BulkData is the user-visible payload object. Small header metadata
// lives in RAM; the payload stays on disk behind the dispatcher (or the
// owner archive) until a consumer asks for it. All mutators take the
// per-entry mutex; loads that must block do their I/O outside it.
type BulkData struct {
	d    *dispatch.Dispatcher
	fsys fs.FS

	mu    sync.Mutex
	flags BulkDataFlags
	owner Owner
	chunk chunkid.ChunkID

	elementSize  int64
	elementCount int64
	diskSize     int64
	diskOffset   int64

	fallback *BulkData // duplicate-non-optional resolution

	state    allocState
	cond     *sync.Cond // signalled when state leaves stateLoading
	payload  []byte
	mapping  *fs.Mapping
	modified bool
	loadReq  dispatch.IORequest
}

// NewBulkData creates an empty entry bound to a dispatcher and file
// layer. Serialize fills it in.
func NewBulkData(d *dispatch.Dispatcher, fsys fs.FS) *BulkData {
	b := &BulkData{d: d, fsys: fsys}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// NewDispatcherEntry cooks an entry addressed by chunk id and served
// through the dispatcher.
func NewDispatcherEntry(d *dispatch.Dispatcher, fsys fs.FS, chunk chunkid.ChunkID, flags BulkDataFlags, elementSize, elementCount int64) *BulkData {
	flags.UsesDispatcher = true
	b := NewBulkData(d, fsys)
	b.chunk = chunk
	b.flags = flags
	b.elementSize = elementSize
	b.elementCount = elementCount
	return b
}

// NewArchiveEntry cooks an entry whose payload lives in the owner
// archive (end-of-file section) or its sidecar file.
func NewArchiveEntry(fsys fs.FS, owner Owner, flags BulkDataFlags, elementSize, elementCount, diskOffset, diskSize int64) *BulkData {
	b := NewBulkData(nil, fsys)
	b.owner = owner
	b.flags = flags
	b.elementSize = elementSize
	b.elementCount = elementCount
	b.diskOffset = diskOffset
	b.diskSize = diskSize
	return b
}

// NewInlineEntry cooks a ForceInline entry that carries its payload in
// the owner archive itself.
func NewInlineEntry(payload []byte, elementSize int64) *BulkData {
	b := NewBulkData(nil, nil)
	b.flags = BulkDataFlags{ForceInline: true}
	b.elementSize = elementSize
	b.elementCount = int64(len(payload)) / elementSize
	b.diskSize = int64(len(payload))
	b.payload = payload
	b.state = stateLoaded
	return b
}

// SetFallback attaches a duplicate-non-optional fallback header for
// cooking. The primary entry must carry the Duplicate flag.
func (b *BulkData) SetFallback(fb *BulkData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flags.Duplicate = true
	b.fallback = fb
}

// Header layout through the archive, little-endian:
//
//	mask[4] elementCount[8] diskSize[8] diskOffset[8]
//	chunkID[12]        when UsesDispatcher
//	method string8     when Compressed
//	payload bytes      when ForceInline (loading reads them here)
//	fallback header    when Duplicate

// Serialize reads (or writes) the entry header through the archive.
// During load: applies the relative-offset fixup, resolves a
// duplicate-non-optional fallback, reads inline payloads now, and
// attempts a mapped load when asked.
func (b *BulkData) Serialize(ar Archive, owner Owner, attemptMap bool, elementSize int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !ar.IsLoading() {
		return b.saveLocked(ar)
	}

	b.owner = owner
	b.elementSize = elementSize

	mask, err := readU32(ar)
	if err != nil {
		return fmt.Errorf("read bulk data flags: %w", err)
	}
	if b.flags, err = FlagsFromMask(mask); err != nil {
		return err
	}
	if b.elementCount, err = readI64(ar); err != nil {
		return fmt.Errorf("read element count: %w", err)
	}
	if b.diskSize, err = readI64(ar); err != nil {
		return fmt.Errorf("read disk size: %w", err)
	}
	if b.diskOffset, err = readI64(ar); err != nil {
		return fmt.Errorf("read disk offset: %w", err)
	}
	if b.flags.UsesDispatcher {
		if _, err := io.ReadFull(ar, b.chunk[:]); err != nil {
			return fmt.Errorf("read chunk id: %w", err)
		}
	}
	if b.flags.Compressed {
		if b.flags.CompressionMethod, err = readString8(ar); err != nil {
			return fmt.Errorf("read compression method: %w", err)
		}
		if !compress.IsKnown(b.flags.CompressionMethod) {
			return fmt.Errorf("unknown compression method %q", b.flags.CompressionMethod)
		}
	}

	if b.flags.OffsetIsRelative {
		b.diskOffset += owner.PayloadBase
		b.flags.OffsetIsRelative = false // fixup applied exactly once
	}

	if b.flags.ForceInline {
		raw := make([]byte, b.diskSize)
		if _, err := io.ReadFull(ar, raw); err != nil {
			return fmt.Errorf("read inline payload: %w", err)
		}
		if b.payload, err = b.decodeArchivePayload(raw); err != nil {
			return err
		}
		b.state = stateLoaded
	}

	if b.flags.Duplicate {
		b.fallback = NewBulkData(b.d, b.fsys)
		if err := b.fallback.Serialize(ar, owner, false, elementSize); err != nil {
			return fmt.Errorf("read duplicate fallback: %w", err)
		}
		if b.flags.Optional && !b.payloadAvailable() {
			b.adoptFallbackLocked()
		}
	}

	if attemptMap && b.state == stateEmpty {
		b.tryMapLocked()
	}
	return nil
}

func (b *BulkData) saveLocked(ar Archive) error {
	if err := writeU32(ar, b.flags.Mask()); err != nil {
		return err
	}
	if err := writeI64(ar, b.elementCount); err != nil {
		return err
	}
	if err := writeI64(ar, b.diskSize); err != nil {
		return err
	}
	if err := writeI64(ar, b.diskOffset); err != nil {
		return err
	}
	if b.flags.UsesDispatcher {
		if _, err := ar.Write(b.chunk[:]); err != nil {
			return err
		}
	}
	if b.flags.Compressed {
		if err := writeString8(ar, b.flags.CompressionMethod); err != nil {
			return err
		}
	}
	if b.flags.ForceInline {
		if b.state != stateLoaded {
			return errors.New("save inline bulk data: payload not loaded")
		}
		if b.flags.Compressed {
			return errors.New("save inline bulk data: compressed inline save unsupported")
		}
		if _, err := ar.Write(b.payload); err != nil {
			return err
		}
	}
	if b.flags.Duplicate {
		if b.fallback == nil {
			return errors.New("save duplicate bulk data: no fallback header")
		}
		return b.fallback.saveLocked(ar)
	}
	return nil
}

// payloadAvailable reports whether the payload source exists, without
// reading it.
func (b *BulkData) payloadAvailable() bool {
	if b.flags.Removed {
		return false
	}
	if b.flags.UsesDispatcher {
		return b.d != nil && b.d.DoesChunkExist(b.chunk)
	}
	return b.fsys != nil && b.fsys.FileExists(b.payloadPath())
}

// adoptFallbackLocked swaps the duplicate fallback header in for an
// absent optional payload.
func (b *BulkData) adoptFallbackLocked() {
	fb := b.fallback
	log.WithFields(log.Fields{
		"chunk":    b.chunk.String(),
		"fallback": fb.chunk.String(),
	}).Debug("optional payload absent, using duplicate")
	b.flags, b.chunk = fb.flags, fb.chunk
	b.diskSize, b.diskOffset = fb.diskSize, fb.diskOffset
	b.elementCount = fb.elementCount
	b.fallback = nil
}

// payloadPath is the file holding an archive-attached payload.
func (b *BulkData) payloadPath() string {
	if b.flags.PayloadInSeparateFile {
		return b.owner.ArchivePath + ".bulk"
	}
	return b.owner.ArchivePath
}

// tryMapLocked attempts a mapped load; failures fall back silently to
// the deferred buffered path.
func (b *BulkData) tryMapLocked() {
	if !b.flags.MemoryMapped || !b.flags.UsesDispatcher || b.d == nil {
		return
	}
	reader, ok := b.d.Lookup(b.chunk)
	if !ok {
		return
	}
	m, err := reader.OpenMapped(b.chunk)
	if err != nil {
		log.WithFields(log.Fields{
			"chunk": b.chunk.String(),
			"error": err,
		}).Debug("mapped load unavailable, deferring to buffered")
		return
	}
	b.mapping = m
	b.state = stateMapped
}

// GetBulkDataSize returns the payload size in bytes.
func (b *BulkData) GetBulkDataSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.elementSize * b.elementCount
}

// GetElementCount returns the semantic element count.
func (b *BulkData) GetElementCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.elementCount
}

// Flags returns the entry's flag record.
func (b *BulkData) Flags() BulkDataFlags {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flags
}

// ChunkID returns the dispatcher chunk id (zero for archive-attached
// entries).
func (b *BulkData) ChunkID() chunkid.ChunkID { return b.chunk }

// IsBulkDataLoaded reports whether payload bytes are resident.
func (b *BulkData) IsBulkDataLoaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateLoaded, stateMapped, stateLockedRO, stateLockedRW:
		return true
	}
	return false
}

// readPayload loads the payload from its source. Pure read: no entry
// state is touched, so it runs without the entry mutex.
func (b *BulkData) readPayload() ([]byte, error) {
	if b.flags.Removed {
		return nil, nil
	}
	if b.flags.UsesDispatcher {
		if b.d == nil {
			return nil, fmt.Errorf("%w: no dispatcher", ErrNoPayload)
		}
		r := b.d.NewRequest(b.chunk, 0, -1, dispatch.PriorityHigh)
		r.WaitCompletion(0)
		st := r.Status()
		if st == dispatch.StatusNotFound && b.flags.Optional {
			return nil, nil
		}
		if st != dispatch.StatusSuccess {
			return nil, fmt.Errorf("%w: chunk %s: %s", ErrLoadFailed, b.chunk, st)
		}
		return r.GetReadResults(), nil
	}
	return b.readArchivePayload()
}

// readArchivePayload serves entries whose payload lives in the owner
// archive file (end-of-file section) or a sidecar file.
func (b *BulkData) readArchivePayload() ([]byte, error) {
	path := b.payloadPath()
	f, err := b.fsys.OpenRead(path)
	if err != nil {
		if b.flags.Optional && b.fsys.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: open %q: %v", ErrLoadFailed, path, err)
	}
	defer f.Close()

	raw := make([]byte, b.diskSize)
	if b.diskSize > 0 {
		if _, err := f.ReadAt(raw, b.diskOffset); err != nil && err != io.EOF {
			return nil, fmt.Errorf("%w: read %q at %d: %v", ErrLoadFailed, path, b.diskOffset, err)
		}
	}
	return b.decodeArchivePayload(raw)
}

func (b *BulkData) decodeArchivePayload(raw []byte) ([]byte, error) {
	if !b.flags.Compressed {
		return raw, nil
	}
	out, err := compress.Decompress(b.flags.CompressionMethod, raw, int(b.elementSize*b.elementCount))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	return out, nil
}

// readRange loads a payload subrange without touching the cached
// allocation.
func (b *BulkData) readRange(dst []byte, offset int64) (int, error) {
	total := b.elementSize * b.elementCount
	if offset >= total {
		return 0, io.EOF
	}
	n := int64(len(dst))
	if offset+n > total {
		n = total - offset
	}
	if b.flags.UsesDispatcher && b.d != nil {
		r := b.d.NewRequestWith(b.chunk, offset, n, dispatch.PriorityNormal,
			dispatch.RequestOptions{Dst: dst[:n]})
		r.WaitCompletion(0)
		if st := r.Status(); st != dispatch.StatusSuccess {
			return 0, fmt.Errorf("%w: chunk %s: %s", ErrLoadFailed, b.chunk, st)
		}
		return int(n), nil
	}
	full, err := b.readPayload()
	if err != nil {
		return 0, err
	}
	return copy(dst[:n], full[offset:offset+n]), nil
}

// waitLoadingLocked parks until an in-flight load settles.
func (b *BulkData) waitLoadingLocked() {
	for b.state == stateLoading {
		b.cond.Wait()
	}
}

// GetCopy synchronously delivers the payload into *dst. With
// discardInternal the cached allocation is handed over instead of
// copied and the entry returns to the empty state, which is how
// SingleUse consumers take their one copy.
func (b *BulkData) GetCopy(dst *[]byte, discardInternal bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waitLoadingLocked()

	if b.flags.Removed {
		*dst = nil
		return nil
	}

	switch b.state {
	case stateLoaded, stateLockedRO, stateLockedRW:
		if discardInternal && b.state == stateLoaded {
			*dst = b.payload
			b.payload = nil
			b.state = stateEmpty
			return nil
		}
		*dst = append([]byte(nil), b.payload...)
		return nil

	case stateMapped:
		*dst = append([]byte(nil), b.mapping.Data()...)
		if discardInternal {
			b.mapping.Close()
			b.mapping = nil
			b.state = stateEmpty
		}
		return nil
	}

	// Empty: load from source.
	b.mu.Unlock()
	data, err := b.readPayload()
	b.mu.Lock()
	if err != nil {
		return err
	}
	*dst = data
	if !discardInternal && !b.flags.SingleUse && b.state == stateEmpty {
		b.payload = append([]byte(nil), data...)
		b.state = stateLoaded
	}
	return nil
}

// Lock takes exclusive access to the payload, loading it first when
// needed. ReadWrite locks always operate on a heap buffer; mapped
// entries are copied to heap for the duration. Double-lock is a
// programming error.
func (b *BulkData) Lock(mode LockMode) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

settle:
	for {
		switch b.state {
		case stateLockedRO, stateLockedRW:
			panic("pakio: bulk data locked twice")
		case stateLoading:
			b.cond.Wait()
		case stateEmpty:
			// Claim the loading state so concurrent lockers wait instead
			// of loading twice.
			b.state = stateLoading
			b.mu.Unlock()
			data, err := b.readPayload()
			b.mu.Lock()
			if b.state == stateLoading {
				if err == nil {
					b.payload = data
					b.state = stateLoaded
				} else {
					b.state = stateEmpty
				}
				b.cond.Broadcast()
			}
			if err != nil {
				return nil, err
			}
		default:
			break settle
		}
	}

	if b.state == stateMapped && mode == LockReadWrite {
		b.payload = append([]byte(nil), b.mapping.Data()...)
		b.mapping.Close()
		b.mapping = nil
		b.state = stateLoaded
	}

	if b.state == stateMapped {
		// ReadOnly lock over the mapped region.
		b.state = stateLockedRO
		return b.mapping.Data(), nil
	}
	if mode == LockReadWrite {
		b.state = stateLockedRW
	} else {
		b.state = stateLockedRO
	}
	return b.payload, nil
}

// Unlock releases the exclusive lock. Unlocking an unlocked entry is a
// programming error.
func (b *BulkData) Unlock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateLockedRO:
		if b.mapping != nil {
			b.state = stateMapped
		} else {
			b.state = stateLoaded
		}
	case stateLockedRW:
		b.state = stateLoaded
	default:
		panic("pakio: unlock without lock")
	}
}

// Realloc resizes the heap allocation to a new element count. Requires
// a ReadWrite lock; the on-disk layout is untouched, only the in-memory
// copy and the modified marker change.
func (b *BulkData) Realloc(newElementCount int64) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateLockedRW {
		panic("pakio: realloc without read-write lock")
	}
	newSize := newElementCount * b.elementSize
	resized := make([]byte, newSize)
	copy(resized, b.payload)
	b.payload = resized
	b.elementCount = newElementCount
	b.modified = true
	return b.payload
}

// IsModified reports whether Realloc changed the in-memory payload.
func (b *BulkData) IsModified() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.modified
}

// RemoveBulkData frees the allocation and marks the entry removed, so
// later loads return empty without error.
func (b *BulkData) RemoveBulkData() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateLockedRO, stateLockedRW:
		panic("pakio: remove while locked")
	}
	b.waitLoadingLocked()
	b.payload = nil
	if b.mapping != nil {
		b.mapping.Close()
		b.mapping = nil
	}
	b.state = stateEmpty
	b.flags.Removed = true
}

// StartAsyncLoading kicks off a background load unless the payload is
// already resident. Reports whether a load is now in progress.
func (b *BulkData) StartAsyncLoading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateLoading:
		return true
	case stateLoaded, stateMapped, stateLockedRO, stateLockedRW:
		return false
	}
	if b.flags.Removed {
		return false
	}

	b.state = stateLoading
	if b.flags.UsesDispatcher && b.d != nil {
		b.loadReq = b.d.NewRequest(b.chunk, 0, -1, dispatch.PriorityNormal)
	}
	req := b.loadReq
	go func() {
		var data []byte
		var err error
		if req != nil {
			req.WaitCompletion(0)
			if st := req.Status(); st == dispatch.StatusSuccess {
				data = req.GetReadResults()
			} else {
				err = fmt.Errorf("%w: %s", ErrLoadFailed, st)
			}
		} else {
			data, err = b.readPayload()
		}

		b.mu.Lock()
		if b.state == stateLoading {
			if err == nil {
				b.payload = data
				b.state = stateLoaded
			} else {
				log.WithFields(log.Fields{
					"chunk": b.chunk.String(),
					"error": err,
				}).Warn("async bulk data load failed")
				b.state = stateEmpty
			}
			b.loadReq = nil
			b.cond.Broadcast()
		}
		b.mu.Unlock()
	}()
	return true
}

// IsAsyncLoadingComplete reports whether no load is in flight.
func (b *BulkData) IsAsyncLoadingComplete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != stateLoading
}

// CreateStreamingRequest starts an asynchronous read over a payload
// subrange. offset 0 with size -1 covers the whole payload. Only
// dispatcher-backed entries support streaming.
func (b *BulkData) CreateStreamingRequest(offset, size int64, prio dispatch.Priority, callback func(dispatch.Status), userBuf []byte) (dispatch.IORequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.flags.UsesDispatcher || b.d == nil {
		return nil, fmt.Errorf("%w: entry is not dispatcher backed", ErrNoPayload)
	}
	if b.flags.Removed {
		return nil, ErrNoPayload
	}
	return b.d.NewRequestWith(b.chunk, offset, size, prio, dispatch.RequestOptions{
		Dst:      userBuf,
		Callback: callback,
	}), nil
}

// StealFileMapping transfers the allocation (mapped region or heap
// buffer) to the caller and empties the entry. Returns nil when there
// is nothing resident to steal.
func (b *BulkData) StealFileMapping() *OwnedPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateLockedRO, stateLockedRW:
		panic("pakio: steal while locked")
	case stateMapped:
		o := &OwnedPayload{mapping: b.mapping}
		b.mapping = nil
		b.state = stateEmpty
		return o
	case stateLoaded:
		o := &OwnedPayload{data: b.payload}
		b.payload = nil
		b.state = stateEmpty
		return o
	}
	return nil
}

// Close cancels any outstanding async load and releases the
// allocation. The entry must not be used afterwards.
func (b *BulkData) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadReq != nil {
		b.loadReq.Cancel()
		b.loadReq = nil
	}
	if b.mapping != nil {
		b.mapping.Close()
		b.mapping = nil
	}
	b.payload = nil
	b.state = stateEmpty
}

// OwnedPayload is an allocation stolen from a BulkData entry: either a
// heap buffer or a live file mapping.
type OwnedPayload struct {
	data    []byte
	mapping *fs.Mapping
}

// Data returns the payload bytes.
func (o *OwnedPayload) Data() []byte {
	if o.mapping != nil {
		return o.mapping.Data()
	}
	return o.data
}

// Close releases a mapped region; heap buffers are garbage collected.
func (o *OwnedPayload) Close() error {
	if o.mapping != nil {
		err := o.mapping.Close()
		o.mapping = nil
		return err
	}
	o.data = nil
	return nil
}
