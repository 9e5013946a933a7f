package dispatch

import (
	"container/list"
	"errors"
	"fmt"
	"runtime"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/keshon/pakio/internal/chunkid"
	"github.com/keshon/pakio/internal/fs"
	"github.com/keshon/pakio/internal/keys"
	"github.com/keshon/pakio/internal/pak"
)

var (
	// ErrContainerBusy means an unmount was refused because cached or
	// in-flight blocks of the container are still referenced.
	ErrContainerBusy = errors.New("container has blocks in flight")

	// ErrBlockSizeTooLarge means a container's compression block size
	// exceeds the dispatcher cache block size, so a compressed block
	// could span more than two cache slots.
	ErrBlockSizeTooLarge = errors.New("container block size exceeds cache block size")

	// ErrAlreadyMounted means a container with the same id is already
	// mounted. Ids derive from the logical name, which also keys the
	// raw cache, so two same-named containers cannot coexist.
	ErrAlreadyMounted = errors.New("container id already mounted")
)

// Options sizes the dispatcher. Zero values pick defaults.
type Options struct {
	// BlockSize is the cache block granularity: every platform read is
	// one aligned region of this size. Must be at least the compression
	// block size of every mounted container.
	BlockSize int

	// CacheBlocks is the buffer pool size. The pool is the hard memory
	// bound: when all buffers are referenced, the I/O worker stalls
	// until a decode releases one.
	CacheBlocks int

	// DecodeWorkers bounds concurrent verify/decrypt/decompress tasks.
	DecodeWorkers int

	// MaxRequests is the request record pool size.
	MaxRequests int
}

func (o *Options) normalize() {
	if o.BlockSize <= 0 {
		o.BlockSize = pak.DefaultBlockSize
	}
	if o.CacheBlocks <= 0 {
		o.CacheBlocks = 256
	}
	if o.DecodeWorkers <= 0 {
		o.DecodeWorkers = runtime.NumCPU()
	}
	if o.MaxRequests <= 0 {
		o.MaxRequests = 1024
	}
}

// Dispatcher owns the asynchronous read pipeline over mounted
// containers: a block-aligned raw cache, request coalescing, one
// platform I/O goroutine and a bounded decode pool.
type Dispatcher struct {
	fsys    fs.FS
	keyring *keys.Keyring
	opts    Options

	// state lock: cache, queue and coalescing maps
	mu       sync.Mutex
	cond     *sync.Cond
	raws     map[rawKey]*rawBlock
	blocks   map[blockKey]*pendingBlock
	lru      *list.List
	freeBufs [][]byte
	queue    readQueue
	closed   bool

	mountsMu sync.RWMutex
	mounts   []*pak.Reader

	completions *completionSequencer
	alloc       *allocator
	decodeSem   *semaphore.Weighted
	decodeWG    sync.WaitGroup

	wake       chan struct{}
	workerDone chan struct{}
	sigErrs    chan SignatureError
}

// New starts a dispatcher. Registered keys unlock any mounted container
// waiting on them.
func New(fsys fs.FS, keyring *keys.Keyring, opts Options) *Dispatcher {
	opts.normalize()
	d := &Dispatcher{
		fsys:        fsys,
		keyring:     keyring,
		opts:        opts,
		raws:        make(map[rawKey]*rawBlock),
		blocks:      make(map[blockKey]*pendingBlock),
		lru:         list.New(),
		completions: newCompletionSequencer(),
		alloc:       newAllocator(opts.MaxRequests),
		decodeSem:   semaphore.NewWeighted(int64(opts.DecodeWorkers)),
		wake:        make(chan struct{}, 1),
		workerDone:  make(chan struct{}),
		sigErrs:     make(chan SignatureError, 16),
	}
	d.cond = sync.NewCond(&d.mu)
	d.freeBufs = make([][]byte, opts.CacheBlocks)
	for i := range d.freeBufs {
		d.freeBufs[i] = make([]byte, opts.BlockSize)
	}

	keyring.Notify(func(keys.GUID) {
		d.mountsMu.RLock()
		defer d.mountsMu.RUnlock()
		for _, r := range d.mounts {
			r.Rekey()
		}
	})

	go d.worker()
	log.WithFields(log.Fields{
		"blockSize":     opts.BlockSize,
		"cacheBlocks":   opts.CacheBlocks,
		"decodeWorkers": opts.DecodeWorkers,
	}).Info("dispatcher started")
	return d
}

// Mount opens a container and adds it to the resolution set. When two
// mounted containers carry the same chunk, the most recently mounted
// one wins. A container whose id is already mounted is refused: the id
// keys the raw cache, so a duplicate would serve one container's
// cached bytes for the other.
func (d *Dispatcher) Mount(path string) (*pak.Reader, error) {
	r, err := pak.Mount(d.fsys, path, d.keyring)
	if err != nil {
		return nil, err
	}
	if r.BlockSizeBytes() > d.opts.BlockSize {
		r.Unmount()
		return nil, fmt.Errorf("%w: %s has %d, cache uses %d",
			ErrBlockSizeTooLarge, r.Name(), r.BlockSizeBytes(), d.opts.BlockSize)
	}
	d.mountsMu.Lock()
	for _, m := range d.mounts {
		if m.ContainerID() == r.ContainerID() {
			d.mountsMu.Unlock()
			r.Unmount()
			return nil, fmt.Errorf("%w: %s (id %s)", ErrAlreadyMounted, r.Name(), r.ContainerID())
		}
	}
	d.mounts = append(d.mounts, r)
	d.mountsMu.Unlock()
	return r, nil
}

// Unmount removes a container and purges its cached blocks. Refused
// while any of its blocks is referenced or queued.
func (d *Dispatcher) Unmount(id chunkid.ContainerID) error {
	d.mountsMu.Lock()
	defer d.mountsMu.Unlock()

	idx := -1
	for i, r := range d.mounts {
		if r.ContainerID() == id {
			idx = i
		}
	}
	if idx < 0 {
		return fmt.Errorf("unmount: container %s not mounted", id)
	}

	d.mu.Lock()
	err := d.purgeContainer(id)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("unmount %s: %w", d.mounts[idx].Name(), err)
	}

	d.mounts[idx].Unmount()
	d.mounts = append(d.mounts[:idx], d.mounts[idx+1:]...)
	return nil
}

// Lookup resolves a chunk to the reader serving it, newest mount first.
func (d *Dispatcher) Lookup(id chunkid.ChunkID) (*pak.Reader, bool) {
	d.mountsMu.RLock()
	defer d.mountsMu.RUnlock()
	for i := len(d.mounts) - 1; i >= 0; i-- {
		if d.mounts[i].DoesChunkExist(id) {
			return d.mounts[i], true
		}
	}
	return nil, false
}

// Mounted returns the mounted readers in mount order.
func (d *Dispatcher) Mounted() []*pak.Reader {
	d.mountsMu.RLock()
	defer d.mountsMu.RUnlock()
	return append([]*pak.Reader(nil), d.mounts...)
}

// DoesChunkExist reports whether any mounted container holds the chunk.
func (d *Dispatcher) DoesChunkExist(id chunkid.ChunkID) bool {
	_, ok := d.Lookup(id)
	return ok
}

// GetSizeForChunk returns the uncompressed payload size of a chunk.
func (d *Dispatcher) GetSizeForChunk(id chunkid.ChunkID) (uint64, error) {
	r, ok := d.Lookup(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", pak.ErrNotFound, id)
	}
	return r.GetSizeForChunk(id)
}

// RequestOptions tunes one request beyond chunk, range and priority.
type RequestOptions struct {
	// Dst receives the payload in place of a dispatcher-owned buffer.
	// Must hold the full requested size. GetReadResults returns nil for
	// requests with a caller buffer.
	Dst []byte

	// Callback runs on the completing goroutine right after the status
	// becomes visible. Keep it cheap.
	Callback func(Status)
}

// NewRequest starts an asynchronous read of size payload bytes at
// offset within a chunk. size -1 means through the end of the chunk.
// The request always completes exactly once; resolution failures
// surface as a completed request, never an error return.
func (d *Dispatcher) NewRequest(id chunkid.ChunkID, offset, size int64, prio Priority) IORequest {
	return d.submit(id, offset, size, prio, RequestOptions{}, false)
}

// NewRequestWith is NewRequest with a caller buffer or callback.
func (d *Dispatcher) NewRequestWith(id chunkid.ChunkID, offset, size int64, prio Priority, opts RequestOptions) IORequest {
	return d.submit(id, offset, size, prio, opts, false)
}

// Precache warms the raw block cache for a whole chunk without
// allocating or filling a destination buffer.
func (d *Dispatcher) Precache(id chunkid.ChunkID, prio Priority) IORequest {
	return d.submit(id, 0, -1, prio, RequestOptions{}, true)
}

func (d *Dispatcher) submit(id chunkid.ChunkID, offset, size int64, prio Priority, opts RequestOptions, precache bool) *Request {
	r := d.alloc.get()
	r.d = d
	r.chunk = id
	r.priority = prio
	r.precache = precache
	r.callback = opts.Callback
	r.prioSeq = d.completions.assign(prio)

	reader, ok := d.Lookup(id)
	if !ok {
		r.completeDirect(StatusNotFound)
		return r
	}
	total, err := reader.GetSizeForChunk(id)
	if err != nil {
		r.completeDirect(StatusNotFound)
		return r
	}
	if size < 0 {
		size = int64(total) - offset
	}
	if offset < 0 || size < 0 || offset+size > int64(total) {
		r.completeDirect(StatusFailed)
		return r
	}
	r.offset, r.size = offset, size

	if reader.Locked() {
		r.completeDirect(StatusKeyMissing)
		return r
	}
	if size == 0 {
		r.completeDirect(StatusSuccess)
		return r
	}
	if !precache {
		if opts.Dst != nil {
			if int64(len(opts.Dst)) < size {
				r.completeDirect(StatusFailed)
				return r
			}
			r.dst = opts.Dst[:size]
		} else {
			r.dst = make([]byte, size)
			r.ownedDst = true
		}
	}

	blocks, _ := reader.Blocks(id)
	bs := int64(reader.BlockSizeBytes())
	first := offset / bs
	last := (offset + size - 1) / bs
	r.remaining.Store(int32(last - first + 1))

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		r.completeDirect(StatusFailed)
		return r
	}
	var ready []*pendingBlock
	for bi := first; bi <= last; bi++ {
		m := blocks[bi]
		blockStart := bi * bs
		srcOff := int64(0)
		if offset > blockStart {
			srcOff = offset - blockStart
		}
		end := blockStart + int64(m.UncompressedSize)
		if reqEnd := offset + size; reqEnd < end {
			end = reqEnd
		}
		att := attachment{
			req:    r,
			srcOff: int(srcOff),
			n:      int(end - blockStart - srcOff),
			dstOff: blockStart + srcOff - offset,
		}
		if pb := d.attachBlock(reader, m, att); pb != nil {
			ready = append(ready, pb)
		}
	}
	d.mu.Unlock()

	for _, pb := range ready {
		d.scheduleDecode(pb)
	}
	return r
}

// Release recycles a completed request record. The request and any
// buffer returned by GetReadResults must not be used afterwards. A
// cancelled request whose blocks are still in flight is left to the
// garbage collector instead of the pool.
func (d *Dispatcher) Release(req IORequest) {
	r, ok := req.(*Request)
	if !ok || !r.PollCompletion() || r.remaining.Load() > 0 {
		return
	}
	d.alloc.put(r)
}

// Close shuts the pipeline down: queued reads fail, in-flight decodes
// finish. Mounted containers stay mounted for synchronous use.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	close(d.wake)
	<-d.workerDone
	d.decodeWG.Wait()
	log.Info("dispatcher stopped")
}
