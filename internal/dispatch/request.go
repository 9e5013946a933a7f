package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/keshon/pakio/internal/chunkid"
)

// IORequest is the caller-visible handle to one in-flight read.
type IORequest interface {
	// PollCompletion reports whether the request has completed.
	PollCompletion() bool

	// WaitCompletion blocks until completion or the timeout elapses.
	// A non-positive timeout waits forever. Reports completion.
	WaitCompletion(timeout time.Duration) bool

	// GetReadResults returns the loaded bytes when the request owns
	// its destination buffer and completed successfully; nil for
	// caller-supplied buffers, precache requests, and failures. The
	// request owns the allocation until it is released.
	GetReadResults() []byte

	// GetSize returns the number of payload bytes the request covers.
	GetSize() int64

	// Status returns the terminal status, or StatusPending.
	Status() Status

	// Cancel requests best-effort cancellation. Idempotent. The
	// request still completes exactly once, with StatusCancelled if
	// the cancel won the race.
	Cancel()
}

// Request is the dispatcher's record of one resolved user call.
// Allocated from a fixed pool; one cache line of hot fields.
type Request struct {
	chunk    chunkid.ChunkID
	priority Priority
	precache bool

	// payload subrange
	offset int64
	size   int64

	dst      []byte
	ownedDst bool

	status    atomic.Int32
	cancelled atomic.Bool
	remaining atomic.Int32
	failure   atomic.Int32 // sticky first failure status among blocks
	sealed    atomic.Bool  // completion path claimed

	done     chan struct{}
	callback func(Status)

	// completion ordering
	prioSeq uint64

	d    *Dispatcher
	next *Request // allocator free list
}

var _ IORequest = (*Request)(nil)

func (r *Request) PollCompletion() bool {
	return Status(r.status.Load()).Done()
}

func (r *Request) WaitCompletion(timeout time.Duration) bool {
	if timeout <= 0 {
		<-r.done
		return true
	}
	select {
	case <-r.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (r *Request) GetReadResults() []byte {
	if Status(r.status.Load()) != StatusSuccess {
		return nil
	}
	if !r.ownedDst || r.precache {
		return nil
	}
	return r.dst
}

func (r *Request) GetSize() int64 { return r.size }

func (r *Request) Status() Status { return Status(r.status.Load()) }

func (r *Request) Cancel() {
	if !r.cancelled.CompareAndSwap(false, true) {
		return
	}
	// Complete immediately when the cancel wins; in-flight raw reads
	// finish on their own and populate the cache.
	r.completeDirect(StatusCancelled)
}

// noteBlockFailure records the first failing block status.
func (r *Request) noteBlockFailure(s Status) {
	r.failure.CompareAndSwap(int32(StatusPending), int32(s))
}

// blockDone is called once per attached compressed block. The final
// call resolves the request status and hands it to the completion
// sequencer so equal-priority requests complete in enqueue order. A
// request the cancel path already sealed stays untouched; its blocks
// were only finishing to populate the cache.
func (r *Request) blockDone() {
	if r.remaining.Add(-1) != 0 {
		return
	}
	if !r.sealed.CompareAndSwap(false, true) {
		return
	}
	status := StatusSuccess
	if f := Status(r.failure.Load()); f != StatusPending {
		status = f
	}
	r.d.completions.deliver(r, status)
}

// completeDirect finishes the request out of band (cancel, immediate
// failures) and releases its completion slot.
func (r *Request) completeDirect(status Status) {
	if !r.sealed.CompareAndSwap(false, true) {
		return
	}
	r.finish(status)
	r.d.completions.markDone(r)
}

// finish transitions to a terminal status exactly once.
func (r *Request) finish(status Status) bool {
	if !r.status.CompareAndSwap(int32(StatusPending), int32(status)) {
		return false
	}
	close(r.done)
	if r.callback != nil {
		r.callback(status)
	}
	return true
}

// allocator is a fixed-capacity pool of request records recycled
// through a free list.
type allocator struct {
	mu       sync.Mutex
	free     *Request
	freeLen  int
	capacity int
}

func newAllocator(capacity int) *allocator {
	a := &allocator{capacity: capacity}
	for i := 0; i < capacity; i++ {
		a.free = &Request{next: a.free}
	}
	a.freeLen = capacity
	return a
}

func (a *allocator) get() *Request {
	a.mu.Lock()
	r := a.free
	if r != nil {
		a.free = r.next
		a.freeLen--
	}
	a.mu.Unlock()
	if r == nil {
		// Pool exhausted: fall back to the heap rather than block the
		// caller; the pool recovers as requests are released.
		r = &Request{}
	}
	*r = Request{done: make(chan struct{})}
	return r
}

// put recycles a completed request record. The caller must not touch
// the request afterwards.
func (a *allocator) put(r *Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeLen >= a.capacity {
		return
	}
	r.next = a.free
	a.free = r
	a.freeLen++
}
