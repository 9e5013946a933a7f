package dispatch

import (
	"container/list"

	"github.com/keshon/pakio/internal/chunkid"
	"github.com/keshon/pakio/internal/pak"
)

// rawKey identifies one cache-block-aligned region of a partition file.
type rawKey struct {
	container chunkid.ContainerID
	fileIndex int
	offset    int64
}

type rawState int

const (
	rawQueued rawState = iota
	rawReading
	rawReady
)

// rawBlock is one slot of the raw block cache. refs counts the pending
// compressed blocks holding it; only zero-ref ready blocks may be
// evicted. All fields are guarded by the dispatcher state lock.
type rawBlock struct {
	key    rawKey
	reader *pak.Reader
	state  rawState

	buf []byte // valid bytes once ready; may be short at end of file

	refs    int
	waiters []*pendingBlock

	queued  *rawRead      // heap entry while state == rawQueued
	lruElem *list.Element // tracked while ready
}

// rawRef returns the cache entry for a file region, creating and
// queueing a read when none exists. The caller's reference is counted.
// Caller holds d.mu.
func (d *Dispatcher) rawRef(r *pak.Reader, fileIndex int, offset int64, prio Priority) *rawBlock {
	key := rawKey{container: r.ContainerID(), fileIndex: fileIndex, offset: offset}
	raw := d.raws[key]
	if raw != nil {
		raw.refs++
		if raw.state == rawQueued && raw.queued.priority < prio {
			d.queue.raise(raw.queued, prio)
		}
		if raw.state == rawReady && raw.lruElem != nil {
			d.lru.MoveToBack(raw.lruElem)
		}
		return raw
	}

	raw = &rawBlock{key: key, reader: r, refs: 1}
	raw.queued = d.queue.push(raw, prio)
	d.raws[key] = raw
	d.signalWorker()
	return raw
}

// rawUnref drops one reference. Zero-ref ready blocks stay cached until
// evicted; a freed buffer may unblock the worker. Caller holds d.mu.
func (d *Dispatcher) rawUnref(raw *rawBlock) {
	raw.refs--
	if raw.refs == 0 && raw.state == rawReady {
		d.cond.Signal()
	}
}

// acquireBufLocked hands the worker a block-sized buffer, evicting the
// least recently used zero-ref ready block when the free list is empty.
// Blocks until a buffer frees up; every pending read holds references,
// so this is the back-pressure point. Returns nil once closed.
func (d *Dispatcher) acquireBufLocked() []byte {
	for {
		if d.closed {
			return nil
		}
		if n := len(d.freeBufs); n > 0 {
			buf := d.freeBufs[n-1]
			d.freeBufs = d.freeBufs[:n-1]
			return buf
		}
		if buf := d.evictLocked(); buf != nil {
			return buf
		}
		d.cond.Wait()
	}
}

// evictLocked removes the oldest zero-ref ready block and reclaims its
// buffer. Caller holds d.mu.
func (d *Dispatcher) evictLocked() []byte {
	for e := d.lru.Front(); e != nil; e = e.Next() {
		raw := e.Value.(*rawBlock)
		if raw.refs > 0 {
			continue
		}
		d.lru.Remove(e)
		delete(d.raws, raw.key)
		buf := raw.buf[:cap(raw.buf)]
		raw.buf = nil
		return buf
	}
	return nil
}

// purgeContainer drops every cached block of a container. Fails while
// any of them is still referenced or in flight. Caller holds d.mu.
func (d *Dispatcher) purgeContainer(id chunkid.ContainerID) error {
	for _, raw := range d.raws {
		if raw.key.container == id && (raw.refs > 0 || raw.state != rawReady) {
			return ErrContainerBusy
		}
	}
	for key, raw := range d.raws {
		if key.container != id {
			continue
		}
		if raw.lruElem != nil {
			d.lru.Remove(raw.lruElem)
		}
		delete(d.raws, key)
		d.freeBufs = append(d.freeBufs, raw.buf[:cap(raw.buf)])
	}
	d.cond.Broadcast()
	return nil
}
