package dispatch

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/keshon/pakio/internal/compress"
	"github.com/keshon/pakio/internal/keys"
	"github.com/keshon/pakio/internal/pak"
)

// worker is the single platform I/O goroutine. It pops pending reads
// in priority order, fills cache buffers and hands completed blocks to
// the decode pool. Running all reads on one goroutine keeps disk access
// sequentialized and makes the read queue the only ordering authority.
func (d *Dispatcher) worker() {
	defer close(d.workerDone)
	defer d.drainQueue()

	for range d.wake {
		for {
			d.mu.Lock()
			if d.closed {
				d.mu.Unlock()
				return
			}
			rr := d.queue.pop()
			if rr == nil {
				d.mu.Unlock()
				break
			}
			raw := rr.block
			raw.state = rawReading
			raw.queued = nil
			buf := d.acquireBufLocked()
			d.mu.Unlock()

			if buf == nil {
				d.failRaw(raw, nil)
				return
			}
			d.serviceRead(raw, buf)
		}
	}
}

// signalWorker wakes the I/O goroutine; a wake already pending covers
// any number of queued reads. Caller holds d.mu with the dispatcher
// open, so the channel cannot be closed underneath.
func (d *Dispatcher) signalWorker() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// serviceRead performs one platform read, retrying once on a transient
// failure, then marks the cache block ready and releases its waiters.
func (d *Dispatcher) serviceRead(raw *rawBlock, buf []byte) {
	n, err := d.readRegion(raw, buf)
	if err != nil {
		log.WithFields(log.Fields{
			"container": raw.key.container.String(),
			"offset":    raw.key.offset,
		}).Warn("raw read failed, retrying once")
		n, err = d.readRegion(raw, buf)
	}
	if err != nil {
		d.failRaw(raw, buf)
		return
	}

	d.mu.Lock()
	raw.buf = buf[:n]
	raw.state = rawReady
	raw.lruElem = d.lru.PushBack(raw)
	waiters := raw.waiters
	raw.waiters = nil

	var ready, dead []*pendingBlock
	for _, pb := range waiters {
		pb.remainingRaw--
		if pb.remainingRaw > 0 {
			continue
		}
		if pb.failed {
			// Another raw of this block failed; this read only settled
			// the count.
			delete(d.blocks, pb.key)
			d.releaseBlockRaws(pb)
			dead = append(dead, pb)
			continue
		}
		ready = append(ready, pb)
	}
	d.mu.Unlock()

	for _, pb := range dead {
		failBlock(pb, StatusFailed)
	}
	for _, pb := range ready {
		d.scheduleDecode(pb)
	}
}

// readRegion reads one cache block worth of file bytes. Short reads at
// end of file are fine; callers validate coverage per compressed block.
func (d *Dispatcher) readRegion(raw *rawBlock, buf []byte) (int, error) {
	f := raw.reader.File(raw.key.fileIndex)
	n, err := f.ReadAt(buf[:d.opts.BlockSize], raw.key.offset)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// failRaw kills a cache block whose read failed: every pending block
// waiting on it is marked dead, and the buffer returns to the pool. A
// block spanning two cache blocks waits on both, so it settles only
// once its count drains; whichever raw finishes last fails it, exactly
// once. Caller holds d.mu.
func (d *Dispatcher) failRawLocked(raw *rawBlock) []*pendingBlock {
	delete(d.raws, raw.key)
	waiters := raw.waiters
	raw.waiters = nil

	var dead []*pendingBlock
	for _, pb := range waiters {
		pb.failed = true
		pb.remainingRaw--
		if pb.remainingRaw > 0 {
			continue // its other raw settles it
		}
		delete(d.blocks, pb.key)
		d.releaseBlockRaws(pb)
		dead = append(dead, pb)
	}
	return dead
}

func (d *Dispatcher) failRaw(raw *rawBlock, buf []byte) {
	d.mu.Lock()
	if buf != nil {
		d.freeBufs = append(d.freeBufs, buf[:cap(buf)])
	}
	dead := d.failRawLocked(raw)
	d.cond.Broadcast()
	d.mu.Unlock()

	for _, pb := range dead {
		failBlock(pb, StatusFailed)
	}
}

// drainQueue fails everything still queued at shutdown.
func (d *Dispatcher) drainQueue() {
	d.mu.Lock()
	var dead []*pendingBlock
	for {
		rr := d.queue.pop()
		if rr == nil {
			break
		}
		dead = append(dead, d.failRawLocked(rr.block)...)
	}
	d.mu.Unlock()

	for _, pb := range dead {
		failBlock(pb, StatusFailed)
	}
}

// scheduleDecode hands a fully cached block to the bounded decode pool.
func (d *Dispatcher) scheduleDecode(pb *pendingBlock) {
	d.decodeWG.Add(1)
	go func() {
		defer d.decodeWG.Done()
		if err := d.decodeSem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer d.decodeSem.Release(1)
		d.decodeBlock(pb)
	}()
}

// decodeBlock verifies, decrypts, decompresses and scatters one block,
// then completes its attachments. Cache buffers are immutable once
// ready, so no lock is held during the heavy work. The block stays in
// the tracking map while attachments drain: requests arriving mid-decode
// append to it and are served from this decode instead of starting a
// second one for the same key.
func (d *Dispatcher) decodeBlock(pb *pendingBlock) {
	out, status := d.decodePayload(pb)

	d.mu.Lock()
	for {
		atts := pb.attachments
		pb.attachments = nil
		if len(atts) == 0 {
			delete(d.blocks, pb.key)
			d.releaseBlockRaws(pb)
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		if status == StatusSuccess {
			for _, att := range atts {
				if att.req.cancelled.Load() || att.req.dst == nil {
					continue
				}
				copy(att.req.dst[att.dstOff:att.dstOff+int64(att.n)], out[att.srcOff:att.srcOff+att.n])
			}
		}
		for _, att := range atts {
			if status != StatusSuccess {
				att.req.noteBlockFailure(status)
			}
			att.req.blockDone()
		}
		d.mu.Lock()
	}
}

// decodePayload assembles the block's on-disk bytes from its cache
// buffers and runs the verify-decrypt-decompress pipeline.
func (d *Dispatcher) decodePayload(pb *pendingBlock) ([]byte, Status) {
	m := pb.meta
	onDisk := make([]byte, m.OnDiskSize)
	covered := 0
	for _, raw := range pb.raws {
		// Overlap of the cache block with the compressed block region.
		lo := m.FileOffset
		if raw.key.offset > lo {
			lo = raw.key.offset
		}
		hi := m.FileOffset + int64(m.OnDiskSize)
		if end := raw.key.offset + int64(len(raw.buf)); end < hi {
			hi = end
		}
		if hi <= lo {
			continue
		}
		covered += copy(onDisk[lo-m.FileOffset:hi-m.FileOffset], raw.buf[lo-raw.key.offset:hi-raw.key.offset])
	}
	if covered != m.OnDiskSize {
		log.WithFields(log.Fields{
			"container": pb.key.container.String(),
			"offset":    m.GlobalOffset,
			"covered":   covered,
			"want":      m.OnDiskSize,
		}).Error("short block coverage")
		return nil, StatusFailed
	}

	if m.SigIndex >= 0 {
		sum := sha1.Sum(onDisk)
		if subtle.ConstantTimeCompare(sum[:], pb.reader.Signature(m.SigIndex)) != 1 {
			d.emitSignatureError(SignatureError{
				Container:    pb.key.container,
				GlobalOffset: m.GlobalOffset,
				SigIndex:     m.SigIndex,
			})
			return nil, StatusSignatureMismatch
		}
	}

	if pb.reader.Flags().Has(pak.FlagEncrypted) {
		key, ok := pb.reader.Key()
		if !ok {
			return nil, StatusKeyMissing
		}
		if err := keys.CryptBlock(key, pb.reader.KeyGUID(), m.GlobalOffset, onDisk); err != nil {
			return nil, StatusFailed
		}
	}

	out, err := compress.Decompress(m.Method, onDisk, m.UncompressedSize)
	if err != nil {
		return nil, StatusDecompressFailed
	}
	return out, StatusSuccess
}
