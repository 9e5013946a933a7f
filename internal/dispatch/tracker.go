package dispatch

import (
	"github.com/keshon/pakio/internal/chunkid"
	"github.com/keshon/pakio/internal/pak"
)

// blockKey identifies one compressed block across all requests, so
// concurrent reads of overlapping ranges decode each block once.
type blockKey struct {
	container chunkid.ContainerID
	global    int64
}

// attachment scatters one decoded block slice into a request buffer.
type attachment struct {
	req    *Request
	srcOff int   // into the decoded block
	n      int   // bytes to copy
	dstOff int64 // into the request destination
}

// pendingBlock tracks one compressed block being read and decoded. It
// lives in the dispatcher block map from creation until its decode has
// drained every attachment (or a raw read failure settles it), so at
// most one read-and-decode is ever in flight per block key; later
// requests attach instead of re-reading. All fields are guarded by the
// dispatcher state lock.
type pendingBlock struct {
	key    blockKey
	meta   pak.BlockMeta
	reader *pak.Reader

	raws         []*rawBlock // 1 or 2 cache blocks covering the on-disk bytes
	remainingRaw int
	failed       bool // a raw read failed; settle instead of decoding

	attachments []attachment
}

// attachBlock joins a request to a compressed block, coalescing with an
// in-flight one when present. Returns the block when every raw region
// is already cached, in which case the caller schedules decoding.
// Caller holds d.mu.
func (d *Dispatcher) attachBlock(r *pak.Reader, meta pak.BlockMeta, att attachment) *pendingBlock {
	key := blockKey{container: r.ContainerID(), global: meta.GlobalOffset}
	if pb := d.blocks[key]; pb != nil {
		pb.attachments = append(pb.attachments, att)
		for _, raw := range pb.raws {
			if raw.state == rawQueued && raw.queued.priority < att.req.priority {
				d.queue.raise(raw.queued, att.req.priority)
			}
		}
		return nil
	}

	pb := &pendingBlock{key: key, meta: meta, reader: r}
	bs := int64(d.opts.BlockSize)
	start := meta.FileOffset - meta.FileOffset%bs
	end := meta.FileOffset + int64(meta.OnDiskSize)
	for off := start; off < end; off += bs {
		raw := d.rawRef(r, meta.FileIndex, off, att.req.priority)
		pb.raws = append(pb.raws, raw)
		if raw.state != rawReady {
			raw.waiters = append(raw.waiters, pb)
			pb.remainingRaw++
		}
	}
	pb.attachments = append(pb.attachments, att)
	d.blocks[key] = pb

	if pb.remainingRaw == 0 {
		return pb
	}
	return nil
}

// releaseBlockRaws drops the block's cache references. Caller holds d.mu.
func (d *Dispatcher) releaseBlockRaws(pb *pendingBlock) {
	for _, raw := range pb.raws {
		d.rawUnref(raw)
	}
}

// failBlock completes every attachment of a dead block with a failure
// status. Must be called without d.mu held (completion callbacks may
// re-enter the dispatcher).
func failBlock(pb *pendingBlock, status Status) {
	for _, att := range pb.attachments {
		att.req.noteBlockFailure(status)
		att.req.blockDone()
	}
}
