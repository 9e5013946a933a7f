package dispatch

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/pakio/internal/chunkid"
	"github.com/keshon/pakio/internal/fs"
	"github.com/keshon/pakio/internal/keys"
	"github.com/keshon/pakio/internal/pak"
)

const settleLimit = 10 * time.Second

// faultFS serves reads normally until armed, then fails every ReadAt.
type faultFS struct {
	fs.FS
	armed atomic.Bool
}

func (f *faultFS) OpenRead(path string) (fs.File, error) {
	file, err := f.FS.OpenRead(path)
	if err != nil {
		return nil, err
	}
	return &faultFile{File: file, fs: f}, nil
}

type faultFile struct {
	fs.File
	fs *faultFS
}

func (f *faultFile) ReadAt(p []byte, off int64) (int, error) {
	if f.fs.armed.Load() {
		return 0, errors.New("device gone")
	}
	return f.File.ReadAt(p, off)
}

// A container block that straddles two cache blocks waits on both raw
// reads; when they fail the block must settle exactly once, so the
// request's outstanding-block count drains to exactly zero.
func TestRawFailureSettlesStraddlingBlocksOnce(t *testing.T) {
	mem := fs.NewMemoryFS()
	b, err := pak.NewBuilder(mem, pak.BuilderOptions{})
	require.NoError(t, err)
	payload := make([]byte, 1024*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	id := chunkid.FromPath("flaky.bin")
	require.NoError(t, b.AddChunk(id, payload))
	require.NoError(t, b.Write("packs/flaky.pak"))

	// 96 KiB cache blocks over 64 KiB container blocks: every third
	// container block spans two cache blocks.
	ff := &faultFS{FS: mem}
	d := New(ff, keys.NewKeyring(), Options{BlockSize: 96 * 1024})
	defer d.Close()
	_, err = d.Mount("packs/flaky.pak")
	require.NoError(t, err)
	ff.armed.Store(true)

	r := d.NewRequest(id, 0, -1, PriorityNormal)
	require.True(t, r.WaitCompletion(settleLimit))
	assert.Equal(t, StatusFailed, r.Status())

	// Let every raw failure land, then check the accounting: the cache
	// and tracker must be empty and no block may have been failed twice.
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.raws) == 0 && len(d.blocks) == 0 && d.queue.len() == 0
	}, settleLimit, time.Millisecond)

	req := r.(*Request)
	assert.Equal(t, int32(0), req.remaining.Load(),
		"every container block settles exactly once")
}

// A request attaching while a block's decode is in flight joins that
// decode instead of starting a second one for the same key.
func TestAttachDuringDecodeCoalesces(t *testing.T) {
	mem := fs.NewMemoryFS()
	b, err := pak.NewBuilder(mem, pak.BuilderOptions{})
	require.NoError(t, err)
	payload := make([]byte, 128*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	id := chunkid.FromPath("twice.bin")
	require.NoError(t, b.AddChunk(id, payload))
	require.NoError(t, b.Write("packs/twice.pak"))

	d := New(mem, keys.NewKeyring(), Options{})
	defer d.Close()
	reader, err := d.Mount("packs/twice.pak")
	require.NoError(t, err)

	// Warm the raw cache so attachments find every region resident.
	warm := d.NewRequest(id, 0, -1, PriorityNormal)
	require.True(t, warm.WaitCompletion(settleLimit))
	require.Equal(t, StatusSuccess, warm.Status())

	blocks, ok := reader.Blocks(id)
	require.True(t, ok)
	meta := blocks[0]

	newReq := func() *Request {
		r := d.alloc.get()
		r.d = d
		r.chunk = id
		r.priority = PriorityNormal
		r.prioSeq = d.completions.assign(PriorityNormal)
		r.size = int64(meta.UncompressedSize)
		r.dst = make([]byte, meta.UncompressedSize)
		r.ownedDst = true
		r.remaining.Store(1)
		return r
	}
	att := func(r *Request) attachment {
		return attachment{req: r, srcOff: 0, n: meta.UncompressedSize, dstOff: 0}
	}
	first, second := newReq(), newReq()

	d.mu.Lock()
	pb := d.attachBlock(reader, meta, att(first))
	require.NotNil(t, pb, "cached raws make the block immediately decodable")
	joined := d.attachBlock(reader, meta, att(second))
	d.mu.Unlock()
	assert.Nil(t, joined, "second attachment joins the tracked block")

	d.decodeBlock(pb)
	require.True(t, first.WaitCompletion(settleLimit))
	require.True(t, second.WaitCompletion(settleLimit))
	assert.Equal(t, StatusSuccess, first.Status())
	assert.Equal(t, StatusSuccess, second.Status())
	assert.Equal(t, payload[:meta.UncompressedSize], first.dst)
	assert.Equal(t, payload[:meta.UncompressedSize], second.dst)
}
