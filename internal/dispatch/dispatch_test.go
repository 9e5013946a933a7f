package dispatch_test

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/pakio/internal/chunkid"
	"github.com/keshon/pakio/internal/compress"
	"github.com/keshon/pakio/internal/dispatch"
	"github.com/keshon/pakio/internal/fs"
	"github.com/keshon/pakio/internal/keys"
	"github.com/keshon/pakio/internal/pak"
)

const waitLimit = 10 * time.Second

func patternChunk(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func buildContainer(t *testing.T, fsys fs.FS, opts pak.BuilderOptions, chunks map[string][]byte) string {
	t.Helper()
	b, err := pak.NewBuilder(fsys, opts)
	require.NoError(t, err)
	for path, data := range chunks {
		require.NoError(t, b.AddChunk(chunkid.FromPath(path), data))
	}
	path := "packs/test.pak"
	require.NoError(t, b.Write(path))
	return path
}

func await(t *testing.T, r dispatch.IORequest) dispatch.Status {
	t.Helper()
	require.True(t, r.WaitCompletion(waitLimit), "request did not complete")
	return r.Status()
}

// gatedFS blocks every ReadAt while a gate channel is installed and
// records the order of read offsets.
type gatedFS struct {
	fs.FS
	gate atomic.Pointer[chan struct{}]

	mu      sync.Mutex
	offsets []int64
}

func newGatedFS(base fs.FS) *gatedFS { return &gatedFS{FS: base} }

func (g *gatedFS) close() {
	ch := make(chan struct{})
	g.gate.Store(&ch)
}

func (g *gatedFS) open() {
	if ch := g.gate.Swap(nil); ch != nil {
		close(*ch)
	}
}

func (g *gatedFS) readOffsets() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.offsets...)
}

func (g *gatedFS) OpenRead(path string) (fs.File, error) {
	f, err := g.FS.OpenRead(path)
	if err != nil {
		return nil, err
	}
	return &gatedFile{File: f, fs: g}, nil
}

type gatedFile struct {
	fs.File
	fs *gatedFS
}

// ReadAt records the offset before waiting so tests can observe the
// order reads leave the queue even while the gate is shut.
func (f *gatedFile) ReadAt(p []byte, off int64) (int, error) {
	f.fs.mu.Lock()
	f.fs.offsets = append(f.fs.offsets, off)
	f.fs.mu.Unlock()
	if ch := f.fs.gate.Load(); ch != nil {
		<-*ch
	}
	return f.File.ReadAt(p, off)
}

func TestSingleSmallRead(t *testing.T) {
	mem := fs.NewMemoryFS()
	want := []byte("a very small payload")
	path := buildContainer(t, mem, pak.BuilderOptions{}, map[string][]byte{"small.bin": want})

	d := dispatch.New(mem, keys.NewKeyring(), dispatch.Options{})
	defer d.Close()
	_, err := d.Mount(path)
	require.NoError(t, err)

	r := d.NewRequest(chunkid.FromPath("small.bin"), 0, -1, dispatch.PriorityNormal)
	assert.Equal(t, dispatch.StatusSuccess, await(t, r))
	assert.Equal(t, int64(len(want)), r.GetSize())
	assert.True(t, bytes.Equal(want, r.GetReadResults()))
	d.Release(r)
}

func TestSubrangeAcrossBlocks(t *testing.T) {
	mem := fs.NewMemoryFS()
	want := patternChunk(128 * 1024)
	path := buildContainer(t, mem, pak.BuilderOptions{Compression: compress.MethodZstd},
		map[string][]byte{"big.bin": want})

	d := dispatch.New(mem, keys.NewKeyring(), dispatch.Options{})
	defer d.Close()
	_, err := d.Mount(path)
	require.NoError(t, err)

	// 60000..80000 straddles the 64 KiB block boundary.
	r := d.NewRequest(chunkid.FromPath("big.bin"), 60000, 20000, dispatch.PriorityNormal)
	assert.Equal(t, dispatch.StatusSuccess, await(t, r))
	assert.True(t, bytes.Equal(want[60000:80000], r.GetReadResults()))
}

func TestConcurrentRequestsCoalesce(t *testing.T) {
	mem := fs.NewMemoryFS()
	counting := fs.NewCountingFS(mem)
	want := patternChunk(1024 * 1024)
	path := buildContainer(t, mem, pak.BuilderOptions{}, map[string][]byte{"huge.bin": want})

	d := dispatch.New(counting, keys.NewKeyring(), dispatch.Options{})
	defer d.Close()
	_, err := d.Mount(path)
	require.NoError(t, err)
	counting.ResetCounters()

	id := chunkid.FromPath("huge.bin")
	var wg sync.WaitGroup
	results := make([]dispatch.IORequest, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := d.NewRequest(id, 0, -1, dispatch.PriorityNormal)
			r.WaitCompletion(waitLimit)
			results[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.Equal(t, dispatch.StatusSuccess, r.Status())
		assert.True(t, bytes.Equal(want, r.GetReadResults()))
	}

	// 1 MiB of aligned payload is 16 cache blocks: ten overlapping
	// requests must not read a single block twice.
	assert.Equal(t, int64(16), counting.Reads())
}

func TestPrecacheWarmsCache(t *testing.T) {
	mem := fs.NewMemoryFS()
	counting := fs.NewCountingFS(mem)
	want := patternChunk(256 * 1024)
	path := buildContainer(t, mem, pak.BuilderOptions{}, map[string][]byte{"warm.bin": want})

	d := dispatch.New(counting, keys.NewKeyring(), dispatch.Options{})
	defer d.Close()
	_, err := d.Mount(path)
	require.NoError(t, err)
	counting.ResetCounters()

	id := chunkid.FromPath("warm.bin")
	p := d.Precache(id, dispatch.PriorityLow)
	assert.Equal(t, dispatch.StatusSuccess, await(t, p))
	assert.Nil(t, p.GetReadResults(), "precache owns no result buffer")
	warmReads := counting.Reads()
	assert.Equal(t, int64(4), warmReads)

	r := d.NewRequest(id, 0, -1, dispatch.PriorityNormal)
	assert.Equal(t, dispatch.StatusSuccess, await(t, r))
	assert.True(t, bytes.Equal(want, r.GetReadResults()))
	assert.Equal(t, warmReads, counting.Reads(), "warm read must be served from cache")
}

func TestCancelCompletesImmediately(t *testing.T) {
	mem := fs.NewMemoryFS()
	want := patternChunk(10 * 1024 * 1024)
	path := buildContainer(t, mem, pak.BuilderOptions{}, map[string][]byte{"long.bin": want})

	gated := newGatedFS(mem)
	d := dispatch.New(gated, keys.NewKeyring(), dispatch.Options{})
	defer d.Close()
	_, err := d.Mount(path)
	require.NoError(t, err)

	gated.close()
	id := chunkid.FromPath("long.bin")
	r := d.NewRequest(id, 0, -1, dispatch.PriorityNormal)

	r.Cancel()
	assert.True(t, r.PollCompletion(), "cancel completes without waiting for I/O")
	assert.Equal(t, dispatch.StatusCancelled, r.Status())
	assert.Nil(t, r.GetReadResults())
	r.Cancel() // idempotent

	// In-flight reads finish on their own and land in the cache.
	gated.open()
	again := d.NewRequest(id, 0, 4096, dispatch.PriorityNormal)
	assert.Equal(t, dispatch.StatusSuccess, await(t, again))
	assert.True(t, bytes.Equal(want[:4096], again.GetReadResults()))
}

func TestEncryptedKeyGate(t *testing.T) {
	mem := fs.NewMemoryFS()
	var guid keys.GUID
	for i := range guid {
		guid[i] = byte(i + 1)
	}
	key := make([]byte, keys.KeySize)
	for i := range key {
		key[i] = byte(0x5A ^ i)
	}
	want := patternChunk(100 * 1024)
	path := buildContainer(t, mem, pak.BuilderOptions{KeyGUID: guid, Key: key},
		map[string][]byte{"secret.bin": want})

	kr := keys.NewKeyring()
	d := dispatch.New(mem, kr, dispatch.Options{})
	defer d.Close()
	_, err := d.Mount(path)
	require.NoError(t, err)

	id := chunkid.FromPath("secret.bin")
	locked := d.NewRequest(id, 0, -1, dispatch.PriorityNormal)
	assert.Equal(t, dispatch.StatusKeyMissing, await(t, locked))

	// Registering the key unlocks the mounted container via the keyring
	// subscription; no remount needed.
	require.NoError(t, kr.RegisterKey(guid, key))
	r := d.NewRequest(id, 0, -1, dispatch.PriorityNormal)
	assert.Equal(t, dispatch.StatusSuccess, await(t, r))
	assert.True(t, bytes.Equal(want, r.GetReadResults()))
}

func TestSignatureMismatch(t *testing.T) {
	mem := fs.NewMemoryFS()
	want := patternChunk(100 * 1024)
	path := buildContainer(t, mem, pak.BuilderOptions{Signed: true},
		map[string][]byte{"signed.bin": want})

	probe, err := pak.Mount(mem, path, keys.NewKeyring())
	require.NoError(t, err)
	entry, ok := probe.Resolve(chunkid.FromPath("signed.bin"))
	require.True(t, ok)
	probe.Unmount()

	raw, err := mem.ReadFile(path)
	require.NoError(t, err)
	raw[entry.Offset+12345] ^= 0x01
	require.NoError(t, mem.WriteFile(path, raw, 0o644))

	d := dispatch.New(mem, keys.NewKeyring(), dispatch.Options{})
	defer d.Close()
	reader, err := d.Mount(path)
	require.NoError(t, err)

	r := d.NewRequest(chunkid.FromPath("signed.bin"), 0, -1, dispatch.PriorityNormal)
	assert.Equal(t, dispatch.StatusSignatureMismatch, await(t, r))
	assert.Nil(t, r.GetReadResults())

	select {
	case ev := <-d.SignatureErrors():
		assert.Equal(t, reader.ContainerID(), ev.Container)
	case <-time.After(waitLimit):
		t.Fatal("no signature error event")
	}
}

func TestNotFoundAndBadRange(t *testing.T) {
	mem := fs.NewMemoryFS()
	path := buildContainer(t, mem, pak.BuilderOptions{}, map[string][]byte{"x.bin": []byte("x")})

	d := dispatch.New(mem, keys.NewKeyring(), dispatch.Options{})
	defer d.Close()
	_, err := d.Mount(path)
	require.NoError(t, err)

	missing := d.NewRequest(chunkid.FromPath("nope.bin"), 0, -1, dispatch.PriorityNormal)
	assert.Equal(t, dispatch.StatusNotFound, await(t, missing))

	oob := d.NewRequest(chunkid.FromPath("x.bin"), 0, 999, dispatch.PriorityNormal)
	assert.Equal(t, dispatch.StatusFailed, await(t, oob))
}

func TestEqualPriorityCompletionOrder(t *testing.T) {
	mem := fs.NewMemoryFS()
	chunks := map[string][]byte{}
	for i := 0; i < 8; i++ {
		chunks[fmt.Sprintf("c%d.bin", i)] = patternChunk(96 * 1024)
	}
	path := buildContainer(t, mem, pak.BuilderOptions{Compression: compress.MethodLZ4}, chunks)

	gated := newGatedFS(mem)
	d := dispatch.New(gated, keys.NewKeyring(), dispatch.Options{})
	defer d.Close()
	_, err := d.Mount(path)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	gated.close()
	reqs := make([]dispatch.IORequest, 8)
	for i := range reqs {
		i := i
		reqs[i] = d.NewRequestWith(chunkid.FromPath(fmt.Sprintf("c%d.bin", i)), 0, -1,
			dispatch.PriorityNormal, dispatch.RequestOptions{
				Callback: func(dispatch.Status) {
					mu.Lock()
					order = append(order, i)
					mu.Unlock()
				},
			})
	}
	gated.open()

	for i, r := range reqs {
		assert.Equal(t, dispatch.StatusSuccess, await(t, r), "request %d", i)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 8)
	for i, got := range order {
		assert.Equal(t, i, got, "equal-priority requests complete in enqueue order")
	}
}

func TestHighPriorityReadsFirst(t *testing.T) {
	mem := fs.NewMemoryFS()
	chunks := map[string][]byte{
		"decoy.bin": patternChunk(64 * 1024),
		"low.bin":   patternChunk(64 * 1024),
		"high.bin":  patternChunk(64 * 1024),
	}
	path := buildContainer(t, mem, pak.BuilderOptions{}, chunks)

	gated := newGatedFS(mem)
	d := dispatch.New(gated, keys.NewKeyring(), dispatch.Options{})
	defer d.Close()
	reader, err := d.Mount(path)
	require.NoError(t, err)

	lowEntry, _ := reader.Resolve(chunkid.FromPath("low.bin"))
	highEntry, _ := reader.Resolve(chunkid.FromPath("high.bin"))

	// Pin the worker inside a decoy read, then queue low before high.
	gated.close()
	mountReads := len(gated.readOffsets())
	decoy := d.NewRequest(chunkid.FromPath("decoy.bin"), 0, -1, dispatch.PriorityNormal)
	require.Eventually(t, func() bool {
		return len(gated.readOffsets()) == mountReads+1
	}, waitLimit, time.Millisecond, "worker never picked up the decoy read")

	low := d.NewRequest(chunkid.FromPath("low.bin"), 0, -1, dispatch.PriorityLow)
	high := d.NewRequest(chunkid.FromPath("high.bin"), 0, -1, dispatch.PriorityHigh)
	gated.open()

	assert.Equal(t, dispatch.StatusSuccess, await(t, decoy))
	assert.Equal(t, dispatch.StatusSuccess, await(t, low))
	assert.Equal(t, dispatch.StatusSuccess, await(t, high))

	offsets := gated.readOffsets()[mountReads+1:]
	require.Len(t, offsets, 2)
	assert.Equal(t, int64(highEntry.Offset), offsets[0], "high priority read leaves the queue first")
	assert.Equal(t, int64(lowEntry.Offset), offsets[1])
}

func TestUnmountRefusedWhileBusy(t *testing.T) {
	mem := fs.NewMemoryFS()
	want := patternChunk(512 * 1024)
	path := buildContainer(t, mem, pak.BuilderOptions{}, map[string][]byte{"busy.bin": want})

	gated := newGatedFS(mem)
	d := dispatch.New(gated, keys.NewKeyring(), dispatch.Options{})
	defer d.Close()
	reader, err := d.Mount(path)
	require.NoError(t, err)

	gated.close()
	r := d.NewRequest(chunkid.FromPath("busy.bin"), 0, -1, dispatch.PriorityNormal)
	assert.ErrorIs(t, d.Unmount(reader.ContainerID()), dispatch.ErrContainerBusy)

	gated.open()
	assert.Equal(t, dispatch.StatusSuccess, await(t, r))
	assert.NoError(t, d.Unmount(reader.ContainerID()))
	assert.False(t, d.DoesChunkExist(chunkid.FromPath("busy.bin")))
}

func TestCallerBuffer(t *testing.T) {
	mem := fs.NewMemoryFS()
	want := patternChunk(32 * 1024)
	path := buildContainer(t, mem, pak.BuilderOptions{Compression: compress.MethodGzip},
		map[string][]byte{"into.bin": want})

	d := dispatch.New(mem, keys.NewKeyring(), dispatch.Options{})
	defer d.Close()
	_, err := d.Mount(path)
	require.NoError(t, err)

	dst := make([]byte, len(want))
	r := d.NewRequestWith(chunkid.FromPath("into.bin"), 0, -1, dispatch.PriorityNormal,
		dispatch.RequestOptions{Dst: dst})
	assert.Equal(t, dispatch.StatusSuccess, await(t, r))
	assert.Nil(t, r.GetReadResults(), "caller buffers are not surfaced back")
	assert.True(t, bytes.Equal(want, dst))
}

func TestBufferPoolBackPressure(t *testing.T) {
	mem := fs.NewMemoryFS()
	counting := fs.NewCountingFS(mem)
	want := patternChunk(1024 * 1024)
	path := buildContainer(t, mem, pak.BuilderOptions{}, map[string][]byte{"deep.bin": want})

	// Two buffers for a sixteen-block read: the worker must stall on
	// pool exhaustion and resume as decodes release slots.
	d := dispatch.New(counting, keys.NewKeyring(), dispatch.Options{CacheBlocks: 2})
	defer d.Close()
	_, err := d.Mount(path)
	require.NoError(t, err)
	counting.ResetCounters()

	r := d.NewRequest(chunkid.FromPath("deep.bin"), 0, -1, dispatch.PriorityNormal)
	assert.Equal(t, dispatch.StatusSuccess, await(t, r))
	assert.True(t, bytes.Equal(want, r.GetReadResults()))
	assert.Equal(t, int64(16), counting.Reads(), "each block read exactly once through two buffers")
}

func TestSameNameMountRefused(t *testing.T) {
	mem := fs.NewMemoryFS()

	first, err := pak.NewBuilder(mem, pak.BuilderOptions{})
	require.NoError(t, err)
	require.NoError(t, first.AddChunk(chunkid.FromPath("one.bin"), []byte("first payload")))
	require.NoError(t, first.Write("a/data.pak"))

	second, err := pak.NewBuilder(mem, pak.BuilderOptions{})
	require.NoError(t, err)
	require.NoError(t, second.AddChunk(chunkid.FromPath("two.bin"), []byte("second payload")))
	require.NoError(t, second.Write("b/data.pak"))

	d := dispatch.New(mem, keys.NewKeyring(), dispatch.Options{})
	defer d.Close()
	_, err = d.Mount("a/data.pak")
	require.NoError(t, err)

	// Container ids derive from the logical name and key the raw cache;
	// a second data.pak must be refused rather than alias the first.
	_, err = d.Mount("b/data.pak")
	assert.ErrorIs(t, err, dispatch.ErrAlreadyMounted)
	assert.True(t, d.DoesChunkExist(chunkid.FromPath("one.bin")))
	assert.False(t, d.DoesChunkExist(chunkid.FromPath("two.bin")))
}

func TestNewerMountShadowsOlder(t *testing.T) {
	mem := fs.NewMemoryFS()
	id := chunkid.FromPath("shared.bin")

	old, err := pak.NewBuilder(mem, pak.BuilderOptions{})
	require.NoError(t, err)
	require.NoError(t, old.AddChunk(id, []byte("old payload")))
	require.NoError(t, old.Write("packs/old.pak"))

	patch, err := pak.NewBuilder(mem, pak.BuilderOptions{})
	require.NoError(t, err)
	require.NoError(t, patch.AddChunk(id, []byte("new payload")))
	require.NoError(t, patch.Write("packs/patch.pak"))

	d := dispatch.New(mem, keys.NewKeyring(), dispatch.Options{})
	defer d.Close()
	_, err = d.Mount("packs/old.pak")
	require.NoError(t, err)
	_, err = d.Mount("packs/patch.pak")
	require.NoError(t, err)

	r := d.NewRequest(id, 0, -1, dispatch.PriorityNormal)
	assert.Equal(t, dispatch.StatusSuccess, await(t, r))
	assert.Equal(t, []byte("new payload"), r.GetReadResults())
}
