package pak_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/pakio/internal/chunkid"
	"github.com/keshon/pakio/internal/compress"
	"github.com/keshon/pakio/internal/fs"
	"github.com/keshon/pakio/internal/keys"
	"github.com/keshon/pakio/internal/pak"
)

func patternChunk(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

func testKeyGUID() keys.GUID {
	var g keys.GUID
	for i := range g {
		g[i] = byte(i + 1)
	}
	return g
}

func testKey() []byte {
	key := make([]byte, keys.KeySize)
	for i := range key {
		key[i] = byte(0xA0 ^ i)
	}
	return key
}

// build writes a container with the given chunks and returns its path.
func build(t *testing.T, fsys fs.FS, opts pak.BuilderOptions, chunks map[string][]byte) string {
	t.Helper()
	b, err := pak.NewBuilder(fsys, opts)
	require.NoError(t, err)
	for path, data := range chunks {
		require.NoError(t, b.AddChunk(chunkid.FromPath(path), data))
	}
	path := "packs/test.pak"
	require.NoError(t, fsys.MkdirAll("packs", 0o755))
	require.NoError(t, b.Write(path))
	return path
}

func TestMountRoundTripPlain(t *testing.T) {
	mem := fs.NewMemoryFS()
	chunks := map[string][]byte{
		"a.bin": []byte("hello container"),
		"b.bin": patternChunk(200 * 1024),
	}
	path := build(t, mem, pak.BuilderOptions{}, chunks)

	r, err := pak.Mount(mem, path, keys.NewKeyring())
	require.NoError(t, err)
	defer r.Unmount()

	assert.Equal(t, 2, r.ChunkCount())
	for p, want := range chunks {
		id := chunkid.FromPath(p)
		assert.True(t, r.DoesChunkExist(id))

		size, err := r.GetSizeForChunk(id)
		require.NoError(t, err)
		assert.Equal(t, uint64(len(want)), size)

		got, err := r.ReadChunk(id)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, got), "payload mismatch for %s", p)
	}

	assert.False(t, r.DoesChunkExist(chunkid.FromPath("missing.bin")))
	_, err = r.GetSizeForChunk(chunkid.FromPath("missing.bin"))
	assert.ErrorIs(t, err, pak.ErrNotFound)
}

func TestCompressedRoundTrip(t *testing.T) {
	for _, method := range []string{compress.MethodGzip, compress.MethodLZ4, compress.MethodZstd} {
		t.Run(method, func(t *testing.T) {
			mem := fs.NewMemoryFS()
			chunks := map[string][]byte{
				"big.bin":   patternChunk(200 * 1024),
				"small.bin": []byte("tiny"),
			}
			path := build(t, mem, pak.BuilderOptions{Compression: method}, chunks)

			r, err := pak.Mount(mem, path, keys.NewKeyring())
			require.NoError(t, err)
			defer r.Unmount()

			assert.True(t, r.Flags().Has(pak.FlagCompressed))
			for p, want := range chunks {
				got, err := r.ReadChunk(chunkid.FromPath(p))
				require.NoError(t, err)
				assert.True(t, bytes.Equal(want, got))
			}

			// The pattern chunk compresses: on-disk length is smaller.
			entry, ok := r.Resolve(chunkid.FromPath("big.bin"))
			require.True(t, ok)
			assert.Less(t, entry.Length, entry.UncompressedSize)
		})
	}
}

func TestEncryptedKeyGate(t *testing.T) {
	mem := fs.NewMemoryFS()
	guid := testKeyGUID()
	key := testKey()
	chunks := map[string][]byte{"secret.bin": patternChunk(100 * 1024)}
	path := build(t, mem, pak.BuilderOptions{KeyGUID: guid, Key: key}, chunks)

	kr := keys.NewKeyring()
	r, err := pak.Mount(mem, path, kr)
	require.NoError(t, err, "missing key defers, it does not fail the mount")
	defer r.Unmount()

	assert.True(t, r.Locked())
	_, err = r.ReadChunk(chunkid.FromPath("secret.bin"))
	assert.ErrorIs(t, err, pak.ErrKeyMissing)

	require.NoError(t, kr.RegisterKey(guid, key))
	assert.True(t, r.Rekey())
	assert.False(t, r.Locked())

	got, err := r.ReadChunk(chunkid.FromPath("secret.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(chunks["secret.bin"], got))
}

func TestSignedTamper(t *testing.T) {
	mem := fs.NewMemoryFS()
	chunks := map[string][]byte{
		"clean.bin":    patternChunk(64 * 1024),
		"tampered.bin": patternChunk(64 * 1024),
	}
	path := build(t, mem, pak.BuilderOptions{Signed: true}, chunks)

	// Flip one payload bit of the tampered chunk.
	probe, err := pak.Mount(mem, path, keys.NewKeyring())
	require.NoError(t, err)
	entry, ok := probe.Resolve(chunkid.FromPath("tampered.bin"))
	require.True(t, ok)
	probe.Unmount()

	raw, err := mem.ReadFile(path)
	require.NoError(t, err)
	raw[entry.Offset+12345] ^= 0x01
	require.NoError(t, mem.WriteFile(path, raw, 0o644))

	r, err := pak.Mount(mem, path, keys.NewKeyring())
	require.NoError(t, err)
	defer r.Unmount()

	_, err = r.ReadChunk(chunkid.FromPath("tampered.bin"))
	assert.ErrorIs(t, err, pak.ErrSignatureMismatch)

	got, err := r.ReadChunk(chunkid.FromPath("clean.bin"))
	require.NoError(t, err, "unaffected chunks keep working")
	assert.True(t, bytes.Equal(chunks["clean.bin"], got))

	assert.Error(t, r.VerifyAll(4))
}

func TestHeaderCorruption(t *testing.T) {
	mem := fs.NewMemoryFS()
	path := build(t, mem, pak.BuilderOptions{}, map[string][]byte{"x.bin": []byte("x")})

	raw, err := mem.ReadFile(path)
	require.NoError(t, err)

	// Flip a TOC byte: checksum catches it.
	bad := append([]byte(nil), raw...)
	bad[20] ^= 0xFF
	require.NoError(t, mem.WriteFile("packs/corrupt.pak", bad, 0o644))
	_, err = pak.Mount(mem, "packs/corrupt.pak", keys.NewKeyring())
	assert.ErrorIs(t, err, pak.ErrTocCorrupt)

	// Bump the version field: rejected before the checksum.
	bad = append([]byte(nil), raw...)
	bad[8] = 0x7F
	require.NoError(t, mem.WriteFile("packs/version.pak", bad, 0o644))
	_, err = pak.Mount(mem, "packs/version.pak", keys.NewKeyring())
	assert.ErrorIs(t, err, pak.ErrVersionMismatch)

	_, err = pak.Mount(mem, "packs/absent.pak", keys.NewKeyring())
	assert.ErrorIs(t, err, pak.ErrFileMissing)
}

func TestPartitionedContainer(t *testing.T) {
	mem := fs.NewMemoryFS()
	opts := pak.BuilderOptions{
		Compression:   compress.MethodLZ4,
		PartitionSize: 128 * 1024,
	}
	chunks := map[string][]byte{}
	for i := 0; i < 6; i++ {
		chunks[fmt.Sprintf("part%d.bin", i)] = patternChunk(90 * 1024)
	}
	path := build(t, mem, opts, chunks)

	r, err := pak.Mount(mem, path, keys.NewKeyring())
	require.NoError(t, err)
	defer r.Unmount()

	assert.True(t, r.Flags().Has(pak.FlagPartitioned))
	assert.True(t, mem.FileExists("packs/test_0.part"))

	for p, want := range chunks {
		got, err := r.ReadChunk(chunkid.FromPath(p))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(want, got), "payload mismatch for %s", p)
	}
	require.NoError(t, r.VerifyAll(2))
}

func TestOpenMapped(t *testing.T) {
	mem := fs.NewMemoryFS()
	want := patternChunk(150 * 1024)
	path := build(t, mem, pak.BuilderOptions{}, map[string][]byte{"m.bin": want})

	r, err := pak.Mount(mem, path, keys.NewKeyring())
	require.NoError(t, err)
	defer r.Unmount()

	m, err := r.OpenMapped(chunkid.FromPath("m.bin"))
	require.NoError(t, err)
	defer m.Close()

	buffered, err := r.ReadChunk(chunkid.FromPath("m.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(buffered, m.Data()), "mapped and buffered loads must agree")
	assert.True(t, bytes.Equal(want, m.Data()))
}

func TestOpenMappedRefusesProtectedContainers(t *testing.T) {
	mem := fs.NewMemoryFS()
	path := build(t, mem, pak.BuilderOptions{Signed: true}, map[string][]byte{"s.bin": patternChunk(1024)})

	r, err := pak.Mount(mem, path, keys.NewKeyring())
	require.NoError(t, err)
	defer r.Unmount()

	_, err = r.OpenMapped(chunkid.FromPath("s.bin"))
	assert.ErrorIs(t, err, pak.ErrNotMappable)
}

func TestIncompressibleFallback(t *testing.T) {
	mem := fs.NewMemoryFS()
	// xorshift noise does not compress; blocks must be stored raw and
	// still round-trip.
	noise := make([]byte, 100*1024)
	x := uint32(12345)
	for i := range noise {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		noise[i] = byte(x)
	}
	path := build(t, mem, pak.BuilderOptions{Compression: compress.MethodLZ4}, map[string][]byte{"noise.bin": noise})

	r, err := pak.Mount(mem, path, keys.NewKeyring())
	require.NoError(t, err)
	defer r.Unmount()

	got, err := r.ReadChunk(chunkid.FromPath("noise.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(noise, got))

	entry, ok := r.Resolve(chunkid.FromPath("noise.bin"))
	require.True(t, ok)
	assert.Equal(t, entry.UncompressedSize, entry.Length, "raw fallback keeps sizes equal")
}
