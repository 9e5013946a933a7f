package pak

import (
	"crypto/sha1"
	"crypto/subtle"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/keshon/pakio/internal/chunkid"
	"github.com/keshon/pakio/internal/compress"
	"github.com/keshon/pakio/internal/fs"
	"github.com/keshon/pakio/internal/keys"
	"github.com/keshon/pakio/internal/util"
)

// BlockMeta locates one compression block of a mounted container.
// Immutable after mount.
type BlockMeta struct {
	FileIndex        int
	FileOffset       int64
	GlobalOffset     int64
	OnDiskSize       int
	UncompressedSize int
	Method           string
	SigIndex         int // -1 when the container is unsigned
}

// Reader owns one mounted container: parsed header, TOC index, block
// metadata and the open payload file handles. All metadata is immutable
// after Mount; only the key state changes (via Rekey), guarded by mu.
type Reader struct {
	fsys fs.FS
	path string
	name string
	id   chunkid.ContainerID

	hdr    *Header
	index  map[chunkid.ChunkID]int
	blocks [][]BlockMeta
	files  []fs.File

	keyring *keys.Keyring

	mu     sync.RWMutex
	key    [keys.KeySize]byte
	locked bool
}

// Mount opens and validates a container file. Encrypted containers
// whose key is not yet registered mount in a locked state and become
// usable after the key arrives (see Rekey). TOC corruption and version
// mismatches are fatal for the container.
func Mount(fsys fs.FS, path string, keyring *keys.Keyring) (*Reader, error) {
	if !fsys.FileExists(path) {
		return nil, fmt.Errorf("%w: %s", ErrFileMissing, path)
	}

	f, err := fsys.OpenRead(path)
	if err != nil {
		return nil, fmt.Errorf("open container %q: %w", path, err)
	}

	var preamble [preambleSize]byte
	if _, err := f.ReadAt(preamble[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read preamble of %q: %v", ErrTocCorrupt, path, err)
	}
	headerSize, err := ParsePreamble(preamble[:])
	if err != nil {
		f.Close()
		return nil, err
	}

	headerBytes := make([]byte, headerSize)
	if _, err := f.ReadAt(headerBytes, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read header of %q: %v", ErrTocCorrupt, path, err)
	}
	hdr, err := ParseHeader(headerBytes)
	if err != nil {
		f.Close()
		return nil, err
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	r := &Reader{
		fsys:    fsys,
		path:    path,
		name:    name,
		id:      chunkid.ContainerIDFromName(name),
		hdr:     hdr,
		index:   make(map[chunkid.ChunkID]int, len(hdr.Toc)),
		keyring: keyring,
	}

	for i, e := range hdr.Toc {
		if _, dup := r.index[e.ID]; dup {
			f.Close()
			return nil, fmt.Errorf("%w: duplicate chunk id %s", ErrTocCorrupt, e.ID)
		}
		r.index[e.ID] = i
	}

	if err := r.buildBlocks(); err != nil {
		f.Close()
		return nil, err
	}

	if hdr.Flags.Has(FlagPartitioned) {
		f.Close() // header file carries no payload
		dir := filepath.Dir(path)
		for _, p := range hdr.Partitions {
			pf, err := fsys.OpenRead(filepath.Join(dir, p.Path))
			if err != nil {
				r.closeFiles()
				return nil, fmt.Errorf("%w: partition %q: %v", ErrFileMissing, p.Path, err)
			}
			r.files = append(r.files, pf)
		}
	} else {
		r.files = []fs.File{f}
	}

	r.locked = hdr.Flags.Has(FlagEncrypted)
	if r.locked {
		if key, ok := keyring.Lookup(hdr.KeyGUID); ok {
			r.key = key
			r.locked = false
		}
	}

	log.WithFields(log.Fields{
		"container": r.name,
		"id":        r.id.String(),
		"chunks":    len(hdr.Toc),
		"flags":     hdr.Flags.String(),
		"locked":    r.locked,
	}).Info("container mounted")

	return r, nil
}

// buildBlocks expands the TOC and block table into per-chunk block
// metadata with resolved file positions.
func (r *Reader) buildBlocks() error {
	blockSize := r.hdr.EffectiveBlockSize()
	compressed := r.hdr.Flags.Has(FlagCompressed)
	signed := r.hdr.Flags.Has(FlagSigned)

	r.blocks = make([][]BlockMeta, len(r.hdr.Toc))
	tableIdx := 0
	sigIdx := 0

	for i, e := range r.hdr.Toc {
		count := BlockCountForSize(e.UncompressedSize, blockSize)
		metas := make([]BlockMeta, 0, count)

		global := int64(e.Offset)
		remaining := e.UncompressedSize
		var onDiskTotal uint64

		for b := 0; b < count; b++ {
			span := uint64(blockSize)
			if remaining < span {
				span = remaining
			}
			remaining -= span

			onDisk := int(span)
			method := compress.MethodNone
			if compressed {
				onDisk = int(r.hdr.BlockOnDisk[tableIdx])
				tableIdx++
				if onDisk > int(span) {
					return fmt.Errorf("%w: block %d of chunk %s larger on disk (%d) than its span (%d)",
						ErrTocCorrupt, b, e.ID, onDisk, span)
				}
				// Equal sizes mean the incompressible fallback stored it raw.
				if onDisk < int(span) {
					method = r.hdr.Methods[e.MethodIndex]
				}
			}

			meta := BlockMeta{
				GlobalOffset:     global,
				OnDiskSize:       onDisk,
				UncompressedSize: int(span),
				Method:           method,
				SigIndex:         -1,
			}
			if signed {
				meta.SigIndex = sigIdx
				sigIdx++
			}

			fileIndex, fileOffset, err := r.locate(global, int64(onDisk))
			if err != nil {
				return fmt.Errorf("%w: chunk %s: %v", ErrTocCorrupt, e.ID, err)
			}
			meta.FileIndex = fileIndex
			meta.FileOffset = fileOffset

			metas = append(metas, meta)
			global += int64(onDisk)
			onDiskTotal += uint64(onDisk)
		}

		if onDiskTotal != e.Length {
			return fmt.Errorf("%w: chunk %s block sizes sum to %d, toc length is %d",
				ErrTocCorrupt, e.ID, onDiskTotal, e.Length)
		}
		r.blocks[i] = metas
	}
	return nil
}

// locate maps a global payload offset to (partition file, local offset).
func (r *Reader) locate(global, length int64) (int, int64, error) {
	if !r.hdr.Flags.Has(FlagPartitioned) {
		return 0, global, nil
	}
	parts := r.hdr.Partitions
	idx := sort.Search(len(parts), func(i int) bool {
		return int64(parts[i].CumulativeSize) > global
	})
	if idx == len(parts) {
		return 0, 0, fmt.Errorf("offset %d beyond partitioned payload", global)
	}
	start := int64(0)
	if idx > 0 {
		start = int64(parts[idx-1].CumulativeSize)
	}
	if global+length > int64(parts[idx].CumulativeSize) {
		return 0, 0, fmt.Errorf("range %d+%d crosses partition boundary", global, length)
	}
	return idx, global - start, nil
}

func (r *Reader) closeFiles() {
	for _, f := range r.files {
		f.Close()
	}
	r.files = nil
}

// Unmount releases the file handles. The reader must not be used after.
func (r *Reader) Unmount() {
	r.closeFiles()
	log.WithField("container", r.name).Info("container unmounted")
}

// ContainerID returns the container's identity.
func (r *Reader) ContainerID() chunkid.ContainerID { return r.id }

// Name returns the container's logical name (file base without extension).
func (r *Reader) Name() string { return r.name }

// Path returns the header file path.
func (r *Reader) Path() string { return r.path }

// Flags returns the container flag set.
func (r *Reader) Flags() Flags { return r.hdr.Flags }

// KeyGUID returns the encryption key GUID (zero when unencrypted).
func (r *Reader) KeyGUID() keys.GUID { return r.hdr.KeyGUID }

// BlockSizeBytes returns the effective compression block size.
func (r *Reader) BlockSizeBytes() int { return int(r.hdr.EffectiveBlockSize()) }

// ChunkCount returns the number of TOC records.
func (r *Reader) ChunkCount() int { return len(r.hdr.Toc) }

// Toc returns the raw TOC records (shared slice; do not mutate).
func (r *Reader) Toc() []TocEntry { return r.hdr.Toc }

// DoesChunkExist reports whether the container holds the chunk.
func (r *Reader) DoesChunkExist(id chunkid.ChunkID) bool {
	_, ok := r.index[id]
	return ok
}

// GetSizeForChunk returns the uncompressed payload size of a chunk.
func (r *Reader) GetSizeForChunk(id chunkid.ChunkID) (uint64, error) {
	i, ok := r.index[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s in %s", ErrNotFound, id, r.name)
	}
	return r.hdr.Toc[i].UncompressedSize, nil
}

// Resolve returns the chunk's TOC record.
func (r *Reader) Resolve(id chunkid.ChunkID) (TocEntry, bool) {
	i, ok := r.index[id]
	if !ok {
		return TocEntry{}, false
	}
	return r.hdr.Toc[i], true
}

// Blocks returns the chunk's block metadata (shared slice; do not mutate).
func (r *Reader) Blocks(id chunkid.ChunkID) ([]BlockMeta, bool) {
	i, ok := r.index[id]
	if !ok {
		return nil, false
	}
	return r.blocks[i], true
}

// Signature returns the SHA-1 signature for a global block index.
func (r *Reader) Signature(sigIndex int) []byte {
	return r.hdr.Signatures[sigIndex]
}

// Locked reports whether the container is encrypted and its key has
// not been registered yet.
func (r *Reader) Locked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locked
}

// Key returns the AES key. ok is false while the container is locked
// or the container is unencrypted.
func (r *Reader) Key() (key [keys.KeySize]byte, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.hdr.Flags.Has(FlagEncrypted) || r.locked {
		return key, false
	}
	return r.key, true
}

// Rekey re-checks the keyring and unlocks the container when its key
// has been registered since Mount. Reports whether the container is
// usable afterwards.
func (r *Reader) Rekey() bool {
	if !r.hdr.Flags.Has(FlagEncrypted) {
		return true
	}
	key, ok := r.keyring.Lookup(r.hdr.KeyGUID)
	if !ok {
		return !r.Locked()
	}
	r.mu.Lock()
	r.key = key
	wasLocked := r.locked
	r.locked = false
	r.mu.Unlock()
	if wasLocked {
		log.WithField("container", r.name).Info("container unlocked")
	}
	return true
}

// File returns the open handle for a partition index.
func (r *Reader) File(index int) fs.File { return r.files[index] }

// OpenMapped returns a memory mapping of a chunk's payload. Mapped
// loads are only permitted when the container is uncompressed,
// unencrypted and unsigned, and the filesystem supports mapping.
func (r *Reader) OpenMapped(id chunkid.ChunkID) (*fs.Mapping, error) {
	if r.hdr.Flags.Has(FlagCompressed) || r.hdr.Flags.Has(FlagEncrypted) || r.hdr.Flags.Has(FlagSigned) {
		return nil, fmt.Errorf("%w: flags %s", ErrNotMappable, r.hdr.Flags)
	}
	mapper, ok := r.fsys.(fs.Mapper)
	if !ok {
		return nil, fs.ErrMapUnsupported
	}
	i, found := r.index[id]
	if !found {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, id, r.name)
	}
	e := r.hdr.Toc[i]
	fileIndex, fileOffset, err := r.locate(int64(e.Offset), int64(e.Length))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotMappable, err)
	}
	return mapper.MemoryMap(r.files[fileIndex], fileOffset, int64(e.Length))
}

// ReadChunk synchronously reads, verifies, decrypts and decompresses a
// whole chunk. The dispatcher has its own cached, coalesced pipeline;
// this path serves tooling (verify, extract) and inline loads.
func (r *Reader) ReadChunk(id chunkid.ChunkID) ([]byte, error) {
	i, ok := r.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, id, r.name)
	}
	e := r.hdr.Toc[i]

	key, haveKey := r.Key()
	if r.hdr.Flags.Has(FlagEncrypted) && !haveKey {
		return nil, fmt.Errorf("%w: guid %s", ErrKeyMissing, r.hdr.KeyGUID)
	}

	out := make([]byte, 0, e.UncompressedSize)
	for _, m := range r.blocks[i] {
		data, err := r.readBlock(m, key)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// readBlock reads and decodes one block: raw read, signature check,
// decrypt, decompress, in that order.
func (r *Reader) readBlock(m BlockMeta, key [keys.KeySize]byte) ([]byte, error) {
	raw := make([]byte, m.OnDiskSize)
	if _, err := r.files[m.FileIndex].ReadAt(raw, m.FileOffset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read block at %d in %s: %w", m.FileOffset, r.name, err)
	}

	if m.SigIndex >= 0 {
		sum := sha1.Sum(raw)
		if subtle.ConstantTimeCompare(sum[:], r.Signature(m.SigIndex)) != 1 {
			return nil, fmt.Errorf("%w: block %d of %s", ErrSignatureMismatch, m.SigIndex, r.name)
		}
	}

	if r.hdr.Flags.Has(FlagEncrypted) {
		if err := keys.CryptBlock(key, r.hdr.KeyGUID, m.GlobalOffset, raw); err != nil {
			return nil, err
		}
	}

	return compress.Decompress(m.Method, raw, m.UncompressedSize)
}

// VerifyAll sweeps every chunk: signature chain, decryption and
// decompression. Returns the first error found, after checking all
// chunks in parallel.
func (r *Reader) VerifyAll(workers int) error {
	if workers <= 0 {
		workers = util.WorkerCount()
	}
	ids := make([]chunkid.ChunkID, 0, len(r.hdr.Toc))
	for _, e := range r.hdr.Toc {
		ids = append(ids, e.ID)
	}
	return util.Parallel(ids, workers, func(id chunkid.ChunkID) error {
		_, err := r.ReadChunk(id)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", id, err)
		}
		return nil
	})
}
