package pak

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/exp/mmap"

	"github.com/keshon/pakio/internal/chunkid"
	"github.com/keshon/pakio/internal/compress"
	"github.com/keshon/pakio/internal/fs"
	"github.com/keshon/pakio/internal/keys"
)

// BuilderOptions configure a container build.
type BuilderOptions struct {
	// BlockSize is the compression/signing block size. Defaults to
	// DefaultBlockSize.
	BlockSize uint32

	// Compression is the method applied to every chunk ("" or "none"
	// produces an uncompressed container).
	Compression string

	// KeyGUID and Key enable AES-256 encryption when set.
	KeyGUID keys.GUID
	Key     []byte

	// Signed adds a SHA-1 signature per block.
	Signed bool

	// PartitionSize splits the payload across partition files of at
	// most this many bytes. Zero keeps everything in one file. Must
	// be a multiple of BlockSize; no chunk may exceed it.
	PartitionSize int64

	// Indexed marks containers whose chunk ids derive from paths.
	Indexed bool
}

type pendingChunk struct {
	id   chunkid.ChunkID
	data []byte
}

// Builder accumulates chunks and writes a container file. Output is
// atomic: everything goes through a temp file renamed into place.
type Builder struct {
	fsys  fs.FS
	opts  BuilderOptions
	chunk []pendingChunk
	ids   map[chunkid.ChunkID]struct{}
}

func NewBuilder(fsys fs.FS, opts BuilderOptions) (*Builder, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	method := opts.Compression
	if method == "" {
		method = compress.MethodNone
	}
	if !compress.IsKnown(method) {
		return nil, fmt.Errorf("new builder: unknown compression method %q", method)
	}
	opts.Compression = method
	if len(opts.Key) > 0 && len(opts.Key) != keys.KeySize {
		return nil, fmt.Errorf("new builder: key must be %d bytes, got %d", keys.KeySize, len(opts.Key))
	}
	if len(opts.Key) > 0 && opts.KeyGUID.IsZero() {
		return nil, fmt.Errorf("new builder: key without guid")
	}
	if opts.PartitionSize > 0 && opts.PartitionSize%int64(opts.BlockSize) != 0 {
		return nil, fmt.Errorf("new builder: partition size %d not a multiple of block size %d",
			opts.PartitionSize, opts.BlockSize)
	}
	return &Builder{
		fsys: fsys,
		opts: opts,
		ids:  make(map[chunkid.ChunkID]struct{}),
	}, nil
}

// AddChunk queues one payload under the given id. Order is preserved.
func (b *Builder) AddChunk(id chunkid.ChunkID, data []byte) error {
	if !id.IsValid() {
		return fmt.Errorf("add chunk: invalid id")
	}
	if _, dup := b.ids[id]; dup {
		return fmt.Errorf("add chunk: duplicate id %s", id)
	}
	b.ids[id] = struct{}{}
	b.chunk = append(b.chunk, pendingChunk{id: id, data: data})
	return nil
}

// AddFile queues a payload read from disk, deriving the chunk id from
// the given logical path. Large files are read through a memory map.
func (b *Builder) AddFile(logicalPath, diskPath string) error {
	r, err := mmap.Open(diskPath)
	if err != nil {
		return fmt.Errorf("open source file %q: %w", diskPath, err)
	}
	defer r.Close()

	data := make([]byte, r.Len())
	if r.Len() > 0 {
		if _, err := r.ReadAt(data, 0); err != nil {
			return fmt.Errorf("read source file %q: %w", diskPath, err)
		}
	}
	return b.AddChunk(chunkid.FromPath(logicalPath), data)
}

// ChunkCount returns the number of queued chunks.
func (b *Builder) ChunkCount() int { return len(b.chunk) }

type builtBlock struct {
	data []byte // final on-disk bytes (compressed, then encrypted)
}

// Write encodes and writes the container to path. Partition files are
// written next to it, named <base>_<n>.part.
func (b *Builder) Write(path string) error {
	compressed := b.opts.Compression != compress.MethodNone
	encrypted := len(b.opts.Key) > 0
	blockSize := b.opts.BlockSize

	var flags Flags
	if encrypted {
		flags |= FlagEncrypted
	}
	if b.opts.Signed {
		flags |= FlagSigned
	}
	if compressed {
		flags |= FlagCompressed
	}
	if b.opts.PartitionSize > 0 {
		flags |= FlagPartitioned
	}
	if b.opts.Indexed {
		flags |= FlagIndexed
	}

	hdr := &Header{
		Flags:     flags,
		KeyGUID:   b.opts.KeyGUID,
		BlockSize: blockSize,
	}
	if compressed {
		hdr.Methods = []string{compress.MethodNone, b.opts.Compression}
	}

	// Pass 1: compress every block, collect per-chunk block lists.
	perChunk := make([][]builtBlock, len(b.chunk))
	for ci, c := range b.chunk {
		count := BlockCountForSize(uint64(len(c.data)), blockSize)
		blocks := make([]builtBlock, 0, count)
		for off := 0; off < len(c.data); off += int(blockSize) {
			end := off + int(blockSize)
			if end > len(c.data) {
				end = len(c.data)
			}
			span := c.data[off:end]

			stored := span
			if compressed {
				packed, err := compress.Compress(b.opts.Compression, span)
				switch {
				case errors.Is(err, compress.ErrIncompressible):
					stored = span
				case err != nil:
					return fmt.Errorf("compress chunk %s: %w", c.id, err)
				default:
					stored = packed
				}
			}
			// Copy so encryption never scribbles on caller data.
			if len(stored) > 0 && &stored[0] == &span[0] {
				stored = append([]byte(nil), stored...)
			}
			blocks = append(blocks, builtBlock{data: stored})
		}
		perChunk[ci] = blocks

		entry := TocEntry{
			ID:               c.id,
			UncompressedSize: uint64(len(c.data)),
		}
		if compressed {
			entry.MethodIndex = 1
		}
		hdr.Toc = append(hdr.Toc, entry)
		if compressed {
			for _, blk := range blocks {
				hdr.BlockOnDisk = append(hdr.BlockOnDisk, uint32(len(blk.data)))
			}
		}
	}

	// The header length does not depend on offset values, so encode
	// once with zero offsets to learn the payload base.
	if b.opts.Signed {
		hdr.Signatures = make([][]byte, 0, totalBlocks(perChunk))
		for _, blocks := range perChunk {
			for range blocks {
				hdr.Signatures = append(hdr.Signatures, make([]byte, SignatureSize))
			}
		}
	}
	if b.opts.PartitionSize > 0 {
		// Partition table size depends on the partition count, which
		// depends only on payload sizes, so precompute it.
		if err := b.prePartition(hdr, perChunk); err != nil {
			return err
		}
	}
	probe, err := EncodeHeader(hdr)
	if err != nil {
		return err
	}
	payloadBase := uint64(len(probe))
	if b.opts.PartitionSize > 0 {
		payloadBase = 0 // global payload offsets start at zero
	} else if rem := payloadBase % uint64(blockSize); rem != 0 {
		// Payload starts on a block boundary so aligned cache reads hit
		// whole blocks.
		payloadBase += uint64(blockSize) - rem
	}

	// Pass 2: assign offsets (padding partition boundaries between
	// chunks), then encrypt and sign the final on-disk bytes.
	global := payloadBase
	sig := 0
	for ci := range b.chunk {
		chunkSize := uint64(0)
		for _, blk := range perChunk[ci] {
			chunkSize += uint64(len(blk.data))
		}
		if b.opts.PartitionSize > 0 {
			ps := uint64(b.opts.PartitionSize)
			if chunkSize > ps {
				return fmt.Errorf("chunk %s on-disk size %d exceeds partition size %d",
					b.chunk[ci].id, chunkSize, ps)
			}
			if global%ps+chunkSize > ps {
				global += ps - global%ps // pad to next partition
			}
		}
		hdr.Toc[ci].Offset = global
		hdr.Toc[ci].Length = chunkSize

		for _, blk := range perChunk[ci] {
			if encrypted {
				var key [keys.KeySize]byte
				copy(key[:], b.opts.Key)
				if err := keys.CryptBlock(key, b.opts.KeyGUID, int64(global), blk.data); err != nil {
					return err
				}
			}
			if b.opts.Signed {
				sum := sha1.Sum(blk.data)
				hdr.Signatures[sig] = sum[:]
				sig++
			}
			global += uint64(len(blk.data))
		}
	}

	if b.opts.PartitionSize > 0 {
		return b.writePartitioned(path, hdr, perChunk, global)
	}

	headerBytes, err := EncodeHeader(hdr)
	if err != nil {
		return err
	}
	if len(headerBytes) != len(probe) {
		return fmt.Errorf("header size changed between passes: %d != %d", len(headerBytes), len(probe))
	}

	out := make([]byte, 0, int(global))
	out = append(out, headerBytes...)
	out = append(out, make([]byte, int(payloadBase)-len(headerBytes))...)
	for _, blocks := range perChunk {
		for _, blk := range blocks {
			out = append(out, blk.data...)
		}
	}
	return b.writeAtomic(path, out)
}

func totalBlocks(perChunk [][]builtBlock) int {
	n := 0
	for _, blocks := range perChunk {
		n += len(blocks)
	}
	return n
}

// prePartition fills the partition table with final paths and sizes so
// the header length is stable before offsets are assigned.
func (b *Builder) prePartition(hdr *Header, perChunk [][]builtBlock) error {
	ps := uint64(b.opts.PartitionSize)
	global := uint64(0)
	for ci, blocks := range perChunk {
		chunkSize := uint64(0)
		for _, blk := range blocks {
			chunkSize += uint64(len(blk.data))
		}
		if chunkSize > ps {
			return fmt.Errorf("chunk %s on-disk size %d exceeds partition size %d",
				b.chunk[ci].id, chunkSize, ps)
		}
		if global%ps+chunkSize > ps {
			global += ps - global%ps
		}
		global += chunkSize
	}
	partCount := int((global + ps - 1) / ps)
	if partCount == 0 {
		partCount = 1
	}
	hdr.Partitions = hdr.Partitions[:0]
	for i := 0; i < partCount; i++ {
		cum := uint64(i+1) * ps
		if cum > global {
			cum = global
		}
		hdr.Partitions = append(hdr.Partitions, Partition{
			Path:           fmt.Sprintf("%s_%d.part", baseName(""), i),
			CumulativeSize: cum,
		})
	}
	return nil
}

func baseName(path string) string {
	if path == "" {
		return "payload"
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// writePartitioned writes the header file plus the partition files.
func (b *Builder) writePartitioned(path string, hdr *Header, perChunk [][]builtBlock, totalSize uint64) error {
	ps := uint64(b.opts.PartitionSize)
	base := baseName(path)
	for i := range hdr.Partitions {
		hdr.Partitions[i].Path = fmt.Sprintf("%s_%d.part", base, i)
	}

	headerBytes, err := EncodeHeader(hdr)
	if err != nil {
		return err
	}

	// Rebuild the contiguous payload with inter-chunk padding.
	payload := make([]byte, totalSize)
	for ci := range b.chunk {
		off := hdr.Toc[ci].Offset
		for _, blk := range perChunk[ci] {
			copy(payload[off:], blk.data)
			off += uint64(len(blk.data))
		}
	}

	dir := filepath.Dir(path)
	start := uint64(0)
	for _, p := range hdr.Partitions {
		end := p.CumulativeSize
		if end > totalSize {
			end = totalSize
		}
		if err := b.writeAtomic(filepath.Join(dir, p.Path), payload[start:end]); err != nil {
			return err
		}
		start = start + ps
		if start > totalSize {
			start = totalSize
		}
	}
	return b.writeAtomic(path, headerBytes)
}

// writeAtomic writes data via a temp file and rename.
func (b *Builder) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := b.fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure dir %q: %w", dir, err)
	}
	tmp, tmpPath, err := b.fsys.CreateTempFile(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %q: %w", dir, err)
	}
	defer b.fsys.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp container: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp container: %w", err)
	}
	if err := b.fsys.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp %q to %q: %w", tmpPath, path, err)
	}
	return nil
}
