package pak

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/xxh3"

	"github.com/keshon/pakio/internal/chunkid"
	"github.com/keshon/pakio/internal/compress"
	"github.com/keshon/pakio/internal/keys"
)

// Container file layout, all integers little-endian:
//
//	magic[8] version[4] headerSize[4] flags[4]
//	keyGUID[16]                         when Encrypted
//	blockSize[4] methodTable            when Compressed
//	tocCount[4] tocCount records of
//	    chunkID[12] offset[8] length[8] methodIndex[1] uncompressedSize[8]
//	blockCount[4] blockCount x onDiskSize[4]   when Compressed
//	sigCount[4] sigCount x sha1[20]            when Signed
//	partCount[4] partCount x (pathLen[2] path cumulativeSize[8])  when Partitioned
//	checksum[8]  xxh3 of all header bytes before it
//	payload region
//
// The method table is a length-prefixed list of names: count[4], then
// per method nameLen[1] + name bytes. Method index 0 is always "none".
//
// Blocks enumerate in TOC record order; each chunk contributes
// ceil(uncompressedSize/blockSize) blocks. A block whose on-disk size
// equals its uncompressed span size is stored raw even when its chunk
// carries a compression method (the incompressible fallback). In
// uncompressed containers the block structure is implicit: fixed
// DefaultBlockSize spans of each chunk, used for signing granularity.
//
// Chunk offsets are absolute file offsets in unpartitioned containers
// and global payload offsets (zero-based across partition files) in
// partitioned ones. A chunk never spans partition files. Unpartitioned
// payloads begin at the first block-size boundary at or after the
// header, with zero padding in between.

const (
	// Magic opens every container file.
	Magic = "PAKSTRM\x00"

	// FormatVersion is the current container format version.
	FormatVersion = 1

	// DefaultBlockSize is the compression/signing block size used when
	// a container does not carry one of its own.
	DefaultBlockSize = 64 * 1024

	// SignatureSize is the per-block signature width (SHA-1).
	SignatureSize = sha1.Size

	tocRecordSize = chunkid.Size + 8 + 8 + 1 + 8
	preambleSize  = 8 + 4 + 4 // magic + version + headerSize
	checksumSize  = 8
)

// Flags is the container flag bitmap.
type Flags uint32

const (
	FlagEncrypted   Flags = 1 << 0
	FlagSigned      Flags = 1 << 1
	FlagIndexed     Flags = 1 << 2
	FlagCompressed  Flags = 1 << 3
	FlagPartitioned Flags = 1 << 4
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

func (f Flags) String() string {
	names := ""
	add := func(bit Flags, name string) {
		if f.Has(bit) {
			if names != "" {
				names += "|"
			}
			names += name
		}
	}
	add(FlagEncrypted, "encrypted")
	add(FlagSigned, "signed")
	add(FlagIndexed, "indexed")
	add(FlagCompressed, "compressed")
	add(FlagPartitioned, "partitioned")
	if names == "" {
		return "none"
	}
	return names
}

// Mount and read errors.
var (
	ErrTocCorrupt        = errors.New("container toc corrupt")
	ErrVersionMismatch   = errors.New("container version mismatch")
	ErrKeyMissing        = errors.New("encryption key not registered")
	ErrSignatureMismatch = errors.New("block signature mismatch")
	ErrFileMissing       = errors.New("container file missing")
	ErrNotFound          = errors.New("chunk not found")
	ErrNotMappable       = errors.New("container does not permit mapped loads")
)

// TocEntry is one table-of-contents record.
type TocEntry struct {
	ID               chunkid.ChunkID
	Offset           uint64
	Length           uint64
	MethodIndex      uint8
	UncompressedSize uint64
}

// Partition is one payload file of a partitioned container.
type Partition struct {
	Path           string
	CumulativeSize uint64
}

// Header is the parsed header region of a container.
type Header struct {
	Flags      Flags
	HeaderSize uint32
	KeyGUID    keys.GUID
	BlockSize  uint32
	Methods    []string
	Toc        []TocEntry
	BlockOnDisk []uint32
	Signatures [][]byte
	Partitions []Partition
}

// EffectiveBlockSize returns the compression block size, falling back
// to DefaultBlockSize for uncompressed containers.
func (h *Header) EffectiveBlockSize() uint32 {
	if h.Flags.Has(FlagCompressed) && h.BlockSize > 0 {
		return h.BlockSize
	}
	return DefaultBlockSize
}

// BlockCountForSize returns how many blocks a chunk of the given
// uncompressed size occupies.
func BlockCountForSize(uncompressed uint64, blockSize uint32) int {
	if uncompressed == 0 {
		return 0
	}
	return int((uncompressed + uint64(blockSize) - 1) / uint64(blockSize))
}

type wireWriter struct {
	buf []byte
}

func (w *wireWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *wireWriter) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *wireWriter) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *wireWriter) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *wireWriter) raw(p []byte) { w.buf = append(w.buf, p...) }

// EncodeHeader serializes a header, computing HeaderSize and the
// trailing checksum.
func EncodeHeader(h *Header) ([]byte, error) {
	if h.Flags.Has(FlagCompressed) {
		if h.BlockSize == 0 {
			return nil, fmt.Errorf("encode header: compressed container without block size")
		}
		if len(h.Methods) == 0 || h.Methods[0] != compress.MethodNone {
			return nil, fmt.Errorf("encode header: method table must start with %q", compress.MethodNone)
		}
	}

	w := &wireWriter{}
	w.raw([]byte(Magic))
	w.u32(FormatVersion)
	w.u32(0) // headerSize backpatched below
	w.u32(uint32(h.Flags))

	if h.Flags.Has(FlagEncrypted) {
		w.raw(h.KeyGUID[:])
	}
	if h.Flags.Has(FlagCompressed) {
		w.u32(h.BlockSize)
		w.u32(uint32(len(h.Methods)))
		for _, name := range h.Methods {
			if len(name) > 255 {
				return nil, fmt.Errorf("encode header: method name %q too long", name)
			}
			w.u8(uint8(len(name)))
			w.raw([]byte(name))
		}
	}

	w.u32(uint32(len(h.Toc)))
	for _, e := range h.Toc {
		w.raw(e.ID[:])
		w.u64(e.Offset)
		w.u64(e.Length)
		w.u8(e.MethodIndex)
		w.u64(e.UncompressedSize)
	}

	if h.Flags.Has(FlagCompressed) {
		w.u32(uint32(len(h.BlockOnDisk)))
		for _, s := range h.BlockOnDisk {
			w.u32(s)
		}
	}

	if h.Flags.Has(FlagSigned) {
		w.u32(uint32(len(h.Signatures)))
		for _, sig := range h.Signatures {
			if len(sig) != SignatureSize {
				return nil, fmt.Errorf("encode header: signature width %d, want %d", len(sig), SignatureSize)
			}
			w.raw(sig)
		}
	}

	if h.Flags.Has(FlagPartitioned) {
		w.u32(uint32(len(h.Partitions)))
		for _, p := range h.Partitions {
			if len(p.Path) > 0xFFFF {
				return nil, fmt.Errorf("encode header: partition path too long")
			}
			w.u16(uint16(len(p.Path)))
			w.raw([]byte(p.Path))
			w.u64(p.CumulativeSize)
		}
	}

	h.HeaderSize = uint32(len(w.buf) + checksumSize)
	binary.LittleEndian.PutUint32(w.buf[12:16], h.HeaderSize)

	w.u64(xxh3.Hash(w.buf[:len(w.buf)]))
	return w.buf, nil
}

type wireReader struct {
	buf []byte
	off int
	err error
}

func (r *wireReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf(format, args...)
	}
}

func (r *wireReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.fail("truncated at offset %d (+%d of %d)", r.off, n, len(r.buf))
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

func (r *wireReader) u8() uint8 {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *wireReader) u16() uint16 {
	p := r.take(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (r *wireReader) u32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (r *wireReader) u64() uint64 {
	p := r.take(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

// ParsePreamble validates the fixed first bytes and returns the total
// header size so the caller can read the remainder.
func ParsePreamble(data []byte) (headerSize uint32, err error) {
	if len(data) < preambleSize {
		return 0, fmt.Errorf("%w: file shorter than preamble", ErrTocCorrupt)
	}
	if string(data[:8]) != Magic {
		return 0, fmt.Errorf("%w: bad magic %x", ErrTocCorrupt, data[:8])
	}
	version := binary.LittleEndian.Uint32(data[8:12])
	if version != FormatVersion {
		return 0, fmt.Errorf("%w: have v%d, can read v%d", ErrVersionMismatch, version, FormatVersion)
	}
	headerSize = binary.LittleEndian.Uint32(data[12:16])
	if headerSize < preambleSize+4+checksumSize {
		return 0, fmt.Errorf("%w: header size %d too small", ErrTocCorrupt, headerSize)
	}
	return headerSize, nil
}

// ParseHeader decodes a complete header region (preamble through
// checksum), verifying the checksum first.
func ParseHeader(data []byte) (*Header, error) {
	headerSize, err := ParsePreamble(data)
	if err != nil {
		return nil, err
	}
	if uint32(len(data)) < headerSize {
		return nil, fmt.Errorf("%w: header region truncated (%d < %d)", ErrTocCorrupt, len(data), headerSize)
	}
	data = data[:headerSize]

	body := data[:len(data)-checksumSize]
	want := binary.LittleEndian.Uint64(data[len(data)-checksumSize:])
	if got := xxh3.Hash(body); got != want {
		return nil, fmt.Errorf("%w: header checksum %016x, want %016x", ErrTocCorrupt, got, want)
	}

	r := &wireReader{buf: body, off: preambleSize}
	h := &Header{HeaderSize: headerSize}
	h.Flags = Flags(r.u32())

	if h.Flags.Has(FlagEncrypted) {
		copy(h.KeyGUID[:], r.take(len(h.KeyGUID)))
	}
	if h.Flags.Has(FlagCompressed) {
		h.BlockSize = r.u32()
		methodCount := int(r.u32())
		if r.err == nil && methodCount > 255 {
			r.fail("method table too large: %d", methodCount)
		}
		for i := 0; i < methodCount && r.err == nil; i++ {
			nameLen := int(r.u8())
			h.Methods = append(h.Methods, string(r.take(nameLen)))
		}
	}

	tocCount := int(r.u32())
	if r.err == nil && tocCount*tocRecordSize > len(body) {
		r.fail("toc count %d exceeds header size", tocCount)
	}
	for i := 0; i < tocCount && r.err == nil; i++ {
		var e TocEntry
		copy(e.ID[:], r.take(chunkid.Size))
		e.Offset = r.u64()
		e.Length = r.u64()
		e.MethodIndex = r.u8()
		e.UncompressedSize = r.u64()
		h.Toc = append(h.Toc, e)
	}

	if h.Flags.Has(FlagCompressed) {
		blockCount := int(r.u32())
		if r.err == nil && blockCount*4 > len(body) {
			r.fail("block table count %d exceeds header size", blockCount)
		}
		for i := 0; i < blockCount && r.err == nil; i++ {
			h.BlockOnDisk = append(h.BlockOnDisk, r.u32())
		}
	}

	if h.Flags.Has(FlagSigned) {
		sigCount := int(r.u32())
		if r.err == nil && sigCount*SignatureSize > len(body) {
			r.fail("signature count %d exceeds header size", sigCount)
		}
		for i := 0; i < sigCount && r.err == nil; i++ {
			sig := r.take(SignatureSize)
			h.Signatures = append(h.Signatures, append([]byte(nil), sig...))
		}
	}

	if h.Flags.Has(FlagPartitioned) {
		partCount := int(r.u32())
		if r.err == nil && partCount > 1<<16 {
			r.fail("partition count %d unreasonable", partCount)
		}
		for i := 0; i < partCount && r.err == nil; i++ {
			pathLen := int(r.u16())
			p := Partition{Path: string(r.take(pathLen))}
			p.CumulativeSize = r.u64()
			h.Partitions = append(h.Partitions, p)
		}
	}

	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTocCorrupt, r.err)
	}

	// Structural cross-checks.
	if h.Flags.Has(FlagCompressed) {
		total := 0
		for _, e := range h.Toc {
			total += BlockCountForSize(e.UncompressedSize, h.EffectiveBlockSize())
		}
		if total != len(h.BlockOnDisk) {
			return nil, fmt.Errorf("%w: block table has %d entries, toc implies %d", ErrTocCorrupt, len(h.BlockOnDisk), total)
		}
		for i, m := range h.Toc {
			if int(m.MethodIndex) >= len(h.Methods) {
				return nil, fmt.Errorf("%w: toc record %d method index %d out of range", ErrTocCorrupt, i, m.MethodIndex)
			}
		}
	}
	if h.Flags.Has(FlagSigned) {
		total := 0
		for _, e := range h.Toc {
			total += BlockCountForSize(e.UncompressedSize, h.EffectiveBlockSize())
		}
		if total != len(h.Signatures) {
			return nil, fmt.Errorf("%w: signature chain has %d entries, toc implies %d", ErrTocCorrupt, len(h.Signatures), total)
		}
	}

	return h, nil
}
