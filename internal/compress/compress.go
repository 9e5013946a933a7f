package compress

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Method names are protocol constants: containers persist them in the
// compression-method table, so renaming one breaks format compatibility.
const (
	MethodNone = "none"
	MethodGzip = "gzip"
	MethodLZ4  = "lz4"
	MethodZstd = "zstd"
)

// ErrIncompressible is returned by Compress when the output would not
// be smaller than the input. Writers store such blocks raw.
var ErrIncompressible = errors.New("data is incompressible")

// IsKnown reports whether the method name has a registered codec.
func IsKnown(name string) bool {
	switch name {
	case MethodNone, MethodGzip, MethodLZ4, MethodZstd:
		return true
	}
	return false
}

// Compress compresses data with the named method. For MethodNone the
// input is returned unchanged (no copy).
func Compress(name string, data []byte) ([]byte, error) {
	switch name {
	case MethodNone:
		return data, nil
	case MethodGzip:
		return compressGzip(data)
	case MethodLZ4:
		return compressLZ4(data)
	case MethodZstd:
		return compressZstd(data)
	default:
		return nil, fmt.Errorf("unknown compression method %q", name)
	}
}

// Decompress decompresses src into a buffer of exactly uncompressedSize
// bytes. A size mismatch is corruption and returns an error.
func Decompress(name string, src []byte, uncompressedSize int) ([]byte, error) {
	switch name {
	case MethodNone:
		if len(src) != uncompressedSize {
			return nil, fmt.Errorf("raw block: size %d does not match expected %d", len(src), uncompressedSize)
		}
		return src, nil
	case MethodGzip:
		return decompressGzip(src, uncompressedSize)
	case MethodLZ4:
		return decompressLZ4(src, uncompressedSize)
	case MethodZstd:
		return decompressZstd(src, uncompressedSize)
	default:
		return nil, fmt.Errorf("unknown compression method %q", name)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(data))
	dst := make([]byte, bound)
	written, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, ErrIncompressible
	}
	return dst[:written], nil
}

func decompressLZ4(src []byte, uncompressedSize int) ([]byte, error) {
	dst := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != uncompressedSize {
		return nil, fmt.Errorf("lz4 block: size %d does not match expected %d", n, uncompressedSize)
	}
	return dst, nil
}

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func compressZstd(data []byte) ([]byte, error) {
	zstdEncOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	out := zstdEnc.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, ErrIncompressible
	}
	return out, nil
}

func decompressZstd(src []byte, uncompressedSize int) ([]byte, error) {
	zstdDecOnce.Do(func() {
		zstdDec, _ = zstd.NewReader(nil)
	})
	out, err := zstdDec.DecodeAll(src, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != uncompressedSize {
		return nil, fmt.Errorf("zstd block: size %d does not match expected %d", len(out), uncompressedSize)
	}
	return out, nil
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	if buf.Len() >= len(data) {
		return nil, ErrIncompressible
	}
	return buf.Bytes(), nil
}

func decompressGzip(src []byte, uncompressedSize int) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	defer gz.Close()
	out := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(gz, out); err != nil {
		return nil, fmt.Errorf("gzip block: %w", err)
	}
	// The stream must end exactly at the expected size.
	var one [1]byte
	if n, _ := gz.Read(one[:]); n != 0 {
		return nil, fmt.Errorf("gzip block: longer than expected %d", uncompressedSize)
	}
	return out, nil
}
