package chunkid

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// Size is the width of a chunk id in bytes.
const Size = 12

// ChunkID names one immutable payload inside a container. The value is
// opaque to the runtime; producers derive it from the payload path or
// assign it directly.
type ChunkID [Size]byte

// Invalid is the distinguished "no chunk" value (all zero bytes).
var Invalid ChunkID

// IsValid reports whether the id names a chunk at all.
func (id ChunkID) IsValid() bool {
	return id != Invalid
}

// Hash returns a well-distributed 64-bit hash of the id, suitable as a
// map key mix for open-addressed tables.
func (id ChunkID) Hash() uint64 {
	return xxh3.Hash(id[:])
}

// String renders the id as lowercase hex.
func (id ChunkID) String() string {
	return hex.EncodeToString(id[:])
}

// Parse decodes a 24-character hex string into a ChunkID.
func Parse(s string) (ChunkID, error) {
	var id ChunkID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Invalid, fmt.Errorf("parse chunk id %q: %w", s, err)
	}
	if len(raw) != Size {
		return Invalid, fmt.Errorf("parse chunk id %q: want %d bytes, got %d", s, Size, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// FromPath derives a chunk id from a payload path. The derivation is
// stable across platforms: the path is normalized to forward slashes
// and lower case before hashing. The first 8 bytes carry the full path
// hash, the last 4 the filename hash, so ids from the same directory
// still spread across the TOC.
func FromPath(path string) ChunkID {
	var id ChunkID
	norm := normalize(path)
	h := xxh3.Hash128([]byte(norm)).Bytes()
	copy(id[:8], h[:8])
	fh := FilenameHash(norm)
	id[8] = byte(fh)
	id[9] = byte(fh >> 8)
	id[10] = byte(fh >> 16)
	id[11] = byte(fh >> 24)
	return id
}

// FilenameHash is the 32-bit lookup key used when chunk ids are derived
// from paths. Lower 32 bits of xxh3 over the normalized path.
func FilenameHash(path string) uint32 {
	return uint32(xxh3.Hash([]byte(normalize(path))))
}

func normalize(path string) string {
	return strings.ToLower(strings.ReplaceAll(path, "\\", "/"))
}

// ContainerID identifies one mounted container. Values are totally
// ordered so mount order is deterministic.
type ContainerID uint64

// ContainerIDFromName derives a container id from its logical name.
func ContainerIDFromName(name string) ContainerID {
	return ContainerID(xxh3.Hash([]byte(normalize(name))))
}

func (c ContainerID) String() string {
	return fmt.Sprintf("%016x", uint64(c))
}
