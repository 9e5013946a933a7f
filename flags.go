package pakio

import "strings"

// Flag bit layout of the persisted bulk-data mask. The in-memory
// representation is the structured BulkDataFlags record; the mask is
// only touched at (de)serialization time.
const (
	maskPayloadAtEndOfFile   = 1 << 0
	maskPayloadInSeparateFile = 1 << 1
	maskOptional             = 1 << 2
	maskDuplicate            = 1 << 3
	maskSingleUse            = 1 << 4
	maskMemoryMapped         = 1 << 5
	maskCompressed           = 1 << 6
	maskUsesDispatcher       = 1 << 7
	maskForceInline          = 1 << 8
	maskOffsetIsRelative     = 1 << 9
	maskRemoved              = 1 << 10

	maskKnown = maskPayloadAtEndOfFile | maskPayloadInSeparateFile |
		maskOptional | maskDuplicate | maskSingleUse | maskMemoryMapped |
		maskCompressed | maskUsesDispatcher | maskForceInline |
		maskOffsetIsRelative | maskRemoved
)

// BulkDataFlags describes how a bulk-data payload is stored and loaded.
// Named booleans instead of a bitmask so call sites cannot alias bits;
// the exact wire layout survives through Mask/FlagsFromMask.
type BulkDataFlags struct {
	// PayloadAtEndOfFile places the payload in the owner archive's
	// trailing payload section rather than inline.
	PayloadAtEndOfFile bool

	// PayloadInSeparateFile places the payload in a sidecar file next
	// to the owner archive.
	PayloadInSeparateFile bool

	// Optional payloads may be absent at runtime without error.
	Optional bool

	// Duplicate marks a header followed by a fallback copy describing
	// the same payload in a mandatory location.
	Duplicate bool

	// SingleUse payloads discard their in-memory copy after the first
	// consumer takes them.
	SingleUse bool

	// MemoryMapped payloads prefer a mapped region over a heap buffer.
	MemoryMapped bool

	// Compressed marks on-disk compression for archive-attached
	// payloads; CompressionMethod names the codec.
	Compressed bool

	// UsesDispatcher payloads are addressed by chunk id and served by
	// the I/O dispatcher instead of the owner archive.
	UsesDispatcher bool

	// ForceInline payloads are read during Serialize, synchronously.
	ForceInline bool

	// OffsetIsRelative means the persisted disk offset is relative to
	// the owner's payload base and needs a one-time fixup at load.
	OffsetIsRelative bool

	// Removed marks an entry whose payload was explicitly deleted;
	// loads return empty without error.
	Removed bool

	// CompressionMethod is the codec name for Compressed payloads.
	// Not part of the mask; archive-attached entries persist it next
	// to the mask, dispatcher entries take it from the container.
	CompressionMethod string
}

// Mask serialises the flags to the persisted 32-bit layout.
func (f BulkDataFlags) Mask() uint32 {
	var m uint32
	set := func(on bool, bit uint32) {
		if on {
			m |= bit
		}
	}
	set(f.PayloadAtEndOfFile, maskPayloadAtEndOfFile)
	set(f.PayloadInSeparateFile, maskPayloadInSeparateFile)
	set(f.Optional, maskOptional)
	set(f.Duplicate, maskDuplicate)
	set(f.SingleUse, maskSingleUse)
	set(f.MemoryMapped, maskMemoryMapped)
	set(f.Compressed, maskCompressed)
	set(f.UsesDispatcher, maskUsesDispatcher)
	set(f.ForceInline, maskForceInline)
	set(f.OffsetIsRelative, maskOffsetIsRelative)
	set(f.Removed, maskRemoved)
	return m
}

// FlagsFromMask decodes the persisted bit layout. Unknown bits are
// rejected so a newer writer cannot be silently misread.
func FlagsFromMask(m uint32) (BulkDataFlags, error) {
	if m&^uint32(maskKnown) != 0 {
		return BulkDataFlags{}, errUnknownFlagBits(m)
	}
	return BulkDataFlags{
		PayloadAtEndOfFile:    m&maskPayloadAtEndOfFile != 0,
		PayloadInSeparateFile: m&maskPayloadInSeparateFile != 0,
		Optional:              m&maskOptional != 0,
		Duplicate:             m&maskDuplicate != 0,
		SingleUse:             m&maskSingleUse != 0,
		MemoryMapped:          m&maskMemoryMapped != 0,
		Compressed:            m&maskCompressed != 0,
		UsesDispatcher:        m&maskUsesDispatcher != 0,
		ForceInline:           m&maskForceInline != 0,
		OffsetIsRelative:      m&maskOffsetIsRelative != 0,
		Removed:               m&maskRemoved != 0,
	}, nil
}

func (f BulkDataFlags) String() string {
	var names []string
	add := func(on bool, name string) {
		if on {
			names = append(names, name)
		}
	}
	add(f.PayloadAtEndOfFile, "eof")
	add(f.PayloadInSeparateFile, "separate")
	add(f.Optional, "optional")
	add(f.Duplicate, "duplicate")
	add(f.SingleUse, "single-use")
	add(f.MemoryMapped, "mapped")
	add(f.Compressed, "compressed")
	add(f.UsesDispatcher, "dispatcher")
	add(f.ForceInline, "inline")
	add(f.OffsetIsRelative, "relative-offset")
	add(f.Removed, "removed")
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
