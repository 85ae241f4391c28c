// Package vm provides the types shared by the GPU virtual memory manager.
package vm

import "fmt"

// PageSizeIndex selects one of the two page sizes an address space supports.
type PageSizeIndex int

// The page size classes. Small is always 4KB; the big page size is chosen per
// address space.
const (
	PageSizeSmall PageSizeIndex = iota
	PageSizeBig
	NumPageSizes
)

func (i PageSizeIndex) String() string {
	switch i {
	case PageSizeSmall:
		return "small"
	case PageSizeBig:
		return "big"
	default:
		return fmt.Sprintf("pgsz(%d)", int(i))
	}
}

// SmallPageSize is the size of the small GMMU page.
const SmallPageSize uint64 = 4096

// Kind is the hardware memory kind written into a PTE. The values are
// chip-specific, see package chip.
type Kind int

const (
	// KindAuto asks the mapping engine to take the kind from the buffer
	// metadata.
	KindAuto Kind = -1

	// KindPitch is the plain, uncompressed pitch-linear kind.
	KindPitch Kind = 0x00

	// KindInvalid marks an unset or impossible kind.
	KindInvalid Kind = 0xff
)

// MapFlags controls how a buffer is mapped.
type MapFlags uint32

// Map flags.
const (
	MapFixedOffset MapFlags = 1 << 0
	MapCacheable   MapFlags = 1 << 2
	MapUnmappedPTE MapFlags = 1 << 5
)

// Has reports whether all bits of f2 are set in f.
func (f MapFlags) Has(f2 MapFlags) bool {
	return f&f2 == f2
}

// SpaceFlags controls how a VA region is reserved.
type SpaceFlags uint32

// Space flags.
const (
	SpaceFixedOffset SpaceFlags = 1 << 0
	SpaceSparse      SpaceFlags = 1 << 1
)

// Has reports whether all bits of f2 are set in f.
func (f SpaceFlags) Has(f2 SpaceFlags) bool {
	return f&f2 == f2
}

// RWFlag restricts the access mode of a mapping.
type RWFlag int

// Access modes.
const (
	RWNone RWFlag = iota
	RWReadOnly
	RWWriteOnly
)

// AlignUp rounds v up to a multiple of align, which must be a power of two.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// IsPowerOfTwo reports whether v is a non-zero power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
