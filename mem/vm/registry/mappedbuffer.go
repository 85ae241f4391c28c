package registry

import (
	"sync/atomic"

	"github.com/sarchlab/gpuvm/mem/vm"
)

// A MappedBuffer is one live mapping of a buffer into an address space.
type MappedBuffer struct {
	Addr   uint64
	Size   uint64
	Buffer vm.Buffer
	SGT    *vm.SGTable
	Pgsz   vm.PageSizeIndex

	// RequestedKind is the kind the caller asked for and is the dedup key.
	// Kind is the kind written into the PTEs.
	RequestedKind vm.Kind
	Kind          vm.Kind

	CtagOffset uint64
	CtagLines  uint64
	Flags      vm.MapFlags
	RW         vm.RWFlag

	VAAllocated bool
	UserMapped  int
	OwnMemRef   bool
	Region      *Region

	refs atomic.Int32
}

// NewMappedBuffer returns a mapping holding a single reference.
func NewMappedBuffer() *MappedBuffer {
	mb := &MappedBuffer{}
	mb.refs.Store(1)

	return mb
}

// End returns the address after the last byte of the mapping.
func (mb *MappedBuffer) End() uint64 {
	return mb.Addr + mb.Size
}

// Contains reports whether va falls inside the mapping.
func (mb *MappedBuffer) Contains(va uint64) bool {
	return va >= mb.Addr && va < mb.End()
}

// Overlaps reports whether the mapping intersects [start, start+size).
func (mb *MappedBuffer) Overlaps(start, size uint64) bool {
	return max(mb.Addr, start) < min(mb.End(), start+size)
}

// Get acquires a reference.
func (mb *MappedBuffer) Get() {
	if mb.refs.Add(1) <= 1 {
		panic("reviving a released mapping")
	}
}

// Put releases a reference and reports whether it was the last one.
func (mb *MappedBuffer) Put() bool {
	n := mb.refs.Add(-1)
	if n < 0 {
		panic("mapping reference count below zero")
	}

	return n == 0
}

// RefCount returns the current number of references.
func (mb *MappedBuffer) RefCount() int32 {
	return mb.refs.Load()
}
