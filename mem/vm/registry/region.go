package registry

import (
	"slices"

	"github.com/sarchlab/gpuvm/mem/vm"
)

// A Region is a VA range reserved by the user. Fixed-offset mappings must
// lie inside a region.
type Region struct {
	Start  uint64
	Size   uint64
	Pgsz   vm.PageSizeIndex
	Sparse bool

	buffers []*MappedBuffer
}

// End returns the address after the last byte of the region.
func (r *Region) End() uint64 {
	return r.Start + r.Size
}

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End()
}

// Buffers returns the mappings inside the region.
func (r *Region) Buffers() []*MappedBuffer {
	return slices.Clone(r.buffers)
}

// FindOverlap returns a mapping of the region that intersects
// [start, start+size), or nil.
func (r *Region) FindOverlap(start, size uint64) *MappedBuffer {
	for _, b := range r.buffers {
		if b.Overlaps(start, size) {
			return b
		}
	}

	return nil
}

// Link adds a mapping to the region.
func (r *Region) Link(mb *MappedBuffer) {
	r.buffers = append(r.buffers, mb)
	mb.Region = r
}

// Unlink removes a mapping from the region.
func (r *Region) Unlink(mb *MappedBuffer) {
	r.buffers = slices.DeleteFunc(r.buffers, func(b *MappedBuffer) bool {
		return b == mb
	})
	mb.Region = nil
}
