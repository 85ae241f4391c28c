// Package registry tracks the mappings and VA reservations of an address
// space.
package registry

import (
	"fmt"
	"slices"

	"github.com/google/btree"

	"github.com/sarchlab/gpuvm/mem/vm"
)

type bufferKey struct {
	id   uint64
	kind vm.Kind
}

func keyOf(mb *MappedBuffer) bufferKey {
	return bufferKey{id: mb.Buffer.ID(), kind: mb.RequestedKind}
}

// A Registry indexes mappings by VA and by the buffer they map. A Registry is
// not safe for concurrent use; the address space serializes access.
type Registry struct {
	tree          *btree.BTreeG[*MappedBuffer]
	byBuffer      map[bufferKey][]*MappedBuffer
	numUserMapped int
	regions       []*Region
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tree: btree.NewG[*MappedBuffer](16, func(a, b *MappedBuffer) bool {
			return a.Addr < b.Addr
		}),
		byBuffer: make(map[bufferKey][]*MappedBuffer),
	}
}

// Insert adds a mapping. Inserting a second mapping at the same VA fails
// with vm.ErrDuplicateVA.
func (r *Registry) Insert(mb *MappedBuffer) error {
	if _, ok := r.tree.Get(mb); ok {
		return fmt.Errorf("mapping at %#x: %w", mb.Addr, vm.ErrDuplicateVA)
	}

	r.tree.ReplaceOrInsert(mb)

	key := keyOf(mb)
	r.byBuffer[key] = append(r.byBuffer[key], mb)

	if mb.UserMapped > 0 {
		r.numUserMapped++
	}

	return nil
}

// Remove erases a mapping from every index.
func (r *Registry) Remove(mb *MappedBuffer) {
	if _, ok := r.tree.Delete(mb); !ok {
		panic("removing a mapping that is not registered")
	}

	key := keyOf(mb)

	list := slices.DeleteFunc(r.byBuffer[key], func(m *MappedBuffer) bool {
		return m == mb
	})
	if len(list) == 0 {
		delete(r.byBuffer, key)
	} else {
		r.byBuffer[key] = list
	}

	if mb.UserMapped > 0 {
		r.numUserMapped--
	}
}

// Find returns the mapping that starts at va.
func (r *Registry) Find(va uint64) (*MappedBuffer, bool) {
	return r.tree.Get(&MappedBuffer{Addr: va})
}

// FindContaining returns the mapping that covers va.
func (r *Registry) FindContaining(va uint64) (*MappedBuffer, bool) {
	var found *MappedBuffer

	r.tree.DescendLessOrEqual(&MappedBuffer{Addr: va},
		func(mb *MappedBuffer) bool {
			found = mb
			return false
		})

	if found == nil || !found.Contains(va) {
		return nil, false
	}

	return found, true
}

// FindByBuffer returns the lowest mapping of the buffer made with the given
// requested kind.
func (r *Registry) FindByBuffer(bufferID uint64, kind vm.Kind) (*MappedBuffer, bool) {
	list := r.byBuffer[bufferKey{id: bufferID, kind: kind}]
	if len(list) == 0 {
		return nil, false
	}

	best := list[0]
	for _, mb := range list[1:] {
		if mb.Addr < best.Addr {
			best = mb
		}
	}

	return best, true
}

// Ascend calls fn for every mapping in VA order until fn returns false.
func (r *Registry) Ascend(fn func(mb *MappedBuffer) bool) {
	r.tree.Ascend(fn)
}

// First returns the mapping with the lowest VA.
func (r *Registry) First() (*MappedBuffer, bool) {
	return r.tree.Min()
}

// Len returns the number of mappings.
func (r *Registry) Len() int {
	return r.tree.Len()
}

// NumUserMapped returns the number of mappings user space holds.
func (r *Registry) NumUserMapped() int {
	return r.numUserMapped
}

// MarkUserMapped records one more user-space hold on mb.
func (r *Registry) MarkUserMapped(mb *MappedBuffer) {
	if mb.UserMapped == 0 {
		r.numUserMapped++
	}

	mb.UserMapped++
}

// UnmarkUserMapped drops one user-space hold on mb.
func (r *Registry) UnmarkUserMapped(mb *MappedBuffer) {
	if mb.UserMapped == 0 {
		return
	}

	mb.UserMapped--
	if mb.UserMapped == 0 {
		r.numUserMapped--
	}
}

// Snapshot returns the user-mapped buffers in VA order, each with an extra
// reference the caller must release.
func (r *Registry) Snapshot() []*MappedBuffer {
	list := make([]*MappedBuffer, 0, r.numUserMapped)

	r.tree.Ascend(func(mb *MappedBuffer) bool {
		if mb.UserMapped > 0 {
			mb.Get()
			list = append(list, mb)
		}

		return true
	})

	if len(list) != r.numUserMapped {
		panic("user-mapped count out of sync")
	}

	return list
}

// AddRegion registers a reservation.
func (r *Registry) AddRegion(region *Region) error {
	for _, other := range r.regions {
		if max(other.Start, region.Start) < min(other.End(), region.End()) {
			return fmt.Errorf("region [%#x, %#x): %w",
				region.Start, region.End(), vm.ErrDuplicateVA)
		}
	}

	r.regions = append(r.regions, region)

	return nil
}

// RegionFor returns the reservation that contains addr.
func (r *Registry) RegionFor(addr uint64) (*Region, bool) {
	for _, region := range r.regions {
		if region.Contains(addr) {
			return region, true
		}
	}

	return nil, false
}

// RemoveRegion unregisters a reservation.
func (r *Registry) RemoveRegion(region *Region) {
	r.regions = slices.DeleteFunc(r.regions, func(other *Region) bool {
		return other == region
	})
}

// Regions returns the reservations in the order they were made.
func (r *Registry) Regions() []*Region {
	return slices.Clone(r.regions)
}
