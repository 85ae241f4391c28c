// Package pagealloc provides the DMA-capable memory that backs page tables.
package pagealloc

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/gpuvm/mem/vm"
)

// An Allocator hands out zeroed blocks of DMA-addressable memory.
type Allocator interface {
	// Alloc returns a zeroed block of at least size bytes.
	Alloc(size uint64) (*Block, error)

	// Free returns a block to the allocator.
	Free(b *Block)
}

// MinBlockSize is the granularity of the simulated allocator.
const MinBlockSize = 4096

// SimAllocator allocates blocks from a simulated physical memory. Blocks are
// rounded up to a power of two and recycled through per-size free lists.
type SimAllocator struct {
	sync.Mutex

	log      logrus.FieldLogger
	storage  *Storage
	base     uint64
	next     uint64
	free     map[uint64][]uint64
	inUse    uint64
	numAlloc uint64
}

// Alloc returns a zeroed block.
func (a *SimAllocator) Alloc(size uint64) (*Block, error) {
	if size == 0 {
		return nil, fmt.Errorf("zero sized block: %w", vm.ErrInvalidArgument)
	}

	size = roundUpPow2(max(size, MinBlockSize))

	a.Lock()
	defer a.Unlock()

	addr, ok := a.popFree(size)
	if !ok {
		addr = vm.AlignUp(a.next, size)
		if addr+size > a.base+a.storage.Capacity() || addr+size < addr {
			a.log.WithFields(logrus.Fields{
				"size":   size,
				"in_use": a.inUse,
			}).Warn("page table memory exhausted")

			return nil, fmt.Errorf("page table block of %#x bytes: %w",
				size, vm.ErrOutOfMemory)
		}

		a.next = addr + size
	}

	a.storage.Zero(addr-a.base, size)
	a.inUse += size
	a.numAlloc++

	return &Block{
		addr:    addr,
		size:    size,
		storage: a.storage,
		base:    a.base,
	}, nil
}

func (a *SimAllocator) popFree(size uint64) (uint64, bool) {
	list := a.free[size]
	if len(list) == 0 {
		return 0, false
	}

	addr := list[len(list)-1]
	a.free[size] = list[:len(list)-1]

	return addr, true
}

// Free returns a block to the free list of its size.
func (a *SimAllocator) Free(b *Block) {
	if b.Mapped() {
		panic("freeing a mapped block")
	}

	a.Lock()
	defer a.Unlock()

	a.free[b.size] = append(a.free[b.size], b.addr)
	a.inUse -= b.size
	a.numAlloc--
}

// InUse returns the number of bytes currently allocated.
func (a *SimAllocator) InUse() uint64 {
	a.Lock()
	defer a.Unlock()

	return a.inUse
}

// NumBlocks returns the number of live blocks.
func (a *SimAllocator) NumBlocks() uint64 {
	a.Lock()
	defer a.Unlock()

	return a.numAlloc
}

// Storage returns the simulated memory the allocator carves blocks from.
func (a *SimAllocator) Storage() *Storage {
	return a.storage
}

func roundUpPow2(v uint64) uint64 {
	p := uint64(1)
	for p < v {
		p <<= 1
	}

	return p
}
