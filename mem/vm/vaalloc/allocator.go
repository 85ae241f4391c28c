// Package vaalloc hands out ranges of virtual address space in page units.
package vaalloc

import (
	"fmt"
	"sync"

	"github.com/sarchlab/gpuvm/mem/vm"
)

// An Allocator manages the units [base, base+length). Every allocation is a
// run of contiguous units and must be freed with exactly the same run.
type Allocator struct {
	sync.Mutex

	name   string
	base   uint64
	length uint64
	used   bitmap
	runs   map[uint64]uint64
	inUse  uint64
}

// New creates an allocator over [base, base+length).
func New(name string, base, length uint64) *Allocator {
	return &Allocator{
		name:   name,
		base:   base,
		length: length,
		used:   newBitmap(length),
		runs:   make(map[uint64]uint64),
	}
}

// Name returns the name of the allocator.
func (a *Allocator) Name() string {
	return a.name
}

// Base returns the first unit the allocator manages.
func (a *Allocator) Base() uint64 {
	return a.base
}

// Limit returns the unit after the last unit the allocator manages.
func (a *Allocator) Limit() uint64 {
	return a.base + a.length
}

// Alloc returns the start of the lowest free run of n units.
func (a *Allocator) Alloc(n uint64) (uint64, error) {
	if n == 0 {
		return 0, fmt.Errorf("%s: zero-length allocation: %w",
			a.name, vm.ErrInvalidArgument)
	}

	a.Lock()
	defer a.Unlock()

	start, ok := a.findRun(n)
	if !ok {
		return 0, fmt.Errorf("%s: %d units: %w", a.name, n, vm.ErrOutOfVASpace)
	}

	a.take(start, n)

	return a.base + start, nil
}

func (a *Allocator) findRun(n uint64) (uint64, bool) {
	i := uint64(0)

	for i+n <= a.length {
		z, ok := a.used.firstZero(i)
		if !ok || z+n > a.length {
			return 0, false
		}

		o, hit := a.used.firstOne(z, z+n)
		if !hit {
			return z, true
		}

		i = o + 1
	}

	return 0, false
}

// AllocFixed allocates the run of n units that starts at start.
func (a *Allocator) AllocFixed(start, n uint64) error {
	if n == 0 {
		return fmt.Errorf("%s: zero-length allocation: %w",
			a.name, vm.ErrInvalidArgument)
	}

	a.Lock()
	defer a.Unlock()

	if start < a.base || start+n > a.base+a.length || start+n < start {
		return fmt.Errorf("%s: units [%#x, %#x) out of range: %w",
			a.name, start, start+n, vm.ErrOutOfVASpace)
	}

	idx := start - a.base
	if _, hit := a.used.firstOne(idx, idx+n); hit {
		return fmt.Errorf("%s: units [%#x, %#x) in use: %w",
			a.name, start, start+n, vm.ErrOutOfVASpace)
	}

	a.take(idx, n)

	return nil
}

func (a *Allocator) take(idx, n uint64) {
	a.used.setRange(idx, idx+n, true)
	a.runs[idx] = n
	a.inUse += n
}

// Free releases a run previously returned by Alloc or AllocFixed. Runs that
// were never allocated, or that only partially match an allocation, are
// rejected with vm.ErrNotFound.
func (a *Allocator) Free(start, n uint64) error {
	a.Lock()
	defer a.Unlock()

	idx := start - a.base
	if start < a.base || a.runs[idx] != n || n == 0 {
		return fmt.Errorf("%s: units [%#x, %#x): %w",
			a.name, start, start+n, vm.ErrNotFound)
	}

	delete(a.runs, idx)
	a.used.setRange(idx, idx+n, false)
	a.inUse -= n

	return nil
}

// InUse returns the number of allocated units.
func (a *Allocator) InUse() uint64 {
	a.Lock()
	defer a.Unlock()

	return a.inUse
}

// Available returns the number of free units.
func (a *Allocator) Available() uint64 {
	a.Lock()
	defer a.Unlock()

	return a.length - a.inUse
}

// NumRuns returns the number of live allocations.
func (a *Allocator) NumRuns() int {
	a.Lock()
	defer a.Unlock()

	return len(a.runs)
}
