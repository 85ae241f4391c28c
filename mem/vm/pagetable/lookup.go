package pagetable

import (
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/chip"
)

// Lookup walks the tables the way the GMMU does, following the addresses
// stored in the PDEs, and returns the leaf entry that covers va. A valid
// entry wins over an invalid one when both page sizes have a table for va.
// The bool is false if no leaf table covers va.
func (t *Table) Lookup(va uint64) (chip.PTE, vm.PageSizeIndex, bool) {
	var (
		found    bool
		bestPTE  chip.PTE
		bestPgsz vm.PageSizeIndex
	)

	for _, pgsz := range []vm.PageSizeIndex{vm.PageSizeBig, vm.PageSizeSmall} {
		pte, ok := t.lookup(t.root, va, pgsz)
		if !ok {
			continue
		}

		if pte.Valid {
			return pte, pgsz, true
		}

		if !found || (bestPTE == chip.PTE{}) {
			bestPTE, bestPgsz, found = pte, pgsz, true
		}
	}

	return bestPTE, bestPgsz, found
}

func (t *Table) lookup(n *Node, va uint64, pgsz vm.PageSizeIndex) (chip.PTE, bool) {
	if err := n.block.Map(); err != nil {
		return chip.PTE{}, false
	}
	defer n.block.Unmap()

	l := t.levels[n.level]
	idx := l.Index(va, pgsz)

	if idx >= l.NumEntries(pgsz) {
		return chip.PTE{}, false
	}

	words := t.readEntry(n, idx)

	if n.level == len(t.levels)-1 {
		return t.chip.DecodePTE(words), true
	}

	pde := t.chip.DecodePDE(words)

	valid, addr := pde.SmallValid, pde.SmallAddr
	if pgsz == vm.PageSizeBig {
		valid, addr = pde.BigValid, pde.BigAddr
	}

	if !valid {
		return chip.PTE{}, false
	}

	child, ok := t.byAddr[addr]
	if !ok {
		panic("PDE points at a table that does not exist")
	}

	return t.lookup(child, va, pgsz)
}

// Translate returns the physical address va maps to.
func (t *Table) Translate(va uint64) (uint64, bool) {
	pte, pgsz, ok := t.Lookup(va)
	if !ok || !pte.Valid {
		return 0, false
	}

	return pte.Addr + va&(t.pageSizes[pgsz]-1), true
}
