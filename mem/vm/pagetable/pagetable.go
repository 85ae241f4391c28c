// Package pagetable maintains the multi-level GMMU page tables of one
// address space.
package pagetable

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/chip"
	"github.com/sarchlab/gpuvm/mem/vm/pagealloc"
)

// Attrs are the attributes written into every PTE of a populated range.
type Attrs struct {
	Kind        vm.Kind
	CtagOffset  uint64
	Cacheable   bool
	UnmappedPTE bool
	RW          vm.RWFlag
}

// A Table is the page-table tree of one address space. A Table is not safe
// for concurrent use; the owner serializes updates.
type Table struct {
	chip      chip.Chip
	levels    []chip.Level
	alloc     pagealloc.Allocator
	pageSizes [vm.NumPageSizes]uint64
	root      *Node
	byAddr    map[uint64]*Node
	log       logrus.FieldLogger
}

// New creates a table tree and allocates its root directory.
func New(
	c chip.Chip,
	levels []chip.Level,
	alloc pagealloc.Allocator,
	pageSizes [vm.NumPageSizes]uint64,
) (*Table, error) {
	if len(levels) < 2 {
		panic("a page table needs at least one directory level")
	}

	t := &Table{
		chip:      c,
		levels:    levels,
		alloc:     alloc,
		pageSizes: pageSizes,
		byAddr:    make(map[uint64]*Node),
		log:       logrus.StandardLogger(),
	}

	root, err := t.allocNode(0, vm.PageSizeSmall)
	if err != nil {
		return nil, err
	}

	t.root = root

	return t, nil
}

// SetLogger replaces the logger of the table.
func (t *Table) SetLogger(log logrus.FieldLogger) {
	t.log = log
}

// Root returns the page directory.
func (t *Table) Root() *Node {
	return t.root
}

// PDB returns the DMA address of the page directory.
func (t *Table) PDB() uint64 {
	return t.root.block.Addr()
}

// NumTables returns the number of tables in the tree, root included.
func (t *Table) NumTables() int {
	return len(t.byAddr)
}

func (t *Table) allocNode(level int, pgsz vm.PageSizeIndex) (*Node, error) {
	size := t.levels[level].TableSize(pgsz)

	block, err := t.alloc.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("level %d table: %w", level, err)
	}

	n := &Node{block: block, level: level, pgsz: pgsz}
	t.byAddr[block.Addr()] = n

	return n, nil
}

type walk struct {
	pgsz     vm.PageSizeIndex
	pageSize uint64
	sg       *vm.SGTable
	offset   uint64
	attrs    Attrs
	ctag     uint64
	sparse   bool
}

// Populate writes PTEs that map [va, end) to the memory of sg, starting
// bufferOffset bytes into it. Tables are allocated on demand. On error the
// tree may be partially updated; the caller invalidates the range.
func (t *Table) Populate(
	pgsz vm.PageSizeIndex,
	va, end uint64,
	sg *vm.SGTable,
	bufferOffset uint64,
	attrs Attrs,
) error {
	pageSize := t.pageSizes[pgsz]
	if bufferOffset&(pageSize-1) != 0 {
		return fmt.Errorf("buffer offset %#x not aligned to %#x: %w",
			bufferOffset, pageSize, vm.ErrInvalidArgument)
	}

	w := &walk{
		pgsz:     pgsz,
		pageSize: pageSize,
		sg:       sg,
		offset:   bufferOffset,
		attrs:    attrs,
		ctag:     attrs.CtagOffset * t.chip.ComptagGranularity(),
	}

	return t.update(va, end, w)
}

// Invalidate clears the PTEs of [va, end). Sparse ranges get the reserved
// invalid-but-volatile encoding; tables are allocated for them on demand.
func (t *Table) Invalidate(pgsz vm.PageSizeIndex, va, end uint64, sparse bool) error {
	w := &walk{
		pgsz:     pgsz,
		pageSize: t.pageSizes[pgsz],
		sparse:   sparse,
	}

	return t.update(va, end, w)
}

func (t *Table) update(va, end uint64, w *walk) error {
	if va&(w.pageSize-1) != 0 || end <= va {
		return fmt.Errorf("range [%#x, %#x) at %s pages: %w",
			va, end, w.pgsz, vm.ErrInvalidArgument)
	}

	t.log.WithFields(logrus.Fields{
		"va":     fmt.Sprintf("%#x", va),
		"size":   end - va,
		"pgsz":   w.pgsz,
		"map":    w.sg != nil,
		"sparse": w.sparse,
	}).Debug("update page tables")

	if err := t.root.block.Map(); err != nil {
		return err
	}
	defer t.root.block.Unmap()

	return t.updateLevel(t.root, va, end, w)
}

// writing reports whether the walk must allocate missing tables. Plain
// invalidation of a range that has no tables is a no-op.
func (w *walk) writing() bool {
	return w.sg != nil || w.sparse
}

func (t *Table) updateLevel(n *Node, va, end uint64, w *walk) error {
	l := t.levels[n.level]
	leaf := n.level == len(t.levels)-1
	cov := l.Coverage(w.pgsz)
	idx := l.Index(va, w.pgsz)

	for va < end {
		next := min((va+cov)&^(cov-1), end)

		var err error
		if leaf {
			err = t.writePTE(n, idx, w)
		} else {
			err = t.updateChild(n, idx, va, next, w)
		}

		if err != nil {
			return err
		}

		idx++
		va = next
	}

	return nil
}

func (t *Table) updateChild(n *Node, idx, va, next uint64, w *walk) error {
	if n.slots == nil {
		if !w.writing() {
			return nil
		}

		n.slots = make([]slot, t.numSlots(n.level))
	}

	child := n.slots[idx].children[w.pgsz]
	if child == nil {
		if !w.writing() {
			return nil
		}

		var err error

		child, err = t.allocNode(n.level+1, w.pgsz)
		if err != nil {
			return err
		}

		n.slots[idx].children[w.pgsz] = child
	}

	t.writePDE(n, idx)

	if err := child.block.Map(); err != nil {
		return err
	}
	defer child.block.Unmap()

	return t.updateLevel(child, va, next, w)
}

func (t *Table) numSlots(level int) uint64 {
	l := t.levels[level]
	return max(l.NumEntries(vm.PageSizeSmall), l.NumEntries(vm.PageSizeBig))
}

func (t *Table) writePDE(n *Node, idx uint64) {
	var pde chip.PDE

	if c := n.slots[idx].children[vm.PageSizeSmall]; c != nil {
		pde.SmallValid = true
		pde.SmallAddr = c.block.Addr()
	}

	if c := n.slots[idx].children[vm.PageSizeBig]; c != nil {
		pde.BigValid = true
		pde.BigAddr = c.block.Addr()
	}

	t.writeEntry(n, idx, t.chip.EncodePDE(pde))
}

func (t *Table) writePTE(n *Node, idx uint64, w *walk) error {
	var pte chip.PTE

	switch {
	case w.sg != nil:
		addr, ok := w.sg.AddrAt(w.offset)
		if !ok {
			return fmt.Errorf("offset %#x beyond the buffer: %w",
				w.offset, vm.ErrInvalidArgument)
		}

		pte = t.mappedPTE(addr, w)

		if w.ctag != 0 {
			w.ctag += w.pageSize
		}

		w.offset += w.pageSize
	case w.sparse:
		pte.Volatile = true
	}

	t.writeEntry(n, idx, t.chip.EncodePTE(pte))

	return nil
}

func (t *Table) mappedPTE(addr uint64, w *walk) chip.PTE {
	pte := chip.PTE{
		Valid:       !w.attrs.UnmappedPTE,
		Addr:        addr,
		Kind:        w.attrs.Kind,
		CompTagLine: uint32(w.ctag / t.chip.ComptagGranularity()),
	}

	switch w.attrs.RW {
	case vm.RWReadOnly:
		pte.ReadOnly = true
		pte.WriteDisable = true
	case vm.RWWriteOnly:
		pte.ReadDisable = true
	}

	if !w.attrs.UnmappedPTE && !w.attrs.Cacheable {
		pte.Volatile = true
	}

	return pte
}

func (t *Table) writeEntry(n *Node, idx uint64, words [2]uint32) {
	off := idx * t.levels[n.level].EntrySize

	n.block.Write32(off, words[0])
	n.block.Write32(off+4, words[1])
}

func (t *Table) readEntry(n *Node, idx uint64) [2]uint32 {
	off := idx * t.levels[n.level].EntrySize

	return [2]uint32{n.block.Read32(off), n.block.Read32(off + 4)}
}

// Destroy frees every table of the tree. The table must not be used
// afterwards.
func (t *Table) Destroy() {
	if t.root == nil {
		return
	}

	t.freeNode(t.root)
	t.root = nil
}

func (t *Table) freeNode(n *Node) {
	for i := range n.slots {
		for _, c := range n.slots[i].children {
			if c != nil {
				t.freeNode(c)
			}
		}
	}

	delete(t.byAddr, n.block.Addr())
	t.alloc.Free(n.block)
}
