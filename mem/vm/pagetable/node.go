package pagetable

import (
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/pagealloc"
)

// A Node is one table of the tree. Directory nodes own their children; leaf
// nodes only hold PTEs.
type Node struct {
	block *pagealloc.Block
	level int
	pgsz  vm.PageSizeIndex
	slots []slot
}

// A slot holds the children a single directory entry points at, one table
// per page size.
type slot struct {
	children [vm.NumPageSizes]*Node
}

// Block returns the memory that stores the table.
func (n *Node) Block() *pagealloc.Block {
	return n.block
}

// Level returns the depth of the node, the root being level 0.
func (n *Node) Level() int {
	return n.level
}

// PageSize returns the page size the table was allocated for.
func (n *Node) PageSize() vm.PageSizeIndex {
	return n.pgsz
}

// Child returns the table that entry idx points at for the given page size,
// or nil.
func (n *Node) Child(idx uint64, pgsz vm.PageSizeIndex) *Node {
	if idx >= uint64(len(n.slots)) {
		return nil
	}

	return n.slots[idx].children[pgsz]
}
