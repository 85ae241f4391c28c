package pagealloc

import "fmt"

// A Block is a physically contiguous, DMA-addressable piece of memory that
// stores one page table.
type Block struct {
	addr     uint64
	base     uint64
	size     uint64
	storage  *Storage
	mapCount int
}

// Addr returns the DMA address of the block.
func (b *Block) Addr() uint64 {
	return b.addr
}

// Size returns the size of the block in bytes.
func (b *Block) Size() uint64 {
	return b.size
}

// Map makes the block accessible to the CPU. Maps nest; each Map must be
// paired with an Unmap.
func (b *Block) Map() error {
	b.mapCount++
	return nil
}

// Unmap releases a CPU mapping acquired by Map.
func (b *Block) Unmap() {
	if b.mapCount == 0 {
		panic("unmapping a block that is not mapped")
	}

	b.mapCount--
}

// Mapped reports whether the CPU can currently access the block.
func (b *Block) Mapped() bool {
	return b.mapCount > 0
}

func (b *Block) mustBeAccessible(offset uint64) {
	if b.mapCount == 0 {
		panic(fmt.Sprintf("block %#x is not mapped", b.addr))
	}

	if offset+4 > b.size {
		panic(fmt.Sprintf("offset %#x out of block %#x", offset, b.addr))
	}
}

// Read32 reads the 32-bit word at offset. The block must be mapped.
func (b *Block) Read32(offset uint64) uint32 {
	b.mustBeAccessible(offset)

	v, err := b.storage.Read32(b.addr - b.base + offset)
	if err != nil {
		panic(err)
	}

	return v
}

// Write32 writes the 32-bit word at offset. The block must be mapped.
func (b *Block) Write32(offset uint64, v uint32) {
	b.mustBeAccessible(offset)

	if err := b.storage.Write32(b.addr-b.base+offset, v); err != nil {
		panic(err)
	}
}
