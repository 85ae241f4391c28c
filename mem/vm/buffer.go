package vm

import "math/bits"

// An SGChunk is one physically contiguous piece of a pinned buffer.
type SGChunk struct {
	IOVA   uint64
	Phys   uint64
	Length uint64
}

// addr returns the address the GMMU should use for the chunk. Buffers that
// are not behind an IOMMU have a zero IOVA and are addressed physically.
func (c SGChunk) addr() uint64 {
	if c.IOVA != 0 {
		return c.IOVA
	}

	return c.Phys
}

// An SGTable describes the memory backing a pinned buffer.
type SGTable struct {
	Chunks []SGChunk
}

// NewContiguousSGTable returns a table with a single chunk.
func NewContiguousSGTable(iova, phys, length uint64) *SGTable {
	return &SGTable{Chunks: []SGChunk{{IOVA: iova, Phys: phys, Length: length}}}
}

// Size returns the total length of all the chunks.
func (t *SGTable) Size() uint64 {
	var size uint64
	for _, c := range t.Chunks {
		size += c.Length
	}

	return size
}

// BaseAddr returns the GMMU-visible address of the first byte.
func (t *SGTable) BaseAddr() uint64 {
	if len(t.Chunks) == 0 {
		return 0
	}

	return t.Chunks[0].addr()
}

// AddrAt returns the GMMU-visible address of the byte at offset. The bool is
// false if the offset is beyond the table.
func (t *SGTable) AddrAt(offset uint64) (uint64, bool) {
	for _, c := range t.Chunks {
		if offset < c.Length {
			return c.addr() + offset, true
		}

		offset -= c.Length
	}

	return 0, false
}

// Alignment returns the largest power of two that every chunk start (and every
// chunk boundary inside the table) is aligned to. A table whose addresses are
// all zero reports the maximum alignment.
func (t *SGTable) Alignment() uint64 {
	var acc uint64
	for i, c := range t.Chunks {
		acc |= c.addr()
		if i != len(t.Chunks)-1 {
			acc |= c.Length
		}
	}

	if acc == 0 {
		return 1 << 63
	}

	return 1 << bits.TrailingZeros64(acc)
}

// Buffer is a handle to memory owned by the buffer-management layer. A
// Buffer is reference counted by Get and Put; Attach pins it for DMA.
type Buffer interface {
	// ID uniquely identifies the underlying memory object.
	ID() uint64

	// Size returns the size of the buffer in bytes.
	Size() uint64

	// Kind returns the kind recorded in the buffer metadata.
	Kind() Kind

	// Attach pins the buffer and returns its scatter-gather table.
	Attach() (*SGTable, error)

	// Detach releases a pin acquired by Attach.
	Detach(sgt *SGTable)

	// Get acquires a reference to the handle.
	Get()

	// Put releases a reference to the handle.
	Put()
}
