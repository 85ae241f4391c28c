package dmabuf

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/gpuvm/mem/vm"
)

// A SimBuffer is a buffer backed by simulated memory.
type SimBuffer struct {
	id        uint64
	size      uint64
	kind      vm.Kind
	sgt       *vm.SGTable
	refs      atomic.Int32
	attached  atomic.Int32
	onRelease func(b *SimBuffer)

	// FailAttach makes Attach fail with vm.ErrOutOfMemory.
	FailAttach bool
}

// ID returns the identity of the buffer.
func (b *SimBuffer) ID() uint64 {
	return b.id
}

// Size returns the size of the buffer.
func (b *SimBuffer) Size() uint64 {
	return b.size
}

// Kind returns the metadata kind of the buffer.
func (b *SimBuffer) Kind() vm.Kind {
	return b.kind
}

// Base returns the address of the first byte of the buffer.
func (b *SimBuffer) Base() uint64 {
	return b.sgt.BaseAddr()
}

// Attach returns the scatter-gather table of the buffer.
func (b *SimBuffer) Attach() (*vm.SGTable, error) {
	if b.FailAttach {
		return nil, fmt.Errorf("attaching buffer %d: %w", b.id, vm.ErrOutOfMemory)
	}

	b.attached.Add(1)

	return b.sgt, nil
}

// Detach releases an attachment.
func (b *SimBuffer) Detach(_ *vm.SGTable) {
	if b.attached.Add(-1) < 0 {
		panic("detaching a buffer that is not attached")
	}
}

// Attached returns the number of live attachments.
func (b *SimBuffer) Attached() int {
	return int(b.attached.Load())
}

// Get acquires a handle reference.
func (b *SimBuffer) Get() {
	b.refs.Add(1)
}

// Put releases a handle reference. The last Put releases the buffer.
func (b *SimBuffer) Put() {
	n := b.refs.Add(-1)
	if n < 0 {
		panic("buffer reference count below zero")
	}

	if n == 0 && b.onRelease != nil {
		b.onRelease(b)
	}
}

// Refs returns the number of handle references.
func (b *SimBuffer) Refs() int {
	return int(b.refs.Load())
}

// A Heap creates SimBuffers at increasing IOVAs.
type Heap struct {
	mu      sync.Mutex
	manager *Manager
	nextID  uint64
	next    uint64
}

// NewHeap creates a heap whose first buffer starts at base. Buffers are
// released to manager when their last handle is dropped.
func NewHeap(manager *Manager, base uint64) *Heap {
	return &Heap{manager: manager, next: base, nextID: 1}
}

// Alloc creates a contiguous buffer aligned to align bytes.
func (h *Heap) Alloc(size, align uint64, kind vm.Kind) *SimBuffer {
	if !vm.IsPowerOfTwo(align) {
		panic("buffer alignment must be a power of two")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	iova := vm.AlignUp(h.next, align)
	h.next = iova + size

	return h.newBuffer(size, kind, vm.NewContiguousSGTable(iova, 0, size))
}

// AllocScattered creates a buffer out of the given chunks.
func (h *Heap) AllocScattered(kind vm.Kind, chunks ...vm.SGChunk) *SimBuffer {
	h.mu.Lock()
	defer h.mu.Unlock()

	sgt := &vm.SGTable{Chunks: chunks}

	return h.newBuffer(sgt.Size(), kind, sgt)
}

func (h *Heap) newBuffer(size uint64, kind vm.Kind, sgt *vm.SGTable) *SimBuffer {
	b := &SimBuffer{
		id:   h.nextID,
		size: size,
		kind: kind,
		sgt:  sgt,
	}
	h.nextID++

	b.refs.Store(1)

	if h.manager != nil {
		manager := h.manager
		b.onRelease = func(b *SimBuffer) { manager.Release(b) }
	}

	return b
}
