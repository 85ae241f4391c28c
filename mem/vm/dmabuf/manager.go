// Package dmabuf keeps the per-buffer state the memory manager attaches to
// buffers it maps: pin counts, the pinned scatter-gather table and the
// compression tags.
package dmabuf

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/vaalloc"
)

// Comptags is a range of compression tag lines owned by a buffer. A zero
// Lines means the buffer has no tags.
type Comptags struct {
	Offset uint64
	Lines  uint64
}

type private struct {
	sync.Mutex
	pinCount int
	sgt      *vm.SGTable
	comptags Comptags
}

// A Manager owns the private data of every buffer it has seen.
type Manager struct {
	mu    sync.Mutex
	privs map[uint64]*private
	ctags *vaalloc.Allocator
	log   logrus.FieldLogger
}

// NewManager creates a manager that allocates compression tags from ctags.
func NewManager(ctags *vaalloc.Allocator, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Manager{
		privs: make(map[uint64]*private),
		ctags: ctags,
		log:   log,
	}
}

func (m *Manager) private(buf vm.Buffer) *private {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.privs[buf.ID()]
	if !ok {
		p = &private{}
		m.privs[buf.ID()] = p
	}

	return p
}

func (m *Manager) lookup(buf vm.Buffer) (*private, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.privs[buf.ID()]

	return p, ok
}

// Pin attaches the buffer on first use and returns its scatter-gather table.
func (m *Manager) Pin(buf vm.Buffer) (*vm.SGTable, error) {
	p := m.private(buf)

	p.Lock()
	defer p.Unlock()

	if p.pinCount == 0 {
		sgt, err := buf.Attach()
		if err != nil {
			return nil, fmt.Errorf("pinning buffer %d: %w", buf.ID(), err)
		}

		p.sgt = sgt
	}

	p.pinCount++

	return p.sgt, nil
}

// Unpin drops a pin. The buffer is detached when the last pin goes away.
func (m *Manager) Unpin(buf vm.Buffer, sgt *vm.SGTable) {
	p, ok := m.lookup(buf)
	if !ok {
		return
	}

	p.Lock()
	defer p.Unlock()

	if p.sgt != sgt {
		m.log.WithField("buffer", buf.ID()).Warn("unpinning with a foreign table")
	}

	if p.pinCount == 0 {
		m.log.WithField("buffer", buf.ID()).Warn("unpinning an unpinned buffer")
		return
	}

	p.pinCount--
	if p.pinCount == 0 {
		buf.Detach(p.sgt)
		p.sgt = nil
	}
}

// PinCount returns the number of pins on the buffer.
func (m *Manager) PinCount(buf vm.Buffer) int {
	p, ok := m.lookup(buf)
	if !ok {
		return 0
	}

	p.Lock()
	defer p.Unlock()

	return p.pinCount
}

// Comptags returns the compression tags cached on the buffer.
func (m *Manager) Comptags(buf vm.Buffer) Comptags {
	p, ok := m.lookup(buf)
	if !ok {
		return Comptags{}
	}

	p.Lock()
	defer p.Unlock()

	return p.comptags
}

// AllocComptags allocates lines compression tags for the buffer and caches
// them. A buffer that already has tags keeps them.
func (m *Manager) AllocComptags(buf vm.Buffer, lines uint64) (Comptags, error) {
	if lines == 0 {
		return Comptags{}, fmt.Errorf("zero comptag lines: %w", vm.ErrInvalidArgument)
	}

	p := m.private(buf)

	p.Lock()
	defer p.Unlock()

	if p.comptags.Lines != 0 {
		return p.comptags, nil
	}

	offset, err := m.ctags.Alloc(lines)
	if err != nil {
		return Comptags{}, err
	}

	p.comptags = Comptags{Offset: offset, Lines: lines}

	return p.comptags, nil
}

// Release destroys the private data of a buffer and returns its compression
// tags. It is called when the last handle to the buffer goes away.
func (m *Manager) Release(buf vm.Buffer) {
	m.mu.Lock()
	p, ok := m.privs[buf.ID()]
	delete(m.privs, buf.ID())
	m.mu.Unlock()

	if !ok {
		return
	}

	p.Lock()
	defer p.Unlock()

	if p.pinCount != 0 {
		m.log.WithFields(logrus.Fields{
			"buffer": buf.ID(),
			"pins":   p.pinCount,
		}).Warn("releasing a pinned buffer")
	}

	if p.comptags.Lines == 0 {
		return
	}

	err := m.ctags.Free(p.comptags.Offset, p.comptags.Lines)
	if err != nil {
		m.log.WithError(err).Error("freeing comptags")
	}
}

// NumBuffers returns the number of buffers with private data.
func (m *Manager) NumBuffers() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.privs)
}
