package hwsync

import (
	"sync"

	"github.com/sarchlab/gpuvm/mem/vm/chip"
)

// Registers is the MMIO window of a GPU.
type Registers interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}

// A Write is a register write observed by SimRegisters.
type Write struct {
	Offset uint32
	Value  uint32
}

type simReg struct {
	value     uint32
	idle      uint32
	remaining int
}

// SimRegisters is a register file that models the busy bits of the flush,
// TLB invalidate and compression-tag clear registers. A triggered register
// reports busy for a configurable number of reads before going idle.
type SimRegisters struct {
	mu        sync.Mutex
	layout    chip.RegisterLayout
	regs      map[uint32]*simReg
	busyPolls map[uint32]int
	writes    []Write
}

// NewSimRegisters creates a register file with the given layout. All
// triggered operations complete immediately until SetBusyPolls says
// otherwise.
func NewSimRegisters(layout chip.RegisterLayout) *SimRegisters {
	r := &SimRegisters{
		layout:    layout,
		regs:      make(map[uint32]*simReg),
		busyPolls: make(map[uint32]int),
	}

	idleCtrl := layout.MMUCtrlFifoEmpty | layout.MMUCtrlFifoSpaceMask
	r.regs[layout.MMUCtrl] = &simReg{value: idleCtrl, idle: idleCtrl}

	return r
}

// SetBusyPolls sets how many reads the status register at offset stays busy
// after being triggered. A negative count keeps it busy forever.
func (r *SimRegisters) SetBusyPolls(offset uint32, polls int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.busyPolls[offset] = polls
}

// StallFIFO makes the MMU report a full invalidate FIFO for the next polls
// reads. A negative count stalls forever.
func (r *SimRegisters) StallFIFO(polls int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctrl := r.reg(r.layout.MMUCtrl)
	ctrl.value = 0
	ctrl.remaining = polls
}

func (r *SimRegisters) reg(offset uint32) *simReg {
	reg, ok := r.regs[offset]
	if !ok {
		reg = &simReg{}
		r.regs[offset] = reg
	}

	return reg
}

// Read32 returns the value of a register.
func (r *SimRegisters) Read32(offset uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := r.reg(offset)
	v := reg.value

	if reg.remaining > 0 {
		reg.remaining--
		if reg.remaining == 0 {
			reg.value = reg.idle
		}
	}

	return v
}

// Write32 writes a register and starts the operation it triggers.
func (r *SimRegisters) Write32(offset uint32, value uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.writes = append(r.writes, Write{Offset: offset, Value: value})

	l := r.layout
	switch offset {
	case l.FBFlush, l.L2SystemInvalidate, l.L2FlushDirty:
		if value&l.FlushPendingBusy != 0 {
			r.trigger(offset, value|l.FlushOutstandingTrue)
			return
		}
	case l.CBCCtrl1:
		if value&l.CBCCtrl1ClearActive != 0 {
			r.trigger(offset, value)
			return
		}
	case l.MMUInvalidate:
		if value&l.MMUInvalidateTrigger != 0 {
			r.trigger(l.MMUCtrl, l.MMUCtrlFifoSpaceMask)
		}
	}

	r.reg(offset).value = value
}

func (r *SimRegisters) trigger(status uint32, busy uint32) {
	reg := r.reg(status)
	reg.remaining = r.busyPolls[status]

	if reg.remaining == 0 {
		reg.value = reg.idle
		return
	}

	reg.value = busy
}

// Writes returns every write so far in order.
func (r *SimRegisters) Writes() []Write {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Write(nil), r.writes...)
}

// CountWrites returns the number of writes to offset.
func (r *SimRegisters) CountWrites(offset uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, w := range r.writes {
		if w.Offset == offset {
			n++
		}
	}

	return n
}

// ResetWrites forgets the recorded writes.
func (r *SimRegisters) ResetWrites() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.writes = nil
}
