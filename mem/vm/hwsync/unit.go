// Package hwsync implements the cache and TLB maintenance protocols that keep
// the GPU consistent with page table updates.
package hwsync

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/chip"
)

// Op names a maintenance protocol.
type Op int

// The maintenance protocols.
const (
	OpFBFlush Op = iota
	OpL2Invalidate
	OpL2Flush
	OpTLBInvalidate
	OpCBCClear
	numOps
)

func (o Op) String() string {
	switch o {
	case OpFBFlush:
		return "fb_flush"
	case OpL2Invalidate:
		return "l2_invalidate"
	case OpL2Flush:
		return "l2_flush"
	case OpTLBInvalidate:
		return "tlb_invalidate"
	case OpCBCClear:
		return "cbc_clear"
	}

	return fmt.Sprintf("op(%d)", int(o))
}

// State is the progress of the last run of a protocol.
type State int

// The protocol states.
const (
	StateIdle State = iota
	StateTriggered
	StateComplete
	StateTimedOut
)

func (s State) String() string {
	return [...]string{"idle", "triggered", "complete", "timed_out"}[s]
}

// OpStats counts the runs of a protocol.
type OpStats struct {
	Issued    uint64
	Completed uint64
	TimedOut  uint64
	Skipped   uint64
}

// A Budget bounds the polling of a protocol.
type Budget struct {
	Retries uint64
	Delay   time.Duration
}

// Budgets holds the polling budget of every protocol.
type Budgets struct {
	FBFlush       Budget
	L2Invalidate  Budget
	L2Flush       Budget
	TLBInvalidate Budget
	CBCClear      Budget
}

// DefaultBudgets returns the budgets the hardware is specified with.
func DefaultBudgets() Budgets {
	return Budgets{
		FBFlush:       Budget{Retries: 100, Delay: 5 * time.Microsecond},
		L2Invalidate:  Budget{Retries: 200, Delay: 5 * time.Microsecond},
		L2Flush:       Budget{Retries: 200, Delay: 5 * time.Microsecond},
		TLBInvalidate: Budget{Retries: 2000, Delay: 2 * time.Microsecond},
		CBCClear:      Budget{Retries: 2000, Delay: 5 * time.Microsecond},
	}
}

var errBusy = errors.New("busy")

// A Unit runs the maintenance protocols of one device. Cache operations
// share the cache lock. TLB invalidation has its own lock.
type Unit struct {
	regs    Registers
	layout  chip.RegisterLayout
	budgets Budgets
	silicon bool
	log     logrus.FieldLogger

	powered atomic.Bool

	cacheLock sync.Mutex
	tlbLock   sync.Mutex

	statsLock sync.Mutex
	states    [numOps]State
	stats     [numOps]OpStats
}

// SetPowered sets the power state. L2 and TLB maintenance is skipped while
// the device is off.
func (u *Unit) SetPowered(on bool) {
	u.powered.Store(on)
}

// Powered tells if the device is on.
func (u *Unit) Powered() bool {
	return u.powered.Load()
}

// State returns the state of the last run of op.
func (u *Unit) State(op Op) State {
	u.statsLock.Lock()
	defer u.statsLock.Unlock()

	return u.states[op]
}

// Stats returns the counters of op.
func (u *Unit) Stats(op Op) OpStats {
	u.statsLock.Lock()
	defer u.statsLock.Unlock()

	return u.stats[op]
}

func (u *Unit) transit(op Op, s State) {
	u.statsLock.Lock()
	defer u.statsLock.Unlock()

	u.states[op] = s

	switch s {
	case StateTriggered:
		u.stats[op].Issued++
	case StateComplete:
		u.stats[op].Completed++
	case StateTimedOut:
		u.stats[op].TimedOut++
	}
}

func (u *Unit) skip(op Op) {
	u.statsLock.Lock()
	defer u.statsLock.Unlock()

	u.stats[op].Skipped++
}

func (u *Unit) policy(b Budget) backoff.BackOff {
	var p backoff.BackOff = backoff.NewConstantBackOff(b.Delay)

	if u.silicon {
		p = backoff.WithMaxRetries(p, b.Retries)
	}

	return p
}

// poll calls done until it reports true or the budget runs out.
func (u *Unit) poll(b Budget, done func() bool) bool {
	err := backoff.Retry(func() error {
		if done() {
			return nil
		}

		return errBusy
	}, u.policy(b))

	return err == nil
}

func (u *Unit) flushIdle(offset uint32) func() bool {
	busy := u.layout.FlushPendingBusy | u.layout.FlushOutstandingTrue

	return func() bool {
		return u.regs.Read32(offset)&busy == 0
	}
}

// FBFlush pushes all outstanding writes to memory.
func (u *Unit) FBFlush() error {
	u.cacheLock.Lock()
	defer u.cacheLock.Unlock()

	u.transit(OpFBFlush, StateTriggered)
	u.regs.Write32(u.layout.FBFlush, u.layout.FlushPendingBusy)

	if !u.poll(u.budgets.FBFlush, u.flushIdle(u.layout.FBFlush)) {
		u.transit(OpFBFlush, StateTimedOut)
		u.log.Warn("fb_flush too many retries")

		return fmt.Errorf("fb flush: %w", vm.ErrHardwareTimeout)
	}

	u.transit(OpFBFlush, StateComplete)

	return nil
}

// L2Invalidate drops the clean lines of the L2 cache.
func (u *Unit) L2Invalidate() {
	u.cacheLock.Lock()
	defer u.cacheLock.Unlock()

	u.l2Invalidate()
}

func (u *Unit) l2Invalidate() {
	if !u.Powered() {
		u.skip(OpL2Invalidate)
		return
	}

	u.transit(OpL2Invalidate, StateTriggered)
	u.regs.Write32(u.layout.L2SystemInvalidate, u.layout.FlushPendingBusy)

	if !u.poll(u.budgets.L2Invalidate, u.flushIdle(u.layout.L2SystemInvalidate)) {
		u.transit(OpL2Invalidate, StateTimedOut)
		u.log.Warn("l2_system_invalidate too many retries")

		return
	}

	u.transit(OpL2Invalidate, StateComplete)
}

// L2Flush writes the dirty lines of the L2 cache back to memory and
// invalidates the cache afterwards if asked to.
func (u *Unit) L2Flush(invalidate bool) {
	u.cacheLock.Lock()
	defer u.cacheLock.Unlock()

	if !u.Powered() {
		u.skip(OpL2Flush)
		return
	}

	u.transit(OpL2Flush, StateTriggered)
	u.regs.Write32(u.layout.L2FlushDirty, u.layout.FlushPendingBusy)

	if u.poll(u.budgets.L2Flush, u.flushIdle(u.layout.L2FlushDirty)) {
		u.transit(OpL2Flush, StateComplete)
	} else {
		u.transit(OpL2Flush, StateTimedOut)
		u.log.Warn("l2_flush_dirty too many retries")
	}

	if invalidate {
		u.l2Invalidate()
	}
}

// TLBInvalidate drops every TLB entry of the address space whose page
// directory is at pdb. The wait for FIFO space and the wait for the FIFO to
// drain share one budget.
func (u *Unit) TLBInvalidate(pdb uint64) {
	if !u.Powered() {
		u.skip(OpTLBInvalidate)
		return
	}

	u.tlbLock.Lock()
	defer u.tlbLock.Unlock()

	l := u.layout
	issued := false
	issue := func() {
		u.regs.Write32(l.MMUInvalidatePDB,
			l.InvalidatePDBAddr(pdb)|l.MMUInvalidatePDBVid)
		u.regs.Write32(l.MMUInvalidate,
			l.MMUInvalidateAllVA|l.MMUInvalidateTrigger)
		issued = true
	}

	u.transit(OpTLBInvalidate, StateTriggered)

	ok := u.poll(u.budgets.TLBInvalidate, func() bool {
		ctrl := u.regs.Read32(l.MMUCtrl)

		if !issued {
			if ctrl&l.MMUCtrlFifoSpaceMask == 0 {
				return false
			}

			issue()

			return false
		}

		return ctrl&l.MMUCtrlFifoEmpty != 0
	})
	if ok {
		u.transit(OpTLBInvalidate, StateComplete)
		return
	}

	if !issued {
		u.log.WithField("pdb", pdb).Warn("wait mmu fifo space too many retries")
		issue()
	}

	u.transit(OpTLBInvalidate, StateTimedOut)
	u.log.WithField("pdb", pdb).Warn("mmu invalidate too many retries")
}

// ClearComptags clears the compression tag lines [first, last].
func (u *Unit) ClearComptags(first, last uint64) error {
	if last < first {
		return nil
	}

	u.cacheLock.Lock()
	defer u.cacheLock.Unlock()

	l := u.layout

	u.transit(OpCBCClear, StateTriggered)
	u.regs.Write32(l.CBCCtrl2, uint32(first))
	u.regs.Write32(l.CBCCtrl3, uint32(last))
	u.regs.Write32(l.CBCCtrl1, l.CBCCtrl1ClearActive)

	ok := u.poll(u.budgets.CBCClear, func() bool {
		return u.regs.Read32(l.CBCCtrl1)&l.CBCCtrl1ClearActive == 0
	})
	if !ok {
		u.transit(OpCBCClear, StateTimedOut)
		u.log.WithFields(logrus.Fields{
			"first": first,
			"last":  last,
		}).Error("comp tag clear timeout")

		return fmt.Errorf("clearing comptags [%d, %d]: %w",
			first, last, vm.ErrHardwareTimeout)
	}

	u.transit(OpCBCClear, StateComplete)

	return nil
}

// SetupHardware runs the memory setup sequence. It flushes the frame buffer
// twice and only fails when both flushes fail.
func (u *Unit) SetupHardware() error {
	first := u.FBFlush()
	if first == nil {
		return nil
	}

	u.log.WithError(first).Warn("first fb flush failed, retrying")

	err := u.FBFlush()
	if err != nil {
		return fmt.Errorf("hardware setup: %w", err)
	}

	return nil
}
