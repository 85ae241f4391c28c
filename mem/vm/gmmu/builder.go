package gmmu

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/gpuvm/mem/vm/chip"
	"github.com/sarchlab/gpuvm/mem/vm/dmabuf"
	"github.com/sarchlab/gpuvm/mem/vm/hwsync"
	"github.com/sarchlab/gpuvm/mem/vm/pagealloc"
	"github.com/sarchlab/gpuvm/mem/vm/vaalloc"
	"github.com/sarchlab/gpuvm/tracing"
)

// A Builder can build MMs.
type Builder struct {
	chip          chip.Chip
	pageAlloc     pagealloc.Allocator
	regs          hwsync.Registers
	syncUnit      *hwsync.Unit
	budgets       hwsync.Budgets
	buffers       *dmabuf.Manager
	comptagLines  uint64
	silicon       bool
	fixedUnmap    hwsync.Budget
	fixedUnmapSim hwsync.Budget
	log           logrus.FieldLogger
}

// MakeBuilder creates a builder for a gk20a on silicon.
func MakeBuilder() Builder {
	return Builder{
		chip:          chip.GK20A(),
		budgets:       hwsync.DefaultBudgets(),
		silicon:       true,
		fixedUnmap:    hwsync.Budget{Retries: 1000, Delay: 50 * time.Microsecond},
		fixedUnmapSim: hwsync.Budget{Retries: 1000000, Delay: 50 * time.Microsecond},
	}
}

// WithChip sets the chip to manage.
func (b Builder) WithChip(c chip.Chip) Builder {
	b.chip = c
	return b
}

// WithPageAllocator sets the allocator of page table memory.
func (b Builder) WithPageAllocator(a pagealloc.Allocator) Builder {
	b.pageAlloc = a
	return b
}

// WithRegisters sets the register window the sync unit drives.
func (b Builder) WithRegisters(regs hwsync.Registers) Builder {
	b.regs = regs
	return b
}

// WithSyncUnit sets a prebuilt sync unit. It overrides WithRegisters and
// WithBudgets.
func (b Builder) WithSyncUnit(u *hwsync.Unit) Builder {
	b.syncUnit = u
	return b
}

// WithBudgets sets the polling budgets of the sync protocols.
func (b Builder) WithBudgets(budgets hwsync.Budgets) Builder {
	b.budgets = budgets
	return b
}

// WithBufferManager sets the manager of buffer private data.
func (b Builder) WithBufferManager(m *dmabuf.Manager) Builder {
	b.buffers = m
	return b
}

// WithComptagLines sets the number of compression tag lines of the device.
// Zero uses the chip default.
func (b Builder) WithComptagLines(n uint64) Builder {
	b.comptagLines = n
	return b
}

// WithSilicon sets whether the device is real silicon.
func (b Builder) WithSilicon(silicon bool) Builder {
	b.silicon = silicon
	return b
}

// WithFixedUnmapBudget sets how long a user unmap of a fixed-offset mapping
// waits for other users of the mapping, on silicon and elsewhere.
func (b Builder) WithFixedUnmapBudget(silicon, other hwsync.Budget) Builder {
	b.fixedUnmap = silicon
	b.fixedUnmapSim = other
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log logrus.FieldLogger) Builder {
	b.log = log
	return b
}

// Build creates an MM.
func (b Builder) Build(name string) *MM {
	if b.pageAlloc == nil {
		panic("gmmu requires a page allocator")
	}

	log := b.log
	if log == nil {
		log = logrus.StandardLogger()
	}

	log = log.WithField("mm", name)

	syncUnit := b.syncUnit
	if syncUnit == nil {
		syncUnit = hwsync.MakeBuilder().
			WithRegisters(b.regs).
			WithLayout(b.chip.Registers()).
			WithBudgets(b.budgets).
			WithSilicon(b.silicon).
			WithLogger(log).
			Build()
	}

	buffers := b.buffers
	if buffers == nil {
		lines := b.comptagLines
		if lines == 0 {
			lines = b.chip.DefaultComptagLines()
		}

		// Line 0 is never handed out; a zero offset means no tags.
		ctags := vaalloc.New("comptags", 1, lines-1)
		buffers = dmabuf.NewManager(ctags, log)
	}

	fixedUnmap := b.fixedUnmap
	if !b.silicon {
		fixedUnmap = b.fixedUnmapSim
	}

	return &MM{
		HookableBase: tracing.NewHookableBase(),
		name:         name,
		chip:         b.chip,
		pageAlloc:    b.pageAlloc,
		sync:         syncUnit,
		buffers:      buffers,
		fixedUnmap:   fixedUnmap,
		log:          log,
		spaces:       make(map[string]*AddressSpace),
	}
}
