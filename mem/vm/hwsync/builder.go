package hwsync

import (
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/gpuvm/mem/vm/chip"
)

// A Builder can build Units.
type Builder struct {
	regs    Registers
	layout  chip.RegisterLayout
	budgets Budgets
	silicon bool
	powered bool
	log     logrus.FieldLogger
}

// MakeBuilder creates a builder for a powered silicon device with the
// default budgets.
func MakeBuilder() Builder {
	return Builder{
		budgets: DefaultBudgets(),
		silicon: true,
		powered: true,
	}
}

// WithRegisters sets the register window.
func (b Builder) WithRegisters(regs Registers) Builder {
	b.regs = regs
	return b
}

// WithLayout sets the register layout.
func (b Builder) WithLayout(layout chip.RegisterLayout) Builder {
	b.layout = layout
	return b
}

// WithBudgets sets the polling budgets.
func (b Builder) WithBudgets(budgets Budgets) Builder {
	b.budgets = budgets
	return b
}

// WithSilicon sets whether the device is real silicon. Polling on other
// platforms never gives up.
func (b Builder) WithSilicon(silicon bool) Builder {
	b.silicon = silicon
	return b
}

// WithPowered sets the initial power state.
func (b Builder) WithPowered(powered bool) Builder {
	b.powered = powered
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log logrus.FieldLogger) Builder {
	b.log = log
	return b
}

// Build creates a Unit.
func (b Builder) Build() *Unit {
	if b.regs == nil {
		panic("hwsync unit requires registers")
	}

	u := &Unit{
		regs:    b.regs,
		layout:  b.layout,
		budgets: b.budgets,
		silicon: b.silicon,
		log:     b.log,
	}

	if u.log == nil {
		u.log = logrus.StandardLogger()
	}

	u.powered.Store(b.powered)

	return u
}
