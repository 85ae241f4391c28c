package cmd

import (
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/gpuvm/config"
	"github.com/sarchlab/gpuvm/mem/vm/gmmu"
	"github.com/sarchlab/gpuvm/mem/vm/hwsync"
	"github.com/sarchlab/gpuvm/mem/vm/pagealloc"
)

// newDevice builds a memory manager on simulated hardware and runs its setup
// sequence.
func newDevice(c *config.Config, log logrus.FieldLogger) (*gmmu.MM, error) {
	ch := c.Chip()

	alloc := pagealloc.MakeBuilder().
		WithCapacity(c.Device.PageTableMemory).
		WithLogger(log).
		Build()

	b := gmmu.MakeBuilder().
		WithChip(ch).
		WithPageAllocator(alloc).
		WithRegisters(hwsync.NewSimRegisters(ch.Registers())).
		WithBudgets(c.Budgets()).
		WithComptagLines(c.Device.ComptagLines).
		WithSilicon(c.Device.Silicon).
		WithLogger(log)

	if budget, ok := c.FixedUnmapBudget(); ok {
		b = b.WithFixedUnmapBudget(budget, budget)
	}

	mm := b.Build(c.Device.Name)

	err := mm.Init()
	if err != nil {
		return nil, err
	}

	return mm, nil
}
