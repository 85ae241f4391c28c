// Package gmmu manages the GPU virtual address spaces of a device. It maps
// buffers into address spaces, keeps the page tables of each space and runs
// the cache and TLB maintenance that table updates require.
package gmmu

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/chip"
	"github.com/sarchlab/gpuvm/mem/vm/dmabuf"
	"github.com/sarchlab/gpuvm/mem/vm/hwsync"
	"github.com/sarchlab/gpuvm/mem/vm/pagealloc"
	"github.com/sarchlab/gpuvm/tracing"
)

// An MM is the memory manager of one device.
type MM struct {
	*tracing.HookableBase

	name       string
	chip       chip.Chip
	pageAlloc  pagealloc.Allocator
	sync       *hwsync.Unit
	buffers    *dmabuf.Manager
	fixedUnmap hwsync.Budget
	log        logrus.FieldLogger

	spacesLock sync.Mutex
	spaces     map[string]*AddressSpace
}

// Name returns the name of the device.
func (m *MM) Name() string {
	return m.name
}

// Chip returns the chip the manager drives.
func (m *MM) Chip() chip.Chip {
	return m.chip
}

// SyncUnit returns the cache and TLB maintenance unit.
func (m *MM) SyncUnit() *hwsync.Unit {
	return m.sync
}

// Buffers returns the manager of buffer private data.
func (m *MM) Buffers() *dmabuf.Manager {
	return m.buffers
}

// Init runs the memory setup sequence of the device.
func (m *MM) Init() error {
	err := m.sync.SetupHardware()
	if err != nil {
		m.log.WithError(err).Error("memory setup failed")
		return err
	}

	m.log.Debug("memory setup done")

	return nil
}

// SetPowered records the power state of the device.
func (m *MM) SetPowered(on bool) {
	m.sync.SetPowered(on)
}

// AllocAddressSpace creates an address space with the given big page size
// and the standard layout of a user context. Zero selects the chip default.
func (m *MM) AllocAddressSpace(bigPageSize uint64) (*AddressSpace, error) {
	if bigPageSize == 0 {
		bigPageSize = m.chip.DefaultBigPageSize()
	}

	if !vm.IsPowerOfTwo(bigPageSize) {
		return nil, fmt.Errorf("big page size %#x: %w",
			bigPageSize, vm.ErrInvalidArgument)
	}

	if !chip.SupportsBigPageSize(m.chip, bigPageSize) {
		return nil, fmt.Errorf("big page size %#x on %s: %w",
			bigPageSize, m.chip.Name(), vm.ErrUnsupportedPageSize)
	}

	return m.NewAddressSpace(Config{
		Name:        "as_" + xid.New().String(),
		VAStart:     bigPageSize << 10,
		VALimit:     uint64(1) << m.chip.VABits(),
		BigPageSize: bigPageSize,
		BigPages:    true,
		EnableCtag:  true,
	})
}

// AddressSpaces returns the live address spaces ordered by name.
func (m *MM) AddressSpaces() []*AddressSpace {
	m.spacesLock.Lock()
	defer m.spacesLock.Unlock()

	list := make([]*AddressSpace, 0, len(m.spaces))
	for _, as := range m.spaces {
		list = append(list, as)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].name < list[j].name
	})

	return list
}

// AddressSpace returns the live address space with the given name.
func (m *MM) AddressSpace(name string) (*AddressSpace, bool) {
	m.spacesLock.Lock()
	defer m.spacesLock.Unlock()

	as, ok := m.spaces[name]

	return as, ok
}

func (m *MM) register(as *AddressSpace) error {
	m.spacesLock.Lock()
	defer m.spacesLock.Unlock()

	if _, ok := m.spaces[as.name]; ok {
		return fmt.Errorf("address space %q already exists: %w",
			as.name, vm.ErrInvalidArgument)
	}

	m.spaces[as.name] = as

	return nil
}

func (m *MM) unregister(as *AddressSpace) {
	m.spacesLock.Lock()
	defer m.spacesLock.Unlock()

	delete(m.spaces, as.name)
}
