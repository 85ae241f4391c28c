package gmmu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/chip"
	"github.com/sarchlab/gpuvm/mem/vm/pagetable"
	"github.com/sarchlab/gpuvm/mem/vm/registry"
	"github.com/sarchlab/gpuvm/mem/vm/vaalloc"
	"github.com/sarchlab/gpuvm/tracing"
)

// Config describes the layout of an address space.
type Config struct {
	Name string

	// The aperture is [VAStart, VALimit). Addresses below VAStart form the
	// low hole and are never handed out.
	VAStart uint64
	VALimit uint64

	BigPageSize uint64

	// BigPages splits the aperture in two halves. The lower half is mapped
	// with small pages and the upper half with big pages. Without big pages
	// the whole aperture uses small pages.
	BigPages bool

	// EnableCtag allows compressible kinds to keep their compression.
	EnableCtag bool
}

// An AddressSpace is one GPU virtual address context.
type AddressSpace struct {
	mm  *MM
	log logrus.FieldLogger

	name        string
	vaStart     uint64
	vaLimit     uint64
	split       uint64
	bigPages    bool
	enableCtag  bool
	pageSizes   [vm.NumPageSizes]uint64
	refs        atomic.Int32
	pdb         uint64
	fixedUnmaps atomic.Uint64

	// updateLock serializes every change to the VA allocators, the page
	// tables and the registry.
	updateLock sync.Mutex
	table      *pagetable.Table
	vma        [vm.NumPageSizes]*vaalloc.Allocator
	reg        *registry.Registry
	destroyed  bool
}

// NewAddressSpace creates an address space holding one reference.
func (m *MM) NewAddressSpace(cfg Config) (*AddressSpace, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("address space name: %w", vm.ErrInvalidArgument)
	}

	bigPageSize := cfg.BigPageSize
	if bigPageSize == 0 {
		bigPageSize = m.chip.DefaultBigPageSize()
	}

	levels, err := m.chip.Levels(bigPageSize)
	if err != nil {
		return nil, err
	}

	as := &AddressSpace{
		mm:         m,
		log:        m.log.WithField("as", cfg.Name),
		name:       cfg.Name,
		vaStart:    cfg.VAStart,
		vaLimit:    cfg.VALimit,
		bigPages:   cfg.BigPages,
		enableCtag: cfg.EnableCtag,
		pageSizes:  [vm.NumPageSizes]uint64{vm.SmallPageSize, bigPageSize},
		reg:        registry.New(),
	}

	err = as.layoutVMAs()
	if err != nil {
		return nil, err
	}

	table, err := pagetable.New(m.chip, levels, m.pageAlloc, as.pageSizes)
	if err != nil {
		return nil, fmt.Errorf("address space %s: %w", cfg.Name, err)
	}

	table.SetLogger(as.log)
	as.table = table
	as.pdb = table.PDB()
	as.refs.Store(1)

	err = m.register(as)
	if err != nil {
		table.Destroy()
		return nil, err
	}

	as.log.WithFields(logrus.Fields{
		"va_start": fmt.Sprintf("%#x", as.vaStart),
		"va_limit": fmt.Sprintf("%#x", as.vaLimit),
		"big_page": bigPageSize,
	}).Debug("address space created")

	return as, nil
}

func (as *AddressSpace) layoutVMAs() error {
	if as.vaStart%vm.SmallPageSize != 0 || as.vaLimit <= as.vaStart ||
		as.vaLimit > uint64(1)<<as.mm.chip.VABits() {
		return fmt.Errorf("aperture [%#x, %#x): %w",
			as.vaStart, as.vaLimit, vm.ErrInvalidArgument)
	}

	small := vm.SmallPageSize
	big := as.pageSizes[vm.PageSizeBig]

	if !as.bigPages {
		as.split = as.vaLimit
		as.vma[vm.PageSizeSmall] = vaalloc.New(as.name+"-small",
			as.vaStart/small, (as.vaLimit-as.vaStart)/small)

		return nil
	}

	as.split = (as.vaLimit / 2) &^ (big - 1)
	if as.split <= as.vaStart {
		return fmt.Errorf("aperture [%#x, %#x) too small for big pages: %w",
			as.vaStart, as.vaLimit, vm.ErrInvalidArgument)
	}

	as.vma[vm.PageSizeSmall] = vaalloc.New(as.name+"-small",
		as.vaStart/small, (as.split-as.vaStart)/small)
	as.vma[vm.PageSizeBig] = vaalloc.New(as.name+"-big",
		as.split/big, (as.vaLimit-as.split)/big)

	return nil
}

// Name returns the name of the address space.
func (as *AddressSpace) Name() string {
	return as.name
}

// PageSize returns the size of a page size class.
func (as *AddressSpace) PageSize(pgsz vm.PageSizeIndex) uint64 {
	return as.pageSizes[pgsz]
}

// BigPageSize returns the big page size.
func (as *AddressSpace) BigPageSize() uint64 {
	return as.pageSizes[vm.PageSizeBig]
}

// Aperture returns the bounds of the address space.
func (as *AddressSpace) Aperture() (start, limit uint64) {
	return as.vaStart, as.vaLimit
}

// PDB returns the DMA address of the page directory.
func (as *AddressSpace) PDB() uint64 {
	return as.pdb
}

// PageSizeFor returns the page size class used for fixed-offset mappings at
// va.
func (as *AddressSpace) PageSizeFor(va uint64) vm.PageSizeIndex {
	if as.bigPages && va >= as.split {
		return vm.PageSizeBig
	}

	return vm.PageSizeSmall
}

func (as *AddressSpace) pageSizeIndex(pageSize uint64) (vm.PageSizeIndex, error) {
	switch {
	case pageSize == vm.SmallPageSize:
		return vm.PageSizeSmall, nil
	case as.bigPages && pageSize == as.pageSizes[vm.PageSizeBig]:
		return vm.PageSizeBig, nil
	}

	return 0, fmt.Errorf("page size %#x: %w", pageSize, vm.ErrUnsupportedPageSize)
}

// Get acquires a reference to the address space.
func (as *AddressSpace) Get() {
	if as.refs.Add(1) <= 1 {
		panic("reviving a released address space")
	}
}

// Put releases a reference. The last reference tears down every mapping,
// reservation and page table of the address space.
func (as *AddressSpace) Put() {
	n := as.refs.Add(-1)
	if n < 0 {
		panic("address space reference count below zero")
	}

	if n == 0 {
		as.destroy()
	}
}

func (as *AddressSpace) destroy() {
	as.updateLock.Lock()
	defer as.updateLock.Unlock()

	for {
		mb, ok := as.reg.First()
		if !ok {
			break
		}

		as.release(mb)
	}

	for _, region := range as.reg.Regions() {
		as.reg.RemoveRegion(region)
		as.freeVA(region.Pgsz, region.Start, region.Size)
	}

	as.table.Destroy()
	as.destroyed = true
	as.mm.unregister(as)

	as.log.Debug("address space destroyed")
}

func (as *AddressSpace) mustBeAlive() {
	if as.destroyed {
		panic("using a destroyed address space")
	}
}

func (as *AddressSpace) allocVA(pgsz vm.PageSizeIndex, size uint64) (uint64, error) {
	pageSize := as.pageSizes[pgsz]

	start, err := as.vma[pgsz].Alloc(size / pageSize)
	if err != nil {
		return 0, fmt.Errorf("%s VA for %#x bytes: %w", pgsz, size, err)
	}

	return start * pageSize, nil
}

func (as *AddressSpace) freeVA(pgsz vm.PageSizeIndex, va, size uint64) {
	pageSize := as.pageSizes[pgsz]

	err := as.vma[pgsz].Free(va/pageSize, size/pageSize)
	if err != nil {
		as.log.WithError(err).WithFields(logrus.Fields{
			"va":   fmt.Sprintf("%#x", va),
			"size": size,
		}).Error("freeing VA")
	}
}

func (as *AddressSpace) startTask(kind, what string, detail *TaskDetail) string {
	if as.mm.NumHooks() == 0 {
		return ""
	}

	id := tracing.NewTaskID()
	tracing.StartTaskWithSpecificLocation(
		id, "", as.mm, kind, what, as.name, detail)

	return id
}

func (as *AddressSpace) stepTask(id, what string) {
	if id == "" {
		return
	}

	tracing.AddTaskStep(id, as.mm, what)
}

func (as *AddressSpace) endTask(id string) {
	if id == "" {
		return
	}

	tracing.EndTask(id, as.mm)
}

// TaskDetail is attached to the tasks an address space reports to tracers.
// Its fields are final when the task ends.
type TaskDetail struct {
	AddressSpace string
	Addr         uint64
	Size         uint64
	PageSize     uint64
	Err          error
}

// GetAddress returns the VA the task worked on.
func (d *TaskDetail) GetAddress() uint64 {
	return d.Addr
}

// GetByteSize returns the number of bytes the task worked on.
func (d *TaskDetail) GetByteSize() uint64 {
	return d.Size
}

// GetErr returns the error the task failed with, if any.
func (d *TaskDetail) GetErr() error {
	return d.Err
}

// FindBuffer returns the buffer mapped at va and the offset of va into it.
func (as *AddressSpace) FindBuffer(va uint64) (vm.Buffer, uint64, error) {
	as.updateLock.Lock()
	defer as.updateLock.Unlock()

	mb, ok := as.reg.FindContaining(va)
	if !ok {
		return nil, 0, fmt.Errorf("buffer at %#x: %w", va, vm.ErrNotFound)
	}

	return mb.Buffer, va - mb.Addr, nil
}

// GetBuffers returns the user-mapped buffers in VA order. Each carries a
// reference that PutBuffers releases.
func (as *AddressSpace) GetBuffers() []*registry.MappedBuffer {
	as.updateLock.Lock()
	defer as.updateLock.Unlock()

	as.mustBeAlive()

	return as.reg.Snapshot()
}

// PutBuffers releases the references taken by GetBuffers. Mappings torn
// down in the meantime are skipped.
func (as *AddressSpace) PutBuffers(list []*registry.MappedBuffer) {
	as.updateLock.Lock()
	defer as.updateLock.Unlock()

	for _, mb := range list {
		cur, ok := as.reg.Find(mb.Addr)
		if !ok || cur != mb {
			continue
		}

		as.put(mb)
	}
}

// Translate walks the page tables and returns the memory address va maps to.
func (as *AddressSpace) Translate(va uint64) (uint64, bool) {
	as.updateLock.Lock()
	defer as.updateLock.Unlock()

	as.mustBeAlive()

	return as.table.Translate(va)
}

// LookupPTE returns the leaf entry that covers va.
func (as *AddressSpace) LookupPTE(va uint64) (chip.PTE, vm.PageSizeIndex, bool) {
	as.updateLock.Lock()
	defer as.updateLock.Unlock()

	as.mustBeAlive()

	return as.table.Lookup(va)
}
