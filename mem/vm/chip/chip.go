// Package chip describes the GMMU of each supported GPU generation. A Chip is
// immutable and shared by every address space created on the device.
package chip

import (
	"fmt"

	"github.com/sarchlab/gpuvm/mem/vm"
)

// A Level describes one level of the page-table tree. The bit ranges are
// inclusive and indexed by page size.
type Level struct {
	HiBit     [vm.NumPageSizes]uint
	LoBit     [vm.NumPageSizes]uint
	EntrySize uint64
}

// NumEntries returns how many entries a table at this level holds when it
// serves the given page size.
func (l Level) NumEntries(pgsz vm.PageSizeIndex) uint64 {
	return 1 << (l.HiBit[pgsz] - l.LoBit[pgsz] + 1)
}

// TableSize returns the size in bytes of a table at this level.
func (l Level) TableSize(pgsz vm.PageSizeIndex) uint64 {
	return l.NumEntries(pgsz) * l.EntrySize
}

// Coverage returns the number of bytes of VA space a single entry covers.
func (l Level) Coverage(pgsz vm.PageSizeIndex) uint64 {
	return 1 << l.LoBit[pgsz]
}

// Index returns the entry index of va at this level.
func (l Level) Index(va uint64, pgsz vm.PageSizeIndex) uint64 {
	mask := (uint64(1) << (l.HiBit[pgsz] + 1)) - 1
	return (va & mask) >> l.LoBit[pgsz]
}

// PTE is the decoded form of a leaf entry.
type PTE struct {
	Valid        bool
	Addr         uint64
	Kind         vm.Kind
	CompTagLine  uint32
	ReadOnly     bool
	WriteDisable bool
	ReadDisable  bool
	Volatile     bool
}

// Sparse reports whether the entry has the reserved, invalid-but-volatile
// encoding used for sparse regions.
func (p PTE) Sparse() bool {
	return !p.Valid && p.Volatile && p.Addr == 0
}

// PDE is the decoded form of a directory entry. A directory entry points at
// up to one small-page table and one big-page table.
type PDE struct {
	SmallValid bool
	SmallAddr  uint64
	BigValid   bool
	BigAddr    uint64
}

// Chip is the per-generation description of the GMMU.
type Chip interface {
	// Name returns the name of the chip, e.g. "gk20a".
	Name() string

	// VABits returns the number of GPU virtual address bits.
	VABits() uint

	// BigPageSizes returns the big page sizes the chip can be configured
	// with.
	BigPageSizes() []uint64

	// DefaultBigPageSize returns the big page size used when an address
	// space does not ask for one.
	DefaultBigPageSize() uint64

	// Levels returns the page-table levels for the given big page size.
	Levels(bigPageSize uint64) ([]Level, error)

	// EncodePDE and DecodePDE convert between directory entries and the
	// two 32-bit words the hardware reads.
	EncodePDE(pde PDE) [2]uint32
	DecodePDE(w [2]uint32) PDE

	// EncodePTE and DecodePTE convert between leaf entries and the two
	// 32-bit words the hardware reads.
	EncodePTE(pte PTE) [2]uint32
	DecodePTE(w [2]uint32) PTE

	// Kinds returns the memory-kind table of the chip.
	Kinds() *KindTable

	// ComptagGranularity returns the number of bytes covered by one
	// compression tag line.
	ComptagGranularity() uint64

	// DefaultComptagLines returns the number of compression tag lines the
	// device provides.
	DefaultComptagLines() uint64

	// Registers returns the register layout used by the sync protocols.
	Registers() RegisterLayout
}

// ByName returns the chip with the given name.
func ByName(name string) (Chip, error) {
	switch name {
	case "gk20a":
		return GK20A(), nil
	case "gm20b":
		return GM20B(), nil
	default:
		return nil, fmt.Errorf("chip %q: %w", name, vm.ErrInvalidArgument)
	}
}

// SupportsBigPageSize reports whether the chip can use size as its big page
// size.
func SupportsBigPageSize(c Chip, size uint64) bool {
	for _, s := range c.BigPageSizes() {
		if s == size {
			return true
		}
	}

	return false
}
