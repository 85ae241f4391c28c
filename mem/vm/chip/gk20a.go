package chip

import (
	"fmt"

	"github.com/sarchlab/gpuvm/mem/vm"
)

const (
	gk20aVABits          = 38
	gk20aAddrShift       = 12
	gk20aAddrMask        = 0xfffffff
	gk20aComptagGranule  = 128 << 10
	gk20aComptagLines    = 0x20000
	gk20aComptagLineMask = 0x1ffff
)

// PTE word 0.
const (
	pteValidTrue    = 0x1
	pteReadOnlyTrue = 0x4
	pteAddrShift    = 4
)

// PTE word 1.
const (
	pteVolTrue          = 0x1
	pteApertureVidMem   = 0x0
	pteKindShift        = 4
	pteKindMask         = 0xff
	pteComptagShift     = 12
	pteReadDisableTrue  = 0x40000000
	pteWriteDisableTrue = 0x80000000
)

// PDE words.
const (
	pdeApertureMask      = 0x3
	pdeApertureInvalid   = 0x0
	pdeApertureVidMem    = 0x1
	pdeSizeFull          = 0x0
	pdeVolSmallTrue      = 0x4
	pdeVolBigTrue        = 0x8
	pdeAddrShift         = 4
	pdeAddrFieldMaskBits = gk20aAddrMask << pdeAddrShift
)

type gk20a struct {
	name         string
	bigPageSizes []uint64
	defaultBig   uint64
	kinds        *KindTable
	regs         RegisterLayout
}

// GK20A returns the description of the GK20A GMMU. GK20A only supports
// 128KB big pages.
func GK20A() Chip {
	return &gk20a{
		name:         "gk20a",
		bigPageSizes: []uint64{128 << 10},
		defaultBig:   128 << 10,
		kinds:        gk20aKinds(),
		regs:         gk20aRegisters(),
	}
}

func (c *gk20a) Name() string {
	return c.name
}

func (c *gk20a) VABits() uint {
	return gk20aVABits
}

func (c *gk20a) BigPageSizes() []uint64 {
	return append([]uint64(nil), c.bigPageSizes...)
}

func (c *gk20a) DefaultBigPageSize() uint64 {
	return c.defaultBig
}

func (c *gk20a) Levels(bigPageSize uint64) ([]Level, error) {
	if !SupportsBigPageSize(c, bigPageSize) {
		return nil, fmt.Errorf("%s: big page size %#x: %w",
			c.name, bigPageSize, vm.ErrUnsupportedPageSize)
	}

	if bigPageSize == 64<<10 {
		return []Level{
			{
				HiBit:     [vm.NumPageSizes]uint{gk20aVABits - 1, gk20aVABits - 1},
				LoBit:     [vm.NumPageSizes]uint{26, 26},
				EntrySize: 8,
			},
			{
				HiBit:     [vm.NumPageSizes]uint{25, 25},
				LoBit:     [vm.NumPageSizes]uint{12, 16},
				EntrySize: 8,
			},
		}, nil
	}

	return []Level{
		{
			HiBit:     [vm.NumPageSizes]uint{gk20aVABits - 1, gk20aVABits - 1},
			LoBit:     [vm.NumPageSizes]uint{27, 27},
			EntrySize: 8,
		},
		{
			HiBit:     [vm.NumPageSizes]uint{26, 26},
			LoBit:     [vm.NumPageSizes]uint{12, 17},
			EntrySize: 8,
		},
	}, nil
}

func addrField(addr uint64) uint32 {
	return uint32((addr>>gk20aAddrShift)&gk20aAddrMask) << pteAddrShift
}

func addrFromField(w uint32) uint64 {
	return uint64((w>>pteAddrShift)&gk20aAddrMask) << gk20aAddrShift
}

func (c *gk20a) EncodePDE(pde PDE) [2]uint32 {
	var w [2]uint32

	w[0] = pdeSizeFull
	if pde.BigValid {
		w[0] |= pdeApertureVidMem | addrField(pde.BigAddr)
		w[1] |= pdeVolBigTrue
	} else {
		w[0] |= pdeApertureInvalid
	}

	if pde.SmallValid {
		w[1] |= pdeApertureVidMem | pdeVolSmallTrue | addrField(pde.SmallAddr)
	} else {
		w[1] |= pdeApertureInvalid
	}

	return w
}

func (c *gk20a) DecodePDE(w [2]uint32) PDE {
	var pde PDE

	if w[0]&pdeApertureMask != pdeApertureInvalid {
		pde.BigValid = true
		pde.BigAddr = addrFromField(w[0] & pdeAddrFieldMaskBits)
	}

	if w[1]&pdeApertureMask != pdeApertureInvalid {
		pde.SmallValid = true
		pde.SmallAddr = addrFromField(w[1] & pdeAddrFieldMaskBits)
	}

	return pde
}

func (c *gk20a) EncodePTE(pte PTE) [2]uint32 {
	var w [2]uint32

	if pte.Valid {
		w[0] |= pteValidTrue
	}

	if pte.Addr != 0 {
		w[0] |= addrField(pte.Addr)
		w[1] |= pteApertureVidMem
	}

	if pte.ReadOnly {
		w[0] |= pteReadOnlyTrue
	}

	w[1] |= uint32(uint8(pte.Kind)&pteKindMask) << pteKindShift
	w[1] |= (pte.CompTagLine & gk20aComptagLineMask) << pteComptagShift

	if pte.Volatile {
		w[1] |= pteVolTrue
	}

	if pte.WriteDisable {
		w[1] |= pteWriteDisableTrue
	}

	if pte.ReadDisable {
		w[1] |= pteReadDisableTrue
	}

	return w
}

func (c *gk20a) DecodePTE(w [2]uint32) PTE {
	return PTE{
		Valid:        w[0]&pteValidTrue != 0,
		Addr:         addrFromField(w[0]),
		ReadOnly:     w[0]&pteReadOnlyTrue != 0,
		Kind:         vm.Kind((w[1] >> pteKindShift) & pteKindMask),
		CompTagLine:  (w[1] >> pteComptagShift) & gk20aComptagLineMask,
		Volatile:     w[1]&pteVolTrue != 0,
		WriteDisable: w[1]&pteWriteDisableTrue != 0,
		ReadDisable:  w[1]&pteReadDisableTrue != 0,
	}
}

func (c *gk20a) Kinds() *KindTable {
	return c.kinds
}

func (c *gk20a) ComptagGranularity() uint64 {
	return gk20aComptagGranule
}

func (c *gk20a) DefaultComptagLines() uint64 {
	return gk20aComptagLines
}

func (c *gk20a) Registers() RegisterLayout {
	return c.regs
}

// GM20B returns the description of the GM20B GMMU. GM20B shares the GK20A
// entry formats and adds 64KB big pages.
func GM20B() Chip {
	return &gk20a{
		name:         "gm20b",
		bigPageSizes: []uint64{64 << 10, 128 << 10},
		defaultBig:   128 << 10,
		kinds:        gk20aKinds(),
		regs:         gk20aRegisters(),
	}
}
