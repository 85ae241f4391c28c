package chip

// RegisterLayout holds the offsets and field values of the registers the
// cache and TLB maintenance protocols use.
type RegisterLayout struct {
	FBFlush            uint32
	L2SystemInvalidate uint32
	L2FlushDirty       uint32

	// Flush registers share one field layout.
	FlushPendingBusy     uint32
	FlushOutstandingTrue uint32

	MMUCtrl              uint32
	MMUCtrlFifoEmpty     uint32
	MMUCtrlFifoSpaceMask uint32

	MMUInvalidatePDB uint32
	MMUInvalidate    uint32

	MMUInvalidateAllVA   uint32
	MMUInvalidateTrigger uint32
	MMUInvalidatePDBVid  uint32

	CBCCtrl1            uint32
	CBCCtrl2            uint32
	CBCCtrl3            uint32
	CBCCtrl1ClearActive uint32
}

// InvalidatePDBAddr returns the address field written to MMUInvalidatePDB
// for a page directory base at pdb.
func (l RegisterLayout) InvalidatePDBAddr(pdb uint64) uint32 {
	return (uint32(pdb>>12) & 0xfffffff) << 4
}

func gk20aRegisters() RegisterLayout {
	return RegisterLayout{
		FBFlush:              0x00070000,
		L2SystemInvalidate:   0x00070004,
		L2FlushDirty:         0x00070010,
		FlushPendingBusy:     0x1,
		FlushOutstandingTrue: 0x2,

		MMUCtrl:              0x00100c80,
		MMUCtrlFifoEmpty:     0x8000,
		MMUCtrlFifoSpaceMask: 0xff0000,

		MMUInvalidatePDB:     0x00100cb8,
		MMUInvalidate:        0x00100cbc,
		MMUInvalidateAllVA:   0x1,
		MMUInvalidateTrigger: 0x80000000,
		MMUInvalidatePDBVid:  0x0,

		CBCCtrl1:            0x0017e26c,
		CBCCtrl2:            0x0017e270,
		CBCCtrl3:            0x0017e274,
		CBCCtrl1ClearActive: 0x4,
	}
}
