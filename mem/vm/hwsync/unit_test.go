package hwsync

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/chip"
)

func tinyBudgets() Budgets {
	b := Budget{Retries: 3}

	return Budgets{
		FBFlush:       b,
		L2Invalidate:  b,
		L2Flush:       b,
		TLBInvalidate: b,
		CBCClear:      b,
	}
}

var _ = Describe("Unit", func() {
	var (
		layout chip.RegisterLayout
		regs   *SimRegisters
		u      *Unit
	)

	BeforeEach(func() {
		layout = chip.GK20A().Registers()
		regs = NewSimRegisters(layout)
		u = MakeBuilder().
			WithRegisters(regs).
			WithLayout(layout).
			WithBudgets(tinyBudgets()).
			Build()
	})

	Context("fb flush", func() {
		It("should complete when the flush drains", func() {
			regs.SetBusyPolls(layout.FBFlush, 2)

			Expect(u.FBFlush()).To(Succeed())
			Expect(u.State(OpFBFlush)).To(Equal(StateComplete))
			Expect(u.Stats(OpFBFlush)).To(Equal(OpStats{Issued: 1, Completed: 1}))
			Expect(regs.Writes()).To(Equal([]Write{
				{Offset: layout.FBFlush, Value: layout.FlushPendingBusy},
			}))
		})

		It("should time out when the flush never drains", func() {
			regs.SetBusyPolls(layout.FBFlush, -1)

			Expect(u.FBFlush()).To(MatchError(vm.ErrHardwareTimeout))
			Expect(u.State(OpFBFlush)).To(Equal(StateTimedOut))
			Expect(u.Stats(OpFBFlush).TimedOut).To(Equal(uint64(1)))
		})

		It("should wait beyond the budget on non-silicon platforms", func() {
			u = MakeBuilder().
				WithRegisters(regs).
				WithLayout(layout).
				WithBudgets(tinyBudgets()).
				WithSilicon(false).
				Build()
			regs.SetBusyPolls(layout.FBFlush, 50)

			Expect(u.FBFlush()).To(Succeed())
			Expect(u.State(OpFBFlush)).To(Equal(StateComplete))
		})

		It("should flush while powered off", func() {
			u.SetPowered(false)

			Expect(u.FBFlush()).To(Succeed())
			Expect(regs.CountWrites(layout.FBFlush)).To(Equal(1))
		})
	})

	Context("l2", func() {
		It("should flush and then invalidate", func() {
			u.L2Flush(true)

			Expect(regs.Writes()).To(Equal([]Write{
				{Offset: layout.L2FlushDirty, Value: layout.FlushPendingBusy},
				{Offset: layout.L2SystemInvalidate, Value: layout.FlushPendingBusy},
			}))
			Expect(u.State(OpL2Flush)).To(Equal(StateComplete))
			Expect(u.State(OpL2Invalidate)).To(Equal(StateComplete))
		})

		It("should flush without invalidating", func() {
			u.L2Flush(false)

			Expect(regs.CountWrites(layout.L2SystemInvalidate)).To(BeZero())
		})

		It("should carry on after a timeout", func() {
			regs.SetBusyPolls(layout.L2FlushDirty, -1)

			u.L2Flush(true)

			Expect(u.State(OpL2Flush)).To(Equal(StateTimedOut))
			Expect(u.State(OpL2Invalidate)).To(Equal(StateComplete))
		})

		It("should skip while powered off", func() {
			u.SetPowered(false)

			u.L2Flush(true)
			u.L2Invalidate()

			Expect(regs.Writes()).To(BeEmpty())
			Expect(u.Stats(OpL2Flush).Skipped).To(Equal(uint64(1)))
			Expect(u.Stats(OpL2Invalidate).Skipped).To(Equal(uint64(1)))
			Expect(u.State(OpL2Flush)).To(Equal(StateIdle))
		})
	})

	Context("tlb invalidate", func() {
		It("should invalidate the whole address space", func() {
			u.TLBInvalidate(0x40003000)

			Expect(regs.Writes()).To(Equal([]Write{
				{Offset: layout.MMUInvalidatePDB, Value: 0x400030},
				{
					Offset: layout.MMUInvalidate,
					Value:  layout.MMUInvalidateAllVA | layout.MMUInvalidateTrigger,
				},
			}))
			Expect(u.State(OpTLBInvalidate)).To(Equal(StateComplete))
		})

		It("should be a no-op while powered off", func() {
			u.SetPowered(false)

			u.TLBInvalidate(0x40003000)

			Expect(regs.Writes()).To(BeEmpty())
			Expect(u.Stats(OpTLBInvalidate).Skipped).To(Equal(uint64(1)))
		})

		It("should still invalidate when the fifo stays full", func() {
			regs.StallFIFO(-1)

			u.TLBInvalidate(0x40003000)

			Expect(regs.CountWrites(layout.MMUInvalidate)).To(Equal(1))
			Expect(u.State(OpTLBInvalidate)).To(Equal(StateTimedOut))
		})

		It("should time out when the fifo never drains", func() {
			regs.SetBusyPolls(layout.MMUCtrl, -1)

			u.TLBInvalidate(0x40003000)

			Expect(u.State(OpTLBInvalidate)).To(Equal(StateTimedOut))
		})
	})

	Context("with mocked registers", func() {
		var (
			mockCtrl *gomock.Controller
			mregs    *MockRegisters
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			mregs = NewMockRegisters(mockCtrl)
			u = MakeBuilder().
				WithRegisters(mregs).
				WithLayout(layout).
				WithBudgets(tinyBudgets()).
				Build()
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should wait for fifo space before invalidating", func() {
			space := layout.MMUCtrlFifoSpaceMask
			gomock.InOrder(
				mregs.EXPECT().Read32(layout.MMUCtrl).Return(uint32(0)),
				mregs.EXPECT().Read32(layout.MMUCtrl).Return(space),
				mregs.EXPECT().Write32(layout.MMUInvalidatePDB, gomock.Any()),
				mregs.EXPECT().Write32(layout.MMUInvalidate, gomock.Any()),
				mregs.EXPECT().Read32(layout.MMUCtrl).
					Return(space|layout.MMUCtrlFifoEmpty),
			)

			u.TLBInvalidate(0x1000)

			Expect(u.State(OpTLBInvalidate)).To(Equal(StateComplete))
		})

		It("should share one budget between both tlb waits", func() {
			space := layout.MMUCtrlFifoSpaceMask
			gomock.InOrder(
				mregs.EXPECT().Read32(layout.MMUCtrl).Return(uint32(0)).Times(3),
				mregs.EXPECT().Read32(layout.MMUCtrl).Return(space),
				mregs.EXPECT().Write32(layout.MMUInvalidatePDB, gomock.Any()),
				mregs.EXPECT().Write32(layout.MMUInvalidate, gomock.Any()),
			)

			u.TLBInvalidate(0x1000)

			Expect(u.State(OpTLBInvalidate)).To(Equal(StateTimedOut))
		})

		It("should survive one failed flush during setup", func() {
			busy := layout.FlushPendingBusy
			gomock.InOrder(
				mregs.EXPECT().Write32(layout.FBFlush, busy),
				mregs.EXPECT().Read32(layout.FBFlush).Return(busy).Times(4),
				mregs.EXPECT().Write32(layout.FBFlush, busy),
				mregs.EXPECT().Read32(layout.FBFlush).Return(uint32(0)),
			)

			Expect(u.SetupHardware()).To(Succeed())
			Expect(u.Stats(OpFBFlush)).To(Equal(OpStats{
				Issued: 2, Completed: 1, TimedOut: 1,
			}))
		})
	})

	Context("setup", func() {
		It("should fail when both flushes fail", func() {
			regs.SetBusyPolls(layout.FBFlush, -1)

			Expect(u.SetupHardware()).To(MatchError(vm.ErrHardwareTimeout))
			Expect(regs.CountWrites(layout.FBFlush)).To(Equal(2))
		})

		It("should flush once when the first flush works", func() {
			Expect(u.SetupHardware()).To(Succeed())
			Expect(regs.CountWrites(layout.FBFlush)).To(Equal(1))
		})
	})

	Context("comptag clear", func() {
		It("should program the line range", func() {
			regs.SetBusyPolls(layout.CBCCtrl1, 2)

			Expect(u.ClearComptags(4, 7)).To(Succeed())
			Expect(regs.Writes()).To(Equal([]Write{
				{Offset: layout.CBCCtrl2, Value: 4},
				{Offset: layout.CBCCtrl3, Value: 7},
				{Offset: layout.CBCCtrl1, Value: layout.CBCCtrl1ClearActive},
			}))
			Expect(u.State(OpCBCClear)).To(Equal(StateComplete))
		})

		It("should ignore an empty range", func() {
			Expect(u.ClearComptags(5, 4)).To(Succeed())
			Expect(regs.Writes()).To(BeEmpty())
		})

		It("should report a stuck clear", func() {
			regs.SetBusyPolls(layout.CBCCtrl1, -1)

			Expect(u.ClearComptags(1, 1)).To(MatchError(vm.ErrHardwareTimeout))
			Expect(u.State(OpCBCClear)).To(Equal(StateTimedOut))
		})
	})
})
