package gmmu

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/chip"
)

var _ = Describe("Map", func() {
	var (
		d  *testDevice
		as *AddressSpace
	)

	BeforeEach(func() {
		d = newTestDevice(64<<20, 64)

		var err error
		as, err = d.mm.NewAddressSpace(scenarioConfig("as0"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("should map big-page aligned buffers with big pages", func() {
		buf := d.heap.Alloc(0x20000, 0x10000, chip.KindPitch)

		va, err := as.MapBuffer(buf, 0, 0, vm.KindAuto, 0, 0)

		Expect(err).NotTo(HaveOccurred())
		Expect(va).To(BeNumerically(">=", uint64(0x80000000)))
		Expect(va % 0x10000).To(BeZero())

		pte, pgsz, ok := as.LookupPTE(va)
		Expect(ok).To(BeTrue())
		Expect(pgsz).To(Equal(vm.PageSizeBig))
		Expect(pte.Valid).To(BeTrue())

		addr, ok := as.Translate(va + 0x11234)
		Expect(ok).To(BeTrue())
		Expect(addr).To(Equal(uint64(1<<32) + 0x11234))
	})

	It("should map small-page aligned buffers with small pages", func() {
		_ = d.heap.Alloc(0x1000, 0x1000, chip.KindPitch)
		buf := d.heap.Alloc(0x3000, 0x1000, chip.KindPitch)

		va, err := as.MapBuffer(buf, 0, 0, vm.KindAuto, 0, 0)

		Expect(err).NotTo(HaveOccurred())
		Expect(va).To(Equal(uint64(0x10000)))

		_, pgsz, ok := as.LookupPTE(va + 0x2000)
		Expect(ok).To(BeTrue())
		Expect(pgsz).To(Equal(vm.PageSizeSmall))
	})

	It("should map part of a buffer", func() {
		buf := d.heap.Alloc(0x4000, 0x1000, chip.KindPitch)

		va, err := as.MapBuffer(buf, 0, 0, vm.KindPitch, 0x1000, 0x2000)
		Expect(err).NotTo(HaveOccurred())

		addr, ok := as.Translate(va)
		Expect(ok).To(BeTrue())
		Expect(addr).To(Equal(uint64(1<<32) + 0x1000))
		Expect(as.Mappings()[0].Size).To(Equal(uint64(0x2000)))
	})

	It("should reject ranges outside the buffer", func() {
		buf := d.heap.Alloc(0x4000, 0x1000, chip.KindPitch)

		_, err := as.MapBuffer(buf, 0, 0, vm.KindPitch, 0x2000, 0x4000)

		Expect(err).To(MatchError(vm.ErrInvalidArgument))
		Expect(buf.Refs()).To(BeZero())
	})

	It("should reject ranges that wrap around", func() {
		buf := d.heap.Alloc(0x2000, 0x1000, chip.KindPitch)
		buf.Get()

		_, err := as.MapBuffer(buf, 0, 0, vm.KindPitch, 0x1000, ^uint64(0)-0xfff)
		Expect(err).To(MatchError(vm.ErrInvalidArgument))

		_, err = as.MapBuffer(buf, 0, 0, vm.KindPitch, 0x1000, 0x1001)
		Expect(err).To(MatchError(vm.ErrInvalidArgument))

		Expect(as.Stats().NumMappings).To(BeZero())
		Expect(buf.Attached()).To(BeZero())
	})

	It("should invalidate the TLB after every map", func() {
		layout := d.chip.Registers()
		buf := d.heap.Alloc(0x1000, 0x1000, chip.KindPitch)

		_, err := as.MapBuffer(buf, 0, 0, vm.KindPitch, 0, 0)
		Expect(err).NotTo(HaveOccurred())

		Expect(d.regs.CountWrites(layout.MMUInvalidate)).To(Equal(1))
		Expect(d.regs.CountWrites(layout.MMUInvalidatePDB)).To(Equal(1))
	})

	It("should encode access modes and caching", func() {
		buf := d.heap.Alloc(0x1000, 0x1000, chip.KindPitch)

		va, err := as.Map(MapRequest{
			Buffer: buf,
			Flags:  vm.MapCacheable,
			Kind:   vm.KindPitch,
			RW:     vm.RWReadOnly,
		})
		Expect(err).NotTo(HaveOccurred())

		pte, _, _ := as.LookupPTE(va)
		Expect(pte.ReadOnly).To(BeTrue())
		Expect(pte.Volatile).To(BeFalse())
	})

	Context("deduplication", func() {
		It("should reuse a mapping of the same buffer and kind", func() {
			buf := d.heap.Alloc(0x10000, 0x10000, chip.KindPitch)
			buf.Get()

			va1, err := as.MapBuffer(buf, 0, 0, vm.KindPitch, 0, 0)
			Expect(err).NotTo(HaveOccurred())
			va2, err := as.MapBuffer(buf, 0, 0, vm.KindPitch, 0, 0)
			Expect(err).NotTo(HaveOccurred())

			Expect(va2).To(Equal(va1))
			Expect(buf.Refs()).To(Equal(1))
			Expect(d.mm.Buffers().PinCount(buf)).To(Equal(1))

			m := as.Mappings()
			Expect(m).To(HaveLen(1))
			Expect(m[0].RefCount).To(Equal(int32(2)))
			Expect(m[0].UserMapped).To(Equal(2))

			Expect(as.UnmapBuffer(va1)).To(Succeed())
			_, _, err = as.FindBuffer(va1)
			Expect(err).NotTo(HaveOccurred())

			Expect(as.UnmapBuffer(va1)).To(Succeed())
			_, _, err = as.FindBuffer(va1)
			Expect(err).To(MatchError(vm.ErrNotFound))
			Expect(buf.Refs()).To(BeZero())
		})

		It("should not reuse a mapping made with other flags", func() {
			buf := d.heap.Alloc(0x10000, 0x10000, chip.KindPitch)
			buf.Get()

			va1, err := as.MapBuffer(buf, 0, 0, vm.KindPitch, 0, 0)
			Expect(err).NotTo(HaveOccurred())
			va2, err := as.MapBuffer(buf, 0, vm.MapCacheable, vm.KindPitch, 0, 0)
			Expect(err).NotTo(HaveOccurred())

			Expect(va2).NotTo(Equal(va1))
			Expect(d.mm.Buffers().PinCount(buf)).To(Equal(2))
		})

		It("should take over the handle of a kernel mapping", func() {
			buf := d.heap.Alloc(0x1000, 0x1000, chip.KindPitch)
			buf.Get()

			va, err := as.Map(MapRequest{Buffer: buf, Kind: vm.KindPitch})
			Expect(err).NotTo(HaveOccurred())

			_, err = as.MapBuffer(buf, 0, 0, vm.KindPitch, 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(buf.Refs()).To(Equal(2))

			Expect(as.UnmapBuffer(va)).To(Succeed())
			Expect(as.Unmap(va)).To(Succeed())
			Expect(buf.Refs()).To(Equal(1))
		})
	})

	Context("kinds", func() {
		It("should take the kind from the buffer", func() {
			buf := d.heap.Alloc(0x1000, 0x1000, chip.KindZ16)

			va, err := as.MapBuffer(buf, 0, 0, vm.KindAuto, 0, 0)
			Expect(err).NotTo(HaveOccurred())

			pte, _, _ := as.LookupPTE(va)
			Expect(pte.Kind).To(Equal(chip.KindZ16))
		})

		It("should map invalid kinds as pitch", func() {
			buf := d.heap.Alloc(0x1000, 0x1000, vm.KindInvalid)

			va, err := as.MapBuffer(buf, 0, 0, vm.KindAuto, 0, 0)
			Expect(err).NotTo(HaveOccurred())

			pte, _, _ := as.LookupPTE(va)
			Expect(pte.Kind).To(Equal(chip.KindPitch))
		})

		It("should reject unsupported kinds", func() {
			buf := d.heap.Alloc(0x1000, 0x1000, chip.KindPitch)

			va, err := as.MapBuffer(buf, 0, 0, vm.Kind(0x77), 0, 0)

			Expect(err).To(MatchError(vm.ErrUnsupportedKind))
			Expect(va).To(BeZero())
			Expect(buf.Refs()).To(BeZero())
			Expect(buf.Attached()).To(BeZero())
		})

		It("should fall back to uncompressed kinds with small pages", func() {
			buf := d.heap.Alloc(0x1000, 0x1000, chip.KindPitch)

			va, err := as.MapBuffer(buf, 0, 0, chip.KindC32_2C, 0, 0)
			Expect(err).NotTo(HaveOccurred())

			m := as.Mappings()[0]
			Expect(m.Kind).To(Equal(chip.KindGeneric16BX2))
			Expect(m.CtagLines).To(BeZero())

			pte, _, _ := as.LookupPTE(va)
			Expect(pte.Kind).To(Equal(chip.KindGeneric16BX2))
			Expect(pte.CompTagLine).To(BeZero())
		})

		It("should compress with big pages", func() {
			layout := d.chip.Registers()
			buf := d.heap.Alloc(0x20000, 0x20000, chip.KindPitch)

			va, err := as.MapBuffer(buf, 0, 0, chip.KindC32_2C, 0, 0)
			Expect(err).NotTo(HaveOccurred())

			m := as.Mappings()[0]
			Expect(m.Kind).To(Equal(chip.KindC32_2C))
			Expect(m.CtagOffset).To(Equal(uint64(1)))
			Expect(m.CtagLines).To(Equal(uint64(1)))
			Expect(d.regs.CountWrites(layout.CBCCtrl1)).To(Equal(1))

			pte, _, _ := as.LookupPTE(va + 0x10000)
			Expect(pte.CompTagLine).To(Equal(uint32(1)))
		})

		It("should clear comptags only when they are new", func() {
			layout := d.chip.Registers()
			buf := d.heap.Alloc(0x20000, 0x20000, chip.KindPitch)
			buf.Get()

			_, err := as.MapBuffer(buf, 0, 0, chip.KindC32_2C, 0, 0)
			Expect(err).NotTo(HaveOccurred())
			_, err = as.MapBuffer(buf, 0, 0, chip.KindC32_2CBR, 0, 0)
			Expect(err).NotTo(HaveOccurred())

			Expect(as.Mappings()).To(HaveLen(2))
			Expect(d.regs.CountWrites(layout.CBCCtrl1)).To(Equal(1))
		})

		It("should clear new comptags even when the map fails", func() {
			layout := d.chip.Registers()
			tiny, err := d.mm.NewAddressSpace(Config{
				Name:        "tiny",
				VAStart:     0x10000,
				VALimit:     0x40000,
				BigPageSize: 64 << 10,
				BigPages:    true,
				EnableCtag:  true,
			})
			Expect(err).NotTo(HaveOccurred())

			buf := d.heap.Alloc(0x30000, 0x10000, chip.KindPitch)
			buf.Get()

			_, err = tiny.MapBuffer(buf, 0, 0, chip.KindC32_2C, 0, 0)
			Expect(err).To(MatchError(vm.ErrOutOfVASpace))
			Expect(d.regs.CountWrites(layout.CBCCtrl1)).To(Equal(1))

			tags := d.mm.Buffers().Comptags(buf)
			Expect(tags.Lines).To(Equal(uint64(2)))

			_, err = as.MapBuffer(buf, 0, 0, chip.KindC32_2C, 0, 0)
			Expect(err).NotTo(HaveOccurred())

			m := as.Mappings()[0]
			Expect(m.Kind).To(Equal(chip.KindC32_2C))
			Expect(m.CtagOffset).To(Equal(tags.Offset))
			Expect(m.CtagLines).To(Equal(uint64(2)))
			Expect(d.regs.CountWrites(layout.CBCCtrl1)).To(Equal(1))
		})

		It("should map uncompressed when comptags run out", func() {
			d = newTestDevice(64<<20, 2)
			var err error
			as, err = d.mm.NewAddressSpace(scenarioConfig("as1"))
			Expect(err).NotTo(HaveOccurred())

			buf := d.heap.Alloc(0x40000, 0x20000, chip.KindPitch)

			_, err = as.MapBuffer(buf, 0, 0, chip.KindC32_2C, 0, 0)
			Expect(err).NotTo(HaveOccurred())

			m := as.Mappings()[0]
			Expect(m.Kind).To(Equal(chip.KindGeneric16BX2))
			Expect(m.CtagLines).To(BeZero())
		})

		It("should not compress when the address space has no comptags", func() {
			cfg := scenarioConfig("noctag")
			cfg.EnableCtag = false
			noCtag, err := d.mm.NewAddressSpace(cfg)
			Expect(err).NotTo(HaveOccurred())

			buf := d.heap.Alloc(0x20000, 0x20000, chip.KindPitch)

			_, err = noCtag.MapBuffer(buf, 0, 0, chip.KindZ16_2C, 0, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(noCtag.Mappings()[0].Kind).To(Equal(chip.KindZ16))
		})
	})

	Context("failures", func() {
		It("should report pinning failures", func() {
			buf := d.heap.Alloc(0x1000, 0x1000, chip.KindPitch)
			buf.FailAttach = true

			va, err := as.MapBuffer(buf, 0, 0, vm.KindPitch, 0, 0)

			Expect(err).To(MatchError(vm.ErrOutOfMemory))
			Expect(va).To(BeZero())
			Expect(as.Stats().SmallVAInUse).To(BeZero())
		})

		It("should run out of VA space", func() {
			small, err := d.mm.NewAddressSpace(Config{
				Name:    "small",
				VAStart: 0x10000,
				VALimit: 0x20000,
			})
			Expect(err).NotTo(HaveOccurred())

			buf := d.heap.Alloc(0x20000, 0x1000, chip.KindPitch)

			va, err := small.MapBuffer(buf, 0, 0, vm.KindPitch, 0, 0)

			Expect(err).To(MatchError(vm.ErrOutOfVASpace))
			Expect(va).To(BeZero())
			Expect(buf.Attached()).To(BeZero())
			Expect(small.Stats().NumMappings).To(BeZero())
		})

		It("should unwind when page tables cannot be allocated", func() {
			d = newTestDevice(64<<10, 64)
			var err error
			as, err = d.mm.NewAddressSpace(scenarioConfig("tight"))
			Expect(err).NotTo(HaveOccurred())

			buf := d.heap.Alloc(0x1000, 0x1000, chip.KindPitch)

			va, err := as.MapBuffer(buf, 0, 0, vm.KindPitch, 0, 0)

			Expect(err).To(MatchError(vm.ErrOutOfMemory))
			Expect(va).To(BeZero())

			s := as.Stats()
			Expect(s.NumMappings).To(BeZero())
			Expect(s.SmallVAInUse).To(BeZero())
			Expect(buf.Attached()).To(BeZero())
			Expect(buf.Refs()).To(BeZero())

			big := d.heap.Alloc(0x10000, 0x10000, chip.KindPitch)
			_, err = as.MapBuffer(big, 0, 0, vm.KindPitch, 0, 0)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	It("should map pinned tables for the driver", func() {
		sgt := vm.NewContiguousSGTable(0x2000000, 0, 0x3000)

		va, err := as.GMMUMap(sgt, 0x3000, vm.MapCacheable, vm.RWNone)
		Expect(err).NotTo(HaveOccurred())

		addr, ok := as.Translate(va + 0x2010)
		Expect(ok).To(BeTrue())
		Expect(addr).To(Equal(uint64(0x2002010)))
		Expect(as.Stats().NumMappings).To(BeZero())

		Expect(as.GMMUUnmap(va, 0x3000)).To(Succeed())
		_, ok = as.Translate(va)
		Expect(ok).To(BeFalse())

		Expect(as.GMMUUnmap(va, 0x3000)).To(MatchError(vm.ErrNotFound))
	})

	It("should not let the driver unmap buffer mappings", func() {
		buf := d.heap.Alloc(0x1000, 0x1000, chip.KindPitch)
		va, err := as.MapBuffer(buf, 0, 0, vm.KindPitch, 0, 0)
		Expect(err).NotTo(HaveOccurred())

		Expect(as.GMMUUnmap(va, 0x1000)).To(MatchError(vm.ErrInvalidArgument))
	})
})
