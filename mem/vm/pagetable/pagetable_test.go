package pagetable

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/chip"
	"github.com/sarchlab/gpuvm/mem/vm/pagealloc"
)

var _ = Describe("Table", func() {
	const (
		bigPage = 64 << 10
		pdeSpan = 64 << 20
	)

	var (
		c      chip.Chip
		levels []chip.Level
		alloc  *pagealloc.SimAllocator
		table  *Table
		sizes  = [vm.NumPageSizes]uint64{vm.SmallPageSize, bigPage}
	)

	BeforeEach(func() {
		var err error

		c = chip.GM20B()
		levels, err = c.Levels(bigPage)
		Expect(err).ToNot(HaveOccurred())

		alloc = pagealloc.MakeBuilder().Build()
		table, err = New(c, levels, alloc, sizes)
		Expect(err).ToNot(HaveOccurred())
	})

	readPDE := func(idx uint64) chip.PDE {
		root := table.Root()
		Expect(root.Block().Map()).To(Succeed())
		defer root.Block().Unmap()

		return c.DecodePDE(table.readEntry(root, idx))
	}

	It("should map small pages", func() {
		sg := vm.NewContiguousSGTable(0x4000_0000, 0, 4*4096)

		err := table.Populate(vm.PageSizeSmall, 0x10000, 0x14000, sg, 0,
			Attrs{Kind: chip.KindPitch})
		Expect(err).ToNot(HaveOccurred())

		for i := uint64(0); i < 4; i++ {
			pa, ok := table.Translate(0x10000 + i*4096 + 0x10)
			Expect(ok).To(BeTrue())
			Expect(pa).To(Equal(0x4000_0000 + i*4096 + 0x10))
		}

		_, ok := table.Translate(0x14000)
		Expect(ok).To(BeFalse())

		pde := readPDE(0)
		Expect(pde.SmallValid).To(BeTrue())
		Expect(pde.BigValid).To(BeFalse())
		Expect(pde.SmallAddr).To(Equal(table.Root().Child(0, vm.PageSizeSmall).Block().Addr()))
		Expect(table.NumTables()).To(Equal(2))
	})

	It("should write both halves of a PDE", func() {
		small := vm.NewContiguousSGTable(0x4000_0000, 0, 4096)
		big := vm.NewContiguousSGTable(0x5000_0000, 0, bigPage)

		Expect(table.Populate(vm.PageSizeBig, 0x20000, 0x30000, big, 0,
			Attrs{})).To(Succeed())
		Expect(table.Populate(vm.PageSizeSmall, 0x1000, 0x2000, small, 0,
			Attrs{})).To(Succeed())

		pde := readPDE(0)
		Expect(pde.SmallValid).To(BeTrue())
		Expect(pde.BigValid).To(BeTrue())

		pa, ok := table.Translate(0x20000 + 0x1234)
		Expect(ok).To(BeTrue())
		Expect(pa).To(Equal(uint64(0x5000_1234)))

		_, pgsz, _ := table.Lookup(0x20000)
		Expect(pgsz).To(Equal(vm.PageSizeBig))

		_, pgsz, _ = table.Lookup(0x1000)
		Expect(pgsz).To(Equal(vm.PageSizeSmall))
	})

	It("should split ranges at directory boundaries", func() {
		sg := vm.NewContiguousSGTable(0x4000_0000, 0, 2*bigPage)

		Expect(table.Populate(vm.PageSizeBig, pdeSpan-bigPage, pdeSpan+bigPage,
			sg, 0, Attrs{})).To(Succeed())

		Expect(readPDE(0).BigValid).To(BeTrue())
		Expect(readPDE(1).BigValid).To(BeTrue())

		pa, _ := table.Translate(pdeSpan)
		Expect(pa).To(Equal(uint64(0x4000_0000 + bigPage)))
	})

	It("should encode attributes", func() {
		sg := vm.NewContiguousSGTable(0x4000_0000, 0, 4096)

		Expect(table.Populate(vm.PageSizeSmall, 0x1000, 0x2000, sg, 0, Attrs{
			Kind:      chip.KindGeneric16BX2,
			Cacheable: true,
			RW:        vm.RWReadOnly,
		})).To(Succeed())

		pte, _, ok := table.Lookup(0x1000)
		Expect(ok).To(BeTrue())
		Expect(pte).To(Equal(chip.PTE{
			Valid:        true,
			Addr:         0x4000_0000,
			Kind:         chip.KindGeneric16BX2,
			ReadOnly:     true,
			WriteDisable: true,
		}))
	})

	It("should mark uncached and write-only pages", func() {
		sg := vm.NewContiguousSGTable(0x4000_0000, 0, 4096)

		Expect(table.Populate(vm.PageSizeSmall, 0x1000, 0x2000, sg, 0,
			Attrs{RW: vm.RWWriteOnly})).To(Succeed())

		pte, _, _ := table.Lookup(0x1000)
		Expect(pte.Volatile).To(BeTrue())
		Expect(pte.ReadDisable).To(BeTrue())
	})

	It("should advance the comptag line per page", func() {
		sg := vm.NewContiguousSGTable(0x4000_0000, 0, 4*bigPage)

		Expect(table.Populate(vm.PageSizeBig, 0x100000, 0x100000+4*bigPage,
			sg, 0, Attrs{Kind: chip.KindC32_2C, CtagOffset: 5})).To(Succeed())

		var lines []uint32
		for i := uint64(0); i < 4; i++ {
			pte, _, _ := table.Lookup(0x100000 + i*bigPage)
			lines = append(lines, pte.CompTagLine)
		}

		Expect(lines).To(Equal([]uint32{5, 5, 6, 6}))
	})

	It("should keep the address of unmapped PTEs", func() {
		sg := vm.NewContiguousSGTable(0x4000_0000, 0, 4096)

		Expect(table.Populate(vm.PageSizeSmall, 0x1000, 0x2000, sg, 0,
			Attrs{UnmappedPTE: true})).To(Succeed())

		pte, _, ok := table.Lookup(0x1000)
		Expect(ok).To(BeTrue())
		Expect(pte.Valid).To(BeFalse())
		Expect(pte.Volatile).To(BeFalse())
		Expect(pte.Addr).To(Equal(uint64(0x4000_0000)))
	})

	It("should map scattered buffers", func() {
		sg := &vm.SGTable{Chunks: []vm.SGChunk{
			{IOVA: 0x4000_0000, Length: 8192},
			{IOVA: 0x7000_0000, Length: 4096},
		}}

		Expect(table.Populate(vm.PageSizeSmall, 0x10000, 0x13000, sg, 4096,
			Attrs{})).To(MatchError(vm.ErrInvalidArgument))

		Expect(table.Populate(vm.PageSizeSmall, 0x10000, 0x12000, sg, 4096,
			Attrs{})).To(Succeed())

		pa, _ := table.Translate(0x10000)
		Expect(pa).To(Equal(uint64(0x4000_1000)))
		pa, _ = table.Translate(0x11000)
		Expect(pa).To(Equal(uint64(0x7000_0000)))
	})

	It("should reject unaligned buffer offsets", func() {
		sg := vm.NewContiguousSGTable(0x4000_0000, 0, bigPage*2)

		err := table.Populate(vm.PageSizeBig, 0x20000, 0x30000, sg, 4096, Attrs{})
		Expect(err).To(MatchError(vm.ErrInvalidArgument))
	})

	Context("invalidation", func() {
		BeforeEach(func() {
			sg := vm.NewContiguousSGTable(0x4000_0000, 0, 2*bigPage)
			Expect(table.Populate(vm.PageSizeBig, 0x20000, 0x40000, sg, 0,
				Attrs{})).To(Succeed())
		})

		It("should clear PTEs", func() {
			Expect(table.Invalidate(vm.PageSizeBig, 0x20000, 0x40000, false)).
				To(Succeed())

			pte, _, ok := table.Lookup(0x20000)
			Expect(ok).To(BeTrue())
			Expect(pte).To(Equal(chip.PTE{}))

			_, ok = table.Translate(0x30000)
			Expect(ok).To(BeFalse())
		})

		It("should leave sparse PTEs", func() {
			Expect(table.Invalidate(vm.PageSizeBig, 0x20000, 0x40000, true)).
				To(Succeed())

			pte, _, _ := table.Lookup(0x30000)
			Expect(pte.Sparse()).To(BeTrue())
		})

		It("should not allocate tables for plain invalidation", func() {
			n := table.NumTables()

			Expect(table.Invalidate(vm.PageSizeSmall, 5*pdeSpan, 6*pdeSpan, false)).
				To(Succeed())
			Expect(table.NumTables()).To(Equal(n))
		})

		It("should allocate tables for sparse ranges", func() {
			n := table.NumTables()

			Expect(table.Invalidate(vm.PageSizeBig, 5*pdeSpan, 5*pdeSpan+bigPage, true)).
				To(Succeed())
			Expect(table.NumTables()).To(Equal(n + 1))

			pte, _, _ := table.Lookup(5 * pdeSpan)
			Expect(pte.Sparse()).To(BeTrue())
		})
	})

	It("should free every table on destroy", func() {
		sg := vm.NewContiguousSGTable(0x4000_0000, 0, 2*bigPage)
		Expect(table.Populate(vm.PageSizeBig, pdeSpan-bigPage, pdeSpan+bigPage,
			sg, 0, Attrs{})).To(Succeed())
		Expect(alloc.NumBlocks()).To(Equal(uint64(3)))

		table.Destroy()

		Expect(alloc.NumBlocks()).To(BeZero())
		Expect(alloc.InUse()).To(BeZero())
	})

	Context("when page table memory runs out", func() {
		var (
			mockCtrl  *gomock.Controller
			mockAlloc *MockAllocator
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			mockAlloc = NewMockAllocator(mockCtrl)
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should fail to create the root", func() {
			mockAlloc.EXPECT().Alloc(gomock.Any()).
				Return(nil, vm.ErrOutOfMemory)

			_, err := New(c, levels, mockAlloc, sizes)
			Expect(err).To(MatchError(vm.ErrOutOfMemory))
		})

		It("should fail to populate", func() {
			mockAlloc.EXPECT().Alloc(uint64(32 << 10)).
				DoAndReturn(alloc.Alloc)
			mockAlloc.EXPECT().Alloc(uint64(128 << 10)).
				Return(nil, vm.ErrOutOfMemory)

			t, err := New(c, levels, mockAlloc, sizes)
			Expect(err).ToNot(HaveOccurred())

			sg := vm.NewContiguousSGTable(0x4000_0000, 0, 4096)
			err = t.Populate(vm.PageSizeSmall, 0x1000, 0x2000, sg, 0, Attrs{})
			Expect(err).To(MatchError(vm.ErrOutOfMemory))
			Expect(t.Root().Block().Mapped()).To(BeFalse())
		})
	})
})
