package vaalloc

import (
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/gpuvm/mem/vm"
)

var _ = Describe("Allocator", func() {
	var a *Allocator

	BeforeEach(func() {
		a = New("test", 16, 200)
	})

	It("should allocate the lowest run first", func() {
		s1, err := a.Alloc(10)
		Expect(err).ToNot(HaveOccurred())
		Expect(s1).To(Equal(uint64(16)))

		s2, _ := a.Alloc(70)
		Expect(s2).To(Equal(uint64(26)))
		Expect(a.InUse()).To(Equal(uint64(80)))
		Expect(a.Available()).To(Equal(uint64(120)))
	})

	It("should reuse a freed hole that fits", func() {
		s1, _ := a.Alloc(10)
		s2, _ := a.Alloc(10)
		_, _ = a.Alloc(10)

		Expect(a.Free(s2, 10)).To(Succeed())

		s4, _ := a.Alloc(20)
		Expect(s4).To(Equal(uint64(46)))

		s5, _ := a.Alloc(5)
		Expect(s5).To(Equal(s1 + 10))
	})

	It("should return the same offset after a round trip", func() {
		s1, _ := a.Alloc(64)
		Expect(a.Free(s1, 64)).To(Succeed())

		s2, _ := a.Alloc(64)
		Expect(s2).To(Equal(s1))
	})

	It("should run out of space", func() {
		_, err := a.Alloc(201)
		Expect(err).To(MatchError(vm.ErrOutOfVASpace))

		_, err = a.Alloc(200)
		Expect(err).ToNot(HaveOccurred())

		_, err = a.Alloc(1)
		Expect(err).To(MatchError(vm.ErrOutOfVASpace))
	})

	It("should reject zero-length allocations", func() {
		_, err := a.Alloc(0)
		Expect(err).To(MatchError(vm.ErrInvalidArgument))
	})

	It("should reject frees that do not match an allocation", func() {
		s, _ := a.Alloc(10)

		Expect(a.Free(s, 5)).To(MatchError(vm.ErrNotFound))
		Expect(a.Free(s+1, 9)).To(MatchError(vm.ErrNotFound))
		Expect(a.Free(0, 1)).To(MatchError(vm.ErrNotFound))
		Expect(a.Free(s, 10)).To(Succeed())
		Expect(a.Free(s, 10)).To(MatchError(vm.ErrNotFound))
	})

	Context("fixed allocations", func() {
		It("should allocate a fixed run", func() {
			Expect(a.AllocFixed(100, 20)).To(Succeed())

			s, _ := a.Alloc(90)
			Expect(s).To(Equal(uint64(120)))
		})

		It("should reject runs that are in use", func() {
			Expect(a.AllocFixed(100, 20)).To(Succeed())
			Expect(a.AllocFixed(110, 20)).To(MatchError(vm.ErrOutOfVASpace))
			Expect(a.AllocFixed(90, 11)).To(MatchError(vm.ErrOutOfVASpace))
			Expect(a.AllocFixed(90, 10)).To(Succeed())
		})

		It("should reject runs out of range", func() {
			Expect(a.AllocFixed(0, 20)).To(MatchError(vm.ErrOutOfVASpace))
			Expect(a.AllocFixed(210, 7)).To(MatchError(vm.ErrOutOfVASpace))
		})
	})

	It("should never hand out overlapping runs", func() {
		a = New("stress", 0, 1000)
		r := rand.New(rand.NewSource(1))

		type run struct{ start, n uint64 }
		var live []run
		owner := make(map[uint64]bool)

		for i := 0; i < 2000; i++ {
			if len(live) > 0 && r.Intn(3) == 0 {
				j := r.Intn(len(live))
				Expect(a.Free(live[j].start, live[j].n)).To(Succeed())
				for u := live[j].start; u < live[j].start+live[j].n; u++ {
					delete(owner, u)
				}
				live = append(live[:j], live[j+1:]...)
				continue
			}

			n := uint64(r.Intn(40) + 1)
			s, err := a.Alloc(n)
			if err != nil {
				Expect(err).To(MatchError(vm.ErrOutOfVASpace))
				continue
			}

			for u := s; u < s+n; u++ {
				Expect(owner[u]).To(BeFalse())
				owner[u] = true
			}
			live = append(live, run{s, n})
		}

		Expect(a.InUse()).To(Equal(uint64(len(owner))))
		Expect(a.NumRuns()).To(Equal(len(live)))
	})
})
