package gmmu

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/registry"
)

// AllocSpace reserves size bytes of VA with the given page size and returns
// the start of the reservation. With SpaceFixedOffset the reservation starts
// at offset. Sparse reservations are only possible with big pages; their
// PTEs are filled with the sparse encoding.
func (as *AddressSpace) AllocSpace(
	size, pageSize uint64,
	flags vm.SpaceFlags,
	offset uint64,
) (uint64, error) {
	detail := &TaskDetail{AddressSpace: as.name, PageSize: pageSize}
	id := as.startTask("space", "alloc_space", detail)
	defer as.endTask(id)

	as.updateLock.Lock()
	defer as.updateLock.Unlock()

	as.mustBeAlive()

	region, err := as.allocSpaceLocked(size, pageSize, flags, offset)
	if err != nil {
		detail.Err = err
		as.log.WithError(err).WithField("size", size).Error("alloc space failed")

		return 0, err
	}

	detail.Addr = region.Start
	detail.Size = region.Size

	return region.Start, nil
}

func (as *AddressSpace) allocSpaceLocked(
	size, pageSize uint64,
	flags vm.SpaceFlags,
	offset uint64,
) (*registry.Region, error) {
	pgsz, err := as.pageSizeIndex(pageSize)
	if err != nil {
		return nil, err
	}

	sparse := flags.Has(vm.SpaceSparse)
	if sparse && pgsz != vm.PageSizeBig {
		return nil, fmt.Errorf("sparse reservation with %#x pages: %w",
			pageSize, vm.ErrInvalidArgument)
	}

	if size == 0 {
		return nil, fmt.Errorf("empty reservation: %w", vm.ErrInvalidArgument)
	}

	size = vm.AlignUp(size, pageSize)

	start, err := as.reserveVA(pgsz, size, flags, offset)
	if err != nil {
		return nil, err
	}

	region := &registry.Region{
		Start:  start,
		Size:   size,
		Pgsz:   pgsz,
		Sparse: sparse,
	}

	err = as.reg.AddRegion(region)
	if err != nil {
		as.freeVA(pgsz, start, size)
		return nil, err
	}

	if sparse {
		err = as.table.Invalidate(pgsz, start, region.End(), true)
		if err != nil {
			as.clearRange(pgsz, start, region.End())
			as.reg.RemoveRegion(region)
			as.freeVA(pgsz, start, size)

			return nil, fmt.Errorf("sparse reservation at %#x: %w", start, err)
		}

		as.mm.sync.TLBInvalidate(as.pdb)
	}

	as.log.WithFields(logrus.Fields{
		"va":     fmt.Sprintf("%#x", start),
		"size":   size,
		"pgsz":   pageSize,
		"sparse": sparse,
	}).Debug("space reserved")

	return region, nil
}

func (as *AddressSpace) reserveVA(
	pgsz vm.PageSizeIndex,
	size uint64,
	flags vm.SpaceFlags,
	offset uint64,
) (uint64, error) {
	pageSize := as.pageSizes[pgsz]

	if !flags.Has(vm.SpaceFixedOffset) {
		return as.allocVA(pgsz, size)
	}

	if offset&(pageSize-1) != 0 {
		return 0, fmt.Errorf("reservation offset %#x not aligned to %#x: %w",
			offset, pageSize, vm.ErrInvalidArgument)
	}

	err := as.vma[pgsz].AllocFixed(offset/pageSize, size/pageSize)
	if err != nil {
		return 0, fmt.Errorf("reservation at %#x: %w", offset, err)
	}

	return offset, nil
}

func (as *AddressSpace) clearRange(pgsz vm.PageSizeIndex, va, end uint64) {
	err := as.table.Invalidate(pgsz, va, end, false)
	if err != nil {
		as.log.WithError(err).Error("clearing reservation PTEs")
	}
}

// FreeSpace releases the reservation that starts at offset, together with
// every buffer mapped inside it.
func (as *AddressSpace) FreeSpace(offset, size, pageSize uint64) error {
	detail := &TaskDetail{
		AddressSpace: as.name,
		Addr:         offset,
		Size:         size,
		PageSize:     pageSize,
	}
	id := as.startTask("space", "free_space", detail)
	defer as.endTask(id)

	as.updateLock.Lock()
	defer as.updateLock.Unlock()

	as.mustBeAlive()

	pgsz, err := as.pageSizeIndex(pageSize)
	if err != nil {
		detail.Err = err
		return err
	}

	region, ok := as.reg.RegionFor(offset)
	if !ok || region.Start != offset || region.Pgsz != pgsz ||
		region.Size != vm.AlignUp(size, pageSize) {
		detail.Err = fmt.Errorf("reservation [%#x, +%#x): %w",
			offset, size, vm.ErrNotFound)

		return detail.Err
	}

	for _, mb := range region.Buffers() {
		as.release(mb)
	}

	if region.Sparse {
		as.clearRange(pgsz, region.Start, region.End())
		as.mm.sync.TLBInvalidate(as.pdb)
	}

	as.reg.RemoveRegion(region)
	as.freeVA(pgsz, region.Start, region.Size)

	as.log.WithFields(logrus.Fields{
		"va":   fmt.Sprintf("%#x", region.Start),
		"size": region.Size,
	}).Debug("space freed")

	return nil
}
