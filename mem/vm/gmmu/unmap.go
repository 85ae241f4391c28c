package gmmu

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/registry"
)

var errShared = errors.New("mapping still shared")

// UnmapBuffer drops a user-space mapping at va. The mapping is torn down
// when its last reference goes away. Before dropping a fixed-offset mapping,
// UnmapBuffer waits a bounded time for other users of the mapping to let go.
func (as *AddressSpace) UnmapBuffer(va uint64) error {
	detail := &TaskDetail{AddressSpace: as.name, Addr: va}
	id := as.startTask("unmap", "unmap_buffer", detail)
	defer as.endTask(id)

	as.updateLock.Lock()
	defer as.updateLock.Unlock()

	as.mustBeAlive()

	mb, ok := as.reg.Find(va)
	if !ok || mb.UserMapped == 0 {
		as.log.WithField("va", fmt.Sprintf("%#x", va)).
			Warn("unmapping a buffer that is not mapped")

		detail.Err = fmt.Errorf("user mapping at %#x: %w", va, vm.ErrNotFound)

		return detail.Err
	}

	if mb.Flags.Has(vm.MapFixedOffset) {
		as.updateLock.Unlock()
		if !as.waitSoleOwner(mb) {
			as.stepTask(id, "sync_unmap_timeout")
		}
		as.updateLock.Lock()

		cur, ok := as.reg.Find(va)
		if !ok || cur != mb || mb.UserMapped == 0 {
			detail.Err = fmt.Errorf("user mapping at %#x: %w", va, vm.ErrNotFound)
			return detail.Err
		}
	}

	detail.Size = mb.Size
	detail.PageSize = as.pageSizes[mb.Pgsz]

	as.reg.UnmarkUserMapped(mb)

	if as.put(mb) {
		as.stepTask(id, "torn_down")
	}

	return nil
}

// waitSoleOwner polls until mb holds a single reference or the fixed unmap
// budget runs out. Running out is logged; the unmap goes on.
func (as *AddressSpace) waitSoleOwner(mb *registry.MappedBuffer) bool {
	budget := as.mm.fixedUnmap
	policy := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(budget.Delay), budget.Retries)

	err := backoff.Retry(func() error {
		if mb.RefCount() <= 1 {
			return nil
		}

		return errShared
	}, policy)
	if err != nil {
		as.fixedUnmaps.Add(1)
		as.log.WithFields(logrus.Fields{
			"va":   fmt.Sprintf("%#x", mb.Addr),
			"refs": mb.RefCount(),
		}).Error("sync-unmap failed")

		return false
	}

	return true
}

// Unmap drops a driver-internal reference to the mapping at va.
func (as *AddressSpace) Unmap(va uint64) error {
	detail := &TaskDetail{AddressSpace: as.name, Addr: va}
	id := as.startTask("unmap", "unmap", detail)
	defer as.endTask(id)

	as.updateLock.Lock()
	defer as.updateLock.Unlock()

	as.mustBeAlive()

	mb, ok := as.reg.Find(va)
	if !ok {
		detail.Err = fmt.Errorf("mapping at %#x: %w", va, vm.ErrNotFound)
		return detail.Err
	}

	detail.Size = mb.Size
	detail.PageSize = as.pageSizes[mb.Pgsz]

	if as.put(mb) {
		as.stepTask(id, "torn_down")
	}

	return nil
}

// put drops a reference and reports whether the mapping was torn down.
func (as *AddressSpace) put(mb *registry.MappedBuffer) bool {
	if !mb.Put() {
		return false
	}

	as.teardown(mb)

	return true
}

// release tears down mb no matter how many references are left.
func (as *AddressSpace) release(mb *registry.MappedBuffer) {
	for !mb.Put() {
	}

	as.teardown(mb)
}

func (as *AddressSpace) teardown(mb *registry.MappedBuffer) {
	sparse := mb.Region != nil && mb.Region.Sparse

	err := as.table.Invalidate(mb.Pgsz, mb.Addr, mb.End(), sparse)
	if err != nil {
		as.log.WithError(err).
			WithField("va", fmt.Sprintf("%#x", mb.Addr)).
			Error("clearing PTEs")
	}

	as.mm.sync.L2Flush(true)
	as.mm.sync.TLBInvalidate(as.pdb)

	if mb.VAAllocated {
		as.freeVA(mb.Pgsz, mb.Addr, mb.Size)
	}

	as.mm.buffers.Unpin(mb.Buffer, mb.SGT)

	if mb.Region != nil {
		mb.Region.Unlink(mb)
	}

	as.reg.Remove(mb)

	if mb.OwnMemRef {
		mb.Buffer.Put()
	}

	as.log.WithFields(logrus.Fields{
		"va":   fmt.Sprintf("%#x", mb.Addr),
		"size": mb.Size,
	}).Debug("unmapped")
}

// GMMUUnmap removes a mapping made by GMMUMap.
func (as *AddressSpace) GMMUUnmap(va, size uint64) error {
	as.updateLock.Lock()
	defer as.updateLock.Unlock()

	as.mustBeAlive()

	if _, ok := as.reg.FindContaining(va); ok {
		return fmt.Errorf("%#x belongs to a buffer mapping: %w",
			va, vm.ErrInvalidArgument)
	}

	size = vm.AlignUp(size, vm.SmallPageSize)
	pageSize := vm.SmallPageSize

	err := as.vma[vm.PageSizeSmall].Free(va/pageSize, size/pageSize)
	if err != nil {
		return fmt.Errorf("kernel mapping at %#x: %w", va, err)
	}

	err = as.table.Invalidate(vm.PageSizeSmall, va, va+size, false)
	if err != nil {
		as.log.WithError(err).Error("clearing kernel mapping")
	}

	as.mm.sync.L2Flush(true)
	as.mm.sync.TLBInvalidate(as.pdb)

	return nil
}
