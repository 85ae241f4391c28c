package gmmu

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/dmabuf"
	"github.com/sarchlab/gpuvm/mem/vm/pagetable"
	"github.com/sarchlab/gpuvm/mem/vm/registry"
)

// A MapRequest describes one mapping of a buffer.
type MapRequest struct {
	Buffer vm.Buffer

	// Offset is the VA of a MapFixedOffset mapping. It is ignored
	// otherwise.
	Offset uint64

	Flags vm.MapFlags
	Kind  vm.Kind
	RW    vm.RWFlag

	// UserMapped marks requests made on behalf of user space. The mapping
	// takes over the caller's handle reference.
	UserMapped bool

	// BufferOffset is the byte offset into the buffer the mapping starts
	// at. MappingSize is the number of bytes to map; zero maps the rest of
	// the buffer.
	BufferOffset uint64
	MappingSize  uint64
}

// MapBuffer maps a buffer on behalf of user space and returns its VA. The
// caller's handle reference moves to the mapping; it is dropped if the map
// fails. For MapFixedOffset, offsetAlign is the VA to map at.
func (as *AddressSpace) MapBuffer(
	buf vm.Buffer,
	offsetAlign uint64,
	flags vm.MapFlags,
	kind vm.Kind,
	bufferOffset, mappingSize uint64,
) (uint64, error) {
	va, err := as.Map(MapRequest{
		Buffer:       buf,
		Offset:       offsetAlign,
		Flags:        flags,
		Kind:         kind,
		UserMapped:   true,
		BufferOffset: bufferOffset,
		MappingSize:  mappingSize,
	})
	if err != nil {
		buf.Put()
		return 0, err
	}

	return va, nil
}

// Map maps a buffer and returns its VA. A mapping of the same buffer with
// the same kind and flags is reused. On failure the VA is 0 and nothing
// stays allocated.
func (as *AddressSpace) Map(req MapRequest) (uint64, error) {
	detail := &TaskDetail{AddressSpace: as.name}
	id := as.startTask("map", "map_buffer", detail)
	defer as.endTask(id)

	as.updateLock.Lock()
	defer as.updateLock.Unlock()

	as.mustBeAlive()

	if mb, ok := as.findReusable(req); ok {
		as.reuse(mb, req)
		as.stepTask(id, "reused")

		detail.Addr = mb.Addr
		detail.Size = mb.Size
		detail.PageSize = as.pageSizes[mb.Pgsz]

		return mb.Addr, nil
	}

	mb, err := as.mapLocked(req)
	if err != nil {
		detail.Err = err
		as.log.WithError(err).WithFields(logrus.Fields{
			"buffer": req.Buffer.ID(),
			"flags":  fmt.Sprintf("%#x", req.Flags),
		}).Error("map failed")

		return 0, err
	}

	detail.Addr = mb.Addr
	detail.Size = mb.Size
	detail.PageSize = as.pageSizes[mb.Pgsz]

	return mb.Addr, nil
}

func (as *AddressSpace) findReusable(req MapRequest) (*registry.MappedBuffer, bool) {
	mb, ok := as.reg.FindByBuffer(req.Buffer.ID(), req.Kind)
	if !ok || mb.Flags != req.Flags {
		return nil, false
	}

	if req.Flags.Has(vm.MapFixedOffset) && mb.Addr != req.Offset {
		return nil, false
	}

	return mb, true
}

func (as *AddressSpace) reuse(mb *registry.MappedBuffer, req MapRequest) {
	mb.Get()

	if req.UserMapped {
		as.reg.MarkUserMapped(mb)

		if mb.OwnMemRef {
			req.Buffer.Put()
		} else {
			mb.OwnMemRef = true
		}
	}

	as.log.WithFields(logrus.Fields{
		"va":   fmt.Sprintf("%#x", mb.Addr),
		"refs": mb.RefCount(),
	}).Debug("reusing mapping")
}

func (as *AddressSpace) mapLocked(req MapRequest) (*registry.MappedBuffer, error) {
	buf := req.Buffer

	sgt, err := as.mm.buffers.Pin(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vm.ErrOutOfMemory, err)
	}

	mb, err := as.mapPinned(req, sgt)
	if err != nil {
		as.mm.buffers.Unpin(buf, sgt)
		return nil, err
	}

	return mb, nil
}

func (as *AddressSpace) mapPinned(
	req MapRequest,
	sgt *vm.SGTable,
) (*registry.MappedBuffer, error) {
	buf := req.Buffer
	fixed := req.Flags.Has(vm.MapFixedOffset)

	pgsz := as.selectPageSize(req, sgt)
	pageSize := as.pageSizes[pgsz]

	size, err := as.mappingSize(req, pageSize)
	if err != nil {
		return nil, err
	}

	if sgt.Alignment()%pageSize != 0 {
		return nil, fmt.Errorf("buffer %d not aligned to %#x: %w",
			buf.ID(), pageSize, vm.ErrInvalidArgument)
	}

	var region *registry.Region
	if fixed {
		region, err = as.validateFixed(req.Offset, size, pgsz)
		if err != nil {
			return nil, err
		}
	}

	kind, compressible, err := as.resolveKind(req.Kind, buf, pgsz)
	if err != nil {
		return nil, err
	}

	var tags dmabuf.Comptags
	fresh := false
	if compressible {
		tags, fresh = as.comptags(buf)
		if tags.Lines == 0 {
			kind = as.mm.chip.Kinds().Uncompressed(kind)
		}
	}

	// Tags stay cached on the buffer if the map fails later. Clear them now.
	if fresh {
		err = as.mm.sync.ClearComptags(tags.Offset, tags.Offset+tags.Lines-1)
		if err != nil {
			as.log.WithError(err).Warn("comptags not cleared")
		}
	}

	va := req.Offset
	if !fixed {
		va, err = as.allocVA(pgsz, size)
		if err != nil {
			return nil, err
		}
	}

	attrs := pagetable.Attrs{
		Kind:        kind,
		CtagOffset:  tags.Offset,
		Cacheable:   req.Flags.Has(vm.MapCacheable),
		UnmappedPTE: req.Flags.Has(vm.MapUnmappedPTE),
		RW:          req.RW,
	}

	err = as.table.Populate(pgsz, va, va+size, sgt, req.BufferOffset, attrs)
	if err != nil {
		as.unwindMap(pgsz, va, size, !fixed, region)
		return nil, fmt.Errorf("mapping %#x at %#x: %w", size, va, err)
	}

	as.mm.sync.TLBInvalidate(as.pdb)

	mb := registry.NewMappedBuffer()
	mb.Addr = va
	mb.Size = size
	mb.Buffer = buf
	mb.SGT = sgt
	mb.Pgsz = pgsz
	mb.RequestedKind = req.Kind
	mb.Kind = kind
	mb.CtagOffset = tags.Offset
	mb.CtagLines = tags.Lines
	mb.Flags = req.Flags
	mb.RW = req.RW
	mb.VAAllocated = !fixed
	mb.OwnMemRef = req.UserMapped

	if req.UserMapped {
		mb.UserMapped = 1
	}

	err = as.reg.Insert(mb)
	if err != nil {
		as.unwindMap(pgsz, va, size, !fixed, region)
		as.mm.sync.TLBInvalidate(as.pdb)

		return nil, err
	}

	if region != nil {
		region.Link(mb)
	}

	as.log.WithFields(logrus.Fields{
		"va":     fmt.Sprintf("%#x", va),
		"size":   size,
		"pgsz":   pageSize,
		"kind":   fmt.Sprintf("%#x", kind),
		"ctag":   tags.Offset,
		"buffer": buf.ID(),
	}).Debug("mapped")

	return mb, nil
}

func (as *AddressSpace) unwindMap(
	pgsz vm.PageSizeIndex,
	va, size uint64,
	vaAllocated bool,
	region *registry.Region,
) {
	sparse := region != nil && region.Sparse

	err := as.table.Invalidate(pgsz, va, va+size, sparse)
	if err != nil {
		as.log.WithError(err).Error("clearing a failed mapping")
	}

	if vaAllocated {
		as.freeVA(pgsz, va, size)
	}
}

// selectPageSize picks the page size of a mapping. Fixed-offset mappings use
// the page size of the aperture half they land in. Other mappings use big
// pages when the buffer memory and its size are big-page aligned.
func (as *AddressSpace) selectPageSize(req MapRequest, sgt *vm.SGTable) vm.PageSizeIndex {
	if req.Flags.Has(vm.MapFixedOffset) {
		return as.PageSizeFor(req.Offset)
	}

	if !as.bigPages {
		return vm.PageSizeSmall
	}

	big := as.pageSizes[vm.PageSizeBig]
	if sgt.Alignment()%big == 0 && req.Buffer.Size()%big == 0 {
		return vm.PageSizeBig
	}

	return vm.PageSizeSmall
}

func (as *AddressSpace) mappingSize(req MapRequest, pageSize uint64) (uint64, error) {
	bufSize := req.Buffer.Size()

	if req.BufferOffset&(pageSize-1) != 0 || req.BufferOffset >= bufSize {
		return 0, fmt.Errorf("buffer offset %#x: %w",
			req.BufferOffset, vm.ErrInvalidArgument)
	}

	size := req.MappingSize
	if size == 0 {
		size = bufSize - req.BufferOffset
	}

	if size > bufSize-req.BufferOffset {
		return 0, fmt.Errorf("mapping %#x bytes at %#x of a %#x byte buffer: %w",
			size, req.BufferOffset, bufSize, vm.ErrInvalidArgument)
	}

	return vm.AlignUp(size, pageSize), nil
}

func (as *AddressSpace) validateFixed(
	va, size uint64,
	pgsz vm.PageSizeIndex,
) (*registry.Region, error) {
	pageSize := as.pageSizes[pgsz]
	if va&(pageSize-1) != 0 {
		return nil, fmt.Errorf("offset %#x not aligned to %#x: %w",
			va, pageSize, vm.ErrInvalidFixedMapping)
	}

	region, ok := as.reg.RegionFor(va)
	if !ok {
		return nil, fmt.Errorf("no reservation at %#x: %w",
			va, vm.ErrInvalidFixedMapping)
	}

	if va+size > region.End() {
		return nil, fmt.Errorf("[%#x, %#x) exceeds reservation [%#x, %#x): %w",
			va, va+size, region.Start, region.End(), vm.ErrInvalidFixedMapping)
	}

	if other := region.FindOverlap(va, size); other != nil {
		return nil, fmt.Errorf("[%#x, %#x) overlaps mapping at %#x: %w",
			va, va+size, other.Addr, vm.ErrInvalidFixedMapping)
	}

	return region, nil
}

func (as *AddressSpace) resolveKind(
	requested vm.Kind,
	buf vm.Buffer,
	pgsz vm.PageSizeIndex,
) (vm.Kind, bool, error) {
	kind := requested
	if kind == vm.KindAuto {
		kind = buf.Kind()
	}

	if kind == vm.KindInvalid {
		kind = vm.KindPitch
	}

	kinds := as.mm.chip.Kinds()
	if !kinds.IsSupported(kind) {
		return 0, false, fmt.Errorf("kind %#x: %w", kind, vm.ErrUnsupportedKind)
	}

	if !kinds.IsCompressible(kind) {
		return kind, false, nil
	}

	if pgsz != vm.PageSizeBig || !as.enableCtag {
		return kinds.Uncompressed(kind), false, nil
	}

	return kind, true, nil
}

// comptags returns the compression tags of buf, allocating them on first
// use. Running out of tags is not an error; the mapping loses compression.
func (as *AddressSpace) comptags(buf vm.Buffer) (dmabuf.Comptags, bool) {
	tags := as.mm.buffers.Comptags(buf)
	if tags.Lines != 0 {
		return tags, false
	}

	granularity := as.mm.chip.ComptagGranularity()
	lines := (buf.Size() + granularity - 1) / granularity

	tags, err := as.mm.buffers.AllocComptags(buf, lines)
	if err != nil {
		as.log.WithError(err).WithField("lines", lines).
			Debug("no comptags, mapping uncompressed")

		return dmabuf.Comptags{}, false
	}

	return tags, true
}

// GMMUMap maps an already pinned table into the small page half of the
// address space for driver-internal use. The mapping is not tracked by the
// registry and must be removed with GMMUUnmap.
func (as *AddressSpace) GMMUMap(
	sgt *vm.SGTable,
	size uint64,
	flags vm.MapFlags,
	rw vm.RWFlag,
) (uint64, error) {
	as.updateLock.Lock()
	defer as.updateLock.Unlock()

	as.mustBeAlive()

	size = vm.AlignUp(size, vm.SmallPageSize)
	if size == 0 || size > sgt.Size() {
		return 0, fmt.Errorf("kernel mapping of %#x bytes: %w",
			size, vm.ErrInvalidArgument)
	}

	va, err := as.allocVA(vm.PageSizeSmall, size)
	if err != nil {
		return 0, err
	}

	attrs := pagetable.Attrs{
		Kind:      vm.KindPitch,
		Cacheable: flags.Has(vm.MapCacheable),
		RW:        rw,
	}

	err = as.table.Populate(vm.PageSizeSmall, va, va+size, sgt, 0, attrs)
	if err != nil {
		as.unwindMap(vm.PageSizeSmall, va, size, true, nil)
		return 0, fmt.Errorf("kernel mapping at %#x: %w", va, err)
	}

	as.mm.sync.TLBInvalidate(as.pdb)

	return va, nil
}
