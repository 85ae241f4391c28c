package gmmu

import (
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/registry"
)

// Stats summarizes an address space.
type Stats struct {
	Name               string `json:"name"`
	VAStart            uint64 `json:"va_start"`
	VALimit            uint64 `json:"va_limit"`
	BigPageSize        uint64 `json:"big_page_size"`
	PDB                uint64 `json:"pdb"`
	RefCount           int32  `json:"ref_count"`
	NumMappings        int    `json:"num_mappings"`
	NumUserMapped      int    `json:"num_user_mapped"`
	NumRegions         int    `json:"num_regions"`
	NumTables          int    `json:"num_tables"`
	SmallVAInUse       uint64 `json:"small_va_in_use"`
	BigVAInUse         uint64 `json:"big_va_in_use"`
	FixedUnmapTimeouts uint64 `json:"fixed_unmap_timeouts"`
}

// MappingInfo describes one mapping.
type MappingInfo struct {
	Addr       uint64      `json:"addr"`
	Size       uint64      `json:"size"`
	PageSize   uint64      `json:"page_size"`
	Buffer     uint64      `json:"buffer"`
	Kind       vm.Kind     `json:"kind"`
	CtagOffset uint64      `json:"ctag_offset"`
	CtagLines  uint64      `json:"ctag_lines"`
	Flags      vm.MapFlags `json:"flags"`
	RefCount   int32       `json:"ref_count"`
	UserMapped int         `json:"user_mapped"`
	InRegion   bool        `json:"in_region"`
}

// RegionInfo describes one reservation.
type RegionInfo struct {
	Start      uint64 `json:"start"`
	Size       uint64 `json:"size"`
	PageSize   uint64 `json:"page_size"`
	Sparse     bool   `json:"sparse"`
	NumBuffers int    `json:"num_buffers"`
}

// Stats returns a summary of the address space.
func (as *AddressSpace) Stats() Stats {
	as.updateLock.Lock()
	defer as.updateLock.Unlock()

	s := Stats{
		Name:               as.name,
		VAStart:            as.vaStart,
		VALimit:            as.vaLimit,
		BigPageSize:        as.pageSizes[vm.PageSizeBig],
		PDB:                as.pdb,
		RefCount:           as.refs.Load(),
		NumMappings:        as.reg.Len(),
		NumUserMapped:      as.reg.NumUserMapped(),
		NumRegions:         len(as.reg.Regions()),
		FixedUnmapTimeouts: as.fixedUnmaps.Load(),
	}

	if as.destroyed {
		return s
	}

	s.NumTables = as.table.NumTables()
	s.SmallVAInUse = as.vma[vm.PageSizeSmall].InUse() * vm.SmallPageSize

	if as.bigPages {
		s.BigVAInUse = as.vma[vm.PageSizeBig].InUse() * as.pageSizes[vm.PageSizeBig]
	}

	return s
}

// Mappings returns the mappings of the address space in VA order.
func (as *AddressSpace) Mappings() []MappingInfo {
	as.updateLock.Lock()
	defer as.updateLock.Unlock()

	list := make([]MappingInfo, 0, as.reg.Len())

	as.reg.Ascend(func(mb *registry.MappedBuffer) bool {
		list = append(list, MappingInfo{
			Addr:       mb.Addr,
			Size:       mb.Size,
			PageSize:   as.pageSizes[mb.Pgsz],
			Buffer:     mb.Buffer.ID(),
			Kind:       mb.Kind,
			CtagOffset: mb.CtagOffset,
			CtagLines:  mb.CtagLines,
			Flags:      mb.Flags,
			RefCount:   mb.RefCount(),
			UserMapped: mb.UserMapped,
			InRegion:   mb.Region != nil,
		})

		return true
	})

	return list
}

// Regions returns the reservations of the address space.
func (as *AddressSpace) Regions() []RegionInfo {
	as.updateLock.Lock()
	defer as.updateLock.Unlock()

	regions := as.reg.Regions()
	list := make([]RegionInfo, 0, len(regions))

	for _, r := range regions {
		list = append(list, RegionInfo{
			Start:      r.Start,
			Size:       r.Size,
			PageSize:   as.pageSizes[r.Pgsz],
			Sparse:     r.Sparse,
			NumBuffers: len(r.Buffers()),
		})
	}

	return list
}
