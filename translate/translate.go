// Package translate implements the address-translation surface of spec
// §4.3: the bidirectional conversions among {page descriptor, physical
// address, kernel virtual address} for the Normal zone, and the explicit
// "no permanent mapping" failure for HighMem pages.
//
// Grounded on biscuit/src/mem/dmap.go's Dmap/Dmap_v2p, generalized from
// Biscuit's single direct map to the spec's two-zone model (one
// permanently mapped zone, one that is not).
package translate

import (
	"sync"

	"coremem/config"
	"coremem/errs"
	"coremem/flags"
	"coremem/zone"
)

// Surface is the address-translation surface over a set of zones. Every
// conversion is total and checkable; on bad input it logs nothing itself
// (callers decide whether to log) and returns a sentinel, never panics —
// it is the defensive boundary between the allocator and callers that may
// have computed a wrong address.
type Surface struct {
	zones *zone.Zones

	mu sync.RWMutex
	// bootMapping selects the early-bootstrap linear mapping instead of
	// the per-zone computation (spec §4.3, §9 Open Question: the exact
	// point this flips is external to the core; see UseBootstrapMapping).
	bootMapping   bool
	bootPhysStart uintptr
	bootVirtStart uintptr
	bootLen       uintptr
}

// New builds a translation surface over zones.
func New(zones *zone.Zones) *Surface {
	return &Surface{zones: zones}
}

// SetBootstrapRange configures the single linear mapping that covers the
// kernel image through low-mem end during early bootstrap.
func (s *Surface) SetBootstrapRange(physStart, virtStart, length uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootPhysStart, s.bootVirtStart, s.bootLen = physStart, virtStart, length
}

// UseBootstrapMapping selects whether PageToVirt resolves through the
// early linear mapping (enable=true) or the steady-state per-zone
// computation (enable=false).
//
// Ordering constraint (spec §9 Open Question): the caller must not flip
// this after the page-table module has already installed the per-zone
// mappings and retired the boot mapping — doing so makes PageToVirt
// return addresses for a mapping that page tables no longer honor. This
// core does not track page-table state itself (that is vmm.PageTables'
// job) and so cannot enforce the ordering; it only documents it.
func (s *Surface) UseBootstrapMapping(enable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootMapping = enable
}

// PageToPhys converts a page's PFN to its physical address (spec §4.3).
func (s *Surface) PageToPhys(pfn uint32) (uintptr, errs.Errno) {
	if _, zn := s.zones.Descriptor(pfn); zn == nil {
		return 0, errs.EINVAL
	}
	return uintptr(pfn) * config.PageSize, errs.OK
}

// PhysToPage converts a page-aligned physical address to a PFN.
func (s *Surface) PhysToPage(p uintptr) (uint32, errs.Errno) {
	if p%config.PageSize != 0 {
		return 0, errs.EINVAL
	}
	pfn := uint32(p / config.PageSize)
	if _, zn := s.zones.Descriptor(pfn); zn == nil {
		return 0, errs.EINVAL
	}
	return pfn, errs.OK
}

// PageToVirt converts a page's PFN to a kernel virtual address. For a
// Normal-zone page this is the direct-mapped address; for a HighMem page
// it fails with ENOMAP ("no permanent mapping — use temporary map").
func (s *Surface) PageToVirt(pfn uint32) (uintptr, errs.Errno) {
	_, zn := s.zones.Descriptor(pfn)
	if zn == nil {
		return 0, errs.EINVAL
	}
	phys := uintptr(pfn) * config.PageSize

	s.mu.RLock()
	boot := s.bootMapping
	bootPhysStart, bootLen, bootVirtStart := s.bootPhysStart, s.bootLen, s.bootVirtStart
	s.mu.RUnlock()

	if boot {
		if phys < bootPhysStart || phys >= bootPhysStart+bootLen {
			return 0, errs.EINVAL
		}
		return bootVirtStart + (phys - bootPhysStart), errs.OK
	}

	if zn.Kind == zone.HighMem {
		return 0, errs.ENOMAP
	}
	return uintptr(zn.VirtStart) + (phys - uintptr(zn.PhysStart)), errs.OK
}

// VirtToPage is the inverse of PageToVirt, selected by which zone's
// virtual range v lies in. Addresses outside every known range fail.
func (s *Surface) VirtToPage(v uintptr) (uint32, errs.Errno) {
	if zn := s.zones.Normal; zn != nil && inRange(v, zn.VirtStart, zn.VirtEnd) {
		phys := uintptr(zn.PhysStart) + (v - uintptr(zn.VirtStart))
		return s.PhysToPage(phys)
	}
	if zn := s.zones.HighMem; zn != nil && zn.VirtStart != 0 && inRange(v, zn.VirtStart, zn.VirtEnd) {
		phys := uintptr(zn.PhysStart) + (v - uintptr(zn.VirtStart))
		return s.PhysToPage(phys)
	}
	return 0, errs.EINVAL
}

// IsValidVirtualAddress reports whether v lies in a known zone's virtual
// range (spec §4.3).
func (s *Surface) IsValidVirtualAddress(v uintptr) bool {
	if zn := s.zones.Normal; zn != nil && inRange(v, zn.VirtStart, zn.VirtEnd) {
		return true
	}
	if zn := s.zones.HighMem; zn != nil && zn.VirtStart != 0 && inRange(v, zn.VirtStart, zn.VirtEnd) {
		return true
	}
	return false
}

func inRange(v uintptr, start, end uint64) bool {
	return v >= uintptr(start) && v < uintptr(end)
}

// AllocPagesLowmem allocates pages from the Normal zone and returns their
// kernel virtual address; invalid for any other flag (spec §4.2).
func (s *Surface) AllocPagesLowmem(f flags.Flag, order int) (uintptr, errs.Errno) {
	switch f {
	case flags.Kernel, flags.Atomic, flags.NoFS, flags.NoIO, flags.NoWait:
	default:
		return 0, errs.EINVAL
	}
	pfn, err := s.zones.AllocPages(f, order)
	if err != errs.OK {
		return 0, err
	}
	v, verr := s.PageToVirt(pfn)
	if verr != errs.OK {
		s.zones.FreePages(pfn)
		return 0, verr
	}
	return v, errs.OK
}

// FreePagesLowmem reverse-looks-up the descriptor for v and frees it.
func (s *Surface) FreePagesLowmem(v uintptr) errs.Errno {
	pfn, err := s.VirtToPage(v)
	if err != errs.OK {
		return err
	}
	return s.zones.FreePages(pfn)
}
