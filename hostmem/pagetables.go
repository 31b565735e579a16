package hostmem

import (
	"sync"

	"coremem/config"
	"coremem/errs"
	"coremem/vmm"
)

// PageTables is a hosted stand-in for the external page-table module spec
// §6 describes (update/clone a virtual-memory area against a page
// directory). A real implementation would walk page-table levels and issue
// TLB shootdowns; running as an ordinary host process, this one just
// records, per simulated AddressSpace, which physical frame backs each
// mapped virtual page — enough for coremem/vmm's arena to be exercised
// end-to-end against a single RAM region.
type PageTables struct {
	mu    sync.Mutex
	ram   *RAM
	spaces map[vmm.AddressSpace]map[uintptr]uint32
}

// NewPageTables builds a hosted page-table simulator backed by ram.
func NewPageTables(ram *RAM) *PageTables {
	return &PageTables{ram: ram, spaces: map[vmm.AddressSpace]map[uintptr]uint32{}}
}

func (p *PageTables) spaceFor(as vmm.AddressSpace) map[uintptr]uint32 {
	m, ok := p.spaces[as]
	if !ok {
		m = map[uintptr]uint32{}
		p.spaces[as] = m
	}
	return m
}

// UpdateVMA installs or clears page-granular mappings for as, implementing
// vmm.PageTables. Installing (flags has Present) records vaddr+i*PAGE ->
// pfn+i for i in 0..pages; clearing (flags lacks Present) removes those
// entries, preserving nothing extra since this simulator has no notion of
// a Global-only PTE shape to keep around.
func (p *PageTables) UpdateVMA(as vmm.AddressSpace, vaddr uintptr, pfn uint32, pages int, flags vmm.PTEFlags) errs.Errno {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.spaceFor(as)
	for i := 0; i < pages; i++ {
		va := vaddr + uintptr(i)*config.PageSize
		if flags&vmm.Present != 0 {
			m[va] = pfn + uint32(i)
		} else {
			delete(m, va)
		}
	}
	return errs.OK
}

// CloneVMA copies dst's mapping to mirror src's mapping over pages starting
// at srcVaddr/dstVaddr, implementing vmm.PageTables.
func (p *PageTables) CloneVMA(dst, src vmm.AddressSpace, dstVaddr, srcVaddr uintptr, pages int, flags vmm.PTEFlags) errs.Errno {
	p.mu.Lock()
	defer p.mu.Unlock()
	srcMap := p.spaceFor(src)
	dstMap := p.spaceFor(dst)
	for i := 0; i < pages; i++ {
		sv := srcVaddr + uintptr(i)*config.PageSize
		dv := dstVaddr + uintptr(i)*config.PageSize
		pfn, ok := srcMap[sv]
		if !ok {
			return errs.EFAULT
		}
		dstMap[dv] = pfn
	}
	return errs.OK
}

// Bytes implements vmm.KernelBytes: it resolves the physical frame
// currently mapped at vaddr in as and returns the backing byte window from
// the simulated RAM. Panics if no mapping covers the request — callers are
// expected to have already mapped the window via UpdateVMA/CloneVMA.
func (p *PageTables) Bytes(as vmm.AddressSpace, vaddr uintptr, n int) []byte {
	p.mu.Lock()
	m := p.spaceFor(as)
	basePage := vaddr &^ (config.PageSize - 1)
	pfn, ok := m[basePage]
	p.mu.Unlock()
	if !ok {
		panic("hostmem: Bytes on an unmapped virtual address")
	}
	off := vaddr - basePage
	phys := uintptr(pfn)*config.PageSize + off
	return p.ram.Slice(phys, n)
}
