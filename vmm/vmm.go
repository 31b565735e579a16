// Package vmm implements the virtual-mapping arena of spec §4.5: a reserved
// kernel virtual-address window carved into allocatable runs by the same
// generic buddy algorithm coremem/zone uses for physical memory (spec §9:
// "virtual-mapping arena reusing buddy code" — parametric polymorphism over
// descriptor type, stride, and byte offset, realized here as buddy.Instance
// parameterized over vmm.Descriptor instead of page.Descriptor).
//
// The arena never owns the physical frames it maps; it only reserves virtual
// runs and, on request, asks the external page-table module (spec §6) to
// install or clear the PTEs that back them.
package vmm

import (
	"sync"

	"coremem/buddy"
	"coremem/config"
	"coremem/errs"
)

// Handle names a virtual-page run within one Arena's reserved window.
type Handle = buddy.Handle

// NoHandle is the sentinel "no run" handle.
const NoHandle = buddy.NoHandle

// Descriptor is the virtual-mapping page descriptor of spec §3: the same
// buddy sub-record a physical page.Descriptor carries, but no reference
// count — it is a pure address-space reservation record. Mapped and PFN
// track the run's position in the state machine spec §4.5 describes
// (unreserved -> reserved -> mapped -> reserved -> unreserved).
type Descriptor struct {
	Buddy buddy.Node

	Mapped bool
	PFN    uint32
}

// Node returns the buddy sub-record for d, the Accessor buddy.New needs.
func Node(d *Descriptor) *buddy.Node { return &d.Buddy }

// AddressSpace identifies a page directory the external page-table module
// understands. The arena treats it as an opaque token — spec §1 places
// CR3/page-table mechanics outside the core's scope.
type AddressSpace uint64

// KernelSpace is the sentinel AddressSpace the arena installs its own
// mappings into: every vmap_physical run lives in kernel virtual space by
// definition, regardless of which AddressSpace value the host process uses
// to refer to "the kernel pmap."
const KernelSpace AddressSpace = 0

// PTEFlags are the page-table attribute bits spec §4.5 names.
type PTEFlags uint32

const (
	// Present marks the entry as valid.
	Present PTEFlags = 1 << iota
	// Writable permits stores through the mapping.
	Writable
	// Global exempts the entry from TLB flushes on address-space switch.
	Global
	// UpdAddr tells the page-table module this call replaces an existing
	// mapping's address rather than asserting the PTE was previously
	// empty (spec §4.5's "present | rw | global | upd-addr").
	UpdAddr
)

// PageTables is the external page-table contract of spec §6: "update
// virtual-memory area" (install or clear PTEs for a VA range against a
// supplied page directory) and "clone virtual-memory area" (copy PTEs from
// one page directory to another for a source-to-destination range). The
// arena holds no page-table state of its own; it only calls through this
// interface, injected at construction — the Go rendering of spec §9's
// "never as free functions reaching into module globals."
type PageTables interface {
	// UpdateVMA installs (flags includes Present) or clears (flags omits
	// Present) pages contiguous PTEs starting at vaddr in as, targeting
	// the physical block headed by pfn when installing.
	UpdateVMA(as AddressSpace, vaddr uintptr, pfn uint32, pages int, flags PTEFlags) errs.Errno
	// CloneVMA copies pages PTEs from src's mapping at srcVaddr into
	// dst's mapping at dstVaddr, with the given attribute flags.
	CloneVMA(dst, src AddressSpace, dstVaddr, srcVaddr uintptr, pages int, flags PTEFlags) errs.Errno
}

// KernelBytes is this repo's hosted-harness substitute for "the CPU reads
// memory through whatever the PTE points to": a real kernel moves bytes for
// VMemcpy by ordinary load/store through the mapped virtual address; a
// process hosting this core on a normal OS has no MMU of its own to walk, so
// it resolves a mapped window directly against simulated physical memory
// instead. This is not part of spec §6's two-call page-table contract — it
// exists only so VMemcpy can be exercised on a host.
type KernelBytes interface {
	Bytes(as AddressSpace, vaddr uintptr, n int) []byte
}

// Arena is one virtual-mapping arena: a fixed virtual-address window,
// carved by a dedicated buddy instance, wired to a page-table implementation
// (spec §4.5).
type Arena struct {
	mu    sync.Mutex
	base  uintptr
	pages []Descriptor
	buddy *buddy.Instance[Descriptor]
	pt    PageTables
}

// New reserves an arena of totalPages pages starting at virtual address
// base, carved by a buddy instance with maxOrder orders.
func New(name string, base uintptr, totalPages int, maxOrder int, pt PageTables) *Arena {
	pages := make([]Descriptor, totalPages)
	a := &Arena{base: base, pages: pages, pt: pt}
	a.buddy = buddy.New(name, pages, Node, maxOrder)
	return a
}

// SeedAll marks the entire arena as free, top-order blocks only, mirroring
// zone.Zone.SeedTopOrder (spec §4.6's "initializes the free area with
// top-order blocks only" applies equally to the virtual window at boot).
func (a *Arena) SeedAll() {
	top := a.buddy.MaxOrder() - 1
	step := Handle(1) << uint(top)
	for h := Handle(0); int(h) < len(a.pages); h += step {
		a.buddy.Seed(h, top)
	}
}

// Addr converts a run handle to its virtual address.
func (a *Arena) Addr(h Handle) uintptr {
	return a.base + uintptr(h)*config.PageSize
}

// handleOf is the inverse of Addr, or !ok if addr falls outside the arena.
func (a *Arena) handleOf(addr uintptr) (Handle, bool) {
	if addr < a.base {
		return NoHandle, false
	}
	off := addr - a.base
	if off%config.PageSize != 0 {
		return NoHandle, false
	}
	idx := off / config.PageSize
	if int(idx) >= len(a.pages) {
		return NoHandle, false
	}
	return Handle(idx), true
}

func pagesFor(size int) int {
	return (size + config.PageSize - 1) / config.PageSize
}

func orderFor(pages int) int {
	order := 0
	for (1 << uint(order)) < pages {
		order++
	}
	return order
}

// VmapAlloc rounds size up to whole pages and allocates that much virtual
// space from the arena. No page-table state is touched: unreserved ->
// reserved only (spec §4.5).
func (a *Arena) VmapAlloc(size int) (Handle, errs.Errno) {
	if size <= 0 {
		return NoHandle, errs.EINVAL
	}
	order := orderFor(pagesFor(size))
	return a.buddy.Alloc(order)
}

// VmapPhysical allocates count pages of virtual space and installs PTEs
// mapping them to the contiguous physical block headed by pfn (spec §4.5):
// the combined unreserved -> mapped fast path. On failure the virtual
// allocation, if it succeeded, is released.
func (a *Arena) VmapPhysical(pfn uint32, count int) (uintptr, errs.Errno) {
	if count <= 0 {
		return 0, errs.EINVAL
	}
	h, err := a.VmapAlloc(count * config.PageSize)
	if err != errs.OK {
		return 0, err
	}
	vaddr := a.Addr(h)
	perr := a.pt.UpdateVMA(KernelSpace, vaddr, pfn, count, Present|Writable|Global|UpdAddr)
	if perr != errs.OK {
		order := int(a.buddy.At(h).Buddy.Order)
		a.buddy.Free(h, order)
		return 0, perr
	}
	d := a.buddy.At(h)
	d.Mapped = true
	d.PFN = pfn
	return vaddr, errs.OK
}

// VmapInto clones page-table entries from srcVaddr in mm into the run
// starting at vdesc's virtual address (spec §4.5): used to establish
// temporary cross-address-space windows.
func (a *Arena) VmapInto(mm AddressSpace, vdesc Handle, srcVaddr uintptr, size int) (uintptr, errs.Errno) {
	if int(vdesc) < 0 || int(vdesc) >= len(a.pages) {
		return 0, errs.EINVAL
	}
	pages := pagesFor(size)
	vaddr := a.Addr(vdesc)
	perr := a.pt.CloneVMA(KernelSpace, mm, vaddr, srcVaddr, pages, Present|Writable|UpdAddr)
	if perr != errs.OK {
		return 0, perr
	}
	a.buddy.At(vdesc).Mapped = true
	return vaddr, errs.OK
}

// unmapOnly clears the PTEs covering h's run without releasing the run back
// to the buddy — used by VMemcpy to reuse its two scratch mappings across
// chunks.
func (a *Arena) unmapOnly(h Handle) errs.Errno {
	d := a.buddy.At(h)
	if !d.Mapped {
		return errs.OK
	}
	count := 1 << uint(d.Buddy.Order)
	perr := a.pt.UpdateVMA(KernelSpace, a.Addr(h), 0, count, Global)
	if perr != errs.OK {
		return perr
	}
	d.Mapped = false
	d.PFN = 0
	return errs.OK
}

// Vunmap clears a run's page-table entries (mark not-present, preserve
// Global) and returns the virtual pages to the arena's buddy (spec §4.5):
// mapped -> reserved -> unreserved in one call.
func (a *Arena) Vunmap(vaddr uintptr) errs.Errno {
	h, ok := a.handleOf(vaddr)
	if !ok {
		return errs.EINVAL
	}
	if err := a.unmapOnly(h); err != errs.OK {
		return err
	}
	order := int(a.buddy.At(h).Buddy.Order)
	return a.buddy.Free(h, order)
}

// defaultChunk bounds the buffer size VMemcpy moves per iteration, so a
// huge copy does not hold both scratch mappings installed indefinitely.
const defaultChunk = 16 * config.PageSize

// VMemcpy is the canonical cross-address-space copy primitive of spec
// §4.5: it maps a source window and a destination window into kernel
// virtual space using two scratch mappings, memcpy's in bounded chunks, and
// unmaps after each chunk, finally releasing both scratch runs.
func (a *Arena) VMemcpy(kb KernelBytes, dstAS AddressSpace, dstVaddr uintptr, srcAS AddressSpace, srcVaddr uintptr, n int) errs.Errno {
	if n < 0 {
		return errs.EINVAL
	}
	chunk := defaultChunk
	srcScratch, err := a.VmapAlloc(chunk)
	if err != errs.OK {
		return err
	}
	defer a.Vunmap(a.Addr(srcScratch))
	dstScratch, err := a.VmapAlloc(chunk)
	if err != errs.OK {
		return err
	}
	defer a.Vunmap(a.Addr(dstScratch))

	for off := 0; off < n; off += chunk {
		cn := chunk
		if n-off < cn {
			cn = n - off
		}
		sv, serr := a.VmapInto(srcAS, srcScratch, srcVaddr+uintptr(off), cn)
		if serr != errs.OK {
			return serr
		}
		dv, derr := a.VmapInto(dstAS, dstScratch, dstVaddr+uintptr(off), cn)
		if derr != errs.OK {
			return derr
		}
		copy(kb.Bytes(KernelSpace, dv, cn), kb.Bytes(KernelSpace, sv, cn))
		a.unmapOnly(srcScratch)
		a.unmapOnly(dstScratch)
	}
	return errs.OK
}

// Status is the arena's introspection snapshot, the virtual-window analogue
// of zone.Status (spec §6's observability surface).
type Status struct {
	TotalPages  int
	FreePages   int
	FreeByOrder []int
}

// Status returns a snapshot of the arena's current state.
func (a *Arena) Status() Status {
	return Status{
		TotalPages:  len(a.pages),
		FreePages:   a.buddy.FreePages(),
		FreeByOrder: a.buddy.FreeCount(),
	}
}
