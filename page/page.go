// Package page implements the physical page descriptor table (spec §3,
// §4.6): a dense array indexed by PFN, each entry carrying a reference
// count, a buddy sub-record, and a slab sub-record.
//
// Following spec §9's "reference counts and ownership" guidance, physical
// pages are not owned by their allocators in the usual Go sense — they are
// indices into a global table. Callers hold a PFN or a table-relative
// Handle, never a pointer into the table; Table provides Get, and the
// Descriptor it returns provides Refcount/IncRef/DecRef.
// This mirrors biscuit/src/mem.Physmem_t, which keeps the refcount on the
// mem_map entry rather than on whatever holds the page.
package page

import (
	"sync/atomic"

	"coremem/buddy"
)

// Handle is a page's PFN, relative to the Table's base (see Table.BasePFN).
type Handle = buddy.Handle

// NoHandle is the sentinel "no page" handle.
const NoHandle = buddy.NoHandle

// SlabKind tags the SlabInfo sum type (spec §9: "owning cache on the head
// page, head pointer on non-head pages, null otherwise" modeled as a
// three-variant sum type rather than a raw tagged pointer).
type SlabKind uint8

const (
	// SlabNone marks a page that is not part of any slab.
	SlabNone SlabKind = iota
	// SlabHead marks the first page of a slab-allocated block; it owns
	// the per-slab free-list and object counts.
	SlabHead
	// SlabBody marks a non-head page of a multi-page slab block; it
	// only names its head page.
	SlabBody
)

// SlabInfo is the per-page slab sub-record (spec §3). Only the fields
// relevant to Kind are meaningful; callers must check Kind before reading
// the rest, exactly as a sum-type match would force them to.
type SlabInfo struct {
	Kind SlabKind

	// CacheID names the owning cache's registry slot. Valid when
	// Kind == SlabHead.
	CacheID uint32

	// Head names the slab's head page. Valid when Kind == SlabBody.
	Head Handle

	// Total is the number of objects the slab was carved into. Valid
	// when Kind == SlabHead.
	Total int

	// Free is the number of objects currently on the free-list. Valid
	// when Kind == SlabHead. Invariant: 0 <= Free <= Total.
	Free int

	// FreeObj is the offset, within the slab's page-block storage, of
	// the first free object (the head of the intrusive free-list
	// threaded through object storage). Valid when Kind == SlabHead.
	// -1 means the free-list is empty.
	FreeObj int
}

// Descriptor is one physical page descriptor: the buddy sub-record shared
// with the virtual-mapping arena's descriptor type, an atomic reference
// count, and the slab sub-record.
type Descriptor struct {
	Buddy buddy.Node

	refcount int32

	Slab SlabInfo
}

// Node returns the buddy sub-record pointer for d — the Accessor the
// buddy package needs to drive this descriptor type generically.
func Node(d *Descriptor) *buddy.Node { return &d.Buddy }

// Refcount returns the current reference count with a relaxed load, per
// spec §5 ("reading a refcount is a relaxed load").
func (d *Descriptor) Refcount() int {
	return int(atomic.LoadInt32(&d.refcount))
}

// IncRef atomically increments the reference count.
func (d *Descriptor) IncRef() int32 {
	c := atomic.AddInt32(&d.refcount, 1)
	if c <= 0 {
		panic("page: refcount overflow or use of a free descriptor")
	}
	return c
}

// DecRef atomically decrements the reference count and returns the new
// value. Decrementing past zero is a caller bug.
func (d *Descriptor) DecRef() int32 {
	c := atomic.AddInt32(&d.refcount, -1)
	if c < 0 {
		panic("page: refcount underflow — double free of a reference")
	}
	return c
}

// SetRefcount forces the reference count to n. Used only by the zone
// façade immediately after a buddy allocation/free, where the count
// transitions atomically from the allocator's point of view (spec §4.2:
// "set refcount of every descriptor in the 2^order range to 1" /
// "clear refcounts to 0").
func (d *Descriptor) SetRefcount(n int32) {
	atomic.StoreInt32(&d.refcount, n)
}

// Table is a dense, handle-indexed array of page descriptors covering one
// zone's PFN range (spec §3's "dense array indexed by physical page frame
// number"). BasePFN is the PFN of descriptor 0.
type Table struct {
	BasePFN uint32
	Descs   []Descriptor
}

// NewTable allocates a table of n descriptors starting at basePFN.
func NewTable(basePFN uint32, n int) *Table {
	return &Table{BasePFN: basePFN, Descs: make([]Descriptor, n)}
}

// Get returns the descriptor for pfn and whether pfn falls within this
// table's range.
func (t *Table) Get(pfn uint32) (*Descriptor, bool) {
	if pfn < t.BasePFN {
		return nil, false
	}
	idx := pfn - t.BasePFN
	if int(idx) >= len(t.Descs) {
		return nil, false
	}
	return &t.Descs[idx], true
}

// Handle converts a PFN to this table's local handle, or NoHandle if out
// of range.
func (t *Table) Handle(pfn uint32) Handle {
	if pfn < t.BasePFN || int(pfn-t.BasePFN) >= len(t.Descs) {
		return NoHandle
	}
	return Handle(pfn - t.BasePFN)
}

// PFN converts a local handle back to a global PFN.
func (t *Table) PFN(h Handle) uint32 {
	return t.BasePFN + uint32(h)
}
