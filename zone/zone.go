// Package zone implements zones and the zone allocator façade (spec §4.2,
// §3's "Zone" and "Memory map"): it resolves allocation-flag tokens to a
// zone, fans allocate/free/introspect calls out to that zone's buddy
// instance, and tracks each zone's free-page count.
package zone

import (
	"sync/atomic"

	"coremem/buddy"
	"coremem/config"
	"coremem/errs"
	"coremem/flags"
	"coremem/page"
	"coremem/trace"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// NoPFN is the "null page" sentinel: FreePages(NoPFN) is the Go rendering
// of spec §4.2's "free_pages(none) -> err" (an error, not a panic).
const NoPFN = ^uint32(0)

// Kind names one of the two zones spec §2 enumerates.
type Kind uint8

const (
	// Normal is the directly-mapped low-memory zone.
	Normal Kind = iota
	// HighMem is the zone with no permanent kernel virtual mapping.
	HighMem
)

func (k Kind) String() string {
	if k == Normal {
		return "Normal"
	}
	return "HighMem"
}

// Zone is one named, disjoint slice of physical memory (spec §3). It owns
// its slice of the descriptor table and a dedicated buddy instance.
type Zone struct {
	Name      string
	Kind      Kind
	StartPFN  uint32
	PageCount int

	PhysStart uint64
	PhysEnd   uint64
	// VirtStart/VirtEnd are zero for a zone with no permanent mapping.
	VirtStart uint64
	VirtEnd   uint64

	Table *page.Table
	Buddy *buddy.Instance[page.Descriptor]

	freePages int64 // pages; mutated only via atomic ops, matching spec §5
}

// FreePages returns the zone's current free-page count.
func (z *Zone) FreePages() int64 { return atomic.LoadInt64(&z.freePages) }

// Bytes returns the zone's total size in bytes.
func (z *Zone) Bytes() uint64 { return uint64(z.PageCount) * config.PageSize }

// Contains reports whether pfn lies within this zone's PFN range.
func (z *Zone) Contains(pfn uint32) bool {
	if pfn < z.StartPFN {
		return false
	}
	off := pfn - z.StartPFN
	return int(off) < z.PageCount
}

// newZone builds a zone over a freshly allocated descriptor table and
// buddy instance, per spec §3's invariant that free_pages starts out
// matching the buddy's own free-space view once seeded (bootmem seeds the
// free area with top-order blocks immediately after this call returns).
func newZone(name string, kind Kind, startPFN uint32, pageCount int, physStart, physEnd, virtStart, virtEnd uint64, maxOrder int) *Zone {
	t := page.NewTable(startPFN, pageCount)
	z := &Zone{
		Name: name, Kind: kind,
		StartPFN: startPFN, PageCount: pageCount,
		PhysStart: physStart, PhysEnd: physEnd,
		VirtStart: virtStart, VirtEnd: virtEnd,
		Table: t,
	}
	z.Buddy = buddy.New(name, t.Descs, page.Node, maxOrder)
	return z
}

// SeedTopOrder marks every maxOrder-1 block in the zone as a free, ROOT
// buddy block. Called once at bootstrap (spec §4.6): "initializes the
// free area with top-order blocks only." The zone's page count must
// already be a multiple of 2^(maxOrder-1); bootmem is responsible for
// rounding zone bounds before calling this.
func (z *Zone) SeedTopOrder() {
	top := z.Buddy.MaxOrder() - 1
	step := buddy.Handle(1) << uint(top)
	for h := buddy.Handle(0); int(h) < z.PageCount; h += step {
		z.Buddy.Seed(h, top)
	}
	atomic.StoreInt64(&z.freePages, int64(z.PageCount))
}

// Status is the introspection snapshot spec §6 calls for: "per-zone total,
// free, and cached counters."
type Status struct {
	Name       string
	Kind       Kind
	TotalPages int
	FreePages  int64
	CachedPages int
	FreeByOrder []int
}

// Status returns a snapshot of the zone's current state.
func (z *Zone) Status() Status {
	return Status{
		Name: z.Name, Kind: z.Kind,
		TotalPages:  z.PageCount,
		FreePages:   z.FreePages(),
		CachedPages: z.Buddy.CachedPages(),
		FreeByOrder: z.Buddy.FreeCount(),
	}
}

// Zones is the zone allocator façade (spec §4.2): the entry point the
// rest of the kernel uses instead of reaching into a specific zone.
type Zones struct {
	Normal  *Zone
	HighMem *Zone
	cfg     config.Params
}

// New creates an empty façade; call Init for each zone before use.
func New(cfg config.Params) *Zones {
	return &Zones{cfg: cfg}
}

// Init constructs and registers a zone. kind selects which façade slot
// (Normal or HighMem) it occupies; spec §2 allows exactly these two.
func (z *Zones) Init(name string, kind Kind, startPFN uint32, pageCount int, physStart, physEnd, virtStart, virtEnd uint64) *Zone {
	zn := newZone(name, kind, startPFN, pageCount, physStart, physEnd, virtStart, virtEnd, z.cfg.MaxOrder)
	switch kind {
	case Normal:
		z.Normal = zn
	case HighMem:
		z.HighMem = zn
	}
	return zn
}

// resolve maps an allocation-flag token to a zone (spec §4.2's
// enumerated mapping). Any other flag is invalid.
func (z *Zones) resolve(f flags.Flag) (*Zone, errs.Errno) {
	if !f.Valid() {
		return nil, errs.EINVAL
	}
	switch f {
	case flags.Kernel, flags.Atomic, flags.NoFS, flags.NoIO, flags.NoWait:
		if z.Normal == nil {
			return nil, errs.EINVAL
		}
		return z.Normal, errs.OK
	case flags.HighUser:
		if z.HighMem == nil {
			return nil, errs.EINVAL
		}
		return z.HighMem, errs.OK
	}
	return nil, errs.EINVAL
}

// findZone scans both zones for containment of pfn (spec §4.2: "determine
// the zone by scanning zones for descriptor containment").
func (z *Zones) findZone(pfn uint32) *Zone {
	if z.Normal != nil && z.Normal.Contains(pfn) {
		return z.Normal
	}
	if z.HighMem != nil && z.HighMem.Contains(pfn) {
		return z.HighMem
	}
	return nil
}

// AllocPages resolves flags to a zone, delegates to its buddy, and on
// success sets the refcount of every descriptor in the 2^order range to 1
// and decrements the zone's free-page count (spec §4.2).
func (z *Zones) AllocPages(f flags.Flag, order int) (uint32, errs.Errno) {
	zn, err := z.resolve(f)
	if err != errs.OK {
		return NoPFN, err
	}
	h, err := zn.Buddy.Alloc(order)
	if err != errs.OK {
		return NoPFN, err
	}
	n := 1 << uint(order)
	for i := 0; i < n; i++ {
		zn.Table.Descs[int(h)+i].SetRefcount(1)
	}
	atomic.AddInt64(&zn.freePages, -int64(n))
	pfn := zn.Table.PFN(h)
	trace.Record(trace.OpAlloc, pfn, order)
	return pfn, errs.OK
}

// FreePages determines the owning zone by containment, clears refcounts,
// delegates to the buddy, and restores the zone's free-page count (spec
// §4.2). Passing NoPFN is an error, not fatal.
func (z *Zones) FreePages(pfn uint32) errs.Errno {
	if pfn == NoPFN {
		return errs.EFAULT
	}
	zn := z.findZone(pfn)
	if zn == nil {
		return errs.EFAULT
	}
	h := zn.Table.Handle(pfn)
	d := &zn.Table.Descs[h]
	order := int(d.Buddy.Order)
	n := 1 << uint(order)
	for i := 0; i < n; i++ {
		zn.Table.Descs[int(h)+i].SetRefcount(0)
	}
	err := zn.Buddy.Free(h, order)
	if err == errs.OK {
		atomic.AddInt64(&zn.freePages, int64(n))
		trace.Record(trace.OpFree, pfn, order)
	}
	return err
}

// Descriptor returns the page descriptor for pfn and the zone it belongs
// to, or (nil, nil) if pfn is not owned by any zone.
func (z *Zones) Descriptor(pfn uint32) (*page.Descriptor, *Zone) {
	zn := z.findZone(pfn)
	if zn == nil {
		return nil, nil
	}
	h := zn.Table.Handle(pfn)
	return &zn.Table.Descs[h], zn
}

// TotalSpace, FreeSpace, and CachedSpace report byte counts for the zone
// selected by f (spec §4.2's introspection surface).
func (z *Zones) TotalSpace(f flags.Flag) (uint64, errs.Errno) {
	zn, err := z.resolve(f)
	if err != errs.OK {
		return 0, err
	}
	return zn.Bytes(), errs.OK
}

func (z *Zones) FreeSpace(f flags.Flag) (uint64, errs.Errno) {
	zn, err := z.resolve(f)
	if err != errs.OK {
		return 0, err
	}
	return uint64(zn.FreePages()) * config.PageSize, errs.OK
}

func (z *Zones) CachedSpace(f flags.Flag) (uint64, errs.Errno) {
	zn, err := z.resolve(f)
	if err != errs.OK {
		return 0, err
	}
	return uint64(zn.Buddy.CachedPages()) * config.PageSize, errs.OK
}

// Status returns the selected zone's introspection snapshot.
func (z *Zones) Status(f flags.Flag) (Status, errs.Errno) {
	zn, err := z.resolve(f)
	if err != errs.OK {
		return Status{}, err
	}
	return zn.Status(), errs.OK
}

// printer formats byte counts with thousands separators, the way a kernel
// /proc-style dump reads for a human at a serial console.
var printer = message.NewPrinter(language.English)

// Dump renders the formatted string spec §6 asks for: "a formatted string
// per-zone reporting free-area counts by order and total free bytes."
func (z *Zones) Dump() string {
	out := ""
	for _, zn := range []*Zone{z.Normal, z.HighMem} {
		if zn == nil {
			continue
		}
		st := zn.Status()
		out += printer.Sprintf("zone %-8s total=%d pages free=%d pages (%d bytes) cached=%d pages\n",
			st.Name, st.TotalPages, st.FreePages, st.FreePages*int64(config.PageSize), st.CachedPages)
		for order, n := range st.FreeByOrder {
			if n == 0 {
				continue
			}
			out += printer.Sprintf("\torder %2d: %d free blocks\n", order, n)
		}
	}
	return out
}
