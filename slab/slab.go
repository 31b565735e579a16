// Package slab implements the slab allocator of spec §4.4: per-cache
// pools of fixed-size objects carved out of buddy-allocated pages, plus a
// general-purpose kmalloc/kfree built on a power-of-two family of such
// caches.
//
// Biscuit has no slab allocator of its own — its kernel objects are Go
// values, garbage collected — so this package is grounded directly on
// spec §3/§4.4's description, with the three-list bookkeeping shaped after
// mem.Physmem_t's free-list discipline in biscuit/src/mem/mem.go
// (_phys_new/_phys_insert) and the per-object intrusive free-list
// threaded through the object's own storage, exactly as that file threads
// Physpg_t.nexti through the page free list.
package slab

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"coremem/config"
	"coremem/errs"
	"coremem/flags"
	"coremem/hostmem"
	"coremem/page"
	"coremem/translate"
	"coremem/zone"

	"golang.org/x/sync/semaphore"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// maxConcurrentRefills bounds how many caches may be mid-refill (holding
// the zone's buddy lock via AllocPages) at the same instant, across the
// whole registry. Each cache already serializes its own refill burst under
// its own mutex; this second gate is what keeps an unrelated storm of
// caches refilling at once from turning into a thundering herd on the
// zone's buddy lock (spec §4.4: "clamped to a max to avoid starvation
// spikes" applies across caches, not just within one).
const maxConcurrentRefills = 4

const noFreeObj = -1

// headerSize is the number of bytes the intrusive free-list node needs at
// the front of an object's storage: one little-endian uint32 naming the
// byte offset of the next free object, or noFreeObj's encoding.
const headerSize = 4

// Cache is one pool of same-sized, same-cache objects (spec §3's
// "Cache"): symbolic name, object geometry, the chosen backing page-block
// order, optional constructor/destructor, and the full/partial/free
// three-list discipline over its slabs.
type Cache struct {
	mu sync.Mutex

	id          uint32
	name        string
	rawSize     int
	alignedSize int
	align       int
	flag        flags.Flag
	order       int // gfp_order: backing block is 2^order pages
	objsPerSlab int
	refillMax   int

	ctor, dtor func([]byte)

	fullHead, partialHead, freeHead page.Handle
	fullCount, partialCount, freeCount int

	total, freeObjs int

	reg *Registry
}

// Each cache's full/partial/free three-lists are threaded through the
// head page descriptor's buddy.Node.Next/Prev fields. A slab page is
// always ROOT and never FREE from its zone's buddy perspective once
// carved out, so those fields are otherwise idle until the slab is
// destroyed and the page returned — the same reuse trick coremem/buddy's
// order-0 cache applies to its own linked list.

// Registry owns every cache, the zone façade and translation surface they
// allocate backing pages through, and the power-of-two kmalloc family
// (spec §4.4's "general-purpose allocator").
type Registry struct {
	mu      sync.Mutex
	zones   *zone.Zones
	surface *translate.Surface
	ram     *hostmem.RAM
	cfg     config.Params

	caches   []*Cache
	byOrder  []*Cache // kmalloc family, indexed by log2(size), len == cfg.MaxKmallocOrder

	refillSem *semaphore.Weighted
}

// NewRegistry builds an empty registry and pre-creates the kmalloc
// power-of-two cache family (spec §4.4: "a fixed family of power-of-two
// caches (sizes 2^0..2^{MAX_KMALLOC_ORDER-1})").
func NewRegistry(zones *zone.Zones, surface *translate.Surface, ram *hostmem.RAM, cfg config.Params) *Registry {
	r := &Registry{zones: zones, surface: surface, ram: ram, cfg: cfg}
	r.refillSem = semaphore.NewWeighted(maxConcurrentRefills)
	r.byOrder = make([]*Cache, cfg.MaxKmallocOrder)
	for k := 0; k < cfg.MaxKmallocOrder; k++ {
		size := 1 << uint(k)
		c, err := r.CacheCreate(fmt.Sprintf("kmalloc-%d", size), size, 8, flags.Kernel, nil, nil)
		if err != errs.OK {
			panic(fmt.Sprintf("slab: failed to build kmalloc-%d cache: %v", size, err))
		}
		r.byOrder[k] = c
	}
	return r
}

func roundUp(n, mult int) int {
	return (n + mult - 1) / mult * mult
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// CacheCreate registers a new cache (spec §4.4): computes aligned_size and
// gfp_order, then carves the cache's first slab so it starts with one slab
// on its free list. If that initial refill fails, the cache is unregistered
// and the refill's error is returned.
func (r *Registry) CacheCreate(name string, rawSize, align int, f flags.Flag, ctor, dtor func([]byte)) (*Cache, errs.Errno) {
	if rawSize <= 0 || align <= 0 {
		return nil, errs.EINVAL
	}
	aligned := roundUp(maxInt(rawSize, headerSize), maxInt(8, align))

	order := 0
	for (1<<uint(order))*config.PageSize < aligned && order < r.cfg.MaxOrder-1 {
		order++
	}
	if (1<<uint(order))*config.PageSize < aligned {
		return nil, errs.EINVAL // object larger than the buddy's biggest block
	}
	objsPerSlab := ((1 << uint(order)) * config.PageSize) / aligned
	if objsPerSlab < 1 {
		return nil, errs.EINVAL
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c := &Cache{
		id: uint32(len(r.caches)), name: name,
		rawSize: rawSize, alignedSize: aligned, align: align,
		flag: f, order: order, objsPerSlab: objsPerSlab,
		refillMax: r.cfg.SlabRefillMax,
		ctor: ctor, dtor: dtor,
		fullHead: page.NoHandle, partialHead: page.NoHandle, freeHead: page.NoHandle,
		reg: r,
	}
	r.caches = append(r.caches, c)
	if err := c.refillOne(); err != errs.OK {
		r.caches[c.id] = nil
		return nil, err
	}
	return c, errs.OK
}

// CacheDestroy frees every slab still held by cache and unregisters it.
// Per spec §4.4 the caller must have already freed every live object; we
// assert that by refusing to destroy a cache with outstanding allocations.
func (r *Registry) CacheDestroy(c *Cache) errs.Errno {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total-c.freeObjs != 0 {
		panic("slab: cache_destroy with live objects outstanding")
	}
	for _, headPtr := range []*page.Handle{&c.fullHead, &c.partialHead, &c.freeHead} {
		for *headPtr != page.NoHandle {
			h := *headPtr
			next := c.listNext(h)
			c.freeSlabPage(h)
			*headPtr = next
		}
	}
	r.mu.Lock()
	r.caches[c.id] = nil
	r.mu.Unlock()
	return errs.OK
}

// listNext/listRemove/listPush operate on the zone's descriptor table
// directly, since the three-lists are threaded through the same
// Next/Prev fields the buddy free-lists use on an unallocated page — here
// reused on an allocated ROOT page, which the buddy never touches again
// until Free is called.
func (c *Cache) desc(h page.Handle) *page.Descriptor {
	d, _ := c.reg.zones.Descriptor(c.reg.zones.Normal.Table.PFN(h))
	return d
}

func (c *Cache) listNext(h page.Handle) page.Handle { return c.desc(h).Buddy.Next }
func (c *Cache) listPrev(h page.Handle) page.Handle { return c.desc(h).Buddy.Prev }

func (c *Cache) listRemove(head *page.Handle, h page.Handle) {
	d := c.desc(h)
	if d.Buddy.Prev != page.NoHandle {
		c.desc(d.Buddy.Prev).Buddy.Next = d.Buddy.Next
	} else {
		*head = d.Buddy.Next
	}
	if d.Buddy.Next != page.NoHandle {
		c.desc(d.Buddy.Next).Buddy.Prev = d.Buddy.Prev
	}
	d.Buddy.Next, d.Buddy.Prev = page.NoHandle, page.NoHandle
}

func (c *Cache) listPush(head *page.Handle, h page.Handle) {
	d := c.desc(h)
	d.Buddy.Prev = page.NoHandle
	d.Buddy.Next = *head
	if *head != page.NoHandle {
		c.desc(*head).Buddy.Prev = h
	}
	*head = h
}

// slabStorage returns the byte window backing a slab's object storage.
func (c *Cache) slabStorage(head page.Handle) []byte {
	pfn := c.reg.zones.Normal.Table.PFN(head)
	phys := uintptr(pfn) * config.PageSize
	return c.reg.ram.Slice(phys, (1<<uint(c.order))*config.PageSize)
}

func putNext(obj []byte, next int) {
	v := uint32(next)
	if next == noFreeObj {
		v = 0xffffffff
	}
	binary.LittleEndian.PutUint32(obj, v)
}

func getNext(obj []byte) int {
	v := binary.LittleEndian.Uint32(obj)
	if v == 0xffffffff {
		return noFreeObj
	}
	return int(v)
}

// refillOne carves one new slab out of the buddy and threads its free
// list, per spec §4.4: "on slab creation the allocator walks the slab
// laying down total_count free nodes."
func (c *Cache) refillOne() errs.Errno {
	if err := c.reg.refillSem.Acquire(context.Background(), 1); err != nil {
		return errs.ENOMEM
	}
	defer c.reg.refillSem.Release(1)

	pfn, err := c.reg.zones.AllocPages(c.flag, c.order)
	if err != errs.OK {
		return err
	}
	head := c.reg.zones.Normal.Table.Handle(pfn)
	d := c.desc(head)
	d.Slab = page.SlabInfo{Kind: page.SlabHead, CacheID: c.id, Total: c.objsPerSlab, Free: c.objsPerSlab, FreeObj: 0}

	n := 1 << uint(c.order)
	for i := 1; i < n; i++ {
		bd := c.desc(head + page.Handle(i))
		bd.Slab = page.SlabInfo{Kind: page.SlabBody, Head: head}
	}

	storage := c.slabStorage(head)
	for i := 0; i < c.objsPerSlab; i++ {
		obj := storage[i*c.alignedSize : (i+1)*c.alignedSize]
		next := noFreeObj
		if i+1 < c.objsPerSlab {
			next = (i + 1) * c.alignedSize
		}
		putNext(obj, next)
	}

	c.listPush(&c.freeHead, head)
	c.freeCount++
	c.total += c.objsPerSlab
	c.freeObjs += c.objsPerSlab
	return errs.OK
}

func (c *Cache) freeSlabPage(head page.Handle) {
	n := 1 << uint(c.order)
	pfn := c.reg.zones.Normal.Table.PFN(head)
	for i := 0; i < n; i++ {
		c.desc(head + page.Handle(i)).Slab = page.SlabInfo{}
	}
	c.reg.zones.FreePages(pfn)
}

// Alloc takes one object from the cache (spec §4.4 cache_alloc):
// promotes a free slab to partial if necessary, refilling from the buddy
// when both partial and free are empty, pops the head of the chosen
// slab's free-list, and runs the constructor if set. Returns the object's
// kernel virtual address.
func (c *Cache) Alloc() (uintptr, errs.Errno) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.partialHead == page.NoHandle {
		if c.freeHead == page.NoHandle {
			// Refill in bulk, up to refillMax slabs, so a burst of
			// allocations does not retake the zone's buddy lock once
			// per object (spec §4.4: "clamped to a max to avoid
			// starvation spikes").
			var lastErr errs.Errno = errs.OK
			for i := 0; i < c.refillMax; i++ {
				lastErr = c.refillOne()
				if lastErr != errs.OK {
					break
				}
			}
			if c.freeHead == page.NoHandle {
				return 0, lastErr
			}
		}
		h := c.freeHead
		c.listRemove(&c.freeHead, h)
		c.freeCount--
		c.listPush(&c.partialHead, h)
		c.partialCount++
	}

	head := c.partialHead
	d := c.desc(head)
	objIdx := d.Slab.FreeObj
	storage := c.slabStorage(head)
	obj := storage[objIdx : objIdx+c.alignedSize]
	d.Slab.FreeObj = getNext(obj)
	d.Slab.Free--
	c.freeObjs--

	if d.Slab.Free == 0 {
		c.listRemove(&c.partialHead, head)
		c.partialCount--
		c.listPush(&c.fullHead, head)
		c.fullCount++
	}

	if c.ctor != nil {
		c.ctor(obj)
	}

	pfn := c.reg.zones.Normal.Table.PFN(head)
	base, verr := c.reg.surface.PageToVirt(pfn)
	if verr != errs.OK {
		panic("slab: backing page has no kernel mapping — zone misconfiguration")
	}
	return base + uintptr(objIdx), errs.OK
}

// Free returns an object to its slab (spec §4.4 cache_free): recovers the
// head page from the descriptor's tagged slab field, runs the destructor,
// pushes the object onto the slab's free-list, and updates state-list
// membership.
func (c *Cache) Free(addr uintptr) errs.Errno {
	pfn, err := c.reg.surface.VirtToPage(addr)
	if err != errs.OK {
		return err
	}
	d, zn := c.reg.zones.Descriptor(pfn)
	if zn == nil {
		return errs.EFAULT
	}
	var head page.Handle
	switch d.Slab.Kind {
	case page.SlabHead:
		head = c.reg.zones.Normal.Table.Handle(pfn)
	case page.SlabBody:
		head = d.Slab.Head
	default:
		panic("slab: free of an address whose page is not a slab page")
	}

	hd := c.desc(head)
	if hd.Slab.CacheID != c.id {
		panic("slab: free of an object into the wrong cache")
	}

	headPFN := c.reg.zones.Normal.Table.PFN(head)
	headBase, verr := c.reg.surface.PageToVirt(headPFN)
	if verr != errs.OK {
		panic("slab: slab head page has no kernel mapping")
	}
	objIdx := int(addr - headBase)
	storage := c.slabStorage(head)
	obj := storage[objIdx : objIdx+c.alignedSize]

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dtor != nil {
		c.dtor(obj)
	}

	wasFull := hd.Slab.Free == 0
	putNext(obj, hd.Slab.FreeObj)
	hd.Slab.FreeObj = objIdx
	hd.Slab.Free++
	c.freeObjs++

	if wasFull {
		c.listRemove(&c.fullHead, head)
		c.fullCount--
		c.listPush(&c.partialHead, head)
		c.partialCount++
	} else if hd.Slab.Free == hd.Slab.Total {
		c.listRemove(&c.partialHead, head)
		c.partialCount--
		c.listPush(&c.freeHead, head)
		c.freeCount++
	}
	return errs.OK
}

// Name, ObjSize, and Status expose the cache's identity and current
// bookkeeping for observability (spec §6).
func (c *Cache) Name() string  { return c.name }
func (c *Cache) ObjSize() int  { return c.rawSize }

// Status is the introspection snapshot for one cache.
type Status struct {
	Name                           string
	AlignedSize                    int
	Total, Free                    int
	FullSlabs, PartialSlabs, FreeSlabs int
}

func (c *Cache) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Name: c.name, AlignedSize: c.alignedSize,
		Total: c.total, Free: c.freeObjs,
		FullSlabs: c.fullCount, PartialSlabs: c.partialCount, FreeSlabs: c.freeCount,
	}
}

var printer = message.NewPrinter(language.English)

// Dump renders every registered cache's Status as the human-readable,
// per-cache observability surface spec §6 asks for, formatted through a
// message.Printer for thousands-separated counts.
func (r *Registry) Dump() string {
	r.mu.Lock()
	caches := append([]*Cache(nil), r.caches...)
	r.mu.Unlock()

	out := ""
	for _, c := range caches {
		if c == nil {
			continue
		}
		st := c.Status()
		out += printer.Sprintf("cache %-16s objsize=%d total=%d free=%d (full=%d partial=%d free_slabs=%d)\n",
			st.Name, st.AlignedSize, st.Total, st.Free, st.FullSlabs, st.PartialSlabs, st.FreeSlabs)
	}
	return out
}

// nextPow2 returns the smallest power of two >= n, and its exponent.
func nextPow2(n int) (int, int) {
	if n <= 1 {
		return 1, 0
	}
	k := 0
	v := 1
	for v < n {
		v <<= 1
		k++
	}
	return v, k
}

// Kmalloc rounds size up to the next power of two and serves it from the
// matching kmalloc-family cache, or from the raw-page path for requests
// too large for the family (spec §4.4).
func (r *Registry) Kmalloc(size int) (uintptr, errs.Errno) {
	if size <= 0 {
		return 0, errs.EINVAL
	}
	_, k := nextPow2(size)
	if k < len(r.byOrder) {
		return r.byOrder[k].Alloc()
	}
	order := 0
	for (1<<uint(order))*config.PageSize < size && order < r.cfg.MaxOrder-1 {
		order++
	}
	return r.surface.AllocPagesLowmem(flags.Kernel, order)
}

// Kfree inspects the descriptor of the page containing ptr and dispatches
// to the owning cache's Free, or to the raw-page path (spec §4.4).
func (r *Registry) Kfree(ptr uintptr) errs.Errno {
	pfn, err := r.surface.VirtToPage(ptr)
	if err != errs.OK {
		return err
	}
	d, zn := r.zones.Descriptor(pfn)
	if zn == nil {
		return errs.EFAULT
	}
	switch d.Slab.Kind {
	case page.SlabHead:
		r.mu.Lock()
		c := r.caches[d.Slab.CacheID]
		r.mu.Unlock()
		return c.Free(ptr)
	case page.SlabBody:
		headPFN := zn.Table.PFN(d.Slab.Head)
		hd, _ := r.zones.Descriptor(headPFN)
		r.mu.Lock()
		c := r.caches[hd.Slab.CacheID]
		r.mu.Unlock()
		return c.Free(ptr)
	default:
		return r.surface.FreePagesLowmem(ptr)
	}
}
