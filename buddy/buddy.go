// Package buddy implements the generic buddy-allocator algorithm described
// in spec §4.1. It is written once and parameterized over the descriptor
// type via an accessor closure, so the same split/merge/free-list code
// drives both the physical-page zones (coremem/zone) and the
// virtual-mapping arena (coremem/vmm) — the idiomatic-Go rendering of
// spec §9's "parametric polymorphism over descriptor type, stride, and
// byte offset" guidance, without resorting to unsafe pointer arithmetic.
package buddy

import (
	"sync"

	"coremem/errs"
	"coremem/flags"
)

// Handle indexes a descriptor within the array an Instance manages. It is
// always relative to the start of that array, not a global PFN or address;
// callers translate to/from PFNs or virtual addresses at a higher layer.
type Handle uint32

// NoHandle is the sentinel for "no descriptor" (end of a free list, a
// failed lookup).
const NoHandle Handle = ^Handle(0)

// Node is the buddy sub-record embedded in every descriptor type this
// package manages (spec §3's "buddy sub-record (order, sibling/cache
// linkage)"). It carries no payload of its own beyond what the algorithm
// needs: order, the FREE/ROOT bits, and free-list linkage.
type Node struct {
	Order uint8
	Bits  flags.Bits
	Next  Handle
	Prev  Handle
}

// Accessor reaches into a caller-owned descriptor array to find the Node
// embedded in element t. Every Instance method goes through this function
// instead of assuming a struct layout.
type Accessor[T any] func(t *T) *Node

type freeList struct {
	head  Handle
	count int
}

// Instance is one buddy allocator over a contiguous descriptor array.
// Exactly spec §3's "Buddy instance": a symbolic name, the managed
// descriptors, and the free-area array.
type Instance[T any] struct {
	mu       sync.Mutex
	name     string
	pages    []T
	node     Accessor[T]
	maxOrder int
	free     []freeList

	cacheEnabled            bool
	cacheHead               Handle
	cacheSize               int
	cacheLow, cacheMid, cacheHigh int
}

// New creates a buddy instance over pages, with maxOrder distinct orders
// (0..maxOrder-1). No descriptor starts out free; callers seed free blocks
// with Seed (bootstrap) or Free (returning a previously allocated block).
func New[T any](name string, pages []T, node Accessor[T], maxOrder int) *Instance[T] {
	if maxOrder <= 0 {
		panic("buddy: maxOrder must be positive")
	}
	return &Instance[T]{
		name:     name,
		pages:    pages,
		node:     node,
		maxOrder: maxOrder,
		free:     make([]freeList, maxOrder),
		cacheHead: NoHandle,
	}
}

// Name returns the buddy instance's symbolic name.
func (in *Instance[T]) Name() string { return in.name }

// Len returns the number of descriptors this instance manages.
func (in *Instance[T]) Len() int { return len(in.pages) }

// MaxOrder returns one past the highest order this instance supports.
func (in *Instance[T]) MaxOrder() int { return in.maxOrder }

// At returns a pointer to the descriptor named by h. Panics on an
// out-of-range handle: callers must only pass handles this instance
// produced or that are known to be in range (e.g. PFN-derived).
func (in *Instance[T]) At(h Handle) *T {
	return &in.pages[h]
}

func (in *Instance[T]) nodeAt(h Handle) *Node {
	return in.node(&in.pages[h])
}

func buddyOf(p Handle, order int) Handle {
	return p ^ (1 << uint(order))
}

func parentOf(p Handle, order int) Handle {
	return p &^ (1 << uint(order))
}

// listRemove unlinks h from the order-k free list. The caller must already
// know h is on that list.
func (in *Instance[T]) listRemove(order int, h Handle) {
	n := in.nodeAt(h)
	if n.Prev != NoHandle {
		in.nodeAt(n.Prev).Next = n.Next
	} else {
		in.free[order].head = n.Next
	}
	if n.Next != NoHandle {
		in.nodeAt(n.Next).Prev = n.Prev
	}
	n.Next, n.Prev = NoHandle, NoHandle
	in.free[order].count--
}

// listPushFront inserts h at the head of the order-k free list (spec
// §4.1: "split discards insert at list head").
func (in *Instance[T]) listPushFront(order int, h Handle) {
	n := in.nodeAt(h)
	old := in.free[order].head
	n.Prev = NoHandle
	n.Next = old
	if old != NoHandle {
		in.nodeAt(old).Prev = h
	}
	in.free[order].head = h
	in.free[order].count++
}

// Seed marks the block starting at h as a free, ROOT block of the given
// order, without attempting to merge it with a buddy. Used only at
// bootstrap to populate a zone's free area with top-order blocks (spec
// §4.6): "initializes the free area with top-order blocks only."
func (in *Instance[T]) Seed(h Handle, order int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := in.nodeAt(h)
	n.Order = uint8(order)
	n.Bits = flags.Free | flags.Root
	in.listPushFront(order, h)
}

// Alloc searches the free-area lists from order upward, takes the first
// non-empty one, and splits it down to order, per spec §4.1.
func (in *Instance[T]) Alloc(order int) (Handle, errs.Errno) {
	if order < 0 || order >= in.maxOrder {
		return NoHandle, errs.EINVAL
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.allocLocked(order)
}

func (in *Instance[T]) allocLocked(order int) (Handle, errs.Errno) {
	src := order
	for src < in.maxOrder && in.free[src].count == 0 {
		src++
	}
	if src == in.maxOrder {
		return NoHandle, errs.ENOMEM
	}

	h := in.free[src].head
	in.listRemove(src, h)

	// Split down from src to order, placing each discarded half on the
	// free-list one level below (spec §4.1).
	for k := src; k > order; k-- {
		half := buddyOf(h, k-1)
		hn := in.nodeAt(half)
		hn.Order = uint8(k - 1)
		hn.Bits = flags.Free | flags.Root
		in.listPushFront(k-1, half)
	}

	head := in.nodeAt(h)
	head.Order = uint8(order)
	head.Bits = flags.Root // cleared FREE, kept ROOT
	return h, errs.OK
}

// Free returns a previously allocated ROOT block to the free area,
// coalescing with its buddy whenever possible, per spec §4.1. Freeing a
// descriptor that is not a currently-allocated ROOT block is a caller
// error: a not-ROOT descriptor cannot have been returned by Alloc, and an
// already-FREE one is a double free.
func (in *Instance[T]) Free(h Handle, order int) errs.Errno {
	if order < 0 || order >= in.maxOrder {
		return errs.EINVAL
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	n := in.nodeAt(h)
	if !n.Bits.Has(flags.Root) {
		panic("buddy: free of non-root descriptor — caller corruption")
	}
	if n.Bits.Has(flags.Free) {
		return errs.EDOUBLEFREE
	}
	if int(n.Order) != order {
		panic("buddy: free with mismatched order — caller corruption")
	}
	in.mergeAndInsert(order, h)
	return errs.OK
}

// mergeAndInsert performs the coalescing walk shared by Free and the
// order-0 cache's buddy-facing free path: starting at order k and handle
// h, merge with the buddy while it is FREE, ROOT, and of the same order,
// then insert the resulting head on its free-list.
func (in *Instance[T]) mergeAndInsert(order int, h Handle) {
	k := order
	cur := h
	for k < in.maxOrder-1 {
		bud := buddyOf(cur, k)
		if int(bud) >= len(in.pages) {
			break
		}
		bn := in.nodeAt(bud)
		if !bn.Bits.Has(flags.Free) || !bn.Bits.Has(flags.Root) || int(bn.Order) != k {
			break
		}
		// Merge: remove the buddy from its list, clear ROOT from
		// whichever of the two has the higher index, advance to k+1.
		in.listRemove(k, bud)
		head := parentOf(cur, k)
		var loser Handle
		if head == cur {
			loser = bud
		} else {
			loser = cur
		}
		in.nodeAt(loser).Bits = in.nodeAt(loser).Bits.Clear(flags.Root)
		cur = head
		k++
	}

	final := in.nodeAt(cur)
	final.Order = uint8(k)
	final.Bits = flags.Free | flags.Root
	in.listPushFront(k, cur)
}

// FreeCount returns the number of free blocks at each order.
func (in *Instance[T]) FreeCount() []int {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]int, in.maxOrder)
	for i := range in.free {
		out[i] = in.free[i].count
	}
	return out
}

// FreePages returns the total number of free pages (order-0 units)
// currently on the buddy's own free lists, not counting the order-0
// cache layer.
func (in *Instance[T]) FreePages() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	total := 0
	for order, fl := range in.free {
		total += fl.count << uint(order)
	}
	return total
}

// EnableCache turns on the order-0 cache layer with the given watermarks
// (spec §4.1). Disabled by default so the buddy can be unit-tested with
// and without cache effects, per spec §9.
func (in *Instance[T]) EnableCache(low, mid, high int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.cacheEnabled = true
	in.cacheLow, in.cacheMid, in.cacheHigh = low, mid, high
}

// CacheAlloc returns one order-0 block, refilling from the buddy in bulk
// when the cache is running low (spec §4.1). Cached pages remain
// refcount-zero from the buddy's perspective; the caller layer (e.g. the
// slab allocator) is responsible for treating them as allocated.
func (in *Instance[T]) CacheAlloc() (Handle, errs.Errno) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.cacheEnabled {
		return in.allocLocked(0)
	}
	if in.cacheSize < in.cacheLow {
		for in.cacheSize < in.cacheMid {
			h, err := in.allocLocked(0)
			if err != errs.OK {
				break
			}
			in.cachePush(h)
		}
	}
	if in.cacheSize == 0 {
		return in.allocLocked(0)
	}
	return in.cachePop(), errs.OK
}

// CacheFree returns an order-0 block to the cache, spilling back to the
// buddy in bulk once the cache exceeds its high watermark.
func (in *Instance[T]) CacheFree(h Handle) errs.Errno {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.cacheEnabled {
		return in.freeLockedRoot0(h)
	}
	in.cachePush(h)
	if in.cacheSize > in.cacheHigh {
		for in.cacheSize > in.cacheMid {
			v := in.cachePop()
			in.freeLockedRoot0(v)
		}
	}
	return errs.OK
}

func (in *Instance[T]) freeLockedRoot0(h Handle) errs.Errno {
	n := in.nodeAt(h)
	if !n.Bits.Has(flags.Root) {
		panic("buddy: free of non-root descriptor — caller corruption")
	}
	if n.Bits.Has(flags.Free) {
		return errs.EDOUBLEFREE
	}
	in.mergeAndInsert(0, h)
	return errs.OK
}

// cachePush/cachePop thread cache membership through Node.Next, reusing
// the same free-list linkage the order-0 buddy list uses; the two are
// mutually exclusive per descriptor so there is no conflict.
func (in *Instance[T]) cachePush(h Handle) {
	n := in.nodeAt(h)
	n.Next = in.cacheHead
	n.Prev = NoHandle
	if in.cacheHead != NoHandle {
		in.nodeAt(in.cacheHead).Prev = h
	}
	in.cacheHead = h
	in.cacheSize++
}

func (in *Instance[T]) cachePop() Handle {
	h := in.cacheHead
	n := in.nodeAt(h)
	in.cacheHead = n.Next
	if in.cacheHead != NoHandle {
		in.nodeAt(in.cacheHead).Prev = NoHandle
	}
	n.Next, n.Prev = NoHandle, NoHandle
	in.cacheSize--
	return h
}

// CachedPages reports how many order-0 pages currently sit in the cache
// layer (spec §4.1's "cached bytes separately" introspection).
func (in *Instance[T]) CachedPages() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cacheSize
}
