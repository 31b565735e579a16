package buddy

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"coremem/errs"
)

type testPage struct {
	node Node
}

func node(p *testPage) *Node { return &p.node }

func newTestInstance(t *testing.T, n int, maxOrder int) *Instance[testPage] {
	t.Helper()
	pages := make([]testPage, n)
	in := New("test", pages, node, maxOrder)
	top := maxOrder - 1
	step := Handle(1) << uint(top)
	for h := Handle(0); int(h) < n; h += step {
		in.Seed(h, top)
	}
	return in
}

func TestAllocSplitsDownToOrder(t *testing.T) {
	in := newTestInstance(t, 16, 4)
	h, err := in.Alloc(0)
	if err != errs.OK {
		t.Fatalf("alloc order 0: %v", err)
	}
	// Seed pushes each top-order block at the list head, so the block
	// seeded last (handle 8) is the first one split.
	if h != 8 {
		t.Fatalf("expected first alloc to take handle 8, got %d", h)
	}
	counts := in.FreeCount()
	if counts[0] != 1 || counts[1] != 1 || counts[2] != 1 || counts[3] != 1 {
		t.Fatalf("unexpected free counts after split: %v", counts)
	}
}

func TestFreeCoalescesBackToTop(t *testing.T) {
	in := newTestInstance(t, 16, 4)
	before := in.FreeCount()

	var handles []Handle
	for i := 0; i < 16; i++ {
		h, err := in.Alloc(0)
		if err != errs.OK {
			t.Fatalf("alloc %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	if _, err := in.Alloc(0); err != errs.ENOMEM {
		t.Fatalf("expected ENOMEM once exhausted, got %v", err)
	}
	for _, h := range handles {
		if err := in.Free(h, 0); err != errs.OK {
			t.Fatalf("free %d: %v", h, err)
		}
	}
	after := in.FreeCount()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("order %d: before=%d after=%d", i, before[i], after[i])
		}
	}
}

func TestDoubleFreeDetected(t *testing.T) {
	in := newTestInstance(t, 16, 4)
	h, err := in.Alloc(1)
	if err != errs.OK {
		t.Fatalf("alloc: %v", err)
	}
	if err := in.Free(h, 1); err != errs.OK {
		t.Fatalf("first free: %v", err)
	}
	if err := in.Free(h, 1); err != errs.EDOUBLEFREE {
		t.Fatalf("expected EDOUBLEFREE on second free, got %v", err)
	}
}

func TestFreeNonRootPanics(t *testing.T) {
	in := newTestInstance(t, 16, 4)
	h, err := in.Alloc(2)
	if err != errs.OK {
		t.Fatalf("alloc: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic freeing a non-root descriptor")
		}
	}()
	// h+1 sits inside the order-2 block but is not its ROOT head.
	in.Free(h+1, 0)
}

func TestContiguityOfOrderKBlock(t *testing.T) {
	in := newTestInstance(t, 16, 4)
	h, err := in.Alloc(3)
	if err != errs.OK {
		t.Fatalf("alloc: %v", err)
	}
	if h%8 != 0 {
		t.Fatalf("order-3 block must start aligned to 8, got handle %d", h)
	}
	in.Free(h, 3)
}

func TestOrder0CachePreservesMemoryClean(t *testing.T) {
	in := newTestInstance(t, 64, 4)
	in.EnableCache(4, 8, 16)
	before := in.FreeCount()

	var handles []Handle
	for i := 0; i < 20; i++ {
		h, err := in.CacheAlloc()
		if err != errs.OK {
			t.Fatalf("cache alloc %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		if err := in.CacheFree(h); err != errs.OK {
			t.Fatalf("cache free: %v", err)
		}
	}
	// Drain the cache back to the buddy so FreeCount (which only counts
	// the buddy's own lists, not the cache layer) is directly comparable.
	for in.CachedPages() > 0 {
		in.mu.Lock()
		h := in.cachePop()
		in.mergeAndInsert(0, h)
		in.mu.Unlock()
	}
	after := in.FreeCount()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("order %d: before=%d after=%d", i, before[i], after[i])
		}
	}
}

// TestConcurrentAllocFree exercises the buddy under concurrent callers the
// way an interrupt may preempt a normal-context allocation (spec §5);
// errgroup fans out workers that each allocate-then-free their own blocks,
// so no two goroutines ever contend over the same handle.
func TestConcurrentAllocFree(t *testing.T) {
	in := newTestInstance(t, 256, 8)
	before := in.FreeCount()

	var g errgroup.Group
	for w := 0; w < 16; w++ {
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				h, err := in.Alloc(0)
				if err != errs.OK {
					continue
				}
				if ferr := in.Free(h, 0); ferr != errs.OK {
					t.Errorf("worker free: %v", ferr)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("errgroup: %v", err)
	}
	after := in.FreeCount()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("order %d: before=%d after=%d", i, before[i], after[i])
		}
	}
}
