package slab

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"coremem/config"
	"coremem/errs"
	"coremem/hostmem"
	"coremem/translate"
	"coremem/zone"
)

func testSetup(t *testing.T) (*zone.Zones, *translate.Surface, *hostmem.RAM, config.Params) {
	t.Helper()
	cfg := config.Params{MaxOrder: 6, MaxKmallocOrder: 10, CacheLowWatermark: 2, CacheMidWatermark: 4, CacheHighWatermark: 8, SlabRefillMax: 2}
	top := uint32(1) << uint(cfg.MaxOrder-1)
	totalPages := top * 8

	ram, err := hostmem.New(int(totalPages) * config.PageSize)
	if err != nil {
		t.Fatalf("hostmem.New: %v", err)
	}
	t.Cleanup(func() { ram.Close() })

	z := zone.New(cfg)
	z.Init("Normal", zone.Normal, 0, int(totalPages), 0, uint64(totalPages)*config.PageSize,
		0x2000_0000, 0x2000_0000+uint64(totalPages)*config.PageSize).SeedTopOrder()

	s := translate.New(z)
	return z, s, ram, cfg
}

// TestS3KmallocAlignment is spec §8 scenario S3 / testable property 6.
func TestS3KmallocAlignment(t *testing.T) {
	z, s, ram, cfg := testSetup(t)
	reg := NewRegistry(z, s, ram, cfg)

	before := z.Normal.FreePages()
	for _, n := range []int{1, 2, 4, 8, 16, 32, 64, 128} {
		p, err := reg.Kmalloc(n)
		if err != errs.OK {
			t.Fatalf("kmalloc(%d): %v", n, err)
		}
		if p%uintptr(n) != 0 {
			t.Fatalf("kmalloc(%d) returned unaligned address %x", n, p)
		}
		if err := reg.Kfree(p); err != errs.OK {
			t.Fatalf("kfree(%d): %v", n, err)
		}
	}
	if z.Normal.FreePages() != before {
		t.Fatalf("free-page count not restored: before=%d after=%d", before, z.Normal.FreePages())
	}
}

// TestKmallocLargeFallsThroughToRawPages exercises a request above the
// power-of-two cache family, spec §4.4's raw-page fallback.
func TestKmallocLargeFallsThroughToRawPages(t *testing.T) {
	z, s, ram, cfg := testSetup(t)
	reg := NewRegistry(z, s, ram, cfg)

	before := z.Normal.FreePages()
	p, err := reg.Kmalloc(4096)
	if err != errs.OK {
		t.Fatalf("kmalloc(4096): %v", err)
	}
	if p%config.PageSize != 0 {
		t.Fatalf("expected page-aligned address for a page-sized request, got %x", p)
	}
	if err := reg.Kfree(p); err != errs.OK {
		t.Fatalf("kfree: %v", err)
	}
	if z.Normal.FreePages() != before {
		t.Fatalf("free-page count not restored")
	}
}

// TestSlabRecovery is spec §8 testable property 7: a cache_alloc/cache_free
// pair restores the owning cache's free count.
func TestSlabRecovery(t *testing.T) {
	z, s, ram, cfg := testSetup(t)
	reg := NewRegistry(z, s, ram, cfg)

	c, err := reg.CacheCreate("widget", 48, 8, 0, nil, nil)
	if err != errs.OK {
		t.Fatalf("cache_create: %v", err)
	}

	var objs []uintptr
	for i := 0; i < 20; i++ {
		o, err := c.Alloc()
		if err != errs.OK {
			t.Fatalf("cache_alloc %d: %v", i, err)
		}
		objs = append(objs, o)
	}
	for _, o := range objs {
		if err := c.Free(o); err != errs.OK {
			t.Fatalf("cache_free: %v", err)
		}
	}
	if st := c.Status(); st.Free != st.Total {
		t.Fatalf("expected free == total after returning every object, got free=%d total=%d", st.Free, st.Total)
	}
}

func TestCacheConstructorDestructorRun(t *testing.T) {
	z, s, ram, cfg := testSetup(t)
	reg := NewRegistry(z, s, ram, cfg)

	var ctorCalls, dtorCalls int
	ctor := func(b []byte) { ctorCalls++; b[0] = 0xAB }
	dtor := func(b []byte) { dtorCalls++ }

	c, err := reg.CacheCreate("ctor-widget", 16, 8, 0, ctor, dtor)
	if err != errs.OK {
		t.Fatalf("cache_create: %v", err)
	}
	o, err := c.Alloc()
	if err != errs.OK {
		t.Fatalf("alloc: %v", err)
	}
	if ctorCalls != 1 {
		t.Fatalf("expected ctor to run once, ran %d times", ctorCalls)
	}
	if err := c.Free(o); err != errs.OK {
		t.Fatalf("free: %v", err)
	}
	if dtorCalls != 1 {
		t.Fatalf("expected dtor to run once, ran %d times", dtorCalls)
	}
}

func TestCacheThreeListTransitions(t *testing.T) {
	z, s, ram, cfg := testSetup(t)
	reg := NewRegistry(z, s, ram, cfg)

	c, err := reg.CacheCreate("tiny", 256, 8, 0, nil, nil)
	if err != errs.OK {
		t.Fatalf("cache_create: %v", err)
	}
	st := c.Status()
	if st.FreeSlabs == 0 && st.PartialSlabs == 0 && st.FullSlabs == 0 {
		t.Fatalf("expected at least one slab after create, got all-zero status")
	}

	var objs []uintptr
	for i := 0; i < st.Total; i++ {
		o, err := c.Alloc()
		if err != errs.OK {
			t.Fatalf("alloc %d: %v", i, err)
		}
		objs = append(objs, o)
	}
	if got := c.Status(); got.FullSlabs == 0 || got.PartialSlabs != 0 || got.FreeSlabs != 0 {
		t.Fatalf("expected every slab full after draining total objects, got %+v", got)
	}
	for _, o := range objs {
		if err := c.Free(o); err != errs.OK {
			t.Fatalf("free: %v", err)
		}
	}
	if got := c.Status(); got.FreeSlabs == 0 || got.PartialSlabs != 0 || got.FullSlabs != 0 {
		t.Fatalf("expected every slab free after returning every object, got %+v", got)
	}
}

// TestConcurrentAllocAcrossCaches takes the first object from several
// caches at once. Each cache already holds the slab CacheCreate carved for
// it, so the concurrent allocations share the registry but not a cache.
func TestConcurrentAllocAcrossCaches(t *testing.T) {
	z, s, ram, cfg := testSetup(t)
	reg := NewRegistry(z, s, ram, cfg)

	var caches []*Cache
	for i := 0; i < 8; i++ {
		c, err := reg.CacheCreate("fanout", 64, 8, 0, nil, nil)
		if err != errs.OK {
			t.Fatalf("cache_create %d: %v", i, err)
		}
		caches = append(caches, c)
	}

	var g errgroup.Group
	results := make([]uintptr, len(caches))
	for i, c := range caches {
		i, c := i, c
		g.Go(func() error {
			o, err := c.Alloc()
			if err != errs.OK {
				t.Errorf("cache %d alloc: %v", i, err)
				return nil
			}
			results[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("errgroup: %v", err)
	}
	for i, c := range caches {
		if err := c.Free(results[i]); err != errs.OK {
			t.Fatalf("cache %d free: %v", i, err)
		}
	}
}
