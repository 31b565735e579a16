package zone

import (
	"testing"

	"coremem/config"
	"coremem/errs"
	"coremem/flags"
)

func testConfig() config.Params {
	return config.Params{MaxOrder: 4, MaxKmallocOrder: 8, CacheLowWatermark: 2, CacheMidWatermark: 4, CacheHighWatermark: 8, SlabRefillMax: 2}
}

func newTestZones(t *testing.T) *Zones {
	t.Helper()
	cfg := testConfig()
	z := New(cfg)
	top := uint32(1) << uint(cfg.MaxOrder-1)
	z.Init("Normal", Normal, 0, int(top*4), 0, uint64(top*4)*config.PageSize, 0x1000_0000, 0x1000_0000+uint64(top*4)*config.PageSize).SeedTopOrder()
	z.Init("HighMem", HighMem, top*4, int(top*2), uint64(top*4)*config.PageSize, uint64(top*6)*config.PageSize, 0, 0).SeedTopOrder()
	return z
}

// TestS1DMAContiguity is the spec §8 S1 scenario: an order-3 allocation's
// pages must be physically contiguous, 4096 bytes apart.
func TestS1DMAContiguity(t *testing.T) {
	z := newTestZones(t)
	before := z.Normal.FreePages()

	pfn, err := z.AllocPages(flags.Kernel, 3)
	if err != errs.OK {
		t.Fatalf("alloc order 3: %v", err)
	}
	for i := uint32(0); i < 8; i++ {
		if got, want := (pfn+i)*config.PageSize, pfn*config.PageSize+i*config.PageSize; got != want {
			t.Fatalf("page %d: phys %d != %d", i, got, want)
		}
	}
	if err := z.FreePages(pfn); err != errs.OK {
		t.Fatalf("free: %v", err)
	}
	if z.Normal.FreePages() != before {
		t.Fatalf("free-page count not restored: before=%d after=%d", before, z.Normal.FreePages())
	}
}

// TestS2Fragmentation is the spec §8 S2 scenario.
func TestS2Fragmentation(t *testing.T) {
	z := newTestZones(t)
	before := z.Normal.FreePages()

	var a [32]uint32
	for i := range a {
		pfn, err := z.AllocPages(flags.Kernel, 0)
		if err != errs.OK {
			t.Fatalf("alloc %d: %v", i, err)
		}
		a[i] = pfn
	}
	for i := 0; i < 32; i += 2 {
		if err := z.FreePages(a[i]); err != errs.OK {
			t.Fatalf("free even %d: %v", i, err)
		}
	}
	// alloc(1) may succeed or fail; either is correct.
	if pfn, err := z.AllocPages(flags.Kernel, 1); err == errs.OK {
		z.FreePages(pfn)
	}
	for i := 1; i < 32; i += 2 {
		if err := z.FreePages(a[i]); err != errs.OK {
			t.Fatalf("free odd %d: %v", i, err)
		}
	}
	if z.Normal.FreePages() != before {
		t.Fatalf("free-page count not restored: before=%d after=%d", before, z.Normal.FreePages())
	}
}

// TestS5InvalidOrder is the spec §8 S5 scenario.
func TestS5InvalidOrder(t *testing.T) {
	z := newTestZones(t)
	before := z.Normal.FreePages()

	if _, err := z.AllocPages(flags.Kernel, 20); err != errs.ENOMEM && err != errs.EINVAL {
		t.Fatalf("expected a failure for an out-of-range order, got %v", err)
	}
	if err := z.FreePages(NoPFN); err == errs.OK {
		t.Fatalf("expected FreePages(NoPFN) to report an error")
	}
	if z.Normal.FreePages() != before {
		t.Fatalf("free-page count changed on invalid input")
	}
}

// TestS6HighMemNoMap is the spec §8 S6 scenario (zone containment half;
// the translation half lives in coremem/translate's own test).
func TestS6HighMemNoMap(t *testing.T) {
	z := newTestZones(t)
	before := z.HighMem.FreePages()

	pfn, err := z.AllocPages(flags.HighUser, 0)
	if err != errs.OK {
		t.Fatalf("alloc highuser: %v", err)
	}
	d, zn := z.Descriptor(pfn)
	if zn == nil || zn.Kind != HighMem {
		t.Fatalf("expected descriptor to resolve to HighMem, got %v", zn)
	}
	if d.Refcount() != 1 {
		t.Fatalf("expected refcount 1 after alloc, got %d", d.Refcount())
	}
	if err := z.FreePages(pfn); err != errs.OK {
		t.Fatalf("free: %v", err)
	}
	if z.HighMem.FreePages() != before {
		t.Fatalf("free-page count not restored")
	}
}

func TestDoubleFreeViaZones(t *testing.T) {
	z := newTestZones(t)
	pfn, err := z.AllocPages(flags.Kernel, 0)
	if err != errs.OK {
		t.Fatalf("alloc: %v", err)
	}
	if err := z.FreePages(pfn); err != errs.OK {
		t.Fatalf("first free: %v", err)
	}
	if err := z.FreePages(pfn); err == errs.OK {
		t.Fatalf("expected second free to be detected")
	}
}

func TestUnknownFlagRejected(t *testing.T) {
	z := newTestZones(t)
	if _, err := z.AllocPages(flags.Flag(200), 0); err != errs.EINVAL {
		t.Fatalf("expected EINVAL for an unrecognized flag, got %v", err)
	}
}

func TestIntrospection(t *testing.T) {
	z := newTestZones(t)
	total, err := z.TotalSpace(flags.Kernel)
	if err != errs.OK || total == 0 {
		t.Fatalf("total space: %d, %v", total, err)
	}
	free, err := z.FreeSpace(flags.Kernel)
	if err != errs.OK || free != total {
		t.Fatalf("expected fresh zone free space == total, got free=%d total=%d", free, total)
	}
	if out := z.Dump(); out == "" {
		t.Fatalf("expected a non-empty dump")
	}
}
