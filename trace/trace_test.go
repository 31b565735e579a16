package trace

import "testing"

func TestRingCapturesAllocAndFree(t *testing.T) {
	r := NewRing()
	r.RecordInto(OpAlloc, 42, 3, 1)
	r.RecordInto(OpFree, 42, 3, 1)

	snap := r.Snapshot()
	if snap.Allocs != 1 || snap.Frees != 1 {
		t.Fatalf("expected 1 alloc and 1 free, got allocs=%d frees=%d", snap.Allocs, snap.Frees)
	}
	if len(snap.Records) != 2 {
		t.Fatalf("expected 2 retained records, got %d", len(snap.Records))
	}
	if snap.Records[0].Op != OpAlloc || snap.Records[0].PFN != 42 || snap.Records[0].Order != 3 {
		t.Fatalf("unexpected first record: %+v", snap.Records[0])
	}
	if snap.Records[1].Op != OpFree {
		t.Fatalf("unexpected second record: %+v", snap.Records[1])
	}
}

func TestRingWrapsAtCapacity(t *testing.T) {
	r := NewRing()
	for i := 0; i < ringSize+10; i++ {
		r.RecordInto(OpAlloc, uint32(i), 0, 1)
	}
	snap := r.Snapshot()
	if len(snap.Records) != ringSize {
		t.Fatalf("expected the ring to cap retained records at %d, got %d", ringSize, len(snap.Records))
	}
	if snap.Allocs != int64(ringSize+10) {
		t.Fatalf("expected the alloc counter to keep counting past ring capacity, got %d", snap.Allocs)
	}
	// Oldest surviving record should be the 11th call (index 10), since the
	// first 10 were overwritten by wraparound.
	if snap.Records[0].PFN != 10 {
		t.Fatalf("expected the oldest surviving record's pfn to be 10, got %d", snap.Records[0].PFN)
	}
}

func TestWriteProfileCountsAllocsAndFreesAsObjects(t *testing.T) {
	r := NewRing()
	r.RecordInto(OpAlloc, 0, 2, 1) // order 2 -> 4 objects
	r.RecordInto(OpFree, 0, 2, 1)

	p := r.Snapshot().WriteProfile()
	if len(p.Sample) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(p.Sample))
	}
	if p.Sample[0].Value[0] != 4 {
		t.Fatalf("expected the alloc sample to report 4 objects, got %d", p.Sample[0].Value[0])
	}
	if p.Sample[1].Value[0] != -4 {
		t.Fatalf("expected the free sample to report -4 objects, got %d", p.Sample[1].Value[0])
	}
	if len(p.Function) == 0 || len(p.Location) == 0 {
		t.Fatalf("expected at least one function and location to be recorded")
	}
}

func TestRecordRespectsEnabledFlag(t *testing.T) {
	prevEnabled, prevDefault := Enabled, Default
	Default = NewRing()
	defer func() { Enabled, Default = prevEnabled, prevDefault }()

	Enabled = false
	Record(OpAlloc, 1, 0)
	if snap := Default.Snapshot(); len(snap.Records) != 0 {
		t.Fatalf("expected Record to be a no-op while Enabled is false")
	}

	Enabled = true
	Record(OpAlloc, 1, 0)
	if snap := Default.Snapshot(); len(snap.Records) != 1 {
		t.Fatalf("expected Record to append once Enabled is true, got %d records", len(snap.Records))
	}
}
