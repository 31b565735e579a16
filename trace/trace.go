// Package trace reproduces biscuit/src/stats's instrumentation style —
// compile-time-cheap counters and an optional human-readable trace — for
// spec §6's observability requirement: "a flag that enables a human-readable
// trace of every allocation and free with file/function/line tags of the
// caller."
//
// Where stats.go gates its counters behind `const Stats = false` (so a
// disabled build costs nothing, not even a branch the compiler can't fold
// away), this package uses a package variable instead of a const: spec §8's
// adversarial test suite needs to flip tracing on and off within a single
// test binary, something a compile-time const cannot do. Record() still
// short-circuits to a single branch when disabled, so the cost model is the
// same in spirit.
package trace

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
)

// Enabled gates whether Record appends to the ring buffer. Off by default,
// matching stats.Stats's default of false; tests that exercise the trace
// surface flip it for the duration of the test.
var Enabled = false

// Counter is a statistical counter, the direct analogue of
// biscuit/src/stats.Counter_t.
type Counter int64

// Inc increments the counter.
func (c *Counter) Inc() { atomic.AddInt64((*int64)(c), 1) }

// Load reads the counter's current value.
func (c *Counter) Load() int64 { return atomic.LoadInt64((*int64)(c)) }

// Op names what a Record describes.
type Op uint8

const (
	// OpAlloc records a successful allocation.
	OpAlloc Op = iota
	// OpFree records a successful free.
	OpFree
)

func (o Op) String() string {
	if o == OpAlloc {
		return "alloc"
	}
	return "free"
}

// Record is one entry in the allocation/free ring buffer: what happened,
// where in the source it happened, and when.
type Record struct {
	Op    Op
	File  string
	Func  string
	Line  int
	PFN   uint32
	Order int
	When  time.Time
}

func (r Record) String() string {
	return fmt.Sprintf("%s order=%d pfn=%d at %s:%d (%s) @ %s",
		r.Op, r.Order, r.PFN, r.File, r.Line, r.Func, r.When.Format(time.RFC3339Nano))
}

const ringSize = 4096

// Ring is a fixed-size, lock-protected ring buffer of allocation/free
// records. The global Default ring is what Record appends to; callers that
// want an isolated trace (e.g. a single test) can construct their own with
// NewRing and call RecordInto directly.
type Ring struct {
	mu   sync.Mutex
	buf  [ringSize]Record
	next int
	n    int

	allocs, frees Counter
}

// NewRing constructs an empty ring buffer.
func NewRing() *Ring { return &Ring{} }

// Default is the package-level ring buffer used by Record.
var Default = NewRing()

// Record appends an entry to the Default ring, tagging it with the caller's
// file/function/line (RecordInto is passed skip=2, which names Record's
// caller), when Enabled is true.
// A no-op otherwise, so production code can call it unconditionally.
func Record(op Op, pfn uint32, order int) {
	if !Enabled {
		return
	}
	Default.RecordInto(op, pfn, order, 2)
}

// RecordInto appends an entry to r, resolving the caller skip frames above
// RecordInto itself.
func (r *Ring) RecordInto(op Op, pfn uint32, order int, skip int) {
	pc, file, line, ok := runtime.Caller(skip)
	fn := "unknown"
	if ok {
		if f := runtime.FuncForPC(pc); f != nil {
			fn = f.Name()
		}
	}
	rec := Record{Op: op, File: file, Func: fn, Line: line, PFN: pfn, Order: order, When: time.Now()}

	r.mu.Lock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % ringSize
	if r.n < ringSize {
		r.n++
	}
	r.mu.Unlock()

	switch op {
	case OpAlloc:
		r.allocs.Inc()
	case OpFree:
		r.frees.Inc()
	}
}

// Snapshot is a point-in-time copy of a ring's contents, oldest first.
type Snapshot struct {
	Records       []Record
	Allocs, Frees int64
}

// Snapshot copies r's current contents, oldest first.
func (r *Ring) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, r.n)
	start := r.next - r.n
	if start < 0 {
		start += ringSize
	}
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(start+i)%ringSize]
	}
	return Snapshot{Records: out, Allocs: r.allocs.Load(), Frees: r.frees.Load()}
}

// String renders the snapshot the way Stats2String renders a counter
// struct: one line per record, human-readable, not machine-parsed.
func (s Snapshot) String() string {
	out := fmt.Sprintf("trace: %d allocs, %d frees, %d records retained\n", s.Allocs, s.Frees, len(s.Records))
	for _, r := range s.Records {
		out += "\t" + r.String() + "\n"
	}
	return out
}

// WriteProfile renders the snapshot as a pprof profile with two sample
// types, alloc_objects and alloc_space (counting free records as negative
// alloc_objects, the conventional pprof "in-use" framing) — one Location
// and Function per distinct caller site, so `go tool pprof` can open the
// allocation trace the same way it opens a heap profile. This is the home
// for the teacher's google/pprof dependency in a repo with no compiler to
// profile.
func (s Snapshot) WriteProfile() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "alloc_objects", Unit: "count"},
			{Type: "alloc_space", Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
		TimeNanos:  time.Now().UnixNano(),
	}

	funcByName := map[string]*profile.Function{}
	locByKey := map[string]*profile.Location{}
	var nextID uint64 = 1

	locFor := func(r Record) *profile.Location {
		key := fmt.Sprintf("%s:%d:%s", r.File, r.Line, r.Func)
		if loc, ok := locByKey[key]; ok {
			return loc
		}
		fn, ok := funcByName[r.Func]
		if !ok {
			fn = &profile.Function{ID: nextID, Name: r.Func, Filename: r.File}
			nextID++
			funcByName[r.Func] = fn
			p.Function = append(p.Function, fn)
		}
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn, Line: int64(r.Line)}},
		}
		nextID++
		locByKey[key] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	const pageBytes = 4096
	for _, r := range s.Records {
		loc := locFor(r)
		objs := int64(1) << uint(r.Order)
		spaceBytes := objs * pageBytes
		if r.Op == OpFree {
			objs, spaceBytes = -objs, -spaceBytes
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{objs, spaceBytes},
		})
	}
	return p
}
