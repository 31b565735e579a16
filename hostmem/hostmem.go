// Package hostmem is the hosted substitute for the patched-runtime
// intrinsics (runtime.Get_phys, runtime.Cpuid, runtime.Vtop, and friends)
// that the teacher kernel relies on to get at physical memory directly.
// Those intrinsics exist only in a forked Go runtime; running as an
// ordinary hosted program, the closest equivalent is a single large
// anonymous mmap that this package hands out byte windows into, addressed
// by the same flat offsets the rest of the core treats as physical
// addresses.
package hostmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RAM is one hosted simulation of a machine's physical memory: a flat
// byte buffer, mmap'd once at startup, sized to cover every zone bootmem
// registers. Offset 0 corresponds to physical address 0.
type RAM struct {
	base []byte
}

// New reserves size bytes of anonymous, zero-filled memory to stand in
// for physical RAM.
func New(size int) (*RAM, error) {
	if size <= 0 {
		return nil, fmt.Errorf("hostmem: size must be positive, got %d", size)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap %d bytes: %w", size, err)
	}
	return &RAM{base: b}, nil
}

// Len returns the simulated RAM's total size in bytes.
func (r *RAM) Len() int { return len(r.base) }

// Slice returns the n-byte window starting at offset, backed by the
// underlying mmap — writes through it are visible to every other holder
// of an overlapping window, exactly as real physical memory behaves.
// Panics on an out-of-range window: callers are expected to have already
// validated the address via coremem/translate.
func (r *RAM) Slice(offset uintptr, n int) []byte {
	end := int(offset) + n
	if int(offset) < 0 || n < 0 || end > len(r.base) {
		panic("hostmem: slice out of range")
	}
	return r.base[offset:end]
}

// Zero clears the n-byte window starting at offset.
func (r *RAM) Zero(offset uintptr, n int) {
	clear(r.Slice(offset, n))
}

// Close releases the simulated RAM. Safe to call once; a second call is a
// no-op.
func (r *RAM) Close() error {
	if r.base == nil {
		return nil
	}
	err := unix.Munmap(r.base)
	r.base = nil
	return err
}
