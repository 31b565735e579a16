// Package errs defines the kernel-ABI error codes used throughout coremem.
//
// Following the teacher's convention (biscuit/src/defs.Err_t), allocator
// failures that the immediate caller is expected to handle are plain signed
// integers, not the error interface: capacity and invalid-argument failures
// are values a caller tests with == 0, not something to unwrap or inspect.
// Code that never crosses the kernel ABI (bootstrap, the CLI, internal
// plumbing) still uses the ordinary error interface via fmt.Errorf.
package errs

// Errno is a kernel-style error code. Zero means success; a negative value
// names a failure. Callers compare against the named constants below, never
// against raw integers.
type Errno int

// String renders the error code for logs and panics.
func (e Errno) String() string {
	if s, ok := names[e]; ok {
		return s
	}
	return "errno(unknown)"
}

// Error implements the error interface so an Errno can be wrapped with
// fmt.Errorf at package boundaries that do want to return `error`.
func (e Errno) Error() string {
	return e.String()
}

const (
	// OK indicates success. Never returned as a failure; present so that
	// "0 means success" reads explicitly in comparisons.
	OK Errno = 0

	// EINVAL marks an invalid argument: an unrecognized flag, an
	// unaligned physical address, an order above the buddy maximum, a
	// virtual address outside every known range.
	EINVAL Errno = -1

	// ENOMEM marks capacity exhaustion: the buddy (or a zone, or a
	// cache) has no suitable block to hand out.
	ENOMEM Errno = -2

	// EFAULT marks a descriptor or address that does not belong to any
	// zone, or a page table entry the caller expected to exist.
	EFAULT Errno = -3

	// ENAMETOOLONG marks a user-string copy that exceeded its bound.
	ENAMETOOLONG Errno = -4

	// ENOHEAP marks resource-accounting exhaustion on a bounded copy
	// loop (mirrors biscuit/src/vm's res.Resadd_noblock checks).
	ENOHEAP Errno = -5

	// EDOUBLEFREE marks a caller-detectable double free: the descriptor
	// passed to Free was already on a free list. Distinguished from a
	// corrupted table (which panics) per spec §9's guidance to treat
	// double-free as a detectable, not merely fatal, condition.
	EDOUBLEFREE Errno = -6

	// ENOMAP marks a HighMem descriptor asked for a permanent kernel
	// virtual address: "no permanent mapping — use temporary map."
	ENOMAP Errno = -7
)

var names = map[Errno]string{
	OK:           "OK",
	EINVAL:       "EINVAL",
	ENOMEM:       "ENOMEM",
	EFAULT:       "EFAULT",
	ENAMETOOLONG: "ENAMETOOLONG",
	ENOHEAP:      "ENOHEAP",
	EDOUBLEFREE:  "EDOUBLEFREE",
	ENOMAP:       "ENOMAP",
}
