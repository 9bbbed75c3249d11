// Package util holds the small generic arithmetic helpers used across
// the kernel for frame/byte-count rounding, grounded on
// biscuit/src/util/util.go's Min/Rounddown/Roundup (kept, generalized
// with Go generics instead of the teacher's plain int signatures so the
// same helpers serve kernel/mem's uint64 frame counts, kernel/heap's
// uintptr byte offsets, and kernel/nvme's uint64 PRP page counts without
// a cast at every call site). Readn/Writen are not carried: every fixed-
// width field this kernel reads off the wire already has a named struct
// field (kernel/nvme's submissionEntry/completionEntry,
// kernel/bootinfo's MemDescriptor), so nothing here needs a generic
// byte-offset peek/poke.
package util

// Int is satisfied by every built-in integer type this kernel rounds:
// frame counts, byte counts, and physical/virtual addresses alike.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// DivCeil returns ceil(v/b), the pattern kernel/mem's frame/word/bitmap
// sizing and kernel/heap's page-count sizing both need (Roundup(v,b)/b
// would work but double-divides; DivCeil names the intent directly).
func DivCeil[T Int](v, b T) T {
	return (v + b - 1) / b
}
