// Package kerrors defines the closed set of error kinds the kernel core
// can return, plus the boot-fatal Error type used by the panic path.
package kerrors

import "fmt"

// Errno identifies one of the error kinds enumerated in spec §7. The set is
// closed: new kinds are added here, never invented ad-hoc at call sites.
type Errno int

const (
	// OK indicates success. Operations that return an Errno use OK as the
	// zero value so a freshly zeroed result reads as "no error" — the same
	// convention biscuit's Err_t uses (0 means success).
	OK Errno = iota
	OutOfMemory
	InvalidArgument
	NotFound
	IoError
	DeviceTimeout
	UnsupportedFeature
	AlreadyInitialized
	Unaligned
	AddressSpaceViolation
	QueueFull
)

var names = [...]string{
	OK:                    "ok",
	OutOfMemory:           "out of memory",
	InvalidArgument:       "invalid argument",
	NotFound:              "not found",
	IoError:               "i/o error",
	DeviceTimeout:         "device timeout",
	UnsupportedFeature:    "unsupported feature",
	AlreadyInitialized:    "already initialized",
	Unaligned:             "unaligned address or size",
	AddressSpaceViolation: "address space violation",
	QueueFull:             "queue full",
}

// String renders the error kind's name.
func (e Errno) String() string {
	if int(e) < 0 || int(e) >= len(names) {
		return "unknown error"
	}
	return names[e]
}

// Error describes a kernel-internal failure. Unlike user code, the kernel
// cannot rely on the heap being available this early in boot, so Error
// values are normally held in static storage rather than allocated fresh —
// the same discipline gopher-os's kernel.Error documents.
type Error struct {
	// Module names the subsystem that raised the error (e.g. "pmm", "vmm").
	Module string
	// Code is the closed error kind.
	Code Errno
	// Message is a short human-readable detail, empty when Code's name
	// alone is sufficient.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("[%s] %s", e.Module, e.Code)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Module, e.Code, e.Message)
}

// New constructs an Error for the given module and kind.
func New(module string, code Errno, message string) *Error {
	return &Error{Module: module, Code: code, Message: message}
}
