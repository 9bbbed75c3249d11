// Package console is the closed FD tagged-union spec §9 mandates in
// place of the source's C++ FileDescriptor virtual base: {Console,
// Keyboard, Pipe, File}, each with its own Read/Write semantics reached
// through a type switch rather than an interface vtable. Grounded on
// biscuit/src/ufs/driver.go's console_t stub
// (Cons_poll/Cons_read/Cons_write) for the console variant's shape and
// biscuit/src/fd/fd.go's Fd_t for the permission-bits/FD-table idiom.
package console

import (
	"sync"

	"sylphia/kernel/kerrors"
)

// Kind is the closed tag set spec §9 requires for FDs.
type Kind int

const (
	KindConsole Kind = iota
	KindKeyboard
	KindPipe
	KindFile
)

// Perm mirrors biscuit/src/fd/fd.go's FD_READ/FD_WRITE/FD_CLOEXEC bits.
type Perm int

const (
	PermRead  Perm = 0x1
	PermWrite Perm = 0x2
)

// ringSize is the console output ring's capacity; put_char enqueues one
// byte at a time (spec §4.8 syscall #1), write enqueues up to a
// caller-supplied count.
const ringSize = 4096

// consoleRing is the single system console's output ring, the nearest
// equivalent this freestanding port has to console_t's stub Cons_write:
// unlike the teacher's always-discards stub, writes here are retained so
// a test (or a future UART drain loop) can observe exactly what a task
// wrote.
type consoleRing struct {
	mu   sync.Mutex
	buf  [ringSize]byte
	head int
	tail int
	full bool
}

func (r *consoleRing) writeByte(b byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.tail] = b
	r.tail = (r.tail + 1) % ringSize
	if r.full {
		r.head = (r.head + 1) % ringSize
	}
	r.full = r.tail == r.head
}

func (r *consoleRing) drain(dst []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for n < len(dst) && (r.head != r.tail || r.full) {
		dst[n] = r.buf[r.head]
		r.head = (r.head + 1) % ringSize
		r.full = false
		n++
	}
	return n
}

var systemConsole consoleRing

// Drain copies up to len(dst) bytes the console has accumulated into
// dst, returning how many were copied. Exposed for boot code or tests
// that need to inspect console output without a real UART.
func Drain(dst []byte) int { return systemConsole.drain(dst) }

// Fd is one open file descriptor: a closed tag plus the state that tag's
// operations need. Fields outside a descriptor's own Kind are zero and
// unused, the same "only the active variant's fields are meaningful"
// discipline a tagged union gives for free in languages that have one.
type Fd struct {
	Kind  Kind
	Perms Perm

	// Pipe holds the shared ring buffer two FDs (read end, write end)
	// reference; nil for every other Kind.
	Pipe *PipeBuf

	// File backs the File variant: an in-memory byte slice plus a
	// read/write cursor, standing in for the filesystem collaborator
	// spec §6 treats as external to this module.
	File   []byte
	offset int

	mu sync.Mutex
}

// PipeBuf is a small unbounded byte queue shared between a pipe's two
// descriptors.
type PipeBuf struct {
	mu   sync.Mutex
	data []byte
}

func (p *PipeBuf) write(b []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = append(p.data, b...)
	return len(b)
}

func (p *PipeBuf) read(dst []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(dst, p.data)
	p.data = p.data[n:]
	return n
}

// NewConsole returns a read/write FD bound to the system console.
func NewConsole() *Fd {
	return &Fd{Kind: KindConsole, Perms: PermRead | PermWrite}
}

// NewPipe returns a connected (readEnd, writeEnd) pair sharing one
// buffer, the minimal shape spec §9's {Pipe} tag names.
func NewPipe() (readEnd, writeEnd *Fd) {
	buf := &PipeBuf{}
	return &Fd{Kind: KindPipe, Perms: PermRead, Pipe: buf},
		&Fd{Kind: KindPipe, Perms: PermWrite, Pipe: buf}
}

// NewFile wraps an in-memory byte slice as a File-variant FD, standing in
// for the filesystem collaborator's open() result.
func NewFile(data []byte, perms Perm) *Fd {
	return &Fd{Kind: KindFile, Perms: perms, File: data}
}

// PutChar enqueues one byte to the console FD, syscall #1's effect.
// Returns InvalidArgument if fd is not a console or lacks write
// permission, matching spec's "enqueue one byte to the console FD bound
// to the calling task" without silently accepting a non-console target.
func PutChar(fd *Fd, c byte) error {
	if fd == nil || fd.Kind != KindConsole {
		return kerrors.New("console", kerrors.InvalidArgument, "put_char on non-console fd")
	}
	if fd.Perms&PermWrite == 0 {
		return kerrors.New("console", kerrors.InvalidArgument, "put_char on read-only fd")
	}
	systemConsole.writeByte(c)
	return nil
}

// Read dispatches by fd.Kind to that variant's read semantics, the FD
// tagged-union switch spec §9 requires in place of a virtual method
// table. Returns the number of bytes read and an error.
func Read(fd *Fd, buf []byte) (int, error) {
	if fd == nil {
		return 0, kerrors.New("console", kerrors.InvalidArgument, "read on nil fd")
	}
	if fd.Perms&PermRead == 0 {
		return 0, kerrors.New("console", kerrors.InvalidArgument, "read on write-only fd")
	}
	switch fd.Kind {
	case KindConsole, KindKeyboard:
		// Input collaborators (keyboard driver) are external to this
		// module per spec §6; absent one, reads observe no bytes rather
		// than blocking forever.
		return 0, nil
	case KindPipe:
		return fd.Pipe.read(buf), nil
	case KindFile:
		fd.mu.Lock()
		defer fd.mu.Unlock()
		n := copy(buf, fd.File[fd.offset:])
		fd.offset += n
		return n, nil
	default:
		return 0, kerrors.New("console", kerrors.InvalidArgument, "unknown fd kind")
	}
}

// Write dispatches by fd.Kind to that variant's write semantics.
func Write(fd *Fd, buf []byte) (int, error) {
	if fd == nil {
		return 0, kerrors.New("console", kerrors.InvalidArgument, "write on nil fd")
	}
	if fd.Perms&PermWrite == 0 {
		return 0, kerrors.New("console", kerrors.InvalidArgument, "write on read-only fd")
	}
	switch fd.Kind {
	case KindConsole:
		for _, b := range buf {
			systemConsole.writeByte(b)
		}
		return len(buf), nil
	case KindKeyboard:
		return 0, kerrors.New("console", kerrors.InvalidArgument, "write to keyboard fd")
	case KindPipe:
		return fd.Pipe.write(buf), nil
	case KindFile:
		fd.mu.Lock()
		defer fd.mu.Unlock()
		n := copy(fd.File[fd.offset:], buf)
		fd.offset += n
		return n, nil
	default:
		return 0, kerrors.New("console", kerrors.InvalidArgument, "unknown fd kind")
	}
}

// Close releases fd. Every variant here holds only Go-GC'd memory (the
// bump heap's Free is a no-op for kernel allocations; these FDs are
// ordinary slices), so Close has nothing to release beyond marking the
// descriptor unusable for the caller's table.
func Close(fd *Fd) {
	fd.Kind = -1
}
