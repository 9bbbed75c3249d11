// Package syscall is the syscall-entry subsystem (C9): argument
// marshalling off an irq.Registers snapshot, bounds-checked user-pointer
// access, and the dispatch table spec §4.8 names. Grounded on
// biscuit/src/fd/fd.go's Fd_t/permission-bits idiom for the per-task FD
// table and biscuit/src/vm/userbuf.go's Userbuf_t for the
// incremental, bounds-checked user-memory transfer requirement: "the
// dispatcher must not inspect memory that user mode has not explicitly
// passed via pointer argument, and must bounds-check any such pointer
// against the task's address space before dereferencing."
package syscall

import (
	"sync"
	"unsafe"

	"sylphia/kernel/console"
	"sylphia/kernel/irq"
	"sylphia/kernel/kerrors"
	"sylphia/kernel/mem"
	"sylphia/kernel/sched"
	"sylphia/kernel/task"
	"sylphia/kernel/vmm"
)

// Syscall numbers, per spec §4.8. These are part of the user ABI and are
// never renumbered.
const (
	NrPutChar    = 1
	NrExit       = 2
	NrRead       = 5
	NrWrite      = 6
	NrYield      = 10
	NrTaskExit   = 11
	NrSpawn      = 20
	NrOpen       = 21
	NrClose      = 22
	NrDeleteFile = 23
)

// fdTable is a task's open file descriptors, the nearest equivalent this
// module has to biscuit's per-process Fd_t slice, kept here rather than
// on task.Tcb so kernel/task stays free of a console/blockdev import.
type fdTable struct {
	mu   sync.Mutex
	byNo map[int]*console.Fd
	next int
}

var tables sync.Map // task.Id -> *fdTable

func tableFor(id task.Id) *fdTable {
	if v, ok := tables.Load(id); ok {
		return v.(*fdTable)
	}
	ft := &fdTable{byNo: make(map[int]*console.Fd)}
	tables.Store(id, ft)
	return ft
}

// BindStdio installs fd 0/1/2 as console descriptors for t, the way a
// freshly created task inherits standard streams before its first
// dispatch.
func BindStdio(t *task.Tcb) {
	ft := tableFor(t.ID)
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.byNo[0] = console.NewConsole()
	ft.byNo[1] = console.NewConsole()
	ft.byNo[2] = console.NewConsole()
	ft.next = 3
}

// ReleaseTable drops t's FD table, called from the Exit syscall and from
// task.Terminate's caller once a task is gone.
func ReleaseTable(t *task.Tcb) {
	tables.Delete(t.ID)
}

func (ft *fdTable) get(no int) *console.Fd {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.byNo[no]
}

func (ft *fdTable) install(fd *console.Fd) int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	no := ft.next
	ft.next++
	ft.byNo[no] = fd
	return no
}

func (ft *fdTable) release(no int) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	delete(ft.byNo, no)
}

// errCode encodes a kernel error as the single negative word spec §7's
// propagation policy describes ("surface to the caller as a single-word
// error code"), the same negative-errno convention biscuit's defs.Err_t
// uses.
func errCode(e kerrors.Errno) uint64 {
	return uint64(int64(-int(e)))
}

// CopyIn reads n bytes from the user virtual address uva in t's address
// space into dst, validating every page the range touches before
// dereferencing it. Grounded on Userbuf_t._tx's per-page
// validate-then-copy loop: a single invalid page anywhere in the range
// fails the whole transfer rather than partially succeeding.
func CopyIn(t *task.Tcb, uva uintptr, dst []byte) error {
	return userTransfer(t, uva, dst, false)
}

// CopyOut writes src into the user virtual address uva in t's address
// space, with the same per-page validation CopyIn performs.
func CopyOut(t *task.Tcb, uva uintptr, src []byte) error {
	return userTransfer(t, uva, src, true)
}

func userTransfer(t *task.Tcb, uva uintptr, buf []byte, toUser bool) error {
	if t.Space == nil {
		return kerrors.New("syscall", kerrors.AddressSpaceViolation, "task has no address space")
	}
	remaining := buf
	addr := uva
	for len(remaining) > 0 {
		phys, ok := vmm.VirtToPhys(t.Space, addr)
		if !ok {
			return kerrors.New("syscall", kerrors.AddressSpaceViolation, "unmapped user pointer")
		}
		pageOff := addr & uintptr(mem.PageSize-1)
		chunk := uint64(mem.PageSize) - uint64(pageOff)
		if chunk > uint64(len(remaining)) {
			chunk = uint64(len(remaining))
		}
		kptr := unsafe.Pointer(uintptr(phys))
		kbuf := unsafe.Slice((*byte)(kptr), chunk)
		if toUser {
			copy(kbuf, remaining[:chunk])
		} else {
			copy(remaining[:chunk], kbuf)
		}
		remaining = remaining[chunk:]
		addr += uintptr(chunk)
	}
	return nil
}

// Dispatch decodes regs per spec §4.8's argument convention (syscall
// number in Info, up to four arguments in RDI/RSI/RDX/R10, return value
// in RAX) and routes to the matching handler. Unknown numbers return
// InvalidArgument, per spec §7.
func Dispatch(t *task.Tcb, regs *irq.Registers) {
	nr := regs.Info
	a0, a1, a2 := regs.RDI, regs.RSI, regs.RDX

	switch nr {
	case NrPutChar:
		ft := tableFor(t.ID)
		fd := ft.get(1)
		if err := console.PutChar(fd, byte(a0)); err != nil {
			regs.RAX = errCode(kerrors.InvalidArgument)
			return
		}
		regs.RAX = 0

	case NrExit, NrTaskExit:
		ReleaseTable(t)
		task.Terminate(t)
		sched.Yield()

	case NrRead:
		regs.RAX = doReadWrite(t, a0, a1, a2, false)

	case NrWrite:
		regs.RAX = doReadWrite(t, a0, a1, a2, true)

	case NrYield:
		sched.Yield()
		regs.RAX = 0

	case NrOpen, NrSpawn, NrDeleteFile:
		// External collaborators (filesystem, image loader) own these;
		// this module exposes the dispatch slot spec §4.8 reserves for
		// them and reports "not yet available" rather than silently
		// succeeding.
		regs.RAX = errCode(kerrors.UnsupportedFeature)

	case NrClose:
		ft := tableFor(t.ID)
		ft.release(int(a0))
		regs.RAX = 0

	default:
		regs.RAX = errCode(kerrors.InvalidArgument)
	}
}

func doReadWrite(t *task.Tcb, fdno, uva, n uint64, write bool) uint64 {
	ft := tableFor(t.ID)
	fd := ft.get(int(fdno))
	if fd == nil {
		return errCode(kerrors.InvalidArgument)
	}
	buf := make([]byte, n)
	var count int
	var err error
	if write {
		// spec's S6 scenario pins an invalid user pointer's write() result
		// to InvalidArgument specifically, not the more general
		// AddressSpaceViolation CopyIn itself raises.
		if cErr := CopyIn(t, uintptr(uva), buf); cErr != nil {
			return errCode(kerrors.InvalidArgument)
		}
		count, err = console.Write(fd, buf)
	} else {
		count, err = console.Read(fd, buf)
		if err == nil && count > 0 {
			if cErr := CopyOut(t, uintptr(uva), buf[:count]); cErr != nil {
				return errCode(kerrors.InvalidArgument)
			}
		}
	}
	if err != nil {
		return errCode(kerrors.InvalidArgument)
	}
	return uint64(count)
}
