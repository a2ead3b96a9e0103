package shmswitch

//
// Process-shared futex (linux)
//

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The shared (non private) futex operations, which work across
// processes mapping the same page.
const (
	futexOpWait = 0
	futexOpWake = 1
)

// futexSupported tells whether futexWait and futexWake work.
const futexSupported = true

// futexWait sleeps while *addr == val, for at most timeout.
func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexOpWait,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR, unix.ETIMEDOUT:
		return nil
	default:
		return errno
	}
}

// futexWake wakes up to n waiters sleeping on addr.
func futexWake(addr *uint32, n int) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexOpWake,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
