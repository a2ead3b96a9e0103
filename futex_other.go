//go:build !linux

package shmswitch

//
// Process-shared futex (unsupported systems)
//

import "time"

// futexSupported tells whether futexWait and futexWake work.
const futexSupported = false

func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	return errNoFutex
}

func futexWake(addr *uint32, n int) error {
	return errNoFutex
}
