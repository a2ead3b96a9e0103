package shmswitch

//
// Shared-semaphore notify channel
//

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"
)

// errNoFutex indicates that this system cannot wait on shared memory words.
var errNoFutex = errors.New("shmswitch: futex not available on this system")

// semLayout is the body of a semaphore region. The count is the futex word.
type semLayout struct {
	count   uint32
	waiters uint32
	_       [56]byte
}

// semChannel is the counting-semaphore [NotifyChannel]. The semaphore lives
// in shared memory and waiting uses the futex of its count.
type semChannel struct {
	*sharedState

	// closeOnce provides "once" semantics for Close.
	closeOnce sync.Once

	// region is the semaphore region.
	region *Region

	// sem is the semaphore.
	sem *semLayout
}

var _ NotifyChannel = &semChannel{}

// createSemChannel creates the semaphore and the state word of the given client.
func createSemChannel(env *Env, id int) (*semChannel, error) {
	if !futexSupported {
		return nil, errNoFutex
	}
	region, err := createRegion(env, ClientSemName(id), regionKindSem, int(unsafe.Sizeof(semLayout{})))
	if err != nil {
		return nil, err
	}
	sem := overlay[semLayout](region.body(), 0)
	atomic.StoreUint32(&sem.count, 0)
	atomic.StoreUint32(&sem.waiters, 0)
	region.publish()
	state, err := createSharedState(env, id)
	if err != nil {
		region.Close()
		return nil, err
	}
	return &semChannel{sharedState: state, region: region, sem: sem}, nil
}

// attachSemChannel maps the semaphore and the state word of the given client.
func attachSemChannel(env *Env, id int) (*semChannel, error) {
	if !futexSupported {
		return nil, errNoFutex
	}
	region, err := attachRegion(env, ClientSemName(id), regionKindSem)
	if err != nil {
		return nil, err
	}
	state, err := attachSharedState(env, id)
	if err != nil {
		region.Close()
		return nil, err
	}
	sem := overlay[semLayout](region.body(), 0)
	return &semChannel{sharedState: state, region: region, sem: sem}, nil
}

// WaitForWake implements NotifyChannel
func (sc *semChannel) WaitForWake(ctx context.Context) error {
	sc.block()
	defer sc.resume()
	for {
		cur := atomic.LoadUint32(&sc.sem.count)
		if cur > 0 {
			if atomic.CompareAndSwapUint32(&sc.sem.count, cur, cur-1) {
				return nil
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		atomic.AddUint32(&sc.sem.waiters, 1)
		err := futexWait(&sc.sem.count, 0, waitSlice)
		atomic.AddUint32(&sc.sem.waiters, ^uint32(0))
		if err != nil {
			return err
		}
	}
}

// Signal implements NotifyChannel
func (sc *semChannel) Signal() (bool, error) {
	if !sc.claim() {
		return false, nil
	}
	return true, sc.post()
}

// post increments the semaphore and wakes a waiter, if any.
func (sc *semChannel) post() error {
	atomic.AddUint32(&sc.sem.count, 1)
	if atomic.LoadUint32(&sc.sem.waiters) > 0 {
		return futexWake(&sc.sem.count, 1)
	}
	return nil
}

// Mode implements NotifyChannel
func (sc *semChannel) Mode() NotifyMode {
	return NotifySem
}

// Close implements NotifyChannel
func (sc *semChannel) Close() (err error) {
	sc.closeOnce.Do(func() {
		sc.region.Close()
		err = sc.sharedState.close()
	})
	return
}
