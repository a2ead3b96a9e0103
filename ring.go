package shmswitch

//
// Bounded SPSC hand-off queue
//

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// DefaultRingSize is the default capacity of a client hand-off queue. The
// queue is large to absorb bursts.
const DefaultRingSize = 1 << 20

// ringLayout is the header of a ring region. The producer index and the
// consumer index live on distinct cache lines. The cells follow.
type ringLayout struct {
	capacity uint64
	_        [56]byte
	tail     uint64 // written by the producer only
	_        [56]byte
	head     uint64 // written by the consumer only
	_        [56]byte
}

const ringLayoutSize = int(unsafe.Sizeof(ringLayout{}))

// ErrRingCapacity indicates that the ring capacity is not a power of two.
var ErrRingCapacity = errors.New("shmswitch: ring capacity must be a nonzero power of two")

// Ring is a bounded single-producer single-consumer queue of [Handle]s living
// in shared memory. The server is the producer and calls TryEnqueue. The client
// owning the ring is the consumer and calls DequeueBatch. The cells contain
// pool indexes, so producer and consumer can map the ring at different
// addresses. The zero value is invalid; use [CreateRing] or [AttachRing].
type Ring struct {
	// cachedHead is the producer's copy of the consumer index.
	cachedHead uint64

	// cachedTail is the consumer's copy of the producer index.
	cachedTail uint64

	// cells contains the queued handles.
	cells []uint32

	// hdr is the ring header.
	hdr *ringLayout

	// mask is capacity-1.
	mask uint64

	// region is the backing region.
	region *Region
}

// CreateRing creates the ring with the given name and capacity.
func CreateRing(env *Env, name string, capacity uint64) (*Ring, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 || capacity > 1<<31 {
		return nil, fmt.Errorf("%w: %d", ErrRingCapacity, capacity)
	}
	region, err := createRegion(env, name, regionKindRing, ringLayoutSize+int(capacity)*4)
	if err != nil {
		return nil, err
	}
	hdr := overlay[ringLayout](region.body(), 0)
	hdr.capacity = capacity
	region.publish()
	return newRingView(region, capacity), nil
}

// AttachRing maps the ring with the given name created by another process.
func AttachRing(env *Env, name string) (*Ring, error) {
	region, err := attachRegion(env, name, regionKindRing)
	if err != nil {
		return nil, err
	}
	hdr := overlay[ringLayout](region.body(), 0)
	capacity := atomic.LoadUint64(&hdr.capacity)
	if capacity == 0 || capacity&(capacity-1) != 0 ||
		uint64(len(region.body())) < uint64(ringLayoutSize)+capacity*4 {
		region.Close()
		return nil, fmt.Errorf("%w: %s: bad ring capacity %d", ErrRegionLayout, name, capacity)
	}
	return newRingView(region, capacity), nil
}

// newRingView creates the process-local view of a ring.
func newRingView(region *Region, capacity uint64) *Ring {
	hdr := overlay[ringLayout](region.body(), 0)
	return &Ring{
		cachedHead: atomic.LoadUint64(&hdr.head),
		cachedTail: atomic.LoadUint64(&hdr.tail),
		cells:      overlayUint32s(region.body(), ringLayoutSize, int(capacity)),
		hdr:        hdr,
		mask:       capacity - 1,
		region:     region,
	}
}

// Name returns the ring name.
func (r *Ring) Name() string {
	return r.region.Name()
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return int(r.mask + 1)
}

// Len returns the number of queued handles.
func (r *Ring) Len() int {
	head := atomic.LoadUint64(&r.hdr.head)
	tail := atomic.LoadUint64(&r.hdr.tail)
	if tail < head {
		return 0
	}
	if tail-head > r.mask+1 {
		return r.Cap()
	}
	return int(tail - head)
}

// TryEnqueue appends h to the ring. It returns false, leaving the ring
// untouched, when the ring is full; the caller still owns h in such a case.
// Only the producer may call this method.
func (r *Ring) TryEnqueue(h Handle) bool {
	tail := atomic.LoadUint64(&r.hdr.tail)
	if tail-r.cachedHead > r.mask {
		r.cachedHead = atomic.LoadUint64(&r.hdr.head)
		if tail-r.cachedHead > r.mask {
			return false
		}
	}
	atomic.StoreUint32(&r.cells[tail&r.mask], uint32(h))
	atomic.StoreUint64(&r.hdr.tail, tail+1) // publish to the consumer
	return true
}

// DequeueBatch moves up to len(out) handles from the ring into out and returns
// how many it moved. It returns the whole batch when enough handles are queued
// and otherwise whatever is available, in a single pass. Only the consumer
// may call this method.
func (r *Ring) DequeueBatch(out []Handle) int {
	head := atomic.LoadUint64(&r.hdr.head)
	want := uint64(len(out))
	tail := r.cachedTail
	if tail < head || tail-head < want {
		tail = atomic.LoadUint64(&r.hdr.tail)
		r.cachedTail = tail
	}
	if tail < head {
		return 0 // the producer index went backwards: refuse to read garbage
	}
	avail := tail - head
	if avail > r.mask+1 {
		avail = r.mask + 1
	}
	if avail < want {
		want = avail
	}
	for idx := uint64(0); idx < want; idx++ {
		out[idx] = Handle(atomic.LoadUint32(&r.cells[(head+idx)&r.mask]))
	}
	atomic.StoreUint64(&r.hdr.head, head+want) // give the cells back to the producer
	return int(want)
}

// Close unmaps the ring; the server also removes it.
func (r *Ring) Close() error {
	return r.region.Close()
}
