package shmswitch

//
// Shared packet-buffer pool
//

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Handle is a reference to a buffer in the shared [Pool]. It is the
// buffer index and hence valid in every process mapping the pool.
type Handle uint32

// NilHandle is the invalid [Handle].
const NilHandle = Handle(0xffffffff)

// Default pool sizing.
const (
	// MbufsPerClient is the default number of buffers budgeted per client.
	MbufsPerClient = 30720

	// MbufsPerPort is the default number of buffers budgeted per port.
	MbufsPerPort = 30720

	// DefaultDataRoom is the default payload capacity of each buffer.
	DefaultDataRoom = 2048
)

// PoolSize returns the number of buffers needed to cover the frames in flight
// across the receive side of every port, every hand-off queue, and every
// staging buffer, using the given per-client and per-port budgets.
func PoolSize(numClients, numPorts, perClient, perPort int) int {
	return numClients*perClient + numPorts*perPort
}

// poolLayout is the header of the pool region. The free list head and each
// counter live on their own cache line, because the server acquires while
// every process releases.
type poolLayout struct {
	count    uint32
	dataRoom uint32
	slotSize uint32
	_        [52]byte
	free     uint64 // generation<<32 | index
	_        [56]byte
	acquired uint64
	_        [56]byte
	released uint64
	_        [56]byte
}

// slotHeader precedes the payload of each buffer.
type slotHeader struct {
	refcnt uint32
	port   uint32
	length uint32
	_      uint32
}

const (
	poolLayoutSize = int(unsafe.Sizeof(poolLayout{}))
	slotHeaderSize = int(unsafe.Sizeof(slotHeader{}))
)

// ErrPoolSize indicates an invalid pool size or data room.
var ErrPoolSize = errors.New("shmswitch: invalid pool size")

// Pool is a pool of fixed-size packet buffers living in shared memory. Buffers are
// reference counted and any process mapping the pool may release them. The
// free list is a lock-free stack whose head carries a generation counter so that
// concurrent releasers and the acquirer cannot suffer from ABA. The zero value
// is invalid; use [NewPool] or [AttachPool] to construct.
type Pool struct {
	count    uint32
	dataRoom int
	hdr      *poolLayout
	links    []uint32
	region   *Region
	slotSize int
	slots    []byte
}

// NewPool creates the shared pool with count buffers of dataRoom bytes each.
func NewPool(env *Env, count, dataRoom int) (*Pool, error) {
	if count <= 0 || count >= int(NilHandle) || dataRoom <= 0 || dataRoom > 0xffff {
		return nil, fmt.Errorf("%w: count=%d dataRoom=%d", ErrPoolSize, count, dataRoom)
	}
	slotSize := alignCacheLine(slotHeaderSize + dataRoom)
	linksSize := alignCacheLine(count * 4)
	size := poolLayoutSize + linksSize + count*slotSize

	env.Logger.Infof("shmswitch: creating mbuf pool '%s' [%d mbufs] ...", PoolRegionName, count)
	region, err := createRegion(env, PoolRegionName, regionKindPool, size)
	if err != nil {
		return nil, err
	}

	pool := newPoolView(region)
	pool.hdr.count = uint32(count)
	pool.hdr.dataRoom = uint32(dataRoom)
	pool.hdr.slotSize = uint32(slotSize)
	pool.bind()

	// chain every buffer into the free list
	for idx := range pool.links {
		pool.links[idx] = uint32(idx + 1)
	}
	pool.links[count-1] = uint32(NilHandle)
	atomic.StoreUint64(&pool.hdr.free, 0)

	region.publish()
	return pool, nil
}

// AttachPool maps the pool created by the server.
func AttachPool(env *Env) (*Pool, error) {
	region, err := attachRegion(env, PoolRegionName, regionKindPool)
	if err != nil {
		return nil, err
	}
	pool := newPoolView(region)
	pool.bind()
	expect := poolLayoutSize + alignCacheLine(int(pool.count)*4) + int(pool.count)*pool.slotSize
	if pool.count == 0 || len(region.body()) < expect {
		region.Close()
		return nil, fmt.Errorf("%w: %s: truncated pool", ErrRegionLayout, PoolRegionName)
	}
	return pool, nil
}

// newPoolView creates a [Pool] whose header overlays the region.
func newPoolView(region *Region) *Pool {
	return &Pool{
		hdr:    overlay[poolLayout](region.body(), 0),
		region: region,
	}
}

// bind reads the geometry from the header and slices the links and the slots.
func (p *Pool) bind() {
	p.count = atomic.LoadUint32(&p.hdr.count)
	p.dataRoom = int(atomic.LoadUint32(&p.hdr.dataRoom))
	p.slotSize = int(atomic.LoadUint32(&p.hdr.slotSize))
	body := p.region.body()
	linksSize := alignCacheLine(int(p.count) * 4)
	if poolLayoutSize+linksSize+int(p.count)*p.slotSize > len(body) {
		return // AttachPool rejects this region
	}
	p.links = overlayUint32s(body, poolLayoutSize, int(p.count))
	p.slots = body[poolLayoutSize+linksSize:]
}

// Count returns the number of buffers in the pool.
func (p *Pool) Count() int {
	return int(p.count)
}

// DataRoom returns the payload capacity of each buffer.
func (p *Pool) DataRoom() int {
	return p.dataRoom
}

// Acquire takes a buffer from the pool. It returns false when the pool
// is exhausted. The returned buffer has a reference count of one.
func (p *Pool) Acquire() (Handle, bool) {
	for {
		old := atomic.LoadUint64(&p.hdr.free)
		idx := uint32(old)
		if Handle(idx) == NilHandle {
			return NilHandle, false
		}
		if idx >= p.count {
			return NilHandle, false // corrupted by a misbehaving peer
		}
		next := atomic.LoadUint32(&p.links[idx])
		gen := old >> 32
		if atomic.CompareAndSwapUint64(&p.hdr.free, old, (gen+1)<<32|uint64(next)) {
			slot := p.slot(Handle(idx))
			atomic.StoreUint32(&slot.refcnt, 1)
			atomic.StoreUint32(&slot.length, 0)
			atomic.AddUint64(&p.hdr.acquired, 1)
			return Handle(idx), true
		}
	}
}

// retain adds a reference to a buffer we are holding.
func (p *Pool) retain(h Handle) bool {
	if !p.Valid(h) {
		return false
	}
	slot := p.slot(h)
	for {
		cnt := atomic.LoadUint32(&slot.refcnt)
		if cnt == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&slot.refcnt, cnt, cnt+1) {
			return true
		}
	}
}

// Release drops a reference to a buffer and returns it to the pool when
// no reference is left. Releasing a buffer that is not held is refused
// and leaves the pool unchanged.
func (p *Pool) Release(h Handle) bool {
	if !p.Valid(h) {
		return false
	}
	slot := p.slot(h)
	for {
		cnt := atomic.LoadUint32(&slot.refcnt)
		if cnt == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&slot.refcnt, cnt, cnt-1) {
			if cnt == 1 {
				p.push(h)
			}
			return true
		}
	}
}

// push inserts a buffer into the free list.
func (p *Pool) push(h Handle) {
	for {
		old := atomic.LoadUint64(&p.hdr.free)
		atomic.StoreUint32(&p.links[h], uint32(old))
		gen := old >> 32
		if atomic.CompareAndSwapUint64(&p.hdr.free, old, (gen+1)<<32|uint64(h)) {
			atomic.AddUint64(&p.hdr.released, 1)
			return
		}
	}
}

// Valid returns whether h refers to a buffer of this pool.
func (p *Pool) Valid(h Handle) bool {
	return uint32(h) < p.count
}

// slot returns the header of the given buffer.
func (p *Pool) slot(h Handle) *slotHeader {
	return overlay[slotHeader](p.slots, int(h)*p.slotSize)
}

// data returns the whole payload area of the given buffer.
func (p *Pool) data(h Handle) []byte {
	off := int(h)*p.slotSize + slotHeaderSize
	return p.slots[off : off+p.dataRoom : off+p.dataRoom]
}

// Store copies payload into the buffer and tags it with the input port. It
// returns false when the payload does not fit into the buffer.
func (p *Pool) Store(h Handle, port uint8, payload []byte) bool {
	if !p.Valid(h) || len(payload) > p.dataRoom {
		return false
	}
	copy(p.data(h), payload)
	slot := p.slot(h)
	atomic.StoreUint32(&slot.port, uint32(port))
	atomic.StoreUint32(&slot.length, uint32(len(payload)))
	return true
}

// Payload returns the frame stored in the buffer. The returned slice aliases
// shared memory and is only valid while we hold the buffer.
func (p *Pool) Payload(h Handle) []byte {
	if !p.Valid(h) {
		return nil
	}
	length := int(atomic.LoadUint32(&p.slot(h).length))
	if length > p.dataRoom {
		length = p.dataRoom
	}
	return p.data(h)[:length]
}

// Port returns the port on which the frame stored in the buffer was received.
func (p *Pool) Port(h Handle) uint8 {
	if !p.Valid(h) {
		return 0
	}
	return uint8(atomic.LoadUint32(&p.slot(h).port))
}

// Acquired returns the number of successful acquisitions.
func (p *Pool) Acquired() uint64 {
	return atomic.LoadUint64(&p.hdr.acquired)
}

// Released returns the number of buffers returned to the pool.
func (p *Pool) Released() uint64 {
	return atomic.LoadUint64(&p.hdr.released)
}

// InFlight returns the number of buffers currently held by some process.
func (p *Pool) InFlight() uint64 {
	released := p.Released()
	return p.Acquired() - released
}

// Available walks the free list and counts the free buffers. This is
// only accurate when nobody is using the pool.
func (p *Pool) Available() int {
	count := 0
	idx := uint32(atomic.LoadUint64(&p.hdr.free))
	for Handle(idx) != NilHandle && idx < p.count && count <= int(p.count) {
		count++
		idx = atomic.LoadUint32(&p.links[idx])
	}
	return count
}

// Close unmaps the pool; the server also removes it.
func (p *Pool) Close() error {
	return p.region.Close()
}
