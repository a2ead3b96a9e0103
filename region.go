package shmswitch

//
// Named shared memory regions
//

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Names of the regions shared between the server and the clients.
const (
	// PoolRegionName is the name of the packet-buffer pool region.
	PoolRegionName = "MProc_pktmbuf_pool"

	// PortInfoRegionName is the name of the port info region.
	PortInfoRegionName = "MProc_port_info"
)

// ClientRingName returns the name of the hand-off queue of the given client.
func ClientRingName(id int) string {
	return fmt.Sprintf("MProc_Client_%d_RX", id)
}

// ClientFlagName returns the name of the region holding the notify state of the given client.
func ClientFlagName(id int) string {
	return fmt.Sprintf("MProc_Client_%d_IRQ_FLAG", id)
}

// ClientSemName returns the name of the region holding the semaphore of the given client.
func ClientSemName(id int) string {
	return fmt.Sprintf("MProc_Client_%d_SEM", id)
}

// ClientFIFOName returns the name of the named pipe of the given client.
func ClientFIFOName(id int) string {
	return fmt.Sprintf("MProc_Client_%d_FIFO", id)
}

// regionKind identifies the layout stored inside a region.
type regionKind uint32

const (
	regionKindPool = regionKind(iota + 1)
	regionKindPortInfo
	regionKindRing
	regionKindFlag
	regionKindSem
)

// String implements fmt.Stringer
func (k regionKind) String() string {
	switch k {
	case regionKindPool:
		return "pool"
	case regionKindPortInfo:
		return "port-info"
	case regionKindRing:
		return "ring"
	case regionKindFlag:
		return "flag"
	case regionKindSem:
		return "semaphore"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

const (
	// regionMagic identifies our regions.
	regionMagic = uint64(0x4d50524f43534857) // "MPROCSHW"

	// regionVersion is the version of the regions layout.
	regionVersion = uint32(1)

	// cacheLineSize is the cache line size we align shared data to.
	cacheLineSize = 64

	// regionHeaderSize is the size of the region header.
	regionHeaderSize = cacheLineSize
)

// regionHeader is the header at the beginning of each region. The creator
// publishes the ready word after it has initialized the region body.
type regionHeader struct {
	magic   uint64
	kind    uint32
	version uint32
	size    uint64
	ready   uint32
	_       [36]byte
}

// ErrRegionNotFound indicates that a region does not exist.
var ErrRegionNotFound = errors.New("shmswitch: shared region not found")

// ErrRegionLayout indicates that a region does not contain the expected layout.
var ErrRegionLayout = errors.New("shmswitch: shared region has unexpected layout")

// ErrRegionNotReady indicates that the region creator did not finish initializing it.
var ErrRegionNotReady = errors.New("shmswitch: shared region is not ready")

// Region is a named memory region shared between processes. The process that
// creates a region owns its lifetime and removes it on Close; processes
// that attach to it only unmap it. The zero value is invalid; use
// [createRegion] or [attachRegion] to construct.
type Region struct {
	// closeOnce provides "once" semantics for Close.
	closeOnce sync.Once

	// mem is the whole mapping, header included.
	mem []byte

	// name is the region name.
	name string

	// owner indicates whether we created the region.
	owner bool

	// path is the file backing the region.
	path string
}

// createRegion creates a region with a body of the given size. A stale region
// with the same name left behind by a previous run is replaced.
func createRegion(env *Env, name string, kind regionKind, size int) (*Region, error) {
	path := filepath.Join(env.Dir, name)
	total := regionHeaderSize + alignCacheLine(size)

	// remove leftovers of a crashed run
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("shmswitch: cannot remove stale region %s: %w", name, err)
	}

	filep, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, fmt.Errorf("shmswitch: cannot create region %s: %w", name, err)
	}
	defer filep.Close() // the mapping survives closing the file

	if err := filep.Truncate(int64(total)); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("shmswitch: cannot size region %s: %w", name, err)
	}

	mem, err := mapSharedFile(filep, total)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("shmswitch: cannot map region %s: %w", name, err)
	}

	hdr := overlay[regionHeader](mem, 0)
	hdr.magic = regionMagic
	hdr.kind = uint32(kind)
	hdr.version = regionVersion
	hdr.size = uint64(total)

	env.Logger.Debugf("shmswitch: created %s region %s [%d bytes]", kind, name, total)
	reg := &Region{
		closeOnce: sync.Once{},
		mem:       mem,
		name:      name,
		owner:     true,
		path:      path,
	}
	return reg, nil
}

// attachRegion maps an existing region created by another process.
func attachRegion(env *Env, name string, kind regionKind) (*Region, error) {
	path := filepath.Join(env.Dir, name)

	filep, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, name)
		}
		return nil, fmt.Errorf("shmswitch: cannot open region %s: %w", name, err)
	}
	defer filep.Close()

	info, err := filep.Stat()
	if err != nil {
		return nil, fmt.Errorf("shmswitch: cannot stat region %s: %w", name, err)
	}
	total := int(info.Size())
	if total < regionHeaderSize {
		return nil, fmt.Errorf("%w: %s: too small", ErrRegionLayout, name)
	}

	mem, err := mapSharedFile(filep, total)
	if err != nil {
		return nil, fmt.Errorf("shmswitch: cannot map region %s: %w", name, err)
	}

	hdr := overlay[regionHeader](mem, 0)
	switch {
	case atomic.LoadUint64(&hdr.magic) != regionMagic,
		atomic.LoadUint32(&hdr.version) != regionVersion,
		regionKind(atomic.LoadUint32(&hdr.kind)) != kind,
		atomic.LoadUint64(&hdr.size) != uint64(total):
		unmapSharedMemory(mem)
		return nil, fmt.Errorf("%w: %s: expected a %s region", ErrRegionLayout, name, kind)
	case atomic.LoadUint32(&hdr.ready) == 0:
		unmapSharedMemory(mem)
		return nil, fmt.Errorf("%w: %s", ErrRegionNotReady, name)
	}

	env.Logger.Debugf("shmswitch: attached %s region %s [%d bytes]", kind, name, total)
	reg := &Region{
		closeOnce: sync.Once{},
		mem:       mem,
		name:      name,
		owner:     false,
		path:      path,
	}
	return reg, nil
}

// publish marks the region as ready for attachers.
func (r *Region) publish() {
	hdr := overlay[regionHeader](r.mem, 0)
	atomic.StoreUint32(&hdr.ready, 1)
}

// Name returns the region name.
func (r *Region) Name() string {
	return r.name
}

// body returns the region bytes following the header.
func (r *Region) body() []byte {
	return r.mem[regionHeaderSize:]
}

// Close unmaps the region and, if we own it, removes it.
func (r *Region) Close() (err error) {
	r.closeOnce.Do(func() {
		if r.owner {
			os.Remove(r.path)
		}
		err = unmapSharedMemory(r.mem)
		r.mem = nil
	})
	return
}

// overlay returns a pointer to a T living at the given offset of mem. The
// caller MUST ensure that the offset is suitably aligned for T.
func overlay[T any](mem []byte, offset int) *T {
	return (*T)(unsafe.Pointer(&mem[offset]))
}

// overlayUint32s returns the count uint32 values starting at the given offset of mem.
func overlayUint32s(mem []byte, offset, count int) []uint32 {
	if count <= 0 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&mem[offset])), count)
}

// alignCacheLine rounds size up to a multiple of the cache line size.
func alignCacheLine(size int) int {
	return (size + cacheLineSize - 1) &^ (cacheLineSize - 1)
}
