package shmswitch

//
// Shared port info and statistics
//

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	// MaxPorts is the maximum number of ports.
	MaxPorts = 32

	// MaxClients is the maximum number of clients.
	MaxClients = 16
)

// rxStatsBlock contains the receive statistics. Only the server writes them.
type rxStatsBlock struct {
	rx            [MaxPorts]uint64
	dropQueueFull [MaxPorts]uint64
	dropExhausted [MaxPorts]uint64
	dropOversize  [MaxPorts]uint64
}

// txStatsBlock contains the statistics of a client. Only that client writes
// them, so each client has its own cache lines.
type txStatsBlock struct {
	tx             [MaxPorts]uint64
	txDrop         [MaxPorts]uint64
	shortBursts    [MaxPorts]uint64
	packets        uint64
	wakeMessages   uint64
	badWakeups     uint64
	badBatches     uint64
	invalidHandles uint64
	_              [24]byte
}

// portInfoLayout is the body of the port info region. The port identifiers
// are read-only once published and share the first cache line with the
// notify mode the server actually uses.
type portInfoLayout struct {
	numPorts   uint32
	numClients uint32
	notifyMode uint32
	id         [MaxPorts]uint8
	_          [20]byte
	rxStats    rxStatsBlock
	txStats    [MaxClients]txStatsBlock
}

// DropReason is the reason why the server dropped a received frame.
type DropReason int

const (
	// DropQueueFull means that the client hand-off queue was full.
	DropQueueFull = DropReason(iota)

	// DropPoolExhausted means that no buffer was available.
	DropPoolExhausted

	// DropOversize means that the frame did not fit into a buffer.
	DropOversize
)

// String implements fmt.Stringer
func (r DropReason) String() string {
	switch r {
	case DropQueueFull:
		return "queue-full"
	case DropPoolExhausted:
		return "pool-exhausted"
	case DropOversize:
		return "oversize"
	default:
		return "unknown"
	}
}

// ErrNoPorts indicates that no port is available.
var ErrNoPorts = errors.New("shmswitch: no ethernet ports")

// ErrTooManyPorts indicates that there are more ports than [MaxPorts].
var ErrTooManyPorts = fmt.Errorf("shmswitch: too many ethernet ports (max %d)", MaxPorts)

// ErrInvalidPort indicates a port identifier not lower than [MaxPorts].
var ErrInvalidPort = errors.New("shmswitch: invalid port identifier")

// ErrClientCount indicates an invalid number of clients.
var ErrClientCount = fmt.Errorf("shmswitch: the number of clients must be between 1 and %d", MaxClients)

// ErrClientID indicates a client identifier outside of the deployment.
var ErrClientID = errors.New("shmswitch: invalid client identifier")

// PortInfo is the process-wide table of active ports and the statistics blocks,
// created by the server before any client attaches. The zero value is
// invalid; use [NewPortInfo] or [AttachPortInfo].
type PortInfo struct {
	layout *portInfoLayout
	region *Region
}

// NewPortInfo creates the port info table for the given ports and number of clients.
func NewPortInfo(env *Env, ids []uint8, numClients int) (*PortInfo, error) {
	if err := validatePortIDs(ids); err != nil {
		return nil, err
	}
	if numClients < 1 || numClients > MaxClients {
		return nil, fmt.Errorf("%w: %d", ErrClientCount, numClients)
	}
	region, err := createRegion(env, PortInfoRegionName, regionKindPortInfo, int(unsafe.Sizeof(portInfoLayout{})))
	if err != nil {
		return nil, err
	}
	layout := overlay[portInfoLayout](region.body(), 0)
	layout.numPorts = uint32(len(ids))
	layout.numClients = uint32(numClients)
	copy(layout.id[:], ids)
	region.publish()
	return &PortInfo{layout: layout, region: region}, nil
}

// AttachPortInfo maps the port info table created by the server.
func AttachPortInfo(env *Env) (*PortInfo, error) {
	region, err := attachRegion(env, PortInfoRegionName, regionKindPortInfo)
	if err != nil {
		return nil, err
	}
	if len(region.body()) < int(unsafe.Sizeof(portInfoLayout{})) {
		region.Close()
		return nil, fmt.Errorf("%w: %s: truncated", ErrRegionLayout, PortInfoRegionName)
	}
	pi := &PortInfo{
		layout: overlay[portInfoLayout](region.body(), 0),
		region: region,
	}
	if pi.NumPorts() > MaxPorts {
		region.Close()
		return nil, fmt.Errorf("%w: %d", ErrTooManyPorts, pi.NumPorts())
	}
	return pi, nil
}

// validatePortIDs checks a list of active ports.
func validatePortIDs(ids []uint8) error {
	if len(ids) == 0 {
		return ErrNoPorts
	}
	if len(ids) > MaxPorts {
		return fmt.Errorf("%w: %d", ErrTooManyPorts, len(ids))
	}
	for _, id := range ids {
		if id >= MaxPorts {
			return fmt.Errorf("%w: %d", ErrInvalidPort, id)
		}
	}
	return nil
}

// NumPorts returns the number of active ports.
func (pi *PortInfo) NumPorts() int {
	return int(atomic.LoadUint32(&pi.layout.numPorts))
}

// NumClients returns the number of clients of the deployment.
func (pi *PortInfo) NumClients() int {
	return int(atomic.LoadUint32(&pi.layout.numClients))
}

// NotifyMode returns the notify mode the server uses, which clients must use too.
func (pi *PortInfo) NotifyMode() NotifyMode {
	return NotifyMode(atomic.LoadUint32(&pi.layout.notifyMode))
}

// setNotifyMode records the notify mode the server uses.
func (pi *PortInfo) setNotifyMode(mode NotifyMode) {
	atomic.StoreUint32(&pi.layout.notifyMode, uint32(mode))
}

// PortIDs returns the identifiers of the active ports.
func (pi *PortInfo) PortIDs() []uint8 {
	n := pi.NumPorts()
	if n > MaxPorts {
		n = MaxPorts
	}
	out := make([]uint8, n)
	copy(out, pi.layout.id[:n])
	return out
}

// AddRx accounts for n frames received on port.
func (pi *PortInfo) AddRx(port uint8, n int) {
	if n > 0 && port < MaxPorts {
		atomic.AddUint64(&pi.layout.rxStats.rx[port], uint64(n))
	}
}

// AddRxDrop accounts for n frames received on port and dropped by the server.
func (pi *PortInfo) AddRxDrop(port uint8, reason DropReason, n int) {
	if n <= 0 || port >= MaxPorts {
		return
	}
	blk := &pi.layout.rxStats
	switch reason {
	case DropQueueFull:
		atomic.AddUint64(&blk.dropQueueFull[port], uint64(n))
	case DropPoolExhausted:
		atomic.AddUint64(&blk.dropExhausted[port], uint64(n))
	case DropOversize:
		atomic.AddUint64(&blk.dropOversize[port], uint64(n))
	}
}

// ClientStats returns the statistics block of a client.
func (pi *PortInfo) ClientStats(id int) (*ClientStats, error) {
	if id < 0 || id >= MaxClients || id >= pi.NumClients() {
		return nil, fmt.Errorf("%w: %d", ErrClientID, id)
	}
	return &ClientStats{blk: &pi.layout.txStats[id]}, nil
}

// Close unmaps the table; the server also removes it.
func (pi *PortInfo) Close() error {
	return pi.region.Close()
}

// ClientStats is the statistics block a client writes.
type ClientStats struct {
	blk *txStatsBlock
}

// AddTx accounts for n frames transmitted on port.
func (cs *ClientStats) AddTx(port uint8, n int) {
	if n > 0 && port < MaxPorts {
		atomic.AddUint64(&cs.blk.tx[port], uint64(n))
	}
}

// AddTxDrop accounts for n frames for port that were dropped.
func (cs *ClientStats) AddTxDrop(port uint8, n int) {
	if n > 0 && port < MaxPorts {
		atomic.AddUint64(&cs.blk.txDrop[port], uint64(n))
	}
}

// AddShortBurst accounts for a transmit burst on port that the port did not fully accept.
func (cs *ClientStats) AddShortBurst(port uint8) {
	if port < MaxPorts {
		atomic.AddUint64(&cs.blk.shortBursts[port], 1)
	}
}

// AddPackets accounts for n handles dequeued by the client.
func (cs *ClientStats) AddPackets(n int) {
	atomic.AddUint64(&cs.blk.packets, uint64(n))
}

// AddWakeMessage accounts for a wakeup received through the notify channel.
func (cs *ClientStats) AddWakeMessage() {
	atomic.AddUint64(&cs.blk.wakeMessages, 1)
}

// AddBadWakeup accounts for a wakeup that found no work.
func (cs *ClientStats) AddBadWakeup() {
	atomic.AddUint64(&cs.blk.badWakeups, 1)
}

// AddBadBatch accounts for a dequeue that returned less than a full batch.
func (cs *ClientStats) AddBadBatch() {
	atomic.AddUint64(&cs.blk.badBatches, 1)
}

// AddInvalidHandle accounts for a dequeued handle not belonging to the pool.
func (cs *ClientStats) AddInvalidHandle() {
	atomic.AddUint64(&cs.blk.invalidHandles, 1)
}

// PortSnapshot contains the receive statistics of a port.
type PortSnapshot struct {
	ID            uint8  `json:"id"`
	Rx            uint64 `json:"rx"`
	DropQueueFull uint64 `json:"drop_queue_full"`
	DropExhausted uint64 `json:"drop_exhausted"`
	DropOversize  uint64 `json:"drop_oversize"`
}

// ClientSnapshot contains the statistics of a client. The per-port
// slices follow the order of [Snapshot.Ports].
type ClientSnapshot struct {
	ID             int      `json:"id"`
	Tx             []uint64 `json:"tx"`
	TxDrop         []uint64 `json:"tx_drop"`
	ShortBursts    []uint64 `json:"short_bursts"`
	Packets        uint64   `json:"packets"`
	WakeMessages   uint64   `json:"wake_messages"`
	BadWakeups     uint64   `json:"bad_wakeups"`
	BadBatches     uint64   `json:"bad_batches"`
	InvalidHandles uint64   `json:"invalid_handles"`
}

// TotalTx returns the frames transmitted by the client on all ports.
func (cs *ClientSnapshot) TotalTx() (total uint64) {
	for _, v := range cs.Tx {
		total += v
	}
	return
}

// TotalTxDrop returns the frames dropped by the client on all ports.
func (cs *ClientSnapshot) TotalTxDrop() (total uint64) {
	for _, v := range cs.TxDrop {
		total += v
	}
	return
}

// Snapshot is a point-in-time copy of the port info statistics.
type Snapshot struct {
	Time    time.Time        `json:"time"`
	Ports   []PortSnapshot   `json:"ports"`
	Clients []ClientSnapshot `json:"clients"`
}

// Snapshot reads all the statistics. Counters are read one by one, so
// the snapshot is not atomic with respect to concurrent writers.
func (pi *PortInfo) Snapshot() *Snapshot {
	ids := pi.PortIDs()
	snap := &Snapshot{
		Time:    time.Now(),
		Ports:   make([]PortSnapshot, 0, len(ids)),
		Clients: []ClientSnapshot{},
	}
	rx := &pi.layout.rxStats
	for _, id := range ids {
		if id >= MaxPorts {
			continue
		}
		snap.Ports = append(snap.Ports, PortSnapshot{
			ID:            id,
			Rx:            atomic.LoadUint64(&rx.rx[id]),
			DropQueueFull: atomic.LoadUint64(&rx.dropQueueFull[id]),
			DropExhausted: atomic.LoadUint64(&rx.dropExhausted[id]),
			DropOversize:  atomic.LoadUint64(&rx.dropOversize[id]),
		})
	}
	numClients := pi.NumClients()
	if numClients > MaxClients {
		numClients = MaxClients
	}
	for cl := 0; cl < numClients; cl++ {
		blk := &pi.layout.txStats[cl]
		cs := ClientSnapshot{
			ID:             cl,
			Tx:             make([]uint64, 0, len(snap.Ports)),
			TxDrop:         make([]uint64, 0, len(snap.Ports)),
			ShortBursts:    make([]uint64, 0, len(snap.Ports)),
			Packets:        atomic.LoadUint64(&blk.packets),
			WakeMessages:   atomic.LoadUint64(&blk.wakeMessages),
			BadWakeups:     atomic.LoadUint64(&blk.badWakeups),
			BadBatches:     atomic.LoadUint64(&blk.badBatches),
			InvalidHandles: atomic.LoadUint64(&blk.invalidHandles),
		}
		for _, port := range snap.Ports {
			cs.Tx = append(cs.Tx, atomic.LoadUint64(&blk.tx[port.ID]))
			cs.TxDrop = append(cs.TxDrop, atomic.LoadUint64(&blk.txDrop[port.ID]))
			cs.ShortBursts = append(cs.ShortBursts, atomic.LoadUint64(&blk.shortBursts[port.ID]))
		}
		snap.Clients = append(snap.Clients, cs)
	}
	return snap
}
