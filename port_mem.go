package shmswitch

//
// In-memory port
//

import (
	"sync"

	"github.com/eapache/queue"
)

// DefaultMemPortTxCapacity is the default capacity of each transmit queue of a [MemPort].
const DefaultMemPortTxCapacity = 4096

// MemPort is an emulated [Port] whose receive and transmit sides are
// in-memory FIFOs. Tests and the demo inject frames into the receive side
// and collect what the clients transmit. The zero value is invalid; use
// [NewMemPort] to construct.
type MemPort struct {
	// closed indicates that Close was called.
	closed bool

	// id is the port ID.
	id uint8

	// mu provides mutual exclusion.
	mu sync.Mutex

	// rx contains the *Frame waiting to be read.
	rx *queue.Queue

	// tx contains a queue of transmitted *Frame per transmit queue.
	tx map[uint16]*queue.Queue

	// txCap is the capacity of each transmit queue or zero when unbounded.
	txCap int
}

var _ Port = &MemPort{}

// NewMemPort creates a [MemPort] where each transmit queue holds up to txCap
// frames. A zero or negative txCap means unbounded queues.
func NewMemPort(id uint8, txCap int) *MemPort {
	if txCap < 0 {
		txCap = 0
	}
	return &MemPort{
		closed: false,
		id:     id,
		mu:     sync.Mutex{},
		rx:     queue.New(),
		tx:     map[uint16]*queue.Queue{},
		txCap:  txCap,
	}
}

// ID implements Port
func (mp *MemPort) ID() uint8 {
	return mp.id
}

// InjectFrame copies payload and appends it to the receive side.
func (mp *MemPort) InjectFrame(payload []byte) error {
	frame := NewFrame(append([]byte{}, payload...))
	defer mp.mu.Unlock()
	mp.mu.Lock()
	if mp.closed {
		return ErrPortClosed
	}
	mp.rx.Add(frame)
	return nil
}

// ReadFrameNonblocking implements Port
func (mp *MemPort) ReadFrameNonblocking() (*Frame, error) {
	defer mp.mu.Unlock()
	mp.mu.Lock()
	if mp.closed {
		return nil, ErrPortClosed
	}
	if mp.rx.Length() <= 0 {
		return nil, ErrNoPacket
	}
	return mp.rx.Remove().(*Frame), nil
}

// Pending returns the number of frames waiting to be read.
func (mp *MemPort) Pending() int {
	defer mp.mu.Unlock()
	mp.mu.Lock()
	return mp.rx.Length()
}

// WriteFrame implements Port
func (mp *MemPort) WriteFrame(txq uint16, frame *Frame) error {
	dup := &Frame{
		Timestamp: frame.Timestamp,
		Payload:   append([]byte{}, frame.Payload...),
	}
	defer mp.mu.Unlock()
	mp.mu.Lock()
	if mp.closed {
		return ErrPortClosed
	}
	q := mp.tx[txq]
	if q == nil {
		q = queue.New()
		mp.tx[txq] = q
	}
	if mp.txCap > 0 && q.Length() >= mp.txCap {
		return ErrPacketDropped
	}
	q.Add(dup)
	return nil
}

// Transmitted removes and returns the frames written on the given transmit queue.
func (mp *MemPort) Transmitted(txq uint16) []*Frame {
	defer mp.mu.Unlock()
	mp.mu.Lock()
	q := mp.tx[txq]
	if q == nil {
		return nil
	}
	out := make([]*Frame, 0, q.Length())
	for q.Length() > 0 {
		out = append(out, q.Remove().(*Frame))
	}
	return out
}

// TransmittedCount returns the number of frames waiting on the given transmit queue.
func (mp *MemPort) TransmittedCount(txq uint16) int {
	defer mp.mu.Unlock()
	mp.mu.Lock()
	if q := mp.tx[txq]; q != nil {
		return q.Length()
	}
	return 0
}

// Close implements Port
func (mp *MemPort) Close() error {
	defer mp.mu.Unlock()
	mp.mu.Lock()
	mp.closed = true
	return nil
}
