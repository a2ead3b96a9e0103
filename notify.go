package shmswitch

//
// Wake/notify channel
//

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// NotifyMode selects the mechanism used to wake idle clients. Every
// process of a deployment MUST use the same mode.
type NotifyMode int

const (
	// NotifyPoll means that clients never block and busy-poll their queue.
	NotifyPoll = NotifyMode(iota)

	// NotifyFIFO means that the server wakes clients writing a line into a named pipe.
	NotifyFIFO

	// NotifySem means that the server wakes clients posting a shared semaphore.
	NotifySem

	// NotifyFlag means that clients poll a shared flag the server flips.
	NotifyFlag
)

// String implements fmt.Stringer
func (m NotifyMode) String() string {
	switch m {
	case NotifyFIFO:
		return "fifo"
	case NotifySem:
		return "sem"
	case NotifyFlag:
		return "flag"
	default:
		return "poll"
	}
}

// ErrNotifyMode indicates an unknown notify mode.
var ErrNotifyMode = errors.New("shmswitch: unknown notify mode")

// ParseNotifyMode parses the name of a [NotifyMode].
func ParseNotifyMode(name string) (NotifyMode, error) {
	switch name {
	case "", "poll", "none":
		return NotifyPoll, nil
	case "fifo":
		return NotifyFIFO, nil
	case "sem":
		return NotifySem, nil
	case "flag":
		return NotifyFlag, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrNotifyMode, name)
	}
}

// ClientState is the state a client announces to the server.
type ClientState uint32

const (
	// ClientRunning means the client is draining its queue and needs no wakeup.
	ClientRunning = ClientState(iota)

	// ClientAboutToBlock means the client found its queue empty and is going to block.
	ClientAboutToBlock

	// ClientBlocked means the client is waiting for a wakeup.
	ClientBlocked
)

// String implements fmt.Stringer
func (s ClientState) String() string {
	switch s {
	case ClientRunning:
		return "running"
	case ClientAboutToBlock:
		return "about-to-block"
	case ClientBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// ErrWaitTimeout indicates that a wait ended without a wakeup.
var ErrWaitTimeout = errors.New("shmswitch: no wakeup before the timeout")

// ErrPeerGone indicates that the process on the other side of a notify channel exited.
var ErrPeerGone = errors.New("shmswitch: notify peer is gone")

// NotifyChannel allows the server to wake an idle client. The server and the
// client each hold their own end of the same channel. To avoid lost wakeups:
//
// - the client calls AnnounceIdle, then checks its queue again, and then
// either calls CancelIdle, if it found work, or WaitForWake;
//
// - the server calls Signal only after the handles it enqueued are visible.
//
// Because the announcement and the queue indexes are sequentially
// consistent atomics, either the client sees the new handles or the
// server sees the announcement and sends a wakeup.
type NotifyChannel interface {
	// AnnounceIdle moves the client from running to about-to-block.
	AnnounceIdle()

	// CancelIdle moves the client back to running without blocking.
	CancelIdle()

	// WaitForWake blocks the client until the server wakes it up or the
	// context is done. Modes that poll return ErrWaitTimeout when their
	// poll interval elapses. The client is running again when this
	// method returns.
	WaitForWake(ctx context.Context) error

	// Signal wakes the client unless it is running. It returns whether
	// it issued a wakeup.
	Signal() (bool, error)

	// State returns the state the client announced.
	State() ClientState

	// Mode returns the notify mode.
	Mode() NotifyMode

	// Close releases the resources of this end of the channel.
	Close() error
}

// CreateNotifier creates the server end of the channel of the given client.
func CreateNotifier(env *Env, mode NotifyMode, id int) (NotifyChannel, error) {
	switch mode {
	case NotifyPoll:
		return &pollChannel{}, nil
	case NotifyFIFO:
		return createFIFOChannel(env, id)
	case NotifySem:
		return createSemChannel(env, id)
	case NotifyFlag:
		return createFlagChannel(env, id)
	default:
		return nil, fmt.Errorf("%w: %d", ErrNotifyMode, mode)
	}
}

// AttachNotifier opens the client end of the channel of the given client.
func AttachNotifier(env *Env, mode NotifyMode, id int) (NotifyChannel, error) {
	switch mode {
	case NotifyPoll:
		return &pollChannel{}, nil
	case NotifyFIFO:
		return attachFIFOChannel(env, id)
	case NotifySem:
		return attachSemChannel(env, id)
	case NotifyFlag:
		return attachFlagChannel(env, id)
	default:
		return nil, fmt.Errorf("%w: %d", ErrNotifyMode, mode)
	}
}

// OpenServerNotifiers creates the server ends of the channels of all the clients. When
// the chosen mechanism cannot be set up, it logs a warning and falls back to
// busy-polling for all the clients. When busy-polling, it removes the notify
// resources a previous run may have left behind, so no client can attach to them.
func OpenServerNotifiers(env *Env, mode NotifyMode, numClients int) []NotifyChannel {
	if mode == NotifyPoll {
		removeStaleNotifiers(env, numClients)
		return newPollChannels(numClients)
	}
	out := make([]NotifyChannel, 0, numClients)
	for id := 0; id < numClients; id++ {
		nc, err := CreateNotifier(env, mode, id)
		if err != nil {
			env.Logger.Warnf("shmswitch: cannot set up %s notify for client %d: %s; falling back to poll",
				mode, id, err.Error())
			for _, prev := range out {
				prev.Close()
			}
			removeStaleNotifiers(env, numClients)
			return newPollChannels(numClients)
		}
		out = append(out, nc)
	}
	return out
}

// removeStaleNotifiers removes the notify resources of the given clients.
func removeStaleNotifiers(env *Env, numClients int) {
	for id := 0; id < numClients; id++ {
		for _, name := range []string{ClientFIFOName(id), ClientSemName(id), ClientFlagName(id)} {
			if err := os.Remove(filepath.Join(env.Dir, name)); err == nil {
				env.Logger.Debugf("shmswitch: removed stale %s", name)
			}
		}
	}
}

// OpenClientNotifier opens the client end of its channel, falling back to
// busy-polling with a warning when the mechanism cannot be set up.
func OpenClientNotifier(env *Env, mode NotifyMode, id int) NotifyChannel {
	nc, err := AttachNotifier(env, mode, id)
	if err != nil {
		env.Logger.Warnf("shmswitch: cannot attach %s notify for client %d: %s; falling back to poll",
			mode, id, err.Error())
		return &pollChannel{}
	}
	return nc
}

// newPollChannels returns n busy-poll channels.
func newPollChannels(n int) []NotifyChannel {
	out := make([]NotifyChannel, 0, n)
	for idx := 0; idx < n; idx++ {
		out = append(out, &pollChannel{})
	}
	return out
}

// pollChannel is the busy-poll [NotifyChannel]. It has no state at all.
type pollChannel struct{}

var _ NotifyChannel = &pollChannel{}

// AnnounceIdle implements NotifyChannel
func (pc *pollChannel) AnnounceIdle() {}

// CancelIdle implements NotifyChannel
func (pc *pollChannel) CancelIdle() {}

// WaitForWake implements NotifyChannel
func (pc *pollChannel) WaitForWake(ctx context.Context) error {
	runtime.Gosched()
	return ctx.Err()
}

// Signal implements NotifyChannel
func (pc *pollChannel) Signal() (bool, error) {
	return false, nil
}

// State implements NotifyChannel
func (pc *pollChannel) State() ClientState {
	return ClientRunning
}

// Mode implements NotifyChannel
func (pc *pollChannel) Mode() NotifyMode {
	return NotifyPoll
}

// Close implements NotifyChannel
func (pc *pollChannel) Close() error {
	return nil
}

// flagLayout is the body of a client flag region.
type flagLayout struct {
	state uint32
	_     [60]byte
}

// sharedState is the client state word every blocking mode shares.
type sharedState struct {
	region *Region
	word   *uint32
}

// createSharedState creates the state word of the given client.
func createSharedState(env *Env, id int) (*sharedState, error) {
	region, err := createRegion(env, ClientFlagName(id), regionKindFlag, int(unsafe.Sizeof(flagLayout{})))
	if err != nil {
		return nil, err
	}
	layout := overlay[flagLayout](region.body(), 0)
	atomic.StoreUint32(&layout.state, uint32(ClientRunning))
	region.publish()
	return &sharedState{region: region, word: &layout.state}, nil
}

// attachSharedState maps the state word of the given client.
func attachSharedState(env *Env, id int) (*sharedState, error) {
	region, err := attachRegion(env, ClientFlagName(id), regionKindFlag)
	if err != nil {
		return nil, err
	}
	layout := overlay[flagLayout](region.body(), 0)
	return &sharedState{region: region, word: &layout.state}, nil
}

// AnnounceIdle implements NotifyChannel
func (ss *sharedState) AnnounceIdle() {
	atomic.StoreUint32(ss.word, uint32(ClientAboutToBlock))
}

// CancelIdle implements NotifyChannel
func (ss *sharedState) CancelIdle() {
	atomic.StoreUint32(ss.word, uint32(ClientRunning))
}

// State implements NotifyChannel
func (ss *sharedState) State() ClientState {
	return ClientState(atomic.LoadUint32(ss.word))
}

// block records that the client is about to wait. When the server already
// flipped the state back to running, a wakeup is on its way and we leave
// the state alone.
func (ss *sharedState) block() {
	atomic.CompareAndSwapUint32(ss.word, uint32(ClientAboutToBlock), uint32(ClientBlocked))
}

// resume records that the client is running again.
func (ss *sharedState) resume() {
	atomic.StoreUint32(ss.word, uint32(ClientRunning))
}

// claim is called by the server to flip a client that is not running back to
// running. It returns true when the server is responsible for waking the
// client, which guarantees one wakeup per announcement.
func (ss *sharedState) claim() bool {
	for {
		cur := atomic.LoadUint32(ss.word)
		if ClientState(cur) == ClientRunning {
			return false
		}
		if atomic.CompareAndSwapUint32(ss.word, cur, uint32(ClientRunning)) {
			return true
		}
	}
}

// close releases the state word.
func (ss *sharedState) close() error {
	return ss.region.Close()
}
