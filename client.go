package shmswitch

//
// Client forwarding loop
//

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// DefaultBatchSize is the default number of handles a client dequeues at once,
// which is also the capacity of each staging buffer.
const DefaultBatchSize = 32

// Disposition tells what a client does with the frames it dequeues.
type Disposition int

const (
	// DispositionParity means that clients with an even identifier
	// forward frames and clients with an odd identifier drop them.
	DispositionParity = Disposition(iota)

	// DispositionForward means that the client forwards frames.
	DispositionForward

	// DispositionDrop means that the client drops frames.
	DispositionDrop
)

// String implements fmt.Stringer
func (d Disposition) String() string {
	switch d {
	case DispositionForward:
		return "forward"
	case DispositionDrop:
		return "drop"
	default:
		return "parity"
	}
}

// Resolve returns the disposition of the client with the given identifier.
func (d Disposition) Resolve(id int) Disposition {
	if d != DispositionParity {
		return d
	}
	if id%2 == 0 {
		return DispositionForward
	}
	return DispositionDrop
}

// ClientConfig contains config for [NewClient].
type ClientConfig struct {
	// BatchSize is the OPTIONAL dequeue batch size.
	BatchSize int

	// Disposition is the OPTIONAL disposition; by default
	// we use [DispositionParity].
	Disposition Disposition

	// Env is the MANDATORY environment.
	Env *Env

	// ID is the client identifier, which is also the transmit
	// queue we use on every port.
	ID int

	// NotifyMode is the mechanism we expect the server to use to wake
	// us; the mode the server recorded in the port info wins.
	NotifyMode NotifyMode

	// Ports contains the ports we transmit on.
	Ports []Port

	// TableKind selects the forwarding table.
	TableKind TableKind
}

// Client dequeues the handles the server assigns to it and either forwards
// or drops the corresponding frames. The zero value is invalid; use [NewClient].
type Client struct {
	// batch is the dequeue buffer.
	batch []Handle

	// closeOnce provides "once" semantics for Close.
	closeOnce sync.Once

	// disposition is either DispositionForward or DispositionDrop.
	disposition Disposition

	// env is the environment.
	env *Env

	// frame is reused to transmit.
	frame Frame

	// id is the client ID.
	id int

	// needFlush indicates that we dequeued frames since the last idle phase.
	needFlush bool

	// notifier is our end of the notify channel.
	notifier NotifyChannel

	// pool is the shared buffer pool.
	pool *Pool

	// portInfo is the port info table.
	portInfo *PortInfo

	// ports maps port IDs to the ports we transmit on.
	ports [MaxPorts]Port

	// ring is our hand-off queue.
	ring *Ring

	// staging contains the handles waiting to be transmitted on each port.
	staging [MaxPorts][]Handle

	// stats is our statistics block.
	stats *ClientStats

	// table is the forwarding table.
	table *ForwardingTable
}

// ErrClientConfig indicates an invalid [ClientConfig].
var ErrClientConfig = errors.New("shmswitch: invalid client config")

// NewClient attaches to the shared state created by the server. This function
// fails immediately when the server has not created the state yet.
func NewClient(config *ClientConfig) (*Client, error) {
	if config.Env == nil {
		return nil, fmt.Errorf("%w: missing Env", ErrClientConfig)
	}
	if config.ID < 0 || config.ID >= MaxClients {
		return nil, fmt.Errorf("%w: %d", ErrClientID, config.ID)
	}
	env := config.Env
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	portInfo, err := AttachPortInfo(env)
	if err != nil {
		return nil, fmt.Errorf("shmswitch: cannot get port info (is the server running?): %w", err)
	}
	stats, err := portInfo.ClientStats(config.ID)
	if err != nil {
		portInfo.Close()
		return nil, err
	}
	table, err := NewForwardingTable(config.TableKind, portInfo.PortIDs())
	if err != nil {
		portInfo.Close()
		return nil, err
	}
	pool, err := AttachPool(env)
	if err != nil {
		portInfo.Close()
		return nil, fmt.Errorf("shmswitch: cannot get mbuf pool: %w", err)
	}
	ring, err := AttachRing(env, ClientRingName(config.ID))
	if err != nil {
		pool.Close()
		portInfo.Close()
		return nil, fmt.Errorf("shmswitch: cannot get RX ring (is the server running?): %w", err)
	}

	// clients attach after the server created the ring, hence after it
	// recorded the notify mode it actually uses
	mode := config.NotifyMode
	if serverMode := portInfo.NotifyMode(); serverMode != mode {
		env.Logger.Warnf("shmswitch: client %d: the server uses %s notify instead of %s; adopting it",
			config.ID, serverMode, mode)
		mode = serverMode
	}

	c := &Client{
		batch:       make([]Handle, batchSize),
		closeOnce:   sync.Once{},
		disposition: config.Disposition.Resolve(config.ID),
		env:         env,
		frame:       Frame{},
		id:          config.ID,
		needFlush:   false,
		notifier:    OpenClientNotifier(env, mode, config.ID),
		pool:        pool,
		portInfo:    portInfo,
		ring:        ring,
		stats:       stats,
		table:       table,
	}
	for _, port := range config.Ports {
		if id := port.ID(); id < MaxPorts {
			c.ports[id] = port
		}
	}
	for _, id := range portInfo.PortIDs() {
		c.staging[id] = make([]Handle, 0, batchSize)
	}
	env.Logger.Infof("shmswitch: client %d: attached (%s, %d ports)", c.id, c.disposition, portInfo.NumPorts())
	return c, nil
}

// ID returns the client identifier.
func (c *Client) ID() int {
	return c.id
}

// Disposition returns what this client does with frames.
func (c *Client) Disposition() Disposition {
	return c.disposition
}

// Pending returns the number of handles staged for the given port.
func (c *Client) Pending(port uint8) int {
	if port >= MaxPorts {
		return 0
	}
	return len(c.staging[port])
}

// RunOnce drains the hand-off queue once. When there is nothing to drain, it
// runs the idle phase, which flushes the partially filled staging buffers.
// It returns the number of handles dequeued.
func (c *Client) RunOnce() int {
	count := c.drain()
	if count > 0 {
		return count
	}
	c.idle()
	return 0
}

// drain dequeues a batch and routes or drops each handle.
func (c *Client) drain() int {
	count := c.ring.DequeueBatch(c.batch)
	if count < len(c.batch) {
		c.stats.AddBadBatch()
	}
	if count <= 0 {
		return 0
	}
	c.stats.AddPackets(count)
	c.needFlush = true
	for _, h := range c.batch[:count] {
		if !c.pool.Valid(h) {
			c.stats.AddInvalidHandle()
			continue
		}
		out := c.table.Output(c.pool.Port(h))
		if c.disposition == DispositionDrop {
			c.pool.Release(h)
			c.stats.AddTxDrop(out, 1)
			continue
		}
		c.stage(out, h)
	}
	return count
}

// stage appends h to the staging buffer of port and transmits when the buffer is full.
func (c *Client) stage(port uint8, h Handle) {
	if port >= MaxPorts || c.ports[port] == nil {
		c.pool.Release(h)
		c.stats.AddTxDrop(port, 1)
		return
	}
	c.staging[port] = append(c.staging[port], h)
	if len(c.staging[port]) >= len(c.batch) {
		c.send(port)
	}
}

// send transmits the staging buffer of port. The port copies what it accepts, so
// we release every buffer. The frames the port refused are dropped.
func (c *Client) send(port uint8) {
	handles := c.staging[port]
	if len(handles) <= 0 {
		return
	}
	txq := uint16(c.id)
	c.frame.Timestamp = time.Now()
	sent := 0
	for _, h := range handles {
		c.frame.Payload = c.pool.Payload(h)
		if err := c.ports[port].WriteFrame(txq, &c.frame); err != nil {
			if !errors.Is(err, ErrPacketDropped) {
				c.env.Logger.Debugf("shmswitch: client %d: port %d: %s", c.id, port, err.Error())
			}
			break
		}
		sent++
	}
	c.frame.Payload = nil
	for _, h := range handles {
		c.pool.Release(h)
	}
	if unsent := len(handles) - sent; unsent > 0 {
		c.stats.AddTxDrop(port, unsent)
		c.stats.AddShortBurst(port)
	}
	c.stats.AddTx(port, sent)
	c.staging[port] = handles[:0]
}

// idle runs when a drain returned nothing. Flushing here bounds the latency
// of frames sitting in staging buffers that never fill up. An idle phase with
// nothing to flush means that we polled or woke up for no work.
func (c *Client) idle() {
	if !c.needFlush {
		c.stats.AddBadWakeup()
		return
	}
	c.flush()
	c.needFlush = false
}

// flush transmits every non-empty staging buffer.
func (c *Client) flush() {
	for port := range c.staging {
		if len(c.staging[port]) > 0 {
			c.send(uint8(port))
		}
	}
}

// Run runs the forwarding loop until the context is done.
func (c *Client) Run(ctx context.Context) error {
	c.env.Logger.Infof("shmswitch: client %d: forwarding loop started (notify: %s)", c.id, c.notifier.Mode())
	defer c.env.Logger.Infof("shmswitch: client %d: forwarding loop stopped", c.id)
	for ctx.Err() == nil {
		if c.RunOnce() > 0 {
			continue
		}
		c.wait(ctx)
	}
	c.flush()
	return nil
}

// wait blocks until the server wakes us. We announce that we are about to block
// before checking the queue once more, so the server cannot enqueue without
// noticing that we need a wakeup.
func (c *Client) wait(ctx context.Context) {
	if c.notifier.Mode() == NotifyPoll {
		runtime.Gosched()
		return
	}
	c.notifier.AnnounceIdle()
	if c.ring.Len() > 0 {
		c.notifier.CancelIdle()
		return
	}
	err := c.notifier.WaitForWake(ctx)
	switch {
	case err == nil:
		c.stats.AddWakeMessage()
	case errors.Is(err, ErrWaitTimeout), ctx.Err() != nil:
		// nothing
	default:
		c.env.Logger.Warnf("shmswitch: client %d: %s notify failed: %s; falling back to poll",
			c.id, c.notifier.Mode(), err.Error())
		c.notifier.Close()
		c.notifier = &pollChannel{}
	}
}

// NotifyMode returns the notify mode in use.
func (c *Client) NotifyMode() NotifyMode {
	return c.notifier.Mode()
}

// Close releases the staged buffers and detaches from the shared state.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		for port := range c.staging {
			if n := len(c.staging[port]); n > 0 {
				for _, h := range c.staging[port] {
					c.pool.Release(h)
				}
				c.stats.AddTxDrop(uint8(port), n)
				c.staging[port] = c.staging[port][:0]
			}
		}
		c.notifier.Close()
		c.ring.Close()
		c.pool.Close()
		c.portInfo.Close()
	})
	return nil
}
