package shmswitch

//
// Server dispatch loop
//

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// DefaultRxBurst is the default maximum number of frames read from a port per cycle.
const DefaultRxBurst = 32

// ServerConfig contains config for [NewServer].
type ServerConfig struct {
	// DataRoom is the OPTIONAL payload capacity of each buffer.
	DataRoom int

	// Env is the MANDATORY environment.
	Env *Env

	// MbufsPerClient is the OPTIONAL number of buffers budgeted per client.
	MbufsPerClient int

	// MbufsPerPort is the OPTIONAL number of buffers budgeted per port.
	MbufsPerPort int

	// NotifyMode is the mechanism used to wake idle clients.
	NotifyMode NotifyMode

	// NumClients is the MANDATORY number of clients.
	NumClients int

	// Policy is the OPTIONAL distribution policy, which defaults
	// to the [FlowHashPolicy].
	Policy DistributionPolicy

	// Ports contains the MANDATORY ports we receive from.
	Ports []Port

	// RingSize is the OPTIONAL capacity of each client hand-off queue.
	RingSize uint64

	// RxBurst is the OPTIONAL number of frames read from each port per cycle.
	RxBurst int
}

// Server receives frames from the ports and distributes them to the clients
// through their hand-off queues. The zero value is invalid; use [NewServer].
type Server struct {
	// closeOnce provides "once" semantics for Close.
	closeOnce sync.Once

	// env is the environment.
	env *Env

	// notifiers contains the server end of each client notify channel.
	notifiers []NotifyChannel

	// pending tracks the clients that received handles this cycle.
	pending []bool

	// policy is the distribution policy.
	policy DistributionPolicy

	// pool is the shared buffer pool.
	pool *Pool

	// portInfo is the port info table.
	portInfo *PortInfo

	// ports contains the ports; closed ports become nil.
	ports []Port

	// rings contains the client hand-off queues.
	rings []*Ring

	// rxBurst is the number of frames read from each port per cycle.
	rxBurst int
}

// ErrServerConfig indicates an invalid [ServerConfig].
var ErrServerConfig = errors.New("shmswitch: invalid server config")

// NewServer creates all the shared state and returns a [Server]. Any failure
// is fatal: this function cleans up what it created and returns the error.
func NewServer(config *ServerConfig) (*Server, error) {
	if config.Env == nil {
		return nil, fmt.Errorf("%w: missing Env", ErrServerConfig)
	}
	env := config.Env
	if config.NumClients < 1 || config.NumClients > MaxClients {
		return nil, fmt.Errorf("%w: %d", ErrClientCount, config.NumClients)
	}

	ids := make([]uint8, 0, len(config.Ports))
	seen := map[uint8]bool{}
	for _, port := range config.Ports {
		id := port.ID()
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate port %d", ErrInvalidPort, id)
		}
		seen[id] = true
		ids = append(ids, id)
	}

	srv := &Server{
		closeOnce: sync.Once{},
		env:       env,
		notifiers: nil,
		pending:   make([]bool, config.NumClients),
		policy:    config.Policy,
		ports:     append([]Port{}, config.Ports...),
		rxBurst:   config.RxBurst,
	}
	if srv.policy == nil {
		srv.policy = NewFlowHashPolicy()
	}
	if srv.rxBurst <= 0 {
		srv.rxBurst = DefaultRxBurst
	}

	env.Logger.Infof("shmswitch: server: %d ports, %d clients", len(ids), config.NumClients)
	srv.notifiers = OpenServerNotifiers(env, config.NotifyMode, config.NumClients)
	portInfo, err := NewPortInfo(env, ids, config.NumClients)
	if err != nil {
		srv.Close()
		return nil, err
	}
	portInfo.setNotifyMode(srv.NotifyMode())
	srv.portInfo = portInfo

	perClient, perPort := config.MbufsPerClient, config.MbufsPerPort
	if perClient <= 0 {
		perClient = MbufsPerClient
	}
	if perPort <= 0 {
		perPort = MbufsPerPort
	}
	dataRoom := config.DataRoom
	if dataRoom <= 0 {
		dataRoom = DefaultDataRoom
	}
	pool, err := NewPool(env, PoolSize(config.NumClients, len(ids), perClient, perPort), dataRoom)
	if err != nil {
		srv.Close()
		return nil, err
	}
	srv.pool = pool

	ringSize := config.RingSize
	if ringSize == 0 {
		ringSize = DefaultRingSize
	}
	for id := 0; id < config.NumClients; id++ {
		env.Logger.Debugf("shmswitch: server: creating ring for client %d", id)
		ring, err := CreateRing(env, ClientRingName(id), ringSize)
		if err != nil {
			srv.Close()
			return nil, err
		}
		srv.rings = append(srv.rings, ring)
	}

	for _, id := range ids {
		env.Logger.Infof("shmswitch: server: port %d: ready", id)
	}
	return srv, nil
}

// Pool returns the shared buffer pool.
func (s *Server) Pool() *Pool {
	return s.pool
}

// PortInfo returns the port info table.
func (s *Server) PortInfo() *PortInfo {
	return s.portInfo
}

// NumClients returns the number of clients.
func (s *Server) NumClients() int {
	return len(s.rings)
}

// NotifyMode returns the notify mode actually in use, which is poll
// when the configured mode could not be set up.
func (s *Server) NotifyMode() NotifyMode {
	if len(s.notifiers) <= 0 {
		return NotifyPoll
	}
	return s.notifiers[0].Mode()
}

// RunOnce performs a dispatch cycle over all the ports and then wakes the
// clients that received frames. It returns the number of frames read.
func (s *Server) RunOnce() int {
	total := 0
	for idx, port := range s.ports {
		if port != nil {
			total += s.receive(idx, port)
		}
	}
	s.signalPending()
	return total
}

// receive reads up to a burst of frames from the port at the given index.
func (s *Server) receive(idx int, port Port) int {
	id := port.ID()
	count := 0
	for count < s.rxBurst {
		frame, err := port.ReadFrameNonblocking()
		if errors.Is(err, ErrNoPacket) {
			break
		}
		if err != nil {
			s.env.Logger.Warnf("shmswitch: server: port %d: %s; disabling it", id, err.Error())
			s.ports[idx] = nil
			break
		}
		count++
		s.dispatch(id, frame.Payload)
	}
	s.portInfo.AddRx(id, count)
	return count
}

// dispatch moves a frame into a buffer and enqueues it to a client.
func (s *Server) dispatch(port uint8, payload []byte) {
	h, good := s.pool.Acquire()
	if !good {
		s.portInfo.AddRxDrop(port, DropPoolExhausted, 1)
		return
	}
	if !s.pool.Store(h, port, payload) {
		s.pool.Release(h)
		s.portInfo.AddRxDrop(port, DropOversize, 1)
		return
	}
	client := s.policy.SelectClient(port, payload, len(s.rings))
	if client < 0 || client >= len(s.rings) {
		client = 0
	}
	if !s.rings[client].TryEnqueue(h) {
		s.pool.Release(h)
		s.portInfo.AddRxDrop(port, DropQueueFull, 1)
		return
	}
	s.pending[client] = true
}

// signalPending wakes the clients that received handles. We run after
// all the enqueues, so a client we find running sees the new handles.
func (s *Server) signalPending() {
	for id, pending := range s.pending {
		if !pending {
			continue
		}
		s.pending[id] = false
		if _, err := s.notifiers[id].Signal(); err != nil {
			s.env.Logger.Warnf("shmswitch: server: cannot wake client %d: %s", id, err.Error())
		}
	}
}

// ErrAllPortsClosed indicates that the server has no open port left.
var ErrAllPortsClosed = fmt.Errorf("%w: no open ports left", ErrPortClosed)

// Run runs the dispatch loop until the context is done or all the ports are
// closed. The loop never blocks on the ports and yields when idle.
func (s *Server) Run(ctx context.Context) error {
	s.env.Logger.Infof("shmswitch: server: dispatch loop started (notify: %s)", s.NotifyMode())
	defer s.env.Logger.Infof("shmswitch: server: dispatch loop stopped")
	for ctx.Err() == nil {
		if s.RunOnce() > 0 {
			continue
		}
		if !s.hasOpenPorts() {
			return ErrAllPortsClosed
		}
		runtime.Gosched()
	}
	return nil
}

// hasOpenPorts returns whether some port is still open.
func (s *Server) hasOpenPorts() bool {
	for _, port := range s.ports {
		if port != nil {
			return true
		}
	}
	return false
}

// Close releases the shared state. Clients still attached keep their
// mappings, but new clients cannot attach anymore. The ports belong
// to the caller and remain open.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		for _, nc := range s.notifiers {
			nc.Close()
		}
		for _, ring := range s.rings {
			ring.Close()
		}
		if s.pool != nil {
			s.pool.Close()
		}
		if s.portInfo != nil {
			s.portInfo.Close()
		}
	})
	return nil
}
