package shmswitch

//
// Single-process topology
//

import (
	"context"
	"sync"
)

// LocalTopologyConfig contains config for [NewLocalTopology].
type LocalTopologyConfig struct {
	// BatchSize is the OPTIONAL client batch size.
	BatchSize int

	// Disposition is the OPTIONAL client disposition.
	Disposition Disposition

	// Env is the MANDATORY environment.
	Env *Env

	// MbufsPerClient is the OPTIONAL number of buffers budgeted per client.
	MbufsPerClient int

	// MbufsPerPort is the OPTIONAL number of buffers budgeted per port.
	MbufsPerPort int

	// NotifyMode is the notify mode.
	NotifyMode NotifyMode

	// NumClients is the MANDATORY number of clients.
	NumClients int

	// Policy is the OPTIONAL distribution policy.
	Policy DistributionPolicy

	// PortIDs contains the MANDATORY IDs of the emulated ports.
	PortIDs []uint8

	// RingSize is the OPTIONAL capacity of each hand-off queue.
	RingSize uint64

	// TableKind selects the forwarding table.
	TableKind TableKind

	// TxCapacity is the OPTIONAL capacity of each transmit queue of each port.
	TxCapacity int
}

// LocalTopology runs a [Server] and its [Client]s inside the same process
// using [MemPort]s, which is useful to test and demonstrate the switch. The
// goroutines still communicate only through the shared regions. The zero
// value is invalid; use [NewLocalTopology] to construct.
type LocalTopology struct {
	// Clients contains the clients.
	Clients []*Client

	// Ports contains the emulated ports.
	Ports []*MemPort

	// Server is the server.
	Server *Server

	// cancel stops the background goroutines.
	cancel context.CancelFunc

	// closeOnce allows to have a "once" semantics for Close
	closeOnce sync.Once

	// mu provides mutual exclusion.
	mu sync.Mutex

	// wg tracks the background goroutines.
	wg sync.WaitGroup
}

// NewLocalTopology creates the ports, the server, and the clients. Use
// [LocalTopology.Start] to run them and [LocalTopology.Close] to stop them.
func NewLocalTopology(config *LocalTopologyConfig) (*LocalTopology, error) {
	txCap := config.TxCapacity
	if txCap == 0 {
		txCap = DefaultMemPortTxCapacity
	}
	t := &LocalTopology{
		Clients:   []*Client{},
		Ports:     []*MemPort{},
		Server:    nil,
		cancel:    nil,
		closeOnce: sync.Once{},
		mu:        sync.Mutex{},
		wg:        sync.WaitGroup{},
	}
	ports := []Port{}
	for _, id := range config.PortIDs {
		mp := NewMemPort(id, txCap)
		t.Ports = append(t.Ports, mp)
		ports = append(ports, mp)
	}

	server, err := NewServer(&ServerConfig{
		Env:            config.Env,
		MbufsPerClient: config.MbufsPerClient,
		MbufsPerPort:   config.MbufsPerPort,
		NotifyMode:     config.NotifyMode,
		NumClients:     config.NumClients,
		Policy:         config.Policy,
		Ports:          ports,
		RingSize:       config.RingSize,
	})
	if err != nil {
		return nil, err
	}
	t.Server = server

	for id := 0; id < config.NumClients; id++ {
		client, err := NewClient(&ClientConfig{
			BatchSize:   config.BatchSize,
			Disposition: config.Disposition,
			Env:         config.Env,
			ID:          id,
			NotifyMode:  config.NotifyMode,
			Ports:       ports,
			TableKind:   config.TableKind,
		})
		if err != nil {
			t.Close()
			return nil, err
		}
		t.Clients = append(t.Clients, client)
	}
	return t, nil
}

// Start runs the server and the clients in background goroutines.
func (t *LocalTopology) Start(ctx context.Context) {
	defer t.mu.Unlock()
	t.mu.Lock()
	if t.cancel != nil {
		return // already started
	}
	ctx, t.cancel = context.WithCancel(ctx)
	for _, client := range t.Clients {
		t.wg.Add(1)
		go func(client *Client) {
			defer t.wg.Done()
			client.Run(ctx)
		}(client)
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.Server.Run(ctx)
	}()
}

// Close stops the goroutines and releases the ports, the clients, and the server.
func (t *LocalTopology) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		if t.cancel != nil {
			t.cancel()
		}
		t.mu.Unlock()
		t.wg.Wait()
		for _, client := range t.Clients {
			client.Close()
		}
		if t.Server != nil {
			t.Server.Close()
		}
		for _, port := range t.Ports {
			port.Close()
		}
	})
	return nil
}
