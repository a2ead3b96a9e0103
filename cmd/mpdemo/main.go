// Command mpdemo runs the packet switch inside a single process.
//
// It creates emulated ports, a server, and the clients, feeds the ports
// with synthetic UDP flows, and reports the statistics. The server and the
// clients communicate through the same shared regions used by the
// mpserver and mpclient commands.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/bassosimone/shmswitch"
	"github.com/bassosimone/shmswitch/cmd/internal/bringup"
)

func main() {
	runtimeArgs, appArgs := bringup.Split(os.Args[1:])
	env := bringup.Init("mpdemo", runtimeArgs)

	// parse command line flags
	fs := flag.NewFlagSet("mpdemo", flag.ExitOnError)
	duration := fs.Duration("duration", 5*time.Second, "duration of the demo")
	flows := fs.Int("flows", 64, "number of UDP flows per port")
	notify := fs.String("notify", "fifo", "client notify mode (poll, fifo, sem, or flag)")
	numClients := fs.Int("n", 2, "number of clients")
	numPorts := fs.Int("ports", 2, "number of emulated ports")
	policy := fs.String("policy", "flow", "distribution policy (flow or port)")
	statsInterval := fs.Duration("stats", time.Second, "statistics interval")
	table := fs.String("table", "paired", "forwarding table (loopback or paired)")
	fs.Parse(appArgs)

	if *numPorts < 1 || *numPorts > shmswitch.MaxPorts {
		bringup.UsageError(fs, shmswitch.ErrTooManyPorts)
	}
	if *numClients < 1 || *numClients > shmswitch.MaxClients {
		bringup.UsageError(fs, shmswitch.ErrClientCount)
	}
	mode, err := shmswitch.ParseNotifyMode(*notify)
	if err != nil {
		bringup.UsageError(fs, err)
	}
	dp, err := shmswitch.NewDistributionPolicy(*policy)
	if err != nil {
		bringup.UsageError(fs, err)
	}
	tableKind, err := shmswitch.ParseTableKind(*table)
	if err != nil {
		bringup.UsageError(fs, err)
	}

	// build the frames before creating any shared state
	frames := newFlowFrames(*numPorts, *flows)

	// create the topology
	ids := []uint8{}
	for id := 0; id < *numPorts; id++ {
		ids = append(ids, uint8(id))
	}
	const smallBudget = 4096
	topology, err := shmswitch.NewLocalTopology(&shmswitch.LocalTopologyConfig{
		Env:            env,
		MbufsPerClient: smallBudget,
		MbufsPerPort:   smallBudget,
		NotifyMode:     mode,
		NumClients:     *numClients,
		Policy:         dp,
		PortIDs:        ids,
		RingSize:       smallBudget,
		TableKind:      tableKind,
	})
	if err != nil {
		log.WithError(err).Fatal("shmswitch.NewLocalTopology")
	}
	defer topology.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	topology.Start(ctx)

	reporter := shmswitch.NewStatsReporter(&shmswitch.StatsReporterConfig{
		Interval: *statsInterval,
		Logger:   log.Log,
	})
	go reporter.Run(ctx, topology.Server.PortInfo())

	// feed the ports and collect what the clients transmit
	var transmitted int
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-ticker.C:
			for idx, port := range topology.Ports {
				if port.Pending() > 256 {
					continue // the server is late
				}
				for _, frame := range frames[idx] {
					port.InjectFrame(frame)
				}
				for id := 0; id < *numClients; id++ {
					transmitted += len(port.Transmitted(uint16(id)))
				}
			}
		}
	}

	snap := topology.Server.PortInfo().Snapshot()
	for _, port := range snap.Ports {
		log.Infof("mpdemo: port %d: rx %d, queue full %d, exhausted %d, oversize %d",
			port.ID, port.Rx, port.DropQueueFull, port.DropExhausted, port.DropOversize)
	}
	for idx := range snap.Clients {
		client := &snap.Clients[idx]
		log.Infof("mpdemo: client %d: packets %d, tx %d, tx drop %d, wakeups %d, bad wakeups %d",
			client.ID, client.Packets, client.TotalTx(), client.TotalTxDrop(),
			client.WakeMessages, client.BadWakeups)
	}
	log.Infof("mpdemo: collected %d transmitted frames", transmitted)
}

// newFlowFrames returns, for each port, a frame for each flow.
func newFlowFrames(numPorts, numFlows int) [][][]byte {
	out := make([][][]byte, numPorts)
	for port := 0; port < numPorts; port++ {
		for flow := 0; flow < numFlows; flow++ {
			frame, err := shmswitch.NewUDPFrame(&shmswitch.UDPFrameConfig{
				SrcMAC:  net.HardwareAddr{0x02, 0, 0, 0, byte(port), 1},
				DstMAC:  net.HardwareAddr{0x02, 0, 0, 0, byte(port), 2},
				SrcIP:   net.IPv4(10, byte(port), byte(flow>>8), byte(flow)),
				DstIP:   net.IPv4(10, 255, 0, 1),
				SrcPort: uint16(10000 + flow),
				DstPort: 9,
				Payload: make([]byte, 64),
			})
			if err != nil {
				log.WithError(err).Fatal("shmswitch.NewUDPFrame")
			}
			out[port] = append(out[port], frame)
		}
	}
	return out
}
