// Command mpserver is the server of the multi-process packet switch.
//
// It owns the ports, whose receive side replays the port<N>.pcap files
// inside -pcap-dir, and distributes the received frames to -n client
// processes (see the mpclient command) through shared memory.
//
// Usage:
//
//	mpserver [-shm-dir DIR] [-v] -- -p PORTMASK -n NUM_CLIENTS [flags]
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/bassosimone/shmswitch"
	"github.com/bassosimone/shmswitch/cmd/internal/bringup"
	"github.com/bassosimone/shmswitch/cmd/internal/deploy"
)

func main() {
	runtimeArgs, appArgs := bringup.Split(os.Args[1:])
	env := bringup.Init("mpserver", runtimeArgs)

	// parse command line flags
	fs := flag.NewFlagSet("mpserver", flag.ExitOnError)
	configFile := fs.String("config", "", "OPTIONAL JSON deployment file")
	duration := fs.Duration("duration", 0, "run duration (zero means until interrupted)")
	loop := fs.Bool("loop", false, "replay the captures forever")
	notify := fs.String("notify", "poll", "client notify mode (poll, fifo, sem, or flag)")
	numClients := fs.Int("n", 0, "number of client processes")
	pcapDir := fs.String("pcap-dir", ".", "directory containing the port<N>.pcap captures")
	policy := fs.String("policy", "flow", "distribution policy (flow or port)")
	portMask := fs.String("p", "", "hexadecimal bitmask of the ports to use")
	ringSize := fs.Uint64("ring-size", shmswitch.DefaultRingSize, "capacity of each client queue")
	statsInterval := fs.Duration("stats", 0, "statistics interval (zero disables statistics)")
	statsJSON := fs.Bool("stats-json", false, "emit statistics as JSON lines on the stdout")
	fs.Parse(appArgs)

	if *configFile != "" {
		config, err := deploy.Load(*configFile)
		if err != nil {
			log.WithError(err).Fatal("deploy.Load")
		}
		if err := deploy.Apply(fs, config); err != nil {
			bringup.UsageError(fs, err)
		}
	}

	// validate the application flags
	mask, err := deploy.ParsePortMask(*portMask)
	if err != nil {
		bringup.UsageError(fs, err)
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

	opts := &serverOptions{
		duration:      *duration,
		loop:          *loop,
		mask:          mask,
		mode:          mode,
		numClients:    *numClients,
		pcapDir:       *pcapDir,
		policy:        dp,
		ringSize:      *ringSize,
		statsInterval: *statsInterval,
		statsJSON:     *statsJSON,
	}
	if err := run(env, opts); err != nil {
		log.WithError(err).Fatal("mpserver")
	}
}

// serverOptions contains the validated application flags.
type serverOptions struct {
	duration      time.Duration
	loop          bool
	mask          uint32
	mode          shmswitch.NotifyMode
	numClients    int
	pcapDir       string
	policy        shmswitch.DistributionPolicy
	ringSize      uint64
	statsInterval time.Duration
	statsJSON     bool
}

// run runs the server and returns the error that stopped it, after releasing
// the ports and the shared regions.
func run(env *shmswitch.Env, opts *serverOptions) error {
	// open the ports selected by the mask
	available, err := shmswitch.DiscoverPCAPPorts(opts.pcapDir)
	if err != nil {
		return err
	}
	ids, err := deploy.SelectPorts(opts.mask, available)
	if err != nil {
		return err
	}
	ports := []shmswitch.Port{}
	for _, id := range ids {
		port, err := shmswitch.NewPCAPPort(&shmswitch.PCAPPortConfig{
			Dir:    opts.pcapDir,
			ID:     id,
			Logger: log.Log,
			Loop:   opts.loop,
			NoRx:   false,
		})
		if err != nil {
			return err
		}
		defer port.Close()
		ports = append(ports, port)
	}

	// create the shared state
	server, err := shmswitch.NewServer(&shmswitch.ServerConfig{
		Env:        env,
		NotifyMode: opts.mode,
		NumClients: opts.numClients,
		Policy:     opts.policy,
		Ports:      ports,
		RingSize:   opts.ringSize,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	// make sure we will eventually stop
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if opts.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	if opts.statsInterval > 0 {
		reporter := shmswitch.NewStatsReporter(&shmswitch.StatsReporterConfig{
			Interval: opts.statsInterval,
			JSON:     opts.statsJSON,
			Logger:   log.Log,
			Output:   os.Stdout,
		})
		go reporter.Run(ctx, server.PortInfo())
	}

	err = server.Run(ctx)
	switch {
	case errors.Is(err, shmswitch.ErrAllPortsClosed):
		log.Warn("mpserver: all ports are closed")
	case err != nil:
		return err
	}

	// give the clients a chance to drain before removing the regions
	time.Sleep(100 * time.Millisecond)
	log.Infof("mpserver: final stats: %+v", server.PortInfo().Snapshot().Ports)
	return nil
}
