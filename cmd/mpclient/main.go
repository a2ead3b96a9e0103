// Command mpclient is a client of the multi-process packet switch.
//
// It attaches to the shared state created by mpserver, dequeues the frames
// the server assigns to it, and either forwards them (even identifiers) or
// drops them (odd identifiers). Forwarded frames are written to the
// port<N>.txq<ID>.pcap files inside -pcap-dir.
//
// Usage:
//
//	mpclient [-shm-dir DIR] [-v] -- -n CLIENT_ID [flags]
package main

import (
	"context"
	"flag"
	"fmt"
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
	env := bringup.Init("mpclient", runtimeArgs)

	// parse command line flags
	fs := flag.NewFlagSet("mpclient", flag.ExitOnError)
	batchSize := fs.Int("batch", shmswitch.DefaultBatchSize, "number of frames to dequeue at once")
	clientID := fs.Int("n", -1, "client identifier")
	configFile := fs.String("config", "", "OPTIONAL JSON deployment file")
	duration := fs.Duration("duration", 0, "run duration (zero means until interrupted)")
	notify := fs.String("notify", "poll", "notify mode (poll, fifo, sem, or flag)")
	pcapDir := fs.String("pcap-dir", ".", "directory where to write the transmitted frames")
	statsInterval := fs.Duration("stats", 0, "statistics interval (zero disables statistics)")
	table := fs.String("table", "loopback", "forwarding table (loopback or paired)")
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
	if *clientID < 0 || *clientID >= shmswitch.MaxClients {
		bringup.UsageError(fs, shmswitch.ErrClientID)
	}
	mode, err := shmswitch.ParseNotifyMode(*notify)
	if err != nil {
		bringup.UsageError(fs, err)
	}
	tableKind, err := shmswitch.ParseTableKind(*table)
	if err != nil {
		bringup.UsageError(fs, err)
	}

	opts := &clientOptions{
		batchSize:     *batchSize,
		clientID:      *clientID,
		duration:      *duration,
		mode:          mode,
		pcapDir:       *pcapDir,
		statsInterval: *statsInterval,
		tableKind:     tableKind,
	}
	if err := run(env, opts); err != nil {
		log.WithError(err).Fatal("mpclient")
	}
}

// clientOptions contains the validated application flags.
type clientOptions struct {
	batchSize     int
	clientID      int
	duration      time.Duration
	mode          shmswitch.NotifyMode
	pcapDir       string
	statsInterval time.Duration
	tableKind     shmswitch.TableKind
}

// run runs the client and returns the error that stopped it, after flushing
// the capture files and detaching from the shared regions.
func run(env *shmswitch.Env, opts *clientOptions) error {
	// learn the active ports from the server
	portInfo, err := shmswitch.AttachPortInfo(env)
	if err != nil {
		return fmt.Errorf("cannot get port info (is the server running?): %w", err)
	}
	defer portInfo.Close()
	ports := []shmswitch.Port{}
	for _, id := range portInfo.PortIDs() {
		port, err := shmswitch.NewPCAPPort(&shmswitch.PCAPPortConfig{
			Dir:    opts.pcapDir,
			ID:     id,
			Logger: log.Log,
			Loop:   false,
			NoRx:   true,
		})
		if err != nil {
			return err
		}
		defer port.Close()
		ports = append(ports, port)
	}

	client, err := shmswitch.NewClient(&shmswitch.ClientConfig{
		BatchSize:   opts.batchSize,
		Disposition: shmswitch.DispositionParity,
		Env:         env,
		ID:          opts.clientID,
		NotifyMode:  opts.mode,
		Ports:       ports,
		TableKind:   opts.tableKind,
	})
	if err != nil {
		return err
	}
	defer client.Close()

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
			Logger:   log.Log,
		})
		go reporter.Run(ctx, portInfo)
	}

	return client.Run(ctx)
}
