package shmswitch

//
// Statistics reporter
//

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/sugawarayuuta/sonnet"
)

// SnapshotSource is something we can take statistics snapshots from.
type SnapshotSource interface {
	Snapshot() *Snapshot
}

var _ SnapshotSource = &PortInfo{}

// StatsReporterConfig contains config for [NewStatsReporter].
type StatsReporterConfig struct {
	// Interval is the OPTIONAL sampling interval (default: one second).
	Interval time.Duration

	// JSON OPTIONALLY selects emitting JSON lines instead of log messages.
	JSON bool

	// Logger is the MANDATORY logger.
	Logger Logger

	// Output is the OPTIONAL writer for JSON lines (default: stdout).
	Output io.Writer

	// Window is the OPTIONAL number of samples we summarize (default: 10).
	Window int
}

// RateSummary summarizes the rates observed over the sampling window.
type RateSummary struct {
	Current float64 `json:"current"`
	Mean    float64 `json:"mean"`
	Median  float64 `json:"median"`
	Max     float64 `json:"max"`
}

// StatsReport is what the [StatsReporter] emits at each interval.
type StatsReport struct {
	// Time is when we took the snapshot.
	Time time.Time `json:"time"`

	// Rx is the receive rate in frames per second.
	Rx RateSummary `json:"rx_pps"`

	// Tx is the transmit rate in frames per second.
	Tx RateSummary `json:"tx_pps"`

	// Drop is the drop rate, server and clients, in frames per second.
	Drop RateSummary `json:"drop_pps"`

	// Snapshot is the snapshot the report is based on.
	Snapshot *Snapshot `json:"snapshot"`
}

// StatsReporter periodically samples the port info statistics and emits
// rates. The zero value is invalid; use [NewStatsReporter].
type StatsReporter struct {
	config *StatsReporterConfig
	drop   []float64
	prev   *Snapshot
	rx     []float64
	tx     []float64
}

// NewStatsReporter creates a new [StatsReporter].
func NewStatsReporter(config *StatsReporterConfig) *StatsReporter {
	cfg := *config
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Window <= 0 {
		cfg.Window = 10
	}
	return &StatsReporter{config: &cfg}
}

// snapshotTotals returns the received, transmitted, and dropped frames.
func snapshotTotals(snap *Snapshot) (rx, tx, drop uint64) {
	for _, port := range snap.Ports {
		rx += port.Rx
		drop += port.DropQueueFull + port.DropExhausted + port.DropOversize
	}
	for idx := range snap.Clients {
		tx += snap.Clients[idx].TotalTx()
		drop += snap.Clients[idx].TotalTxDrop()
	}
	return
}

// Sample accounts for a new snapshot and returns the report. The first
// snapshot is just a baseline and yields no report.
func (sr *StatsReporter) Sample(snap *Snapshot) (*StatsReport, bool) {
	prev := sr.prev
	sr.prev = snap
	if prev == nil {
		return nil, false
	}
	elapsed := snap.Time.Sub(prev.Time).Seconds()
	if elapsed <= 0 {
		return nil, false
	}
	rx0, tx0, drop0 := snapshotTotals(prev)
	rx1, tx1, drop1 := snapshotTotals(snap)
	report := &StatsReport{
		Time:     snap.Time,
		Snapshot: snap,
	}
	report.Rx, sr.rx = sr.summarize(sr.rx, counterRate(rx0, rx1, elapsed))
	report.Tx, sr.tx = sr.summarize(sr.tx, counterRate(tx0, tx1, elapsed))
	report.Drop, sr.drop = sr.summarize(sr.drop, counterRate(drop0, drop1, elapsed))
	return report, true
}

// counterRate returns the rate of a counter that should not go backwards.
func counterRate(before, after uint64, elapsed float64) float64 {
	if after < before {
		return 0
	}
	return float64(after-before) / elapsed
}

// summarize appends a rate to the window and summarizes the window.
func (sr *StatsReporter) summarize(window []float64, rate float64) (RateSummary, []float64) {
	window = append(window, rate)
	if len(window) > sr.config.Window {
		window = window[len(window)-sr.config.Window:]
	}
	summary := RateSummary{Current: rate}
	summary.Mean, _ = stats.Mean(window)
	summary.Median, _ = stats.Median(window)
	summary.Max, _ = stats.Max(window)
	return summary, window
}

// Emit writes the report either as a log message or as a JSON line.
func (sr *StatsReporter) Emit(report *StatsReport) error {
	if sr.config.JSON {
		data, err := sonnet.Marshal(report)
		if err != nil {
			return err
		}
		data = append(data, '\n')
		_, err = sr.config.Output.Write(data)
		return err
	}
	sr.config.Logger.Infof(
		"shmswitch: stats: rx %s tx %s drop %s",
		report.Rx, report.Tx, report.Drop,
	)
	return nil
}

// String implements fmt.Stringer
func (rs RateSummary) String() string {
	return fmt.Sprintf("%.0f pps (mean %.0f, median %.0f, max %.0f)", rs.Current, rs.Mean, rs.Median, rs.Max)
}

// Run samples the source at each interval until the context is done.
func (sr *StatsReporter) Run(ctx context.Context, source SnapshotSource) {
	ticker := time.NewTicker(sr.config.Interval)
	defer ticker.Stop()
	sr.Sample(source.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, good := sr.Sample(source.Snapshot())
			if !good {
				continue
			}
			if err := sr.Emit(report); err != nil {
				sr.config.Logger.Warnf("shmswitch: stats: %s", err.Error())
			}
		}
	}
}
