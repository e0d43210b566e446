// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/sustainable-computing-io/procwatt/internal/monitor"
)

// DefaultTopProcesses is the number of processes listed per device
const DefaultTopProcesses = 10

// SnapshotSource provides the latest published snapshot of every monitored device
type SnapshotSource interface {
	Snapshots() []*monitor.Snapshot
}

// Exporter renders the latest snapshots as console tables
type Exporter struct {
	logger *slog.Logger
	source SnapshotSource
	out    io.Writer
	top    int
}

// OptFn is a functional option for configuring the Exporter
type OptFn func(*Exporter)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptFn {
	return func(e *Exporter) {
		e.logger = logger
	}
}

// WithWriter sets the output writer
func WithWriter(w io.Writer) OptFn {
	return func(e *Exporter) {
		e.out = w
	}
}

// WithTopProcesses limits the number of processes listed per device
func WithTopProcesses(n int) OptFn {
	return func(e *Exporter) {
		e.top = n
	}
}

// NewExporter creates a stdout exporter reading from source
func NewExporter(source SnapshotSource, opts ...OptFn) *Exporter {
	e := &Exporter{
		logger: slog.Default(),
		source: source,
		out:    os.Stdout,
		top:    DefaultTopProcesses,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("exporter", "stdout")
	return e
}

// Name returns the exporter name
func (e *Exporter) Name() string {
	return "stdout"
}

// Refresh renders every device with at least one tick. It matches the
// scheduler action signature so it can run on the ui-refresh cadence.
func (e *Exporter) Refresh(_ context.Context, now time.Time) {
	for _, s := range e.source.Snapshots() {
		if s == nil || s.Ticks == 0 {
			continue
		}
		if err := e.render(s, now); err != nil {
			e.logger.Warn("Failed to render snapshot", "device", s.Device, "error", err)
		}
	}
}

func (e *Exporter) render(s *monitor.Snapshot, now time.Time) error {
	sample := s.Sample
	if _, err := fmt.Fprintf(e.out, "\n%s (%s) at %s, sample age %s\n", s.Device, s.Provider,
		now.Format(time.RFC3339), now.Sub(sample.Timestamp).Round(time.Millisecond)); err != nil {
		return err
	}

	device := tablewriter.NewWriter(e.out)
	device.Header("Power W", "Active W", "Excess W", "Idle W", "SM %", "Mem %", "Enc %", "Dec %", "Procs", "Energy J", "Gap %")
	if err := device.Append(
		watts(sample.Power),
		watts(sample.ActivePower),
		watts(sample.ExcessPower),
		watts(s.Baseline.AveragePower),
		pct(sample.Utilization.SM),
		pct(sample.Utilization.Mem),
		pct(sample.Utilization.Enc),
		pct(sample.Utilization.Dec),
		strconv.Itoa(sample.ProcessCount),
		joules(sample.CumulativeEnergy),
		pct(sample.AttributionGapPercent),
	); err != nil {
		return err
	}
	if err := device.Render(); err != nil {
		return err
	}

	if len(s.Processes) == 0 {
		return nil
	}

	procs := tablewriter.NewWriter(e.out)
	procs.Header("PID", "Name", "Power W", "Weighted", "Tick J", "Total J", "Idle")
	// processes are published in descending power order
	for i, p := range s.Processes {
		if e.top > 0 && i >= e.top {
			break
		}
		idle := ""
		if p.IsIdleBaselineMember {
			idle = "*"
		}
		if err := procs.Append(
			strconv.Itoa(p.PID),
			p.Name,
			watts(p.Power),
			pct(p.WeightedUtilization),
			joules(p.EnergyThisTick),
			joules(p.CumulativeEnergy),
			idle,
		); err != nil {
			return err
		}
	}
	return procs.Render()
}

func watts(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func joules(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func pct(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
