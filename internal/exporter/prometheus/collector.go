// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/procwatt/internal/monitor"
	"github.com/sustainable-computing-io/procwatt/internal/procname"
)

const namespace = "procwatt"

// SnapshotSource provides the latest published snapshot of every monitored device
type SnapshotSource interface {
	Snapshots() []*monitor.Snapshot
}

// PowerCollector exposes device and process power from published snapshots.
// It never touches engine state directly, so scrapes do not block sampling.
type PowerCollector struct {
	source SnapshotSource
	logger *slog.Logger

	deviceWatts         *prometheus.Desc
	deviceActiveWatts   *prometheus.Desc
	deviceResidualWatts *prometheus.Desc
	deviceJoules        *prometheus.Desc
	gapPercent          *prometheus.Desc
	idleBaselineWatts   *prometheus.Desc
	idleProcesses       *prometheus.Desc
	ticks               *prometheus.Desc

	processWatts  *prometheus.Desc
	processJoules *prometheus.Desc
}

var _ prometheus.Collector = (*PowerCollector)(nil)

// NewPowerCollector creates a collector reading from source
func NewPowerCollector(source SnapshotSource, logger *slog.Logger) *PowerCollector {
	deviceLabels := []string{"device", "provider"}
	processLabels := []string{"device", "pid", "comm"}

	return &PowerCollector{
		source: source,
		logger: logger.With("collector", "power"),

		deviceWatts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "device", "watts"),
			"Measured device power in watts",
			deviceLabels, nil,
		),
		deviceActiveWatts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "device", "active_watts"),
			"Device power above the idle baseline in watts",
			deviceLabels, nil,
		),
		deviceResidualWatts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "device", "residual_watts"),
			"Active power not explained by process utilization in watts",
			deviceLabels, nil,
		),
		deviceJoules: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "device", "joules_total"),
			"Energy consumed by the device since monitoring started in joules",
			deviceLabels, nil,
		),
		gapPercent: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "attribution", "gap_percent"),
			"Deviation of the power credited to processes from the measured power in percent",
			deviceLabels, nil,
		),
		idleBaselineWatts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "idle_baseline", "watts"),
			"Average device power measured during idle calibration in watts",
			deviceLabels, nil,
		),
		idleProcesses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "idle_baseline", "processes"),
			"Number of processes present during idle calibration",
			deviceLabels, nil,
		),
		ticks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "device", "ticks_total"),
			"Number of completed attribution ticks",
			deviceLabels, nil,
		),
		processWatts: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "watts"),
			"Power attributed to a process in the latest tick in watts",
			processLabels, nil,
		),
		processJoules: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "joules_total"),
			"Energy attributed to a process since monitoring started in joules",
			processLabels, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *PowerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.deviceWatts
	ch <- c.deviceActiveWatts
	ch <- c.deviceResidualWatts
	ch <- c.deviceJoules
	ch <- c.gapPercent
	ch <- c.idleBaselineWatts
	ch <- c.idleProcesses
	ch <- c.ticks
	ch <- c.processWatts
	ch <- c.processJoules
}

// Collect implements prometheus.Collector
func (c *PowerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, snapshot := range c.source.Snapshots() {
		if snapshot == nil {
			continue
		}
		c.collectDevice(ch, snapshot)
		c.collectProcesses(ch, snapshot)
	}
}

func (c *PowerCollector) collectDevice(ch chan<- prometheus.Metric, s *monitor.Snapshot) {
	labels := []string{s.Device, s.Provider}

	ch <- prometheus.MustNewConstMetric(c.idleBaselineWatts, prometheus.GaugeValue, s.Baseline.AveragePower, labels...)
	ch <- prometheus.MustNewConstMetric(c.idleProcesses, prometheus.GaugeValue, float64(s.Baseline.IdlePIDCount()), labels...)
	ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(s.Ticks), labels...)

	if s.Ticks == 0 {
		// no sample yet
		return
	}

	ch <- prometheus.MustNewConstMetric(c.deviceWatts, prometheus.GaugeValue, s.Sample.Power, labels...)
	ch <- prometheus.MustNewConstMetric(c.deviceActiveWatts, prometheus.GaugeValue, s.Sample.ActivePower, labels...)
	ch <- prometheus.MustNewConstMetric(c.deviceResidualWatts, prometheus.GaugeValue, s.Sample.ExcessPower, labels...)
	ch <- prometheus.MustNewConstMetric(c.deviceJoules, prometheus.CounterValue, s.Sample.CumulativeEnergy, labels...)
	ch <- prometheus.MustNewConstMetric(c.gapPercent, prometheus.GaugeValue, s.Sample.AttributionGapPercent, labels...)
}

func (c *PowerCollector) collectProcesses(ch chan<- prometheus.Metric, s *monitor.Snapshot) {
	names := make(map[int]string, len(s.Processes))
	for _, p := range s.Processes {
		pid := strconv.Itoa(p.PID)
		names[p.PID] = p.Name
		ch <- prometheus.MustNewConstMetric(c.processWatts, prometheus.GaugeValue, p.Power, s.Device, pid, p.Name)
	}

	// the ledger keeps processes that are gone from the latest tick
	for pid, joules := range s.Energy {
		name, ok := names[pid]
		if !ok {
			name = procname.Placeholder(pid)
		}
		ch <- prometheus.MustNewConstMetric(c.processJoules, prometheus.CounterValue, joules,
			s.Device, strconv.Itoa(pid), name)
	}
}
