// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/sustainable-computing-io/procwatt/internal/device"
	"github.com/sustainable-computing-io/procwatt/internal/monitor"
	"github.com/sustainable-computing-io/procwatt/internal/procname"
	"github.com/sustainable-computing-io/procwatt/internal/scheduler"
	"github.com/sustainable-computing-io/procwatt/internal/storage"
)

// UICadence is the name of the cadence refreshing reports
const UICadence = "ui"

var ErrUnknownDevice = errors.New("unknown device")

// Device is a device class sampled on its own cadence
type Device struct {
	Name     string
	Provider device.TelemetryProvider
	Interval time.Duration
}

// MonitorOpts configures the Monitor service
type MonitorOpts struct {
	Logger *slog.Logger
	Clock  clock.Clock

	Devices []Device

	Weights    monitor.Weights
	Autoscale  bool
	MaxSamples int

	Calibrate           bool
	CalibrationSamples  int
	CalibrationInterval time.Duration

	// NameCacheSize bounds the process name cache shared by all devices
	NameCacheSize int
	Resolver      procname.Resolver

	// StorageDir enables CSV persistence when not empty
	StorageDir string
	FlushEvery int

	// UIRefresh is the interval of the ui cadence; 0 disables it
	UIRefresh time.Duration
	Refresh   scheduler.Action
}

type deviceMonitor struct {
	engine   *monitor.Engine
	provider device.TelemetryProvider
	log      *storage.CSVLog
}

// Monitor samples every device on its cadence and attributes device power
// to processes. All ticks, recalibrations and writes happen on the goroutine
// calling Run.
type Monitor struct {
	logger    *slog.Logger
	opts      MonitorOpts
	scheduler *scheduler.Scheduler
	names     *procname.Cache

	devices []*deviceMonitor

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

var (
	_ Initializer = (*Monitor)(nil)
	_ Runner      = (*Monitor)(nil)
	_ Shutdowner  = (*Monitor)(nil)
)

// NewMonitor creates the monitor service
func NewMonitor(opts MonitorOpts) *Monitor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Weights == (monitor.Weights{}) {
		opts.Weights = monitor.DefaultWeights()
	}
	if opts.Resolver == nil {
		opts.Resolver = procname.NewSystemResolver(0)
	}

	logger := opts.Logger.With("service", "monitor")
	return &Monitor{
		logger:     logger,
		opts:       opts,
		scheduler:  scheduler.New(opts.Clock, scheduler.WithLogger(opts.Logger)),
		names:      procname.NewCache(opts.NameCacheSize, opts.Resolver, procname.WithLogger(opts.Logger)),
		shutdownCh: make(chan struct{}),
	}
}

// Name implements Service
func (m *Monitor) Name() string {
	return "monitor"
}

// Init builds one engine per device and registers the cadences
func (m *Monitor) Init() error {
	if len(m.opts.Devices) == 0 {
		return fmt.Errorf("no devices to monitor")
	}

	for _, d := range m.opts.Devices {
		dm := &deviceMonitor{provider: d.Provider}

		engineOpts := []monitor.OptionFn{
			monitor.WithLogger(m.opts.Logger),
			monitor.WithClock(m.opts.Clock),
			monitor.WithWeights(m.opts.Weights),
			monitor.WithAutoscale(m.opts.Autoscale),
			monitor.WithNameResolver(m.names),
			monitor.WithMaxSamples(m.opts.MaxSamples),
			monitor.WithCalibration(m.opts.CalibrationSamples, m.opts.CalibrationInterval),
		}
		if m.opts.StorageDir != "" {
			dm.log = storage.Open(m.opts.StorageDir, d.Name,
				storage.WithLogger(m.opts.Logger),
				storage.WithFlushEvery(m.opts.FlushEvery))
			engineOpts = append(engineOpts, monitor.WithSink(dm.log))
		}
		dm.engine = monitor.NewEngine(d.Name, d.Provider, engineOpts...)
		m.devices = append(m.devices, dm)

		if err := m.scheduler.Add(d.Name, d.Interval, m.tickAction(dm)); err != nil {
			return errors.Join(err, m.closeLogs())
		}
	}

	if m.opts.UIRefresh > 0 && m.opts.Refresh != nil {
		if err := m.scheduler.Add(UICadence, m.opts.UIRefresh, m.opts.Refresh); err != nil {
			return errors.Join(err, m.closeLogs())
		}
	}
	return nil
}

func (m *Monitor) tickAction(dm *deviceMonitor) scheduler.Action {
	return func(ctx context.Context, now time.Time) {
		_, _, err := dm.engine.Tick(ctx, now)
		switch {
		case err == nil:
		case errors.Is(err, monitor.ErrNoDelta), errors.Is(err, device.ErrNoSample):
			// reference ticks and unavailable telemetry are reported by the engine
		default:
			m.logger.Warn("Tick failed", "device", dm.engine.Name(), "error", err)
		}
	}
}

// Run calibrates the idle baselines and samples until ctx is cancelled or a
// shutdown is requested. CSV logs are flushed and closed on every exit path.
func (m *Monitor) Run(ctx context.Context) (err error) {
	defer func() {
		err = errors.Join(err, m.closeLogs())
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.shutdownCh:
			m.logger.Info("Shutdown requested")
			cancel()
		case <-ctx.Done():
		}
	}()

	if m.opts.Calibrate {
		for _, dm := range m.devices {
			if err := dm.engine.Calibrate(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}

	return m.scheduler.Run(ctx)
}

// SetInterval changes the interval of a cadence at runtime
func (m *Monitor) SetInterval(cadence string, interval time.Duration) error {
	return m.scheduler.SetInterval(cadence, interval)
}

// Recalibrate queues a new idle calibration of a device on the sampling goroutine
func (m *Monitor) Recalibrate(name string) error {
	dm := m.lookup(name)
	if dm == nil {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	return m.scheduler.Submit(func(ctx context.Context) {
		if err := dm.engine.Calibrate(ctx); err != nil {
			m.logger.Warn("Recalibration failed", "device", name, "error", err)
		}
	})
}

// RequestShutdown makes Run return. It is safe to call more than once.
func (m *Monitor) RequestShutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
	})
}

// Snapshots returns the latest published snapshot of every device
func (m *Monitor) Snapshots() []*monitor.Snapshot {
	snapshots := make([]*monitor.Snapshot, 0, len(m.devices))
	for _, dm := range m.devices {
		snapshots = append(snapshots, dm.engine.Snapshot())
	}
	return snapshots
}

// Engine returns the engine of a device
func (m *Monitor) Engine(name string) (*monitor.Engine, bool) {
	dm := m.lookup(name)
	if dm == nil {
		return nil, false
	}
	return dm.engine, true
}

// Shutdown closes the sample logs, if Run has not already, and the telemetry providers
func (m *Monitor) Shutdown() error {
	errs := []error{m.closeLogs()}
	for _, dm := range m.devices {
		if err := dm.provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s provider: %w", dm.engine.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) closeLogs() error {
	var errs []error
	for _, dm := range m.devices {
		if dm.log == nil {
			continue
		}
		if err := dm.log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s sample log: %w", dm.engine.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) lookup(name string) *deviceMonitor {
	for _, dm := range m.devices {
		if dm.engine.Name() == name {
			return dm
		}
	}
	return nil
}
