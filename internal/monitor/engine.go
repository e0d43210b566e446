// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/sustainable-computing-io/procwatt/internal/device"
	"github.com/sustainable-computing-io/procwatt/internal/procname"
	"k8s.io/utils/clock"
)

// NameResolver maps pids to display names, falling back to the provider
// supplied names for pids it cannot resolve
type NameResolver interface {
	Resolve(ctx context.Context, pids []int, fallback map[int]string) map[int]string
}

// fallbackNames uses the provider supplied names only
type fallbackNames struct{}

func (fallbackNames) Resolve(_ context.Context, pids []int, fallback map[int]string) map[int]string {
	names := make(map[int]string, len(pids))
	for _, pid := range pids {
		if name := fallback[pid]; name != "" {
			names[pid] = name
		} else {
			names[pid] = procname.Placeholder(pid)
		}
	}
	return names
}

// Engine apportions the power of one device among its processes. Tick,
// Calibrate and History must be called from a single goroutine; Snapshot may be
// called from any goroutine.
type Engine struct {
	logger   *slog.Logger
	clock    clock.Clock
	device   string
	provider device.TelemetryProvider
	names    NameResolver
	sink     SampleSink

	weights             Weights
	autoscale           bool
	calibrationSamples  int
	calibrationInterval time.Duration

	baseline     IdleBaseline
	ledger       *Ledger
	history      *sampleRing
	deviceEnergy float64
	lastTick     time.Time
	ticks        uint64
	unavailable  bool

	snapshot atomic.Pointer[Snapshot]
}

// OptionFn is a functional option for configuring an Engine
type OptionFn func(*Engine)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptionFn {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock sets the clock used by calibration
func WithClock(c clock.Clock) OptionFn {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithWeights sets the metric weights
func WithWeights(w Weights) OptionFn {
	return func(e *Engine) {
		e.weights = w
	}
}

// WithAutoscale rescales process powers so that they sum to the measured power
func WithAutoscale(enabled bool) OptionFn {
	return func(e *Engine) {
		e.autoscale = enabled
	}
}

// WithNameResolver sets the pid name resolver
func WithNameResolver(r NameResolver) OptionFn {
	return func(e *Engine) {
		e.names = r
	}
}

// WithSink sets where completed ticks are persisted
func WithSink(sink SampleSink) OptionFn {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithMaxSamples bounds the in-memory device sample history
func WithMaxSamples(n int) OptionFn {
	return func(e *Engine) {
		e.history = newSampleRing(n)
	}
}

// WithCalibration sets the number and spacing of calibration readings
func WithCalibration(samples int, interval time.Duration) OptionFn {
	return func(e *Engine) {
		e.calibrationSamples = samples
		e.calibrationInterval = interval
	}
}

// WithBaseline starts the engine with a known baseline instead of calibrating
func WithBaseline(b IdleBaseline) OptionFn {
	return func(e *Engine) {
		e.baseline = b
	}
}

// NewEngine creates an engine for the named device class
func NewEngine(name string, provider device.TelemetryProvider, opts ...OptionFn) *Engine {
	e := &Engine{
		logger:              slog.Default(),
		clock:               clock.RealClock{},
		device:              name,
		provider:            provider,
		names:               fallbackNames{},
		weights:             DefaultWeights(),
		calibrationSamples:  DefaultCalibrationSamples,
		calibrationInterval: DefaultCalibrationInterval,
		ledger:              NewLedger(),
		history:             newSampleRing(3600),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("device", name)
	e.publish(DeviceSample{}, nil)
	return e
}

// Name returns the device class name
func (e *Engine) Name() string {
	return e.device
}

// Baseline returns the current idle baseline
func (e *Engine) Baseline() IdleBaseline {
	return e.baseline
}

// Calibrate measures a new idle baseline and replaces the current one
func (e *Engine) Calibrate(ctx context.Context) error {
	b, err := Calibrate(ctx, e.provider, e.calibrationSamples, e.calibrationInterval,
		WithCalibrateLogger(e.logger), WithCalibrateClock(e.clock))
	if err != nil {
		return fmt.Errorf("calibration of %s aborted: %w", e.device, err)
	}
	e.baseline = b

	current := e.Snapshot()
	e.publish(current.Sample, current.Processes)
	return nil
}

// Tick acquires one reading, attributes it and updates the ledger. It returns
// ErrNoDelta when no time elapsed since the previous tick and an error wrapping
// device.ErrNoSample when telemetry is unavailable. The time of a failed tick
// still becomes the reference so the gap earns no energy.
func (e *Engine) Tick(ctx context.Context, now time.Time) (DeviceSample, map[int]ProcessSample, error) {
	if e.lastTick.IsZero() {
		e.lastTick = now
		return DeviceSample{}, nil, ErrNoDelta
	}
	dt := now.Sub(e.lastTick).Seconds()
	if dt <= 0 {
		return DeviceSample{}, nil, ErrNoDelta
	}
	e.lastTick = now

	reading, err := e.provider.DeviceSnapshot(ctx)
	if err != nil {
		e.markUnavailable(err)
		return DeviceSample{}, nil, fmt.Errorf("%s device snapshot: %w", e.device, err)
	}
	rawProcs, err := e.provider.ProcessSnapshot(ctx)
	if err != nil {
		e.markUnavailable(err)
		return DeviceSample{}, nil, fmt.Errorf("%s process snapshot: %w", e.device, err)
	}
	if e.unavailable {
		e.unavailable = false
		e.logger.Info("Telemetry recovered", "provider", e.provider.Name())
	}

	procs, fallback := mergeProcesses(rawProcs)
	pids := make([]int, len(procs))
	for i, p := range procs {
		pids[i] = p.PID
	}
	names := e.names.Resolve(ctx, pids, fallback)

	a := attribute(reading, procs, e.weights, e.baseline)
	if e.autoscale {
		a.autoscale()
	}
	credited := a.sum()

	e.deviceEnergy += reading.Power * dt
	sample := DeviceSample{
		Timestamp:             now,
		Power:                 reading.Power,
		ActivePower:           a.active,
		ExcessPower:           a.excess,
		Utilization:           reading.Utilization,
		WeightedCapacity:      a.capacity,
		ProcessWeightTotal:    a.weightTotal,
		ProcessCount:          len(procs),
		AttributedPower:       a.procPower,
		ResidualPower:         a.residualShare,
		CumulativeEnergy:      e.deviceEnergy,
		Temperature:           reading.Temperature,
		FanPercent:            reading.FanPercent,
		ProcessPowerSum:       credited,
		AttributionGapPercent: gapPercent(credited, reading.Power),
	}

	samples := make([]ProcessSample, len(procs))
	byPID := make(map[int]ProcessSample, len(procs))
	for i, p := range procs {
		// a negative share is reported as Power but credits no energy
		energy := max(0, a.powers[i]*dt)
		ps := ProcessSample{
			PID:                  p.PID,
			Name:                 names[p.PID],
			Utilization:          p.Utilization,
			WeightedUtilization:  a.weighted[i],
			Power:                a.powers[i],
			EnergyThisTick:       energy,
			CumulativeEnergy:     e.ledger.Add(p.PID, energy),
			IsIdleBaselineMember: a.members[i],
		}
		samples[i] = ps
		byPID[p.PID] = ps
	}

	e.history.push(sample)
	e.ticks++
	if e.sink != nil {
		if err := e.sink.Append(sample, samples); err != nil {
			e.logger.Warn("Failed to persist samples", "error", err)
		}
	}
	e.publish(sample, samples)

	e.logger.Debug("Attributed device power",
		"power", sample.Power,
		"active", sample.ActivePower,
		"excess", sample.ExcessPower,
		"processes", sample.ProcessCount,
		"gap.percent", sample.AttributionGapPercent,
	)
	return sample, byPID, nil
}

// History returns the retained device samples, oldest first
func (e *Engine) History() []DeviceSample {
	return e.history.items()
}

// Ledger returns a copy of the cumulative energy per pid
func (e *Engine) Ledger() map[int]float64 {
	return e.ledger.Snapshot()
}

// Snapshot returns the latest published state
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

func (e *Engine) publish(sample DeviceSample, procs []ProcessSample) {
	sorted := slices.Clone(procs)
	slices.SortFunc(sorted, func(a, b ProcessSample) int {
		if a.Power != b.Power {
			if a.Power > b.Power {
				return -1
			}
			return 1
		}
		return a.PID - b.PID
	})

	e.snapshot.Store(&Snapshot{
		Device:    e.device,
		Provider:  e.provider.Name(),
		Sample:    sample,
		Processes: sorted,
		Energy:    e.ledger.Snapshot(),
		Baseline:  e.baseline,
		Ticks:     e.ticks,
	})
}

func (e *Engine) markUnavailable(err error) {
	if e.unavailable {
		return
	}
	e.unavailable = true
	e.logger.Warn("Telemetry unavailable, skipping ticks until it recovers",
		"provider", e.provider.Name(), "error", err)
}

// mergeProcesses folds duplicate pids by summing their utilization and returns
// the processes in pid order with the provider supplied names.
func mergeProcesses(raw []device.ProcessReading) ([]device.ProcessReading, map[int]string) {
	byPID := make(map[int]device.ProcessReading, len(raw))
	fallback := make(map[int]string, len(raw))
	for _, p := range raw {
		if cur, ok := byPID[p.PID]; ok {
			cur.Utilization = cur.Utilization.Add(p.Utilization)
			byPID[p.PID] = cur
		} else {
			byPID[p.PID] = p
		}
		if fallback[p.PID] == "" && p.Name != "" {
			fallback[p.PID] = p.Name
		}
	}

	procs := make([]device.ProcessReading, 0, len(byPID))
	for _, p := range byPID {
		procs = append(procs, p)
	}
	slices.SortFunc(procs, func(a, b device.ProcessReading) int { return a.PID - b.PID })
	return procs, fallback
}
