// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/sustainable-computing-io/procwatt/internal/device"
	"k8s.io/utils/clock"
)

const (
	DefaultCalibrationSamples  = 50
	DefaultCalibrationInterval = 100 * time.Millisecond
)

type calibrateOpts struct {
	logger *slog.Logger
	clock  clock.Clock
}

// CalibrateOptFn is a functional option for Calibrate
type CalibrateOptFn func(*calibrateOpts)

// WithCalibrateLogger sets the logger
func WithCalibrateLogger(logger *slog.Logger) CalibrateOptFn {
	return func(o *calibrateOpts) {
		o.logger = logger
	}
}

// WithCalibrateClock sets the clock used to space readings
func WithCalibrateClock(c clock.Clock) CalibrateOptFn {
	return func(o *calibrateOpts) {
		o.clock = c
	}
}

// Calibrate takes samples device readings spaced by interval while the device is
// expected to be quiescent and builds an IdleBaseline from those that succeed.
// The processes visible at the end of the window become the idle set.
//
// Failed readings are skipped. If all of them fail the zero baseline is returned
// with a nil error; only cancellation of ctx is an error.
func Calibrate(ctx context.Context, provider device.TelemetryProvider, samples int, interval time.Duration, opts ...CalibrateOptFn) (IdleBaseline, error) {
	o := calibrateOpts{logger: slog.Default(), clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if samples <= 0 {
		samples = DefaultCalibrationSamples
	}
	logger := o.logger.With("provider", provider.Name())
	logger.Info("Calibrating idle baseline", "samples", samples, "interval", interval)

	var sumPower, sumTemp, sumFan float64
	minPower, maxPower := math.Inf(1), math.Inf(-1)
	ok := 0

	for i := range samples {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return IdleBaseline{}, ctx.Err()
			case <-o.clock.After(interval):
			}
		}
		if err := ctx.Err(); err != nil {
			return IdleBaseline{}, err
		}

		r, err := provider.DeviceSnapshot(ctx)
		if err != nil {
			logger.Debug("Skipping calibration reading", "reading", i, "error", err)
			continue
		}
		ok++
		sumPower += r.Power
		sumTemp += r.Temperature
		sumFan += r.FanPercent
		minPower = math.Min(minPower, r.Power)
		maxPower = math.Max(maxPower, r.Power)
	}

	baseline := IdleBaseline{
		IdlePIDs:     make(map[int]struct{}),
		CalibratedAt: o.clock.Now(),
	}

	procs, err := provider.ProcessSnapshot(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return IdleBaseline{}, ctxErr
		}
		logger.Warn("Could not read idle process set", "error", err)
	}
	for _, p := range procs {
		baseline.IdlePIDs[p.PID] = struct{}{}
	}

	if ok == 0 {
		logger.Warn("No valid readings during calibration, using a zero baseline",
			"idle.processes", len(baseline.IdlePIDs))
		return baseline, nil
	}

	n := float64(ok)
	baseline.AveragePower = sumPower / n
	baseline.MinPower = minPower
	baseline.MaxPower = maxPower
	baseline.AverageTemperature = sumTemp / n
	baseline.AverageFan = sumFan / n
	baseline.Samples = ok

	logger.Info("Idle baseline calibrated",
		"power.avg", baseline.AveragePower,
		"power.min", baseline.MinPower,
		"power.max", baseline.MaxPower,
		"valid", ok,
		"idle.processes", len(baseline.IdlePIDs),
	)
	return baseline, nil
}
