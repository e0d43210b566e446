// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoSample is returned by a TelemetryProvider when the device (or the process
// table) could not be read for this instant. Callers treat it as "no data this tick".
var ErrNoSample = errors.New("device: no sample")

// Utilization holds the four per-metric utilizations on a 0-100 scale.
// For CPUs, SM carries CPU busy percent and Mem carries memory usage percent.
type Utilization struct {
	SM  float64 // compute (streaming multiprocessor / cpu busy)
	Mem float64 // memory controller / memory footprint
	Enc float64 // encoder
	Dec float64 // decoder
}

// Add returns the element wise sum of u and o
func (u Utilization) Add(o Utilization) Utilization {
	return Utilization{
		SM:  u.SM + o.SM,
		Mem: u.Mem + o.Mem,
		Enc: u.Enc + o.Enc,
		Dec: u.Dec + o.Dec,
	}
}

// DeviceReading is a device-wide snapshot for one instant
type DeviceReading struct {
	Timestamp   time.Time
	Power       float64 // watts
	Utilization Utilization
	Temperature float64 // celsius
	FanPercent  float64
}

// ProcessReading is the activity of a single process on the device
type ProcessReading struct {
	PID         int
	Utilization Utilization
	// Name is a best-effort display name supplied by the provider (often truncated)
	Name string
}

// TelemetryProvider supplies raw device and per-process readings.
type TelemetryProvider interface {
	// Name returns the provider name
	Name() string

	// DeviceSnapshot returns the device-wide reading. It returns an error wrapping
	// ErrNoSample when the reading is unavailable or malformed.
	DeviceSnapshot(ctx context.Context) (DeviceReading, error)

	// ProcessSnapshot returns the processes currently using the device.
	ProcessSnapshot(ctx context.Context) ([]ProcessReading, error)

	// Close releases resources held by the provider
	Close() error
}

// timeoutProvider bounds every acquisition of the wrapped provider.
type timeoutProvider struct {
	TelemetryProvider
	timeout time.Duration
}

// WithTimeout wraps provider so that each snapshot call is cancelled after d.
// A non-positive d returns the provider unchanged.
func WithTimeout(provider TelemetryProvider, d time.Duration) TelemetryProvider {
	if d <= 0 {
		return provider
	}
	return &timeoutProvider{TelemetryProvider: provider, timeout: d}
}

func (p *timeoutProvider) DeviceSnapshot(ctx context.Context) (DeviceReading, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	reading, err := p.TelemetryProvider.DeviceSnapshot(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return DeviceReading{}, fmt.Errorf("%w: %s device acquisition timed out after %s", ErrNoSample, p.Name(), p.timeout)
	}
	return reading, err
}

func (p *timeoutProvider) ProcessSnapshot(ctx context.Context) ([]ProcessReading, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	procs, err := p.TelemetryProvider.ProcessSnapshot(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s process acquisition timed out after %s", ErrNoSample, p.Name(), p.timeout)
	}
	return procs, err
}
