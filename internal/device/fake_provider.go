// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"k8s.io/utils/clock"
)

// fakeProcessNames are the simulated workloads reported by the fake provider
var fakeProcessNames = map[int]string{
	1234: "python3",
	5678: "ffmpeg",
	9012: "blender",
}

// FakeProvider implements TelemetryProvider with simulated readings. By default
// it produces random power around a base value and a random subset of three
// busy processes. Tests pin the readings with SetDevice and SetProcesses.
type FakeProvider struct {
	logger     *slog.Logger
	clock      clock.PassiveClock
	rand       *rand.Rand
	powerBase  float64 // watts
	powerRange float64 // watts

	mu        sync.Mutex
	device    *DeviceReading
	procs     []ProcessReading
	procsSet  bool
	failNext  int
	deviceHit int
}

var _ TelemetryProvider = (*FakeProvider)(nil)

// FakeOptFn is a functional option for configuring FakeProvider
type FakeOptFn func(*FakeProvider)

// WithFakeLogger sets the logger
func WithFakeLogger(logger *slog.Logger) FakeOptFn {
	return func(p *FakeProvider) {
		p.logger = logger
	}
}

// WithFakePowerBase sets the base power consumption
func WithFakePowerBase(watts float64) FakeOptFn {
	return func(p *FakeProvider) {
		p.powerBase = watts
	}
}

// WithFakePowerRange sets the power variation range
func WithFakePowerRange(watts float64) FakeOptFn {
	return func(p *FakeProvider) {
		p.powerRange = watts
	}
}

// WithFakeClock sets the clock used to timestamp readings
func WithFakeClock(c clock.PassiveClock) FakeOptFn {
	return func(p *FakeProvider) {
		p.clock = c
	}
}

// WithFakeSeed makes the simulated readings reproducible
func WithFakeSeed(seed int64) FakeOptFn {
	return func(p *FakeProvider) {
		p.rand = rand.New(rand.NewSource(seed))
	}
}

// NewFakeProvider creates a new fake telemetry provider
func NewFakeProvider(opts ...FakeOptFn) *FakeProvider {
	p := &FakeProvider{
		logger:     slog.Default(),
		clock:      clock.RealClock{},
		powerBase:  60.0,
		powerRange: 20.0,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rand == nil {
		p.rand = rand.New(rand.NewSource(p.clock.Now().UnixNano()))
	}

	p.logger = p.logger.With("provider", p.Name())
	p.logger.Info("Created fake provider", "power-base", p.powerBase, "power-range", p.powerRange)
	return p
}

// Name returns the provider name
func (p *FakeProvider) Name() string {
	return "fake"
}

// SetDevice pins the device reading returned by DeviceSnapshot. The timestamp
// is always taken from the provider clock.
func (p *FakeProvider) SetDevice(r DeviceReading) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.device = &r
}

// SetProcesses pins the process list returned by ProcessSnapshot
func (p *FakeProvider) SetProcesses(procs ...ProcessReading) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs = append([]ProcessReading(nil), procs...)
	p.procsSet = true
}

// FailNext makes the next n DeviceSnapshot calls return ErrNoSample
func (p *FakeProvider) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

// DeviceCalls returns how many times DeviceSnapshot was invoked
func (p *FakeProvider) DeviceCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deviceHit
}

// DeviceSnapshot returns the pinned reading or a simulated one
func (p *FakeProvider) DeviceSnapshot(ctx context.Context) (DeviceReading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.deviceHit++
	if err := ctx.Err(); err != nil {
		return DeviceReading{}, fmt.Errorf("%w: %v", ErrNoSample, err)
	}
	if p.failNext > 0 {
		p.failNext--
		return DeviceReading{}, fmt.Errorf("%w: simulated failure", ErrNoSample)
	}

	if p.device != nil {
		r := *p.device
		r.Timestamp = p.clock.Now()
		return r, nil
	}

	variation := (p.rand.Float64() - 0.5) * p.powerRange
	return DeviceReading{
		Timestamp: p.clock.Now(),
		Power:     p.powerBase + variation,
		Utilization: Utilization{
			SM:  p.rand.Float64() * 100,
			Mem: p.rand.Float64() * 60,
		},
		Temperature: 40 + p.rand.Float64()*30,
		FanPercent:  30 + p.rand.Float64()*40,
	}, nil
}

// ProcessSnapshot returns the pinned process list or a random subset of the
// simulated workloads, each present with 50% chance.
func (p *FakeProvider) ProcessSnapshot(ctx context.Context) ([]ProcessReading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSample, err)
	}

	if p.procsSet {
		return append([]ProcessReading(nil), p.procs...), nil
	}

	var procs []ProcessReading
	for _, pid := range []int{1234, 5678, 9012} {
		if p.rand.Float64() >= 0.5 {
			continue
		}
		procs = append(procs, ProcessReading{
			PID:  pid,
			Name: fakeProcessNames[pid],
			Utilization: Utilization{
				SM:  10.0 + p.rand.Float64()*80.0,
				Mem: p.rand.Float64() * 40.0,
				Enc: p.rand.Float64() * 10.0,
			},
		})
	}
	return procs, nil
}

// Close is a no-op
func (p *FakeProvider) Close() error {
	p.logger.Info("Stopped fake provider")
	return nil
}
