// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler fires several independent cadences from one goroutine
// against a single monotonic clock without accumulating drift.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const (
	// DefaultEarlyWake is how much earlier than the next due time the loop wakes
	DefaultEarlyWake = 500 * time.Microsecond

	idleWait      = time.Second
	commandBuffer = 16
)

var (
	ErrUnknownCadence = errors.New("scheduler: unknown cadence")
	ErrQueueFull      = errors.New("scheduler: command queue full")
)

// Action is the work of a cadence. now is the clock time at which it fires.
type Action func(ctx context.Context, now time.Time)

type cadence struct {
	name     string
	interval time.Duration
	nextDue  time.Duration // offset from the scheduler start
	action   Action
	fired    uint64
	skipped  uint64
}

// Scheduler runs cadences at fixed rates. Due times are offsets from a single
// start instant: after firing, a cadence advances by whole intervals past the
// current time, so a slow action skips ticks instead of replaying them and
// the k-th due time is always start + k*interval.
type Scheduler struct {
	logger    *slog.Logger
	clock     clock.Clock
	start     time.Time
	earlyWake time.Duration

	mu       sync.Mutex
	cadences []*cadence

	commands chan func(ctx context.Context)
}

// OptFn is a functional option for configuring a Scheduler
type OptFn func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptFn {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithEarlyWake sets how much before a due time the loop wakes up
func WithEarlyWake(d time.Duration) OptFn {
	return func(s *Scheduler) {
		s.earlyWake = d
	}
}

// New creates a scheduler whose start instant is the current time of clk
func New(clk clock.Clock, opts ...OptFn) *Scheduler {
	s := &Scheduler{
		logger:    slog.Default(),
		clock:     clk,
		earlyWake: DefaultEarlyWake,
		commands:  make(chan func(ctx context.Context), commandBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.start = clk.Now()
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Add registers a cadence that is due immediately and every interval after
func (s *Scheduler) Add(name string, interval time.Duration, action Action) error {
	if interval <= 0 {
		return fmt.Errorf("cadence %q: interval must be positive, got %s", name, interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cadences {
		if c.name == name {
			return fmt.Errorf("cadence %q already registered", name)
		}
	}
	s.cadences = append(s.cadences, &cadence{
		name:     name,
		interval: interval,
		nextDue:  s.elapsed(),
		action:   action,
	})
	s.logger.Info("Added cadence", "cadence", name, "interval", interval)
	return nil
}

// SetInterval changes the interval of a cadence. It is safe to call from any
// goroutine; the change is applied by the loop and re-anchors the cadence so
// that it is next due one new interval from when the change is applied.
func (s *Scheduler) SetInterval(name string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("cadence %q: interval must be positive, got %s", name, interval)
	}
	if _, ok := s.Interval(name); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCadence, name)
	}

	return s.Submit(func(context.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		c := s.lookup(name)
		c.interval = interval
		c.nextDue = s.elapsed() + interval
		s.logger.Info("Cadence interval changed", "cadence", name, "interval", interval)
	})
}

// Submit queues fn to run on the loop goroutine between cadence actions
func (s *Scheduler) Submit(fn func(ctx context.Context)) error {
	select {
	case s.commands <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Interval returns the current interval of a cadence
func (s *Scheduler) Interval(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.lookup(name); c != nil {
		return c.interval, true
	}
	return 0, false
}

// NextDue returns when a cadence is next due, as an offset from the start
func (s *Scheduler) NextDue(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.lookup(name); c != nil {
		return c.nextDue, true
	}
	return 0, false
}

// Run fires cadences until ctx is cancelled. Actions and submitted functions
// run on the calling goroutine.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started")
	defer s.logger.Info("Scheduler stopped")

	for {
		wait := s.RunPending(ctx)
		if ctx.Err() != nil {
			return nil
		}

		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case fn := <-s.commands:
			timer.Stop()
			fn(ctx)
		case <-timer.C():
		}
	}
}

// RunPending applies queued commands, fires every due cadence once and
// returns how long the caller may sleep before the next one is due.
func (s *Scheduler) RunPending(ctx context.Context) time.Duration {
	s.drainCommands(ctx)

	s.mu.Lock()
	cadences := make([]*cadence, len(s.cadences))
	copy(cadences, s.cadences)
	s.mu.Unlock()

	for _, c := range cadences {
		if ctx.Err() != nil {
			break
		}
		s.mu.Lock()
		due := c.nextDue <= s.elapsed()
		action := c.action
		s.mu.Unlock()
		if !due {
			continue
		}

		action(ctx, s.clock.Now())

		s.mu.Lock()
		s.advance(c, s.elapsed())
		s.mu.Unlock()
	}

	return s.nextWait()
}

// advance moves nextDue forward by whole intervals until it is after now
func (s *Scheduler) advance(c *cadence, now time.Duration) {
	c.fired++
	if c.nextDue > now {
		return
	}
	steps := (now-c.nextDue)/c.interval + 1
	c.nextDue += steps * c.interval
	if steps > 1 {
		c.skipped += uint64(steps - 1)
		s.logger.Debug("Cadence overran, skipping ticks",
			"cadence", c.name, "skipped", steps-1, "total.skipped", c.skipped)
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cadences) == 0 {
		return idleWait
	}

	now := s.elapsed()
	remaining := s.cadences[0].nextDue - now
	for _, c := range s.cadences[1:] {
		remaining = min(remaining, c.nextDue-now)
	}
	if remaining <= 0 {
		return 0
	}
	if wait := remaining - s.earlyWake; wait > 0 {
		return wait
	}
	return remaining
}

func (s *Scheduler) drainCommands(ctx context.Context) {
	for {
		select {
		case fn := <-s.commands:
			fn(ctx)
		default:
			return
		}
	}
}

func (s *Scheduler) elapsed() time.Duration {
	return s.clock.Since(s.start)
}

func (s *Scheduler) lookup(name string) *cadence {
	for _, c := range s.cadences {
		if c.name == name {
			return c
		}
	}
	return nil
}
