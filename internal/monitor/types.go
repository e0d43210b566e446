// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/sustainable-computing-io/procwatt/internal/device"
)

// ErrNoDelta is returned by Tick when no time elapsed since the previous tick,
// including the very first tick of a run which only sets the time reference.
var ErrNoDelta = errors.New("monitor: no elapsed time since previous tick")

// Weights combine the four per-metric utilizations into a single scalar
type Weights struct {
	SM  float64
	Mem float64
	Enc float64
	Dec float64
}

// DefaultWeights returns the default metric weights
func DefaultWeights() Weights {
	return Weights{SM: 1.0, Mem: 0.5, Enc: 0.25, Dec: 0.15}
}

// Apply returns the weighted utilization of u
func (w Weights) Apply(u device.Utilization) float64 {
	return w.SM*u.SM + w.Mem*u.Mem + w.Enc*u.Enc + w.Dec*u.Dec
}

// Validate rejects negative weights
func (w Weights) Validate() error {
	if w.SM < 0 || w.Mem < 0 || w.Enc < 0 || w.Dec < 0 {
		return fmt.Errorf("weights must be non-negative, got %v", w)
	}
	return nil
}

func (w Weights) String() string {
	return fmt.Sprintf("sm=%g,mem=%g,enc=%g,dec=%g", w.SM, w.Mem, w.Enc, w.Dec)
}

// DeviceSample is the device level record of one attribution tick
type DeviceSample struct {
	Timestamp   time.Time
	Power       float64 // measured watts
	ActivePower float64 // max(0, Power - baseline average)
	ExcessPower float64 // active power not explained by process utilization
	Utilization device.Utilization

	WeightedCapacity   float64 // weighted device utilization
	ProcessWeightTotal float64 // sum of process weighted utilizations
	ProcessCount       int

	AttributedPower float64 // active power attributed by utilization share
	ResidualPower   float64 // per-process share of the excess power

	CumulativeEnergy float64 // joules, integrates the measured power
	Temperature      float64
	FanPercent       float64

	// ProcessPowerSum is the total power credited to processes this tick and
	// AttributionGapPercent its deviation from the measured power.
	ProcessPowerSum       float64
	AttributionGapPercent float64
}

// ProcessSample is the per-process record of one attribution tick
type ProcessSample struct {
	PID                 int
	Name                string
	Utilization         device.Utilization
	WeightedUtilization float64
	Power               float64 // watts, negative when processes report more utilization than the device
	EnergyThisTick      float64 // joules credited this tick: max(0, Power*dt)
	CumulativeEnergy    float64 // joules since monitoring start

	IsIdleBaselineMember bool
}

// IdleBaseline is the quiescent power profile of a device and the processes
// that were present while it was measured.
type IdleBaseline struct {
	AveragePower       float64
	MinPower           float64
	MaxPower           float64
	AverageTemperature float64
	AverageFan         float64

	// IdlePIDs is never mutated once the baseline is built
	IdlePIDs map[int]struct{}

	// Samples is the number of readings the averages are built from
	Samples      int
	CalibratedAt time.Time
}

// IdlePIDCount returns the number of processes in the idle set
func (b IdleBaseline) IdlePIDCount() int {
	return len(b.IdlePIDs)
}

// IsMember reports whether pid was present during calibration
func (b IdleBaseline) IsMember(pid int) bool {
	_, ok := b.IdlePIDs[pid]
	return ok
}

// IdleShare is the baseline power carried by each idle process
func (b IdleBaseline) IdleShare() float64 {
	if len(b.IdlePIDs) == 0 {
		return 0
	}
	return b.AveragePower / float64(len(b.IdlePIDs))
}

// Snapshot is an immutable view of an engine published after every tick.
// It is safe to read from any goroutine.
type Snapshot struct {
	Device   string
	Provider string

	// Sample and Processes are the latest tick; Sample is zero before the first one
	Sample    DeviceSample
	Processes []ProcessSample

	// Energy is a copy of the ledger, including processes that exited
	Energy map[int]float64

	Baseline IdleBaseline
	Ticks    uint64
}

// SampleSink receives every completed tick
type SampleSink interface {
	Append(sample DeviceSample, procs []ProcessSample) error
}
