// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/sysfs"
	"github.com/shirou/gopsutil/v3/host"
	"k8s.io/utils/clock"
)

// energyZone is the subset of a RAPL zone the provider needs
type energyZone interface {
	Name() string
	Energy() (uint64, error) // microjoules
	MaxEnergy() uint64
}

type sysfsRaplZone struct {
	zone sysfs.RaplZone
}

func (z sysfsRaplZone) Name() string            { return z.zone.Name }
func (z sysfsRaplZone) Energy() (uint64, error) { return z.zone.GetEnergyMicrojoules() }
func (z sysfsRaplZone) MaxEnergy() uint64       { return z.zone.MaxMicrojoules }
func (z sysfsRaplZone) String() string          { return fmt.Sprintf("%s-%d", z.zone.Name, z.zone.Index) }

// temperatureFn returns the CPU package temperature in celsius
type temperatureFn func(ctx context.Context) (float64, error)

// cpuTimes is the aggregate /proc/stat cpu line in seconds
type cpuTimes struct {
	busy  float64
	total float64
}

// RAPLProvider implements TelemetryProvider for the CPU package using RAPL energy
// counters and /proc CPU accounting.
type RAPLProvider struct {
	logger      *slog.Logger
	clock       clock.PassiveClock
	procFS      procfs.FS
	zones       []energyZone
	temperature temperatureFn

	prevEnergy map[string]uint64
	prevRead   time.Time
	prevCPU    cpuTimes

	// /proc/stat totals and per-pid cpu seconds at the previous process scan
	procWindow cpuTimes
	prevProc   map[int]float64
}

var _ TelemetryProvider = (*RAPLProvider)(nil)

// RAPLOptFn is a functional option for configuring RAPLProvider
type RAPLOptFn func(*RAPLProvider)

// WithRAPLLogger sets the logger
func WithRAPLLogger(logger *slog.Logger) RAPLOptFn {
	return func(p *RAPLProvider) {
		p.logger = logger
	}
}

// WithRAPLClock sets the clock used to compute power from energy deltas
func WithRAPLClock(c clock.PassiveClock) RAPLOptFn {
	return func(p *RAPLProvider) {
		p.clock = c
	}
}

func withEnergyZones(zones ...energyZone) RAPLOptFn {
	return func(p *RAPLProvider) {
		p.zones = zones
	}
}

func withTemperature(fn temperatureFn) RAPLOptFn {
	return func(p *RAPLProvider) {
		p.temperature = fn
	}
}

// NewRAPLProvider creates a CPU provider reading RAPL package zones under sysfsPath
// and CPU accounting under procfsPath.
func NewRAPLProvider(sysfsPath, procfsPath string, opts ...RAPLOptFn) (*RAPLProvider, error) {
	procFS, err := procfs.NewFS(procfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs %q: %w", procfsPath, err)
	}

	p := &RAPLProvider{
		logger:      slog.Default(),
		clock:       clock.RealClock{},
		procFS:      procFS,
		temperature: hostPackageTemperature,
		prevEnergy:  make(map[string]uint64),
		prevProc:    make(map[int]float64),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.zones == nil {
		zones, err := packageZones(sysfsPath)
		if err != nil {
			return nil, err
		}
		p.zones = zones
	}
	if len(p.zones) == 0 {
		return nil, fmt.Errorf("no RAPL package zones found under %s", sysfsPath)
	}

	p.logger = p.logger.With("provider", p.Name())
	p.logger.Info("Created RAPL provider", "zones", len(p.zones))
	return p, nil
}

func packageZones(sysfsPath string) ([]energyZone, error) {
	fs, err := sysfs.NewFS(sysfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sysfs %q: %w", sysfsPath, err)
	}
	raplZones, err := sysfs.GetRaplZones(fs)
	if err != nil {
		return nil, fmt.Errorf("failed to read RAPL zones: %w", err)
	}

	var zones []energyZone
	for _, z := range raplZones {
		if strings.HasPrefix(z.Name, "package") {
			zones = append(zones, sysfsRaplZone{zone: z})
		}
	}
	return zones, nil
}

// Name returns the provider name
func (p *RAPLProvider) Name() string {
	return "rapl"
}

// DeviceSnapshot derives package power from the RAPL energy delta since the
// previous call. The first call only establishes the reference and returns ErrNoSample.
func (p *RAPLProvider) DeviceSnapshot(ctx context.Context) (DeviceReading, error) {
	now := p.clock.Now()

	var deltaMicroJoules uint64
	complete := !p.prevRead.IsZero()
	for _, zone := range p.zones {
		energy, err := zone.Energy()
		if err != nil {
			return DeviceReading{}, fmt.Errorf("%w: reading %s: %v", ErrNoSample, zone.Name(), err)
		}
		key := fmt.Sprint(zone)
		prev, ok := p.prevEnergy[key]
		if ok {
			deltaMicroJoules += calculateEnergyDelta(energy, prev, zone.MaxEnergy())
		} else {
			complete = false
		}
		p.prevEnergy[key] = energy
	}

	stat, err := p.procFS.Stat()
	if err != nil {
		return DeviceReading{}, fmt.Errorf("%w: reading /proc/stat: %v", ErrNoSample, err)
	}
	cpu := cpuTimesFromStat(stat.CPUTotal)
	prevCPU := p.prevCPU
	p.prevCPU = cpu

	elapsed := now.Sub(p.prevRead).Seconds()
	p.prevRead = now
	if !complete || elapsed <= 0 {
		return DeviceReading{}, fmt.Errorf("%w: first RAPL read establishes the reference", ErrNoSample)
	}

	reading := DeviceReading{
		Timestamp: now,
		Power:     float64(deltaMicroJoules) / 1e6 / elapsed,
		Utilization: Utilization{
			SM: percent(cpu.busy-prevCPU.busy, cpu.total-prevCPU.total),
		},
	}

	if mem, err := p.procFS.Meminfo(); err == nil {
		reading.Utilization.Mem = memoryUsedPercent(mem)
	}

	if t, err := p.temperature(ctx); err == nil {
		reading.Temperature = t
	} else {
		p.logger.Debug("CPU temperature unavailable", "error", err)
	}

	return reading, nil
}

// ProcessSnapshot returns every live process. SM carries the share of total
// machine CPU time the process used since the previous call and Mem its resident
// share of RAM. Processes without a previous reading report zero SM.
func (p *RAPLProvider) ProcessSnapshot(ctx context.Context) ([]ProcessReading, error) {
	stat, err := p.procFS.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: reading /proc/stat: %v", ErrNoSample, err)
	}
	all, err := p.procFS.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("%w: listing processes: %v", ErrNoSample, err)
	}

	var memTotalBytes float64
	if mem, err := p.procFS.Meminfo(); err == nil && mem.MemTotal != nil {
		memTotalBytes = float64(*mem.MemTotal) * 1024
	}

	window := cpuTimesFromStat(stat.CPUTotal)
	var windowTotal float64
	if len(p.prevProc) > 0 {
		windowTotal = window.total - p.procWindow.total
	}

	current := make(map[int]float64, len(all))
	procs := make([]ProcessReading, 0, len(all))
	for _, proc := range all {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoSample, err)
		}

		pstat, err := proc.Stat()
		if err != nil {
			// exited while scanning
			continue
		}
		cpuTime := pstat.CPUTime()
		current[proc.PID] = cpuTime

		reading := ProcessReading{
			PID:         proc.PID,
			Name:        pstat.Comm,
			Utilization: Utilization{Mem: percent(float64(pstat.ResidentMemory()), memTotalBytes)},
		}
		if prev, seen := p.prevProc[proc.PID]; seen {
			reading.Utilization.SM = percent(cpuTime-prev, windowTotal)
		}
		procs = append(procs, reading)
	}
	p.prevProc = current
	p.procWindow = window

	return procs, nil
}

// Close is a no-op
func (p *RAPLProvider) Close() error {
	return nil
}

func cpuTimesFromStat(s procfs.CPUStat) cpuTimes {
	idle := s.Idle + s.Iowait
	busy := s.User + s.Nice + s.System + s.IRQ + s.SoftIRQ + s.Steal
	return cpuTimes{busy: busy, total: busy + idle}
}

func memoryUsedPercent(m procfs.Meminfo) float64 {
	if m.MemTotal == nil || m.MemAvailable == nil || *m.MemTotal == 0 {
		return 0
	}
	used := float64(*m.MemTotal) - float64(*m.MemAvailable)
	return percent(used, float64(*m.MemTotal))
}

func percent(part, whole float64) float64 {
	if whole <= 0 || part <= 0 {
		return 0
	}
	return part / whole * 100
}

// calculateEnergyDelta returns current - previous handling counter wraparound
func calculateEnergyDelta(current, previous, maxEnergy uint64) uint64 {
	if current >= previous {
		return current - previous
	}

	// counter wraparound
	if maxEnergy > 0 {
		return (maxEnergy - previous) + current
	}

	return 0 // Unable to calculate delta
}

// hostPackageTemperature returns the hottest package/die sensor reported by the host
func hostPackageTemperature(ctx context.Context) (float64, error) {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil && len(temps) == 0 {
		return 0, err
	}

	found := false
	var hottest float64
	for _, t := range temps {
		key := strings.ToLower(t.SensorKey)
		if !strings.Contains(key, "package") && !strings.Contains(key, "tctl") && !strings.Contains(key, "tdie") {
			continue
		}
		if !found || t.Temperature > hottest {
			hottest = t.Temperature
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("no package temperature sensor among %d sensors", len(temps))
	}
	return hottest, nil
}
