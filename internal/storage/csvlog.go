// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage persists attribution samples as append-only CSV files.
package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/sustainable-computing-io/procwatt/internal/monitor"
)

const DefaultFlushEvery = 10

var (
	DeviceHeader = []string{
		"Timestamp", "PowerW", "ActivePowerW", "ExcessPowerW",
		"SMUtil", "MemUtil", "EncUtil", "DecUtil",
		"WeightTotalDevice", "WeightTotalProcess", "ProcessCount",
		"AttributedPowerW", "ResidualPowerW", "AccumulatedEnergyJ",
		"TemperatureC", "FanPercent",
	}
	// ProcessHeader columns. PowerW is the unclamped share and may be negative;
	// EnergyJ is the ledger credit max(0, PowerW*dt), so AccumulatedEnergyJ never decreases.
	ProcessHeader = []string{
		"Timestamp", "PID", "ProcessName",
		"SMUtil", "MemUtil", "EncUtil", "DecUtil",
		"PowerW", "EnergyJ", "AccumulatedEnergyJ", "WeightedUtil", "IsIdleBaselineMember",
	}
)

// csvFile is an append-only CSV file with a buffered writer
type csvFile struct {
	f *os.File
	w *csv.Writer
}

// openCSV opens path for appending and writes header when the file is empty
func openCSV(path string, header []string) (*csvFile, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	c := &csvFile{f: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := c.w.Write(header); err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := c.flush(); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *csvFile) flush() error {
	c.w.Flush()
	return c.w.Error()
}

func (c *csvFile) close() error {
	return errors.Join(c.flush(), c.f.Close())
}

// CSVLog writes a device sample file and a process sample file for one device
// class. Rows are flushed every flushEvery samples. When the files cannot be
// opened or written the log switches to memory-only mode and discards rows;
// sampling is never interrupted.
type CSVLog struct {
	logger     *slog.Logger
	device     string
	devicePath string
	procPath   string
	flushEvery int

	mu         sync.Mutex
	devices    *csvFile
	processes  *csvFile
	pending    int
	memoryOnly bool
}

// OptFn is a functional option for configuring CSVLog
type OptFn func(*CSVLog)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptFn {
	return func(l *CSVLog) {
		l.logger = logger
	}
}

// WithFlushEvery sets after how many samples buffered rows are flushed
func WithFlushEvery(n int) OptFn {
	return func(l *CSVLog) {
		l.flushEvery = n
	}
}

// Open opens <dir>/<device>_device.csv and <dir>/<device>_process.csv. It never
// fails; on error the returned log is in memory-only mode.
func Open(dir, device string, opts ...OptFn) *CSVLog {
	l := &CSVLog{
		logger:     slog.Default(),
		device:     device,
		devicePath: filepath.Join(dir, device+"_device.csv"),
		procPath:   filepath.Join(dir, device+"_process.csv"),
		flushEvery: DefaultFlushEvery,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.flushEvery <= 0 {
		l.flushEvery = DefaultFlushEvery
	}
	l.logger = l.logger.With("component", "storage", "device", device)

	if err := l.open(dir); err != nil {
		l.memoryOnly = true
		l.logger.Warn("Cannot write sample logs, continuing in memory-only mode", "dir", dir, "error", err)
		return l
	}
	l.logger.Info("Logging samples", "device.file", l.devicePath, "process.file", l.procPath)
	return l
}

// MemoryOnly creates a log that discards every row
func MemoryOnly(device string) *CSVLog {
	return &CSVLog{
		logger:     slog.Default().With("component", "storage", "device", device),
		device:     device,
		flushEvery: DefaultFlushEvery,
		memoryOnly: true,
	}
}

func (l *CSVLog) open(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	devices, err := openCSV(l.devicePath, DeviceHeader)
	if err != nil {
		return err
	}
	processes, err := openCSV(l.procPath, ProcessHeader)
	if err != nil {
		_ = devices.close()
		return err
	}
	l.devices, l.processes = devices, processes
	return nil
}

// Append writes one device row and one row per process, in pid order. It
// returns an error only on the call that switches the log to memory-only mode.
func (l *CSVLog) Append(sample monitor.DeviceSample, procs []monitor.ProcessSample) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.memoryOnly {
		return nil
	}

	ts := sample.Timestamp.Format(time.RFC3339Nano)
	if err := l.devices.w.Write(deviceRecord(ts, sample)); err != nil {
		return l.degrade(err)
	}

	sorted := slices.Clone(procs)
	slices.SortFunc(sorted, func(a, b monitor.ProcessSample) int { return a.PID - b.PID })
	for _, p := range sorted {
		if err := l.processes.w.Write(processRecord(ts, p)); err != nil {
			return l.degrade(err)
		}
	}

	l.pending++
	if l.pending >= l.flushEvery {
		return l.flushLocked()
	}
	return nil
}

// Flush writes buffered rows to disk
func (l *CSVLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.memoryOnly {
		return nil
	}
	return l.flushLocked()
}

func (l *CSVLog) flushLocked() error {
	l.pending = 0
	if err := errors.Join(l.devices.flush(), l.processes.flush()); err != nil {
		return l.degrade(err)
	}
	return nil
}

// Close flushes and closes both files. It is safe to call more than once.
func (l *CSVLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.memoryOnly {
		return nil
	}
	l.memoryOnly = true
	err := errors.Join(l.devices.close(), l.processes.close())
	if err != nil {
		return fmt.Errorf("closing %s sample logs: %w", l.device, err)
	}
	l.logger.Debug("Closed sample logs")
	return nil
}

// IsMemoryOnly reports whether rows are being discarded
func (l *CSVLog) IsMemoryOnly() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.memoryOnly
}

// Paths returns the device and process file paths
func (l *CSVLog) Paths() (string, string) {
	return l.devicePath, l.procPath
}

func (l *CSVLog) degrade(err error) error {
	l.memoryOnly = true
	_ = l.devices.f.Close()
	_ = l.processes.f.Close()
	return fmt.Errorf("writing %s sample logs failed, continuing in memory-only mode: %w", l.device, err)
}

func deviceRecord(ts string, s monitor.DeviceSample) []string {
	return []string{
		ts,
		formatFloat(s.Power),
		formatFloat(s.ActivePower),
		formatFloat(s.ExcessPower),
		formatFloat(s.Utilization.SM),
		formatFloat(s.Utilization.Mem),
		formatFloat(s.Utilization.Enc),
		formatFloat(s.Utilization.Dec),
		formatFloat(s.WeightedCapacity),
		formatFloat(s.ProcessWeightTotal),
		strconv.Itoa(s.ProcessCount),
		formatFloat(s.AttributedPower),
		formatFloat(s.ResidualPower),
		formatFloat(s.CumulativeEnergy),
		formatFloat(s.Temperature),
		formatFloat(s.FanPercent),
	}
}

func processRecord(ts string, p monitor.ProcessSample) []string {
	return []string{
		ts,
		strconv.Itoa(p.PID),
		p.Name,
		formatFloat(p.Utilization.SM),
		formatFloat(p.Utilization.Mem),
		formatFloat(p.Utilization.Enc),
		formatFloat(p.Utilization.Dec),
		formatFloat(p.Power),
		formatFloat(p.EnergyThisTick),
		formatFloat(p.CumulativeEnergy),
		formatFloat(p.WeightedUtilization),
		strconv.FormatBool(p.IsIdleBaselineMember),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
