// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"k8s.io/utils/clock"
)

const defaultNvidiaSMIPath = "nvidia-smi"

// nvidia-smi --query-gpu fields, in output order
var gpuQueryFields = []string{
	"power.draw",
	"utilization.gpu",
	"utilization.memory",
	"utilization.encoder",
	"utilization.decoder",
	"temperature.gpu",
	"fan.speed",
}

// commandRunner runs an external command and returns its standard output
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// NvidiaSMIProvider reads GPU telemetry by invoking the nvidia-smi CLI
type NvidiaSMIProvider struct {
	logger *slog.Logger
	path   string
	index  uint
	clock  clock.PassiveClock
	run    commandRunner
}

var _ TelemetryProvider = (*NvidiaSMIProvider)(nil)

// NvidiaSMIOptFn is a functional option for configuring NvidiaSMIProvider
type NvidiaSMIOptFn func(*NvidiaSMIProvider)

// WithNvidiaSMILogger sets the logger
func WithNvidiaSMILogger(logger *slog.Logger) NvidiaSMIOptFn {
	return func(p *NvidiaSMIProvider) {
		p.logger = logger
	}
}

// WithNvidiaSMIPath sets the nvidia-smi executable path
func WithNvidiaSMIPath(path string) NvidiaSMIOptFn {
	return func(p *NvidiaSMIProvider) {
		p.path = path
	}
}

// WithNvidiaSMIDevice sets the GPU index passed to nvidia-smi -i
func WithNvidiaSMIDevice(index uint) NvidiaSMIOptFn {
	return func(p *NvidiaSMIProvider) {
		p.index = index
	}
}

// WithNvidiaSMIClock sets the clock used to timestamp readings
func WithNvidiaSMIClock(c clock.PassiveClock) NvidiaSMIOptFn {
	return func(p *NvidiaSMIProvider) {
		p.clock = c
	}
}

func withCommandRunner(run commandRunner) NvidiaSMIOptFn {
	return func(p *NvidiaSMIProvider) {
		p.run = run
	}
}

// NewNvidiaSMIProvider creates a provider backed by nvidia-smi. It fails when the
// executable cannot be found since no GPU telemetry would ever be available.
func NewNvidiaSMIProvider(opts ...NvidiaSMIOptFn) (*NvidiaSMIProvider, error) {
	p := &NvidiaSMIProvider{
		logger: slog.Default(),
		path:   defaultNvidiaSMIPath,
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.run == nil {
		resolved, err := exec.LookPath(p.path)
		if err != nil {
			return nil, fmt.Errorf("nvidia-smi not found at %q: %w", p.path, err)
		}
		p.path = resolved
		p.run = execRunner
	}

	p.logger = p.logger.With("provider", p.Name())
	return p, nil
}

// Name returns the provider name
func (p *NvidiaSMIProvider) Name() string {
	return "nvidia-smi"
}

// DeviceSnapshot queries device wide power, utilization, temperature and fan speed
func (p *NvidiaSMIProvider) DeviceSnapshot(ctx context.Context) (DeviceReading, error) {
	out, err := p.run(ctx, p.path,
		"--query-gpu="+strings.Join(gpuQueryFields, ","),
		"--format=csv,noheader,nounits",
		"-i", strconv.FormatUint(uint64(p.index), 10),
	)
	if err != nil {
		return DeviceReading{}, fmt.Errorf("%w: nvidia-smi query failed: %v", ErrNoSample, err)
	}

	reading, err := parseGPUQuery(out)
	if err != nil {
		return DeviceReading{}, err
	}
	reading.Timestamp = p.clock.Now()
	return reading, nil
}

// ProcessSnapshot runs a single nvidia-smi pmon sample
func (p *NvidiaSMIProvider) ProcessSnapshot(ctx context.Context) ([]ProcessReading, error) {
	out, err := p.run(ctx, p.path,
		"pmon", "-c", "1", "-s", "u",
		"-i", strconv.FormatUint(uint64(p.index), 10),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: nvidia-smi pmon failed: %v", ErrNoSample, err)
	}
	return parsePmon(out)
}

// Close is a no-op; nvidia-smi is invoked per call
func (p *NvidiaSMIProvider) Close() error {
	return nil
}

// parseGPUQuery parses the first line of a --query-gpu csv,noheader,nounits output.
// Power is mandatory; any other unparsable field defaults to 0.
func parseGPUQuery(out []byte) (DeviceReading, error) {
	line := firstNonEmptyLine(out)
	if line == "" {
		return DeviceReading{}, fmt.Errorf("%w: empty nvidia-smi output", ErrNoSample)
	}

	fields := strings.Split(line, ",")
	if len(fields) < len(gpuQueryFields) {
		return DeviceReading{}, fmt.Errorf("%w: expected %d fields, got %d in %q",
			ErrNoSample, len(gpuQueryFields), len(fields), line)
	}

	power, ok := parseFloatField(fields[0])
	if !ok {
		return DeviceReading{}, fmt.Errorf("%w: unparsable power.draw %q", ErrNoSample, strings.TrimSpace(fields[0]))
	}

	return DeviceReading{
		Power: power,
		Utilization: Utilization{
			SM:  floatOrZero(fields[1]),
			Mem: floatOrZero(fields[2]),
			Enc: floatOrZero(fields[3]),
			Dec: floatOrZero(fields[4]),
		},
		Temperature: floatOrZero(fields[5]),
		FanPercent:  floatOrZero(fields[6]),
	}, nil
}

// pmonColumns locates the columns of interest in a pmon header
type pmonColumns struct {
	pid, sm, mem, enc, dec, command int
}

// parsePmon parses `nvidia-smi pmon -s u` output. Column positions are taken from
// the "# gpu pid type sm mem enc dec ... command" header since newer drivers add
// jpg/ofa columns. Rows with no pid ("-") are skipped; "-" metrics are 0.
func parsePmon(out []byte) ([]ProcessReading, error) {
	var cols *pmonColumns
	var procs []ProcessReading

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			if cols == nil {
				cols = parsePmonHeader(strings.Fields(strings.TrimPrefix(line, "#")))
			}
			continue
		}
		if cols == nil {
			return nil, fmt.Errorf("%w: pmon output without header", ErrNoSample)
		}

		fields := strings.Fields(line)
		if len(fields) <= cols.pid {
			continue
		}
		pid, err := strconv.Atoi(fields[cols.pid])
		if err != nil || pid <= 0 {
			continue
		}

		proc := ProcessReading{
			PID: pid,
			Utilization: Utilization{
				SM:  column(fields, cols.sm),
				Mem: column(fields, cols.mem),
				Enc: column(fields, cols.enc),
				Dec: column(fields, cols.dec),
			},
		}
		if cols.command >= 0 && cols.command < len(fields) {
			name := strings.Join(fields[cols.command:], " ")
			if name != "-" {
				proc.Name = name
			}
		}
		procs = append(procs, proc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading pmon output: %v", ErrNoSample, err)
	}
	if cols == nil {
		return nil, fmt.Errorf("%w: pmon output without header", ErrNoSample)
	}

	return procs, nil
}

func parsePmonHeader(names []string) *pmonColumns {
	cols := &pmonColumns{pid: -1, sm: -1, mem: -1, enc: -1, dec: -1, command: -1}
	for i, name := range names {
		switch strings.ToLower(name) {
		case "pid":
			cols.pid = i
		case "sm":
			cols.sm = i
		case "mem":
			cols.mem = i
		case "enc":
			cols.enc = i
		case "dec":
			cols.dec = i
		case "command":
			cols.command = i
		}
	}
	if cols.pid < 0 {
		return nil
	}
	return cols
}

func column(fields []string, idx int) float64 {
	if idx < 0 || idx >= len(fields) {
		return 0
	}
	return floatOrZero(fields[idx])
}

func parseFloatField(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// floatOrZero parses s, returning 0 for "-", "[N/A]", "[Not Supported]" and similar
func floatOrZero(s string) float64 {
	v, _ := parseFloatField(s)
	return v
}

func firstNonEmptyLine(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
