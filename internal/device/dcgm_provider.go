// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NVIDIA/go-dcgm/pkg/dcgm"
	"k8s.io/utils/clock"
)

// DCGMMode selects how the provider connects to DCGM
type DCGMMode string

const (
	// DCGMModeEmbedded starts a local DCGM engine (requires local GPU)
	DCGMModeEmbedded DCGMMode = "embedded"
	// DCGMModeStandalone connects to an external nv-hostengine
	DCGMModeStandalone DCGMMode = "standalone"
)

// device level fields watched by the provider
var dcgmDeviceFields = []dcgm.Short{
	dcgm.DCGM_FI_DEV_POWER_USAGE,
	dcgm.DCGM_FI_DEV_GPU_UTIL,
	dcgm.DCGM_FI_DEV_MEM_COPY_UTIL,
	dcgm.DCGM_FI_DEV_ENC_UTIL,
	dcgm.DCGM_FI_DEV_DEC_UTIL,
	dcgm.DCGM_FI_DEV_GPU_TEMP,
	dcgm.DCGM_FI_DEV_FAN_SPEED,
}

// pidLister returns the candidate processes (pid -> comm) to query DCGM for
type pidLister func(ctx context.Context) (map[int]string, error)

// DCGMProvider reads GPU telemetry from NVIDIA DCGM
type DCGMProvider struct {
	logger     *slog.Logger
	index      uint
	clock      clock.PassiveClock
	disconnect func()
	watch      dcgmWatch
	listPIDs   pidLister
}

var _ TelemetryProvider = (*DCGMProvider)(nil)

// DCGMProviderOpts configures NewDCGMProvider. Zero values select defaults.
type DCGMProviderOpts struct {
	Logger     *slog.Logger
	Clock      clock.PassiveClock
	UpdateFreq time.Duration
	MaxKeepAge time.Duration
	MaxSamples int
	Device     uint

	// ProcFS is scanned for candidate pids
	ProcFS string

	DCGMMode DCGMMode
	// DCGMAddress is the host:port of nv-hostengine, standalone mode only
	DCGMAddress string

	listPIDs pidLister
}

func (o *DCGMProviderOpts) withDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.UpdateFreq == 0 {
		o.UpdateFreq = time.Second
	}
	if o.MaxKeepAge == 0 {
		o.MaxKeepAge = 30 * time.Second
	}
	if o.MaxSamples == 0 {
		o.MaxSamples = 1000
	}
	if o.DCGMMode == "" {
		o.DCGMMode = DCGMModeEmbedded
	}
	if o.ProcFS == "" {
		o.ProcFS = "/proc"
	}
	if o.listPIDs == nil {
		o.listPIDs = procfsPIDLister(o.ProcFS)
	}
}

// NewDCGMProvider connects to DCGM and starts watching the device fields of
// opts.Device
func NewDCGMProvider(opts DCGMProviderOpts) (*DCGMProvider, error) {
	opts.withDefaults()
	if opts.DCGMMode == DCGMModeStandalone && opts.DCGMAddress == "" {
		return nil, fmt.Errorf("DCGM address is required for standalone mode")
	}

	logger := opts.Logger.With("provider", "dcgm")
	logger.Info("Connecting to DCGM", "mode", opts.DCGMMode, "address", opts.DCGMAddress)
	disconnect, err := dcgmAPI.Connect(opts.DCGMMode, opts.DCGMAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DCGM (mode=%s): %w", opts.DCGMMode, err)
	}

	watch, err := dcgmAPI.Watch(watchRequest{
		device:      opts.Device,
		fields:      dcgmDeviceFields,
		updateFreq:  opts.UpdateFreq,
		keepAge:     opts.MaxKeepAge,
		keepSamples: opts.MaxSamples,
		name:        fmt.Sprintf("procwatt_gpu%d_%d", opts.Device, opts.Clock.Now().UnixNano()),
	})
	if err != nil {
		disconnect()
		return nil, err
	}

	return &DCGMProvider{
		logger:     logger,
		index:      opts.Device,
		clock:      opts.Clock,
		disconnect: disconnect,
		watch:      watch,
		listPIDs:   opts.listPIDs,
	}, nil
}

// Name returns the provider name
func (p *DCGMProvider) Name() string {
	return "dcgm"
}

// DeviceSnapshot returns the latest watched device fields for the monitored GPU
func (p *DCGMProvider) DeviceSnapshot(_ context.Context) (DeviceReading, error) {
	values, err := dcgmAPI.Latest(p.watch)
	if err != nil {
		return DeviceReading{}, fmt.Errorf("%w: failed to get device metrics: %v", ErrNoSample, err)
	}

	reading := DeviceReading{Timestamp: p.clock.Now()}
	hasPower := false

	// values are returned oldest first; later samples overwrite earlier ones
	for _, val := range values {
		if val.Status != 0 { // DCGM_ST_OK
			continue
		}
		if val.EntityID != p.index {
			continue
		}

		switch val.FieldID {
		case dcgm.DCGM_FI_DEV_POWER_USAGE:
			reading.Power = fieldFloat(val)
			hasPower = true
		case dcgm.DCGM_FI_DEV_GPU_UTIL:
			reading.Utilization.SM = fieldFloat(val)
		case dcgm.DCGM_FI_DEV_MEM_COPY_UTIL:
			reading.Utilization.Mem = fieldFloat(val)
		case dcgm.DCGM_FI_DEV_ENC_UTIL:
			reading.Utilization.Enc = fieldFloat(val)
		case dcgm.DCGM_FI_DEV_DEC_UTIL:
			reading.Utilization.Dec = fieldFloat(val)
		case dcgm.DCGM_FI_DEV_GPU_TEMP:
			reading.Temperature = fieldFloat(val)
		case dcgm.DCGM_FI_DEV_FAN_SPEED:
			reading.FanPercent = fieldFloat(val)
		}
	}

	if !hasPower {
		return DeviceReading{}, fmt.Errorf("%w: no power reading for GPU %d", ErrNoSample, p.index)
	}
	return reading, nil
}

// ProcessSnapshot queries DCGM for each candidate pid and keeps those running on the GPU
func (p *DCGMProvider) ProcessSnapshot(ctx context.Context) ([]ProcessReading, error) {
	candidates, err := p.listPIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list processes: %v", ErrNoSample, err)
	}

	var procs []ProcessReading
	for pid, comm := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoSample, err)
		}

		infos, err := dcgmAPI.Processes(p.watch, uint(pid))
		if err != nil {
			// not a GPU process
			continue
		}

		for _, info := range infos {
			if info.GPU != p.index {
				continue
			}
			proc := ProcessReading{PID: pid, Name: comm}
			if info.ProcessUtilization.SmUtil != nil {
				proc.Utilization.SM = *info.ProcessUtilization.SmUtil
			}
			if info.ProcessUtilization.MemUtil != nil {
				proc.Utilization.Mem = *info.ProcessUtilization.MemUtil
			}
			procs = append(procs, proc)
			break
		}
	}
	return procs, nil
}

// Close stops the field watch and disconnects from DCGM
func (p *DCGMProvider) Close() error {
	err := dcgmAPI.Unwatch(p.watch)
	if p.disconnect != nil {
		p.disconnect()
	}
	if err != nil {
		return fmt.Errorf("failed to release DCGM watch: %w", err)
	}
	p.logger.Debug("DCGM watch released")
	return nil
}

func fieldFloat(val dcgm.FieldValue_v2) float64 {
	if val.FieldType == dcgm.DCGM_FT_DOUBLE {
		return val.Float64()
	}
	return float64(val.Int64())
}
