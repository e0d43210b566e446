// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"

	"github.com/sustainable-computing-io/procwatt/config"
	"github.com/sustainable-computing-io/procwatt/internal/device"
	"github.com/sustainable-computing-io/procwatt/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/procwatt/internal/exporter/stdout"
	"github.com/sustainable-computing-io/procwatt/internal/logger"
	"github.com/sustainable-computing-io/procwatt/internal/monitor"
	"github.com/sustainable-computing-io/procwatt/internal/procname"
	"github.com/sustainable-computing-io/procwatt/internal/server"
	"github.com/sustainable-computing-io/procwatt/internal/service"
)

func main() {
	cfg, err := parseArgsAndConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(log)
	log.Info("Starting procwatt")
	log.Debug("Effective configuration", "config", cfg.String())

	services, err := createServices(log, cfg)
	if err != nil {
		log.Error("failed to create services", "error", err)
		os.Exit(1)
	}

	if err := service.Init(log, services); err != nil {
		log.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}

	if err := runServices(log, services); err != nil {
		log.Error("procwatt terminated with an error", "error", err)
		os.Exit(1)
	}
	log.Info("Graceful shutdown completed")
}

func parseArgsAndConfig() (*config.Config, error) {
	app := kingpin.New("procwatt", "Per-process GPU and CPU power attribution")
	configFile := app.Flag(config.ConfigFileFlag, "Path to YAML configuration file").String()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.FromFile(*configFile)
		if err != nil {
			return nil, fmt.Errorf("error loading config file: %w", err)
		}
		cfg = loaded
	}

	// flags override config file settings
	if err := updateConfig(cfg); err != nil {
		return nil, fmt.Errorf("error applying command line flags: %w", err)
	}
	return cfg, nil
}

func createServices(log *slog.Logger, cfg *config.Config) ([]service.Service, error) {
	devices, err := createDevices(log, cfg)
	if err != nil {
		return nil, err
	}

	opts := service.MonitorOpts{
		Logger:  log,
		Devices: devices,
		Weights: monitor.Weights{
			SM:  cfg.Attribution.Weights.SM,
			Mem: cfg.Attribution.Weights.Mem,
			Enc: cfg.Attribution.Weights.Enc,
			Dec: cfg.Attribution.Weights.Dec,
		},
		Autoscale:           cfg.IsFeatureEnabled(config.AutoscaleFeature),
		MaxSamples:          cfg.Monitor.MaxSamples,
		Calibrate:           cfg.IsFeatureEnabled(config.CalibrationFeature),
		CalibrationSamples:  cfg.Calibration.Samples,
		CalibrationInterval: cfg.Calibration.Interval,
		NameCacheSize:       cfg.ProcessNames.CacheSize,
		Resolver:            procname.NewSystemResolver(0),
		FlushEvery:          cfg.Storage.FlushEvery,
	}
	if cfg.IsFeatureEnabled(config.StorageFeature) {
		opts.StorageDir = cfg.Storage.Dir
	}

	// the stdout exporter reads snapshots from the monitor it is refreshed by
	var pm *service.Monitor
	source := snapshotsFn(func() []*monitor.Snapshot { return pm.Snapshots() })
	if cfg.IsFeatureEnabled(config.StdoutFeature) {
		opts.UIRefresh = cfg.Monitor.UIRefresh
		opts.Refresh = stdout.NewExporter(source, stdout.WithLogger(log)).Refresh
	}
	pm = service.NewMonitor(opts)

	apiServer := server.NewAPIServer(
		server.WithLogger(log),
		server.WithListenAddress(cfg.Web.ListenAddresses),
		server.WithWebConfig(cfg.Web.Config),
	)
	server.RegisterControl(apiServer, pm, log)

	if cfg.IsFeatureEnabled(config.PrometheusFeature) {
		exporter, err := prometheus.NewExporter(pm, prometheus.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		apiServer.Register("GET /metrics", "Metrics", "Prometheus metrics", exporter.Handler())
	}

	return []service.Service{pm, apiServer}, nil
}

// createDevices builds the telemetry provider of every enabled device class
func createDevices(log *slog.Logger, cfg *config.Config) ([]service.Device, error) {
	var devices []service.Device

	if cfg.IsFeatureEnabled(config.GPUFeature) {
		p, err := createGPUProvider(log, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create GPU provider: %w", err)
		}
		devices = append(devices, service.Device{
			Name:     "gpu",
			Provider: device.WithTimeout(p, cfg.Monitor.AcquisitionTimeout),
			Interval: cfg.SamplingFor(cfg.Devices.GPU.Sampling).Interval,
		})
	}

	if cfg.IsFeatureEnabled(config.CPUFeature) {
		p, err := createCPUProvider(log, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create CPU provider: %w", err)
		}
		devices = append(devices, service.Device{
			Name:     "cpu",
			Provider: device.WithTimeout(p, cfg.Monitor.AcquisitionTimeout),
			Interval: cfg.SamplingFor(cfg.Devices.CPU.Sampling).Interval,
		})
	}

	return devices, nil
}

func createGPUProvider(log *slog.Logger, cfg *config.Config) (device.TelemetryProvider, error) {
	gpu := cfg.Devices.GPU
	switch gpu.Type {
	case config.DeviceTypeDCGM:
		return device.NewDCGMProvider(device.DCGMProviderOpts{
			Logger:      log,
			Device:      gpu.Index,
			ProcFS:      cfg.Host.ProcFS,
			DCGMMode:    device.DCGMMode(gpu.DCGMMode),
			DCGMAddress: gpu.DCGMAddress,
		})
	case config.DeviceTypeFake:
		return newFakeProvider(log, cfg), nil
	default:
		return device.NewNvidiaSMIProvider(
			device.WithNvidiaSMILogger(log),
			device.WithNvidiaSMIPath(gpu.NvidiaSMIPath),
			device.WithNvidiaSMIDevice(gpu.Index),
		)
	}
}

func createCPUProvider(log *slog.Logger, cfg *config.Config) (device.TelemetryProvider, error) {
	if cfg.Devices.CPU.Type == config.DeviceTypeFake {
		return newFakeProvider(log, cfg), nil
	}
	return device.NewRAPLProvider(cfg.Host.SysFS, cfg.Host.ProcFS, device.WithRAPLLogger(log))
}

func newFakeProvider(log *slog.Logger, cfg *config.Config) device.TelemetryProvider {
	log.Warn("Using fake telemetry provider; readings are simulated")
	return device.NewFakeProvider(
		device.WithFakeLogger(log),
		device.WithFakePowerBase(cfg.Dev.Fake.PowerBase),
		device.WithFakePowerRange(cfg.Dev.Fake.PowerRange),
	)
}

// snapshotsFn adapts a function to a snapshot source
type snapshotsFn func() []*monitor.Snapshot

func (f snapshotsFn) Snapshots() []*monitor.Snapshot {
	return f()
}

func runServices(log *slog.Logger, services []service.Service) error {
	var g run.Group

	for _, s := range services {
		runner, ok := s.(service.Runner)
		if !ok {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error {
				log.Info("Running service", "service", runner.Name())
				return runner.Run(ctx)
			},
			func(error) {
				log.Info("Interrupting service", "service", runner.Name())
				cancel()
			},
		)
	}

	// signal handler
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	runErr := g.Run()
	if shutdownErr := service.Shutdown(log, services); shutdownErr != nil {
		log.Error("failed to shut down services", "error", shutdownErr)
	}

	var sigErr run.SignalError
	if errors.As(runErr, &sigErr) {
		log.Info("Received signal", "signal", sigErr.Signal)
		return nil
	}
	return runErr
}
