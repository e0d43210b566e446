// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"

	"k8s.io/utils/ptr"
)

// Feature represents an optional feature identifier
type Feature string

const (
	// GPUFeature represents GPU power attribution
	GPUFeature Feature = "gpu"

	// CPUFeature represents CPU package power attribution
	CPUFeature Feature = "cpu"

	// CalibrationFeature represents idle baseline calibration at startup
	CalibrationFeature Feature = "calibration"

	// StorageFeature represents CSV persistence of samples
	StorageFeature Feature = "storage"

	// AutoscaleFeature represents rescaling process power to the measured power
	AutoscaleFeature Feature = "autoscale"

	// PrometheusFeature represents the Prometheus exporter feature
	PrometheusFeature Feature = "prometheus"

	// StdoutFeature represents the stdout exporter feature
	StdoutFeature Feature = "stdout"
)

// Device types
const (
	DeviceTypeNvidiaSMI = "nvidia-smi"
	DeviceTypeDCGM      = "dcgm"
	DeviceTypeRAPL      = "rapl"
	DeviceTypeFake      = "fake"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Host struct {
		SysFS  string `yaml:"sysfs"`
		ProcFS string `yaml:"procfs"`
	}

	Monitor struct {
		Interval  time.Duration `yaml:"interval"`  // default sampling interval of every device
		UIRefresh time.Duration `yaml:"uiRefresh"` // 0 disables the ui-refresh cadence

		// MaxSamples bounds the in-memory history of device samples
		MaxSamples int `yaml:"maxSamples"`

		// AcquisitionTimeout bounds every provider call; 0 disables the bound
		AcquisitionTimeout time.Duration `yaml:"acquisitionTimeout"`
	}

	// Weights of each utilization metric in the weighted activity of a process
	Weights struct {
		SM  float64 `yaml:"sm"`
		Mem float64 `yaml:"mem"`
		Enc float64 `yaml:"enc"`
		Dec float64 `yaml:"dec"`
	}

	Attribution struct {
		Weights Weights `yaml:"weights"`

		// Autoscale rescales process power so that it sums to the measured power
		Autoscale *bool `yaml:"autoscale"`
	}

	Calibration struct {
		Enabled  *bool         `yaml:"enabled"`
		Samples  int           `yaml:"samples"`
		Interval time.Duration `yaml:"interval"`
	}

	ProcessNames struct {
		CacheSize int `yaml:"cacheSize"`
	}

	Storage struct {
		Enabled    *bool  `yaml:"enabled"`
		Dir        string `yaml:"dir"`
		FlushEvery int    `yaml:"flushEvery"`
	}

	// Sampling holds per-device settings that fall back to the monitor section
	Sampling struct {
		Interval time.Duration `yaml:"interval"`
	}

	// GPU contains settings for GPU power attribution
	GPU struct {
		Enabled  *bool    `yaml:"enabled"`
		Type     string   `yaml:"type"`  // "nvidia-smi", "dcgm" or "fake"
		Index    uint     `yaml:"index"` // GPU device index to monitor
		Sampling `yaml:",inline"`

		NvidiaSMIPath string `yaml:"nvidiaSMIPath"`

		// DCGM-specific settings
		DCGMMode    string `yaml:"dcgmMode"`    // "embedded" or "standalone" (default: "embedded")
		DCGMAddress string `yaml:"dcgmAddress"` // Address for standalone mode (e.g., "nv-hostengine:5555")
	}

	// CPU contains settings for CPU package power attribution
	CPU struct {
		Enabled  *bool  `yaml:"enabled"`
		Type     string `yaml:"type"` // "rapl" or "fake"
		Sampling `yaml:",inline"`
	}

	Devices struct {
		GPU GPU `yaml:"gpu"`
		CPU CPU `yaml:"cpu"`
	}

	// Exporter configuration
	StdoutExporter struct {
		Enabled *bool `yaml:"enabled"`
	}

	PrometheusExporter struct {
		Enabled *bool `yaml:"enabled"`
	}

	Exporter struct {
		Stdout     StdoutExporter     `yaml:"stdout"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
	}

	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	// Development mode settings
	Dev struct {
		Fake struct {
			PowerBase  float64 `yaml:"powerBase"`  // Base power consumption in watts
			PowerRange float64 `yaml:"powerRange"` // Power variation range in watts
		} `yaml:"fake"`
	}

	Config struct {
		Log          Log          `yaml:"log"`
		Host         Host         `yaml:"host"`
		Monitor      Monitor      `yaml:"monitor"`
		Attribution  Attribution  `yaml:"attribution"`
		Calibration  Calibration  `yaml:"calibration"`
		ProcessNames ProcessNames `yaml:"processNames"`
		Storage      Storage      `yaml:"storage"`
		Devices      Devices      `yaml:"devices"`
		Exporter     Exporter     `yaml:"exporter"`
		Web          Web          `yaml:"web"`
		Dev          Dev          `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

// WeightsValue is a custom kingpin.Value that parses "sm,mem,enc,dec" into Weights
type WeightsValue struct {
	weights *Weights
}

// NewWeightsValue creates a new WeightsValue writing into w
func NewWeightsValue(w *Weights) *WeightsValue {
	return &WeightsValue{weights: w}
}

// Set implements kingpin.Value interface
func (v *WeightsValue) Set(value string) error {
	w, err := ParseWeights(value)
	if err != nil {
		return err
	}
	*v.weights = w
	return nil
}

// String implements kingpin.Value interface
func (v *WeightsValue) String() string {
	return v.weights.String()
}

// ParseWeights parses four comma separated floats in sm,mem,enc,dec order
func ParseWeights(s string) (Weights, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Weights{}, fmt.Errorf("weights must be 4 comma-separated values (sm,mem,enc,dec), got %q", s)
	}

	values := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Weights{}, fmt.Errorf("invalid weight %q: %w", p, err)
		}
		values[i] = v
	}
	return Weights{SM: values[0], Mem: values[1], Enc: values[2], Dec: values[3]}, nil
}

func (w Weights) String() string {
	return strings.Join([]string{
		strconv.FormatFloat(w.SM, 'f', -1, 64),
		strconv.FormatFloat(w.Mem, 'f', -1, 64),
		strconv.FormatFloat(w.Enc, 'f', -1, 64),
		strconv.FormatFloat(w.Dec, 'f', -1, 64),
	}, ",")
}

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

const (
	// Flags
	ConfigFileFlag = "config.file"

	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostSysFSFlag  = "host.sysfs"
	HostProcFSFlag = "host.procfs"

	MonitorIntervalFlag           = "monitor.interval"
	MonitorUIRefreshFlag          = "monitor.ui-refresh"
	MonitorMaxSamplesFlag         = "monitor.max-samples"
	MonitorAcquisitionTimeoutFlag = "monitor.acquisition-timeout"

	AttributionWeightsFlag   = "attribution.weights"
	AttributionAutoscaleFlag = "attribution.autoscale"

	CalibrationEnabledFlag  = "calibration.enabled"
	CalibrationSamplesFlag  = "calibration.samples"
	CalibrationIntervalFlag = "calibration.interval"

	ProcessNamesCacheSizeFlag = "process-names.cache-size"

	StorageEnabledFlag    = "storage.enabled"
	StorageDirFlag        = "storage.dir"
	StorageFlushEveryFlag = "storage.flush-every"

	DeviceGPUFlag     = "device.gpu"
	DeviceGPUTypeFlag = "device.gpu.type"
	DeviceCPUFlag     = "device.cpu"
	DeviceCPUTypeFlag = "device.cpu.type"

	WebConfigFlag        = "web.config-file"
	WebListenAddressFlag = "web.listen-address"

	// Exporters
	ExporterStdoutEnabledFlag     = "exporter.stdout"
	ExporterPrometheusEnabledFlag = "exporter.prometheus"

// WARN:  dev settings shouldn't be exposed as flags as flags are intended for end users
)

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			SysFS:  "/sys",
			ProcFS: "/proc",
		},
		Monitor: Monitor{
			Interval:           1 * time.Second,
			UIRefresh:          2 * time.Second,
			MaxSamples:         3600,
			AcquisitionTimeout: 5 * time.Second,
		},
		Attribution: Attribution{
			Weights:   Weights{SM: 1.0, Mem: 0.5, Enc: 0.25, Dec: 0.15},
			Autoscale: ptr.To(false),
		},
		Calibration: Calibration{
			Enabled:  ptr.To(true),
			Samples:  50,
			Interval: 100 * time.Millisecond,
		},
		ProcessNames: ProcessNames{
			CacheSize: 1024,
		},
		Storage: Storage{
			Enabled:    ptr.To(true),
			Dir:        "./procwatt-logs",
			FlushEvery: 10,
		},
		Devices: Devices{
			GPU: defaultGPUConfig(),
			CPU: CPU{
				Enabled: ptr.To(false),
				Type:    DeviceTypeRAPL,
			},
		},
		Exporter: Exporter{
			Stdout: StdoutExporter{
				Enabled: ptr.To(false),
			},
			Prometheus: PrometheusExporter{
				Enabled: ptr.To(true),
			},
		},
		Web: Web{
			ListenAddresses: []string{":28283"},
		},
	}

	cfg.Dev.Fake.PowerBase = 60.0
	cfg.Dev.Fake.PowerRange = 20.0
	return cfg
}

// defaultGPUConfig returns default GPU configuration
func defaultGPUConfig() GPU {
	return GPU{
		Enabled:       ptr.To(true),
		Type:          DeviceTypeNvidiaSMI,
		Index:         0,
		NvidiaSMIPath: "nvidia-smi",
		DCGMMode:      "embedded",
		DCGMAddress:   "", // required only in standalone mode
	}
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile reads and validates the YAML file at path
func FromFile(path string) (cfg *Config, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return Load(f)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags declares the command line flags on app. The returned function
// copies every flag given on the command line into a Config.
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum(logLevels...)
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum(logFormats...)
	// host
	hostSysFS := app.Flag(HostSysFSFlag, "Host sysfs path").Default("/sys").ExistingDir()
	hostProcFS := app.Flag(HostProcFSFlag, "Host procfs path").Default("/proc").ExistingDir()

	// monitor
	monitorInterval := app.Flag(MonitorIntervalFlag,
		"Default sampling interval for devices that do not set their own").Default("1s").Duration()
	monitorUIRefresh := app.Flag(MonitorUIRefreshFlag,
		"Interval for refreshing the stdout report; 0 to disable").Default("2s").Duration()
	monitorMaxSamples := app.Flag(MonitorMaxSamplesFlag,
		"Number of device samples kept in memory").Default("3600").Int()
	monitorAcquisitionTimeout := app.Flag(MonitorAcquisitionTimeoutFlag,
		"Timeout of a single telemetry acquisition; 0 to disable").Default("5s").Duration()

	// attribution
	weights := Weights{SM: 1.0, Mem: 0.5, Enc: 0.25, Dec: 0.15}
	app.Flag(AttributionWeightsFlag, "Utilization weights as sm,mem,enc,dec").SetValue(NewWeightsValue(&weights))
	autoscale := app.Flag(AttributionAutoscaleFlag, "Rescale process power to sum to the measured power").Default("false").Bool()

	// calibration
	calibrationEnabled := app.Flag(CalibrationEnabledFlag, "Calibrate the idle baseline at startup").Default("true").Bool()
	calibrationSamples := app.Flag(CalibrationSamplesFlag, "Number of idle readings taken during calibration").Default("50").Int()
	calibrationInterval := app.Flag(CalibrationIntervalFlag, "Interval between calibration readings").Default("100ms").Duration()

	cacheSize := app.Flag(ProcessNamesCacheSizeFlag, "Capacity of the process name cache").Default("1024").Int()

	// storage
	storageEnabled := app.Flag(StorageEnabledFlag, "Persist samples to CSV files").Default("true").Bool()
	storageDir := app.Flag(StorageDirFlag, "Directory for CSV sample logs").Default("./procwatt-logs").String()
	storageFlushEvery := app.Flag(StorageFlushEveryFlag, "Flush CSV files every N samples").Default("10").Int()

	// devices
	gpuEnabled := app.Flag(DeviceGPUFlag, "Enable GPU power attribution").Default("true").Bool()
	gpuType := app.Flag(DeviceGPUTypeFlag, "GPU telemetry provider (nvidia-smi, dcgm or fake)").Default(DeviceTypeNvidiaSMI).
		Enum(DeviceTypeNvidiaSMI, DeviceTypeDCGM, DeviceTypeFake)
	cpuEnabled := app.Flag(DeviceCPUFlag, "Enable CPU package power attribution").Default("false").Bool()
	cpuType := app.Flag(DeviceCPUTypeFlag, "CPU telemetry provider (rapl or fake)").Default(DeviceTypeRAPL).
		Enum(DeviceTypeRAPL, DeviceTypeFake)

	webConfig := app.Flag(WebConfigFlag, "Web config file path").Default("").String()
	webListenAddresses := app.Flag(WebListenAddressFlag, "Web server listen addresses").Default(":28283").Strings()

	// exporters
	stdoutExporterEnabled := app.Flag(ExporterStdoutEnabledFlag, "Enable stdout exporter").Default("false").Bool()
	prometheusExporterEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable Prometheus exporter").Default("true").Bool()

	return func(cfg *Config) error {
		// Logging settings
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}

		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostSysFSFlag] {
			cfg.Host.SysFS = *hostSysFS
		}

		if flagsSet[HostProcFSFlag] {
			cfg.Host.ProcFS = *hostProcFS
		}

		// monitor settings
		if flagsSet[MonitorIntervalFlag] {
			cfg.Monitor.Interval = *monitorInterval
		}
		if flagsSet[MonitorUIRefreshFlag] {
			cfg.Monitor.UIRefresh = *monitorUIRefresh
		}
		if flagsSet[MonitorMaxSamplesFlag] {
			cfg.Monitor.MaxSamples = *monitorMaxSamples
		}
		if flagsSet[MonitorAcquisitionTimeoutFlag] {
			cfg.Monitor.AcquisitionTimeout = *monitorAcquisitionTimeout
		}

		if flagsSet[AttributionWeightsFlag] {
			cfg.Attribution.Weights = weights
		}
		if flagsSet[AttributionAutoscaleFlag] {
			cfg.Attribution.Autoscale = autoscale
		}

		if flagsSet[CalibrationEnabledFlag] {
			cfg.Calibration.Enabled = calibrationEnabled
		}
		if flagsSet[CalibrationSamplesFlag] {
			cfg.Calibration.Samples = *calibrationSamples
		}
		if flagsSet[CalibrationIntervalFlag] {
			cfg.Calibration.Interval = *calibrationInterval
		}

		if flagsSet[ProcessNamesCacheSizeFlag] {
			cfg.ProcessNames.CacheSize = *cacheSize
		}

		if flagsSet[StorageEnabledFlag] {
			cfg.Storage.Enabled = storageEnabled
		}
		if flagsSet[StorageDirFlag] {
			cfg.Storage.Dir = *storageDir
		}
		if flagsSet[StorageFlushEveryFlag] {
			cfg.Storage.FlushEvery = *storageFlushEvery
		}

		if flagsSet[DeviceGPUFlag] {
			cfg.Devices.GPU.Enabled = gpuEnabled
		}
		if flagsSet[DeviceGPUTypeFlag] {
			cfg.Devices.GPU.Type = *gpuType
		}
		if flagsSet[DeviceCPUFlag] {
			cfg.Devices.CPU.Enabled = cpuEnabled
		}
		if flagsSet[DeviceCPUTypeFlag] {
			cfg.Devices.CPU.Type = *cpuType
		}

		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}

		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *webListenAddresses
		}

		if flagsSet[ExporterStdoutEnabledFlag] {
			cfg.Exporter.Stdout.Enabled = stdoutExporterEnabled
		}

		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = prometheusExporterEnabled
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

// IsFeatureEnabled returns true if the specified feature is enabled
func (c *Config) IsFeatureEnabled(feature Feature) bool {
	switch feature {
	case GPUFeature:
		return ptr.Deref(c.Devices.GPU.Enabled, false)
	case CPUFeature:
		return ptr.Deref(c.Devices.CPU.Enabled, false)
	case CalibrationFeature:
		return ptr.Deref(c.Calibration.Enabled, false)
	case StorageFeature:
		return ptr.Deref(c.Storage.Enabled, false)
	case AutoscaleFeature:
		return ptr.Deref(c.Attribution.Autoscale, false)
	case PrometheusFeature:
		return ptr.Deref(c.Exporter.Prometheus.Enabled, false)
	case StdoutFeature:
		return ptr.Deref(c.Exporter.Stdout.Enabled, false)
	default:
		return false
	}
}

// SamplingFor returns the effective sampling settings of a device section,
// filling unset fields from the monitor section.
func (c *Config) SamplingFor(s Sampling) Sampling {
	// mergo only fills zero valued fields of the destination
	_ = mergo.Merge(&s, Sampling{Interval: c.Monitor.Interval})
	return s
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.SysFS = strings.TrimSpace(c.Host.SysFS)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)
	c.Storage.Dir = strings.TrimSpace(c.Storage.Dir)
	c.Web.Config = strings.TrimSpace(c.Web.Config)
	for i := range c.Web.ListenAddresses {
		c.Web.ListenAddresses[i] = strings.TrimSpace(c.Web.ListenAddresses[i])
	}

	c.Devices.GPU.Type = strings.ToLower(strings.TrimSpace(c.Devices.GPU.Type))
	c.Devices.GPU.NvidiaSMIPath = strings.TrimSpace(c.Devices.GPU.NvidiaSMIPath)
	c.Devices.GPU.DCGMMode = strings.TrimSpace(c.Devices.GPU.DCGMMode)
	c.Devices.GPU.DCGMAddress = strings.TrimSpace(c.Devices.GPU.DCGMAddress)
	c.Devices.CPU.Type = strings.ToLower(strings.TrimSpace(c.Devices.CPU.Type))
}

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	var errs []string
	if !slices.Contains(logLevels, c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
	}

	if !slices.Contains(skips, SkipHostValidation) {
		for _, mount := range []struct{ name, path string }{
			{"sysfs", c.Host.SysFS},
			{"procfs", c.Host.ProcFS},
		} {
			if err := readable(mount.path, true); err != nil {
				errs = append(errs, fmt.Sprintf("invalid %s path: %s: %s", mount.name, mount.path, err))
			}
		}
	}

	{ // monitor
		if c.Monitor.Interval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid monitor interval: %s must be positive", c.Monitor.Interval))
		}
		if c.Monitor.UIRefresh < 0 {
			errs = append(errs, fmt.Sprintf("invalid ui refresh interval: %s can't be negative", c.Monitor.UIRefresh))
		}
		if c.Monitor.MaxSamples < 1 {
			errs = append(errs, fmt.Sprintf("invalid max samples: %d must be at least 1", c.Monitor.MaxSamples))
		}
		if c.Monitor.AcquisitionTimeout < 0 {
			errs = append(errs, fmt.Sprintf("invalid acquisition timeout: %s can't be negative", c.Monitor.AcquisitionTimeout))
		}
	}

	{ // attribution
		w := c.Attribution.Weights
		if w.SM < 0 || w.Mem < 0 || w.Enc < 0 || w.Dec < 0 {
			errs = append(errs, fmt.Sprintf("invalid attribution weights %s: weights can't be negative", w))
		} else if w.SM+w.Mem+w.Enc+w.Dec == 0 {
			errs = append(errs, "invalid attribution weights: at least one weight must be positive")
		}
	}

	if c.IsFeatureEnabled(CalibrationFeature) {
		if c.Calibration.Samples < 1 {
			errs = append(errs, fmt.Sprintf("invalid calibration samples: %d must be at least 1", c.Calibration.Samples))
		}
		if c.Calibration.Interval < 0 {
			errs = append(errs, fmt.Sprintf("invalid calibration interval: %s can't be negative", c.Calibration.Interval))
		}
	}

	if c.ProcessNames.CacheSize < 1 {
		errs = append(errs, fmt.Sprintf("invalid process name cache size: %d must be at least 1", c.ProcessNames.CacheSize))
	}

	if c.IsFeatureEnabled(StorageFeature) {
		if c.Storage.Dir == "" {
			errs = append(errs, fmt.Sprintf("%s not supplied but %s set to true", StorageDirFlag, StorageEnabledFlag))
		}
		if c.Storage.FlushEvery < 1 {
			errs = append(errs, fmt.Sprintf("invalid storage flush interval: %d must be at least 1", c.Storage.FlushEvery))
		}
	}

	if deviceErrs := c.validateDevices(); len(deviceErrs) > 0 {
		errs = append(errs, deviceErrs...)
	}

	{ // web
		if c.Web.Config != "" {
			if err := readable(c.Web.Config, false); err != nil {
				errs = append(errs, fmt.Sprintf("unreadable web config file: %s: %s", c.Web.Config, err.Error()))
			}
		}
		if len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "at least one web listen address is required")
		}
		for _, addr := range c.Web.ListenAddresses {
			if err := validateListenAddress(addr); err != nil {
				errs = append(errs, fmt.Sprintf("invalid web listen address %q: %s", addr, err.Error()))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

// validateDevices validates the device sections
func (c *Config) validateDevices() []string {
	var errs []string

	gpuEnabled := c.IsFeatureEnabled(GPUFeature)
	cpuEnabled := c.IsFeatureEnabled(CPUFeature)
	if !gpuEnabled && !cpuEnabled {
		errs = append(errs, fmt.Sprintf("no device enabled: set %s or %s", DeviceGPUFlag, DeviceCPUFlag))
	}

	if gpuEnabled {
		gpu := c.Devices.GPU
		switch gpu.Type {
		case DeviceTypeNvidiaSMI:
			if gpu.NvidiaSMIPath == "" {
				errs = append(errs, "nvidia-smi path can't be empty")
			}
		case DeviceTypeDCGM:
			mode := gpu.DCGMMode
			if mode != "" && mode != "embedded" && mode != "standalone" {
				errs = append(errs, fmt.Sprintf("invalid DCGM mode %q: must be 'embedded' or 'standalone'", mode))
			}

			// Standalone mode requires an address
			if mode == "standalone" && gpu.DCGMAddress == "" {
				errs = append(errs, "DCGM address is required when using standalone mode")
			}
		case DeviceTypeFake:
		default:
			errs = append(errs, fmt.Sprintf("invalid GPU type %q: must be '%s', '%s' or '%s'",
				gpu.Type, DeviceTypeNvidiaSMI, DeviceTypeDCGM, DeviceTypeFake))
		}
		if gpu.Interval < 0 {
			errs = append(errs, fmt.Sprintf("invalid GPU interval: %s can't be negative", gpu.Interval))
		}
	}

	if cpuEnabled {
		cpu := c.Devices.CPU
		if cpu.Type != DeviceTypeRAPL && cpu.Type != DeviceTypeFake {
			errs = append(errs, fmt.Sprintf("invalid CPU type %q: must be '%s' or '%s'", cpu.Type, DeviceTypeRAPL, DeviceTypeFake))
		}
		if cpu.Interval < 0 {
			errs = append(errs, fmt.Sprintf("invalid CPU interval: %s can't be negative", cpu.Interval))
		}
	}

	return errs
}

// readable opens path and reads from it, as a directory listing when dir is set
func readable(path string, dir bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if dir {
		_, err = f.ReadDir(1)
	} else {
		_, err = f.Read(make([]byte, 1))
	}
	return err
}

// validateListenAddress accepts host:port with a port in 1..65535
func validateListenAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return fmt.Errorf("port must be a number between 1 and 65535, got %q", port)
	}
	return nil
}

// String renders the configuration as YAML
func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return c.flagSummary()
	}
	return string(out)
}

// flagSummary lists the flag backed settings one per line
func (c *Config) flagSummary() string {
	settings := [][2]string{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostSysFSFlag, c.Host.SysFS},
		{HostProcFSFlag, c.Host.ProcFS},
		{MonitorIntervalFlag, c.Monitor.Interval.String()},
		{MonitorUIRefreshFlag, c.Monitor.UIRefresh.String()},
		{MonitorMaxSamplesFlag, strconv.Itoa(c.Monitor.MaxSamples)},
		{AttributionWeightsFlag, c.Attribution.Weights.String()},
		{AttributionAutoscaleFlag, strconv.FormatBool(c.IsFeatureEnabled(AutoscaleFeature))},
		{CalibrationSamplesFlag, strconv.Itoa(c.Calibration.Samples)},
		{StorageDirFlag, c.Storage.Dir},
		{DeviceGPUTypeFlag, c.Devices.GPU.Type},
		{DeviceCPUTypeFlag, c.Devices.CPU.Type},
		{ExporterStdoutEnabledFlag, strconv.FormatBool(c.IsFeatureEnabled(StdoutFeature))},
		{ExporterPrometheusEnabledFlag, strconv.FormatBool(c.IsFeatureEnabled(PrometheusFeature))},
	}
	var sb strings.Builder
	for _, kv := range settings {
		fmt.Fprintf(&sb, "%s: %s\n", kv[0], kv[1])
	}
	return sb.String()
}
