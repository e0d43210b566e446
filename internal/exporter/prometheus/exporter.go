// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter owns the metrics registry served on /metrics
type Exporter struct {
	logger   *slog.Logger
	registry *prometheus.Registry
}

// OptFn is a functional option for configuring the Exporter
type OptFn func(*Exporter)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptFn {
	return func(e *Exporter) {
		e.logger = logger
	}
}

// WithRegistry sets the registry metrics are registered with
func WithRegistry(r *prometheus.Registry) OptFn {
	return func(e *Exporter) {
		e.registry = r
	}
}

// NewExporter creates an exporter registering the power collector for source
// along with the go runtime and process collectors.
func NewExporter(source SnapshotSource, opts ...OptFn) (*Exporter, error) {
	e := &Exporter{
		logger:   slog.Default(),
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("exporter", "prometheus")

	for _, c := range []prometheus.Collector{
		NewPowerCollector(source, e.logger),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := e.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Name returns the exporter name
func (e *Exporter) Name() string {
	return "prometheus"
}

// Handler returns the /metrics handler
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(e.logger.Handler(), slog.LevelError),
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Registry returns the underlying registry
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}
