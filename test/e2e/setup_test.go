// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package e2e

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/require"

	"github.com/sustainable-computing-io/procwatt/internal/device"
	"github.com/sustainable-computing-io/procwatt/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/procwatt/internal/server"
	"github.com/sustainable-computing-io/procwatt/internal/service"
)

type staticNames map[int]string

func (s staticNames) Names(_ context.Context, pids []int) map[int]string {
	out := make(map[int]string, len(pids))
	for _, pid := range pids {
		if name, ok := s[pid]; ok {
			out[pid] = name
		}
	}
	return out
}

// stack is a running procwatt instance backed by fake providers
type stack struct {
	monitor *service.Monitor
	http    *httptest.Server
	dir     string
	done    chan error
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupProcwattForTest starts the monitor and API server with a fake GPU drawing
// 100 W at 50% SM and a fake CPU with random readings.
func setupProcwattForTest(t *testing.T) *stack {
	t.Helper()
	log := discardLogger()

	gpu := device.NewFakeProvider(device.WithFakeLogger(log))
	gpu.SetDevice(device.DeviceReading{Power: 100, Utilization: device.Utilization{SM: 50}})
	gpu.SetProcesses(
		device.ProcessReading{PID: 100, Utilization: device.Utilization{SM: 40}},
		device.ProcessReading{PID: 200, Utilization: device.Utilization{SM: 10}},
	)
	cpu := device.NewFakeProvider(device.WithFakeLogger(log), device.WithFakeSeed(7))

	s := &stack{dir: t.TempDir(), done: make(chan error, 1)}
	s.monitor = service.NewMonitor(service.MonitorOpts{
		Logger: log,
		Devices: []service.Device{
			{Name: "gpu", Provider: device.WithTimeout(gpu, time.Second), Interval: 20 * time.Millisecond},
			{Name: "cpu", Provider: device.WithTimeout(cpu, time.Second), Interval: 30 * time.Millisecond},
		},
		Resolver:   staticNames{100: "trainer", 200: "encoder"},
		StorageDir: s.dir,
		FlushEvery: 1,
	})

	api := server.NewAPIServer(server.WithLogger(log))
	server.RegisterControl(api, s.monitor, log)
	exporter, err := prometheus.NewExporter(s.monitor, prometheus.WithLogger(log))
	require.NoError(t, err)
	api.Register("GET /metrics", "Metrics", "Prometheus metrics", exporter.Handler())

	require.NoError(t, service.Init(log, []service.Service{s.monitor, api}))
	s.http = httptest.NewServer(api.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		s.done <- s.monitor.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		s.wait(t)
		s.http.Close()
		_ = s.monitor.Shutdown()
	})
	return s
}

// wait waits for the monitor to stop
func (s *stack) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		s.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
		return nil
	}
}

func (s *stack) post(t *testing.T, path string) int {
	t.Helper()
	resp, err := http.Post(s.http.URL+path, "text/plain", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode
}

// scrape fetches /metrics and parses the text exposition
func (s *stack) scrape(t *testing.T) map[string]*dto.MetricFamily {
	t.Helper()
	resp, err := http.Get(s.http.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	require.NoError(t, err)
	return families
}

// waitForTicks waits until every device has completed n ticks
func (s *stack) waitForTicks(t *testing.T, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, snap := range s.monitor.Snapshots() {
			if snap.Ticks < n {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond, fmt.Sprintf("devices did not reach %d ticks", n))
}

func labels(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		out[l.GetName()] = l.GetValue()
	}
	return out
}

// byDevice returns the value of a metric per device label
func byDevice(f *dto.MetricFamily) map[string]float64 {
	out := map[string]float64{}
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		v := m.GetGauge().GetValue()
		if m.GetCounter() != nil {
			v = m.GetCounter().GetValue()
		}
		out[labels(m)["device"]] = v
	}
	return out
}
