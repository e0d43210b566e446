// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sustainable-computing-io/procwatt/internal/scheduler"
	"github.com/sustainable-computing-io/procwatt/internal/service"
)

// Controller executes runtime control commands
type Controller interface {
	SetInterval(cadence string, interval time.Duration) error
	Recalibrate(device string) error
	RequestShutdown()
}

// control serves the /control endpoints
type control struct {
	logger *slog.Logger
	ctrl   Controller
}

// RegisterControl registers the control endpoints on s
func RegisterControl(s *APIServer, ctrl Controller, logger *slog.Logger) {
	c := &control{logger: logger.With("handler", "control"), ctrl: ctrl}

	s.Register("POST /control/interval", "Set interval",
		"POST ?cadence=<name>&value=<duration> changes a sampling cadence",
		http.HandlerFunc(c.setInterval))
	s.Register("POST /control/calibrate", "Recalibrate",
		"POST ?device=<name> measures a new idle baseline",
		http.HandlerFunc(c.calibrate))
	s.Register("POST /control/shutdown", "Shutdown",
		"POST stops sampling and exits",
		http.HandlerFunc(c.shutdown))
}

func (c *control) setInterval(w http.ResponseWriter, r *http.Request) {
	cadence := r.URL.Query().Get("cadence")
	value := r.URL.Query().Get("value")
	if cadence == "" || value == "" {
		http.Error(w, "cadence and value are required", http.StatusBadRequest)
		return
	}
	interval, err := time.ParseDuration(value)
	if err != nil || interval <= 0 {
		http.Error(w, fmt.Sprintf("invalid interval %q: must be a positive duration", value), http.StatusBadRequest)
		return
	}

	if err := c.ctrl.SetInterval(cadence, interval); err != nil {
		c.fail(w, "set interval", err)
		return
	}
	c.logger.Info("Interval change requested", "cadence", cadence, "interval", interval)
	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "%s interval set to %s\n", cadence, interval)
}

func (c *control) calibrate(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	if device == "" {
		http.Error(w, "device is required", http.StatusBadRequest)
		return
	}

	if err := c.ctrl.Recalibrate(device); err != nil {
		c.fail(w, "recalibrate", err)
		return
	}
	c.logger.Info("Recalibration requested", "device", device)
	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "%s recalibration queued\n", device)
}

func (c *control) shutdown(w http.ResponseWriter, _ *http.Request) {
	c.logger.Info("Shutdown requested over HTTP")
	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintln(w, "shutting down")
	c.ctrl.RequestShutdown()
}

func (c *control) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrUnknownCadence), errors.Is(err, service.ErrUnknownDevice):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrQueueFull):
		status = http.StatusServiceUnavailable
	}
	c.logger.Warn("Control command failed", "op", op, "error", err)
	http.Error(w, err.Error(), status)
}
