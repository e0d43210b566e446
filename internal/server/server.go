// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/exporter-toolkit/web"
)

const shutdownTimeout = 5 * time.Second

// APIServer serves metrics and control endpoints
type APIServer struct {
	logger *slog.Logger

	server *http.Server
	mux    *http.ServeMux

	listenAddrs []string
	webConfig   string

	links []web.LandingLinks
}

// OptFn is a functional option for configuring the APIServer
type OptFn func(*APIServer)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptFn {
	return func(s *APIServer) {
		s.logger = logger
	}
}

// WithListenAddress sets the addresses the server listens on
func WithListenAddress(addrs []string) OptFn {
	return func(s *APIServer) {
		s.listenAddrs = addrs
	}
}

// WithWebConfig sets the exporter-toolkit web config file (TLS and basic auth)
func WithWebConfig(path string) OptFn {
	return func(s *APIServer) {
		s.webConfig = path
	}
}

// NewAPIServer creates a new APIServer
func NewAPIServer(opts ...OptFn) *APIServer {
	s := &APIServer{
		logger:      slog.Default(),
		listenAddrs: []string{":28283"},
		mux:         http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("service", "api-server")
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Name implements service.Service
func (s *APIServer) Name() string {
	return "api-server"
}

// Init registers the landing page listing every registered endpoint
func (s *APIServer) Init() error {
	landing, err := web.NewLandingPage(web.LandingConfig{
		Name:        "procwatt",
		Description: "Per-process GPU and CPU power attribution",
		Links:       s.links,
	})
	if err != nil {
		return fmt.Errorf("failed to create landing page: %w", err)
	}
	s.mux.Handle("GET /{$}", landing)
	return nil
}

// Run serves until ctx is cancelled
func (s *APIServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "listening-on", s.listenAddrs)
		errCh <- web.ListenAndServe(s.server, &web.FlagConfig{
			WebListenAddresses: &s.listenAddrs,
			WebConfigFile:      &s.webConfig,
		}, s.logger)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the server
func (s *APIServer) Shutdown() error {
	s.logger.Info("shutting down API server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Register adds a handler for pattern. Endpoints with a summary are listed on
// the landing page, so Register must be called before Init.
func (s *APIServer) Register(pattern, summary, description string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
	if summary == "" {
		return
	}
	s.links = append(s.links, web.LandingLinks{
		Address:     landingAddress(pattern),
		Text:        summary,
		Description: description,
	})
}

// Handler returns the root handler
func (s *APIServer) Handler() http.Handler {
	return s.mux
}

// landingAddress strips the method of a "METHOD /path" pattern
func landingAddress(pattern string) string {
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}
