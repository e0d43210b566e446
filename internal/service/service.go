// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Service is a named component of the process
type Service interface {
	Name() string
}

// Initializer is a service that must be initialized before running
type Initializer interface {
	Service
	Init() error
}

// Runner is a service that runs until ctx is cancelled or it fails
type Runner interface {
	Service
	Run(ctx context.Context) error
}

// Shutdowner is a service that releases resources on exit
type Shutdowner interface {
	Service
	Shutdown() error
}

// Init initializes services in order. On failure, services that were already
// initialized are shut down in reverse order.
func Init(logger *slog.Logger, services []Service) error {
	var initialized []Service
	for _, s := range services {
		i, ok := s.(Initializer)
		if !ok {
			continue
		}
		logger.Info("Initializing service", "service", s.Name())
		if err := i.Init(); err != nil {
			return errors.Join(
				fmt.Errorf("failed to initialize %s: %w", s.Name(), err),
				Shutdown(logger, initialized),
			)
		}
		initialized = append(initialized, s)
	}
	return nil
}

// Shutdown shuts services down in reverse order and joins their errors
func Shutdown(logger *slog.Logger, services []Service) error {
	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		s, ok := services[i].(Shutdowner)
		if !ok {
			continue
		}
		logger.Info("Shutting down service", "service", s.Name())
		if err := s.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
