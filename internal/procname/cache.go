// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package procname resolves process IDs to display names through a bounded
// least-recently-used cache.
package procname

import (
	"context"
	"fmt"
	"log/slog"

	"k8s.io/utils/lru"
)

// DefaultCapacity is the cache size used when none is configured
const DefaultCapacity = 1024

// Placeholder is the name used for a pid that neither the resolver nor the
// telemetry provider could name, typically because the process exited.
func Placeholder(pid int) string {
	return fmt.Sprintf("[exited] PID %d", pid)
}

// Resolver performs a batched pid to name lookup. Pids that cannot be resolved
// are absent from the result.
type Resolver interface {
	Names(ctx context.Context, pids []int) map[int]string
}

// Cache is a capacity bounded pid to name map. Hits are bumped to most recent;
// inserting beyond capacity evicts the least recently used entry.
type Cache struct {
	logger   *slog.Logger
	entries  *lru.Cache
	capacity int
	resolver Resolver
}

// CacheOptFn is a functional option for configuring Cache
type CacheOptFn func(*Cache)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) CacheOptFn {
	return func(c *Cache) {
		c.logger = logger
	}
}

// NewCache creates a cache of the given capacity backed by resolver. A
// non-positive capacity selects DefaultCapacity.
func NewCache(capacity int, resolver Resolver, opts ...CacheOptFn) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		logger:   slog.Default(),
		entries:  lru.New(capacity),
		capacity: capacity,
		resolver: resolver,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "procname")
	return c
}

// Resolve returns a name for every pid. Cached names are returned directly,
// misses are looked up with a single resolver call and pids the resolver does
// not know fall back to the provider supplied name or the Placeholder. Fallback
// names are not cached so that a later successful lookup can replace them.
func (c *Cache) Resolve(ctx context.Context, pids []int, fallback map[int]string) map[int]string {
	names := make(map[int]string, len(pids))

	var misses []int
	for _, pid := range pids {
		if name, ok := c.entries.Get(pid); ok {
			names[pid] = name.(string)
			continue
		}
		misses = append(misses, pid)
	}
	if len(misses) == 0 {
		return names
	}

	var resolved map[int]string
	if c.resolver != nil {
		resolved = c.resolver.Names(ctx, misses)
	}

	for _, pid := range misses {
		if name, ok := resolved[pid]; ok && name != "" {
			c.entries.Add(pid, name)
			names[pid] = name
			continue
		}
		if name := fallback[pid]; name != "" {
			names[pid] = name
			continue
		}
		names[pid] = Placeholder(pid)
	}

	c.logger.Debug("Resolved process names",
		"requested", len(pids),
		"misses", len(misses),
		"resolved", len(resolved),
		"cached", c.entries.Len(),
	)
	return names
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Capacity returns the maximum number of cached entries
func (c *Cache) Capacity() int {
	return c.capacity
}

