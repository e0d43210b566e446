// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package procname

import (
	"context"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"
)

const defaultLookupConcurrency = 8

// SystemResolver looks process names up from the operating system
type SystemResolver struct {
	concurrency int
}

var _ Resolver = (*SystemResolver)(nil)

// NewSystemResolver creates a resolver that queries at most concurrency
// processes in parallel. A non-positive value selects a default.
func NewSystemResolver(concurrency int) *SystemResolver {
	if concurrency <= 0 {
		concurrency = defaultLookupConcurrency
	}
	return &SystemResolver{concurrency: concurrency}
}

// Names returns the OS names of pids. Unknown and exited pids are left out.
func (r *SystemResolver) Names(ctx context.Context, pids []int) map[int]string {
	var mu sync.Mutex
	names := make(map[int]string, len(pids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, pid := range pids {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			proc, err := process.NewProcessWithContext(ctx, int32(pid))
			if err != nil {
				return nil
			}
			name, err := proc.NameWithContext(ctx)
			if err != nil || name == "" {
				return nil
			}
			mu.Lock()
			names[pid] = name
			mu.Unlock()
			return nil
		})
	}
	// lookups never fail the batch
	_ = g.Wait()
	return names
}
