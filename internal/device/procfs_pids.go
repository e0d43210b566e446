// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"fmt"

	"github.com/prometheus/procfs"
)

// procfsPIDLister enumerates every live process under procfsPath. DCGM has no
// "list running pids" call, so candidates are taken from /proc and filtered by
// GetProcessInfo.
func procfsPIDLister(procfsPath string) pidLister {
	return func(ctx context.Context) (map[int]string, error) {
		fs, err := procfs.NewFS(procfsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open procfs %q: %w", procfsPath, err)
		}
		procs, err := fs.AllProcs()
		if err != nil {
			return nil, fmt.Errorf("failed to list processes: %w", err)
		}

		pids := make(map[int]string, len(procs))
		for _, p := range procs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			comm, err := p.Comm()
			if err != nil {
				// exited while scanning
				continue
			}
			pids[p.PID] = comm
		}
		return pids, nil
	}
}
