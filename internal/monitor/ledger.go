// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import "maps"

// Ledger accumulates joules per pid. Entries are created on first sighting and
// are never removed during a run. It is not safe for concurrent use.
type Ledger struct {
	energy map[int]float64
}

// NewLedger returns an empty ledger
func NewLedger() *Ledger {
	return &Ledger{energy: make(map[int]float64)}
}

// Add credits joules to pid and returns the new cumulative value. Negative
// credits are ignored so that totals never decrease.
func (l *Ledger) Add(pid int, joules float64) float64 {
	total := l.energy[pid]
	if joules > 0 {
		total += joules
	}
	l.energy[pid] = total
	return total
}

// Get returns the cumulative joules of pid
func (l *Ledger) Get(pid int) (float64, bool) {
	e, ok := l.energy[pid]
	return e, ok
}

// Len returns the number of pids ever seen
func (l *Ledger) Len() int {
	return len(l.energy)
}

// Snapshot returns a copy of the ledger
func (l *Ledger) Snapshot() map[int]float64 {
	return maps.Clone(l.energy)
}
