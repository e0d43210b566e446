// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"github.com/sustainable-computing-io/procwatt/internal/device"
)

// attribution is the result of apportioning one device reading
type attribution struct {
	deviceShares
	weighted []float64
	members  []bool
	powers   []float64
}

// attribute apportions the device power among procs. Index i of every slice in
// the result refers to procs[i].
func attribute(reading device.DeviceReading, procs []device.ProcessReading, w Weights, baseline IdleBaseline) attribution {
	a := attribution{
		weighted: make([]float64, len(procs)),
		members:  make([]bool, len(procs)),
		powers:   make([]float64, len(procs)),
	}
	for i, p := range procs {
		a.weighted[i] = w.Apply(p.Utilization)
		a.members[i] = baseline.IsMember(p.PID)
	}
	a.deviceShares = calculateDeviceShares(reading, a.weighted, a.members, w, baseline)

	allIdle := a.allIdle(len(procs))
	for i := range procs {
		a.powers[i] = a.processPower(a.weighted[i], a.members[i], allIdle)
	}
	return a
}

// processPower applies the attribution table for a single process
func (a attribution) processPower(wi float64, member, allIdle bool) float64 {
	var fraction float64
	if a.weightTotal > 0 {
		fraction = wi / a.weightTotal
	}

	switch {
	case member && wi == 0 && allIdle:
		return a.idleShare + a.residualShare
	case member && wi == 0:
		return a.idleShare
	case member:
		return a.idleShare + fraction*a.procPower + a.residualShare
	case wi == 0:
		return a.residualShare
	default:
		return fraction*a.procPower + a.residualShare
	}
}

// sum returns the total power credited to processes
func (a attribution) sum() float64 {
	var total float64
	for _, p := range a.powers {
		total += p
	}
	return total
}

// autoscale rescales every process power so that they sum to the measured power
func (a *attribution) autoscale() {
	total := a.sum()
	if total <= 0 {
		return
	}
	factor := a.power / total
	for i := range a.powers {
		a.powers[i] *= factor
	}
}

// gapPercent is the deviation of the credited power from the measured power
func gapPercent(credited, measured float64) float64 {
	if measured == 0 {
		return 0
	}
	return 100 * (credited - measured) / measured
}
