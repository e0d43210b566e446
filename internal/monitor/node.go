// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"math"

	"github.com/sustainable-computing-io/procwatt/internal/device"
)

// deviceShares holds the device level terms of one attribution tick
type deviceShares struct {
	power        float64 // P
	active       float64 // P_act
	capacity     float64 // G
	weightTotal  float64 // W_tot
	utilFraction float64 // u
	procPower    float64 // P_proc
	excess       float64 // P_excess

	idleCount     int // k
	nActive       int
	idleShare     float64 // P_idle_share
	residualShare float64 // P_resid
}

// calculateDeviceShares computes the device level terms from the reading, the
// weighted utilization of every visible process and the baseline.
func calculateDeviceShares(reading device.DeviceReading, weighted []float64, members []bool, w Weights, baseline IdleBaseline) deviceShares {
	s := deviceShares{
		power:     reading.Power,
		capacity:  w.Apply(reading.Utilization),
		idleShare: baseline.IdleShare(),
	}
	s.active = math.Max(0, s.power-baseline.AveragePower)

	for i, wi := range weighted {
		s.weightTotal += wi
		if members[i] && wi == 0 {
			s.idleCount++
		}
	}

	if s.capacity > 0 {
		s.utilFraction = s.weightTotal / s.capacity
	}
	s.procPower = s.utilFraction * s.active
	s.excess = s.active - s.procPower

	n := len(weighted)
	s.nActive = n - s.idleCount
	if s.idleCount == n {
		// all-idle tick: everyone shares the residual
		s.nActive = n
	}
	if s.nActive > 0 {
		s.residualShare = s.excess / float64(s.nActive)
	}
	return s
}

// allIdle reports whether every visible process is an idle baseline member
// with no activity this tick
func (s deviceShares) allIdle(n int) bool {
	return s.idleCount == n
}
