// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/sustainable-computing-io/procwatt/internal/device"
)

func idleBaseline(avg float64, pids ...int) IdleBaseline {
	b := IdleBaseline{AveragePower: avg, IdlePIDs: make(map[int]struct{})}
	for _, pid := range pids {
		b.IdlePIDs[pid] = struct{}{}
	}
	return b
}

// smOnly returns a reading whose weighted utilization equals sm under the SM-only weights
func smOnly(pid int, sm float64) device.ProcessReading {
	return device.ProcessReading{PID: pid, Utilization: device.Utilization{SM: sm}}
}

var smWeights = Weights{SM: 1}

func TestAttribute(t *testing.T) {
	baseline := idleBaseline(20, 100, 101)

	tests := []struct {
		name        string
		reading     device.DeviceReading
		procs       []device.ProcessReading
		wantPowers  []float64
		wantActive  float64
		wantExcess  float64
		wantProc    float64
		wantResid   float64
		wantActiveN int
	}{{
		name:        "idle only",
		reading:     device.DeviceReading{Power: 20},
		procs:       []device.ProcessReading{smOnly(100, 0), smOnly(101, 0)},
		wantPowers:  []float64{10, 10},
		wantActiveN: 2,
	}, {
		name:        "single active process absorbs full excess",
		reading:     device.DeviceReading{Power: 80, Utilization: device.Utilization{SM: 50}},
		procs:       []device.ProcessReading{smOnly(100, 0), smOnly(101, 0), smOnly(200, 50)},
		wantPowers:  []float64{10, 10, 60},
		wantActive:  60,
		wantProc:    60,
		wantActiveN: 1,
	}, {
		name:        "residual redistribution",
		reading:     device.DeviceReading{Power: 100, Utilization: device.Utilization{SM: 40}},
		procs:       []device.ProcessReading{smOnly(100, 0), smOnly(101, 0), smOnly(300, 30)},
		wantPowers:  []float64{10, 10, 80},
		wantActive:  80,
		wantExcess:  20,
		wantProc:    60,
		wantResid:   20,
		wantActiveN: 1,
	}, {
		name:        "idle member with activity gets idle share plus its fraction",
		reading:     device.DeviceReading{Power: 70, Utilization: device.Utilization{SM: 50}},
		procs:       []device.ProcessReading{smOnly(100, 25), smOnly(101, 0), smOnly(400, 25)},
		wantPowers:  []float64{10 + 25, 10, 25},
		wantActive:  50,
		wantProc:    50,
		wantActiveN: 2,
	}, {
		name:        "non member without activity only gets residual",
		reading:     device.DeviceReading{Power: 60, Utilization: device.Utilization{SM: 40}},
		procs:       []device.ProcessReading{smOnly(500, 20), smOnly(501, 0)},
		wantPowers:  []float64{20 + 10, 10},
		wantActive:  40,
		wantExcess:  20,
		wantProc:    20,
		wantResid:   10,
		wantActiveN: 2,
	}, {
		name:        "zero capacity attributes nothing by utilization",
		reading:     device.DeviceReading{Power: 50},
		procs:       []device.ProcessReading{smOnly(600, 10)},
		wantPowers:  []float64{30},
		wantActive:  30,
		wantExcess:  30,
		wantResid:   30,
		wantActiveN: 1,
	}, {
		name:        "power below baseline clamps active power",
		reading:     device.DeviceReading{Power: 15},
		procs:       []device.ProcessReading{smOnly(100, 0)},
		wantPowers:  []float64{10},
		wantActiveN: 1,
	}, {
		name:       "no processes",
		reading:    device.DeviceReading{Power: 40, Utilization: device.Utilization{SM: 10}},
		wantActive: 20,
		wantExcess: 20,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := attribute(tc.reading, tc.procs, smWeights, baseline)

			assert.InDelta(t, tc.wantActive, a.active, 1e-9, "active")
			assert.InDelta(t, tc.wantExcess, a.excess, 1e-9, "excess")
			assert.InDelta(t, tc.wantProc, a.procPower, 1e-9, "process power")
			assert.InDelta(t, tc.wantResid, a.residualShare, 1e-9, "residual share")
			assert.Equal(t, tc.wantActiveN, a.nActive)
			assert.Len(t, a.powers, len(tc.wantPowers))
			for i, want := range tc.wantPowers {
				assert.InDelta(t, want, a.powers[i], 1e-9, "pid %d", tc.procs[i].PID)
			}
		})
	}
}

func TestAttributeConservesMeasuredPower(t *testing.T) {
	baseline := idleBaseline(20, 100, 101)
	procs := []device.ProcessReading{smOnly(100, 0), smOnly(101, 0), smOnly(300, 30)}

	a := attribute(device.DeviceReading{Power: 100, Utilization: device.Utilization{SM: 40}}, procs, smWeights, baseline)
	assert.InDelta(t, 100.0, a.sum(), 1e-9)
}

func TestAttributeWeights(t *testing.T) {
	w := DefaultWeights()
	u := device.Utilization{SM: 40, Mem: 20, Enc: 8, Dec: 20}
	assert.InDelta(t, 40+10+2+3, w.Apply(u), 1e-9)

	a := attribute(
		device.DeviceReading{Power: 100, Utilization: u},
		[]device.ProcessReading{{PID: 1, Utilization: u}},
		w, IdleBaseline{},
	)
	assert.InDelta(t, 1.0, a.utilFraction, 1e-9)
	assert.InDelta(t, 100.0, a.powers[0], 1e-9)
}

func TestAutoscale(t *testing.T) {
	// idle pid 101 is absent so only 90 of 100 watts are credited
	baseline := idleBaseline(20, 100, 101)
	procs := []device.ProcessReading{smOnly(100, 0), smOnly(300, 30)}

	a := attribute(device.DeviceReading{Power: 100, Utilization: device.Utilization{SM: 40}}, procs, smWeights, baseline)
	assert.InDelta(t, 90.0, a.sum(), 1e-9)
	assert.InDelta(t, -10.0, gapPercent(a.sum(), 100), 1e-9)

	a.autoscale()
	assert.InDelta(t, 100.0, a.sum(), 1e-9)
	assert.InDelta(t, 10.0/90*100, a.powers[0], 1e-9)

	empty := attribute(device.DeviceReading{Power: 10}, nil, smWeights, IdleBaseline{})
	empty.autoscale()
	assert.Zero(t, empty.sum())
	assert.Zero(t, gapPercent(0, 0))
}
