// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestFakeProvider(t *testing.T) {
	p := NewFakeProvider(
		WithFakePowerBase(150.0),
		WithFakePowerRange(40.0),
		WithFakeSeed(42),
	)
	assert.Equal(t, "fake", p.Name())

	ctx := context.Background()
	for range 20 {
		r, err := p.DeviceSnapshot(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, r.Power, 130.0)
		assert.LessOrEqual(t, r.Power, 170.0)
		assert.False(t, r.Timestamp.IsZero())

		procs, err := p.ProcessSnapshot(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(procs), 3)
		for _, proc := range procs {
			assert.Contains(t, fakeProcessNames, proc.PID)
			assert.GreaterOrEqual(t, proc.Utilization.SM, 10.0)
			assert.LessOrEqual(t, proc.Utilization.SM, 90.0)
		}
	}
	assert.NoError(t, p.Close())
}

func TestFakeProviderPinned(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := testingclock.NewFakeClock(start)
	p := NewFakeProvider(WithFakeClock(clk))

	p.SetDevice(DeviceReading{Power: 80, Utilization: Utilization{SM: 50}})
	p.SetProcesses(
		ProcessReading{PID: 10, Utilization: Utilization{SM: 30}},
		ProcessReading{PID: 11, Utilization: Utilization{SM: 20}},
	)

	ctx := context.Background()
	r, err := p.DeviceSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80.0, r.Power)
	assert.Equal(t, 50.0, r.Utilization.SM)
	assert.Equal(t, start, r.Timestamp)

	clk.Step(time.Second)
	r, err = p.DeviceSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Second), r.Timestamp)

	procs, err := p.ProcessSnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, procs, 2)

	// the returned slice is a copy
	procs[0].PID = 99
	procs, err = p.ProcessSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, procs[0].PID)

	p.SetProcesses()
	procs, err = p.ProcessSnapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, procs)
}

func TestFakeProviderFailures(t *testing.T) {
	p := NewFakeProvider()
	p.SetDevice(DeviceReading{Power: 10})
	p.FailNext(2)

	ctx := context.Background()
	for range 2 {
		_, err := p.DeviceSnapshot(ctx)
		assert.ErrorIs(t, err, ErrNoSample)
	}
	_, err := p.DeviceSnapshot(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 3, p.DeviceCalls())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.DeviceSnapshot(cancelled)
	assert.ErrorIs(t, err, ErrNoSample)
	_, err = p.ProcessSnapshot(cancelled)
	assert.ErrorIs(t, err, ErrNoSample)
}
