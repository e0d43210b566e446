// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/NVIDIA/go-dcgm/pkg/dcgm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func doubleField(gpu uint, field dcgm.Short, v float64) dcgm.FieldValue_v2 {
	val := dcgm.FieldValue_v2{EntityID: gpu, FieldID: field, FieldType: dcgm.DCGM_FT_DOUBLE}
	binary.LittleEndian.PutUint64(val.Value[:8], math.Float64bits(v))
	return val
}

func int64Field(gpu uint, field dcgm.Short, v int64) dcgm.FieldValue_v2 {
	val := dcgm.FieldValue_v2{EntityID: gpu, FieldID: field, FieldType: dcgm.DCGM_FT_INT64}
	binary.LittleEndian.PutUint64(val.Value[:8], uint64(v))
	return val
}

// connectedDCGM returns a fake session on which NewDCGMProvider succeeds
func connectedDCGM(t *testing.T) (*fakeDCGMSession, dcgmWatch) {
	t.Helper()
	f := useFakeDCGM(t)
	w := dcgmWatch{}
	w.fields.SetHandle(1)
	f.On("Connect", DCGMModeEmbedded, "").Return(func() {}, nil)
	f.On("Watch", uint(0), dcgmDeviceFields).Return(w, nil)
	return f, w
}

func TestNewDCGMProvider(t *testing.T) {
	f, w := connectedDCGM(t)
	f.On("Unwatch", w).Return(nil).Once()

	p, err := NewDCGMProvider(DCGMProviderOpts{})
	require.NoError(t, err)
	assert.Equal(t, "dcgm", p.Name())

	assert.NoError(t, p.Close())
	f.AssertExpectations(t)
}

func TestNewDCGMProviderErrors(t *testing.T) {
	t.Run("standalone without address", func(t *testing.T) {
		f := useFakeDCGM(t)
		_, err := NewDCGMProvider(DCGMProviderOpts{DCGMMode: DCGMModeStandalone})
		assert.ErrorContains(t, err, "address is required")
		f.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything)
	})

	t.Run("connect failure", func(t *testing.T) {
		f := useFakeDCGM(t)
		f.On("Connect", DCGMModeStandalone, "dcgm:5555").Return(func() {}, errors.New("connection refused"))

		_, err := NewDCGMProvider(DCGMProviderOpts{DCGMMode: DCGMModeStandalone, DCGMAddress: "dcgm:5555"})
		assert.ErrorContains(t, err, "mode=standalone")
		f.AssertExpectations(t)
	})

	t.Run("watch failure disconnects", func(t *testing.T) {
		f := useFakeDCGM(t)
		disconnected := false
		f.On("Connect", DCGMModeEmbedded, "").Return(func() { disconnected = true }, nil)
		f.On("Watch", uint(2), dcgmDeviceFields).Return(dcgmWatch{}, errors.New("failed to watch DCGM fields: no permission"))

		_, err := NewDCGMProvider(DCGMProviderOpts{Device: 2})
		assert.ErrorContains(t, err, "no permission")
		assert.True(t, disconnected)
	})

	t.Run("close reports unwatch failure", func(t *testing.T) {
		f, w := connectedDCGM(t)
		f.On("Unwatch", w).Return(errors.New("stale handle"))

		p, err := NewDCGMProvider(DCGMProviderOpts{})
		require.NoError(t, err)
		assert.ErrorContains(t, p.Close(), "stale handle")
	})
}

func TestDCGMProviderDeviceSnapshot(t *testing.T) {
	f, _ := connectedDCGM(t)
	p, err := NewDCGMProvider(DCGMProviderOpts{})
	require.NoError(t, err)

	failed := doubleField(0, dcgm.DCGM_FI_DEV_GPU_UTIL, 99)
	failed.Status = 1
	values := []dcgm.FieldValue_v2{
		doubleField(0, dcgm.DCGM_FI_DEV_POWER_USAGE, 70.0),
		doubleField(0, dcgm.DCGM_FI_DEV_POWER_USAGE, 75.5), // newer sample wins
		int64Field(0, dcgm.DCGM_FI_DEV_GPU_UTIL, 40),
		failed,
		int64Field(0, dcgm.DCGM_FI_DEV_MEM_COPY_UTIL, 20),
		int64Field(0, dcgm.DCGM_FI_DEV_ENC_UTIL, 5),
		int64Field(0, dcgm.DCGM_FI_DEV_DEC_UTIL, 3),
		int64Field(0, dcgm.DCGM_FI_DEV_GPU_TEMP, 61),
		int64Field(0, dcgm.DCGM_FI_DEV_FAN_SPEED, 35),
		doubleField(1, dcgm.DCGM_FI_DEV_POWER_USAGE, 300), // other GPU
	}
	f.On("Latest", mock.Anything).Return(values, nil).Once()

	r, err := p.DeviceSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 75.5, r.Power)
	assert.Equal(t, Utilization{SM: 40, Mem: 20, Enc: 5, Dec: 3}, r.Utilization)
	assert.Equal(t, 61.0, r.Temperature)
	assert.Equal(t, 35.0, r.FanPercent)

	t.Run("missing power", func(t *testing.T) {
		f.On("Latest", mock.Anything).
			Return([]dcgm.FieldValue_v2{int64Field(0, dcgm.DCGM_FI_DEV_GPU_UTIL, 10)}, nil).Once()
		_, err := p.DeviceSnapshot(context.Background())
		assert.ErrorIs(t, err, ErrNoSample)
	})

	t.Run("query failure", func(t *testing.T) {
		f.On("Latest", mock.Anything).
			Return([]dcgm.FieldValue_v2(nil), errors.New("boom")).Once()
		_, err := p.DeviceSnapshot(context.Background())
		assert.ErrorIs(t, err, ErrNoSample)
	})
}

func TestDCGMProviderProcessSnapshot(t *testing.T) {
	f, _ := connectedDCGM(t)

	p, err := NewDCGMProvider(DCGMProviderOpts{
		listPIDs: func(context.Context) (map[int]string, error) {
			return map[int]string{100: "train", 200: "bash", 300: "infer"}, nil
		},
	})
	require.NoError(t, err)

	sm, mem := 55.0, 12.0
	f.On("Processes", mock.Anything, uint(100)).Return([]dcgm.ProcessInfo{
		{GPU: 0, PID: 100, ProcessUtilization: dcgm.ProcessUtilInfo{SmUtil: &sm, MemUtil: &mem}},
	}, nil)
	f.On("Processes", mock.Anything, uint(200)).Return([]dcgm.ProcessInfo(nil), errors.New("not found"))
	f.On("Processes", mock.Anything, uint(300)).Return([]dcgm.ProcessInfo{
		{GPU: 1, PID: 300},
	}, nil)

	procs, err := p.ProcessSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, ProcessReading{PID: 100, Name: "train", Utilization: Utilization{SM: 55, Mem: 12}}, procs[0])
}
