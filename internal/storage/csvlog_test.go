// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/procwatt/internal/device"
	"github.com/sustainable-computing-io/procwatt/internal/monitor"
)

var ts = time.Date(2025, 3, 1, 10, 0, 0, 500, time.UTC)

func sample(power float64) monitor.DeviceSample {
	return monitor.DeviceSample{
		Timestamp:          ts,
		Power:              power,
		ActivePower:        80,
		ExcessPower:        20,
		Utilization:        device.Utilization{SM: 40, Mem: 10.5},
		WeightedCapacity:   45.25,
		ProcessWeightTotal: 30,
		ProcessCount:       2,
		AttributedPower:    60,
		ResidualPower:      20,
		CumulativeEnergy:   1234.5,
		Temperature:        61,
		FanPercent:         33,
	}
}

func procs() []monitor.ProcessSample {
	return []monitor.ProcessSample{
		{PID: 300, Name: "python3 train.py, epoch 1", Utilization: device.Utilization{SM: 30}, WeightedUtilization: 30, Power: 80, EnergyThisTick: 80, CumulativeEnergy: 400},
		{PID: 100, Name: "Xorg", Power: 10, EnergyThisTick: 10, CumulativeEnergy: 50, IsIdleBaselineMember: true},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestCSVLogRows(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir, "gpu")
	require.False(t, l.IsMemoryOnly())

	require.NoError(t, l.Append(sample(100), procs()))
	require.NoError(t, l.Close())

	devPath, procPath := l.Paths()
	assert.Equal(t, filepath.Join(dir, "gpu_device.csv"), devPath)
	assert.Equal(t, filepath.Join(dir, "gpu_process.csv"), procPath)

	devRows := readCSV(t, devPath)
	require.Len(t, devRows, 2)
	assert.Equal(t, DeviceHeader, devRows[0])
	assert.Equal(t, []string{
		"2025-03-01T10:00:00.0000005Z", "100", "80", "20", "40", "10.5", "0", "0",
		"45.25", "30", "2", "60", "20", "1234.5", "61", "33",
	}, devRows[1])

	procRows := readCSV(t, procPath)
	require.Len(t, procRows, 3)
	assert.Equal(t, ProcessHeader, procRows[0])
	assert.Equal(t, []string{"2025-03-01T10:00:00.0000005Z", "100", "Xorg", "0", "0", "0", "0", "10", "10", "50", "0", "true"}, procRows[1])
	assert.Equal(t, "300", procRows[2][1], "rows are in pid order")
	assert.Equal(t, "python3 train.py, epoch 1", procRows[2][2])
	assert.Equal(t, "false", procRows[2][11])
}

func TestCSVLogIdempotentHeader(t *testing.T) {
	t.Run("reopened file gets no second header", func(t *testing.T) {
		dir := t.TempDir()
		for i := range 3 {
			l := Open(dir, "cpu")
			require.NoError(t, l.Append(sample(float64(i)), nil))
			require.NoError(t, l.Close())
		}

		rows := readCSV(t, filepath.Join(dir, "cpu_device.csv"))
		require.Len(t, rows, 4)
		assert.Equal(t, DeviceHeader, rows[0])
		for _, r := range rows[1:] {
			assert.NotEqual(t, "Timestamp", r[0])
		}
		assert.Len(t, readCSV(t, filepath.Join(dir, "cpu_process.csv")), 1, "header only")
	})

	t.Run("pre-existing file only gets rows appended", func(t *testing.T) {
		dir := t.TempDir()
		existing := "Timestamp,legacy\n2024-01-01T00:00:00Z,1\n"
		path := filepath.Join(dir, "gpu_device.csv")
		require.NoError(t, os.WriteFile(path, []byte(existing), 0o644))

		l := Open(dir, "gpu")
		require.NoError(t, l.Append(sample(5), nil))
		require.NoError(t, l.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), existing))
		assert.Equal(t, 3, strings.Count(string(data), "\n"))
	})

	t.Run("empty file gets exactly one header", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "gpu_device.csv")
		require.NoError(t, os.WriteFile(path, nil, 0o644))

		l := Open(dir, "gpu")
		require.NoError(t, l.Append(sample(5), nil))
		require.NoError(t, l.Close())

		rows := readCSV(t, path)
		require.Len(t, rows, 2)
		assert.Equal(t, DeviceHeader, rows[0])
	})
}

func TestCSVLogFlushEvery(t *testing.T) {
	dir := t.TempDir()
	l := Open(dir, "gpu", WithFlushEvery(3))
	path := filepath.Join(dir, "gpu_device.csv")

	require.NoError(t, l.Append(sample(1), nil))
	require.NoError(t, l.Append(sample(2), nil))
	assert.Len(t, readCSV(t, path), 1, "rows are buffered until the batch is full")

	require.NoError(t, l.Append(sample(3), nil))
	assert.Len(t, readCSV(t, path), 4)

	require.NoError(t, l.Append(sample(4), nil))
	require.NoError(t, l.Flush())
	assert.Len(t, readCSV(t, path), 5)

	require.NoError(t, l.Append(sample(5), nil))
	require.NoError(t, l.Close())
	assert.Len(t, readCSV(t, path), 6, "close flushes pending rows")
	assert.NoError(t, l.Close(), "second close is a no-op")
}

func TestCSVLogMemoryOnly(t *testing.T) {
	// a regular file where the directory should be
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	l := Open(filepath.Join(blocker, "logs"), "gpu")
	assert.True(t, l.IsMemoryOnly())
	assert.NoError(t, l.Append(sample(1), procs()))
	assert.NoError(t, l.Flush())
	assert.NoError(t, l.Close())

	m := MemoryOnly("cpu")
	assert.True(t, m.IsMemoryOnly())
	assert.NoError(t, m.Append(sample(1), nil))
}
