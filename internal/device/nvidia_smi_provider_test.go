// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pmonOutput = `# gpu         pid   type     sm    mem    enc    dec    jpg    ofa    command
# Idx           #    C/G      %      %      %      %      %      %    name
    0       4121     C     62     18      -      -      -      -    python3 train.py
    0       5533     G      3      1      0      0      -      -    Xorg
    0          -     -      -      -      -      -      -      -    -
`

func TestParseGPUQuery(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    DeviceReading
		wantErr bool
	}{{
		name: "full reading",
		out:  "71.24, 45, 12, 3, 0, 58, 30\n",
		want: DeviceReading{Power: 71.24, Utilization: Utilization{SM: 45, Mem: 12, Enc: 3}, Temperature: 58, FanPercent: 30},
	}, {
		name: "unsupported optional fields",
		out:  "\n25.10, 0, 1, [N/A], [N/A], 40, [Not Supported]\n",
		want: DeviceReading{Power: 25.10, Utilization: Utilization{Mem: 1}, Temperature: 40},
	}, {
		name:    "unsupported power",
		out:     "[N/A], 0, 1, 0, 0, 40, 30",
		wantErr: true,
	}, {
		name:    "short line",
		out:     "71.2, 45",
		wantErr: true,
	}, {
		name:    "empty",
		out:     "  \n",
		wantErr: true,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseGPUQuery([]byte(tc.out))
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrNoSample)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParsePmon(t *testing.T) {
	procs, err := parsePmon([]byte(pmonOutput))
	require.NoError(t, err)
	require.Len(t, procs, 2)

	assert.Equal(t, ProcessReading{PID: 4121, Name: "python3 train.py", Utilization: Utilization{SM: 62, Mem: 18}}, procs[0])
	assert.Equal(t, ProcessReading{PID: 5533, Name: "Xorg", Utilization: Utilization{SM: 3, Mem: 1}}, procs[1])

	t.Run("idle gpu", func(t *testing.T) {
		procs, err := parsePmon([]byte("# gpu pid type sm mem enc dec command\n# Idx # C/G % % % % name\n 0 - - - - - - -\n"))
		require.NoError(t, err)
		assert.Empty(t, procs)
	})

	t.Run("missing header", func(t *testing.T) {
		_, err := parsePmon([]byte("0 4121 C 62 18 - - python3\n"))
		assert.ErrorIs(t, err, ErrNoSample)

		_, err = parsePmon(nil)
		assert.ErrorIs(t, err, ErrNoSample)
	})
}

func TestNvidiaSMIProvider(t *testing.T) {
	var calls [][]string
	run := func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		if args[0] == "pmon" {
			return []byte(pmonOutput), nil
		}
		return []byte("100.5, 80, 40, 0, 0, 70, 55"), nil
	}

	p, err := NewNvidiaSMIProvider(
		WithNvidiaSMIPath("/opt/nvidia-smi"),
		WithNvidiaSMIDevice(2),
		withCommandRunner(run),
	)
	require.NoError(t, err)
	assert.Equal(t, "nvidia-smi", p.Name())

	r, err := p.DeviceSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100.5, r.Power)
	assert.False(t, r.Timestamp.IsZero())

	procs, err := p.ProcessSnapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, procs, 2)

	require.Len(t, calls, 2)
	assert.Equal(t, "/opt/nvidia-smi", calls[0][0])
	assert.Contains(t, strings.Join(calls[0], " "), "-i 2")
	assert.Contains(t, calls[0][1], "power.draw")
	assert.Equal(t, []string{"/opt/nvidia-smi", "pmon", "-c", "1", "-s", "u", "-i", "2"}, calls[1])
	assert.NoError(t, p.Close())
}

func TestNvidiaSMIProviderErrors(t *testing.T) {
	t.Run("missing executable", func(t *testing.T) {
		_, err := NewNvidiaSMIProvider(WithNvidiaSMIPath("/nonexistent/nvidia-smi"))
		assert.Error(t, err)
	})

	t.Run("command failure", func(t *testing.T) {
		p, err := NewNvidiaSMIProvider(withCommandRunner(func(context.Context, string, ...string) ([]byte, error) {
			return nil, errors.New("exit status 9")
		}))
		require.NoError(t, err)

		_, err = p.DeviceSnapshot(context.Background())
		assert.ErrorIs(t, err, ErrNoSample)
		_, err = p.ProcessSnapshot(context.Background())
		assert.ErrorIs(t, err, ErrNoSample)
	})
}
