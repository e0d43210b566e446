// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package procname

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Names(ctx context.Context, pids []int) map[int]string {
	args := m.Called(ctx, pids)
	return args.Get(0).(map[int]string)
}

// tableResolver names every pid it knows and records each batch
type tableResolver struct {
	known   map[int]string
	batches [][]int
}

func (r *tableResolver) Names(_ context.Context, pids []int) map[int]string {
	r.batches = append(r.batches, append([]int(nil), pids...))
	out := map[int]string{}
	for _, pid := range pids {
		if name, ok := r.known[pid]; ok {
			out[pid] = name
		}
	}
	return out
}

func namesFor(pids ...int) map[int]string {
	out := map[int]string{}
	for _, pid := range pids {
		out[pid] = fmt.Sprintf("proc-%d", pid)
	}
	return out
}

func TestCacheResolve(t *testing.T) {
	ctx := context.Background()
	r := new(mockResolver)
	r.On("Names", ctx, []int{1, 2, 3}).Return(map[int]string{1: "init", 2: "kthreadd"}).Once()
	r.On("Names", ctx, []int{3}).Return(map[int]string{}).Once()

	c := NewCache(10, r)
	names := c.Resolve(ctx, []int{1, 2, 3}, map[int]string{2: "ignored", 3: "python3 trai"})
	assert.Equal(t, map[int]string{1: "init", 2: "kthreadd", 3: "python3 trai"}, names)
	assert.Equal(t, 2, c.Len(), "fallback names are not cached")

	// 1 and 2 are hits, only 3 is looked up again
	names = c.Resolve(ctx, []int{1, 2, 3}, nil)
	assert.Equal(t, "[exited] PID 3", names[3])
	r.AssertExpectations(t)
}

func TestCacheAllHitsSkipResolver(t *testing.T) {
	r := &tableResolver{known: namesFor(1, 2)}
	c := NewCache(10, r)

	c.Resolve(context.Background(), []int{1, 2}, nil)
	c.Resolve(context.Background(), []int{2, 1}, nil)
	assert.Len(t, r.batches, 1)
}

func TestCacheBound(t *testing.T) {
	r := &tableResolver{known: namesFor(1, 2, 3, 4, 5, 6)}
	c := NewCache(3, r)
	ctx := context.Background()

	c.Resolve(ctx, []int{1, 2, 3}, nil)
	assert.Equal(t, 3, c.Len())

	// touch 1 so that 2 becomes least recently used
	c.Resolve(ctx, []int{1}, nil)
	c.Resolve(ctx, []int{4}, nil)
	assert.Equal(t, 3, c.Len())

	r.batches = nil
	c.Resolve(ctx, []int{1, 3, 4}, nil)
	assert.Empty(t, r.batches, "1, 3 and 4 survived")

	c.Resolve(ctx, []int{2}, nil)
	assert.Equal(t, [][]int{{2}}, r.batches, "2 was evicted")

	for pid := 1; pid <= 6; pid++ {
		c.Resolve(ctx, []int{pid}, nil)
		assert.LessOrEqual(t, c.Len(), c.Capacity())
	}
}

func TestCacheDefaults(t *testing.T) {
	c := NewCache(0, nil)
	assert.Equal(t, DefaultCapacity, c.Capacity())

	names := c.Resolve(context.Background(), []int{42}, map[int]string{42: "worker"})
	assert.Equal(t, "worker", names[42])
	assert.Zero(t, c.Len())
	assert.Equal(t, "[exited] PID 7", Placeholder(7))
}
