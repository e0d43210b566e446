// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package procname

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSystemResolver(t *testing.T) {
	r := NewSystemResolver(0)
	assert.Equal(t, defaultLookupConcurrency, r.concurrency)

	self := os.Getpid()
	// pid max on linux is at most 2^22
	const missing = 1 << 30

	names := r.Names(context.Background(), []int{self, missing})
	assert.NotEmpty(t, names[self])
	assert.NotContains(t, names, missing)
}

func TestSystemResolverCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	names := NewSystemResolver(2).Names(ctx, []int{os.Getpid()})
	assert.Empty(t, names)
}
