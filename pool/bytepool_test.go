// File: pool/bytepool_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/isod-run/isod/pool"
)

func TestSlicePoolAcquireLength(t *testing.T) {
	p := pool.NewSlicePool()
	for _, n := range []int{1, 255, 256, 257, 4096, 64 * 1024, 1 << 20} {
		buf := p.Acquire(n)
		require.Len(t, buf, n)
		require.GreaterOrEqual(t, cap(buf), n)
		p.Release(buf)
	}
}

func TestSlicePoolReuse(t *testing.T) {
	p := pool.NewSlicePool()
	b1 := p.Acquire(300)
	b1[0] = 0xAB
	p.Release(b1)
	b2 := p.Acquire(400)
	// Both land in the 512 B class; capacity must cover the class size.
	require.GreaterOrEqual(t, cap(b2), 400)
}

func TestSlicePoolOversized(t *testing.T) {
	p := pool.NewSlicePool()
	buf := p.Acquire(2 << 20)
	require.Len(t, buf, 2<<20)
	p.Release(buf) // discarded, must not panic
}

func TestDefaultIsSingleton(t *testing.T) {
	require.Same(t, pool.Default(), pool.Default())
}
