package isolate_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/internal/isolate"
)

// Since isolate.Host is a concrete struct wrapping real V8 state, these
// pool tests instead exercise NamespacePool's bookkeeping against a
// minimal real Host built through a test-only constructor seam
// (isolate.NewForTest, via newTestPool), rather than mocking v8go.
func TestNamespacePoolIdempotentRebind(t *testing.T) {
	pool, seq := newTestPool(t, 4)

	h1, reused1, err := pool.Acquire("ns-a", "session-1", isolate.Config{}, seq)
	require.NoError(t, err)
	require.False(t, reused1)

	h2, reused2, err := pool.Acquire("ns-a", "session-1", isolate.Config{}, seq)
	require.NoError(t, err)
	require.True(t, reused2)
	require.Same(t, h1, h2)
}

func TestNamespacePoolBusyRejectsOtherSession(t *testing.T) {
	pool, seq := newTestPool(t, 4)

	_, _, err := pool.Acquire("ns-a", "session-1", isolate.Config{}, seq)
	require.NoError(t, err)

	_, _, err = pool.Acquire("ns-a", "session-2", isolate.Config{}, seq)
	require.Error(t, err)
	apiErr, ok := err.(*api.Error)
	require.True(t, ok)
	require.Equal(t, api.KindNamespaceBusy, apiErr.Kind)
}

func TestNamespacePoolReuseAfterDispose(t *testing.T) {
	pool, seq := newTestPool(t, 4)

	h1, _, err := pool.Acquire("ns-a", "session-1", isolate.Config{}, seq)
	require.NoError(t, err)
	require.NoError(t, pool.Dispose(h1.ID))

	h2, reused, err := pool.Acquire("ns-a", "session-2", isolate.Config{}, seq)
	require.NoError(t, err)
	require.True(t, reused)
	require.Same(t, h1, h2)
	require.Equal(t, "session-2", h2.Owner())
}

func TestNamespacePoolEvictsOldestSoftDeletedUnderCap(t *testing.T) {
	pool, seq := newTestPool(t, 2)

	hA, _, err := pool.Acquire("ns-a", "s1", isolate.Config{}, seq)
	require.NoError(t, err)
	hB, _, err := pool.Acquire("ns-b", "s2", isolate.Config{}, seq)
	require.NoError(t, err)

	require.NoError(t, pool.Dispose(hA.ID))
	time.Sleep(2 * time.Millisecond)

	hC, reused, err := pool.Acquire("ns-c", "s3", isolate.Config{}, seq)
	require.NoError(t, err)
	require.False(t, reused)
	require.Equal(t, 2, pool.Len())

	_, ok := pool.Lookup(hA.ID)
	require.False(t, ok)
	_, ok = pool.Lookup(hB.ID)
	require.True(t, ok)
	_, ok = pool.Lookup(hC.ID)
	require.True(t, ok)
}

func TestNamespacePoolLimitErrorWhenNoEvictionCandidate(t *testing.T) {
	pool, seq := newTestPool(t, 1)

	_, _, err := pool.Acquire("ns-a", "s1", isolate.Config{}, seq)
	require.NoError(t, err)

	_, _, err = pool.Acquire("ns-b", "s2", isolate.Config{}, seq)
	require.Error(t, err)
	apiErr, ok := err.(*api.Error)
	require.True(t, ok)
	require.Equal(t, api.KindIsolateLimit, apiErr.Kind)
}

// newTestPool builds a NamespacePool whose factory constructs real Host
// values without a backing V8 isolate being exercised by the assertions
// above (only id/owner/dispose bookkeeping is under test here; host.go's
// own V8 plumbing is exercised separately where a real isolate is needed).
func newTestPool(t *testing.T, maxIsolates int) (*isolate.NamespacePool, func() string) {
	t.Helper()
	n := 0
	seq := func() string {
		n++
		return fmt.Sprintf("iso-%d", n)
	}
	factory := func(id string, cfg isolate.Config, static *isolate.ModuleCacheHandle) (*isolate.Host, error) {
		return isolate.NewForTest(id, cfg)
	}
	return isolate.NewNamespacePool(maxIsolates, factory), seq
}
