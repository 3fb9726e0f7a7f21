// File: internal/isolate/memory_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Heap-ceiling enforcement: a tripped watchdog fails every subsequent
// operation with IsolateMemoryLimit, and a tripped namespaced instance is
// removed from the pool index outright instead of being soft-deleted.
// White-box (package isolate) so the bookkeeping paths can be exercised
// by setting the tripped flag directly, without waiting on real V8 heap
// pressure.

package isolate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/isod-run/isod/api"
)

func TestRunScriptAfterWatchdogTrip(t *testing.T) {
	h, err := NewForTest("iso-mem", Config{MemoryLimitMB: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	h.memExceeded.Store(true)
	_, err = h.RunScript("1+1", "mem.js")
	apiErr, ok := err.(*api.Error)
	require.True(t, ok)
	require.Equal(t, api.KindIsolateMemoryLimit, apiErr.Kind)
}

func TestDisposeRemovesTrippedNamespacedInstance(t *testing.T) {
	p := NewNamespacePool(4, func(id string, cfg Config, static *ModuleCacheHandle) (*Host, error) {
		return NewForTest(id, cfg)
	})
	newID := func() string { return "iso-tripped" }

	h, reused, err := p.Acquire("ns-mem", "sess-a", Config{}, newID)
	require.NoError(t, err)
	require.False(t, reused)

	h.memExceeded.Store(true)
	require.NoError(t, p.Dispose(h.ID))
	require.Equal(t, 0, p.Len(), "tripped instance must leave the pool entirely")

	// The namespace index entry is gone too: a new create starts fresh
	// rather than rehydrating the poisoned isolate.
	h2, reused, err := p.Acquire("ns-mem", "sess-a", Config{}, func() string { return "iso-fresh" })
	require.NoError(t, err)
	require.False(t, reused)
	require.NotEqual(t, h.ID, h2.ID)
	_ = p.Dispose(h2.ID)
}

// TestWatchdogTerminatesRunawayScript drives a real heap breach: a 1 MB
// ceiling sits below V8's baseline heap, so the first watchdog tick trips
// and terminates the allocation loop.
func TestWatchdogTerminatesRunawayScript(t *testing.T) {
	h, err := New("iso-runaway", Config{MemoryLimitMB: 1, CPU: -1, NUMANode: -1}, newModuleCache())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	done := make(chan error, 1)
	go func() {
		_, rerr := h.RunScript(`const a = []; for (;;) { a.push(new Array(4096).fill(0)); }`, "runaway.js")
		done <- rerr
	}()

	select {
	case rerr := <-done:
		apiErr, ok := rerr.(*api.Error)
		require.True(t, ok)
		require.Equal(t, api.KindIsolateMemoryLimit, apiErr.Kind)
	case <-time.After(10 * time.Second):
		t.Fatal("watchdog never terminated the runaway script")
	}
}
