// File: internal/concurrency/ring_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/isod-run/isod/internal/concurrency"
)

func TestRingBufferOrder(t *testing.T) {
	r := concurrency.NewRingBuffer[int](8)
	for i := 0; i < 8; i++ {
		require.True(t, r.Enqueue(i))
	}
	require.False(t, r.Enqueue(99), "full ring must reject")
	for i := 0; i < 8; i++ {
		v, ok := r.Dequeue()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := r.Dequeue()
	require.False(t, ok)
	require.Equal(t, 8, r.Cap())
	require.Equal(t, 0, r.Len())
}

func TestSchedulerFiresInDelayOrder(t *testing.T) {
	s := concurrency.NewScheduler()
	defer s.Close()

	got := make(chan int, 2)
	s.Schedule(60_000_000, func() { got <- 2 }) // 60ms
	s.Schedule(10_000_000, func() { got <- 1 }) // 10ms

	require.Equal(t, 1, <-got)
	require.Equal(t, 2, <-got)
}

func TestSchedulerCancel(t *testing.T) {
	s := concurrency.NewScheduler()
	defer s.Close()

	fired := make(chan struct{}, 1)
	tok := s.Schedule(20_000_000, func() { fired <- struct{}{} })
	require.NoError(t, tok.Cancel())

	select {
	case <-fired:
		t.Fatal("cancelled task fired")
	case <-tok.Done():
	}
}
