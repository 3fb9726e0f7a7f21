// File: internal/bridge/kernel_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/internal/isolate"
	"github.com/isod-run/isod/wire"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls int
	value *wire.Value
	err   error
}

func (f *fakeInvoker) InvokeClientCallback(ctx context.Context, isolateID string, callbackID uint64, args []wire.Value) (*wire.Value, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.value, f.err
}

type fakeConsole struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeConsole) Console(level, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, level+":"+message)
}

func newTestKernel(t *testing.T) (*Kernel, *isolate.Host, *fakeInvoker) {
	t.Helper()
	host, err := isolate.NewForTest("iso-test", isolate.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Close() })
	inv := &fakeInvoker{value: &wire.Value{Tag: wire.TagString, Str: "ok"}}
	return NewKernel(host, inv, "iso-test", &fakeConsole{}), host, inv
}

func TestCallClientResolvesAsynchronously(t *testing.T) {
	k, _, inv := newTestKernel(t)
	p := k.CallClient(context.Background(), 1, []wire.Value{wire.String("arg")})
	select {
	case <-p.Done:
	case <-time.After(time.Second):
		t.Fatal("promise never settled")
	}
	require.NoError(t, p.Err)
	require.Equal(t, "ok", p.Value.Str)
	require.Equal(t, 1, inv.calls)
}

func TestCallClientPropagatesAPIError(t *testing.T) {
	k, _, inv := newTestKernel(t)
	inv.value = nil
	inv.err = api.NewError(api.KindProtocolError, "boom")
	p := k.CallClient(context.Background(), 1, nil)
	<-p.Done
	require.Error(t, p.Err)
	require.Equal(t, api.KindProtocolError, p.Err.Kind)
}

func TestCallClientWrapsNonAPIError(t *testing.T) {
	k, _, inv := newTestKernel(t)
	inv.value = nil
	inv.err = errors.New("plain failure")
	p := k.CallClient(context.Background(), 1, nil)
	<-p.Done
	require.Error(t, p.Err)
	require.Equal(t, api.KindProtocolError, p.Err.Kind)
}

func TestInvokeReturnedFunction(t *testing.T) {
	k, host, _ := newTestKernel(t)
	id := host.AllocFunction(func(args []wire.Value) (wire.Value, error) {
		return wire.Int(int64(len(args))), nil
	})
	v, err := k.InvokeReturned(id, []wire.Value{wire.Null, wire.Null})
	require.NoError(t, err)
	require.Equal(t, int64(2), v.Int)
}

func TestInvokeReturnedPromise(t *testing.T) {
	k, host, _ := newTestKernel(t)
	p := &wire.PendingPromise{Done: make(chan struct{})}
	id := host.AllocPromise(p)
	go func() {
		p.Value = wire.String("settled")
		close(p.Done)
	}()
	v, err := k.InvokeReturned(id, nil)
	require.NoError(t, err)
	require.Equal(t, "settled", v.Str)
}

type stubIterator struct {
	values   []wire.Value
	i        int
	returned bool
}

func (s *stubIterator) Next() (wire.Value, bool, error) {
	if s.i >= len(s.values) {
		return wire.Value{}, false, nil
	}
	v := s.values[s.i]
	s.i++
	return v, true, nil
}

func (s *stubIterator) Return() error {
	s.returned = true
	return nil
}

func TestInvokeReturnedIterator(t *testing.T) {
	k, host, _ := newTestKernel(t)
	it := &stubIterator{values: []wire.Value{wire.Int(1)}}
	id := host.AllocIterator(it)

	v, err := k.InvokeReturned(id, nil)
	require.NoError(t, err)
	require.False(t, v.Map["done"].Bool)
	require.Equal(t, int64(1), v.Map["value"].Int)

	v, err = k.InvokeReturned(id, nil)
	require.NoError(t, err)
	require.True(t, v.Map["done"].Bool)
}

func TestCancelReturnedReleasesAndReturnsIterator(t *testing.T) {
	k, host, _ := newTestKernel(t)
	it := &stubIterator{values: []wire.Value{wire.Int(1)}}
	id := host.AllocIterator(it)

	require.NoError(t, k.CancelReturned(id))
	require.True(t, it.returned)

	_, ok := host.ReturnedEntry(id)
	require.False(t, ok)
}

func TestCancelReturnedUnknownIDIsNoop(t *testing.T) {
	k, _, _ := newTestKernel(t)
	require.NoError(t, k.CancelReturned(api.DaemonLocalIDThreshold+999))
}

func TestClearAllTimersStopsEveryRegisteredTimer(t *testing.T) {
	k, _, _ := newTestKernel(t)

	var fired int32
	for i := 0; i < 3; i++ {
		t := time.AfterFunc(10*time.Minute, func() { fired++ })
		k.mu.Lock()
		k.nextTimerID++
		k.timers[k.nextTimerID] = &timerEntry{cancel: t.Stop}
		k.mu.Unlock()
	}
	require.Len(t, k.timers, 3)

	k.ClearAllTimers()
	require.Empty(t, k.timers)
}

func TestAnyToWireRoundTripsJSONShapes(t *testing.T) {
	in := map[string]any{
		"n":    float64(3),
		"s":    "hi",
		"b":    true,
		"nil":  nil,
		"list": []any{float64(1), "two"},
	}
	v := anyToWire(in)
	require.Equal(t, wire.TagMap, v.Tag)
	require.Equal(t, float64(3), v.Map["n"].Float)
	require.Equal(t, "hi", v.Map["s"].Str)
	require.True(t, v.Map["b"].Bool)
	require.Equal(t, wire.TagNull, v.Map["nil"].Tag)
	require.Equal(t, wire.TagSeq, v.Map["list"].Tag)
	require.Equal(t, "two", v.Map["list"].Seq[1].Str)
}

func TestIsolateIDReportsBoundIsolate(t *testing.T) {
	k, _, _ := newTestKernel(t)
	require.Equal(t, "iso-test", k.IsolateID())
}
