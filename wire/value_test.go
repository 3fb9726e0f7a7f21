package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/isod-run/isod/wire"
)

type fakeAlloc struct{ next uint64 }

func (f *fakeAlloc) AllocFunction(fn func(args []wire.Value) (wire.Value, error)) uint64 {
	f.next++
	return f.next
}
func (f *fakeAlloc) AllocPromise(p *wire.PendingPromise) uint64 {
	f.next++
	return f.next
}
func (f *fakeAlloc) AllocIterator(it wire.AsyncIterator) uint64 {
	f.next++
	return f.next
}

func TestEncodeHostValueTotalOverRepresentableSet(t *testing.T) {
	alloc := &fakeAlloc{}

	v, err := wire.EncodeHostValue(map[string]any{
		"a": int64(1),
		"b": "two",
		"c": []any{true, nil, 3.5},
	}, alloc)
	require.NoError(t, err)
	require.Equal(t, wire.TagMap, v.Tag)

	back := wire.DecodeToHost(v).(map[string]any)
	require.Equal(t, int64(1), back["a"])
	require.Equal(t, "two", back["b"])
}

func TestEncodeHostValueAllocatesRefsForCallables(t *testing.T) {
	alloc := &fakeAlloc{}

	fn := func(args []wire.Value) (wire.Value, error) { return wire.Null, nil }
	v, err := wire.EncodeHostValue(fn, alloc)
	require.NoError(t, err)
	require.Equal(t, wire.TagCallbackRef, v.Tag)
	require.Equal(t, uint64(1), v.CallbackID)
}

func TestEncodeHostValueRejectsUnmarshallable(t *testing.T) {
	alloc := &fakeAlloc{}

	_, err := wire.EncodeHostValue(make(chan int), alloc)
	require.Error(t, err)
}

func TestDecodeRefsYieldSentinels(t *testing.T) {
	v := wire.PromiseRef(42)
	got := wire.DecodeToHost(v)
	require.Equal(t, wire.PromiseSentinel{ID: 42}, got)

	require.True(t, wire.IsDaemonLocal(1<<30))
	require.False(t, wire.IsDaemonLocal((1<<30)-1))
}
