package dispatch_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/isod-run/isod/internal/dispatch"
	"github.com/isod-run/isod/internal/isolate"
	"github.com/isod-run/isod/wire"
)

// newTestHost builds a bare Host with no Submit-able execution, only
// suitable for exercising Dispatcher methods that check a Registration's
// handler fields before ever touching the isolate thread.
func newTestHost(t *testing.T, id string) *isolate.Host {
	t.Helper()
	h, err := isolate.NewForTest(id, isolate.Config{})
	require.NoError(t, err)
	return h
}

// recordingEvents captures every WS_CMD event a Dispatcher emits, so tests
// can assert on the forwarded wire.WSCmd payload.
type recordingEvents struct {
	mu     sync.Mutex
	events []sentEvent
}

type sentEvent struct {
	isolateID string
	event     string
	payload   []byte
}

func (r *recordingEvents) SendEvent(isolateID, event string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sentEvent{isolateID, event, payload})
	return nil
}

func (r *recordingEvents) last(t *testing.T) sentEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.events)
	return r.events[len(r.events)-1]
}

func TestHasServeHandlerFalseUntilRegistered(t *testing.T) {
	d := dispatch.NewDispatcher(nil)
	require.False(t, d.HasServeHandler("iso-1"))
}

func TestHasActiveConnectionsTracksRegisterAndForget(t *testing.T) {
	d := dispatch.NewDispatcher(nil)
	require.False(t, d.HasActiveConnections("iso-1"))

	d.RegisterConnection("iso-1", "conn-1")
	require.True(t, d.HasActiveConnections("iso-1"))

	d.RegisterConnection("iso-1", "conn-2")
	require.True(t, d.HasActiveConnections("iso-1"))

	d.DisposeIsolate("iso-1")
	require.False(t, d.HasActiveConnections("iso-1"))
}

func TestDisposeIsolateClearsRegistrationsUpgradesAndConnections(t *testing.T) {
	events := &recordingEvents{}
	d := dispatch.NewDispatcher(events)

	d.RegisterConnection("iso-1", "conn-1")
	d.RegisterConnection("iso-2", "conn-2")
	require.True(t, d.HasActiveConnections("iso-1"))
	require.True(t, d.HasActiveConnections("iso-2"))

	d.DisposeIsolate("iso-1")
	require.False(t, d.HasActiveConnections("iso-1"))
	require.True(t, d.HasActiveConnections("iso-2"), "disposing one isolate must not touch another's connections")

	_, _, ok := d.GetUpgradeRequest("iso-1")
	require.False(t, ok)
}

func TestGetUpgradeRequestUnknownIsolateReturnsFalse(t *testing.T) {
	d := dispatch.NewDispatcher(nil)
	req, data, ok := d.GetUpgradeRequest("never-registered")
	require.False(t, ok)
	require.Nil(t, req)
	require.Nil(t, data)
}

// TestDispatchWSMessageUnknownConnectionIsNoopWithoutHandler exercises the
// bookkeeping path of DispatchWS*: since no websocket.message handler was
// ever registered for this isolate, the call returns before it would need
// to touch the isolate thread.
func TestDispatchWSMessageUnknownConnectionIsNoopWithoutHandler(t *testing.T) {
	d := dispatch.NewDispatcher(nil)
	host := newTestHost(t, "iso-1")
	err := d.DispatchWSMessage(host, "ghost-connection", []byte("hi"), true)
	require.NoError(t, err, "no handler registered means DispatchWSMessage is a no-op, not an error")
}

func TestDispatchWSOpenUnknownConnectionIsNoopWithoutHandler(t *testing.T) {
	d := dispatch.NewDispatcher(nil)
	host := newTestHost(t, "iso-1")
	err := d.DispatchWSOpen(host, "ghost-connection")
	require.NoError(t, err, "no handler registered means DispatchWSOpen is a no-op, not an error")
}

// TestDispatchWSCloseForgetsConnectionEvenWithoutHandler verifies the
// registry is cleaned up on close regardless of whether the guest ever
// registered a websocket.close handler.
func TestDispatchWSCloseForgetsConnectionEvenWithoutHandler(t *testing.T) {
	d := dispatch.NewDispatcher(nil)
	host := newTestHost(t, "iso-1")
	d.RegisterConnection("iso-1", "conn-1")
	require.True(t, d.HasActiveConnections("iso-1"))

	err := d.DispatchWSClose(host, "conn-1", 1000, "bye")
	require.NoError(t, err)
	require.False(t, d.HasActiveConnections("iso-1"))
}

func TestDispatchWSErrorUnknownConnectionIsNoopWithoutHandler(t *testing.T) {
	d := dispatch.NewDispatcher(nil)
	host := newTestHost(t, "iso-1")
	err := d.DispatchWSError(host, "ghost-connection", "boom")
	require.NoError(t, err)
}

func TestWireMarshalWSCmdRoundTrips(t *testing.T) {
	payload, err := wire.Marshal(wire.WSCmd{
		ConnectionID: "conn-1",
		Kind:         "send",
		Data:         []byte("hello"),
	})
	require.NoError(t, err)

	var decoded wire.WSCmd
	require.NoError(t, wire.Unmarshal(payload, &decoded))
	require.Equal(t, "conn-1", decoded.ConnectionID)
	require.Equal(t, "send", decoded.Kind)
	require.Equal(t, []byte("hello"), decoded.Data)
}
