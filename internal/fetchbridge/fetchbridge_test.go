// File: internal/fetchbridge/fetchbridge_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fetchbridge

import (
	"context"
	"errors"
	"testing"

	v8 "rogchap.com/v8go"
	"github.com/stretchr/testify/require"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/internal/isolate"
	"github.com/isod-run/isod/internal/streamio"
	"github.com/isod-run/isod/wire"
)

type fakeInvoker struct {
	reqID  uint32
	result *wire.CallbackResult
	err    error
	calls  int
}

func (f *fakeInvoker) InvokeClientCallbackStreamable(ctx context.Context, isolateID string, callbackID uint64, args []wire.Value) (uint32, *wire.CallbackResult, error) {
	f.calls++
	return f.reqID, f.result, f.err
}

type fakeFrameSender struct{}

func (fakeFrameSender) SendStreamFrame(typ wire.MessageType, v any) error { return nil }

func newTestHost(t *testing.T) *isolate.Host {
	t.Helper()
	h, err := isolate.NewForTest("iso-fetch-test", isolate.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestDecodeFetchArgsStringURLDefaultsToGET(t *testing.T) {
	host := newTestHost(t)
	ctx := host.Context()
	urlVal, err := v8.NewValue(ctx.Isolate(), "https://example.com/a")
	require.NoError(t, err)

	req, signal, err := decodeFetchArgs(ctx, []*v8.Value{urlVal})
	require.NoError(t, err)
	require.Nil(t, signal)
	require.Equal(t, "https://example.com/a", req.URL)
	require.Equal(t, "GET", req.Method)
	require.Empty(t, req.Headers)
}

func TestDecodeFetchArgsWithInitObject(t *testing.T) {
	host := newTestHost(t)
	ctx := host.Context()
	urlVal, err := v8.NewValue(ctx.Isolate(), "https://example.com/b")
	require.NoError(t, err)
	initVal, err := ctx.RunScript(`({method: "POST", headers: {"content-type": "text/plain"}, body: "hi"})`, "<test>")
	require.NoError(t, err)

	req, signal, err := decodeFetchArgs(ctx, []*v8.Value{urlVal, initVal})
	require.NoError(t, err)
	require.Nil(t, signal)
	require.Equal(t, "POST", req.Method)
	require.Equal(t, []string{"text/plain"}, req.Headers["content-type"])
	require.Equal(t, "hi", string(req.Body))
}

func TestDecodeFetchArgsCapturesAbortSignal(t *testing.T) {
	host := newTestHost(t)
	ctx := host.Context()
	urlVal, err := v8.NewValue(ctx.Isolate(), "https://example.com/c")
	require.NoError(t, err)
	initVal, err := ctx.RunScript(`({signal: {aborted: false, addEventListener: function(){}}})`, "<test>")
	require.NoError(t, err)

	_, signal, err := decodeFetchArgs(ctx, []*v8.Value{urlVal, initVal})
	require.NoError(t, err)
	require.NotNil(t, signal)
}

func TestDecodeFetchArgsMissingURLErrors(t *testing.T) {
	host := newTestHost(t)
	ctx := host.Context()
	obj, err := ctx.RunScript(`({})`, "<test>")
	require.NoError(t, err)
	_, _, err = decodeFetchArgs(ctx, []*v8.Value{obj})
	require.Error(t, err)
}

func TestEncodeFetchRequestShape(t *testing.T) {
	req := fetchRequest{
		Method:  "PUT",
		URL:     "https://example.com/d",
		Headers: map[string][]string{"accept": {"a", "b"}},
		Body:    []byte("payload"),
	}
	v := encodeFetchRequest(req)
	require.Equal(t, wire.TagMap, v.Tag)
	require.Equal(t, "PUT", v.Map["method"].Str)
	require.Equal(t, "https://example.com/d", v.Map["url"].Str)
	require.Equal(t, wire.TagSeq, v.Map["headers"].Map["accept"].Tag)
	require.Equal(t, []byte("payload"), v.Map["body"].Bytes)
}

func TestEncodeFetchRequestNilBodyEncodesNull(t *testing.T) {
	v := encodeFetchRequest(fetchRequest{Method: "GET", URL: "https://example.com"})
	require.Equal(t, wire.TagNull, v.Map["body"].Tag)
}

func TestToIntHandlesNumericShapes(t *testing.T) {
	cases := []any{float64(7), int(7), int64(7), uint64(7)}
	for _, c := range cases {
		n, ok := toInt(c)
		require.True(t, ok)
		require.Equal(t, 7, n)
	}
	_, ok := toInt("not a number")
	require.False(t, ok)
}

func TestDecodeBodyFieldShapes(t *testing.T) {
	require.Equal(t, []byte("hi"), decodeBodyField("hi"))
	require.Equal(t, []byte{1, 2}, decodeBodyField([]any{float64(1), float64(2)}))
	require.Nil(t, decodeBodyField(nil))
}

// TestBuildResponseBuffered verifies the non-streamed reply path builds a
// guest Response with the expected status/headers and a bodyReader.
func TestBuildResponseBuffered(t *testing.T) {
	host := newTestHost(t)
	ctx := host.Context()
	mux := streamio.NewMultiplexer(fakeFrameSender{})
	b := New(&fakeInvoker{}, mux, 0)

	respValue := wire.Map(map[string]wire.Value{
		"status":     wire.Int(201),
		"statusText": wire.String("Created"),
		"headers":    wire.Map(map[string]wire.Value{"x-a": wire.String("1")}),
		"body":       wire.Bytes([]byte("ok")),
	})
	v, err := b.buildResponse(ctx, host, 0, &wire.CallbackResult{Value: &respValue})
	require.NoError(t, err)

	obj, err := v.AsObject()
	require.NoError(t, err)
	statusVal, err := obj.Get("status")
	require.NoError(t, err)
	require.Equal(t, int64(201), statusVal.Integer())
	bodyReaderVal, err := obj.Get("bodyReader")
	require.NoError(t, err)
	require.True(t, bodyReaderVal.IsObject())
}

// TestBuildResponseStreamedUsesRegisteredReceiver drives a CB_STREAM_START
// frame through the real Multiplexer, exercising the onStreamStart
// registration path buildResponse's streamed branch depends on.
func TestBuildResponseStreamedUsesRegisteredReceiver(t *testing.T) {
	host := newTestHost(t)
	ctx := host.Context()
	mux := streamio.NewMultiplexer(fakeFrameSender{})
	b := New(&fakeInvoker{}, mux, 0)

	startBody, err := wire.Marshal(wire.CBStreamStart{
		ID:       42,
		StreamID: 7,
		Meta: map[string]any{
			"status":     float64(200),
			"statusText": "OK",
			"headers":    map[string]any{"content-type": "text/plain"},
		},
	})
	require.NoError(t, err)
	mux.HandleStreamFrame(wire.TypeCBStreamStart, startBody)

	v, err := b.buildResponse(ctx, host, 42, &wire.CallbackResult{
		Streamed: true,
		Meta: map[string]any{
			"status":     float64(200),
			"statusText": "OK",
			"headers":    map[string]any{"content-type": "text/plain"},
		},
	})
	require.NoError(t, err)
	obj, err := v.AsObject()
	require.NoError(t, err)
	statusVal, err := obj.Get("status")
	require.NoError(t, err)
	require.Equal(t, int64(200), statusVal.Integer())
}

func TestBuildResponseStreamedWithoutReceiverErrors(t *testing.T) {
	host := newTestHost(t)
	ctx := host.Context()
	mux := streamio.NewMultiplexer(fakeFrameSender{})
	b := New(&fakeInvoker{}, mux, 0)
	b.takeReceiverAttempts = 1 // keep the bounded poll short for this test

	_, err := b.buildResponse(ctx, host, 9999, &wire.CallbackResult{Streamed: true})
	require.Error(t, err)
}

func TestRejectNamedBuildsNamedError(t *testing.T) {
	host := newTestHost(t)
	ctx := host.Context()
	resolver, err := v8.NewPromiseResolver(ctx)
	require.NoError(t, err)
	rejectNamed(ctx, resolver, "AbortError", "aborted")

	promVal := resolver.GetPromise().Value
	p, err := promVal.AsPromise()
	require.NoError(t, err)
	require.Equal(t, v8.Rejected, p.State())
	nameVal, err := p.Result().AsObject()
	require.NoError(t, err)
	n, err := nameVal.Get("name")
	require.NoError(t, err)
	require.Equal(t, "AbortError", n.String())
}

func TestFetchCallRejectsOnDecodeError(t *testing.T) {
	host := newTestHost(t)
	ctx := host.Context()
	mux := streamio.NewMultiplexer(fakeFrameSender{})
	b := New(&fakeInvoker{err: errors.New("unused")}, mux, 0)
	require.NoError(t, b.Install(ctx, host, "iso-fetch-test", 1))

	v, err := ctx.RunScript(`fetch({})`, "<test>")
	require.NoError(t, err)
	require.True(t, v.IsPromise())
	p, err := v.AsPromise()
	require.NoError(t, err)
	require.Equal(t, v8.Rejected, p.State())
	_ = api.KindProtocolError // referenced to keep import used if assertions change
}
