// File: internal/fetchbridge/fetchbridge.go
// Package fetchbridge implements guest-initiated fetch: the
// fetch(url, init) global a guest sees calls out through the bridge
// kernel's async boundary to the client's registered
// fetch callback, which may answer either with a buffered Response body
// or a streamed one sharing the CB_INVOKE's request id.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fetchbridge

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	v8 "rogchap.com/v8go"
	"go.uber.org/ratelimit"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/internal/bridge"
	"github.com/isod-run/isod/internal/dispatch"
	"github.com/isod-run/isod/internal/isolate"
	"github.com/isod-run/isod/internal/streamio"
	"github.com/isod-run/isod/wire"
)

// StreamableInvoker is the one ipc.Session method the bridge needs — a
// client-callback invocation whose reply may resolve buffered or
// streamed. Kept narrow, mirroring bridge.Kernel's ClientInvoker seam,
// so this package never imports internal/ipc.
type StreamableInvoker interface {
	InvokeClientCallbackStreamable(ctx context.Context, isolateID string, callbackID uint64, args []wire.Value) (uint32, *wire.CallbackResult, error)
}

// Bridge is shared by every isolate in one session, since the streamed-
// reply correlation table keys on the session-scoped CB_INVOKE id that the
// session's own streamio.Multiplexer also uses for CB_STREAM_START frames.
type Bridge struct {
	invoker StreamableInvoker
	mux     *streamio.Multiplexer
	limiter ratelimit.Limiter

	mu      sync.Mutex
	pending map[uint32]*streamio.BodyReceiver

	// takeReceiverAttempts bounds takeReceiverWait's poll loop; overridable
	// by tests that want to exercise the not-found path without waiting
	// out the full default bound.
	takeReceiverAttempts int
}

// New constructs a Bridge bound to invoker and mux. requestsPerSecond <= 0
// means unlimited.
func New(invoker StreamableInvoker, mux *streamio.Multiplexer, requestsPerSecond int) *Bridge {
	var lim ratelimit.Limiter
	if requestsPerSecond > 0 {
		lim = ratelimit.New(requestsPerSecond)
	} else {
		lim = ratelimit.NewUnlimited()
	}
	b := &Bridge{invoker: invoker, mux: mux, limiter: lim, pending: make(map[uint32]*streamio.BodyReceiver), takeReceiverAttempts: 500}
	mux.SetCallbackStreamStartHandler(b.onStreamStart)
	return b
}

func (b *Bridge) onStreamStart(reqID uint32, meta map[string]any, recv *streamio.BodyReceiver) {
	b.mu.Lock()
	b.pending[reqID] = recv
	b.mu.Unlock()
}

// takeReceiverWait polls for the receiver a CB_STREAM_START frame
// registers. The dispatch goroutine resolves the pending CB_INVOKE wait
// (unblocking InvokeClientCallbackStreamable's caller) immediately before
// it forwards the same frame to the multiplexer's stream-start handler —
// see internal/ipc/dispatch.go's TypeCBStreamStart case — so a short,
// bounded poll closes that ordering gap, the same practical substitute
// internal/dispatch.awaitGuestPromise uses for v8go's missing embedder
// microtask hook.
func (b *Bridge) takeReceiverWait(reqID uint32) (*streamio.BodyReceiver, bool) {
	for i := 0; i < b.takeReceiverAttempts; i++ {
		b.mu.Lock()
		r, ok := b.pending[reqID]
		if ok {
			delete(b.pending, reqID)
		}
		b.mu.Unlock()
		if ok {
			return r, true
		}
		time.Sleep(time.Millisecond)
	}
	return nil, false
}

// Install wires the guest-visible fetch(url, init) global into ctx, routed
// through callbackID's client fetch handler.
func (b *Bridge) Install(ctx *v8.Context, host *isolate.Host, isolateID string, callbackID uint64) error {
	iso := ctx.Isolate()
	tmpl := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		return b.fetchCall(info, host, isolateID, callbackID)
	})
	fn := tmpl.GetFunction(ctx)
	return ctx.Global().Set("fetch", fn)
}

func (b *Bridge) fetchCall(info *v8.FunctionCallbackInfo, host *isolate.Host, isolateID string, callbackID uint64) *v8.Value {
	ctx := info.Context()
	iso := ctx.Isolate()
	resolver, err := v8.NewPromiseResolver(ctx)
	if err != nil {
		return v8.Undefined(iso)
	}

	req, signalObj, decodeErr := decodeFetchArgs(ctx, info.Args())
	if decodeErr != nil {
		rejectNamed(ctx, resolver, "TypeError", decodeErr.Error())
		return resolver.GetPromise().Value
	}
	reqValue := encodeFetchRequest(req)

	goCtx, cancel := context.WithCancel(context.Background())
	var aborted atomic.Bool
	if signalObj != nil {
		installAbortListener(ctx, signalObj, func() {
			aborted.Store(true)
			cancel()
		})
	}

	p := &wire.PendingPromise{Done: make(chan struct{})}
	host.AddPendingEval(p)

	go func() {
		defer cancel()
		defer close(p.Done)
		b.limiter.Take()
		reqID, result, callErr := b.invoker.InvokeClientCallbackStreamable(goCtx, isolateID, callbackID, []wire.Value{reqValue})
		_ = host.Submit(func() {
			if callErr != nil {
				if aborted.Load() {
					apiErr := api.NewScriptError("AbortError", "The operation was aborted.", "")
					p.Err = apiErr
					rejectNamed(ctx, resolver, apiErr.Name, apiErr.Message)
					return
				}
				apiErr, ok := callErr.(*api.Error)
				if !ok {
					apiErr = api.NewError(api.KindProtocolError, callErr.Error())
				}
				p.Err = apiErr
				rejectNamed(ctx, resolver, "TypeError", apiErr.Message)
				return
			}
			respVal, buildErr := b.buildResponse(ctx, host, reqID, result)
			if buildErr != nil {
				apiErr := api.NewError(api.KindProtocolError, buildErr.Error())
				p.Err = apiErr
				rejectNamed(ctx, resolver, "TypeError", buildErr.Error())
				return
			}
			p.Value = wire.Null
			_ = resolver.Resolve(respVal)
		})
	}()

	return resolver.GetPromise().Value
}

func (b *Bridge) buildResponse(ctx *v8.Context, host *isolate.Host, reqID uint32, result *wire.CallbackResult) (*v8.Value, error) {
	var (
		status     = 200
		statusText string
		headers    map[string][]string
		bodyReader *v8.Value
	)

	if result.Streamed {
		status, statusText, headers = decodeStreamMeta(result.Meta)
		recv, ok := b.takeReceiverWait(reqID)
		if !ok {
			return nil, fmt.Errorf("fetch: streamed reply never registered its body stream")
		}
		bodyReader = newStreamBodyReaderObject(ctx, host, recv)
	} else {
		if result.Value == nil {
			return nil, fmt.Errorf("fetch: empty callback response")
		}
		decoded, ok := wire.DecodeToHost(*result.Value).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("fetch: callback response must be a Response-shaped object")
		}
		if sv, ok := toInt(decoded["status"]); ok {
			status = sv
		}
		if stv, ok := decoded["statusText"].(string); ok {
			statusText = stv
		}
		headers = dispatch.NormalizeHeaders(decoded["headers"])
		bodyReader = newBufferedBodyReaderObject(ctx, decodeBodyField(decoded["body"]))
	}

	shape := map[string]any{
		"status":     status,
		"statusText": statusText,
		"headers":    dispatch.HeadersToJSONValue(headers),
	}
	v, err := bridge.EncodeJSON(ctx, shape)
	if err != nil {
		return nil, err
	}
	obj, err := v.AsObject()
	if err != nil {
		return nil, err
	}
	if err := obj.Set("bodyReader", bodyReader); err != nil {
		return nil, err
	}
	return obj.Value, nil
}

func decodeStreamMeta(meta map[string]any) (int, string, map[string][]string) {
	status := 200
	if sv, ok := toInt(meta["status"]); ok {
		status = sv
	}
	statusText, _ := meta["statusText"].(string)
	return status, statusText, dispatch.NormalizeHeaders(meta["headers"])
}

func decodeBodyField(v any) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []byte:
		return t
	case []any:
		out := make([]byte, len(t))
		for i, e := range t {
			if f, ok := toInt(e); ok {
				out[i] = byte(f)
			}
		}
		return out
	default:
		return nil
	}
}

// toInt normalizes the several numeric shapes msgpack/JSON decoding can
// hand back for an interface{}-typed field.
func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case uint64:
		return int(t), true
	}
	return 0, false
}

// installAbortListener supports the one guest-side AbortSignal convention
// this bridge understands: an object already marked aborted, or one
// exposing addEventListener("abort", fn). A richer
// AbortController polyfill, if any, lives in the guest bootstrap script
// outside this daemon's scope.
func installAbortListener(ctx *v8.Context, signal *v8.Object, onAbort func()) {
	iso := ctx.Isolate()
	if av, err := signal.Get("aborted"); err == nil && av.IsBoolean() && av.Boolean() {
		onAbort()
		return
	}
	alv, err := signal.Get("addEventListener")
	if err != nil || !alv.IsFunction() {
		return
	}
	addFn, err := alv.AsFunction()
	if err != nil {
		return
	}
	handlerTmpl := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		onAbort()
		return nil
	})
	handlerFn := handlerTmpl.GetFunction(ctx)
	nameVal, err := v8.NewValue(iso, "abort")
	if err != nil {
		return
	}
	_, _ = addFn.Call(signal.Value, nameVal, handlerFn)
}

// rejectNamed rejects resolver with a real guest Error carrying name/
// message, the same RunScript-based construction wireToV8 uses for JSON
// values (internal/bridge/valueconv.go), since v8go exposes no API to
// build a named Error instance directly from Go.
func rejectNamed(ctx *v8.Context, resolver *v8.PromiseResolver, name, message string) {
	iso := ctx.Isolate()
	script := fmt.Sprintf("(function(){ var e = new Error(%s); e.name = %s; return e; })()",
		strconv.Quote(message), strconv.Quote(name))
	v, err := ctx.RunScript(script, "<fetch-error>")
	if err != nil {
		v, _ = v8.NewValue(iso, message)
	}
	_ = resolver.Reject(v)
}
