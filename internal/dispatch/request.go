// File: internal/dispatch/request.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package dispatch

import (
	"strings"
	"time"

	v8 "rogchap.com/v8go"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/internal/bridge"
	"github.com/isod-run/isod/internal/isolate"
	"github.com/isod-run/isod/internal/streamio"
)

// RequestPayload is the wire-level `dispatchRequest` op payload:
// a fully-parsed HTTP request handed down by the client-side transport.
// Body is set for inline (small, content-length-known) bodies; BodyStreamID
// is set instead when the body rides the stream protocol out-of-band.
type RequestPayload struct {
	Method       string
	URL          string
	Headers      map[string][]string
	Body         []byte
	BodyStreamID uint32
}

// ResponsePayload is the wire-level reply to `dispatchRequest`. Body is set
// for an inline/empty-body response; BodyStreamID is set when the guest
// Response carried a non-null body, which always streams out.
type ResponsePayload struct {
	Status       int
	StatusText   string
	Headers      map[string][]string
	Body         []byte
	BodyStreamID uint32
}

func firstHeader(h map[string][]string, name string) string {
	for k, vs := range h {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func equalFoldContains(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func decodeGuestJSON(ctx *v8.Context, v *v8.Value) (any, error) {
	return bridge.DecodeJSON(ctx, v)
}

// decodeGuestRequest reads the plain fields off a guest Request object
// (the same shape buildGuestRequest constructs) back into a RequestPayload,
// used by server.upgrade(req, ...) to snapshot the request that triggered
// it.
func decodeGuestRequest(ctx *v8.Context, reqObj *v8.Object) (*RequestPayload, error) {
	method := "GET"
	if v, err := reqObj.Get("method"); err == nil && v.IsString() {
		method = v.String()
	}
	url := ""
	if v, err := reqObj.Get("url"); err == nil && v.IsString() {
		url = v.String()
	}
	headers := map[string][]string{}
	if hv, err := reqObj.Get("headers"); err == nil {
		if decoded, err := bridge.DecodeJSON(ctx, hv); err == nil {
			headers = NormalizeHeaders(decoded)
		}
	}
	return &RequestPayload{Method: method, URL: url, Headers: headers}, nil
}

// NormalizeHeaders reads a JSON-bridged headers object (string or
// string-array values) into the wire's canonical map[string][]string shape.
// Exported so internal/fetchbridge and internal/vfs can decode the same
// guest-visible headers convention without duplicating it.
func NormalizeHeaders(decoded any) map[string][]string {
	out := map[string][]string{}
	m, ok := decoded.(map[string]any)
	if !ok {
		return out
	}
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = []string{t}
		case []any:
			for _, e := range t {
				if s, ok := e.(string); ok {
					out[k] = append(out[k], s)
				}
			}
		}
	}
	return out
}

// HeadersToJSONValue is the inverse of NormalizeHeaders, for encoding a
// headers map back into the guest-visible JSON-bridged shape.
func HeadersToJSONValue(headers map[string][]string) map[string]any {
	out := make(map[string]any, len(headers))
	for k, vs := range headers {
		if len(vs) == 1 {
			out[k] = vs[0]
			continue
		}
		seq := make([]any, len(vs))
		for i, v := range vs {
			seq[i] = v
		}
		out[k] = seq
	}
	return out
}

// buildGuestRequest constructs the plain Request object passed to the
// guest fetch handler. bodyReader, if non-nil,
// is installed as req.bodyReader exposing async read()/cancel() backed by
// recv — see bodyreader.go.
func buildGuestRequest(ctx *v8.Context, host *isolate.Host, payload RequestPayload, recv *streamio.BodyReceiver) (*v8.Value, error) {
	shape := map[string]any{
		"method":  payload.Method,
		"url":     payload.URL,
		"headers": HeadersToJSONValue(payload.Headers),
	}
	v, err := bridge.EncodeJSON(ctx, shape)
	if err != nil {
		return nil, err
	}
	obj, err := v.AsObject()
	if err != nil {
		return nil, err
	}
	if recv != nil {
		reader := newBodyReaderObject(ctx, host, recv)
		if err := obj.Set("bodyReader", reader); err != nil {
			return nil, err
		}
	} else if len(payload.Body) > 0 {
		reader := newBufferedBodyReaderObject(ctx, payload.Body)
		if err := obj.Set("bodyReader", reader); err != nil {
			return nil, err
		}
	} else {
		if err := obj.Set("bodyReader", v8.Null(ctx.Isolate())); err != nil {
			return nil, err
		}
	}
	return obj.Value, nil
}

// decodeGuestResponse reads status/statusText/headers/body off the guest
// Response value returned from the fetch handler.
func decodeGuestResponse(ctx *v8.Context, v *v8.Value) (ResponsePayload, []byte, error) {
	if v == nil || v.IsNull() || v.IsUndefined() {
		return ResponsePayload{Status: 200}, nil, nil
	}
	obj, err := v.AsObject()
	if err != nil {
		return ResponsePayload{}, nil, api.NewError(api.KindProtocolError, "dispatch: fetch handler did not return a Response")
	}
	resp := ResponsePayload{Status: 200}
	if sv, err := obj.Get("status"); err == nil && sv.IsNumber() {
		resp.Status = int(sv.Integer())
	}
	if sv, err := obj.Get("statusText"); err == nil && sv.IsString() {
		resp.StatusText = sv.String()
	}
	if hv, err := obj.Get("headers"); err == nil {
		if decoded, derr := bridge.DecodeJSON(ctx, hv); derr == nil {
			resp.Headers = NormalizeHeaders(decoded)
		}
	}

	bv, err := obj.Get("body")
	if err != nil || bv.IsNull() || bv.IsUndefined() {
		return resp, nil, nil
	}
	if bv.IsString() {
		return resp, []byte(bv.String()), nil
	}
	decoded, err := bridge.DecodeJSON(ctx, bv)
	if err != nil {
		return resp, nil, nil
	}
	if arr, ok := decoded.([]any); ok {
		body := make([]byte, len(arr))
		for i, e := range arr {
			if f, ok := e.(float64); ok {
				body[i] = byte(int(f))
			}
		}
		return resp, body, nil
	}
	return resp, nil, nil
}

// DispatchRequest implements dispatch_request: builds a guest
// Request, calls the registered fetch handler, awaits its Response, and
// reports whether the body should stream out via mux or go inline.
//
// Awaiting the guest's returned Promise piggybacks on Host.DrainPending,
// the same mechanism RunScript uses for eval semantics: any
// host callback the fetch handler awaited internally (e.g. a nested
// fetch() through the fetch bridge) is registered with AddPendingEval by
// bridge.Kernel, so draining it guarantees those callbacks settled. A
// still-pending
// returned Promise after the drain is polled a bounded number of times —
// rogchap/v8go exposes no embedder hook to force extra microtask ticks
// beyond what Function.Call already performs, so polling is the practical
// substitute for a true integrated event loop.
func DispatchRequest(host *isolate.Host, reg *Registration, payload RequestPayload, recv *streamio.BodyReceiver) (ResponsePayload, []byte, error) {
	if reg == nil || reg.Fetch == nil {
		return ResponsePayload{}, nil, api.NewError(api.KindProtocolError, "dispatch: no serve handler registered")
	}

	type result struct {
		val *v8.Value
		err error
	}
	resCh := make(chan result, 1)

	ctx := host.Context()
	err := host.Submit(func() {
		reqVal, err := buildGuestRequest(ctx, host, payload, recv)
		if err != nil {
			resCh <- result{err: err}
			return
		}
		v, err := reg.Fetch.Call(v8.Undefined(ctx.Isolate()), reqVal)
		resCh <- result{val: v, err: err}
	})
	if err != nil {
		return ResponsePayload{}, nil, api.NewError(api.KindProtocolError, err.Error())
	}

	r := <-resCh
	if host.MemoryExceeded() {
		return ResponsePayload{}, nil, api.NewError(api.KindIsolateMemoryLimit, "guest terminated: isolate heap ceiling exceeded")
	}
	if r.err != nil {
		if jsErr, ok := r.err.(*v8.JSError); ok {
			return ResponsePayload{}, nil, api.NewScriptError("Error", jsErr.Message, jsErr.StackTrace)
		}
		return ResponsePayload{}, nil, api.NewError(api.KindScriptError, r.err.Error())
	}

	host.DrainPending()

	settled, err := awaitGuestPromise(host, r.val)
	if err != nil {
		if host.MemoryExceeded() {
			return ResponsePayload{}, nil, api.NewError(api.KindIsolateMemoryLimit, "guest terminated: isolate heap ceiling exceeded")
		}
		return ResponsePayload{}, nil, err
	}

	var out ResponsePayload
	var body []byte
	subErr := host.Submit(func() {
		out, body, err = decodeGuestResponse(ctx, settled)
	})
	if subErr != nil {
		return ResponsePayload{}, nil, api.NewError(api.KindProtocolError, subErr.Error())
	}
	if err != nil {
		return ResponsePayload{}, nil, err
	}
	return out, body, nil
}

// awaitGuestPromise resolves v if it is a Promise, bounded by a handful of
// drain/poll cycles (see DispatchRequest's doc comment).
func awaitGuestPromise(host *isolate.Host, v *v8.Value) (*v8.Value, error) {
	if v == nil || !v.IsPromise() {
		return v, nil
	}
	const maxAttempts = 200
	for i := 0; i < maxAttempts; i++ {
		var (
			state v8.PromiseState
			res   *v8.Value
		)
		err := host.Submit(func() {
			p, perr := v.AsPromise()
			if perr != nil {
				return
			}
			state = p.State()
			res = p.Result()
		})
		if err != nil {
			return nil, api.NewError(api.KindProtocolError, err.Error())
		}
		switch state {
		case v8.Fulfilled:
			return res, nil
		case v8.Rejected:
			msg := "guest promise rejected"
			if res != nil {
				msg = res.String()
			}
			return nil, api.NewError(api.KindScriptError, msg)
		}
		host.DrainPending()
		time.Sleep(time.Millisecond)
	}
	return nil, api.NewError(api.KindProtocolError, "dispatch: guest fetch handler promise never settled")
}
