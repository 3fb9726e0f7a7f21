// File: internal/fetchbridge/request.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fetchbridge

import (
	"fmt"

	v8 "rogchap.com/v8go"

	"github.com/isod-run/isod/internal/bridge"
	"github.com/isod-run/isod/internal/dispatch"
	"github.com/isod-run/isod/wire"
)

// fetchRequest is the decoded form of fetch(url, init): a plain method/
// url/headers/body tuple, matching the shape dispatch.RequestPayload uses
// for the inbound-request leg of the same Request convention.
type fetchRequest struct {
	Method  string
	URL     string
	Headers map[string][]string
	Body    []byte
}

// decodeFetchArgs reads fetch's arguments: url (a string, or a Request-like
// object carrying a.url field) and an optional init object with method,
// headers, body, and signal. The returned *v8.Object, if
// non-nil, is init.signal — the caller installs an abort listener on it.
func decodeFetchArgs(ctx *v8.Context, args []*v8.Value) (fetchRequest, *v8.Object, error) {
	if len(args) == 0 {
		return fetchRequest{}, nil, fmt.Errorf("fetch: requires a url argument")
	}

	req := fetchRequest{Method: "GET", Headers: map[string][]string{}}

	if args[0].IsString() {
		req.URL = args[0].String()
	} else if args[0].IsObject() {
		obj, err := args[0].AsObject()
		if err != nil {
			return fetchRequest{}, nil, fmt.Errorf("fetch: first argument must be a string or Request-like object")
		}
		if uv, err := obj.Get("url"); err == nil && uv.IsString() {
			req.URL = uv.String()
		}
		if mv, err := obj.Get("method"); err == nil && mv.IsString() {
			req.Method = mv.String()
		}
	}

	var signalObj *v8.Object
	if len(args) > 1 && args[1].IsObject() {
		init, err := args[1].AsObject()
		if err == nil {
			if mv, err := init.Get("method"); err == nil && mv.IsString() {
				req.Method = mv.String()
			}
			if hv, err := init.Get("headers"); err == nil && !(hv.IsNull() || hv.IsUndefined()) {
				if decoded, derr := bridge.DecodeJSON(ctx, hv); derr == nil {
					req.Headers = dispatch.NormalizeHeaders(decoded)
				}
			}
			if bv, err := init.Get("body"); err == nil && !(bv.IsNull() || bv.IsUndefined()) {
				req.Body = decodeFetchBody(ctx, bv)
			}
			if sv, err := init.Get("signal"); err == nil && sv.IsObject() {
				signalObj, _ = sv.AsObject()
			}
		}
	}

	if req.URL == "" {
		return fetchRequest{}, nil, fmt.Errorf("fetch: missing url")
	}
	return req, signalObj, nil
}

// decodeFetchBody accepts a string or a plain array of byte values (the
// same convention internal/dispatch uses for request/response bodies, see
// bodyreader.go's bytesToJSArray) — v8go's guest side has no real
// ArrayBuffer/Uint8Array JSON round trip, so richer binary body types are
// not supported here.
func decodeFetchBody(ctx *v8.Context, v *v8.Value) []byte {
	if v.IsString() {
		return []byte(v.String())
	}
	decoded, err := bridge.DecodeJSON(ctx, v)
	if err != nil {
		return nil
	}
	arr, ok := decoded.([]any)
	if !ok {
		return nil
	}
	body := make([]byte, len(arr))
	for i, e := range arr {
		if f, ok := e.(float64); ok {
			body[i] = byte(int(f))
		}
	}
	return body
}

// encodeFetchRequest builds the wire.Value argument CB_INVOKE carries to
// the client's fetch callback. This leg is the client<->daemon
// wire, so it uses the structured wire.Value codec directly rather than
// the guest<->host JSON-bridge convention decodeFetchArgs just used.
func encodeFetchRequest(req fetchRequest) wire.Value {
	headers := make(map[string]wire.Value, len(req.Headers))
	for k, vs := range req.Headers {
		if len(vs) == 1 {
			headers[k] = wire.String(vs[0])
			continue
		}
		seq := make([]wire.Value, len(vs))
		for i, v := range vs {
			seq[i] = wire.String(v)
		}
		headers[k] = wire.Seq(seq...)
	}

	body := wire.Null
	if req.Body != nil {
		body = wire.Bytes(req.Body)
	}

	return wire.Map(map[string]wire.Value{
		"method":  wire.String(req.Method),
		"url":     wire.String(req.URL),
		"headers": wire.Map(headers),
		"body":    body,
	})
}
