// File: internal/dispatch/bodyreader.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// req.bodyReader is the simplified async-iterable-like object standing in
// for a WHATWG ReadableStream (see the package doc comment in dispatch.go
// for why). read() returns a Promise resolving to {done, value}; value is a
// plain array of byte values when present, mirroring how fetchbridge and
// vfs also cross raw bytes through the JSON bridge (internal/bridge).

package dispatch

import (
	"io"

	v8 "rogchap.com/v8go"

	"github.com/isod-run/isod/internal/bridge"
	"github.com/isod-run/isod/internal/isolate"
	"github.com/isod-run/isod/internal/streamio"
)

func bytesToJSArray(b []byte) []any {
	out := make([]any, len(b))
	for i, c := range b {
		out[i] = float64(c)
	}
	return out
}

// newBodyReaderObject wraps an upload-body BodyReceiver as the
// guest-visible bodyReader. read() spawns a goroutine that blocks on
// recv.Read() off the isolate thread and resolves the
// returned Promise via host.Submit once a chunk or EOF arrives.
func newBodyReaderObject(ctx *v8.Context, host *isolate.Host, recv *streamio.BodyReceiver) *v8.Value {
	iso := ctx.Isolate()
	obj := v8.NewObjectTemplate(iso)

	readFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		resolver, err := v8.NewPromiseResolver(ctx)
		if err != nil {
			return nil
		}
		go func() {
			chunk, rerr := recv.Read()
			_ = host.Submit(func() {
				if rerr == io.EOF {
					v, _ := bridge.EncodeJSON(ctx, map[string]any{"done": true})
					_ = resolver.Resolve(v)
					return
				}
				if rerr != nil {
					v, _ := v8.NewValue(iso, rerr.Error())
					_ = resolver.Reject(v)
					return
				}
				v, _ := bridge.EncodeJSON(ctx, map[string]any{
					"done":  false,
					"value": bytesToJSArray(chunk),
				})
				_ = resolver.Resolve(v)
			})
		}()
		return resolver.GetPromise().Value
	})
	cancelFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		_ = recv.Cancel()
		resolver, err := v8.NewPromiseResolver(ctx)
		if err != nil {
			return nil
		}
		v, _ := v8.NewValue(iso, true)
		_ = resolver.Resolve(v)
		return resolver.GetPromise().Value
	})

	_ = obj.Set("read", readFn)
	_ = obj.Set("cancel", cancelFn)
	inst, err := obj.NewInstance(ctx)
	if err != nil {
		return v8.Undefined(iso)
	}
	return inst.Value
}

// newBufferedBodyReaderObject wraps an inline (already in-memory) request
// body so the guest sees the same read()/cancel() shape regardless of
// whether the body arrived inline or out-of-band.
func newBufferedBodyReaderObject(ctx *v8.Context, body []byte) *v8.Value {
	iso := ctx.Isolate()
	obj := v8.NewObjectTemplate(iso)
	served := false

	readFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		resolver, err := v8.NewPromiseResolver(ctx)
		if err != nil {
			return nil
		}
		if served {
			v, _ := bridge.EncodeJSON(ctx, map[string]any{"done": true})
			_ = resolver.Resolve(v)
			return resolver.GetPromise().Value
		}
		served = true
		v, _ := bridge.EncodeJSON(ctx, map[string]any{
			"done":  false,
			"value": bytesToJSArray(body),
		})
		_ = resolver.Resolve(v)
		return resolver.GetPromise().Value
	})
	cancelFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		served = true
		resolver, err := v8.NewPromiseResolver(ctx)
		if err != nil {
			return nil
		}
		v, _ := v8.NewValue(iso, true)
		_ = resolver.Resolve(v)
		return resolver.GetPromise().Value
	})

	_ = obj.Set("read", readFn)
	_ = obj.Set("cancel", cancelFn)
	inst, err := obj.NewInstance(ctx)
	if err != nil {
		return v8.Undefined(iso)
	}
	return inst.Value
}
