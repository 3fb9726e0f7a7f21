// File: internal/fetchbridge/bodyreader.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The guest-visible Response body reader follows the same read()/cancel()
// shape internal/dispatch installs on Request.bodyReader (see its
// bodyreader.go): a plain object standing in for a WHATWG ReadableStream,
// since v8go has no embedder-facing stream type to return instead.

package fetchbridge

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

// newStreamBodyReaderObject wraps a callback-response-body BodyReceiver
// as the guest-visible
// Response.bodyReader for the "Streamed" fetch reply mode.
func newStreamBodyReaderObject(ctx *v8.Context, host *isolate.Host, recv *streamio.BodyReceiver) *v8.Value {
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

// newBufferedBodyReaderObject wraps an already-buffered Response body
// with the same read()/cancel() shape as the
// streamed path, so the guest never sees which mode a given reply used.
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
