// File: internal/vfs/install.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Guest-visible surface: the global getDirectory(mount) plus the
// directory/file/writable-stream handle objects it and their methods
// return. Every method that performs host I/O follows the same
// async-boundary convention internal/fetchbridge.fetchCall established:
// a PromiseResolver is returned immediately, the actual client-callback
// round trip runs on a spawned goroutine (registered with
// Host.AddPendingEval so Host.DrainPending still waits for it), and the
// V8 result is built and the promise settled
// back on the isolate's own thread via Host.Submit.

package vfs

import (
	"context"
	"fmt"
	"strconv"

	v8 "rogchap.com/v8go"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/internal/bridge"
	"github.com/isod-run/isod/internal/isolate"
	"github.com/isod-run/isod/wire"
)

// Installer wires the getDirectory global into one isolate's context.
// handler may be nil if the client registered no fs callbacks at all, in
// which case getDirectory always rejects with NotFoundError.
type Installer struct {
	host     *isolate.Host
	registry *Registry
	handler  *FileSystemHandler
}

// NewInstaller binds an Installer to one isolate's Host, handle registry,
// and the single FileSystemHandler backing every mount this isolate sees.
func NewInstaller(host *isolate.Host, registry *Registry, handler *FileSystemHandler) *Installer {
	return &Installer{host: host, registry: registry, handler: handler}
}

// Install wires the getDirectory(mount) global. Must run on
// the isolate's own thread, same as internal/dispatch.InstallServe and
// internal/fetchbridge.Bridge.Install.
func (in *Installer) Install(ctx *v8.Context) error {
	iso := ctx.Isolate()
	fn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		return in.getDirectoryCall(info)
	})
	fv, err := fn.GetFunction(ctx)
	if err != nil {
		return err
	}
	return ctx.Global().Set("getDirectory", fv)
}

func (in *Installer) getDirectoryCall(info *v8.FunctionCallbackInfo) *v8.Value {
	ctx := info.Context()
	mount := ""
	if args := info.Args(); len(args) > 0 && args[0].IsString() {
		mount = args[0].String()
	}
	return newAsyncPromise(ctx, in.host, func() (func(*v8.Context) (*v8.Value, error), error) {
		if in.handler == nil {
			return nil, &FSError{DOMName: api.DOMNotFoundError, Message: "no fs backend registered for this isolate"}
		}
		h := in.registry.Alloc(KindDirectory, mount, "/", in.handler)
		return func(ctx *v8.Context) (*v8.Value, error) {
			return in.buildDirectoryValue(ctx, h)
		}, nil
	})
}

// newAsyncPromise is the shared Promise-returning boilerplate every vfs
// operation that touches the client fs callbacks uses: work runs off the
// isolate thread and returns a build closure (executed back on the
// isolate thread) plus an error, which may be an *FSError carrying a DOM
// name or any other
// error surfaced as a plain rejection.
func newAsyncPromise(ctx *v8.Context, host *isolate.Host, work func() (func(*v8.Context) (*v8.Value, error), error)) *v8.Value {
	iso := ctx.Isolate()
	resolver, err := v8.NewPromiseResolver(ctx)
	if err != nil {
		return v8.Undefined(iso)
	}

	p := &wire.PendingPromise{Done: make(chan struct{})}
	host.AddPendingEval(p)

	go func() {
		defer close(p.Done)
		build, werr := work()
		_ = host.Submit(func() {
			if werr != nil {
				apiErr := api.NewError(api.KindProtocolError, werr.Error())
				name, message := "Error", werr.Error()
				if fsErr, ok := werr.(*FSError); ok {
					message = api.DOMErrorString(fsErr.DOMName, fsErr.Message)
					apiErr = api.NewScriptError(name, message, "")
				}
				p.Err = apiErr
				rejectWithMessage(ctx, resolver, name, message)
				return
			}
			v, berr := build(ctx)
			if berr != nil {
				p.Err = api.NewError(api.KindProtocolError, berr.Error())
				rejectWithMessage(ctx, resolver, "Error", berr.Error())
				return
			}
			p.Value = wire.Null
			_ = resolver.Resolve(v)
		})
	}()

	return resolver.GetPromise().Value
}

func rejectWithMessage(ctx *v8.Context, resolver *v8.PromiseResolver, name, message string) {
	iso := ctx.Isolate()
	script := fmt.Sprintf("(function(){ var e = new Error(%s); e.name = %s; return e; })()",
		strconv.Quote(message), strconv.Quote(name))
	v, err := ctx.RunScript(script, "<vfs-error>")
	if err != nil {
		v, _ = v8.NewValue(iso, message)
	}
	_ = resolver.Reject(v)
}

// buildHandleBase constructs the common kind/name/__handleId shape every
// handle object shares, before kind-specific methods are attached.
func (in *Installer) buildHandleBase(ctx *v8.Context, h *Handle) (*v8.Object, error) {
	shape := map[string]any{
		"kind":       h.Kind.String(),
		"name":       baseName(h.Path),
		"__handleId": float64(h.ID),
	}
	v, err := bridge.EncodeJSON(ctx, shape)
	if err != nil {
		return nil, err
	}
	return v.AsObject()
}

func setMethod(ctx *v8.Context, obj *v8.Object, name string, fn func(*v8.FunctionCallbackInfo) *v8.Value) error {
	tmpl := v8.NewFunctionTemplate(ctx.Isolate(), fn)
	fv, err := tmpl.GetFunction(ctx)
	if err != nil {
		return err
	}
	return obj.Set(name, fv)
}

// buildDirectoryValue builds the guest-visible FileSystemDirectoryHandle
// object for h.
func (in *Installer) buildDirectoryValue(ctx *v8.Context, h *Handle) (*v8.Value, error) {
	obj, err := in.buildHandleBase(ctx, h)
	if err != nil {
		return nil, err
	}
	if err := setMethod(ctx, obj, "getFileHandle", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return in.getFileHandleCall(info, h, false)
	}); err != nil {
		return nil, err
	}
	if err := setMethod(ctx, obj, "getDirectoryHandle", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return in.getFileHandleCall(info, h, true)
	}); err != nil {
		return nil, err
	}
	if err := setMethod(ctx, obj, "removeEntry", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return in.removeEntryCall(info, h)
	}); err != nil {
		return nil, err
	}
	if err := setMethod(ctx, obj, "values", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return in.valuesCall(info, h)
	}); err != nil {
		return nil, err
	}
	if err := setMethod(ctx, obj, "isSameEntry", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return in.isSameEntryCall(info, h)
	}); err != nil {
		return nil, err
	}
	return obj.Value, nil
}

// buildFileValue builds the guest-visible FileSystemFileHandle object.
func (in *Installer) buildFileValue(ctx *v8.Context, h *Handle) (*v8.Value, error) {
	obj, err := in.buildHandleBase(ctx, h)
	if err != nil {
		return nil, err
	}
	if err := setMethod(ctx, obj, "getFile", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return in.getFileCall(info, h)
	}); err != nil {
		return nil, err
	}
	if err := setMethod(ctx, obj, "createWritable", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return in.createWritableCall(info, h)
	}); err != nil {
		return nil, err
	}
	if err := setMethod(ctx, obj, "isSameEntry", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return in.isSameEntryCall(info, h)
	}); err != nil {
		return nil, err
	}
	return obj.Value, nil
}

func argString(info *v8.FunctionCallbackInfo, i int) string {
	args := info.Args()
	if i >= len(args) || !args[i].IsString() {
		return ""
	}
	return args[i].String()
}

func argBool(info *v8.FunctionCallbackInfo, i int, field string) bool {
	args := info.Args()
	if i >= len(args) {
		return false
	}
	obj, err := args[i].AsObject()
	if err != nil {
		return false
	}
	v, err := obj.Get(field)
	if err != nil || !v.IsBoolean() {
		return false
	}
	return v.Boolean()
}

// getFileHandleCall implements getFileHandle(name, {create}) and
// getDirectoryHandle(name, {create}): stat the child path to
// decide existence/kind, creating it via writeFile/mkdir when absent and
// create is set, rejecting TypeMismatchError when the existing entry is
// the wrong kind.
func (in *Installer) getFileHandleCall(info *v8.FunctionCallbackInfo, parent *Handle, wantDir bool) *v8.Value {
	ctx := info.Context()
	name := argString(info, 0)
	create := argBool(info, 1, "create")
	childPath := join(parent.Path, name)
	handler := parent.Handler

	return newAsyncPromise(ctx, in.host, func() (func(*v8.Context) (*v8.Value, error), error) {
		goCtx := context.Background()
		info, statErr := handler.Stat(goCtx, childPath)
		exists := statErr == nil
		if exists {
			isDir := info.Kind == "directory"
			if isDir != wantDir {
				return nil, &FSError{DOMName: api.DOMTypeMismatchError, Message: "entry exists with a different kind"}
			}
		} else {
			fsErr, ok := statErr.(*FSError)
			if !ok || fsErr.DOMName != api.DOMNotFoundError {
				return nil, statErr
			}
			if !create {
				return nil, &FSError{DOMName: api.DOMNotFoundError, Message: "no such entry"}
			}
			if wantDir {
				if err := handler.Mkdir(goCtx, childPath); err != nil {
					return nil, err
				}
			} else {
				zero := int64(0)
				if err := handler.WriteFile(goCtx, childPath, nil, &zero); err != nil {
					return nil, err
				}
			}
		}

		kind := KindFile
		if wantDir {
			kind = KindDirectory
		}
		h := in.registry.Alloc(kind, parent.Mount, childPath, handler)
		return func(ctx *v8.Context) (*v8.Value, error) {
			if wantDir {
				return in.buildDirectoryValue(ctx, h)
			}
			return in.buildFileValue(ctx, h)
		}, nil
	})
}

// removeEntryCall implements removeEntry(name, {recursive}):
// stat decides whether to Unlink or Rmdir the child.
func (in *Installer) removeEntryCall(info *v8.FunctionCallbackInfo, parent *Handle) *v8.Value {
	ctx := info.Context()
	name := argString(info, 0)
	recursive := argBool(info, 1, "recursive")
	childPath := join(parent.Path, name)
	handler := parent.Handler

	return newAsyncPromise(ctx, in.host, func() (func(*v8.Context) (*v8.Value, error), error) {
		goCtx := context.Background()
		info, err := handler.Stat(goCtx, childPath)
		if err != nil {
			return nil, err
		}
		if info.Kind == "directory" {
			if err := handler.Rmdir(goCtx, childPath, recursive); err != nil {
				return nil, err
			}
		} else if err := handler.Unlink(goCtx, childPath); err != nil {
			return nil, err
		}
		return func(ctx *v8.Context) (*v8.Value, error) {
			return v8.Undefined(ctx.Isolate()), nil
		}, nil
	})
}

// valuesCall implements directory listing, returning a
// plain array of handle objects rather than a true WHATWG async iterator
// — the same documented simplification internal/dispatch applies to
// ReadableStream, since v8go has no native generator/iterator protocol
// hook to drive from the host side.
func (in *Installer) valuesCall(info *v8.FunctionCallbackInfo, parent *Handle) *v8.Value {
	ctx := info.Context()
	handler := parent.Handler

	return newAsyncPromise(ctx, in.host, func() (func(*v8.Context) (*v8.Value, error), error) {
		entries, err := handler.Readdir(context.Background(), parent.Path)
		if err != nil {
			return nil, err
		}
		handles := make([]*Handle, len(entries))
		for i, e := range entries {
			kind := KindFile
			if e.Kind == "directory" {
				kind = KindDirectory
			}
			handles[i] = in.registry.Alloc(kind, parent.Mount, join(parent.Path, e.Name), handler)
		}
		return func(ctx *v8.Context) (*v8.Value, error) {
			iso := ctx.Isolate()
			arr, _ := v8.NewValue(iso, "[]")
			_ = arr
			vals := make([]*v8.Value, 0, len(handles))
			for _, h := range handles {
				var (
					v   *v8.Value
					err error
				)
				if h.Kind == KindDirectory {
					v, err = in.buildDirectoryValue(ctx, h)
				} else {
					v, err = in.buildFileValue(ctx, h)
				}
				if err != nil {
					return nil, err
				}
				vals = append(vals, v)
			}
			return buildArray(ctx, vals)
		}, nil
	})
}

// buildArray assembles a JS array from already-built element values via
// a fresh Array constructor call plus indexed Set — v8go exposes no
// direct "NewArray(values...)" helper.
func buildArray(ctx *v8.Context, vals []*v8.Value) (*v8.Value, error) {
	iso := ctx.Isolate()
	arrTmpl, err := ctx.RunScript(fmt.Sprintf("new Array(%d)", len(vals)), "<vfs-array>")
	if err != nil {
		return nil, err
	}
	obj, err := arrTmpl.AsObject()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if err := obj.SetIdx(uint32(i), v); err != nil {
			return nil, err
		}
	}
	_ = iso
	return obj.Value, nil
}

// getFileCall implements getFile(): fetches the whole file up front
// (buffered — WHATWG File objects are always fully materialized once
// obtained) and exposes text()/arrayBuffer() as already-resolved Promises
// over the cached bytes, plus name (from the path), size (from the bytes
// read) and lastModified (from Stat).
func (in *Installer) getFileCall(info *v8.FunctionCallbackInfo, h *Handle) *v8.Value {
	ctx := info.Context()
	handler := h.Handler

	return newAsyncPromise(ctx, in.host, func() (func(*v8.Context) (*v8.Value, error), error) {
		goCtx := context.Background()
		data, err := handler.ReadFile(goCtx, h.Path)
		if err != nil {
			return nil, err
		}
		meta, _ := handler.Stat(goCtx, h.Path)
		return func(ctx *v8.Context) (*v8.Value, error) {
			return buildFileObject(ctx, baseName(h.Path), data, meta)
		}, nil
	})
}

func buildFileObject(ctx *v8.Context, name string, data []byte, meta FileInfo) (*v8.Value, error) {
	shape := map[string]any{
		"name":         name,
		"size":         float64(len(data)),
		"lastModified": float64(meta.LastModified),
	}
	v, err := bridge.EncodeJSON(ctx, shape)
	if err != nil {
		return nil, err
	}
	obj, err := v.AsObject()
	if err != nil {
		return nil, err
	}
	text := string(data)
	bytes := make([]any, len(data))
	for i, b := range data {
		bytes[i] = float64(b)
	}
	if err := setMethod(ctx, obj, "text", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return resolvedPromise(info.Context(), func(ctx *v8.Context) (*v8.Value, error) {
			return v8.NewValue(ctx.Isolate(), text)
		})
	}); err != nil {
		return nil, err
	}
	if err := setMethod(ctx, obj, "arrayBuffer", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return resolvedPromise(info.Context(), func(ctx *v8.Context) (*v8.Value, error) {
			return bridge.EncodeJSON(ctx, bytes)
		})
	}); err != nil {
		return nil, err
	}
	return obj.Value, nil
}

// resolvedPromise wraps an already-available build result in a settled
// Promise, for methods that need no further host round trip once their
// owning object was built (text()/arrayBuffer() over already-fetched
// bytes, isSameEntry's pure local comparison).
func resolvedPromise(ctx *v8.Context, build func(*v8.Context) (*v8.Value, error)) *v8.Value {
	iso := ctx.Isolate()
	resolver, err := v8.NewPromiseResolver(ctx)
	if err != nil {
		return v8.Undefined(iso)
	}
	v, err := build(ctx)
	if err != nil {
		rejectWithMessage(ctx, resolver, "Error", err.Error())
		return resolver.GetPromise().Value
	}
	_ = resolver.Resolve(v)
	return resolver.GetPromise().Value
}

// createWritableCall implements createWritable(options?): allocates a
// fresh writable-stream handle over the same mount/path and exposes
// write/close/abort.
func (in *Installer) createWritableCall(info *v8.FunctionCallbackInfo, fileHandle *Handle) *v8.Value {
	ctx := info.Context()
	wh := in.registry.Alloc(KindWritable, fileHandle.Mount, fileHandle.Path, fileHandle.Handler)
	ws := NewWritableStream(wh)

	return resolvedPromise(ctx, func(ctx *v8.Context) (*v8.Value, error) {
		return in.buildWritableValue(ctx, ws)
	})
}

func (in *Installer) buildWritableValue(ctx *v8.Context, ws *WritableStream) (*v8.Value, error) {
	obj, err := bridge.EncodeJSON(ctx, map[string]any{"kind": "writable"})
	if err != nil {
		return nil, err
	}
	o, err := obj.AsObject()
	if err != nil {
		return nil, err
	}
	if err := setMethod(ctx, o, "write", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return in.writeCall(info, ws)
	}); err != nil {
		return nil, err
	}
	if err := setMethod(ctx, o, "close", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return newAsyncPromise(info.Context(), in.host, func() (func(*v8.Context) (*v8.Value, error), error) {
			if err := ws.Close(); err != nil {
				return nil, err
			}
			return func(ctx *v8.Context) (*v8.Value, error) { return v8.Undefined(ctx.Isolate()), nil }, nil
		})
	}); err != nil {
		return nil, err
	}
	if err := setMethod(ctx, o, "abort", func(info *v8.FunctionCallbackInfo) *v8.Value {
		return newAsyncPromise(info.Context(), in.host, func() (func(*v8.Context) (*v8.Value, error), error) {
			_ = ws.Abort()
			return func(ctx *v8.Context) (*v8.Value, error) { return v8.Undefined(ctx.Isolate()), nil }, nil
		})
	}); err != nil {
		return nil, err
	}
	return o.Value, nil
}

// writeCall decodes write()'s one argument — a raw chunk (string/byte
// array) or a WriteParams-shaped object ({type:'seek'|'truncate', ...})
// — and drives the matching WritableStream method.
func (in *Installer) writeCall(info *v8.FunctionCallbackInfo, ws *WritableStream) *v8.Value {
	ctx := info.Context()
	args := info.Args()
	if len(args) == 0 {
		return newAsyncPromise(ctx, in.host, func() (func(*v8.Context) (*v8.Value, error), error) {
			return nil, &FSError{DOMName: api.DOMInvalidStateError, Message: "write: missing argument"}
		})
	}

	params, decodeErr := decodeWriteArg(ctx, args[0])
	return newAsyncPromise(ctx, in.host, func() (func(*v8.Context) (*v8.Value, error), error) {
		if decodeErr != nil {
			return nil, decodeErr
		}
		var err error
		switch params.Type {
		case "seek", "truncate":
			err = ws.WriteParams(context.Background(), params)
		default:
			err = ws.Write(context.Background(), params.Data)
		}
		if err != nil {
			return nil, err
		}
		return func(ctx *v8.Context) (*v8.Value, error) { return v8.Undefined(ctx.Isolate()), nil }, nil
	})
}

func decodeWriteArg(ctx *v8.Context, v *v8.Value) (WriteParams, error) {
	if v.IsString() {
		return WriteParams{Type: "write", Data: []byte(v.String())}, nil
	}
	decoded, err := bridge.DecodeJSON(ctx, v)
	if err != nil {
		return WriteParams{}, err
	}
	switch t := decoded.(type) {
	case []any:
		data := make([]byte, len(t))
		for i, e := range t {
			if f, ok := e.(float64); ok {
				data[i] = byte(int(f))
			}
		}
		return WriteParams{Type: "write", Data: data}, nil
	case map[string]any:
		typ, _ := t["type"].(string)
		p := WriteParams{Type: typ}
		if typ == "" {
			p.Type = "write"
		}
		if pos, ok := t["position"]; ok {
			p.Position = toInt64(pos)
		}
		if size, ok := t["size"]; ok {
			p.Size = toInt64(size)
		}
		if data, ok := t["data"]; ok {
			p.Data = decodeBytesField(data)
		}
		return p, nil
	default:
		return WriteParams{}, &FSError{DOMName: api.DOMInvalidStateError, Message: "write: unsupported argument shape"}
	}
}

func decodeBytesField(v any) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []any:
		out := make([]byte, len(t))
		for i, e := range t {
			if f, ok := e.(float64); ok {
				out[i] = byte(int(f))
			}
		}
		return out
	default:
		return nil
	}
}

// isSameEntryCall implements isSameEntry(other): decodes the other handle's __handleId and compares (mount,
// path) via Registry lookups. No host I/O is needed, so the Promise
// settles immediately.
func (in *Installer) isSameEntryCall(info *v8.FunctionCallbackInfo, h *Handle) *v8.Value {
	ctx := info.Context()
	args := info.Args()
	return resolvedPromise(ctx, func(ctx *v8.Context) (*v8.Value, error) {
		if len(args) == 0 {
			return v8.NewValue(ctx.Isolate(), false)
		}
		obj, err := args[0].AsObject()
		if err != nil {
			return v8.NewValue(ctx.Isolate(), false)
		}
		idVal, err := obj.Get("__handleId")
		if err != nil || !idVal.IsNumber() {
			return v8.NewValue(ctx.Isolate(), false)
		}
		other, ok := in.registry.Get(uint64(idVal.Integer()))
		same := ok && h.SameEntry(other)
		return v8.NewValue(ctx.Isolate(), same)
	})
}
