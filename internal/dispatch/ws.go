// File: internal/dispatch/ws.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Inbound WebSocket dispatch: open -> message* -> close reach the guest in
// the order DispatchWS* is called, since every call is submitted to the
// isolate's single FIFO worker. There is no per-connection queue; calls
// made concurrently for one connectionId are not ordered.

package dispatch

import (
	"sync"

	v8 "rogchap.com/v8go"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/internal/bridge"
	"github.com/isod-run/isod/internal/isolate"
)

// wsConnection tracks one inbound connection's guest-visible ready state.
// Callers MUST invoke DispatchWS* for a given connectionId from a single
// goroutine; the session's read-demux loop already serializes inbound
// traffic per connection. The mutex here only protects the state field,
// not ordering across calls.
type wsConnection struct {
	isolateID string
	mu        sync.Mutex
	state     api.WSReadyState
}

// RegisterConnection records a new inbound WS connection under isolateID,
// called when the client reports a successful upgrade.
func (d *Dispatcher) RegisterConnection(isolateID, connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[connectionID] = &wsConnection{isolateID: isolateID, state: api.WSOpen}
	set, ok := d.connsByIso[isolateID]
	if !ok {
		set = make(map[string]bool)
		d.connsByIso[isolateID] = set
	}
	set[connectionID] = true
}

// ReadyState reports the guest-visible ready state for a connection;
// unknown ids read as closed.
func (d *Dispatcher) ReadyState(connectionID string) api.WSReadyState {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[connectionID]
	if !ok {
		return api.WSClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (d *Dispatcher) connection(connectionID string) *wsConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[connectionID]
}

func (d *Dispatcher) forgetConnection(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[connectionID]
	if !ok {
		return
	}
	delete(d.conns, connectionID)
	if set, ok := d.connsByIso[c.isolateID]; ok {
		delete(set, connectionID)
	}
}

// socketProxy builds the ServerWebSocket guest-visible proxy:
// send/close emit WS_CMD ISOLATE_EVENTs the session forwards to the client
// driving the real socket.
func (d *Dispatcher) socketProxy(ctx *v8.Context, isolateID, connectionID string) *v8.Value {
	iso := ctx.Isolate()
	obj := v8.NewObjectTemplate(iso)

	sendFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		var data []byte
		if len(args) > 0 {
			if args[0].IsString() {
				data = []byte(args[0].String())
			} else if decoded, err := bridge.DecodeJSON(ctx, args[0]); err == nil {
				if arr, ok := decoded.([]any); ok {
					data = make([]byte, len(arr))
					for i, e := range arr {
						if f, ok := e.(float64); ok {
							data[i] = byte(int(f))
						}
					}
				}
			}
		}
		d.emitWSCmd(isolateID, connectionID, "send", data, 0, "")
		return nil
	})
	closeFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		code := 1000
		reason := ""
		if len(args) > 0 && args[0].IsNumber() {
			code = int(args[0].Integer())
		}
		if len(args) > 1 && args[1].IsString() {
			reason = args[1].String()
		}
		if c := d.connection(connectionID); c != nil {
			c.mu.Lock()
			c.state = api.WSClosing
			c.mu.Unlock()
		}
		d.emitWSCmd(isolateID, connectionID, "close", nil, code, reason)
		d.forgetConnection(connectionID)
		return nil
	})

	_ = obj.Set("send", sendFn)
	_ = obj.Set("close", closeFn)
	inst, err := obj.NewInstance(ctx)
	if err != nil {
		return v8.Undefined(iso)
	}
	_ = inst.Set("readyState", int32(d.ReadyState(connectionID)))
	return inst.Value
}

func (d *Dispatcher) emitWSCmd(isolateID, connectionID, kind string, data []byte, code int, reason string) {
	if d.events == nil {
		return
	}
	payload, err := wireMarshalWSCmd(connectionID, kind, data, code, reason)
	if err != nil {
		return
	}
	_ = d.events.SendEvent(isolateID, "ws", payload)
}

// DispatchWSOpen routes an inbound upgrade completion to
// websocket.open(ws).
func (d *Dispatcher) DispatchWSOpen(host *isolate.Host, connectionID string) error {
	reg := d.registrationFor(host.ID)
	if reg.WSOpen == nil {
		return nil
	}
	conn := d.connection(connectionID)
	if conn == nil {
		return api.NewError(api.KindProtocolError, "dispatch: unknown connection")
	}
	return host.Submit(func() {
		proxy := d.socketProxy(host.Context(), host.ID, connectionID)
		_, _ = reg.WSOpen.Call(v8.Undefined(host.Context().Isolate()), proxy)
	})
}

// DispatchWSMessage routes one inbound frame to websocket.message(ws,
// data). Ordering relative to DispatchWSOpen/Close for the same
// connectionID is the caller's responsibility (see type doc comment).
func (d *Dispatcher) DispatchWSMessage(host *isolate.Host, connectionID string, data []byte, isText bool) error {
	reg := d.registrationFor(host.ID)
	if reg.WSMessage == nil {
		return nil
	}
	conn := d.connection(connectionID)
	if conn == nil {
		return api.NewError(api.KindProtocolError, "dispatch: unknown connection")
	}
	return host.Submit(func() {
		ctx := host.Context()
		proxy := d.socketProxy(ctx, host.ID, connectionID)
		var payload *v8.Value
		if isText {
			payload, _ = v8.NewValue(ctx.Isolate(), string(data))
		} else {
			payload, _ = bridge.EncodeJSON(ctx, bytesToJSArray(data))
		}
		_, _ = reg.WSMessage.Call(v8.Undefined(ctx.Isolate()), proxy, payload)
	})
}

// DispatchWSClose routes connection teardown to websocket.close(ws, code,
// reason) and removes the connection from the active registry.
func (d *Dispatcher) DispatchWSClose(host *isolate.Host, connectionID string, code int, reason string) error {
	reg := d.registrationFor(host.ID)
	defer d.forgetConnection(connectionID)
	if reg.WSClose == nil {
		return nil
	}
	return host.Submit(func() {
		ctx := host.Context()
		proxy := d.socketProxy(ctx, host.ID, connectionID)
		codeVal, _ := v8.NewValue(ctx.Isolate(), int32(code))
		reasonVal, _ := v8.NewValue(ctx.Isolate(), reason)
		_, _ = reg.WSClose.Call(v8.Undefined(ctx.Isolate()), proxy, codeVal, reasonVal)
	})
}

// DispatchWSError routes a transport-level socket error to
// websocket.error(ws, err).
func (d *Dispatcher) DispatchWSError(host *isolate.Host, connectionID string, message string) error {
	reg := d.registrationFor(host.ID)
	if reg.WSError == nil {
		return nil
	}
	return host.Submit(func() {
		ctx := host.Context()
		proxy := d.socketProxy(ctx, host.ID, connectionID)
		errVal, _ := v8.NewValue(ctx.Isolate(), message)
		_, _ = reg.WSError.Call(v8.Undefined(ctx.Isolate()), proxy, errVal)
	})
}
