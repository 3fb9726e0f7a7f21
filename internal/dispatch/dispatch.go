// File: internal/dispatch/dispatch.go
// Package dispatch implements the HTTP/WS dispatcher: routing an
// already-framed wire-level request into the guest's single
// `serve({fetch,websocket})` handler, streaming bodies through
// internal/streamio in both
// directions, and keeping WS connection ordering strict.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The daemon never terminates a raw HTTP/WS socket itself; a client-side
// transport does that and hands the daemon already-parsed method/url/
// headers/body plus, for WebSocket traffic, a connectionId it owns; the
// client-side socket library is an external collaborator.
// This package's job starts at "guest Request/Response pair" and stops at
// handing bytes to/from internal/streamio.
//
// v8go embeds plain V8 with no WHATWG Streams implementation, so a guest
// Request/Response body crosses this boundary as a plain object exposing
// async read()/cancel() methods backed by daemon callbacks rather than a
// literal global ReadableStream constructor. The wire-visible behavior
// (STREAM_PUSH/PULL/CLOSE/ERROR with credit) is unaffected; only
// the in-isolate JS shape guest code sees is simplified.

package dispatch

import (
	"sync"

	v8 "rogchap.com/v8go"

	"github.com/isod-run/isod/internal/isolate"
)

// EventSender is the subset of ipc.Session the dispatcher needs to forward
// guest-originated WS_CMD traffic back out.
type EventSender interface {
	SendEvent(isolateID, event string, payload []byte) error
}

// Registration captures the single `serve({fetch, websocket})` call a
// guest module is expected to make at most once per isolate.
type Registration struct {
	Fetch     *v8.Function
	WSOpen    *v8.Function
	WSMessage *v8.Function
	WSClose   *v8.Function
	WSError   *v8.Function
}

// HasHandlers reports whether a fetch handler was ever registered.
func (r *Registration) HasHandlers() bool { return r != nil && r.Fetch != nil }

// upgradeSlot is the per-isolate "last request whose handler called
// server.upgrade(...)" value.
type upgradeSlot struct {
	req  *RequestPayload
	data any
}

// Dispatcher owns per-isolate serve registrations and WS connection state.
// One Dispatcher instance is shared by every isolate on a session.
type Dispatcher struct {
	events EventSender

	mu            sync.Mutex
	registrations map[string]*Registration    // isolateID -> registration
	upgrades      map[string]*upgradeSlot     // isolateID -> last upgrade
	conns         map[string]*wsConnection    // connectionID -> state
	connsByIso    map[string]map[string]bool  // isolateID -> set of connectionID
}

// NewDispatcher constructs a Dispatcher that forwards WS_CMD traffic
// through events.
func NewDispatcher(events EventSender) *Dispatcher {
	return &Dispatcher{
		events:        events,
		registrations: make(map[string]*Registration),
		upgrades:      make(map[string]*upgradeSlot),
		conns:         make(map[string]*wsConnection),
		connsByIso:    make(map[string]map[string]bool),
	}
}

// registrationFor returns (creating if absent) the Registration for an
// isolate. Only ever mutated from that isolate's own OS thread.
func (d *Dispatcher) registrationFor(isolateID string) *Registration {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.registrations[isolateID]
	if !ok {
		r = &Registration{}
		d.registrations[isolateID] = r
	}
	return r
}

// ServeRegistration exposes an isolate's Registration (creating it if
// absent) so the daemon's op router can hand it to DispatchRequest.
func (d *Dispatcher) ServeRegistration(isolateID string) *Registration {
	return d.registrationFor(isolateID)
}

// HasServeHandler implements the has_serve_handler() query.
func (d *Dispatcher) HasServeHandler(isolateID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.registrations[isolateID]
	return ok && r.HasHandlers()
}

// HasActiveConnections implements the has_active_connections() query, used
// by clients for graceful-drain logic.
func (d *Dispatcher) HasActiveConnections(isolateID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.connsByIso[isolateID]
	return ok && len(set) > 0
}

// DisposeIsolate drops every registration and connection tied to an
// isolate (called from the daemon's dispose and session-teardown paths).
func (d *Dispatcher) DisposeIsolate(isolateID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.registrations, isolateID)
	delete(d.upgrades, isolateID)
	for connID := range d.connsByIso[isolateID] {
		delete(d.conns, connID)
	}
	delete(d.connsByIso, isolateID)
}

// InstallServe wires the `serve` global and the `server` helper
// (`server.upgrade(req, {data})`) into a fresh context. Must
// run on the isolate's own thread since it touches V8 templates — call it
// from within bridge.Kernel.ResolveOnIsolateThread/Host.Submit.
func (d *Dispatcher) InstallServe(ctx *v8.Context, host *isolate.Host) error {
	iso := ctx.Isolate()
	isolateID := host.ID
	reg := d.registrationFor(isolateID)

	serveFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) == 0 {
			return nil
		}
		handlers, err := args[0].AsObject()
		if err != nil {
			return nil
		}
		if fv, err := handlers.Get("fetch"); err == nil && fv.IsFunction() {
			if fn, err := fv.AsFunction(); err == nil {
				reg.Fetch = fn
			}
		}
		if wsv, err := handlers.Get("websocket"); err == nil {
			if wsObj, err := wsv.AsObject(); err == nil {
				assignIfFunction(wsObj, "open", &reg.WSOpen)
				assignIfFunction(wsObj, "message", &reg.WSMessage)
				assignIfFunction(wsObj, "close", &reg.WSClose)
				assignIfFunction(wsObj, "error", &reg.WSError)
			}
		}
		return nil
	})
	fn := serveFn.GetFunction(ctx)
	if err := ctx.Global().Set("serve", fn); err != nil {
		return err
	}

	return d.installServerHelper(ctx, isolateID)
}

func assignIfFunction(obj *v8.Object, name string, dst **v8.Function) {
	v, err := obj.Get(name)
	if err != nil || !v.IsFunction() {
		return
	}
	fn, err := v.AsFunction()
	if err != nil {
		return
	}
	*dst = fn
}

func (d *Dispatcher) installServerHelper(ctx *v8.Context, isolateID string) error {
	iso := ctx.Isolate()
	obj := v8.NewObjectTemplate(iso)
	upgradeFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		ok := d.handleUpgradeCall(info, isolateID)
		v, _ := v8.NewValue(iso, ok)
		return v
	})
	if err := obj.Set("upgrade", upgradeFn); err != nil {
		return err
	}
	inst, err := obj.NewInstance(ctx)
	if err != nil {
		return err
	}
	return ctx.Global().Set("server", inst)
}

// handleUpgradeCall implements the body of server.upgrade(req, {data}):
// it records the request and typed
// data only if it carries the required WS handshake headers, returning
// whether it did.
func (d *Dispatcher) handleUpgradeCall(info *v8.FunctionCallbackInfo, isolateID string) bool {
	args := info.Args()
	if len(args) == 0 {
		return false
	}
	reqObj, err := args[0].AsObject()
	if err != nil {
		return false
	}
	req, err := decodeGuestRequest(info.Context(), reqObj)
	if err != nil {
		return false
	}
	if !hasWebSocketHandshakeHeaders(req.Headers) {
		return false
	}

	var data any
	if len(args) > 1 {
		if opts, err := args[1].AsObject(); err == nil {
			if dv, err := opts.Get("data"); err == nil {
				data, _ = decodeGuestJSON(info.Context(), dv)
			}
		}
	}

	d.mu.Lock()
	d.upgrades[isolateID] = &upgradeSlot{req: req, data: data}
	d.mu.Unlock()
	return true
}

// GetUpgradeRequest returns the last request upgraded via server.upgrade.
func (d *Dispatcher) GetUpgradeRequest(isolateID string) (*RequestPayload, any, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	slot, ok := d.upgrades[isolateID]
	if !ok {
		return nil, nil, false
	}
	return slot.req, slot.data, true
}

func hasWebSocketHandshakeHeaders(headers map[string][]string) bool {
	upgrade := firstHeader(headers, "Upgrade")
	connection := firstHeader(headers, "Connection")
	key := firstHeader(headers, "Sec-WebSocket-Key")
	return equalFoldContains(upgrade, "websocket") && equalFoldContains(connection, "upgrade") && key != ""
}
