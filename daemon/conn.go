// File: daemon/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-connection wiring and the op router: one conn owns the ipc.Session
// for a transport connection, its stream multiplexer, its HTTP/WS
// dispatcher, and its guest-fetch bridge, and answers every inbound Req by
// op name. Payloads are msgpack structs from wire/ops.go, validated with
// go-playground/validator before any isolate is touched.

package daemon

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/internal/dispatch"
	"github.com/isod-run/isod/internal/fetchbridge"
	"github.com/isod-run/isod/internal/ipc"
	"github.com/isod-run/isod/internal/streamio"
	"github.com/isod-run/isod/wire"
)

type conn struct {
	id    string
	d     *Daemon
	sess  *ipc.Session
	mux   *streamio.Multiplexer
	disp  *dispatch.Dispatcher
	fetch *fetchbridge.Bridge

	validate *validator.Validate

	mu       sync.Mutex
	runtimes map[string]*runtimeState
}

func newConn(d *Daemon, id string, netConn net.Conn) *conn {
	c := &conn{
		id:       id,
		d:        d,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		runtimes: make(map[string]*runtimeState),
	}
	log := d.log.With().Str("session_id", id).Logger()
	c.sess = ipc.New(netConn, ipc.Config{
		HeartbeatInterval: d.cfg.HeartbeatInterval,
		RequestTimeout:    d.cfg.RequestTimeout,
	}, c, log)
	c.mux = streamio.NewMultiplexer(c.sess)
	c.sess.SetStreamSink(c.mux)
	c.sess.SetEventSink(c)
	c.disp = dispatch.NewDispatcher(c.sess)
	c.fetch = fetchbridge.New(c.sess, c.mux, d.cfg.FetchRequestsPerSecond)
	return c
}

// teardown releases every isolate this session owned: namespaced instances
// are soft-deleted back into the pool, unnamespaced ones hard-disposed.
func (c *conn) teardown() {
	c.mu.Lock()
	runtimes := c.runtimes
	c.runtimes = make(map[string]*runtimeState)
	c.mu.Unlock()

	for id, rt := range runtimes {
		rt.kernel.ClearAllTimers()
		c.disp.DisposeIsolate(id)
		soft := rt.namespaceID != "" && !rt.host.MemoryExceeded()
		if err := c.d.pool.Dispose(id); err != nil {
			c.d.log.Warn().Err(err).Str("isolate_id", id).Msg("daemon: dispose on teardown failed")
		}
		c.d.recordEvent(api.IsolateDisposedEvent{IsolateID: id, NamespaceID: rt.namespaceID, Soft: soft})
	}
	c.d.metrics.Set("isolates_live", c.d.pool.Len())
}

func (c *conn) hasActiveConnections() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.runtimes {
		if c.disp.HasActiveConnections(id) {
			return true
		}
	}
	return false
}

func (c *conn) runtime(isolateID string) (*runtimeState, *api.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.runtimes[isolateID]
	if !ok {
		return nil, api.NewError(api.KindIsolateNotFound, "no such isolate").WithDetail("isolate_id", isolateID)
	}
	return rt, nil
}

// HandleRequest implements ipc.RequestHandler: the daemon side of every
// client->daemon operation.
func (c *conn) HandleRequest(ctx context.Context, op string, payload []byte) ([]byte, *api.Error) {
	switch op {
	case "createRuntime":
		return c.handleCreateRuntime(ctx, payload)
	case "eval":
		return c.handleEval(ctx, payload)
	case "dispose":
		return c.handleDispose(payload)
	case "dispatchRequest":
		return c.handleDispatchRequest(ctx, payload)
	case "getUpgradeRequest":
		return c.handleGetUpgradeRequest(payload)
	case "registerWSConnection":
		return c.handleRegisterWSConnection(payload)
	case "dispatchWS":
		return c.handleDispatchWS(payload)
	case "hasServeHandler":
		return c.handleHasServeHandler(payload)
	case "hasActiveConnections":
		return c.handleHasActiveConnections(payload)
	case "getDirectory":
		return c.handleGetDirectory(payload)
	default:
		return nil, api.NewError(api.KindProtocolError, "unknown op").WithDetail("op", op)
	}
}

// decodeInto unmarshals and validates an op payload in place.
func (c *conn) decodeInto(payload []byte, req any) *api.Error {
	if err := wire.Unmarshal(payload, req); err != nil {
		return api.NewError(api.KindProtocolError, "malformed op payload: "+err.Error())
	}
	if err := c.validate.Struct(req); err != nil {
		return api.NewError(api.KindProtocolError, "invalid op payload: "+err.Error())
	}
	return nil
}

func marshalResp(v any) ([]byte, *api.Error) {
	out, err := wire.Marshal(v)
	if err != nil {
		return nil, api.NewError(api.KindProtocolError, err.Error())
	}
	return out, nil
}

func (c *conn) handleDispose(payload []byte) ([]byte, *api.Error) {
	var req wire.DisposeReq
	if apiErr := c.decodeInto(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	rt, apiErr := c.runtime(req.IsolateID)
	if apiErr != nil {
		return nil, apiErr
	}

	rt.kernel.ClearAllTimers()
	c.disp.DisposeIsolate(req.IsolateID)
	if err := c.d.pool.Dispose(req.IsolateID); err != nil {
		return nil, toAPIError(err)
	}

	c.mu.Lock()
	delete(c.runtimes, req.IsolateID)
	c.mu.Unlock()

	soft := rt.namespaceID != "" && !rt.host.MemoryExceeded()
	c.d.recordEvent(api.IsolateDisposedEvent{IsolateID: req.IsolateID, NamespaceID: rt.namespaceID, Soft: soft})
	c.d.metrics.Set("isolates_live", c.d.pool.Len())
	return marshalResp(struct{}{})
}

func (c *conn) handleGetUpgradeRequest(payload []byte) ([]byte, *api.Error) {
	var req wire.GetUpgradeRequestReq
	if apiErr := c.decodeInto(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	if _, apiErr := c.runtime(req.IsolateID); apiErr != nil {
		return nil, apiErr
	}

	upgrade, data, found := c.disp.GetUpgradeRequest(req.IsolateID)
	resp := wire.GetUpgradeRequestResp{Found: found}
	if found {
		resp.Method = upgrade.Method
		resp.URL = upgrade.URL
		resp.Headers = upgrade.Headers
		if data != nil {
			if raw, err := json.Marshal(data); err == nil {
				resp.Data = raw
			}
		}
	}
	return marshalResp(resp)
}

func (c *conn) handleRegisterWSConnection(payload []byte) ([]byte, *api.Error) {
	var req wire.RegisterWSConnectionReq
	if apiErr := c.decodeInto(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	if _, apiErr := c.runtime(req.IsolateID); apiErr != nil {
		return nil, apiErr
	}
	c.disp.RegisterConnection(req.IsolateID, req.ConnectionID)
	return marshalResp(struct{}{})
}

func (c *conn) handleDispatchWS(payload []byte) ([]byte, *api.Error) {
	var req wire.DispatchWSReq
	if apiErr := c.decodeInto(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	rt, apiErr := c.runtime(req.IsolateID)
	if apiErr != nil {
		return nil, apiErr
	}

	var err error
	switch req.Kind {
	case "open":
		c.disp.RegisterConnection(req.IsolateID, req.ConnectionID)
		c.d.recordEvent(api.WSOpenEvent{ConnectionID: req.ConnectionID})
		err = c.disp.DispatchWSOpen(rt.host, req.ConnectionID)
	case "message":
		err = c.disp.DispatchWSMessage(rt.host, req.ConnectionID, req.Data, req.IsText)
	case "close":
		c.d.recordEvent(api.WSCloseEvent{ConnectionID: req.ConnectionID, Code: req.Code, Reason: req.Reason})
		err = c.disp.DispatchWSClose(rt.host, req.ConnectionID, req.Code, req.Reason)
	case "error":
		err = c.disp.DispatchWSError(rt.host, req.ConnectionID, string(req.Data))
	}
	if err != nil {
		return nil, toAPIError(err)
	}
	return marshalResp(struct{}{})
}

func (c *conn) handleHasServeHandler(payload []byte) ([]byte, *api.Error) {
	var req wire.HasServeHandlerReq
	if apiErr := c.decodeInto(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	return marshalResp(wire.HasServeHandlerResp{Has: c.disp.HasServeHandler(req.IsolateID)})
}

func (c *conn) handleHasActiveConnections(payload []byte) ([]byte, *api.Error) {
	var req wire.HasActiveConnectionsReq
	if apiErr := c.decodeInto(payload, &req); apiErr != nil {
		return nil, apiErr
	}
	return marshalResp(wire.HasActiveConnectionsResp{Has: c.disp.HasActiveConnections(req.IsolateID)})
}

// disposeFatal removes an isolate after an unrecoverable failure, e.g. a
// tripped heap ceiling. The pool hard-removes memory-exceeded instances
// from the namespace index, so a later create with the same namespace
// starts fresh.
func (c *conn) disposeFatal(isolateID string, rt *runtimeState) {
	rt.kernel.ClearAllTimers()
	c.disp.DisposeIsolate(isolateID)
	_ = c.d.pool.Dispose(isolateID)

	c.mu.Lock()
	delete(c.runtimes, isolateID)
	c.mu.Unlock()

	c.d.recordEvent(api.IsolateDisposedEvent{IsolateID: isolateID, NamespaceID: rt.namespaceID, Soft: false})
	c.d.metrics.Set("isolates_live", c.d.pool.Len())
}

// HandleClientEvent implements ipc.EventSink: fire-and-forget WS traffic
// the client chooses to push outside request/response correlation. Same
// routing as the dispatchWS op, minus the reply. Message payloads are
// treated as text when they are valid UTF-8, matching what the WS_CMD
// shape can carry.
func (c *conn) HandleClientEvent(ev wire.ClientEvent) {
	if ev.Kind != "ws" {
		return
	}
	var cmd wire.WSCmd
	if err := wire.Unmarshal(ev.Payload, &cmd); err != nil {
		return
	}
	rt, apiErr := c.runtime(ev.IsolateID)
	if apiErr != nil {
		return
	}
	switch cmd.Kind {
	case "open":
		c.disp.RegisterConnection(ev.IsolateID, cmd.ConnectionID)
		c.d.recordEvent(api.WSOpenEvent{ConnectionID: cmd.ConnectionID})
		_ = c.disp.DispatchWSOpen(rt.host, cmd.ConnectionID)
	case "message":
		_ = c.disp.DispatchWSMessage(rt.host, cmd.ConnectionID, cmd.Data, utf8.Valid(cmd.Data))
	case "close":
		c.d.recordEvent(api.WSCloseEvent{ConnectionID: cmd.ConnectionID, Code: cmd.Code, Reason: cmd.Reason})
		_ = c.disp.DispatchWSClose(rt.host, cmd.ConnectionID, cmd.Code, cmd.Reason)
	case "error":
		_ = c.disp.DispatchWSError(rt.host, cmd.ConnectionID, string(cmd.Data))
	}
}

// toAPIError normalizes any error into the structured *api.Error shape the
// wire carries as RESP_ERR.
func toAPIError(err error) *api.Error {
	if apiErr, ok := err.(*api.Error); ok {
		return apiErr
	}
	return api.NewError(api.KindProtocolError, err.Error())
}
