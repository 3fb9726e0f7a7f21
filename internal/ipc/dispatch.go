// File: internal/ipc/dispatch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Read-demux: routes each inbound frame by MessageType to the correlation
// tables, the RequestHandler, the EventSink, or the StreamSink.

package ipc

import (
	"context"
	"time"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/wire"
)

func (s *Session) dispatch(f wire.RawFrame) {
	switch f.Type {
	case wire.TypeReq:
		s.handleInboundReq(f.Body)

	case wire.TypeRespOK:
		var m wire.RespOK
		if err := wire.Unmarshal(f.Body, &m); err != nil {
			return
		}
		s.reqTable.resolve(m.ID, pendingResult{payload: m.Payload})

	case wire.TypeRespErr:
		var m wire.RespErr
		if err := wire.Unmarshal(f.Body, &m); err != nil {
			return
		}
		s.reqTable.resolve(m.ID, pendingResult{err: wireErrToAPI(m.Error)})

	case wire.TypeCBResponse:
		var m wire.CBResponse
		if err := wire.Unmarshal(f.Body, &m); err != nil {
			return
		}
		res := pendingResult{}
		if m.Error != nil {
			res.err = wireErrToAPI(*m.Error)
		} else if m.Value != nil {
			payload, _ := wire.Marshal(*m.Value)
			res.payload = payload
		}
		s.cbTable.resolve(m.ID, res)

	case wire.TypePong:
		s.lastPongAt.Store(time.Now().UnixNano())

	case wire.TypePing:
		var m wire.Ping
		if err := wire.Unmarshal(f.Body, &m); err == nil {
			s.sendAsync(wire.TypePong, wire.Pong{Nonce: m.Nonce})
		}

	case wire.TypeClientEvent:
		if s.events == nil {
			return
		}
		var m wire.ClientEvent
		if err := wire.Unmarshal(f.Body, &m); err != nil {
			return
		}
		s.events.HandleClientEvent(m)

	case wire.TypeCBStreamStart:
		// A streamed guest-fetch reply shares its request id with the
		// original CB_INVOKE: resolve the pending
		// InvokeClientCallbackStreamable wait here, in addition to the
		// normal stream-sink routing that registers the body receiver.
		var m wire.CBStreamStart
		if err := wire.Unmarshal(f.Body, &m); err == nil {
			s.cbTable.resolve(m.ID, pendingResult{streamed: true, meta: m.Meta})
		}
		if s.stream != nil {
			s.stream.HandleStreamFrame(f.Type, f.Body)
		}

	case wire.TypeStreamPush, wire.TypeStreamPull, wire.TypeStreamClose, wire.TypeStreamError,
		wire.TypeRespStreamStart, wire.TypeRespStreamChunk, wire.TypeRespStreamEnd,
		wire.TypeCBStreamChunk, wire.TypeCBStreamEnd, wire.TypeCBStreamCancel:
		if s.stream != nil {
			s.stream.HandleStreamFrame(f.Type, f.Body)
		}

	default:
		if !f.Type.Known() {
			apiErr := api.NewError(api.KindUnknownMessageType, "unrecognized message type").
				WithDetail("type", uint8(f.Type))
			s.unknownFrames.Add(1)
			s.log.Warn().Err(apiErr).Uint8("type", uint8(f.Type)).Msg("ipc: dropping frame")
			return
		}
		s.log.Warn().Uint8("type", uint8(f.Type)).Msg("ipc: message type not valid for this direction")
	}
}

func (s *Session) handleInboundReq(body []byte) {
	var req wire.Req
	if err := wire.Unmarshal(body, &req); err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		respPayload, apiErr := s.handle.HandleRequest(ctx, req.Op, req.Payload)
		if apiErr != nil {
			s.sendAsync(wire.TypeRespErr, wire.RespErr{ID: req.ID, Error: apiToWireErr(apiErr)})
			return
		}
		s.sendAsync(wire.TypeRespOK, wire.RespOK{ID: req.ID, Payload: respPayload})
	}()
}

// Request sends op to the peer and blocks for a correlated RespOK/RespErr,
// or until ctx is cancelled or the session closes.
func (s *Session) Request(ctx context.Context, op string, payload []byte) ([]byte, error) {
	if s.Closed() {
		return nil, api.ErrConnectionClosed
	}
	id, ch := s.reqTable.register()
	body, err := wire.Marshal(wire.Req{ID: id, Op: op, Payload: payload})
	if err != nil {
		s.reqTable.cancel(id)
		return nil, api.NewError(api.KindProtocolError, err.Error())
	}
	if err := s.send(wire.EncodeFrame(wire.TypeReq, body)); err != nil {
		s.reqTable.cancel(id)
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-ctx.Done():
		s.reqTable.cancel(id)
		return nil, api.ErrRequestTimeout
	case <-s.closeCh:
		return nil, api.ErrConnectionClosed
	}
}

// InvokeClientCallback asks the client to run callbackID on isolateID with
// args, blocking for its CBResponse.
func (s *Session) InvokeClientCallback(ctx context.Context, isolateID string, callbackID uint64, args []wire.Value) (*wire.Value, error) {
	if s.Closed() {
		return nil, api.ErrConnectionClosed
	}
	id, ch := s.cbTable.register()
	body, err := wire.Marshal(wire.CBInvoke{ID: id, IsolateID: isolateID, CallbackID: callbackID, Args: args})
	if err != nil {
		s.cbTable.cancel(id)
		return nil, api.NewError(api.KindProtocolError, err.Error())
	}
	if err := s.send(wire.EncodeFrame(wire.TypeCBInvoke, body)); err != nil {
		s.cbTable.cancel(id)
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		var v wire.Value
		if len(res.payload) > 0 {
			if err := wire.Unmarshal(res.payload, &v); err != nil {
				return nil, api.NewError(api.KindProtocolError, err.Error())
			}
		}
		return &v, nil
	case <-ctx.Done():
		s.cbTable.cancel(id)
		return nil, api.ErrRequestTimeout
	case <-s.closeCh:
		return nil, api.ErrConnectionClosed
	}
}

// InvokeClientCallbackStreamable is like InvokeClientCallback, but its
// result may resolve either from a literal CBResponse (buffered mode) or
// from a CB_STREAM_START sharing the same request id (streamed mode).
// The returned id is exposed so the caller (internal/fetchbridge)
// can correlate the CB_STREAM_START it also observes via the session's
// stream multiplexer to the body that arrived with this very call.
func (s *Session) InvokeClientCallbackStreamable(ctx context.Context, isolateID string, callbackID uint64, args []wire.Value) (uint32, *wire.CallbackResult, error) {
	if s.Closed() {
		return 0, nil, api.ErrConnectionClosed
	}
	id, ch := s.cbTable.register()
	body, err := wire.Marshal(wire.CBInvoke{ID: id, IsolateID: isolateID, CallbackID: callbackID, Args: args})
	if err != nil {
		s.cbTable.cancel(id)
		return 0, nil, api.NewError(api.KindProtocolError, err.Error())
	}
	if err := s.send(wire.EncodeFrame(wire.TypeCBInvoke, body)); err != nil {
		s.cbTable.cancel(id)
		return 0, nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return id, nil, res.err
		}
		if res.streamed {
			return id, &wire.CallbackResult{Streamed: true, Meta: res.meta}, nil
		}
		var v wire.Value
		if len(res.payload) > 0 {
			if err := wire.Unmarshal(res.payload, &v); err != nil {
				return id, nil, api.NewError(api.KindProtocolError, err.Error())
			}
		}
		return id, &wire.CallbackResult{Value: &v}, nil
	case <-ctx.Done():
		s.cbTable.cancel(id)
		return id, nil, api.ErrRequestTimeout
	case <-s.closeCh:
		return id, nil, api.ErrConnectionClosed
	}
}

// SendEvent fires an IsolateEvent notification with no reply expected.
func (s *Session) SendEvent(isolateID, event string, payload []byte) error {
	return s.sendAsync(wire.TypeIsolateEvent, wire.IsolateEvent{IsolateID: isolateID, Event: event, Payload: payload})
}

// SendStreamFrame writes a pre-built stream-protocol message.
func (s *Session) SendStreamFrame(typ wire.MessageType, v any) error {
	return s.sendAsync(typ, v)
}

func (s *Session) sendAsync(typ wire.MessageType, v any) error {
	body, err := wire.Marshal(v)
	if err != nil {
		return api.NewError(api.KindProtocolError, err.Error())
	}
	return s.send(wire.EncodeFrame(typ, body))
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	grace := 3 * s.cfg.HeartbeatInterval
	var nonce uint64
	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, s.lastPongAt.Load())
			if time.Since(last) > grace {
				s.log.Warn().Dur("grace", grace).Msg("ipc: heartbeat grace exceeded, closing session")
				_ = s.Close()
				return
			}
			if err := s.heartbeatLimiter.Wait(context.Background()); err != nil {
				continue
			}
			nonce++
			_ = s.sendAsync(wire.TypePing, wire.Ping{Nonce: nonce})
		case <-s.closeCh:
			return
		}
	}
}

func wireErrToAPI(e wire.WireError) *api.Error {
	kind := api.KindUnknown
	for k := api.KindUnknown; k <= api.KindUnknownMessageType; k++ {
		if k.String() == e.Code {
			kind = k
			break
		}
	}
	return &api.Error{Kind: kind, Name: e.Name, Message: e.Message, Stack: e.Stack, Details: e.Details}
}

func apiToWireErr(e *api.Error) wire.WireError {
	return wire.WireError{Code: e.Kind.String(), Message: e.Message, Name: e.Name, Stack: e.Stack, Details: e.Details}
}
