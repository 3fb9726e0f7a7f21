// File: wire/message.go
// Package wire — message catalogue.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package wire

import "github.com/vmihailenco/msgpack/v5"

// MessageType is the closed set of frame body tags.
type MessageType uint8

const (
	TypeReq MessageType = iota + 1
	TypeRespOK
	TypeRespErr
	TypeCBInvoke
	TypeCBResponse
	TypeRespStreamStart
	TypeRespStreamChunk
	TypeRespStreamEnd
	TypeStreamPush
	TypeStreamPull
	TypeStreamClose
	TypeStreamError
	TypeCBStreamStart
	TypeCBStreamChunk
	TypeCBStreamEnd
	TypeCBStreamCancel
	TypeWSCmd
	TypeClientEvent
	TypeIsolateEvent
	TypePing
	TypePong
)

// Req is a generic host->client or client->host request envelope. Op
// identifies the operation (e.g. "createRuntime", "dispatchRequest",
// "getDirectory"); Payload is operation-specific and msgpack-encoded
// separately so handlers can defer decoding until Op is known.
type Req struct {
	ID      uint32
	Op      string
	Payload msgpack.RawMessage
}

// RespOK carries a successful reply correlated by ID.
type RespOK struct {
	ID      uint32
	Payload msgpack.RawMessage
}

// WireError is the RESP_ERR payload shape.
type WireError struct {
	Code    string // stable Kind name, e.g. "IsolateNotFound"
	Message string
	Name    string // guest Error.name, populated for ScriptError
	Stack   string
	Details map[string]any
}

// RespErr carries a failed reply correlated by ID.
type RespErr struct {
	ID    uint32
	Error WireError
}

// CBInvoke asks the client to run a registered callback.
type CBInvoke struct {
	ID         uint32
	IsolateID  string
	CallbackID uint64
	Args       []Value
}

// CBResponse is the client's reply to a CBInvoke.
type CBResponse struct {
	ID    uint32
	Value *Value
	Error *WireError
}

// RespStreamStart/Chunk/End announce a streamed response body.
type RespStreamStart struct {
	ID       uint32
	StreamID uint32
	Meta     map[string]any
}

type RespStreamChunk struct {
	StreamID uint32
	Data     []byte
}

type RespStreamEnd struct {
	StreamID uint32
	Err      *string // non-nil selects RESP_STREAM_ERROR semantics
}

// StreamPush/Pull/Close/Error implement the generic credit-based stream
// primitives shared by upload/download/callback-response bodies.
type StreamPush struct {
	StreamID uint32
	Data     []byte
}

type StreamPull struct {
	StreamID uint32
	MaxBytes uint32
}

type StreamClose struct {
	StreamID uint32
}

type StreamError struct {
	StreamID uint32
	Text     string
}

// CBStreamStart/Chunk/End/Cancel implement the streamed guest-fetch reply
// mode.
type CBStreamStart struct {
	ID       uint32
	StreamID uint32
	Meta     map[string]any
}

type CBStreamChunk struct {
	StreamID uint32
	Data     []byte
}

type CBStreamEnd struct {
	StreamID uint32
	Err      *string
}

type CBStreamCancel struct {
	StreamID uint32
}

// WSCmd carries a ServerWebSocket.{send,close} command or inbound WS event
// as an ISOLATE_EVENT/CLIENT_EVENT payload shape.
type WSCmd struct {
	ConnectionID string
	Kind         string // "send" | "close" | "open" | "message" | "error"
	Data         []byte
	Code         int
	Reason       string
}

// ClientEvent is a fire-and-forget client->daemon notification (e.g. an
// inbound WS frame, or an upload-stream control message routed outside the
// request/response correlation table).
type ClientEvent struct {
	IsolateID string
	Kind      string
	Payload   msgpack.RawMessage
}

// IsolateEvent is a fire-and-forget daemon->client notification.
type IsolateEvent struct {
	IsolateID string
	Event     string
	Payload   msgpack.RawMessage
}

// Ping/Pong carry a nonce for RTT bookkeeping.
type Ping struct{ Nonce uint64 }
type Pong struct{ Nonce uint64 }

// Known reports whether t is a member of the closed message-type set. The
// decoder preserves framing for unknown tags (the declared length is
// still consumed), so receivers decide how the offending frame fails.
func (t MessageType) Known() bool { return t >= TypeReq && t <= TypePong }

// Marshal/Unmarshal wrap msgpack for frame body encoding.
func Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
