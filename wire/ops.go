// File: wire/ops.go
// Package wire — request/response payload shapes for the operations the
// daemon serves over ipc.RequestHandler.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package wire

// CallbackRegistration names one client-registered callback slot.
type CallbackRegistration struct {
	CallbackID uint64
	Kind       uint8 // mirrors api.CallbackKind
}

// FSCallbacks is the create-runtime payload's optional `fs` callback set.
type FSCallbacks struct {
	ReadFile  *CallbackRegistration
	WriteFile *CallbackRegistration
	Unlink    *CallbackRegistration
	Readdir   *CallbackRegistration
	Mkdir     *CallbackRegistration
	Rmdir     *CallbackRegistration
	Stat      *CallbackRegistration
	Rename    *CallbackRegistration
}

// CreateRuntimeCallbacks is the create-runtime payload's `callbacks`
// field: every slot is optional, present only if the client registered a
// handler for it.
type CreateRuntimeCallbacks struct {
	Console         *CallbackRegistration
	Fetch           *CallbackRegistration
	FS              *FSCallbacks
	ModuleLoader    *CallbackRegistration
	Custom          map[string]CallbackRegistration
	Playwright      *CallbackRegistration
	TestEnvironment *CallbackRegistration
}

// CreateRuntimeReq is the wire-level `createRuntime` op payload.
type CreateRuntimeReq struct {
	MemoryLimitMB int    `validate:"min=0,max=16384"`
	Cwd           string
	NamespaceID   string `validate:"max=256"`
	Callbacks     CreateRuntimeCallbacks
}

// CreateRuntimeResp is the `createRuntime` op reply.
type CreateRuntimeResp struct {
	IsolateID string
	Reused    bool
}

// EvalReq is the wire-level `eval` op payload.
type EvalReq struct {
	IsolateID string `validate:"required"`
	Code      string `validate:"required"`
	Filename  string
}

// EvalResp is the `eval` op reply; Result is the JSON-bridged value of the
// evaluated module's completion value, if any.
type EvalResp struct {
	Result []byte // JSON, empty if undefined
}

// DisposeReq is the wire-level `dispose` op payload.
type DisposeReq struct {
	IsolateID string `validate:"required"`
}

// DispatchRequestReq is the wire-level `dispatchRequest` op payload: a
// fully-parsed HTTP request handed down by the client-side transport.
type DispatchRequestReq struct {
	IsolateID    string `validate:"required"`
	Method       string `validate:"required"`
	URL          string `validate:"required"`
	Headers      map[string][]string
	Body         []byte
	BodyStreamID uint32
}

// DispatchRequestResp is the `dispatchRequest` op reply: inline
// status/statusText/headers/body, or a BodyStreamID when the guest
// Response carried a non-null body.
type DispatchRequestResp struct {
	Status       int
	StatusText   string
	Headers      map[string][]string
	Body         []byte
	BodyStreamID uint32
}

// GetUpgradeRequestReq/Resp implement get_upgrade_request().
type GetUpgradeRequestReq struct {
	IsolateID string `validate:"required"`
}

type GetUpgradeRequestResp struct {
	Found   bool
	Method  string
	URL     string
	Headers map[string][]string
	Data    []byte // JSON-encoded typed data passed to server.upgrade
}

// RegisterWSConnectionReq records a successful inbound upgrade.
type RegisterWSConnectionReq struct {
	IsolateID    string `validate:"required"`
	ConnectionID string `validate:"required"`
}

// DispatchWSReq carries one inbound WS lifecycle event to
// dispatch_ws_{open,message,close,error}.
type DispatchWSReq struct {
	IsolateID    string `validate:"required"`
	ConnectionID string `validate:"required"`
	Kind         string `validate:"oneof=open message close error"`
	Data         []byte
	IsText       bool
	Code         int
	Reason       string
}

// HasServeHandlerReq/Resp and HasActiveConnectionsReq/Resp implement the
// pure observability queries clients use for graceful-drain logic.
type HasServeHandlerReq struct {
	IsolateID string `validate:"required"`
}
type HasServeHandlerResp struct{ Has bool }

type HasActiveConnectionsReq struct {
	IsolateID string `validate:"required"`
}
type HasActiveConnectionsResp struct{ Has bool }

// GetDirectoryReq/Resp implement getDirectory(path): the daemon
// returns a stable handle id rooted at the requested mount.
type GetDirectoryReq struct {
	IsolateID string `validate:"required"`
	Mount     string `validate:"required"`
}

type GetDirectoryResp struct {
	HandleID uint64
}

// CallbackResult is the outcome of a client-callback invocation that may
// resolve either via a literal CB_RESPONSE (buffered) or via CB_STREAM_START
// sharing the same request id (streamed). Declared in wire,
// rather than internal/ipc or internal/fetchbridge, so both sides can name
// it without creating an import cycle between them (mirrors
// internal/bridge.Kernel's ClientInvoker seam).
type CallbackResult struct {
	Value    *Value
	Streamed bool
	Meta     map[string]any
	Err      error
}
