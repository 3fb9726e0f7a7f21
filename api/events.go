// File: api/events.go
// Package api defines core event types for the isolate daemon.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "context"

// WSOpenEvent is emitted when a WebSocket connection (inbound or
// outbound) reaches the open state.
type WSOpenEvent struct {
	ConnectionID string
	Ctx          context.Context
}

// WSCloseEvent is emitted when a WebSocket connection closes.
type WSCloseEvent struct {
	ConnectionID string
	Code         int
	Reason       string
	Ctx          context.Context
}

// IsolateDisposedEvent is emitted when an isolate transitions to disposed
// (soft-deleted or hard-disposed).
type IsolateDisposedEvent struct {
	IsolateID   string
	NamespaceID string
	Soft        bool
}
