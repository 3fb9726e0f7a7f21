// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations, DTOs, and constants for the isolate
// daemon.

package api

import "time"

// SessionStatus enumerates the lifecycle state of an IPC session.
type SessionStatus int

const (
	SessionUnknown SessionStatus = iota
	SessionConnecting
	SessionActive
	SessionClosing
	SessionClosed
)

func (s SessionStatus) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionActive:
		return "active"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WSReadyState mirrors the guest-visible WebSocket readyState.
type WSReadyState int

const (
	WSConnecting WSReadyState = iota
	WSOpen
	WSClosing
	WSClosed
)

// APIMetrics is the standard layout for admin-surface health reporting.
type APIMetrics struct {
	NumSessions     int
	NumIsolates     int
	NumPooled       int
	InboundTraffic  uint64
	OutboundTraffic uint64
	StartedAt       time.Time
}

// ServiceInfo exposes descriptive build/runtime info to the admin surface.
type ServiceInfo struct {
	Name      string
	Version   string
	Build     string
	StartedAt time.Time
}

// CallbackKind enumerates how a client-registered callback must be invoked
// and awaited from the guest.
type CallbackKind int

const (
	CallbackSync CallbackKind = iota
	CallbackAsync
	CallbackAsyncIterator
)

func (k CallbackKind) String() string {
	switch k {
	case CallbackSync:
		return "sync"
	case CallbackAsync:
		return "async"
	case CallbackAsyncIterator:
		return "async-iterator"
	default:
		return "unknown"
	}
}

// DaemonLocalIDThreshold is the boundary separating
// client-callback ids (< threshold) from daemon-local returned-callable ids
// (>= threshold): functions/promises/iterators a host callback itself
// returns into the guest, resolved without another IPC round trip.
const DaemonLocalIDThreshold uint64 = 1 << 30
