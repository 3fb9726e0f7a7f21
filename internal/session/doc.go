// File: internal/session/doc.go
// Package session
// Author: momentics <momentics@gmail.com>
//
// Sharded session and context bookkeeping for the isolate daemon. Provides
// thread-safe context storage with explicit cancellation, TTLs, and
// key/value propagation, keyed by IPC session id.
package session
