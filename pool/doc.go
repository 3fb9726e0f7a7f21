// File: pool/doc.go
// Package pool
// Author: momentics <momentics@gmail.com>
//
// Reusable allocation primitives for the isolate daemon: a size-classed
// byte pool backing IPC read buffers, and a generic object pool over
// sync.Pool backing per-session channel reuse. All methods are
// thread-safe.
package pool
