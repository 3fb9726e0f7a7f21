// File: internal/bridge/kernel.go
// Package bridge implements the bridge kernel: the code path from
// a guest-visible API to a host effect and back. For every injected global
// it exposes a thin polyfill whose methods call into a registered host
// callback; the kernel enforces three rules (async boundary,
// back-references, cancellation) so the isolate thread never
// blocks on host I/O.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package bridge

import (
	"context"
	"sync"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/internal/isolate"
	"github.com/isod-run/isod/wire"
)

// ClientInvoker is the subset of ipc.Session the kernel needs to reach the
// owning client. Kept as a narrow
// interface so this package never imports internal/ipc, which in turn
// avoids an import cycle through internal/dispatch and internal/fetchbridge.
type ClientInvoker interface {
	InvokeClientCallback(ctx context.Context, isolateID string, callbackID uint64, args []wire.Value) (*wire.Value, error)
}

// ConsoleSink receives guest console.{log,info,warn,error,debug} calls
//, routed to whatever the owning session wants to do
// with them (forward as a CLIENT_EVENT, write to the daemon log, or both).
type ConsoleSink interface {
	Console(level, message string)
}

// Kernel is the per-isolate bridge instance: it owns the async-resolution
// plumbing (rule 1), the daemon-local back-reference dispatch (rule 2),
// and timer bookkeeping cleared alongside the rest of an isolate's
// ephemeral state on soft-delete.
type Kernel struct {
	host      *isolate.Host
	invoker   ClientInvoker
	isolateID string
	console   ConsoleSink

	mu          sync.Mutex
	timers      map[uint64]*timerEntry
	nextTimerID uint64
}

// NewKernel constructs a Kernel bound to one Host and the session that owns
// it. console may be nil, in which case guest console calls are dropped.
func NewKernel(host *isolate.Host, invoker ClientInvoker, isolateID string, console ConsoleSink) *Kernel {
	return &Kernel{
		host:      host,
		invoker:   invoker,
		isolateID: isolateID,
		console:   console,
		timers:    make(map[uint64]*timerEntry),
	}
}

// CallClient invokes a client-registered callback asynchronously: the
// caller's goroutine suspends, not the
// isolate thread. The returned PendingPromise is also registered with the
// host's pending-eval queue so DrainPending blocks the *eval*
// call, not the isolate, until the callback settles.
func (k *Kernel) CallClient(ctx context.Context, callbackID uint64, args []wire.Value) *wire.PendingPromise {
	p := &wire.PendingPromise{Done: make(chan struct{})}
	k.host.AddPendingEval(p)
	go func() {
		v, err := k.invoker.InvokeClientCallback(ctx, k.isolateID, callbackID, args)
		switch {
		case err != nil:
			apiErr, ok := err.(*api.Error)
			if !ok {
				apiErr = api.NewError(api.KindProtocolError, err.Error())
			}
			p.Err = apiErr
		case v != nil:
			p.Value = *v
		default:
			p.Value = wire.Null
		}
		close(p.Done)
	}()
	return p
}

// ResolveOnIsolateThread schedules fn to run on this isolate's dedicated
// OS thread.
// Every touch of a V8 value or context must go through here or through
// Host.Submit directly.
func (k *Kernel) ResolveOnIsolateThread(fn func()) error {
	return k.host.Submit(fn)
}

// InvokeReturned calls a daemon-local function, awaits a daemon-local
// promise, or advances a daemon-local iterator registered by a host
// callback's own return value. These
// never cross IPC; they run directly on the caller's goroutine, which may
// itself register further refs via host.AllocFunction/AllocPromise/
// AllocIterator for values *they* return, enabling arbitrary back-and-forth.
func (k *Kernel) InvokeReturned(id uint64, args []wire.Value) (wire.Value, error) {
	entry, ok := k.host.ReturnedEntry(id)
	if !ok {
		return wire.Value{}, api.NewError(api.KindProtocolError, "bridge: unknown daemon-local id")
	}
	switch t := entry.(type) {
	case func(args []wire.Value) (wire.Value, error):
		return t(args)
	case *wire.PendingPromise:
		<-t.Done
		if t.Err != nil {
			return wire.Value{}, t.Err
		}
		return t.Value, nil
	case wire.AsyncIterator:
		v, more, err := t.Next()
		if err != nil {
			return wire.Value{}, err
		}
		if !more {
			return wire.Map(map[string]wire.Value{"done": wire.Bool(true)}), nil
		}
		return wire.Map(map[string]wire.Value{"done": wire.Bool(false), "value": v}), nil
	default:
		return wire.Value{}, api.NewError(api.KindProtocolError, "bridge: unresolvable daemon-local entry")
	}
}

// CancelReturned handles cancellation: it releases a daemon-local
// iterator on guest-side generator return(), or a callback-response stream
// on guest cancellation. The entry is removed from the returned-callable
// table first and an iterator's Return() cleanup runs after; ids are never
// reused.
func (k *Kernel) CancelReturned(id uint64) error {
	entry, ok := k.host.ReturnedEntry(id)
	if !ok {
		return nil
	}
	k.host.ReleaseReturned(id)
	if it, ok := entry.(wire.AsyncIterator); ok {
		return it.Return()
	}
	return nil
}

// IsolateID reports the isolate this kernel is bound to, for callers that
// need it alongside a CallClient/InvokeReturned result (e.g. the WS
// dispatcher building a CBInvoke-shaped WSCmd).
func (k *Kernel) IsolateID() string { return k.isolateID }
