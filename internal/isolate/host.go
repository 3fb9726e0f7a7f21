// File: internal/isolate/host.go
// Package isolate owns one V8 isolate+context per guest runtime and the
// pool that lets disposed instances be rehydrated by namespace id.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package isolate

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	v8 "rogchap.com/v8go"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/internal/concurrency"
	"github.com/isod-run/isod/wire"
)

// CallbackDescriptor records what a client registered a callback id as:
// a name plus how it must be invoked and awaited.
type CallbackDescriptor struct {
	Name string
	Kind api.CallbackKind
}

// Config bounds one Host's V8 isolate.
type Config struct {
	MemoryLimitMB int
	NamespaceID   string // empty means unnamespaced (hard-disposed on close)
	CPU           int    // -1 lets the host pick
	NUMANode      int    // -1 lets the host pick
}

// Host owns exactly one V8 isolate, one context, and every piece of
// per-instance state:
// module caches, the client-callback table, the daemon-local returned-
// callable table, and the pending-callback queue for an in-flight eval.
type Host struct {
	ID  string
	cfg Config

	iso *v8.Isolate
	ctx *v8.Context

	mu              sync.Mutex
	owner           string // session id, empty while pooled
	disposed        bool
	disposedAt      time.Time
	callbacks       map[uint64]CallbackDescriptor
	nextCallbackID  uint64
	returnedTable   map[uint64]any // uint64 >= api.DaemonLocalIDThreshold -> func/*PendingPromise/AsyncIterator
	nextReturnedID  uint64
	pendingEvals    []*wire.PendingPromise
	staticModules   *moduleCache // survives pool reuse
	evalModules     *moduleCache // cleared on dispose
	sourceMaps      *sourceMapRegistry
	threadPinned    bool
	executorHandle  *concurrency.Executor

	memExceeded atomic.Bool
	meterStop   chan struct{}
	meterOnce   sync.Once
}

// meterInterval paces the heap watchdog. v8go exposes no creation-time
// heap limit, so the ceiling is enforced by polling: committed heap above
// the limit trips TerminateExecution — V8's one thread-safe entry point,
// which is what makes an off-thread watchdog the standard embedder
// pattern for heap ceilings.
const meterInterval = 100 * time.Millisecond

// New constructs and initializes a V8 isolate+context pinned to its own
// OS thread.
func New(id string, cfg Config, static *moduleCache) (*Host, error) {
	if err := concurrency.PinCurrentThread(cfg.NUMANode, cfg.CPU); err != nil {
		return nil, api.NewError(api.KindBindFailure, fmt.Sprintf("pin isolate thread: %v", err))
	}

	iso := v8.NewIsolate()
	ctx := v8.NewContext(iso)

	h := &Host{
		ID:             id,
		cfg:            cfg,
		iso:            iso,
		ctx:            ctx,
		callbacks:      make(map[uint64]CallbackDescriptor),
		returnedTable:  make(map[uint64]any),
		nextReturnedID: api.DaemonLocalIDThreshold,
		staticModules:  static,
		evalModules:    newModuleCache(),
		sourceMaps:     newSourceMapRegistry(),
		threadPinned:   true,
		executorHandle: concurrency.NewExecutor(1, cfg.NUMANode),
	}
	if cfg.MemoryLimitMB > 0 {
		h.meterStop = make(chan struct{})
		go h.meterMemory()
	}
	return h, nil
}

// meterMemory polls V8 heap usage against the configured ceiling and
// terminates guest execution on breach. A tripped host never recovers:
// every subsequent operation fails with IsolateMemoryLimit and the daemon
// hard-disposes the instance, pooled or not.
func (h *Host) meterMemory() {
	limit := uint64(h.cfg.MemoryLimitMB) << 20
	ticker := time.NewTicker(meterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.meterStop:
			return
		case <-ticker.C:
			hs := h.iso.GetHeapStatistics()
			if hs.TotalHeapSize > limit {
				h.memExceeded.Store(true)
				h.iso.TerminateExecution()
				return
			}
		}
	}
}

// MemoryExceeded reports whether the heap watchdog tripped.
func (h *Host) MemoryExceeded() bool { return h.memExceeded.Load() }

func (h *Host) memoryLimitErr() *api.Error {
	return api.NewError(api.KindIsolateMemoryLimit,
		fmt.Sprintf("isolate heap exceeded the %d MB ceiling", h.cfg.MemoryLimitMB))
}

// Context exposes the isolate's single context for packages that need to build/read V8 values on the
// isolate thread — internal/dispatch, internal/fetchbridge,
// internal/vfs. Every touch still must happen inside Host.Submit.
func (h *Host) Context() *v8.Context { return h.ctx }

// Owner reports the owning session id, empty while pooled.
func (h *Host) Owner() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner
}

// Bind assigns ownership to sessionID, rebinding the callback table to a
// fresh client. The prior client's callback descriptors are discarded; any
// in-flight host callback tied to the old client would already have been
// cancelled when that session closed.
func (h *Host) Bind(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.owner = sessionID
	h.disposed = false
	h.callbacks = make(map[uint64]CallbackDescriptor)
	h.nextCallbackID = 0
}

// RegisterCallback assigns the next client-callback id under threshold
// api.DaemonLocalIDThreshold, keeping client ids and daemon-local returned-
// callable ids disjoint.
func (h *Host) RegisterCallback(desc CallbackDescriptor) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextCallbackID++
	id := h.nextCallbackID
	h.callbacks[id] = desc
	return id
}

// RegisterClientCallback records a callback under the id the client chose
// in its create-runtime payload. Client ids must stay below
// api.DaemonLocalIDThreshold so they remain disjoint from daemon-local
// returned-callable ids.
func (h *Host) RegisterClientCallback(id uint64, desc CallbackDescriptor) error {
	if id == 0 || id >= api.DaemonLocalIDThreshold {
		return api.NewError(api.KindProtocolError,
			fmt.Sprintf("callback id %d outside the client id range", id))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks[id] = desc
	if id > h.nextCallbackID {
		h.nextCallbackID = id
	}
	return nil
}

// CallbackDescriptorFor looks up a previously registered client callback.
func (h *Host) CallbackDescriptorFor(id uint64) (CallbackDescriptor, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.callbacks[id]
	return d, ok
}

// CallbackIDByName finds the id a named callback (e.g. "fetch",
// "fs.readFile") was registered under for create-runtime's
// `callbacks: {console?, fetch?, fs?, moduleLoader?, ...}` payload.
// Returns false if the client never registered one under this name.
func (h *Host) CallbackIDByName(name string) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, d := range h.callbacks {
		if d.Name == name {
			return id, true
		}
	}
	return 0, false
}

// AllocFunction implements wire.RefAllocator for values a host callback
// itself returns.
func (h *Host) AllocFunction(fn func(args []wire.Value) (wire.Value, error)) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextReturnedID++
	id := h.nextReturnedID
	h.returnedTable[id] = fn
	return id
}

// AllocPromise implements wire.RefAllocator for a pending host promise.
func (h *Host) AllocPromise(p *wire.PendingPromise) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextReturnedID++
	id := h.nextReturnedID
	h.returnedTable[id] = p
	return id
}

// AllocIterator implements wire.RefAllocator for a live async iterator.
func (h *Host) AllocIterator(it wire.AsyncIterator) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextReturnedID++
	id := h.nextReturnedID
	h.returnedTable[id] = it
	return id
}

// ReturnedEntry fetches a registered daemon-local function/promise/iterator.
func (h *Host) ReturnedEntry(id uint64) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.returnedTable[id]
	return v, ok
}

// ReleaseReturned removes a daemon-local entry on cancellation. Ids are never reused within an isolate lifetime, so this only
// ever shrinks the map; nextReturnedID is not decremented.
func (h *Host) ReleaseReturned(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.returnedTable, id)
}

// AddPendingEval registers a host-side promise spawned during the current
// eval/dispatch so DrainPending can await it.
func (h *Host) AddPendingEval(p *wire.PendingPromise) {
	h.mu.Lock()
	h.pendingEvals = append(h.pendingEvals, p)
	h.mu.Unlock()
}

// DrainPending blocks until every pending-callback promise spawned during
// the current evaluation has settled.
func (h *Host) DrainPending() {
	h.mu.Lock()
	pending := h.pendingEvals
	h.pendingEvals = nil
	h.mu.Unlock()
	for _, p := range pending {
		<-p.Done
	}
}

// Submit runs fn on this isolate's dedicated worker, preserving the single-
// threaded-isolate invariant. Every V8 call must happen here.
func (h *Host) Submit(fn func()) error {
	return h.executorHandle.Submit(fn)
}

// MarkSoftDisposed clears ownership and ephemeral state but keeps the V8
// isolate alive for namespace reuse; the per-evaluation module
// cache is cleared, the static module cache is not.
func (h *Host) MarkSoftDisposed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.owner = ""
	h.disposed = true
	h.disposedAt = time.Now()
	h.evalModules = newModuleCache()
	h.pendingEvals = nil
}

// DisposedAt reports when MarkSoftDisposed ran, for LRU eviction.
func (h *Host) DisposedAt() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposedAt, h.disposed
}

// Close hard-disposes the isolate: tears down V8 state and releases the
// pinned OS thread. Called for unnamespaced instances and on final
// eviction of namespaced ones.
func (h *Host) Close() error {
	if h.meterStop != nil {
		h.meterOnce.Do(func() { close(h.meterStop) })
	}
	if h.executorHandle != nil {
		h.executorHandle.Close()
	}
	h.ctx.Close()
	h.iso.Dispose()
	if h.threadPinned {
		_ = concurrency.UnpinCurrentThread()
	}
	return nil
}

// ModuleCacheHandle exposes the package-private moduleCache type under an
// exported alias so external test packages can name it in a HostFactory
// signature without reaching into isolate internals.
type ModuleCacheHandle = moduleCache

// NewForTest builds a Host around a real but unconfigured V8 isolate,
// skipping OS-thread pinning and the executor pool. It exists for
// NamespacePool bookkeeping tests (admission/eviction/rebind) that never
// call RunScript and so don't need a pinned thread or worker (see
// pool_test.go).
func NewForTest(id string, cfg Config) (*Host, error) {
	iso := v8.NewIsolate()
	ctx := v8.NewContext(iso)
	return &Host{
		ID:             id,
		cfg:            cfg,
		iso:            iso,
		ctx:            ctx,
		callbacks:      make(map[uint64]CallbackDescriptor),
		returnedTable:  make(map[uint64]any),
		nextReturnedID: api.DaemonLocalIDThreshold,
		staticModules:  newModuleCache(),
		evalModules:    newModuleCache(),
		sourceMaps:     newSourceMapRegistry(),
	}, nil
}

// RunScript compiles and evaluates code as a classic script, draining
// pending host callbacks before returning.
func (h *Host) RunScript(code, filename string) (*v8.Value, error) {
	if h.MemoryExceeded() {
		return nil, h.memoryLimitErr()
	}
	v, err := h.ctx.RunScript(code, filename)
	h.DrainPending()
	if h.MemoryExceeded() {
		return nil, h.memoryLimitErr()
	}
	if err != nil {
		if jsErr, ok := err.(*v8.JSError); ok {
			stack := h.sourceMaps.remap(jsErr.StackTrace)
			return nil, api.NewScriptError("Error", jsErr.Message, stack)
		}
		return nil, api.NewError(api.KindScriptError, err.Error())
	}
	return v, nil
}
