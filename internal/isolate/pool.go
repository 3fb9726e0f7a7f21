// File: internal/isolate/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// NamespacePool implements keyed reuse of disposed isolates,
// LRU eviction under a hard cap, and safe re-binding of the callback table
// to a new client. Grounded on internal/session's sharded map-of-mutexes
// pattern, generalized from per-connection sessions to per-namespace
// isolate bindings.

package isolate

import (
	"fmt"
	"sync"

	"github.com/isod-run/isod/api"
)

// HostFactory constructs a fresh Host, used by the pool both for
// unnamespaced instances and for first-time namespace admission.
type HostFactory func(id string, cfg Config, static *ModuleCacheHandle) (*Host, error)

// entry tracks one namespace's bound or soft-deleted instance.
type entry struct {
	host      *Host
	namespace string
}

// NamespacePool owns every namespaced Host plus the hard cap on total live
// isolates.
type NamespacePool struct {
	mu          sync.Mutex
	maxIsolates int
	factory     HostFactory
	byNS        map[string]*entry
	byID        map[string]*entry
	staticCache *moduleCache
}

// NewNamespacePool constructs a pool capped at maxIsolates concurrently
// live instances, sharing one static module cache across every namespaced
// instance it manages.
func NewNamespacePool(maxIsolates int, factory HostFactory) *NamespacePool {
	return &NamespacePool{
		maxIsolates: maxIsolates,
		factory:     factory,
		byNS:        make(map[string]*entry),
		byID:        make(map[string]*entry),
		staticCache: newModuleCache(),
	}
}

// Acquire implements the create-runtime admission rule for a namespaced
// request: bind an existing soft-deleted instance for reuse,
// reject a second concurrent binder with NamespaceBusy, treat a repeat
// bind from the same session as an idempotent no-op, and otherwise admit
// a fresh instance, LRU-evicting a soft-deleted one first if at capacity.
func (p *NamespacePool) Acquire(namespace, sessionID string, cfg Config, newID func() string) (h *Host, reused bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.byNS[namespace]; ok {
		owner := e.host.Owner()
		if owner == sessionID {
			return e.host, true, nil // idempotent re-bind
		}
		if owner != "" {
			return nil, false, api.NewError(api.KindNamespaceBusy, fmt.Sprintf("namespace %q already bound", namespace))
		}
		e.host.Bind(sessionID)
		return e.host, true, nil
	}

	if len(p.byID) >= p.maxIsolates {
		if !p.evictOneLocked() {
			return nil, false, api.NewError(api.KindIsolateLimit, "namespace pool at capacity")
		}
	}

	cfg.NamespaceID = namespace
	id := newID()
	host, err := p.factory(id, cfg, p.staticCache)
	if err != nil {
		return nil, false, err
	}
	host.Bind(sessionID)

	e := &entry{host: host, namespace: namespace}
	p.byNS[namespace] = e
	p.byID[id] = e
	return host, false, nil
}

// AcquireUnnamespaced constructs a fresh, never-pooled instance; it is
// hard-disposed rather than soft-deleted on Release.
func (p *NamespacePool) AcquireUnnamespaced(sessionID string, cfg Config, newID func() string) (*Host, error) {
	p.mu.Lock()
	if len(p.byID) >= p.maxIsolates {
		if !p.evictOneLocked() {
			p.mu.Unlock()
			return nil, api.NewError(api.KindIsolateLimit, "namespace pool at capacity")
		}
	}
	p.mu.Unlock()

	id := newID()
	host, err := p.factory(id, cfg, p.staticCache)
	if err != nil {
		return nil, err
	}
	host.Bind(sessionID)

	p.mu.Lock()
	p.byID[id] = &entry{host: host}
	p.mu.Unlock()
	return host, nil
}

// Dispose soft-deletes a namespaced instance (kept for reuse) or
// hard-disposes an unnamespaced one, by isolate id. An instance whose
// heap watchdog tripped is unrecoverable and is hard-removed from the
// namespace index regardless of pooling.
func (p *NamespacePool) Dispose(id string) error {
	p.mu.Lock()
	e, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return api.NewError(api.KindIsolateNotFound, "no such isolate")
	}
	if e.namespace == "" || e.host.MemoryExceeded() {
		delete(p.byID, id)
		if e.namespace != "" {
			delete(p.byNS, e.namespace)
		}
		p.mu.Unlock()
		return e.host.Close()
	}
	e.host.MarkSoftDisposed()
	p.mu.Unlock()
	return nil
}

// Lookup returns the Host bound to id, for dispatching a request against
// an already-created runtime.
func (p *NamespacePool) Lookup(id string) (*Host, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	return e.host, true
}

// Len reports the number of live (bound or soft-deleted) instances, for
// metrics/debug surfacing.
func (p *NamespacePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// PooledLen reports how many instances are currently soft-deleted and
// awaiting namespace reuse.
func (p *NamespacePool) PooledLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.byID {
		if _, disposed := e.host.DisposedAt(); disposed {
			n++
		}
	}
	return n
}

// evictOneLocked evicts the oldest soft-deleted instance by disposedAt.
// Caller must hold p.mu. Returns false if no eviction candidate exists.
func (p *NamespacePool) evictOneLocked() bool {
	var oldestID string
	var oldestNS string
	var oldestAt int64 = -1
	for id, e := range p.byID {
		at, disposed := e.host.DisposedAt()
		if !disposed {
			continue
		}
		ts := at.UnixNano()
		if oldestAt == -1 || ts < oldestAt {
			oldestAt = ts
			oldestID = id
			oldestNS = e.namespace
		}
	}
	if oldestID == "" {
		return false
	}
	e := p.byID[oldestID]
	delete(p.byID, oldestID)
	if oldestNS != "" {
		delete(p.byNS, oldestNS)
	}
	_ = e.host.Close()
	return true
}

// CloseAll hard-disposes every instance, for daemon shutdown.
func (p *NamespacePool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.byID {
		_ = e.host.Close()
		delete(p.byID, id)
	}
	p.byNS = make(map[string]*entry)
}
