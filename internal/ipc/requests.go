// File: internal/ipc/requests.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// requestTable correlates an outbound u32 request id with the goroutine
// awaiting its reply. Ids wrap around uint32 but the table skips any id
// still in flight, so wraparound is safe as long as fewer than 2^32
// requests are ever outstanding at once.

package ipc

import (
	"sync"

	"github.com/isod-run/isod/api"
)

type pendingResult struct {
	payload  []byte
	err      *api.Error
	streamed bool
	meta     map[string]any
}

type waiter struct {
	ch chan pendingResult
}

type requestTable struct {
	mu      sync.Mutex
	next    uint32
	pending map[uint32]*waiter
}

func newRequestTable() requestTable {
	return requestTable{pending: make(map[uint32]*waiter)}
}

// register allocates a fresh id and returns it with a channel that receives
// exactly one pendingResult.
func (t *requestTable) register() (uint32, chan pendingResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		t.next++
		id := t.next
		if id == 0 {
			continue // reserve 0 as "no id"
		}
		if _, busy := t.pending[id]; busy {
			continue
		}
		ch := make(chan pendingResult, 1)
		t.pending[id] = &waiter{ch: ch}
		return id, ch
	}
}

// resolve delivers a result to the waiter registered under id, if any.
func (t *requestTable) resolve(id uint32, res pendingResult) {
	t.mu.Lock()
	w, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if ok {
		w.ch <- res
	}
}

// cancel removes the waiter for id without delivering a result (used when
// the caller's context expires before a reply arrives).
func (t *requestTable) cancel(id uint32) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// failAll resolves every outstanding waiter with err.
func (t *requestTable) failAll(err *api.Error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint32]*waiter)
	t.mu.Unlock()

	for _, w := range pending {
		w.ch <- pendingResult{err: err}
	}
}
