// File: daemon/admin.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loopback admin/debug HTTP surface: health, pool/session introspection,
// hot-reloadable config, a consume-on-read lifecycle event log, and a
// WebSocket stats push. Serves only daemon counters and probe output,
// never guest data.

package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
)

type adminServer struct {
	d   *Daemon
	ln  net.Listener
	srv *http.Server

	upgrader websocket.Upgrader
}

func newAdminServer(d *Daemon, addr string) (*adminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	a := &adminServer{
		d:  d,
		ln: ln,
		upgrader: websocket.Upgrader{
			// The admin surface binds loopback only; cross-origin browser
			// tooling (a local dashboard) is expected.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	a.srv = &http.Server{Handler: a.routes()}
	return a, nil
}

func (a *adminServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}))

	r.Get("/healthz", a.handleHealthz)
	r.Route("/debug", func(r chi.Router) {
		r.Get("/pool", a.handlePool)
		r.Get("/sessions", a.handleSessions)
		r.Get("/state", a.handleState)
		r.Get("/config", a.handleGetConfig)
		r.Post("/config", a.handleSetConfig)
		r.Get("/events", a.handleEvents)
		r.Get("/stats", a.handleStatsWS)
	})
	return r
}

func (a *adminServer) serve() {
	if err := a.srv.Serve(a.ln); err != nil && err != http.ErrServerClosed {
		a.d.log.Warn().Err(err).Msg("admin: serve exited")
	}
}

func (a *adminServer) close(ctx context.Context) {
	_ = a.srv.Shutdown(ctx)
}

// Addr reports the bound admin address, useful when addr was ":0".
func (a *adminServer) Addr() string { return a.ln.Addr().String() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *adminServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"status":   "ok",
		"uptime_s": int(time.Since(a.d.startedAt).Seconds()),
	}
	if info, ok := a.d.info.Get("service"); ok {
		out["service"] = info
	}
	out["metrics"] = a.d.Metrics()
	writeJSON(w, http.StatusOK, out)
}

func (a *adminServer) handlePool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"isolates": a.d.pool.Len(),
		"max":      a.d.cfg.MaxIsolates,
	})
}

func (a *adminServer) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.d.sessionSummaries())
}

func (a *adminServer) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.d.control.Stats())
}

func (a *adminServer) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.d.control.GetConfig())
}

func (a *adminServer) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var cfg map[string]any
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err := a.d.control.SetConfig(cfg); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.d.control.GetConfig())
}

// handleEvents drains up to 64 buffered lifecycle events. Reads consume:
// this is a debug tail, not a durable log.
func (a *adminServer) handleEvents(w http.ResponseWriter, _ *http.Request) {
	events := make([]any, 0, 64)
	for len(events) < 64 {
		ev, ok := a.d.events.Dequeue()
		if !ok {
			break
		}
		events = append(events, ev)
	}
	writeJSON(w, http.StatusOK, events)
}

// handleStatsWS upgrades to a WebSocket and pushes the control snapshot
// once a second until the peer goes away.
func (a *adminServer) handleStatsWS(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	// Drain (and discard) client frames so close handshakes are noticed.
	go func() {
		for {
			if _, _, rerr := ws.ReadMessage(); rerr != nil {
				return
			}
		}
	}()

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			if werr := ws.WriteJSON(a.d.control.Stats()); werr != nil {
				return
			}
		}
	}
}
