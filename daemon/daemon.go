// File: daemon/daemon.go
// Package daemon composes the isolate daemon: the IPC listener, the
// namespace pool, the control/config surface, and the admin HTTP mux.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One Daemon owns one listener (unix socket or loopback TCP) and every
// session accepted from it. Per-session wiring (frame demux, stream
// multiplexer, dispatcher, fetch bridge) lives in conn.go; per-isolate
// assembly lives in runtime.go.

package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/isod-run/isod/adapters"
	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/control"
	"github.com/isod-run/isod/internal/concurrency"
	"github.com/isod-run/isod/internal/isolate"
	"github.com/isod-run/isod/internal/session"
)

// Defaults for the listener surface.
const (
	DefaultSocketPath = "/tmp/isolate-daemon.sock"
	DefaultTCPHost    = "127.0.0.1"
	DefaultTCPPort    = 47891
)

// Config bounds one Daemon instance. Zero values select the documented
// defaults; Validate rejects contradictory combinations before any socket
// is touched.
type Config struct {
	SocketPath string // unix domain socket path; mutually exclusive with Host/Port
	Host       string
	Port       int

	MaxIsolates   int
	MemoryLimitMB int

	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	ShutdownTimeout   time.Duration

	// AdminAddr is the loopback host:port for the debug/health mux; empty
	// disables the admin surface entirely.
	AdminAddr string

	// FetchRequestsPerSecond bounds guest-initiated fetch per session;
	// <= 0 means unlimited.
	FetchRequestsPerSecond int
}

// Validate reports a misuse error for contradictory flag combinations,
// before binding anything.
func (c Config) Validate() error {
	if c.SocketPath != "" && c.Host != "" {
		return fmt.Errorf("--socket and --host are mutually exclusive")
	}
	if c.Port != 0 && (c.Port < 1 || c.Port > 65535) {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxIsolates < 0 {
		return fmt.Errorf("max isolates must be >= 0")
	}
	if c.MemoryLimitMB < 0 {
		return fmt.Errorf("memory limit must be >= 0")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.SocketPath == "" && c.Host == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.Host != "" && c.Port == 0 {
		c.Port = DefaultTCPPort
	}
	if c.MaxIsolates == 0 {
		c.MaxIsolates = 64
	}
	if c.MemoryLimitMB == 0 {
		c.MemoryLimitMB = 256
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// Daemon is the composed service. It implements api.GracefulShutdown.
type Daemon struct {
	cfg Config
	log zerolog.Logger

	control  api.Control
	metrics  *control.MetricsRegistry
	info     api.Context
	sessions session.SessionManager
	pool     *isolate.NamespacePool
	exec     api.Executor
	events   *concurrency.RingBuffer[any]
	sched    *concurrency.Scheduler

	mu       sync.Mutex
	conns    map[string]*conn
	listener net.Listener
	admin    *adminServer
	closed   bool

	startedAt time.Time
	wg        sync.WaitGroup
}

// New builds a Daemon from cfg. Nothing is bound until Start.
func New(cfg Config, log zerolog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	d := &Daemon{
		cfg:       cfg,
		log:       log,
		control:   adapters.NewControlAdapter(),
		metrics:   control.NewMetricsRegistry(),
		info:      adapters.NewContextAdapter().NewContext(),
		sessions:  session.NewSessionManager(16),
		exec:      adapters.NewExecutorAdapter(runtime.NumCPU(), -1),
		events:    concurrency.NewRingBuffer[any](256),
		sched:     concurrency.NewScheduler(),
		conns:     make(map[string]*conn),
		startedAt: time.Now(),
	}

	d.pool = isolate.NewNamespacePool(cfg.MaxIsolates, func(id string, icfg isolate.Config, static *isolate.ModuleCacheHandle) (*isolate.Host, error) {
		return isolate.New(id, icfg, static)
	})

	d.info.Set("service", api.ServiceInfo{Name: "isod", Version: Version, StartedAt: d.startedAt}, true)

	_ = d.control.SetConfig(map[string]any{
		"max_isolates":    cfg.MaxIsolates,
		"memory_limit_mb": cfg.MemoryLimitMB,
	})
	d.control.RegisterDebugProbe("pool", func() any {
		return map[string]any{"isolates": d.pool.Len(), "max": d.cfg.MaxIsolates}
	})
	d.control.RegisterDebugProbe("sessions", func() any {
		return d.sessionSummaries()
	})
	d.control.RegisterDebugProbe("metrics", func() any {
		return d.metrics.GetSnapshot()
	})
	d.scheduleMetricsSample()
	return d, nil
}

// scheduleMetricsSample refreshes the gauge-style metrics on a fixed
// cadence, rescheduling itself until shutdown.
func (d *Daemon) scheduleMetricsSample() {
	d.sched.Schedule(30*time.Second, func() {
		d.mu.Lock()
		closed := d.closed
		n := len(d.conns)
		d.mu.Unlock()
		if closed {
			return
		}
		d.metrics.Set("sessions_active", n)
		d.metrics.Set("isolates_live", d.pool.Len())
		d.scheduleMetricsSample()
	})
}

// Version is stamped by the build script; "dev" otherwise.
var Version = "dev"

// Control exposes the daemon's api.Control surface, primarily for the
// admin mux and tests.
func (d *Daemon) Control() api.Control { return d.control }

// AdminAddr reports the bound admin listener address, empty when the admin
// surface is disabled or not yet started. Useful when AdminAddr was ":0".
func (d *Daemon) AdminAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.admin == nil {
		return ""
	}
	return d.admin.Addr()
}

// Start binds the configured listener (removing a stale unix socket file
// first) and begins accepting sessions. A bind
// error carries api.KindBindFailure so the CLI can map it to exit code 2.
func (d *Daemon) Start() error {
	var (
		ln  net.Listener
		err error
	)
	if d.cfg.SocketPath != "" {
		if _, serr := os.Stat(d.cfg.SocketPath); serr == nil {
			_ = os.Remove(d.cfg.SocketPath)
		}
		ln, err = net.Listen("unix", d.cfg.SocketPath)
	} else {
		ln, err = net.Listen("tcp", fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port))
	}
	if err != nil {
		return api.NewError(api.KindBindFailure, err.Error())
	}

	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()

	if d.cfg.AdminAddr != "" {
		admin, aerr := newAdminServer(d, d.cfg.AdminAddr)
		if aerr != nil {
			_ = ln.Close()
			return api.NewError(api.KindBindFailure, aerr.Error())
		}
		d.mu.Lock()
		d.admin = admin
		d.mu.Unlock()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			admin.serve()
		}()
	}

	d.log.Info().Str("addr", ln.Addr().String()).Msg("daemon: listening")
	d.wg.Add(1)
	go d.acceptLoop(ln)
	return nil
}

func (d *Daemon) acceptLoop(ln net.Listener) {
	defer d.wg.Done()
	for {
		netConn, err := ln.Accept()
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if !closed {
				d.log.Warn().Err(err).Msg("daemon: accept failed")
			}
			return
		}
		d.handleAccept(netConn)
	}
}

func (d *Daemon) handleAccept(netConn net.Conn) {
	id := uuid.NewString()
	sess, err := d.sessions.Create(id)
	if err != nil {
		d.log.Warn().Err(err).Msg("daemon: session create failed")
		_ = netConn.Close()
		return
	}
	sess.Context().Set("remote_addr", netConn.RemoteAddr().String(), false)
	sess.Context().Set("started_at", time.Now(), false)
	sess.Context().Set("status", api.SessionActive.String(), false)

	c := newConn(d, id, netConn)
	d.mu.Lock()
	d.conns[id] = c
	n := len(d.conns)
	d.mu.Unlock()
	d.metrics.Set("sessions_active", n)
	d.log.Info().Str("session_id", id).Str("remote", netConn.RemoteAddr().String()).Msg("daemon: session accepted")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		<-c.sess.Done()
		c.teardown()
		d.sessions.Delete(id)
		d.mu.Lock()
		delete(d.conns, id)
		n := len(d.conns)
		d.mu.Unlock()
		d.metrics.Set("sessions_active", n)
		d.log.Info().Str("session_id", id).Msg("daemon: session closed")
	}()
}

// recordEvent appends a lifecycle event to the bounded in-memory log the
// admin surface exposes; the oldest entry is dropped when the ring fills.
func (d *Daemon) recordEvent(ev any) {
	if !d.events.Enqueue(ev) {
		d.events.Dequeue()
		d.events.Enqueue(ev)
	}
}

func (d *Daemon) sessionSummaries() []map[string]any {
	var out []map[string]any
	d.sessions.Range(func(s session.Session) {
		entry := map[string]any{"id": s.ID()}
		if v, ok := s.Context().Get("remote_addr"); ok {
			entry["remote_addr"] = v
		}
		if v, ok := s.Context().Get("started_at"); ok {
			entry["started_at"] = v
		}
		if v, ok := s.Context().Get("status"); ok {
			entry["status"] = v
		}
		d.mu.Lock()
		if c, ok := d.conns[s.ID()]; ok {
			entry["unknown_frames"] = c.sess.UnknownMessageTypes()
		}
		d.mu.Unlock()
		out = append(out, entry)
	})
	return out
}

// Metrics assembles the standard health-report layout for the admin
// surface.
func (d *Daemon) Metrics() api.APIMetrics {
	d.mu.Lock()
	n := len(d.conns)
	d.mu.Unlock()
	return api.APIMetrics{
		NumSessions: n,
		NumIsolates: d.pool.Len(),
		NumPooled:   d.pool.PooledLen(),
		StartedAt:   d.startedAt,
	}
}

// drained reports whether every session has quiesced: no isolate on any
// connection still holds an active WS connection.
func (d *Daemon) drained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		if c.hasActiveConnections() {
			return false
		}
	}
	return true
}

// ShutdownContext drains and tears the daemon down: stop accepting, wait
// (bounded by ctx) for active WS connections to settle, then close every
// session and hard-dispose every isolate.
func (d *Daemon) ShutdownContext(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	ln := d.listener
	admin := d.admin
	d.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
drain:
	for !d.drained() {
		select {
		case <-ctx.Done():
			break drain
		case <-tick.C:
		}
	}

	d.mu.Lock()
	conns := make([]*conn, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()
	for _, c := range conns {
		_ = c.sess.Close()
	}

	d.pool.CloseAll()
	d.sched.Close()
	if admin != nil {
		admin.close(ctx)
	}
	if closer, ok := d.exec.(interface{ Close() }); ok {
		closer.Close()
	}
	if d.cfg.SocketPath != "" {
		_ = os.Remove(d.cfg.SocketPath)
	}
	d.log.Info().Msg("daemon: shut down")
	return nil
}

// Shutdown implements api.GracefulShutdown with the configured timeout.
func (d *Daemon) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
	defer cancel()
	return d.ShutdownContext(ctx)
}

var _ api.GracefulShutdown = (*Daemon)(nil)
