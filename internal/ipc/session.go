// File: internal/ipc/session.go
// Package ipc implements the framed request/response/callback session that
// carries every daemon<->client exchange over one connection.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One Session wraps one transport connection (a unix-domain or TCP socket).
// All writes funnel through a single serializer goroutine; a single
// background read-demux goroutine dispatches inbound frames by message type
// to the correlation tables or to the registered RequestHandler/EventSink.

package ipc

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/pool"
	"github.com/isod-run/isod/wire"
)

// RequestHandler answers inbound Req messages (client->daemon operations
// such as createRuntime/dispatchRequest/getDirectory).
type RequestHandler interface {
	HandleRequest(ctx context.Context, op string, payload []byte) (respPayload []byte, err *api.Error)
}

// EventSink receives fire-and-forget ClientEvent notifications (inbound WS
// frames, upload-stream side-channel signals) that fall outside the
// request/response correlation table.
type EventSink interface {
	HandleClientEvent(ev wire.ClientEvent)
}

// StreamSink receives the generic credit-based stream frames; the
// stream multiplexer registers itself here so Session stays ignorant of
// stream bookkeeping.
type StreamSink interface {
	HandleStreamFrame(typ wire.MessageType, body []byte)
}

// Config bounds a Session's timeouts and heartbeat cadence.
type Config struct {
	HeartbeatInterval time.Duration // 0 selects 15s; negative disables heartbeat pings
	RequestTimeout    time.Duration // 0 selects 30s; bounds each inbound request's handler
	MaxFrameSize      int           // 0 uses wire.DefaultMaxFrameSize
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

type writeJob struct {
	frame []byte
	done  chan error
}

// Session multiplexes one transport connection.
type Session struct {
	conn   io.ReadWriteCloser
	cfg    Config
	log    zerolog.Logger
	handle RequestHandler
	events EventSink
	stream StreamSink

	writeCh chan writeJob
	closeCh chan struct{}
	closeOn sync.Once
	closeEr error

	reqTable requestTable
	cbTable  requestTable

	heartbeatLimiter *rate.Limiter
	lastPongAt       atomic.Int64
	unknownFrames    atomic.Uint64
}

// New constructs a Session bound to conn. handle answers inbound requests;
// events and stream may be nil until the bridge/multiplexer register
// themselves via SetEventSink/SetStreamSink.
func New(conn io.ReadWriteCloser, cfg Config, handle RequestHandler, log zerolog.Logger) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		conn:             conn,
		cfg:              cfg,
		log:              log,
		handle:           handle,
		writeCh:          make(chan writeJob, 64),
		closeCh:          make(chan struct{}),
		reqTable:         newRequestTable(),
		cbTable:          newRequestTable(),
		heartbeatLimiter: rate.NewLimiter(rate.Every(time.Second), 2),
	}
	s.lastPongAt.Store(time.Now().UnixNano())
	go s.writeLoop()
	go s.readLoop()
	if cfg.HeartbeatInterval > 0 {
		go s.heartbeatLoop()
	}
	return s
}

// SetEventSink registers the fire-and-forget client-event receiver.
func (s *Session) SetEventSink(sink EventSink) { s.events = sink }

// SetStreamSink registers the stream-frame receiver.
func (s *Session) SetStreamSink(sink StreamSink) { s.stream = sink }

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the session has torn down.
func (s *Session) Done() <-chan struct{} { return s.closeCh }

// UnknownMessageTypes reports how many frames carried a tag outside the
// closed message-type set; each one failed with UnknownMessageType without
// desynchronising the stream.
func (s *Session) UnknownMessageTypes() uint64 { return s.unknownFrames.Load() }

// Close tears the session down, failing every pending request and callback
// invocation with api.ErrConnectionClosed.
func (s *Session) Close() error {
	s.closeOn.Do(func() {
		close(s.closeCh)
		s.closeEr = s.conn.Close()
		s.reqTable.failAll(api.ErrConnectionClosed)
		s.cbTable.failAll(api.ErrConnectionClosed)
	})
	return s.closeEr
}

// doneChPool recycles the per-send completion channels; every frame write
// on every session goes through one.
var doneChPool = pool.NewSyncPool(func() chan error { return make(chan error, 1) })

// send enqueues a pre-encoded frame and blocks until the writer picks it up
// or the session closes.
func (s *Session) send(frame []byte) error {
	done := doneChPool.Get()
	select {
	case s.writeCh <- writeJob{frame: frame, done: done}:
	case <-s.closeCh:
		doneChPool.Put(done)
		return api.ErrConnectionClosed
	}
	select {
	case err := <-done:
		doneChPool.Put(done)
		return err
	case <-s.closeCh:
		// The writer may still deliver into done; abandon the channel to
		// the GC rather than recycle one with a pending value.
		return api.ErrConnectionClosed
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case job := <-s.writeCh:
			_, err := s.conn.Write(job.frame)
			job.done <- err
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) readLoop() {
	defer s.Close()
	dec := wire.NewDecoder(s.cfg.MaxFrameSize)
	buf := pool.Default().Acquire(32 * 1024)
	defer pool.Default().Release(buf)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			frames, derr := dec.Feed(buf[:n])
			if derr != nil {
				s.log.Warn().Err(derr).Msg("ipc: frame decode error, closing session")
				return
			}
			for _, f := range frames {
				s.dispatch(f)
			}
		}
		if err != nil {
			if err != io.EOF {
				s.log.Debug().Err(err).Msg("ipc: read loop exiting")
			}
			return
		}
	}
}
