// File: daemon/daemon_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Black-box socket-level tests: a minimal wire-speaking client drives the
// daemon over a unix socket the same way a production client library
// would, without any client-side helper code from this module.

package daemon_test

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/daemon"
	"github.com/isod-run/isod/wire"
)

func newDaemon(t *testing.T, mutate func(*daemon.Config)) (*daemon.Daemon, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "isod.sock")
	cfg := daemon.Config{
		SocketPath:  sock,
		MaxIsolates: 4,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := daemon.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Shutdown() })
	return d, sock
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	dec    *wire.Decoder
	queued []wire.RawFrame
	nextID uint32
}

func dialClient(t *testing.T, sock string) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, dec: wire.NewDecoder(0)}
}

func (c *testClient) sendFrame(typ wire.MessageType, v any) {
	c.t.Helper()
	body, err := wire.Marshal(v)
	require.NoError(c.t, err)
	_, err = c.conn.Write(wire.EncodeFrame(typ, body))
	require.NoError(c.t, err)
}

// next returns the next inbound frame, skipping heartbeat pings.
func (c *testClient) next(timeout time.Duration) wire.RawFrame {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 32*1024)
	for {
		for len(c.queued) > 0 {
			f := c.queued[0]
			c.queued = c.queued[1:]
			if f.Type == wire.TypePing {
				continue
			}
			return f
		}
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		n, err := c.conn.Read(buf)
		require.NoError(c.t, err, "no frame before deadline")
		frames, derr := c.dec.Feed(buf[:n])
		require.NoError(c.t, derr)
		c.queued = append(c.queued, frames...)
	}
}

// request sends op and blocks for the correlated RespOK/RespErr.
func (c *testClient) request(op string, payload any) (okPayload []byte, wireErr *wire.WireError) {
	c.t.Helper()
	raw, err := wire.Marshal(payload)
	require.NoError(c.t, err)
	c.nextID++
	id := c.nextID
	c.sendFrame(wire.TypeReq, wire.Req{ID: id, Op: op, Payload: raw})

	for {
		f := c.next(10 * time.Second)
		switch f.Type {
		case wire.TypeRespOK:
			var m wire.RespOK
			require.NoError(c.t, wire.Unmarshal(f.Body, &m))
			if m.ID != id {
				continue
			}
			return m.Payload, nil
		case wire.TypeRespErr:
			var m wire.RespErr
			require.NoError(c.t, wire.Unmarshal(f.Body, &m))
			if m.ID != id {
				continue
			}
			return nil, &m.Error
		}
	}
}

func TestPingPong(t *testing.T) {
	_, sock := newDaemon(t, nil)
	c := dialClient(t, sock)

	c.sendFrame(wire.TypePing, wire.Ping{Nonce: 7})
	f := c.next(5 * time.Second)
	require.Equal(t, wire.TypePong, f.Type)
	var pong wire.Pong
	require.NoError(t, wire.Unmarshal(f.Body, &pong))
	require.Equal(t, uint64(7), pong.Nonce)
}

func TestUnknownOp(t *testing.T) {
	_, sock := newDaemon(t, nil)
	c := dialClient(t, sock)

	_, werr := c.request("bogus", struct{}{})
	require.NotNil(t, werr)
	require.Equal(t, api.KindProtocolError.String(), werr.Code)
}

func TestEvalUnknownIsolate(t *testing.T) {
	_, sock := newDaemon(t, nil)
	c := dialClient(t, sock)

	_, werr := c.request("eval", wire.EvalReq{IsolateID: "nope", Code: "1"})
	require.NotNil(t, werr)
	require.Equal(t, api.KindIsolateNotFound.String(), werr.Code)
}

func TestEvalPayloadValidation(t *testing.T) {
	_, sock := newDaemon(t, nil)
	c := dialClient(t, sock)

	_, werr := c.request("eval", wire.EvalReq{IsolateID: "x"}) // Code missing
	require.NotNil(t, werr)
	require.Equal(t, api.KindProtocolError.String(), werr.Code)
}

func TestCreateEvalDispose(t *testing.T) {
	_, sock := newDaemon(t, nil)
	c := dialClient(t, sock)

	okPayload, werr := c.request("createRuntime", wire.CreateRuntimeReq{})
	require.Nil(t, werr)
	var created wire.CreateRuntimeResp
	require.NoError(t, wire.Unmarshal(okPayload, &created))
	require.NotEmpty(t, created.IsolateID)
	require.False(t, created.Reused)

	okPayload, werr = c.request("eval", wire.EvalReq{IsolateID: created.IsolateID, Code: "6*7"})
	require.Nil(t, werr)
	var evalResp wire.EvalResp
	require.NoError(t, wire.Unmarshal(okPayload, &evalResp))
	require.JSONEq(t, "42", string(evalResp.Result))

	okPayload, werr = c.request("hasServeHandler", wire.HasServeHandlerReq{IsolateID: created.IsolateID})
	require.Nil(t, werr)
	var has wire.HasServeHandlerResp
	require.NoError(t, wire.Unmarshal(okPayload, &has))
	require.False(t, has.Has)

	_, werr = c.request("dispose", wire.DisposeReq{IsolateID: created.IsolateID})
	require.Nil(t, werr)

	_, werr = c.request("eval", wire.EvalReq{IsolateID: created.IsolateID, Code: "1"})
	require.NotNil(t, werr)
	require.Equal(t, api.KindIsolateNotFound.String(), werr.Code)
}

func TestStaleSocketRemovedOnBind(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "stale.sock")
	require.NoError(t, os.WriteFile(sock, []byte("stale"), 0o600))

	d, err := daemon.New(daemon.Config{SocketPath: sock, MaxIsolates: 1}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Shutdown() })

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestBindFailureKind(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	d, err := daemon.New(daemon.Config{Host: "127.0.0.1", Port: port, MaxIsolates: 1}, zerolog.Nop())
	require.NoError(t, err)
	startErr := d.Start()
	require.Error(t, startErr)
	apiErr, ok := startErr.(*api.Error)
	require.True(t, ok)
	require.Equal(t, api.KindBindFailure, apiErr.Kind)
}

func TestConfigMisuse(t *testing.T) {
	_, err := daemon.New(daemon.Config{SocketPath: "/tmp/a.sock", Host: "127.0.0.1"}, zerolog.Nop())
	require.Error(t, err)
}
