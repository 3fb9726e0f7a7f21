package ipc_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/internal/ipc"
	"github.com/isod-run/isod/wire"
)

type echoHandler struct {
	fail bool
}

func (h *echoHandler) HandleRequest(ctx context.Context, op string, payload []byte) ([]byte, *api.Error) {
	if h.fail {
		return nil, api.NewError(api.KindScriptError, "boom")
	}
	return payload, nil
}

func newPair(t *testing.T, clientHandle, daemonHandle ipc.RequestHandler) (*ipc.Session, *ipc.Session) {
	t.Helper()
	a, b := net.Pipe()
	cfg := ipc.Config{HeartbeatInterval: 20 * time.Millisecond, RequestTimeout: time.Second}
	client := ipc.New(a, cfg, clientHandle, zerolog.Nop())
	daemon := ipc.New(b, cfg, daemonHandle, zerolog.Nop())
	t.Cleanup(func() {
		client.Close()
		daemon.Close()
	})
	return client, daemon
}

func TestRequestResponseRoundTrip(t *testing.T) {
	client, daemon := newPair(t, &echoHandler{}, &echoHandler{})
	_ = daemon

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := client.Request(ctx, "ping", []byte(`"hi"`))
	require.NoError(t, err)
	require.Equal(t, []byte(`"hi"`), resp)
}

func TestRequestErrorRoundTrip(t *testing.T) {
	client, _ := newPair(t, &echoHandler{}, &echoHandler{fail: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Request(ctx, "ping", nil)
	require.Error(t, err)
	apiErr, ok := err.(*api.Error)
	require.True(t, ok)
	require.Equal(t, api.KindScriptError, apiErr.Kind)
	require.Equal(t, "boom", apiErr.Message)
}

type blockingHandler struct{}

func (blockingHandler) HandleRequest(ctx context.Context, op string, payload []byte) ([]byte, *api.Error) {
	<-ctx.Done()
	return nil, api.NewError(api.KindRequestTimeout, "never replied")
}

func TestCloseFailsPendingRequests(t *testing.T) {
	client, daemon := newPair(t, &echoHandler{}, blockingHandler{})

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := client.Request(ctx, "neverReplied", nil)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	daemon.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, api.ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("request did not fail after session close")
	}
}

func TestHeartbeatExchange(t *testing.T) {
	_, daemon := newPair(t, &echoHandler{}, &echoHandler{})
	time.Sleep(100 * time.Millisecond)
	require.False(t, daemon.Closed())
}

// TestInvokeClientCallbackRoundTrip answers CBInvoke frames with a canned
// CBResponse, exercising the correlation path independent of a real
// bridge.Kernel.
func TestInvokeClientCallbackRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	cfg := ipc.Config{RequestTimeout: time.Second}
	daemon := ipc.New(a, cfg, &echoHandler{}, zerolog.Nop())
	t.Cleanup(func() { daemon.Close() })

	go func() {
		buf := make([]byte, 4096)
		dec := wire.NewDecoder(0)
		for {
			n, err := b.Read(buf)
			if err != nil {
				return
			}
			frames, ferr := dec.Feed(buf[:n])
			if ferr != nil {
				return
			}
			for _, f := range frames {
				if f.Type != wire.TypeCBInvoke {
					continue
				}
				var inv wire.CBInvoke
				if err := wire.Unmarshal(f.Body, &inv); err != nil {
					continue
				}
				v := wire.Int(7)
				body, _ := wire.Marshal(wire.CBResponse{ID: inv.ID, Value: &v})
				_, _ = b.Write(wire.EncodeFrame(wire.TypeCBResponse, body))
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := daemon.InvokeClientCallback(ctx, "iso-1", 42, nil)
	require.NoError(t, err)
	require.Equal(t, wire.TagInt, v.Tag)
	require.Equal(t, int64(7), v.Int)
}

// An unrecognized frame type fails with UnknownMessageType but never
// desynchronises or tears down the session: the follow-up ping on the same
// byte stream still gets its pong.
func TestUnknownMessageTypeCountedWithoutDesync(t *testing.T) {
	a, b := net.Pipe()
	daemon := ipc.New(a, ipc.Config{RequestTimeout: time.Second}, &echoHandler{}, zerolog.Nop())
	t.Cleanup(func() {
		daemon.Close()
		b.Close()
	})

	pingBody, err := wire.Marshal(wire.Ping{Nonce: 9})
	require.NoError(t, err)
	var stream []byte
	stream = append(stream, wire.EncodeFrame(wire.MessageType(0xEE), []byte{0xDE, 0xAD})...)
	stream = append(stream, wire.EncodeFrame(wire.TypePing, pingBody)...)
	_, err = b.Write(stream)
	require.NoError(t, err)

	dec := wire.NewDecoder(0)
	buf := make([]byte, 4096)
	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		n, rerr := b.Read(buf)
		require.NoError(t, rerr, "no pong before deadline")
		frames, derr := dec.Feed(buf[:n])
		require.NoError(t, derr)
		var pong *wire.Pong
		for _, f := range frames {
			if f.Type == wire.TypePong {
				var p wire.Pong
				require.NoError(t, wire.Unmarshal(f.Body, &p))
				pong = &p
			}
		}
		if pong != nil {
			require.Equal(t, uint64(9), pong.Nonce)
			break
		}
	}

	require.Equal(t, uint64(1), daemon.UnknownMessageTypes())
	require.False(t, daemon.Closed())
}
