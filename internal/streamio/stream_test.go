package streamio_test

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/isod-run/isod/internal/streamio"
	"github.com/isod-run/isod/wire"
)

// recordingSink captures every frame a component under test sends, so
// assertions can inspect exact wire traffic (e.g. credit safety).
type recordingSink struct {
	mu     sync.Mutex
	frames []sentFrame
	onSend func(typ wire.MessageType, v any)
}

type sentFrame struct {
	typ wire.MessageType
	v   any
}

func (s *recordingSink) SendStreamFrame(typ wire.MessageType, v any) error {
	s.mu.Lock()
	s.frames = append(s.frames, sentFrame{typ, v})
	s.mu.Unlock()
	if s.onSend != nil {
		s.onSend(typ, v)
	}
	return nil
}

// TestResponseSenderCreditSafety drives a ResponseSender with a fake client
// that grants credit in small increments and verifies the sender never
// pushes more bytes than it has been granted.
func TestResponseSenderCreditSafety(t *testing.T) {
	sink := &recordingSink{}
	mux := streamio.NewMultiplexer(sink)

	var granted, pushed int64
	var mu sync.Mutex
	sink.onSend = func(typ wire.MessageType, v any) {
		if typ == wire.TypeRespStreamChunk {
			mu.Lock()
			pushed += int64(len(v.(wire.RespStreamChunk).Data))
			require.LessOrEqual(t, pushed, granted)
			mu.Unlock()
		}
	}

	sender := mux.NewResponseSender(nil)

	grant := func(n uint32) {
		mu.Lock()
		granted += int64(n)
		mu.Unlock()
		mux.HandleStreamFrame(wire.TypeStreamPull, marshal(t, wire.StreamPull{StreamID: sender.StreamID(), MaxBytes: n}))
	}

	data := bytes.Repeat([]byte("x"), 5*streamio.StreamChunkSize+123)

	done := make(chan error, 1)
	go func() { done <- sender.Write(data) }()

	for i := 0; i < 6; i++ {
		grant(streamio.StreamChunkSize)
	}
	require.NoError(t, <-done)
	require.NoError(t, sender.End())

	var total []byte
	sink.mu.Lock()
	for _, f := range sink.frames {
		if c, ok := f.v.(wire.RespStreamChunk); ok {
			total = append(total, c.Data...)
		}
	}
	sink.mu.Unlock()
	require.Equal(t, data, total) // stream conservation
}

func TestResponseSenderCancellation(t *testing.T) {
	sink := &recordingSink{}
	mux := streamio.NewMultiplexer(sink)
	sender := mux.NewResponseSender(nil)

	mux.HandleStreamFrame(wire.TypeStreamError, marshal(t, wire.StreamError{StreamID: sender.StreamID(), Text: "client gone"}))

	err := sender.Write([]byte("never sent"))
	require.Error(t, err)
}

// TestBodyReceiverConservationAndRegrant simulates an uploading client that
// only pushes as much as it has been granted, verifying the receiver
// reassembles bytes in order and keeps granting fresh credit.
func TestBodyReceiverConservationAndRegrant(t *testing.T) {
	sink := &recordingSink{}
	mux := streamio.NewMultiplexer(sink)

	streamID := mux.AllocStreamID()
	recv := mux.RegisterUploadReceiver(streamID)

	payload := bytes.Repeat([]byte("y"), 3*streamio.StreamDefaultCredit+7)

	go func() {
		sent := 0
		for sent < len(payload) {
			sink.mu.Lock()
			var credit uint32
			for _, f := range sink.frames {
				if p, ok := f.v.(wire.StreamPull); ok && p.StreamID == streamID {
					credit += p.MaxBytes
				}
			}
			sink.mu.Unlock()
			avail := int(credit) - sent
			if avail <= 0 {
				continue
			}
			n := avail
			if n > streamio.StreamChunkSize {
				n = streamio.StreamChunkSize
			}
			if sent+n > len(payload) {
				n = len(payload) - sent
			}
			mux.HandleStreamFrame(wire.TypeStreamPush, marshal(t, wire.StreamPush{StreamID: streamID, Data: payload[sent: sent+n]}))
			sent += n
		}
		mux.HandleStreamFrame(wire.TypeStreamClose, marshal(t, wire.StreamClose{StreamID: streamID}))
	}()

	got, err := recv.ReadAll()
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestBodyReceiverErrorPropagation(t *testing.T) {
	sink := &recordingSink{}
	mux := streamio.NewMultiplexer(sink)
	streamID := mux.AllocStreamID()
	recv := mux.RegisterUploadReceiver(streamID)

	mux.HandleStreamFrame(wire.TypeStreamError, marshal(t, wire.StreamError{StreamID: streamID, Text: "disk full"}))

	_, err := recv.Read()
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF)
}

func TestCallbackStreamStartHandler(t *testing.T) {
	sink := &recordingSink{}
	mux := streamio.NewMultiplexer(sink)

	var gotReqID uint32
	var gotRecv *streamio.BodyReceiver
	mux.SetCallbackStreamStartHandler(func(reqID uint32, meta map[string]any, recv *streamio.BodyReceiver) {
		gotReqID = reqID
		gotRecv = recv
	})

	mux.HandleStreamFrame(wire.TypeCBStreamStart, marshal(t, wire.CBStreamStart{ID: 99, StreamID: 1, Meta: map[string]any{"status": int64(200)}}))
	require.Equal(t, uint32(99), gotReqID)
	require.NotNil(t, gotRecv)

	mux.HandleStreamFrame(wire.TypeCBStreamChunk, marshal(t, wire.CBStreamChunk{StreamID: 1, Data: []byte("abc")}))
	mux.HandleStreamFrame(wire.TypeCBStreamEnd, marshal(t, wire.CBStreamEnd{StreamID: 1}))

	got, err := gotRecv.ReadAll()
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := wire.Marshal(v)
	require.NoError(t, err)
	return b
}
