// File: internal/streamio/receiver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// BodyReceiver is the daemon-as-receiver half shared by upload bodies and
// callback-response-body streams. It grants STREAM_PULL credit
// up front and again as chunks are consumed, and surfaces arriving bytes
// through Read.

package streamio

import (
	"io"
	"sync"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/wire"
)

// ReceiverKind selects which cancellation frame Cancel emits.
type ReceiverKind int

const (
	KindBodyStream ReceiverKind = iota
	KindCallbackStream
)

// BodyReceiver accumulates chunks pushed by the peer and grants credit as
// they are consumed, keeping at most StreamDefaultCredit bytes of
// outstanding grant at a time.
type BodyReceiver struct {
	fs       FrameSender
	streamID uint32
	kind     ReceiverKind

	mu       sync.Mutex
	chunks   [][]byte
	notify   chan struct{}
	ended    bool
	errText  *string
	consumed int64
}

func newBodyReceiver(fs FrameSender, streamID uint32, kind ReceiverKind) *BodyReceiver {
	return &BodyReceiver{fs: fs, streamID: streamID, kind: kind, notify: make(chan struct{}, 1)}
}

// StreamID reports the id this receiver is registered under.
func (r *BodyReceiver) StreamID() uint32 { return r.streamID }

func (r *BodyReceiver) grantInitialCredit() {
	_ = r.fs.SendStreamFrame(wire.TypeStreamPull, wire.StreamPull{StreamID: r.streamID, MaxBytes: StreamDefaultCredit})
}

func (r *BodyReceiver) pushChunk(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	r.mu.Lock()
	r.chunks = append(r.chunks, cp)
	r.mu.Unlock()
	r.wake()
}

func (r *BodyReceiver) complete(errText *string) {
	r.mu.Lock()
	r.ended = true
	r.errText = errText
	r.mu.Unlock()
	r.wake()
}

func (r *BodyReceiver) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Read returns the next pushed chunk, blocking until one arrives. It
// returns io.EOF after STREAM_CLOSE/CB_STREAM_END with no error text, or
// the structured stream error after STREAM_ERROR/CB_STREAM_END{err}.
func (r *BodyReceiver) Read() ([]byte, error) {
	for {
		r.mu.Lock()
		if len(r.chunks) > 0 {
			chunk := r.chunks[0]
			r.chunks = r.chunks[1:]
			r.consumed += int64(len(chunk))
			var regrant int64
			if r.consumed >= StreamDefaultCredit/2 {
				regrant = r.consumed
				r.consumed = 0
			}
			r.mu.Unlock()
			if regrant > 0 {
				_ = r.fs.SendStreamFrame(wire.TypeStreamPull, wire.StreamPull{StreamID: r.streamID, MaxBytes: uint32(regrant)})
			}
			return chunk, nil
		}
		if r.ended {
			errText := r.errText
			r.mu.Unlock()
			if errText != nil {
				return nil, api.NewError(api.KindStreamCancelled, *errText)
			}
			return nil, io.EOF
		}
		r.mu.Unlock()
		<-r.notify
	}
}

// ReadAll drains the receiver to completion, concatenating every chunk
// (used where the caller needs the whole body rather than a stream, e.g.
// small request bodies that still arrived out-of-band).
func (r *BodyReceiver) ReadAll() ([]byte, error) {
	var out []byte
	for {
		chunk, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
}

// Cancel tells the peer this side has abandoned the stream.
func (r *BodyReceiver) Cancel() error {
	r.mu.Lock()
	r.ended = true
	r.mu.Unlock()
	r.wake()

	if r.kind == KindCallbackStream {
		return r.fs.SendStreamFrame(wire.TypeCBStreamCancel, wire.CBStreamCancel{StreamID: r.streamID})
	}
	text := "cancelled by receiver"
	return r.fs.SendStreamFrame(wire.TypeStreamError, wire.StreamError{StreamID: r.streamID, Text: text})
}
