// File: internal/streamio/sender.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ResponseSender streams a guest Response body out to the client in
// STREAM_CHUNK_SIZE pieces, honouring peer-granted credit exactly;
// overshooting granted credit is a protocol error.

package streamio

import (
	"sync"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/wire"
)

// ResponseSender is the daemon-as-sender half of the response-body flavor
// (RESP_STREAM_START/CHUNK/END).
type ResponseSender struct {
	fs       FrameSender
	streamID uint32
	onDone   func()

	mu        sync.Mutex
	credit    int64
	creditSig chan struct{}
	done      bool
	cancel    bool
}

func newResponseSender(fs FrameSender, streamID uint32, meta map[string]any, onDone func()) *ResponseSender {
	s := &ResponseSender{fs: fs, streamID: streamID, onDone: onDone, creditSig: make(chan struct{}, 1)}
	_ = fs.SendStreamFrame(wire.TypeRespStreamStart, wire.RespStreamStart{StreamID: streamID, Meta: meta})
	return s
}

// StreamID reports the id this sender was registered under.
func (s *ResponseSender) StreamID() uint32 { return s.streamID }

func (s *ResponseSender) grantCredit(n uint32) {
	s.mu.Lock()
	s.credit += int64(n)
	s.mu.Unlock()
	select {
	case s.creditSig <- struct{}{}:
	default:
	}
}

func (s *ResponseSender) cancelled() {
	s.mu.Lock()
	s.cancel = true
	s.mu.Unlock()
	select {
	case s.creditSig <- struct{}{}:
	default:
	}
}

// Write splits data into STREAM_CHUNK_SIZE pieces and blocks on peer credit
// before emitting each one. It returns api.ErrStreamCancelled if the peer
// cancelled the stream mid-write.
func (s *ResponseSender) Write(data []byte) error {
	for len(data) > 0 {
		n := StreamChunkSize
		if n > len(data) {
			n = len(data)
		}
		chunk := data[:n]
		if err := s.awaitCredit(int64(n)); err != nil {
			return err
		}
		if err := s.fs.SendStreamFrame(wire.TypeRespStreamChunk, wire.RespStreamChunk{StreamID: s.streamID, Data: chunk}); err != nil {
			return err
		}
		s.mu.Lock()
		s.credit -= int64(n)
		s.mu.Unlock()
		data = data[n:]
	}
	return nil
}

func (s *ResponseSender) awaitCredit(need int64) error {
	for {
		s.mu.Lock()
		if s.cancel {
			s.mu.Unlock()
			return api.ErrStreamCancelled
		}
		have := s.credit
		s.mu.Unlock()
		if have >= need {
			return nil
		}
		<-s.creditSig
	}
}

// End sends a graceful RESP_STREAM_END.
func (s *ResponseSender) End() error {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	if s.onDone != nil {
		s.onDone()
	}
	return s.fs.SendStreamFrame(wire.TypeRespStreamEnd, wire.RespStreamEnd{StreamID: s.streamID})
}

// Abort sends an abortive RESP_STREAM_END carrying an error message.
func (s *ResponseSender) Abort(message string) error {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	if s.onDone != nil {
		s.onDone()
	}
	return s.fs.SendStreamFrame(wire.TypeRespStreamEnd, wire.RespStreamEnd{StreamID: s.streamID, Err: &message})
}
