// File: wire/frame.go
// Package wire implements the daemon's framed IPC protocol.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Each frame is `be_u32 length | u8 type | msgpack body`, where length
// covers type+body. The codec is a stateful parser: it accepts arbitrary
// byte splits across successive Feed calls and emits zero or more whole
// frames per call, so any byte partitioning of a valid stream yields the
// same ordered message sequence as a single-buffer parse.

package wire

import (
	"encoding/binary"

	"github.com/isod-run/isod/api"
)

// DefaultMaxFrameSize bounds a single frame; large enough to carry one
// STREAM_CHUNK (see StreamChunkSize) plus header overhead.
const DefaultMaxFrameSize = 1 << 20 // 1 MiB

const frameHeaderLen = 5 // u32 length + u8 type

// RawFrame is a decoded-but-not-unmarshalled frame: a message Type tag and
// its msgpack-encoded body. Callers unmarshal Body into a concrete message
// struct from message.go via Unmarshal.
type RawFrame struct {
	Type MessageType
	Body []byte
}

// EncodeFrame serializes a message type and pre-encoded msgpack body into a
// wire frame.
func EncodeFrame(typ MessageType, body []byte) []byte {
	buf := make([]byte, frameHeaderLen+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(body)))
	buf[4] = byte(typ)
	copy(buf[frameHeaderLen:], body)
	return buf
}

// Decoder is a stateful, incremental frame parser. It is not safe for
// concurrent use; each IPC session owns exactly one Decoder for its read
// half.
type Decoder struct {
	maxFrameSize int
	buf          []byte
	corrupt      bool
}

// NewDecoder constructs a Decoder with the given maximum frame size. A
// maxFrameSize <= 0 selects DefaultMaxFrameSize.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends newly read bytes and returns every whole frame now
// available. It never blocks and never partially consumes a frame header.
// Once a terminal CorruptFrame error is returned, the Decoder is poisoned:
// further Feed calls return the same error without attempting to parse,
// since the byte stream can no longer be trusted to be frame-aligned.
func (d *Decoder) Feed(chunk []byte) ([]RawFrame, error) {
	if d.corrupt {
		return nil, api.NewError(api.KindCorruptFrame, "decoder is poisoned by a prior corrupt frame")
	}
	d.buf = append(d.buf, chunk...)

	var out []RawFrame
	for {
		if len(d.buf) < frameHeaderLen {
			break
		}
		length := binary.BigEndian.Uint32(d.buf[0:4])
		if int64(length) > int64(d.maxFrameSize) {
			d.corrupt = true
			return out, api.NewError(api.KindCorruptFrame, "frame length exceeds configured maximum")
		}
		if length < 1 {
			d.corrupt = true
			return out, api.NewError(api.KindCorruptFrame, "frame length must cover at least the type byte")
		}
		total := frameHeaderLen + int(length) - 1
		if len(d.buf) < total {
			break // partial frame; wait for more bytes
		}
		typ := MessageType(d.buf[4])
		body := make([]byte, total-frameHeaderLen)
		copy(body, d.buf[frameHeaderLen:total])
		out = append(out, RawFrame{Type: typ, Body: body})
		d.buf = d.buf[total:]
	}
	return out, nil
}

// Reset discards any buffered partial frame and clears the corrupt flag;
// used only when a session is being recycled, never mid-stream.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.corrupt = false
}
