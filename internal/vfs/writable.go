// File: internal/vfs/writable.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Writable-stream semantics: write() is not buffered
// end-to-end — every chunk produces exactly one writeFile call at the
// current position, then advances position by chunk length. write()
// also accepts the two WriteParams variants ({type:"seek"} and
// {type:"truncate"}); close()/abort() both mark the stream closed, after
// which every further operation fails with InvalidStateError.
//
// Kept as pure Go logic over *Handle/*FileSystemHandler, independent of
// the V8 object install.go builds around it, so the scenario-2 "exactly N
// writeFile calls of exactly chunkSize bytes, in order" testable property
// can be exercised without a live isolate.

package vfs

import (
	"context"

	"github.com/isod-run/isod/api"
)

// WriteParams is the decoded shape of the two non-chunk write() argument
// variants.
type WriteParams struct {
	Type     string // "write" | "seek" | "truncate"
	Data     []byte
	Position int64
	Size     int64
}

var errClosedStream = &FSError{DOMName: api.DOMInvalidStateError, Message: "writable stream is closed"}

// WritableStream drives one FileSystemWritableFileStream instance over a
// *Handle whose Kind is KindWritable.
type WritableStream struct {
	handle  *Handle
	handler *FileSystemHandler
	path    string
}

// NewWritableStream constructs a stream writer bound to h.
func NewWritableStream(h *Handle) *WritableStream {
	return &WritableStream{handle: h, handler: h.Handler, path: h.Path}
}

// Write implements the default chunk-write path: one writeFile call at the
// current position, then position += len(chunk).
func (w *WritableStream) Write(ctx context.Context, chunk []byte) error {
	w.handle.mu.Lock()
	if w.handle.Closed {
		w.handle.mu.Unlock()
		return errClosedStream
	}
	pos := w.handle.Position
	w.handle.mu.Unlock()

	start := int64(pos)
	if err := w.handler.WriteFile(ctx, w.path, chunk, &start); err != nil {
		return err
	}

	w.handle.mu.Lock()
	w.handle.Position = pos + uint64(len(chunk))
	w.handle.mu.Unlock()
	return nil
}

// WriteParams implements the two non-chunk write() argument shapes:
// seek moves the cursor without touching file content; truncate
// resizes the file and clips position down to size if it now exceeds it.
func (w *WritableStream) WriteParams(ctx context.Context, p WriteParams) error {
	w.handle.mu.Lock()
	if w.handle.Closed {
		w.handle.mu.Unlock()
		return errClosedStream
	}
	w.handle.mu.Unlock()

	switch p.Type {
	case "seek":
		w.handle.mu.Lock()
		w.handle.Position = uint64(p.Position)
		w.handle.mu.Unlock()
		return nil
	case "truncate":
		if err := w.handler.Truncate(ctx, w.path, p.Size); err != nil {
			return err
		}
		w.handle.mu.Lock()
		if w.handle.Position > uint64(p.Size) {
			w.handle.Position = uint64(p.Size)
		}
		w.handle.mu.Unlock()
		return nil
	default:
		return w.Write(ctx, p.Data)
	}
}

// Close marks the stream closed; every subsequent Write/WriteParams call
// fails with InvalidStateError.
func (w *WritableStream) Close() error {
	w.handle.mu.Lock()
	defer w.handle.mu.Unlock()
	if w.handle.Closed {
		return errClosedStream
	}
	w.handle.Closed = true
	return nil
}

// Abort marks the stream closed and discards future writes, exactly like
// Close; the reason argument of the guest's abort() is not used.
func (w *WritableStream) Abort() error {
	w.handle.mu.Lock()
	defer w.handle.mu.Unlock()
	if w.handle.Closed {
		return errClosedStream
	}
	w.handle.Closed = true
	return nil
}

// IsClosed reports whether Close/Abort has already run.
func (w *WritableStream) IsClosed() bool {
	w.handle.mu.Lock()
	defer w.handle.mu.Unlock()
	return w.handle.Closed
}

// Position reports the stream's current write cursor.
func (w *WritableStream) Position() uint64 {
	w.handle.mu.Lock()
	defer w.handle.mu.Unlock()
	return w.handle.Position
}
