// File: internal/vfs/writable_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Writable-stream semantics over a recording handler, including the
// literal chunked-upload scenario from the testable properties: sixteen
// 64 KiB chunks produce exactly sixteen ordered writeFile calls.

package vfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/isod-run/isod/api"
	"github.com/isod-run/isod/internal/vfs"
	"github.com/isod-run/isod/wire"
)

func newWritable(inv *fakeInvoker) *vfs.WritableStream {
	reg := vfs.NewRegistry()
	h := reg.Alloc(vfs.KindWritable, "/mnt", "/large.bin", vfs.NewFileSystemHandler(inv, "iso-1", allCallbacks()))
	return vfs.NewWritableStream(h)
}

func TestChunkedUploadWritesInOrder(t *testing.T) {
	inv := newFakeInvoker()
	ws := newWritable(inv)

	const chunkSize = 64 * 1024
	const chunks = 16
	chunk := make([]byte, chunkSize)
	for i := range chunk {
		chunk[i] = byte(i)
	}

	for i := 0; i < chunks; i++ {
		require.NoError(t, ws.Write(context.Background(), chunk))
	}

	require.Len(t, inv.calls, chunks)
	for i, call := range inv.calls {
		require.Equal(t, cbWriteFile, call.callbackID)
		require.Equal(t, wire.String("/large.bin"), call.args[0])
		require.Len(t, call.args[1].Bytes, chunkSize)
		require.Equal(t, int64(i*chunkSize), call.args[2].Int)
	}
	require.Equal(t, uint64(chunks*chunkSize), ws.Position())
}

func TestSeekMovesCursorWithoutWriting(t *testing.T) {
	inv := newFakeInvoker()
	ws := newWritable(inv)

	require.NoError(t, ws.WriteParams(context.Background(), vfs.WriteParams{Type: "seek", Position: 100}))
	require.Empty(t, inv.calls)
	require.Equal(t, uint64(100), ws.Position())

	require.NoError(t, ws.Write(context.Background(), []byte("ab")))
	require.Equal(t, int64(100), inv.calls[0].args[2].Int)
	require.Equal(t, uint64(102), ws.Position())
}

func TestTruncateClipsPosition(t *testing.T) {
	inv := newFakeInvoker()
	inv.respond(cbReadFile, func([]wire.Value) (*wire.Value, error) {
		v := wire.Bytes(make([]byte, 50))
		return &v, nil
	})
	ws := newWritable(inv)

	require.NoError(t, ws.WriteParams(context.Background(), vfs.WriteParams{Type: "seek", Position: 40}))
	require.NoError(t, ws.WriteParams(context.Background(), vfs.WriteParams{Type: "truncate", Size: 10}))
	require.Equal(t, uint64(10), ws.Position())

	// Truncating to a size above the current position leaves it alone.
	require.NoError(t, ws.WriteParams(context.Background(), vfs.WriteParams{Type: "seek", Position: 5}))
	require.NoError(t, ws.WriteParams(context.Background(), vfs.WriteParams{Type: "truncate", Size: 8}))
	require.Equal(t, uint64(5), ws.Position())
}

func TestCloseRejectsFurtherOperations(t *testing.T) {
	inv := newFakeInvoker()
	ws := newWritable(inv)

	require.NoError(t, ws.Close())
	require.True(t, ws.IsClosed())

	err := ws.Write(context.Background(), []byte("x"))
	var fsErr *vfs.FSError
	require.ErrorAs(t, err, &fsErr)
	require.Equal(t, api.DOMInvalidStateError, fsErr.DOMName)

	require.Error(t, ws.WriteParams(context.Background(), vfs.WriteParams{Type: "seek", Position: 0}))
	require.Error(t, ws.Close(), "double close fails like any other post-close operation")
}

func TestAbortDiscardsFutureWrites(t *testing.T) {
	inv := newFakeInvoker()
	ws := newWritable(inv)

	require.NoError(t, ws.Abort())
	require.True(t, ws.IsClosed())
	require.Error(t, ws.Write(context.Background(), []byte("x")))
	require.Empty(t, inv.calls)
}
