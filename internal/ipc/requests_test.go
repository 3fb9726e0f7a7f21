// File: internal/ipc/requests_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// White-box coverage of requestTable, in particular u32 id wraparound.

package ipc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/isod-run/isod/api"
)

func TestRequestTableWraparound(t *testing.T) {
	tbl := newRequestTable()
	tbl.next = math.MaxUint32 - 1

	id1, _ := tbl.register()
	require.Equal(t, uint32(math.MaxUint32), id1)

	// The counter wraps; 0 is reserved, so the next id is 1.
	id2, _ := tbl.register()
	require.Equal(t, uint32(1), id2)
}

func TestRequestTableWraparoundSkipsInFlight(t *testing.T) {
	tbl := newRequestTable()

	id1, ch1 := tbl.register() // id 1, left in flight
	require.Equal(t, uint32(1), id1)

	tbl.next = math.MaxUint32
	id2, _ := tbl.register()
	require.Equal(t, uint32(2), id2, "wraparound must skip the still-pending id 1")

	tbl.resolve(id1, pendingResult{payload: []byte("late")})
	res := <-ch1
	require.Equal(t, []byte("late"), res.payload)
}

func TestRequestTableResolveOnce(t *testing.T) {
	tbl := newRequestTable()
	id, ch := tbl.register()

	tbl.resolve(id, pendingResult{payload: []byte("a")})
	tbl.resolve(id, pendingResult{payload: []byte("b")}) // dropped

	res := <-ch
	require.Equal(t, []byte("a"), res.payload)
	select {
	case <-ch:
		t.Fatal("id completed twice")
	default:
	}
}

func TestRequestTableCancelDiscardsLateReply(t *testing.T) {
	tbl := newRequestTable()
	id, ch := tbl.register()
	tbl.cancel(id)
	tbl.resolve(id, pendingResult{payload: []byte("late")})
	select {
	case <-ch:
		t.Fatal("cancelled waiter must not receive a result")
	default:
	}
}

func TestRequestTableFailAll(t *testing.T) {
	tbl := newRequestTable()
	_, ch1 := tbl.register()
	_, ch2 := tbl.register()

	tbl.failAll(api.ErrConnectionClosed)
	for _, ch := range []chan pendingResult{ch1, ch2} {
		res := <-ch
		require.Equal(t, api.ErrConnectionClosed, res.err)
	}
}
