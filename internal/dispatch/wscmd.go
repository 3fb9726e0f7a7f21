// File: internal/dispatch/wscmd.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package dispatch

import "github.com/isod-run/isod/wire"

// wireMarshalWSCmd encodes a guest-originated ServerWebSocket command as
// the msgpack payload of an ISOLATE_EVENT{event:"ws"}.
func wireMarshalWSCmd(connectionID, kind string, data []byte, code int, reason string) ([]byte, error) {
	return wire.Marshal(wire.WSCmd{
		ConnectionID: connectionID,
		Kind:         kind,
		Data:         data,
		Code:         code,
		Reason:       reason,
	})
}
