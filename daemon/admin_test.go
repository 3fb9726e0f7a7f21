// File: daemon/admin_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package daemon_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/isod-run/isod/daemon"
)

func adminURL(addr, path string) string {
	return fmt.Sprintf("http://%s%s", addr, path)
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestAdminHealthz(t *testing.T) {
	d, _ := newDaemon(t, func(cfg *daemon.Config) { cfg.AdminAddr = "127.0.0.1:0" })
	addr := d.AdminAddr()
	require.NotEmpty(t, addr)

	var out map[string]any
	getJSON(t, adminURL(addr, "/healthz"), &out)
	require.Equal(t, "ok", out["status"])
}

func TestAdminPoolAndSessions(t *testing.T) {
	d, sock := newDaemon(t, func(cfg *daemon.Config) { cfg.AdminAddr = "127.0.0.1:0" })
	addr := d.AdminAddr()

	var pool map[string]any
	getJSON(t, adminURL(addr, "/debug/pool"), &pool)
	require.EqualValues(t, 0, pool["isolates"])
	require.EqualValues(t, 4, pool["max"])

	dialClient(t, sock)
	require.Eventually(t, func() bool {
		var sessions []map[string]any
		getJSON(t, adminURL(addr, "/debug/sessions"), &sessions)
		return len(sessions) == 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestAdminConfigRoundTrip(t *testing.T) {
	d, _ := newDaemon(t, func(cfg *daemon.Config) { cfg.AdminAddr = "127.0.0.1:0" })
	addr := d.AdminAddr()

	body, _ := json.Marshal(map[string]any{"drain_note": "maintenance"})
	resp, err := http.Post(adminURL(addr, "/debug/config"), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg map[string]any
	getJSON(t, adminURL(addr, "/debug/config"), &cfg)
	require.Equal(t, "maintenance", cfg["drain_note"])
	// Flag-seeded keys survive the merge.
	require.Contains(t, cfg, "max_isolates")
}

func TestAdminEventsEmptyByDefault(t *testing.T) {
	d, _ := newDaemon(t, func(cfg *daemon.Config) { cfg.AdminAddr = "127.0.0.1:0" })
	addr := d.AdminAddr()

	var events []any
	getJSON(t, adminURL(addr, "/debug/events"), &events)
	require.Empty(t, events)
}

func TestAdminStatsWebSocket(t *testing.T) {
	d, _ := newDaemon(t, func(cfg *daemon.Config) { cfg.AdminAddr = "127.0.0.1:0" })
	addr := d.AdminAddr()

	ws, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/debug/stats", addr), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var snapshot map[string]any
	require.NoError(t, ws.ReadJSON(&snapshot))
	require.Contains(t, snapshot, "max_isolates")
}
