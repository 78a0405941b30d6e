package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/xbridge/internal/bridge"
	"github.com/klppl/xbridge/internal/config"
	"github.com/klppl/xbridge/internal/db"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	store, err := db.New(filepath.Join(dir, "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	cfg := &config.Config{
		CommandList: []string{
			"register", "unregister", "report", "help", "block", "unblock", "blocks",
			"start", "stop", "users", "ablocks", "ablock", "aunblock", "ahelp",
			"redadd", "greenadd", "reddel", "greendel", "redlist", "greenlist",
			"open", "close", "status",
		},
		StartFile: filepath.Join(dir, "xmpp-bridge-start.txt"),
		OpenFile:  filepath.Join(dir, "xmpp-bridge-open.txt"),
	}
	require.NoError(t, bridge.WriteToken(cfg.StartFile, "start"))
	require.NoError(t, bridge.WriteToken(cfg.OpenFile, "open"))

	return &Server{
		Version: "test",
		Side:    bridge.XMPP,
		Cfg:     cfg,
		Store:   store,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func getStatus(t *testing.T, s *Server) statusResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest("GET", "/api/status", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp statusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestStatus(t *testing.T) {
	s := testServer(t)
	ctx := context.Background()

	require.NoError(t, s.Store.InsertUser(ctx, 1, "alice@chat.example.com", "en", "XMPP", ""))
	require.NoError(t, s.Store.ActivateUser(ctx, 1, "alice@chat.example.com", "en"))

	resp := getStatus(t, s)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "xmpp", resp.Side)
	assert.True(t, resp.Started)
	assert.True(t, resp.Open)
	assert.False(t, resp.GreenlistMode)
	assert.Equal(t, 1, resp.ActiveUsers)
}

func TestStatusStoppedAndClosed(t *testing.T) {
	s := testServer(t)
	require.NoError(t, bridge.WriteToken(s.Cfg.StartFile, "stop"))
	require.NoError(t, bridge.WriteToken(s.Cfg.OpenFile, "close"))

	resp := getStatus(t, s)
	assert.False(t, resp.Started)
	assert.False(t, resp.Open)
}

func TestRunWithoutPort(t *testing.T) {
	s := testServer(t)
	// no status port configured means the server is a no-op
	require.NoError(t, s.Run(context.Background()))
}
