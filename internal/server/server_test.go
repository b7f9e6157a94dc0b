package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/ambient/internal/config"
	"github.com/neboloop/ambient/internal/db"
	"github.com/neboloop/ambient/internal/extract"
	"github.com/neboloop/ambient/internal/learning"
	"github.com/neboloop/ambient/internal/queue"
)

type nopExtractor struct{}

func (nopExtractor) Extract(context.Context, string, []queue.Message) (*extract.Result, error) {
	return &extract.Result{}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *learning.Service) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	sqlDB, err := db.Open(filepath.Join(cfg.DataDir, "ambient.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := learning.New(context.Background(), cfg, log, sqlDB, nopExtractor{})
	require.NoError(t, err)

	ts := httptest.NewServer(New(svc, log).Router())
	t.Cleanup(ts.Close)
	return ts, svc
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestLearnEndpointQueuesWork(t *testing.T) {
	ts, svc := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/learn", `{
		"user_id": "u1",
		"session_id": "s1",
		"messages": [{"role": "user", "content": "I prefer dark roast"}]
	}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	st, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.PendingCount)
}

func TestLearnEndpointValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/learn", `{"messages": []}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/v1/learn", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActivityEndpoints(t *testing.T) {
	ts, svc := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/activity/active", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	st, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.UIActive)

	resp = postJSON(t, ts.URL+"/api/v1/activity/idle", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	st, err = svc.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.UIActive)
}

func TestStatusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var st learning.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "idle", st.State)
	assert.False(t, st.IsRunning)
}

func TestRunNowEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/run-now", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestCrashesEndpointEmptyHistory(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/crashes")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ambient_")
}
