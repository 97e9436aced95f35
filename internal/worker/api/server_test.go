package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pandinosaurus/deepforge/internal/common/logger"
	"github.com/Pandinosaurus/deepforge/internal/worker/client"
	"github.com/Pandinosaurus/deepforge/internal/worker/process"
)

type staticSessions []client.SessionStatus

func (s staticSessions) Sessions() []client.SessionStatus { return s }

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv := NewServer("worker-1", staticSessions{}, logger.Nop())

	rec := get(t, srv, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","worker_id":"worker-1"}`, rec.Body.String())
}

func TestSessions(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	srv := NewServer("worker-1", staticSessions{
		{SessionID: "s1", InFlight: 2, Processes: []process.Info{
			{ID: "p1", Command: "python train.py", PID: 4242, StartedAt: started},
		}},
		{SessionID: "s2", InFlight: 1, Processes: []process.Info{}},
	}, logger.Nop())

	rec := get(t, srv, "/api/v1/sessions")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []client.SessionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.Equal(t, 2, got[0].InFlight)
	require.Len(t, got[0].Processes, 1)
	assert.Equal(t, 4242, got[0].Processes[0].PID)
	assert.True(t, started.Equal(got[0].Processes[0].StartedAt))
}

func TestUnknownRoute(t *testing.T) {
	srv := NewServer("worker-1", staticSessions{}, logger.Nop())
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/v1/nope").Code)
}
