package taskboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(key, taskID string, status TaskStatus) ReplayRecord {
	return ReplayRecord{
		ReplayKey:    key,
		TaskID:       taskID,
		Title:        "Automation job-1",
		AssigneeType: "agent_profile",
		AssigneeID:   "default",
		ToStatus:     status,
		RunID:        "run-1",
	}
}

func TestMemoryBoardReplayIsIdempotent(t *testing.T) {
	board := NewMemoryBoard()
	ctx := context.Background()
	req := ReplayRequest{Records: []ReplayRecord{
		record("automation:job-1:run:run-1", "automation:job-1", TaskDone),
	}}

	first, err := board.ReplayRunLinks(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, first.LinkedCount)
	assert.Equal(t, ItemLinked, first.Items[0].Status)
	assert.Equal(t, int64(1), first.Items[0].Version)

	second, err := board.ReplayRunLinks(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, second.LinkedCount)
	assert.Equal(t, 1, second.SkippedCount)
	assert.Equal(t, ItemSkippedDuplicate, second.Items[0].Status)
	assert.Equal(t, int64(1), second.Items[0].Version)

	task, ok := board.Task("automation:job-1")
	require.True(t, ok)
	assert.Equal(t, TaskDone, task.Status)
	assert.Equal(t, 1, task.Links)
}

func TestMemoryBoardNewRunBumpsVersion(t *testing.T) {
	board := NewMemoryBoard()
	ctx := context.Background()

	res, err := board.ReplayRunLinks(ctx, ReplayRequest{Records: []ReplayRecord{
		record("automation:job-1:run:run-1", "automation:job-1", TaskDone),
		record("automation:job-1:run:run-2", "automation:job-1", TaskBlocked),
		record("", "automation:job-1", TaskDone),
		record("automation:job-1:run:run-3", "automation:job-1", "archived"),
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.LinkedCount)
	assert.Equal(t, 2, res.RejectedCount)
	assert.Equal(t, 4, res.TotalCount)
	assert.Equal(t, int64(2), res.Items[1].Version)

	task, _ := board.Task("automation:job-1")
	assert.Equal(t, TaskBlocked, task.Status)
	assert.Len(t, board.Tasks(), 1)
}

func TestHTTPGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ReplayPath, r.URL.Path)
		var req ReplayRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Records, 1)

		res, _ := NewMemoryBoard().ReplayRunLinks(r.Context(), req)
		_ = json.NewEncoder(w).Encode(res)
	}))
	defer srv.Close()

	g, err := NewHTTPGateway(HTTPConfig{URL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)

	res, err := g.ReplayRunLinks(context.Background(), ReplayRequest{Records: []ReplayRecord{
		record("heartbeat:policy-1:run:run-1", "heartbeat:policy-1", TaskInProgress),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.LinkedCount)
	assert.Equal(t, "heartbeat:policy-1", res.Items[0].TaskID)
}

func TestHTTPGatewayUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g, err := NewHTTPGateway(HTTPConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = g.ReplayRunLinks(context.Background(), ReplayRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPGatewayBlocksPrivateTargets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("blocked board must not reach the server")
	}))
	defer srv.Close()

	_, err := NewHTTPGateway(HTTPConfig{URL: srv.URL, BlockPrivateIP: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")

	_, err = NewHTTPGateway(HTTPConfig{URL: srv.URL})
	assert.NoError(t, err)
}
