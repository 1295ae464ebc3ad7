package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/polar/errors"
	polartest "github.com/teranos/polar/internal/testing"
	"github.com/teranos/polar/pulse/events"
	"github.com/teranos/polar/taskboard"
)

var clockAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return clockAt })}, opts...)
	return New(polartest.CreateTestDB(t), opts...)
}

func automationRun(runID, status string) RunInput {
	return RunInput{
		ID:        "job-1",
		RunID:     runID,
		ProfileID: "default",
		Trigger:   "schedule",
		Output:    json.RawMessage(`{"status":"` + status + `","sessionId":"sess-9"}`),
	}
}

func TestRecordIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	first, err := l.RecordAutomationRun(ctx, automationRun("run-1", "executed"))
	require.NoError(t, err)
	assert.True(t, first.Inserted)
	assert.Equal(t, StatusRecorded, first.Status)
	assert.Equal(t, clockAt.UnixMilli(), first.Record.CreatedAtMs)

	again := automationRun("run-1", "failed")
	second, err := l.RecordAutomationRun(ctx, again)
	require.NoError(t, err)
	assert.False(t, second.Inserted)
	assert.Equal(t, first.Record.Sequence, second.Record.Sequence)
	assert.JSONEq(t, `{"status":"executed","sessionId":"sess-9"}`, string(second.Record.Output))

	page, err := l.ListAutomationRunLedger(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestSameRunIDAcrossSourcesIsDistinct(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordAutomationRun(ctx, automationRun("run-1", "executed"))
	require.NoError(t, err)
	hb, err := l.RecordHeartbeatRun(ctx, automationRun("run-1", "executed"))
	require.NoError(t, err)
	assert.True(t, hb.Inserted)
	assert.Equal(t, events.SourceHeartbeat, hb.Record.Source)

	page, err := l.ListHeartbeatRunLedger(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestRecordValidation(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RecordAutomationRun(context.Background(), RunInput{ID: "job-1", Output: json.RawMessage(`[1]`)})
	require.Error(t, err)

	verr, ok := errors.AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, "recordAutomationRun", verr.Operation)
	fields := []string{}
	for _, issue := range verr.Issues {
		fields = append(fields, issue.Field)
	}
	assert.ElementsMatch(t, []string{"runId", "profileId", "trigger", "output"}, fields)
}

func TestListFiltersAndCursor(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for _, runID := range []string{"run-1", "run-2", "run-3"} {
		_, err := l.RecordAutomationRun(ctx, automationRun(runID, "executed"))
		require.NoError(t, err)
	}
	manual := automationRun("run-4", "skipped")
	manual.Trigger = "manual"
	_, err := l.RecordAutomationRun(ctx, manual)
	require.NoError(t, err)

	page, err := l.ListAutomationRunLedger(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, page.Items[1].Sequence+1, page.NextFromSequence)

	rest, err := l.ListAutomationRunLedger(ctx, RunFilter{FromSequence: page.NextFromSequence})
	require.NoError(t, err)
	require.Len(t, rest.Items, 2)
	assert.Equal(t, "run-3", rest.Items[0].RunID)

	manualOnly, err := l.ListAutomationRunLedger(ctx, RunFilter{Trigger: "manual"})
	require.NoError(t, err)
	require.Len(t, manualOnly.Items, 1)
	assert.Equal(t, "run-4", manualOnly.Items[0].RunID)

	empty, err := l.ListAutomationRunLedger(ctx, RunFilter{FromSequence: 1000})
	require.NoError(t, err)
	assert.Empty(t, empty.Items)
	assert.Equal(t, int64(1000), empty.NextFromSequence)
}

func TestRecordLinksWhenBoardConfigured(t *testing.T) {
	board := taskboard.NewMemoryBoard()
	l := newTestLedger(t, WithTaskBoard(board))
	ctx := context.Background()

	res, err := l.RecordAutomationRun(ctx, automationRun("run-1", "blocked"))
	require.NoError(t, err)
	assert.Equal(t, StatusLinked, res.Status)
	require.NotNil(t, res.Replay)
	assert.Equal(t, 1, res.Replay.LinkedCount)

	task, ok := board.Task("automation:job-1")
	require.True(t, ok)
	assert.Equal(t, taskboard.TaskBlocked, task.Status)
	assert.Equal(t, "sess-9", task.SessionID)
	assert.Equal(t, "default", task.AssigneeID)

	res, err = l.RecordAutomationRun(ctx, automationRun("run-1", "blocked"))
	require.NoError(t, err)
	assert.Equal(t, taskboard.ItemSkippedDuplicate, res.Replay.Items[0].Status)
}

type failingBoard struct{}

func (failingBoard) ReplayRunLinks(context.Context, taskboard.ReplayRequest) (*taskboard.ReplayResult, error) {
	return nil, errors.New("board offline")
}

func TestRecordSurvivesBoardFailure(t *testing.T) {
	l := newTestLedger(t, WithTaskBoard(failingBoard{}))

	res, err := l.RecordAutomationRun(context.Background(), automationRun("run-1", "executed"))
	require.NoError(t, err)
	assert.Equal(t, StatusRecorded, res.Status)
	assert.Contains(t, res.ReplayError, "board offline")
	assert.True(t, res.Inserted)
}

func TestReplayRunLinks(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a board", func(t *testing.T) {
		l := newTestLedger(t)
		_, err := l.ReplayRunLinks(ctx, ReplayRequest{})
		assert.True(t, errors.IsServiceUnavailableError(err))
	})

	t.Run("replays every source and is idempotent", func(t *testing.T) {
		board := taskboard.NewMemoryBoard()
		recorder := newTestLedger(t)
		_, err := recorder.RecordAutomationRun(ctx, automationRun("run-1", "executed"))
		require.NoError(t, err)
		_, err = recorder.RecordHeartbeatRun(ctx, RunInput{ID: "policy-1", RunID: "run-1", ProfileID: "ops", Trigger: "interval"})
		require.NoError(t, err)

		l := New(recorder.db, WithTaskBoard(board))
		first, err := l.ReplayRunLinks(ctx, ReplayRequest{})
		require.NoError(t, err)
		assert.Equal(t, 2, first.LinkedCount)
		assert.Equal(t, 2, first.TotalCount)
		assert.Equal(t, int64(3), first.NextFromSequence)

		second, err := l.ReplayRunLinks(ctx, ReplayRequest{Source: events.SourceHeartbeat})
		require.NoError(t, err)
		assert.Equal(t, 0, second.LinkedCount)
		assert.Equal(t, 1, second.SkippedCount)

		task, ok := board.Task("heartbeat:policy-1")
		require.True(t, ok)
		assert.Equal(t, "Heartbeat policy-1", task.Title)
		assert.Equal(t, taskboard.TaskInProgress, task.Status)
	})

	t.Run("nothing to replay", func(t *testing.T) {
		l := newTestLedger(t, WithTaskBoard(taskboard.NewMemoryBoard()))
		res, err := l.ReplayRunLinks(ctx, ReplayRequest{FromSequence: 5})
		require.NoError(t, err)
		assert.Zero(t, res.TotalCount)
		assert.Equal(t, int64(5), res.NextFromSequence)
	})

	t.Run("rejects unknown source", func(t *testing.T) {
		l := newTestLedger(t, WithTaskBoard(taskboard.NewMemoryBoard()))
		_, err := l.ReplayRunLinks(ctx, ReplayRequest{Source: "cron"})
		assert.True(t, errors.IsInvalidRequestError(err))
	})
}

func TestRecordInsertFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("INSERT INTO polar_run_events").WillReturnError(errors.New("disk I/O error"))

	l := New(conn)
	_, err = l.RecordAutomationRun(context.Background(), automationRun("run-1", "executed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to record automation run")
	assert.Contains(t, errors.GetAllDetails(err), "Run ID: run-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}
