package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/gateway"
	polartest "github.com/teranos/polar/internal/testing"
	"github.com/teranos/polar/internal/util"
	"github.com/teranos/polar/pulse/events"
	"github.com/teranos/polar/pulse/ledger"
	"github.com/teranos/polar/pulse/queue"
	"github.com/teranos/polar/taskboard"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	updates []Update
}

func (n *recordingNotifier) Notify(u Update) { n.updates = append(n.updates, u) }

// flakyExecutor fails until healthy is set.
type flakyExecutor struct {
	calls   int
	healthy bool
}

func (f *flakyExecutor) run(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	f.calls++
	if !f.healthy {
		return nil, errors.New("executor unreachable")
	}
	var in struct {
		RunID string `json:"runId"`
	}
	_ = json.Unmarshal(req, &in)
	return json.RawMessage(`{"status":"executed","runId":"` + in.RunID + `"}`), nil
}

type fixture struct {
	svc      *Service
	clock    *testClock
	exec     *flakyExecutor
	board    *taskboard.MemoryBoard
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := polartest.CreateTestDB(t)
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	exec := &flakyExecutor{healthy: true}
	board := taskboard.NewMemoryBoard()
	notifier := &recordingNotifier{}

	records := events.NewStore(conn)
	processor := events.NewProcessor(records,
		events.WithAutomationGateway(gateway.AutomationFunc(exec.run)),
		events.WithClock(clock.Now))
	q := queue.New(queue.NewSQLStore(conn), queue.WithClock(clock.Now))
	l := ledger.New(conn, ledger.WithTaskBoard(board), ledger.WithClock(clock.Now))

	svc := New(processor, records, q, l, WithClock(clock.Now), WithNotifier(notifier))
	return &fixture{svc: svc, clock: clock, exec: exec, board: board, notifier: notifier}
}

func automationEvent(eventID, runID string) *events.PersistedEvent {
	return &events.PersistedEvent{
		EventID:                 eventID,
		Source:                  events.SourceAutomation,
		RunID:                   runID,
		DeadLetterOnMaxAttempts: util.Ptr(true),
		AutomationRequest:       json.RawMessage(`{"automationId":"job-1","runId":"` + runID + `","trigger":"schedule"}`),
	}
}

func TestProcessRecordsAndLinksRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ProcessPersistedEvent(ctx, automationEvent("evt-1", "run-1"))
	require.NoError(t, err)
	assert.Equal(t, events.StatusProcessed, res.Record.Status)
	assert.Equal(t, queue.DispositionNone, res.Disposition)
	require.NotNil(t, res.Run)
	assert.Equal(t, ledger.StatusLinked, res.Run.Status)
	assert.Equal(t, "default", res.Run.Record.ProfileID)
	assert.Equal(t, f.clock.Now().UnixMilli(), res.Run.Record.CreatedAtMs)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(res.Run.Record.Metadata, &meta))
	assert.Equal(t, "evt-1", meta["eventId"])

	task, ok := f.board.Task("automation:job-1")
	require.True(t, ok)
	assert.Equal(t, taskboard.TaskDone, task.Status)

	require.Len(t, f.notifier.updates, 1)
	assert.Equal(t, UpdateEventProcessed, f.notifier.updates[0].Type)

	dup, err := f.svc.ProcessPersistedEvent(ctx, automationEvent("evt-1", "run-1"))
	require.NoError(t, err)
	assert.Equal(t, events.RejectDuplicate, dup.Record.RejectionCode)
	assert.Nil(t, dup.Run)
	assert.Equal(t, 1, f.exec.calls)
}

func TestDefaultsAreApplied(t *testing.T) {
	f := newFixture(t)
	f.exec.healthy = false

	event := automationEvent("evt-1", "run-1")
	res, err := f.svc.ProcessPersistedEvent(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, 1, event.Attempt)
	assert.Equal(t, 3, event.MaxAttempts)
	assert.Equal(t, int64(60_000), event.RetryBackoffMs)
	assert.Equal(t, queue.DispositionRetryScheduled, res.Disposition)
	require.NotNil(t, res.QueueEntry)
	assert.Equal(t, f.clock.Now().UnixMilli()+60_000, *res.QueueEntry.RetryAtMs)
}

func TestRetryLifecycleToDeadLetterAndBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.healthy = false

	res, err := f.svc.ProcessPersistedEvent(ctx, automationEvent("evt-1", "run-1"))
	require.NoError(t, err)
	require.Equal(t, queue.DispositionRetryScheduled, res.Disposition)

	// not due yet
	sum, err := f.svc.ProcessDueRetries(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, sum.Claimed)

	f.clock.Advance(61 * time.Second)
	sum, err = f.svc.ProcessDueRetries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	page, err := f.svc.ListEventQueue(ctx, ListQueueRequest{Queue: "retry"})
	require.NoError(t, err)
	entries := page.Items.([]*queue.Entry)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Attempt)
	assert.Equal(t, f.clock.Now().UnixMilli()+120_000, *entries[0].RetryAtMs)

	f.clock.Advance(121 * time.Second)
	sum, err = f.svc.ProcessDueRetries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	page, err = f.svc.ListEventQueue(ctx, ListQueueRequest{Queue: "retry"})
	require.NoError(t, err)
	assert.Empty(t, page.Items.([]*queue.Entry))

	page, err = f.svc.ListEventQueue(ctx, ListQueueRequest{Queue: "dead_letter"})
	require.NoError(t, err)
	dead := page.Items.([]*queue.Entry)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempt)
	assert.Contains(t, dead[0].Reason, queue.ReasonDeadLetterMaxAttempts)

	// operator fixes the executor and requeues
	f.exec.healthy = true
	action, err := f.svc.RunQueueAction(ctx, queue.ActionRequest{
		Queue: queue.DeadLetter, Action: queue.ActionRequeue, EventID: "evt-1",
	})
	require.NoError(t, err)
	assert.Equal(t, queue.ActionApplied, action.Status)

	sum, err = f.svc.ProcessDueRetries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 4, f.exec.calls)

	runs, err := f.svc.Ledger().ListAutomationRunLedger(ctx, ledger.RunFilter{ID: "job-1"})
	require.NoError(t, err)
	require.Len(t, runs.Items, 1)
	assert.Equal(t, "run-1", runs.Items[0].RunID)

	failed, err := f.svc.ListEventQueue(ctx, ListQueueRequest{Queue: "processed", Status: events.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 3, failed.Count)
}

func TestFinalFailureWithoutDeadLetterIsDropped(t *testing.T) {
	f := newFixture(t)
	f.exec.healthy = false

	event := automationEvent("evt-1", "run-1")
	event.MaxAttempts = 1
	event.DeadLetterOnMaxAttempts = util.Ptr(false)

	res, err := f.svc.ProcessPersistedEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, queue.DispositionNone, res.Disposition)
	assert.Nil(t, res.QueueEntry)

	queued, err := f.svc.IsQueued(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.False(t, queued)
}

func TestOmittedDeadLetterFlagTakesDefault(t *testing.T) {
	f := newFixture(t)
	f.exec.healthy = false
	ctx := context.Background()

	event := automationEvent("evt-1", "run-1")
	event.MaxAttempts = 1
	event.DeadLetterOnMaxAttempts = nil

	res, err := f.svc.ProcessPersistedEvent(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, queue.DispositionDeadLettered, res.Disposition)
	require.NotNil(t, event.DeadLetterOnMaxAttempts)
	assert.True(t, *event.DeadLetterOnMaxAttempts)

	page, err := f.svc.ListEventQueue(ctx, ListQueueRequest{Queue: "dead_letter"})
	require.NoError(t, err)
	assert.Len(t, page.Items.([]*queue.Entry), 1)

	t.Run("default off", func(t *testing.T) {
		f.svc.defaults.DeadLetterOnMaxAttempts = false
		event := automationEvent("evt-2", "run-2")
		event.MaxAttempts = 1
		event.DeadLetterOnMaxAttempts = nil

		res, err := f.svc.ProcessPersistedEvent(ctx, event)
		require.NoError(t, err)
		assert.Equal(t, queue.DispositionNone, res.Disposition)
	})
}

func TestProcessValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ProcessPersistedEvent(context.Background(), &events.PersistedEvent{Source: "cron"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Zero(t, f.exec.calls)

	_, err = f.svc.ProcessPersistedEvent(context.Background(), nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestProcessedEventWithoutRunHeader(t *testing.T) {
	f := newFixture(t)

	event := automationEvent("evt-1", "run-1")
	event.AutomationRequest = json.RawMessage(`{"runId":"run-1"}`)

	res, err := f.svc.ProcessPersistedEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, events.StatusProcessed, res.Record.Status)
	assert.Nil(t, res.Run)
	assert.Contains(t, res.RunError, "id")
}

func TestListEventQueueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ListEventQueue(ctx, ListQueueRequest{Queue: "bogus"})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = f.svc.ListEventQueue(ctx, ListQueueRequest{Queue: "processed", Status: "done"})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestQueueActionNotFound(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.RunQueueAction(context.Background(), queue.ActionRequest{
		Queue: queue.Retry, Action: queue.ActionDismiss, EventID: "missing",
	})
	require.NoError(t, err)
	assert.Equal(t, queue.ActionNotFound, res.Status)
	assert.Empty(t, f.notifier.updates)
}

func TestReplayRunLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ProcessPersistedEvent(ctx, automationEvent("evt-1", "run-1"))
	require.NoError(t, err)

	res, err := f.svc.ReplayRunLinks(ctx, ledger.ReplayRequest{Source: events.SourceAutomation})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedCount)
	assert.Equal(t, 1, res.TotalCount)
}
