package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/gateway"
	polartest "github.com/teranos/polar/internal/testing"
)

var clockAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return clockAt }

type countingAutomation struct {
	calls  int
	output string
	err    error
}

func (c *countingAutomation) ExecuteRun(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return json.RawMessage(c.output), nil
}

func automationEvent(eventID, runID string) *PersistedEvent {
	return &PersistedEvent{
		EventID:           eventID,
		Source:            SourceAutomation,
		RunID:             runID,
		Attempt:           1,
		MaxAttempts:       3,
		AutomationRequest: json.RawMessage(`{"automationId":"job-1","runId":"` + runID + `","profileId":"default","trigger":"schedule"}`),
		Metadata:          json.RawMessage(`{"origin":"test"}`),
	}
}

func newProcessor(t *testing.T, opts ...Option) (*Processor, *Store) {
	t.Helper()
	store := NewStore(polartest.CreateTestDB(t))
	opts = append([]Option{WithClock(fixedNow)}, opts...)
	return NewProcessor(store, opts...), store
}

func TestProcessExecutesOnce(t *testing.T) {
	auto := &countingAutomation{output: `{"status":"executed","runId":"run-1"}`}
	p, store := newProcessor(t, WithAutomationGateway(auto))
	ctx := context.Background()

	rec, err := p.Process(ctx, automationEvent("evt-1", "run-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, rec.Status)
	assert.Equal(t, RunExecuted, rec.RunStatus)
	assert.JSONEq(t, `{"status":"executed","runId":"run-1"}`, string(rec.Output))
	assert.Positive(t, rec.Sequence)
	assert.Equal(t, clockAt.UnixMilli(), rec.RecordedAtMs)

	processed, err := store.HasProcessedEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, processed)

	dup, err := p.Process(ctx, automationEvent("evt-1", "run-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, dup.Status)
	assert.Equal(t, RejectDuplicate, dup.RejectionCode)
	assert.Equal(t, 1, auto.calls, "executor runs exactly once per event id")

	page, err := store.ListRecords(ctx, RecordFilter{EventID: "evt-1"})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1, "duplicates leave the ledger untouched")
}

func TestProcessLedgerFailureLeavesEventUnprocessed(t *testing.T) {
	conn := polartest.CreateTestDB(t)
	store := NewStore(conn)
	auto := &countingAutomation{output: `{"status":"executed","runId":"run-1"}`}
	p := NewProcessor(store, WithAutomationGateway(auto), WithClock(fixedNow))
	ctx := context.Background()

	_, err := conn.Exec(`DROP TABLE polar_scheduler_event_ledger`)
	require.NoError(t, err)

	_, err = p.Process(ctx, automationEvent("evt-1", "run-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to complete event evt-1")

	processed, err := store.HasProcessedEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, processed, "a redelivery must run again, not come back as a duplicate")
}

func TestProcessRunStatus(t *testing.T) {
	for output, want := range map[string]RunStatus{
		`{"status":"skipped"}`:  RunSkipped,
		`{"status":"blocked"}`:  RunBlocked,
		`{"status":"failed"}`:   RunFailed,
		`{"status":"whatever"}`: "",
		`{}`:                    "",
	} {
		auto := &countingAutomation{output: output}
		p, _ := newProcessor(t, WithAutomationGateway(auto))

		rec, err := p.Process(context.Background(), automationEvent("evt-"+output, "run-1"))
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, rec.Status, output)
		assert.Equal(t, want, rec.RunStatus, output)
	}
}

func TestProcessRejections(t *testing.T) {
	auto := &countingAutomation{output: `{"status":"executed"}`}

	tests := []struct {
		name   string
		opts   []Option
		mutate func(*PersistedEvent)
		code   RejectionCode
	}{
		{
			name: "payload for other source",
			opts: []Option{WithAutomationGateway(auto)},
			mutate: func(e *PersistedEvent) {
				e.HeartbeatRequest = json.RawMessage(`{"runId":"run-1"}`)
			},
			code: RejectPayloadMismatch,
		},
		{
			name:   "payload missing",
			opts:   []Option{WithAutomationGateway(auto)},
			mutate: func(e *PersistedEvent) { e.AutomationRequest = nil },
			code:   RejectPayloadMissing,
		},
		{
			name:   "payload not an object",
			opts:   []Option{WithAutomationGateway(auto)},
			mutate: func(e *PersistedEvent) { e.AutomationRequest = json.RawMessage(`["run-1"]`) },
			code:   RejectPayloadMissing,
		},
		{
			name:   "run id mismatch",
			opts:   []Option{WithAutomationGateway(auto)},
			mutate: func(e *PersistedEvent) { e.RunID = "run-2" },
			code:   RejectRunIDMismatch,
		},
		{
			name:   "gateway not configured",
			mutate: func(e *PersistedEvent) {},
			code:   RejectGatewayNotConfigured,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, store := newProcessor(t, tt.opts...)
			ctx := context.Background()
			before := auto.calls

			event := automationEvent("evt-1", "run-1")
			tt.mutate(event)

			rec, err := p.Process(ctx, event)
			require.NoError(t, err)
			assert.Equal(t, StatusRejected, rec.Status)
			assert.Equal(t, tt.code, rec.RejectionCode)
			assert.NotEmpty(t, rec.Reason)
			assert.Equal(t, before, auto.calls, "executor is not invoked")

			processed, err := store.HasProcessedEvent(ctx, "evt-1")
			require.NoError(t, err)
			assert.False(t, processed, "rejections allow resubmission")
		})
	}
}

func TestProcessHeartbeat(t *testing.T) {
	var got json.RawMessage
	hb := gateway.HeartbeatFunc(func(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
		got = req
		return json.RawMessage(`{"status":"skipped","reason":"quiet"}`), nil
	})
	p, _ := newProcessor(t, WithHeartbeatGateway(hb))

	rec, err := p.Process(context.Background(), &PersistedEvent{
		EventID:          "hb-1",
		Source:           SourceHeartbeat,
		RunID:            "run-9",
		HeartbeatRequest: json.RawMessage(`{"policyId":"policy-1","runId":"run-9"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, rec.Status)
	assert.Equal(t, RunSkipped, rec.RunStatus)
	assert.JSONEq(t, `{"policyId":"policy-1","runId":"run-9"}`, string(got))
}

func TestProcessContractErrorIsRejected(t *testing.T) {
	auto := &countingAutomation{err: gateway.NewContractError("PROFILE_UNKNOWN", "no such profile", "profileId: p-9")}
	p, store := newProcessor(t, WithAutomationGateway(auto))
	ctx := context.Background()

	rec, err := p.Process(ctx, automationEvent("evt-1", "run-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rec.Status)
	assert.Equal(t, RejectionCode("PROFILE_UNKNOWN"), rec.RejectionCode)
	assert.Equal(t, "no such profile", rec.Reason)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, []string{"profileId: p-9"}, rec.Failure.Details)

	processed, err := store.HasProcessedEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessExecutorFailure(t *testing.T) {
	auto := &countingAutomation{err: errors.New("connection refused")}
	p, store := newProcessor(t, WithAutomationGateway(auto))
	ctx := context.Background()

	rec, err := p.Process(ctx, automationEvent("evt-1", "run-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, FailureExecutor, rec.Failure.Code)
	assert.Contains(t, rec.Reason, "connection refused")

	processed, err := store.HasProcessedEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, processed, "failures stay retryable")

	// A later attempt that succeeds is processed normally
	auto.err = nil
	auto.output = `{"status":"executed"}`
	rec, err = p.Process(ctx, automationEvent("evt-1", "run-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, rec.Status)
}

func TestProcessInvalidOutput(t *testing.T) {
	auto := &countingAutomation{output: `"done"`}
	p, _ := newProcessor(t, WithAutomationGateway(auto))

	rec, err := p.Process(context.Background(), automationEvent("evt-1", "run-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, FailureInvalidOutput, rec.Failure.Code)
}

func TestProcessHandlerTimeout(t *testing.T) {
	slow := gateway.AutomationFunc(func(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p, _ := newProcessor(t, WithAutomationGateway(slow), WithHandlerTimeout(10*time.Millisecond))

	rec, err := p.Process(context.Background(), automationEvent("evt-1", "run-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, FailureTimeout, rec.Failure.Code)
}

func TestPersistedEventValidate(t *testing.T) {
	ok := automationEvent("evt-1", "run-1")
	assert.NoError(t, ok.Validate())

	bad := &PersistedEvent{Source: "cron", Attempt: -1, Metadata: json.RawMessage(`[1]`)}
	err := bad.Validate()
	require.Error(t, err)

	ve, isValidation := errors.AsValidationError(err)
	require.True(t, isValidation)
	var fields []string
	for _, issue := range ve.Issues {
		fields = append(fields, issue.Field)
	}
	assert.ElementsMatch(t, []string{"eventId", "source", "runId", "attempt", "metadata"}, fields)
}
