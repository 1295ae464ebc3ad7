package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/logger"
	"github.com/teranos/polar/pulse/events"
	"github.com/teranos/polar/taskboard"
)

// RecordStatus tells callers whether the run reached the task board.
type RecordStatus string

const (
	// StatusLinked means the run was recorded and replayed into the board.
	StatusLinked RecordStatus = "linked"
	// StatusRecorded means the run is in the ledger only.
	StatusRecorded RecordStatus = "recorded"
)

// RecordResult is returned by RecordAutomationRun and RecordHeartbeatRun.
// Record is the canonical row, which for a repeated key is the first one.
type RecordResult struct {
	Status      RecordStatus            `json:"status"`
	Inserted    bool                    `json:"inserted"`
	Record      *RunRecord              `json:"record"`
	Replay      *taskboard.ReplayResult `json:"replay,omitempty"`
	ReplayError string                  `json:"replayError,omitempty"`
}

// RunFilter narrows a ledger listing.
type RunFilter struct {
	FromSequence int64
	Limit        int
	ID           string
	RunID        string
	ProfileID    string
	Trigger      string
}

// RunPage is one page of the ledger.
type RunPage struct {
	Items            []*RunRecord `json:"items"`
	NextFromSequence int64        `json:"nextFromSequence"`
}

// ReplayRequest selects ledger rows to replay. An empty Source replays both.
type ReplayRequest struct {
	Source       events.Source `json:"source,omitempty"`
	FromSequence int64         `json:"fromSequence"`
	Limit        int           `json:"limit,omitempty"`
}

// ReplayResult is the board's aggregate plus the cursor after the batch.
type ReplayResult struct {
	taskboard.ReplayResult
	NextFromSequence int64 `json:"nextFromSequence"`
}

// Ledger stores runs in polar_run_events.
type Ledger struct {
	db      *sql.DB
	board   taskboard.Gateway
	logger  *zap.SugaredLogger
	timeNow func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTaskBoard enables replay on record and ReplayRunLinks.
func WithTaskBoard(board taskboard.Gateway) Option {
	return func(l *Ledger) { l.board = board }
}

// WithLogger sets the ledger's logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *Ledger) { l.logger = log }
}

// WithClock overrides the ledger's time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.timeNow = now }
}

// New creates a Ledger on db.
func New(db *sql.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:      db,
		logger:  zap.NewNop().Sugar(),
		timeNow: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logger.AddLedgerSymbol(l.logger)
	return l
}

// HasTaskBoard reports whether replay is configured.
func (l *Ledger) HasTaskBoard() bool {
	return l.board != nil
}

// RecordAutomationRun records an automation run. ID is the automation id.
func (l *Ledger) RecordAutomationRun(ctx context.Context, in RunInput) (*RecordResult, error) {
	if err := in.Validate("recordAutomationRun"); err != nil {
		return nil, err
	}
	return l.record(ctx, events.SourceAutomation, in)
}

// RecordHeartbeatRun records a heartbeat run. ID is the policy id.
func (l *Ledger) RecordHeartbeatRun(ctx context.Context, in RunInput) (*RecordResult, error) {
	if err := in.Validate("recordHeartbeatRun"); err != nil {
		return nil, err
	}
	return l.record(ctx, events.SourceHeartbeat, in)
}

func (l *Ledger) record(ctx context.Context, source events.Source, in RunInput) (*RecordResult, error) {
	createdAt := in.CreatedAtMs
	if createdAt == 0 {
		createdAt = l.timeNow().UnixMilli()
	}
	id := strings.TrimSpace(in.ID)
	runID := strings.TrimSpace(in.RunID)

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO polar_run_events (
			source, id, run_id, profile_id, trigger, output, metadata, created_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, id, run_id) DO NOTHING`,
		string(source),
		id,
		runID,
		strings.TrimSpace(in.ProfileID),
		strings.TrimSpace(in.Trigger),
		objectOrEmpty(in.Output),
		objectOrEmpty(in.Metadata),
		createdAt,
	)
	if err != nil {
		return nil, errors.WithDetail(
			errors.Wrapf(err, "failed to record %s run", source),
			"Run ID: "+runID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to check rows affected")
	}

	rec, err := l.get(ctx, source, id, runID)
	if err != nil {
		return nil, err
	}

	result := &RecordResult{Status: StatusRecorded, Inserted: affected > 0, Record: rec}
	log := l.logger.With(logger.FieldSource, source, logger.FieldRunID, runID, logger.FieldSequence, rec.Sequence)
	if result.Inserted {
		log.Infow("Run recorded", "id", id)
	} else {
		log.Debugw("Run already recorded", "id", id)
	}

	if l.board == nil {
		return result, nil
	}
	replay, err := l.board.ReplayRunLinks(ctx, taskboard.ReplayRequest{
		Records: []taskboard.ReplayRecord{ToReplayRecord(rec)},
	})
	if err != nil {
		// the run stays recorded; a later ReplayRunLinks catches it up
		log.Warnw("Task board replay failed", "error", err)
		result.ReplayError = err.Error()
		return result, nil
	}
	result.Status = StatusLinked
	result.Replay = replay
	return result, nil
}

const runColumns = `sequence, source, id, run_id, profile_id, trigger, output, metadata, created_at_ms`

func (l *Ledger) get(ctx context.Context, source events.Source, id, runID string) (*RunRecord, error) {
	rows, err := l.query(ctx, `
		SELECT `+runColumns+` FROM polar_run_events
		WHERE source = ? AND id = ? AND run_id = ?`,
		string(source), id, runID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFoundError("run not found: %s %s %s", source, id, runID)
	}
	return rows[0], nil
}

// ListAutomationRunLedger lists automation runs in sequence order.
func (l *Ledger) ListAutomationRunLedger(ctx context.Context, filter RunFilter) (*RunPage, error) {
	return l.List(ctx, events.SourceAutomation, filter)
}

// ListHeartbeatRunLedger lists heartbeat runs in sequence order.
func (l *Ledger) ListHeartbeatRunLedger(ctx context.Context, filter RunFilter) (*RunPage, error) {
	return l.List(ctx, events.SourceHeartbeat, filter)
}

// List returns runs with sequence >= filter.FromSequence. An empty source
// lists both.
func (l *Ledger) List(ctx context.Context, source events.Source, filter RunFilter) (*RunPage, error) {
	where := []string{"sequence >= ?"}
	args := []interface{}{filter.FromSequence}
	add := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	add("source", string(source))
	add("id", filter.ID)
	add("run_id", filter.RunID)
	add("profile_id", filter.ProfileID)
	add("trigger", filter.Trigger)
	args = append(args, events.ClampLimit(filter.Limit))

	items, err := l.query(ctx, `
		SELECT `+runColumns+` FROM polar_run_events
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY sequence ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}

	page := &RunPage{Items: items, NextFromSequence: filter.FromSequence}
	if n := len(items); n > 0 {
		page.NextFromSequence = items[n-1].Sequence + 1
	}
	return page, nil
}

// ReplayRunLinks sends one page of ledger rows to the task board.
func (l *Ledger) ReplayRunLinks(ctx context.Context, req ReplayRequest) (*ReplayResult, error) {
	if req.Source != "" && !req.Source.Valid() {
		return nil, errors.NewInvalidRequestError("unknown source %q", req.Source)
	}
	if req.FromSequence < 0 {
		return nil, errors.NewInvalidRequestError("fromSequence must not be negative")
	}
	if l.board == nil {
		return nil, errors.NewServiceUnavailableError("task board is not configured")
	}

	page, err := l.List(ctx, req.Source, RunFilter{FromSequence: req.FromSequence, Limit: req.Limit})
	if err != nil {
		return nil, err
	}

	result := &ReplayResult{
		ReplayResult:     taskboard.ReplayResult{Items: []taskboard.ReplayItem{}},
		NextFromSequence: page.NextFromSequence,
	}
	if len(page.Items) == 0 {
		return result, nil
	}

	records := make([]taskboard.ReplayRecord, 0, len(page.Items))
	for _, rec := range page.Items {
		records = append(records, ToReplayRecord(rec))
	}
	replay, err := l.board.ReplayRunLinks(ctx, taskboard.ReplayRequest{Records: records})
	if err != nil {
		return nil, errors.Wrap(err, "task board replay failed")
	}
	result.ReplayResult = *replay

	l.logger.Infow("Replayed run links",
		logger.FieldSource, req.Source,
		"from_sequence", req.FromSequence,
		"linked", replay.LinkedCount,
		"skipped", replay.SkippedCount,
		"rejected", replay.RejectedCount)
	return result, nil
}

func (l *Ledger) query(ctx context.Context, query string, args ...interface{}) ([]*RunRecord, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query run ledger")
	}
	defer rows.Close()

	items := []*RunRecord{}
	for rows.Next() {
		var rec RunRecord
		var output, metadata string
		if err := rows.Scan(
			&rec.Sequence, &rec.Source, &rec.ID, &rec.RunID, &rec.ProfileID, &rec.Trigger,
			&output, &metadata, &rec.CreatedAtMs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan run record")
		}
		rec.Output = json.RawMessage(output)
		rec.Metadata = json.RawMessage(metadata)
		items = append(items, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating run ledger")
	}
	return items, nil
}
