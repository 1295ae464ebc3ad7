package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/teranos/polar/errors"
)

// DefaultPageLimit bounds ListRecords when the caller passes no limit.
const DefaultPageLimit = 100

// MaxPageLimit caps any single page.
const MaxPageLimit = 1000

// Store persists the processed-event set and the event ledger in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a new event store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// HasProcessedEvent reports whether eventID has been processed.
func (s *Store) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM polar_scheduler_processed_events WHERE event_id = ?)`,
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to query processed events")
	}
	return exists, nil
}

// CompleteEvent adds rec's event to the processed set and appends rec in one
// transaction. If either write fails neither is kept, so a redelivery is
// processed again rather than rejected as a duplicate.
func (s *Store) CompleteEvent(ctx context.Context, rec *Record, atMs int64) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin event transaction")
	}
	defer tx.Rollback()

	if err := storeProcessed(ctx, tx, rec.EventID, atMs); err != nil {
		return nil, err
	}
	stored, err := appendRecord(ctx, tx, rec)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit event transaction")
	}
	return stored, nil
}

// storeProcessed adds eventID to the processed set. Storing it twice is a no-op.
func storeProcessed(ctx context.Context, db execer, eventID string, atMs int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO polar_scheduler_processed_events (event_id, processed_at_ms)
		VALUES (?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		eventID, atMs,
	)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to store processed event"), "Event ID: "+eventID)
	}
	return nil
}

// AppendRecord appends rec to the event ledger and returns it with its sequence.
func (s *Store) AppendRecord(ctx context.Context, rec *Record) (*Record, error) {
	return appendRecord(ctx, s.db, rec)
}

func appendRecord(ctx context.Context, db execer, rec *Record) (*Record, error) {
	var failure interface{}
	if rec.Failure != nil {
		data, err := json.Marshal(rec.Failure)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode failure")
		}
		failure = string(data)
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO polar_scheduler_event_ledger (
			status, event_id, source, run_id, run_status, output,
			rejection_code, reason, failure, metadata, recorded_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Status),
		rec.EventID,
		string(rec.Source),
		rec.RunID,
		nullString(string(rec.RunStatus)),
		nullRaw(rec.Output),
		nullString(string(rec.RejectionCode)),
		nullString(rec.Reason),
		failure,
		rawOrEmptyObject(rec.Metadata),
		rec.RecordedAtMs,
	)
	if err != nil {
		return nil, errors.WithDetail(errors.Wrap(err, "failed to append event record"), "Event ID: "+rec.EventID)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read record sequence")
	}

	stored := *rec
	stored.Sequence = seq
	return &stored, nil
}

// RecordFilter narrows ListRecords.
type RecordFilter struct {
	FromSequence int64
	Limit        int
	Source       Source
	Status       Status
	EventID      string
	RunID        string
}

// RecordPage is one page of the event ledger.
type RecordPage struct {
	Items            []*Record `json:"items"`
	NextFromSequence int64     `json:"nextFromSequence"`
}

// ListRecords returns ledger records with sequence >= FromSequence, in order.
func (s *Store) ListRecords(ctx context.Context, filter RecordFilter) (*RecordPage, error) {
	where := []string{"sequence >= ?"}
	args := []interface{}{filter.FromSequence}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(filter.Source))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, filter.EventID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	args = append(args, ClampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, status, event_id, source, run_id, run_status, output,
		       rejection_code, reason, failure, metadata, recorded_at_ms
		FROM polar_scheduler_event_ledger
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY sequence ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query event ledger")
	}
	defer rows.Close()

	page := &RecordPage{Items: []*Record{}, NextFromSequence: filter.FromSequence}
	for rows.Next() {
		var rec Record
		var runStatus, output, rejectionCode, reason, failure, metadata sql.NullString
		if err := rows.Scan(
			&rec.Sequence, &rec.Status, &rec.EventID, &rec.Source, &rec.RunID,
			&runStatus, &output, &rejectionCode, &reason, &failure, &metadata,
			&rec.RecordedAtMs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan event record")
		}
		rec.RunStatus = RunStatus(runStatus.String)
		rec.RejectionCode = RejectionCode(rejectionCode.String)
		rec.Reason = reason.String
		if output.Valid {
			rec.Output = json.RawMessage(output.String)
		}
		if metadata.Valid && metadata.String != "{}" {
			rec.Metadata = json.RawMessage(metadata.String)
		}
		if failure.Valid {
			rec.Failure = &Failure{}
			if err := json.Unmarshal([]byte(failure.String), rec.Failure); err != nil {
				return nil, errors.Wrapf(err, "invalid failure for record %d", rec.Sequence)
			}
		}
		page.Items = append(page.Items, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating event ledger")
	}

	if n := len(page.Items); n > 0 {
		page.NextFromSequence = page.Items[n-1].Sequence + 1
	}
	return page, nil
}

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageLimit
	case limit > MaxPageLimit:
		return MaxPageLimit
	}
	return limit
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrEmptyObject(raw json.RawMessage) string {
	if isAbsent(raw) {
		return "{}"
	}
	return string(raw)
}
