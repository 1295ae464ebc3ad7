package queue

import (
	"context"
	"database/sql"
	"strings"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/pulse/events"
)

// StateStore persists the retry and dead-letter queues.
//
// Remove* deletes the entries for eventID, limited to one sequence when
// sequence is non-nil, and returns the newest removed entry or nil when
// nothing matched.
type StateStore interface {
	ListRetryEvents(ctx context.Context, filter ListFilter) ([]*Entry, error)
	ListDeadLetterEvents(ctx context.Context, filter ListFilter) ([]*Entry, error)
	StoreRetryEvent(ctx context.Context, entry *Entry) (*Entry, error)
	StoreDeadLetterEvent(ctx context.Context, entry *Entry) (*Entry, error)
	RemoveRetryEvent(ctx context.Context, eventID string, sequence *int64) (*Entry, error)
	RemoveDeadLetterEvent(ctx context.Context, eventID string, sequence *int64) (*Entry, error)
	// RetryPosition is the 1-based rank of (retryAtMs, sequence) in due order.
	RetryPosition(ctx context.Context, retryAtMs, sequence int64) (int, error)
	HasQueuedEvent(ctx context.Context, eventID string) (bool, error)
	// InTx runs fn against a store bound to a single transaction.
	InTx(ctx context.Context, fn func(StateStore) error) error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLStore is the SQLite StateStore.
type SQLStore struct {
	db *sql.DB
	q  querier
}

// NewSQLStore creates a queue store on db.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, q: db}
}

const (
	retryTable      = "polar_scheduler_retry_events"
	deadLetterTable = "polar_scheduler_dead_letter_events"
	entryColumns    = `sequence, event_id, source, run_id, attempt, max_attempts,
		retry_at_ms, reason, request_payload, recorded_at_ms`
)

func (s *SQLStore) ListRetryEvents(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	return s.list(ctx, retryTable, filter)
}

func (s *SQLStore) ListDeadLetterEvents(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	return s.list(ctx, deadLetterTable, filter)
}

func (s *SQLStore) StoreRetryEvent(ctx context.Context, entry *Entry) (*Entry, error) {
	return s.insert(ctx, retryTable, entry)
}

func (s *SQLStore) StoreDeadLetterEvent(ctx context.Context, entry *Entry) (*Entry, error) {
	return s.insert(ctx, deadLetterTable, entry)
}

func (s *SQLStore) RemoveRetryEvent(ctx context.Context, eventID string, sequence *int64) (*Entry, error) {
	return s.remove(ctx, retryTable, eventID, sequence)
}

func (s *SQLStore) RemoveDeadLetterEvent(ctx context.Context, eventID string, sequence *int64) (*Entry, error) {
	return s.remove(ctx, deadLetterTable, eventID, sequence)
}

func (s *SQLStore) RetryPosition(ctx context.Context, retryAtMs, sequence int64) (int, error) {
	var ahead int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM `+retryTable+`
		WHERE COALESCE(retry_at_ms, 0) < ?
		   OR (COALESCE(retry_at_ms, 0) = ? AND sequence < ?)`,
		retryAtMs, retryAtMs, sequence,
	).Scan(&ahead)
	if err != nil {
		return 0, errors.Wrap(err, "failed to compute retry queue position")
	}
	return ahead + 1, nil
}

func (s *SQLStore) HasQueuedEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM `+retryTable+` WHERE event_id = ?)
		    OR EXISTS(SELECT 1 FROM `+deadLetterTable+` WHERE event_id = ?)`,
		eventID, eventID,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check queued event")
	}
	return exists, nil
}

func (s *SQLStore) InTx(ctx context.Context, fn func(StateStore) error) error {
	if s.db == nil {
		// already inside a transaction
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin queue transaction")
	}
	defer tx.Rollback()

	if err := fn(&SQLStore{q: tx}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit queue transaction")
}

func (s *SQLStore) list(ctx context.Context, table string, filter ListFilter) ([]*Entry, error) {
	where := []string{"sequence >= ?"}
	args := []interface{}{filter.FromSequence}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(filter.Source))
	}
	if filter.EventID != "" {
		where = append(where, "event_id = ?")
		args = append(args, filter.EventID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.DueAtOrBeforeMs != nil {
		where = append(where, "retry_at_ms IS NOT NULL AND retry_at_ms <= ?")
		args = append(args, *filter.DueAtOrBeforeMs)
	}
	args = append(args, events.ClampLimit(filter.Limit))

	return s.query(ctx, `
		SELECT `+entryColumns+`
		FROM `+table+`
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY sequence ASC
		LIMIT ?`, args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) ([]*Entry, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query queue entries")
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		var e Entry
		var retryAt sql.NullInt64
		var payload string
		if err := rows.Scan(
			&e.Sequence, &e.EventID, &e.Source, &e.RunID, &e.Attempt, &e.MaxAttempts,
			&retryAt, &e.Reason, &payload, &e.RecordedAtMs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan queue entry")
		}
		if retryAt.Valid {
			v := retryAt.Int64
			e.RetryAtMs = &v
		}
		e.RequestPayload = []byte(payload)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating queue entries")
	}
	return entries, nil
}

func (s *SQLStore) insert(ctx context.Context, table string, entry *Entry) (*Entry, error) {
	var retryAt interface{}
	if entry.RetryAtMs != nil {
		retryAt = *entry.RetryAtMs
	}
	result, err := s.q.ExecContext(ctx, `
		INSERT INTO `+table+` (
			event_id, source, run_id, attempt, max_attempts,
			retry_at_ms, reason, request_payload, recorded_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EventID,
		string(entry.Source),
		entry.RunID,
		entry.Attempt,
		entry.MaxAttempts,
		retryAt,
		entry.Reason,
		string(entry.RequestPayload),
		entry.RecordedAtMs,
	)
	if err != nil {
		return nil, errors.WithDetail(
			errors.Wrapf(err, "failed to store entry in %s", table),
			"Event ID: "+entry.EventID)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read queue sequence")
	}

	stored := *entry
	stored.Sequence = seq
	return &stored, nil
}

func (s *SQLStore) remove(ctx context.Context, table, eventID string, sequence *int64) (*Entry, error) {
	where := "event_id = ?"
	args := []interface{}{eventID}
	if sequence != nil {
		where += " AND sequence = ?"
		args = append(args, *sequence)
	}

	matched, err := s.query(ctx, `
		SELECT `+entryColumns+` FROM `+table+`
		WHERE `+where+`
		ORDER BY sequence DESC`, args...)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}

	if _, err := s.q.ExecContext(ctx, `DELETE FROM `+table+` WHERE `+where, args...); err != nil {
		return nil, errors.WithDetail(
			errors.Wrapf(err, "failed to remove entry from %s", table),
			"Event ID: "+eventID)
	}
	return matched[0], nil
}
