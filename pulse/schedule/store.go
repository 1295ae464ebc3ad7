package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/polar/db"
	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/internal/util"
)

// DefaultListLimit bounds ListJobs when the caller passes no limit.
const DefaultListLimit = 100

// Store handles persistence of automation jobs
type Store struct {
	db      *sql.DB
	logger  *zap.SugaredLogger
	timeNow func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the store's time source (for testing).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.timeNow = now }
}

// WithLogger sets the store's logger.
func WithLogger(logger *zap.SugaredLogger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates a new automation job store
func NewStore(conn *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:      conn,
		logger:  zap.NewNop().Sugar(),
		timeNow: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const jobSelectColumns = `id, owner_user_id, session_id, schedule, prompt_template, enabled,
	quiet_hours_json, limits_json, created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var enabled int
	var quietHours, limits sql.NullString

	if err := row.Scan(
		&job.ID,
		&job.OwnerUserID,
		&job.SessionID,
		&job.Schedule,
		&job.PromptTemplate,
		&enabled,
		&quietHours,
		&limits,
		&job.CreatedAtMs,
		&job.UpdatedAtMs,
	); err != nil {
		return nil, err
	}

	job.Enabled = enabled != 0
	if quietHours.Valid && quietHours.String != "" {
		job.QuietHours = &QuietHours{}
		if err := json.Unmarshal([]byte(quietHours.String), job.QuietHours); err != nil {
			return nil, errors.Wrapf(err, "invalid quiet hours for job %s", job.ID)
		}
	}
	if limits.Valid && limits.String != "" {
		job.Limits = &Limits{}
		if err := json.Unmarshal([]byte(limits.String), job.Limits); err != nil {
			return nil, errors.Wrapf(err, "invalid limits for job %s", job.ID)
		}
	}
	return &job, nil
}

func encodeOptional(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case *QuietHours:
		if t == nil {
			return nil, nil
		}
	case *Limits:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateJob validates req, normalizes its schedule and stores a new job.
func (s *Store) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error) {
	schedule, err := req.Validate()
	if err != nil {
		return nil, err
	}

	now := s.timeNow().UnixMilli()
	job := &Job{
		ID:             strings.TrimSpace(req.ID),
		OwnerUserID:    strings.TrimSpace(req.OwnerUserID),
		SessionID:      strings.TrimSpace(req.SessionID),
		Schedule:       schedule,
		PromptTemplate: req.PromptTemplate,
		Enabled:        req.Enabled == nil || *req.Enabled,
		QuietHours:     req.QuietHours,
		Limits:         req.Limits,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	quietHours, err := encodeOptional(job.QuietHours)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode quiet hours")
	}
	limits, err := encodeOptional(job.Limits)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode limits")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO polar_automation_jobs (
			id, owner_user_id, session_id, schedule, prompt_template, enabled,
			quiet_hours_json, limits_json, created_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.OwnerUserID,
		job.SessionID,
		job.Schedule,
		job.PromptTemplate,
		boolToInt(job.Enabled),
		quietHours,
		limits,
		job.CreatedAtMs,
		job.UpdatedAtMs,
	)
	if err != nil {
		if db.IsConstraintViolation(err) {
			return nil, errors.Wrapf(errors.ErrConflict, "automation job already exists: %s", job.ID)
		}
		return nil, errors.Wrap(err, "failed to create automation job")
	}

	s.logger.Infow("Automation job created", "job_id", job.ID, "schedule", job.Schedule)
	return job, nil
}

// GetJob retrieves an automation job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getJob(ctx context.Context, q queryRower, id string) (*Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobSelectColumns+` FROM polar_automation_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("automation job not found: %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get automation job %s", id)
	}
	return job, nil
}

// ListJobs returns jobs matching filter, most recently updated first.
func (s *Store) ListJobs(ctx context.Context, filter ListJobsFilter) ([]*Job, error) {
	var where []string
	var args []interface{}
	if filter.OwnerUserID != "" {
		where = append(where, "owner_user_id = ?")
		args = append(args, filter.OwnerUserID)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + jobSelectColumns + ` FROM polar_automation_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at_ms DESC, id ASC LIMIT ?`
	args = append(args, limit)

	return s.queryJobs(ctx, query, args...)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query automation jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan automation job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating automation jobs")
	}
	return jobs, nil
}

// UpdateJob applies a partial update to an existing job.
func (s *Store) UpdateJob(ctx context.Context, id string, req UpdateJobRequest) (*Job, error) {
	schedule, err := req.Validate()
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	job, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if req.Schedule != nil {
		job.Schedule = schedule
	}
	if req.PromptTemplate != nil {
		job.PromptTemplate = *req.PromptTemplate
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	switch {
	case req.ClearQuietHours:
		job.QuietHours = nil
	case req.QuietHours != nil:
		job.QuietHours = req.QuietHours
	}
	switch {
	case req.ClearLimits:
		job.Limits = nil
	case req.Limits != nil:
		job.Limits = req.Limits
	}
	job.UpdatedAtMs = s.timeNow().UnixMilli()

	if err := writeJob(ctx, tx, job); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit job update")
	}

	s.logger.Infow("Automation job updated", "job_id", job.ID, "enabled", job.Enabled)
	return job, nil
}

func writeJob(ctx context.Context, tx *sql.Tx, job *Job) error {
	quietHours, err := encodeOptional(job.QuietHours)
	if err != nil {
		return errors.Wrap(err, "failed to encode quiet hours")
	}
	limits, err := encodeOptional(job.Limits)
	if err != nil {
		return errors.Wrap(err, "failed to encode limits")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE polar_automation_jobs
		SET schedule = ?, prompt_template = ?, enabled = ?,
		    quiet_hours_json = ?, limits_json = ?, updated_at_ms = ?
		WHERE id = ?`,
		job.Schedule,
		job.PromptTemplate,
		boolToInt(job.Enabled),
		quietHours,
		limits,
		job.UpdatedAtMs,
		job.ID,
	)
	return errors.Wrapf(err, "failed to update automation job %s", job.ID)
}

// DisableJob turns a job off without deleting it.
func (s *Store) DisableJob(ctx context.Context, id string) (*Job, error) {
	return s.UpdateJob(ctx, id, UpdateJobRequest{Enabled: util.Ptr(false)})
}

// DeleteJob removes a job. Its run ledger rows are kept.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM polar_automation_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete automation job %s", id)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("automation job not found: %s", id)
	}

	s.logger.Infow("Automation job deleted", "job_id", id)
	return nil
}
