package schedule

import (
	"context"
	"database/sql"
	"sort"

	"github.com/teranos/polar/db"
	"github.com/teranos/polar/errors"
)

// DefaultDueLimit bounds ListDueJobs when the caller passes no limit.
const DefaultDueLimit = 50

// runHistory is what the run ledger knows about one automation job.
type runHistory struct {
	runsInDay   int
	lastRunAtMs sql.NullInt64
}

// ListDueJobs returns enabled jobs that are due at asOfMs, ordered by
// (nextDueAtMs, id) and truncated to limit.
//
// Enabled jobs are scanned oldest-updated first in pages of limit rows until
// the table is exhausted, so truncation happens after ordering. A job is
// skipped when its schedule does not parse, when asOfMs is inside its quiet
// hours, or when its runs in the UTC day of asOfMs reached the daily cap.
// The recurrence baseline is the job's latest ledger run, else its creation.
//
// The method only reads; for a fixed asOfMs and ledger state it returns the
// same result every time.
func (s *Store) ListDueJobs(ctx context.Context, asOfMs int64, limit int) ([]DueJob, error) {
	if limit <= 0 {
		limit = DefaultDueLimit
	}

	dayStart, dayEnd := utcDayBounds(asOfMs)
	var due []DueJob
	var last *Job

	for {
		jobs, err := s.scanEnabledJobs(ctx, last, limit)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan enabled automation jobs")
		}

		for _, job := range jobs {
			d, ok, err := s.dueJob(ctx, job, asOfMs, dayStart, dayEnd)
			if err != nil {
				return nil, err
			}
			if ok {
				due = append(due, d)
			}
		}

		if len(jobs) < limit {
			break
		}
		last = jobs[len(jobs)-1]
	}

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].NextDueAtMs != due[j].NextDueAtMs {
			return due[i].NextDueAtMs < due[j].NextDueAtMs
		}
		return due[i].Job.ID < due[j].Job.ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

// scanEnabledJobs returns the page of enabled jobs after the (updated_at_ms,
// id) cursor of last.
func (s *Store) scanEnabledJobs(ctx context.Context, last *Job, limit int) ([]*Job, error) {
	if last == nil {
		return s.queryJobs(ctx, `
			SELECT `+jobSelectColumns+`
			FROM polar_automation_jobs
			WHERE enabled = 1
			ORDER BY updated_at_ms ASC, id ASC
			LIMIT ?`, limit)
	}
	return s.queryJobs(ctx, `
		SELECT `+jobSelectColumns+`
		FROM polar_automation_jobs
		WHERE enabled = 1 AND (updated_at_ms > ? OR (updated_at_ms = ? AND id > ?))
		ORDER BY updated_at_ms ASC, id ASC
		LIMIT ?`, last.UpdatedAtMs, last.UpdatedAtMs, last.ID, limit)
}

// dueJob evaluates one job at asOfMs. ok is false when the job is not due.
func (s *Store) dueJob(ctx context.Context, job *Job, asOfMs, dayStart, dayEnd int64) (DueJob, bool, error) {
	rule, ok := ParseSchedule(job.Schedule)
	if !ok {
		s.logger.Debugw("Skipping job with unparseable schedule", "job_id", job.ID, "schedule", job.Schedule)
		return DueJob{}, false, nil
	}

	if InQuietHours(job.QuietHours, asOfMs) {
		return DueJob{}, false, nil
	}

	history, err := s.runHistory(ctx, job.ID, dayStart, dayEnd)
	if err != nil {
		return DueJob{}, false, err
	}

	if job.Limits != nil && job.Limits.MaxNotificationsPerDay > 0 &&
		history.runsInDay >= job.Limits.MaxNotificationsPerDay {
		return DueJob{}, false, nil
	}

	baseline := job.CreatedAtMs
	if history.lastRunAtMs.Valid {
		baseline = history.lastRunAtMs.Int64
	}

	nextDue := NextDueAtMs(rule, baseline)
	if asOfMs < nextDue {
		return DueJob{}, false, nil
	}

	return DueJob{
		Job:         job,
		NextDueAtMs: nextDue,
		BaselineMs:  baseline,
		RunsToday:   history.runsInDay,
	}, true, nil
}

// runHistory reads the automation run ledger for jobID. A ledger table that
// does not exist yet counts as no runs.
func (s *Store) runHistory(ctx context.Context, jobID string, dayStart, dayEnd int64) (runHistory, error) {
	var h runHistory
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN created_at_ms >= ? AND created_at_ms < ? THEN 1 END),
			MAX(created_at_ms)
		FROM polar_run_events
		WHERE source = 'automation' AND id = ?`,
		dayStart, dayEnd, jobID,
	).Scan(&h.runsInDay, &h.lastRunAtMs)
	if err != nil {
		if db.IsMissingTable(err) {
			return runHistory{}, nil
		}
		return runHistory{}, errors.Wrapf(err, "failed to read run history for job %s", jobID)
	}
	return h, nil
}
