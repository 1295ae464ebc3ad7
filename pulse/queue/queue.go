package queue

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/logger"
	"github.com/teranos/polar/pulse/events"
)

// Action is an operator action on a queue entry.
type Action string

const (
	ActionDismiss  Action = "dismiss"
	ActionRetryNow Action = "retry_now"
	ActionRequeue  Action = "requeue"
)

// ActionStatus reports whether an action found its target.
type ActionStatus string

const (
	ActionApplied  ActionStatus = "applied"
	ActionNotFound ActionStatus = "not_found"
)

// ActionRequest targets one entry by eventId, optionally pinned to a sequence.
type ActionRequest struct {
	Queue     Name   `json:"queue"`
	Action    Action `json:"action"`
	EventID   string `json:"eventId"`
	Sequence  *int64 `json:"sequence,omitempty"`
	RetryAtMs *int64 `json:"retryAtMs,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Validate rejects malformed requests and queue/action pairs that do not exist.
func (r *ActionRequest) Validate() error {
	v := errors.NewValidationError("runQueueAction")
	if r.Queue != Retry && r.Queue != DeadLetter {
		v.Add("queue", "must be retry or dead_letter, got %q", r.Queue)
	}
	switch r.Action {
	case ActionDismiss:
	case ActionRetryNow:
		if r.Queue == DeadLetter {
			v.Add("action", "retry_now applies to the retry queue only")
		}
	case ActionRequeue:
		if r.Queue == Retry {
			v.Add("action", "requeue applies to the dead_letter queue only")
		}
	default:
		v.Add("action", "must be dismiss, retry_now or requeue, got %q", r.Action)
	}
	if strings.TrimSpace(r.EventID) == "" {
		v.Add("eventId", "is required")
	}
	if r.Sequence != nil && *r.Sequence <= 0 {
		v.Add("sequence", "must be positive")
	}
	if r.RetryAtMs != nil && *r.RetryAtMs < 0 {
		v.Add("retryAtMs", "must not be negative")
	}
	return v.Err()
}

// ActionResult describes the effect of an action. Sequence is the new
// sequence for retry_now and requeue, the removed one for dismiss.
type ActionResult struct {
	Status    ActionStatus `json:"status"`
	Action    Action       `json:"action"`
	Queue     Name         `json:"queue"`
	EventID   string       `json:"eventId"`
	Sequence  int64        `json:"sequence,omitempty"`
	RetryAtMs *int64       `json:"retryAtMs,omitempty"`
	Position  int          `json:"position,omitempty"`
}

// Queue applies disposition and operator actions on top of a StateStore.
type Queue struct {
	store   StateStore
	logger  *zap.SugaredLogger
	timeNow func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithClock overrides the queue's time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.timeNow = now }
}

// New creates a Queue over store.
func New(store StateStore, opts ...Option) *Queue {
	q := &Queue{
		store:   store,
		logger:  zap.NewNop().Sugar(),
		timeNow: time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = logger.AddQueueSymbol(q.logger)
	return q
}

// List returns one page of name, ordered by sequence.
func (q *Queue) List(ctx context.Context, name Name, filter ListFilter) (*Page, error) {
	var (
		items []*Entry
		err   error
	)
	switch name {
	case Retry:
		items, err = q.store.ListRetryEvents(ctx, filter)
	case DeadLetter:
		items, err = q.store.ListDeadLetterEvents(ctx, filter)
	default:
		return nil, errors.NewInvalidRequestError("unknown queue %q", name)
	}
	if err != nil {
		return nil, err
	}

	page := &Page{Queue: name, Items: items, NextFromSequence: filter.FromSequence}
	if n := len(items); n > 0 {
		page.NextFromSequence = items[n-1].Sequence + 1
	}
	return page, nil
}

// Dispose files a failed attempt of event according to Decide.
// The stored entry is nil for DispositionNone.
func (q *Queue) Dispose(ctx context.Context, event *events.PersistedEvent, failureReason string) (Decision, *Entry, error) {
	now := q.timeNow().UnixMilli()
	decision := Decide(event, failureReason, now)

	var (
		entry *Entry
		err   error
	)
	switch decision.Disposition {
	case DispositionRetryScheduled:
		retryAt := decision.RetryAtMs
		entry, err = newEntry(event, decision.Reason, &retryAt, now)
		if err == nil {
			entry, err = q.store.StoreRetryEvent(ctx, entry)
		}
	case DispositionDeadLettered:
		entry, err = newEntry(event, decision.Reason, nil, now)
		if err == nil {
			entry, err = q.store.StoreDeadLetterEvent(ctx, entry)
		}
	default:
		return decision, nil, nil
	}
	if err != nil {
		return decision, nil, errors.Wrapf(err, "failed to file event %s as %s", event.EventID, decision.Disposition)
	}

	q.logger.Infow("Scheduler event queued",
		logger.FieldEventID, event.EventID,
		logger.FieldAttempt, event.Attempt,
		logger.FieldDisposition, decision.Disposition,
		logger.FieldSequence, entry.Sequence)
	return decision, entry, nil
}

// Apply runs an operator action. A missing target yields ActionNotFound, not an error.
func (q *Queue) Apply(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	result := &ActionResult{
		Status:  ActionNotFound,
		Action:  req.Action,
		Queue:   req.Queue,
		EventID: req.EventID,
	}
	now := q.timeNow().UnixMilli()

	err := q.store.InTx(ctx, func(s StateStore) error {
		removed, err := removeFrom(ctx, s, req.Queue, req.EventID, req.Sequence)
		if err != nil || removed == nil {
			return err
		}
		result.Status = ActionApplied
		result.Sequence = removed.Sequence
		if req.Action == ActionDismiss {
			return nil
		}

		retryAt := now
		if req.RetryAtMs != nil {
			retryAt = *req.RetryAtMs
		}
		reason := req.Reason
		if reason == "" {
			reason = ReasonRetryNow
			if req.Action == ActionRequeue {
				reason = ReasonRequeued
			}
		}

		next := *removed
		next.Sequence = 0
		next.RetryAtMs = &retryAt
		next.Reason = reason
		next.RecordedAtMs = now
		stored, err := s.StoreRetryEvent(ctx, &next)
		if err != nil {
			return err
		}

		position, err := s.RetryPosition(ctx, retryAt, stored.Sequence)
		if err != nil {
			return err
		}
		result.Sequence = stored.Sequence
		result.RetryAtMs = stored.RetryAtMs
		result.Position = position
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to %s %s entry %s", req.Action, req.Queue, req.EventID)
	}

	q.logger.Infow("Queue action",
		logger.FieldQueue, req.Queue,
		logger.FieldAction, req.Action,
		logger.FieldEventID, req.EventID,
		"status", result.Status)
	return result, nil
}

func removeFrom(ctx context.Context, s StateStore, name Name, eventID string, sequence *int64) (*Entry, error) {
	if name == DeadLetter {
		return s.RemoveDeadLetterEvent(ctx, eventID, sequence)
	}
	return s.RemoveRetryEvent(ctx, eventID, sequence)
}

// DueRetries returns retry entries with retryAtMs at or before now, earliest first.
func (q *Queue) DueRetries(ctx context.Context, limit int) ([]*Entry, error) {
	now := q.timeNow().UnixMilli()
	entries, err := q.store.ListRetryEvents(ctx, ListFilter{Limit: limit, DueAtOrBeforeMs: &now})
	if err != nil {
		return nil, err
	}
	sortByRetryAt(entries)
	return entries, nil
}

// Claim removes entry from the retry queue before it is re-run. It reports
// false when the entry was already removed or replaced.
func (q *Queue) Claim(ctx context.Context, entry *Entry) (bool, error) {
	seq := entry.Sequence
	removed, err := q.store.RemoveRetryEvent(ctx, entry.EventID, &seq)
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim retry entry %s", entry.EventID)
	}
	return removed != nil, nil
}

// Has reports whether eventID is parked in either queue.
func (q *Queue) Has(ctx context.Context, eventID string) (bool, error) {
	return q.store.HasQueuedEvent(ctx, eventID)
}

func sortByRetryAt(entries []*Entry) {
	at := func(e *Entry) int64 {
		if e.RetryAtMs == nil {
			return 0
		}
		return *e.RetryAtMs
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if at(entries[i]) != at(entries[j]) {
			return at(entries[i]) < at(entries[j])
		}
		return entries[i].Sequence < entries[j].Sequence
	})
}
