// Package dispatch is the scheduler's public operation surface. It runs
// persisted events through the processor, files failures into the retry
// and dead-letter queues, records processed runs in the run ledger and
// fans updates out to subscribers.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/internal/util"
	"github.com/teranos/polar/logger"
	"github.com/teranos/polar/pulse/events"
	"github.com/teranos/polar/pulse/ledger"
	"github.com/teranos/polar/pulse/metrics"
	"github.com/teranos/polar/pulse/queue"
)

// Defaults fill envelope fields the caller left at zero.
type Defaults struct {
	MaxAttempts             int    `json:"maxAttempts"`
	RetryBackoffMs          int64  `json:"retryBackoffMs"`
	DeadLetterOnMaxAttempts bool   `json:"deadLetterOnMaxAttempts"`
	ProfileID               string `json:"profileId"`
}

// DefaultDefaults mirrors the am scheduler defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		MaxAttempts:             3,
		RetryBackoffMs:          60_000,
		DeadLetterOnMaxAttempts: true,
		ProfileID:               "default",
	}
}

// Update is pushed to the Notifier after every state change.
type Update struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Update types.
const (
	UpdateEventProcessed = "event_processed"
	UpdateQueueAction    = "queue_action"
	UpdateReplay         = "replay"
)

// Notifier receives updates; the server's websocket hub is one.
type Notifier interface {
	Notify(Update)
}

// Service wires the scheduler components together.
type Service struct {
	processor *events.Processor
	records   *events.Store
	queue     *queue.Queue
	ledger    *ledger.Ledger
	defaults  Defaults
	notifier  Notifier
	logger    *zap.SugaredLogger
	timeNow   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithDefaults(d Defaults) Option {
	return func(s *Service) { s.defaults = d }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the service's time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.timeNow = now }
}

// New creates a Service. records backs the processed-event listing and
// should be the same store the processor writes to.
func New(processor *events.Processor, records *events.Store, q *queue.Queue, l *ledger.Ledger, opts ...Option) *Service {
	s := &Service{
		processor: processor,
		records:   records,
		queue:     q,
		ledger:    l,
		defaults:  DefaultDefaults(),
		logger:    zap.NewNop().Sugar(),
		timeNow:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.AddPulseSymbol(s.logger)
	return s
}

// Defaults returns the envelope defaults in effect.
func (s *Service) Defaults() Defaults {
	return s.defaults
}

// Ledger exposes the run ledger for listing and direct recording.
func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

// ProcessResult is the outcome of ProcessPersistedEvent.
type ProcessResult struct {
	Record      *events.Record       `json:"record"`
	Disposition queue.Disposition    `json:"disposition"`
	QueueEntry  *queue.Entry         `json:"queueEntry,omitempty"`
	Run         *ledger.RecordResult `json:"run,omitempty"`
	RunError    string               `json:"runError,omitempty"`
}

// ProcessPersistedEvent validates event, fills defaults and processes it.
// Business outcomes (rejections, failures) are in the result; the error
// return carries validation and state-store failures only.
func (s *Service) ProcessPersistedEvent(ctx context.Context, event *events.PersistedEvent) (*ProcessResult, error) {
	if event == nil {
		return nil, errors.NewInvalidRequestError("event is required")
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	s.applyDefaults(event)

	start := time.Now()
	rec, err := s.processor.Process(ctx, event)
	if err != nil {
		return nil, err
	}
	metrics.RecordEvent(string(event.Source), string(rec.Status), time.Since(start))

	result := &ProcessResult{Record: rec, Disposition: queue.DispositionNone}
	log := logger.FromContext(logger.WithEventID(ctx, event.EventID), s.logger)

	switch rec.Status {
	case events.StatusFailed:
		decision, entry, err := s.queue.Dispose(ctx, event, rec.Reason)
		if err != nil {
			return nil, err
		}
		result.Disposition = decision.Disposition
		result.QueueEntry = entry
		metrics.RecordDisposition(string(decision.Disposition))
		log.Warnw("Scheduler event failed",
			logger.FieldSource, event.Source,
			logger.FieldAttempt, event.Attempt,
			logger.FieldMaxAttempts, event.MaxAttempts,
			logger.FieldDisposition, decision.Disposition)

	case events.StatusProcessed:
		run, err := s.recordRun(ctx, event, rec)
		if err != nil {
			// the event is already marked processed; keep the outcome and surface the gap
			if errors.IsInvalidRequestError(err) {
				log.Warnw("Processed event has no recordable run", logger.FieldError, err)
			} else {
				log.Errorw("Failed to record run", logger.FieldError, err)
			}
			result.RunError = err.Error()
			break
		}
		result.Run = run
		metrics.RecordRun(string(event.Source), string(run.Status))
	}

	s.notify(UpdateEventProcessed, result)
	return result, nil
}

func (s *Service) applyDefaults(event *events.PersistedEvent) {
	if event.Attempt == 0 {
		event.Attempt = 1
	}
	if event.MaxAttempts == 0 {
		event.MaxAttempts = s.defaults.MaxAttempts
	}
	if event.RetryBackoffMs == 0 {
		event.RetryBackoffMs = s.defaults.RetryBackoffMs
	}
	if event.DeadLetterOnMaxAttempts == nil {
		event.DeadLetterOnMaxAttempts = util.Ptr(s.defaults.DeadLetterOnMaxAttempts)
	}
	if event.RecordedAtMs == 0 {
		event.RecordedAtMs = s.timeNow().UnixMilli()
	}
}

// runHeader is the part of a request payload the run ledger needs.
type runHeader struct {
	AutomationID string `json:"automationId"`
	PolicyID     string `json:"policyId"`
	RunID        string `json:"runId"`
	ProfileID    string `json:"profileId"`
	Trigger      string `json:"trigger"`
}

func (s *Service) recordRun(ctx context.Context, event *events.PersistedEvent, rec *events.Record) (*ledger.RecordResult, error) {
	var h runHeader
	if err := json.Unmarshal(event.Payload(), &h); err != nil {
		return nil, errors.Wrap(err, "failed to read run header")
	}

	in := ledger.RunInput{
		RunID:       event.RunID,
		ProfileID:   h.ProfileID,
		Trigger:     h.Trigger,
		Output:      rec.Output,
		Metadata:    runMetadata(event),
		CreatedAtMs: rec.RecordedAtMs,
	}
	if in.ProfileID == "" {
		in.ProfileID = s.defaults.ProfileID
	}

	if event.Source == events.SourceHeartbeat {
		in.ID = h.PolicyID
		if in.Trigger == "" {
			in.Trigger = "interval"
		}
		return s.ledger.RecordHeartbeatRun(ctx, in)
	}
	in.ID = h.AutomationID
	if in.Trigger == "" {
		in.Trigger = "schedule"
	}
	return s.ledger.RecordAutomationRun(ctx, in)
}

// runMetadata is the event metadata plus the event id and attempt.
func runMetadata(event *events.PersistedEvent) json.RawMessage {
	meta := map[string]interface{}{}
	if len(event.Metadata) > 0 {
		_ = json.Unmarshal(event.Metadata, &meta)
	}
	meta["eventId"] = event.EventID
	meta["attempt"] = event.Attempt
	data, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return data
}

// ReplayRunLinks replays ledger rows into the task board.
func (s *Service) ReplayRunLinks(ctx context.Context, req ledger.ReplayRequest) (*ledger.ReplayResult, error) {
	res, err := s.ledger.ReplayRunLinks(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.RecordReplay(res.LinkedCount, res.SkippedCount, res.RejectedCount)
	s.notify(UpdateReplay, res)
	return res, nil
}

// RunQueueAction applies an operator action to a queue entry.
func (s *Service) RunQueueAction(ctx context.Context, req queue.ActionRequest) (*queue.ActionResult, error) {
	res, err := s.queue.Apply(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.RecordQueueAction(string(res.Queue), string(res.Action), string(res.Status))
	if res.Status == queue.ActionApplied {
		s.notify(UpdateQueueAction, res)
	}
	return res, nil
}

// IsQueued reports whether eventID is parked in the retry or dead-letter queue.
func (s *Service) IsQueued(ctx context.Context, eventID string) (bool, error) {
	return s.queue.Has(ctx, eventID)
}

func (s *Service) notify(kind string, data interface{}) {
	if s.notifier != nil {
		s.notifier.Notify(Update{Type: kind, Data: data})
	}
}
