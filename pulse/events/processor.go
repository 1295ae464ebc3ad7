package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/gateway"
	"github.com/teranos/polar/logger"
)

// ProcessedStore is the processor's durable state: the processed-event set
// and the append-only record ledger. CompleteEvent writes both atomically.
type ProcessedStore interface {
	HasProcessedEvent(ctx context.Context, eventID string) (bool, error)
	CompleteEvent(ctx context.Context, rec *Record, atMs int64) (*Record, error)
	AppendRecord(ctx context.Context, rec *Record) (*Record, error)
}

// Processor classifies persisted events into processed, rejected or failed.
// Calls are serialized, so one executor invocation runs per Process call and
// never concurrently for the same event.
type Processor struct {
	store          ProcessedStore
	automation     gateway.AutomationGateway
	heartbeat      gateway.HeartbeatGateway
	handlerTimeout time.Duration
	logger         *zap.SugaredLogger
	timeNow        func() time.Time

	mu sync.Mutex
}

// Option configures a Processor.
type Option func(*Processor)

// WithAutomationGateway sets the executor for automation events.
func WithAutomationGateway(g gateway.AutomationGateway) Option {
	return func(p *Processor) { p.automation = g }
}

// WithHeartbeatGateway sets the executor for heartbeat events.
func WithHeartbeatGateway(g gateway.HeartbeatGateway) Option {
	return func(p *Processor) { p.heartbeat = g }
}

// WithHandlerTimeout bounds each executor call; 0 leaves it to the caller's context.
func WithHandlerTimeout(d time.Duration) Option {
	return func(p *Processor) { p.handlerTimeout = d }
}

// WithLogger sets the processor's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithClock overrides the processor's time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.timeNow = now }
}

// NewProcessor creates a processor backed by store.
func NewProcessor(store ProcessedStore, opts ...Option) *Processor {
	p := &Processor{
		store:   store,
		logger:  zap.NewNop().Sugar(),
		timeNow: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logger.AddPulseSymbol(p.logger)
	return p
}

// Process classifies event. The returned record carries rejections and
// executor failures; the error return is reserved for state-store failures.
//
// A duplicate is answered from the processed-set without touching the
// ledger. Rejections and failures never mark the event processed, so the
// same eventId may be resubmitted.
func (p *Processor) Process(ctx context.Context, event *PersistedEvent) (*Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := logger.FromContext(logger.WithEventID(ctx, event.EventID), p.logger)

	processed, err := p.store.HasProcessedEvent(ctx, event.EventID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to check processed state for event %s", event.EventID)
	}
	if processed {
		log.Debugw("Duplicate scheduler event", "source", event.Source)
		return p.newRecord(event, StatusRejected, func(r *Record) {
			r.RejectionCode = RejectDuplicate
			r.Reason = "event already processed"
		}), nil
	}

	if code, reason, ok := p.checkPayload(event); !ok {
		log.Infow("Scheduler event rejected", "source", event.Source, "rejection_code", code)
		return p.append(ctx, p.newRecord(event, StatusRejected, func(r *Record) {
			r.RejectionCode = code
			r.Reason = reason
		}))
	}

	output, err := p.invoke(ctx, event)
	if err != nil {
		if ce, ok := gateway.AsContractError(err); ok {
			log.Infow("Executor rejected scheduler event", "source", event.Source, "rejection_code", ce.Code)
			return p.append(ctx, p.newRecord(event, StatusRejected, func(r *Record) {
				r.RejectionCode = RejectionCode(ce.Code)
				r.Reason = ce.Message
				r.Failure = &Failure{Code: ce.Code, Message: ce.Message, Details: ce.Details}
			}))
		}

		code := FailureExecutor
		if errors.Is(err, context.DeadlineExceeded) {
			code = FailureTimeout
		}
		log.Warnw("Executor failed", "source", event.Source, "attempt", event.Attempt, "error", err)
		return p.append(ctx, p.newRecord(event, StatusFailed, func(r *Record) {
			r.Reason = err.Error()
			r.Failure = &Failure{Code: code, Message: err.Error()}
		}))
	}

	if !isJSONObject(output) {
		log.Warnw("Executor returned a non-object result", "source", event.Source)
		return p.append(ctx, p.newRecord(event, StatusFailed, func(r *Record) {
			r.Reason = "executor output is not a JSON object"
			r.Failure = &Failure{Code: FailureInvalidOutput, Message: r.Reason}
		}))
	}

	var head struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(output, &head)

	rec, err := p.store.CompleteEvent(ctx, p.newRecord(event, StatusProcessed, func(r *Record) {
		r.RunStatus = parseRunStatus(head.Status)
		r.Output = output
	}), p.timeNow().UnixMilli())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to complete event %s", event.EventID)
	}
	log.Infow("Scheduler event processed", "source", event.Source, "run_id", event.RunID, "run_status", rec.RunStatus)
	return rec, nil
}

// checkPayload enforces that exactly the source's payload is present, that it
// is a JSON object, and that its runId matches the envelope.
func (p *Processor) checkPayload(event *PersistedEvent) (RejectionCode, string, bool) {
	if !isAbsent(event.otherPayload()) {
		return RejectPayloadMismatch, "event carries a payload for the wrong source", false
	}

	payload := event.Payload()
	if isAbsent(payload) || !isJSONObject(payload) {
		return RejectPayloadMissing, "event has no " + string(event.Source) + " request object", false
	}

	var head struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(payload, &head); err != nil || head.RunID != event.RunID {
		return RejectRunIDMismatch, "payload runId " + quote(head.RunID) + " does not match event runId " + quote(event.RunID), false
	}

	switch event.Source {
	case SourceAutomation:
		if p.automation == nil {
			return RejectGatewayNotConfigured, "no automation gateway configured", false
		}
	case SourceHeartbeat:
		if p.heartbeat == nil {
			return RejectGatewayNotConfigured, "no heartbeat gateway configured", false
		}
	}
	return "", "", true
}

func (p *Processor) invoke(ctx context.Context, event *PersistedEvent) (json.RawMessage, error) {
	if p.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.handlerTimeout)
		defer cancel()
	}
	if event.Source == SourceHeartbeat {
		return p.heartbeat.Tick(ctx, event.HeartbeatRequest)
	}
	return p.automation.ExecuteRun(ctx, event.AutomationRequest)
}

func (p *Processor) newRecord(event *PersistedEvent, status Status, fill func(*Record)) *Record {
	rec := &Record{
		Status:       status,
		EventID:      event.EventID,
		Source:       event.Source,
		RunID:        event.RunID,
		RecordedAtMs: p.timeNow().UnixMilli(),
		Metadata:     event.Metadata,
	}
	fill(rec)
	return rec
}

func (p *Processor) append(ctx context.Context, rec *Record) (*Record, error) {
	stored, err := p.store.AppendRecord(ctx, rec)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to append %s record for event %s", rec.Status, rec.EventID)
	}
	return stored, nil
}

func quote(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
