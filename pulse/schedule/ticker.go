package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/internal/util"
	"github.com/teranos/polar/logger"
	"github.com/teranos/polar/pulse/dispatch"
	"github.com/teranos/polar/pulse/events"
	"github.com/teranos/polar/pulse/metrics"
)

// Dispatcher is the part of dispatch.Service the ticker drives.
type Dispatcher interface {
	ProcessPersistedEvent(ctx context.Context, event *events.PersistedEvent) (*dispatch.ProcessResult, error)
	ProcessDueRetries(ctx context.Context, limit int) (*dispatch.RetrySummary, error)
	IsQueued(ctx context.Context, eventID string) (bool, error)
	Defaults() dispatch.Defaults
}

// TickerConfig contains configuration for the Pulse ticker
type TickerConfig struct {
	Interval        time.Duration // How often to look for due jobs
	DueBatchLimit   int           // ListDueJobs limit per tick
	RetryBatchLimit int           // retry entries drained per tick
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval:        30 * time.Second,
		DueBatchLimit:   DefaultDueLimit,
		RetryBatchLimit: 50,
	}
}

// maxSettled bounds the in-memory set of occurrences that will not be re-dispatched.
const maxSettled = 10_000

var runIDNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("polar://runs"))

// OccurrenceEventID is the idempotency key of one due occurrence of a job.
func OccurrenceEventID(jobID string, nextDueAtMs int64) string {
	return fmt.Sprintf("automation:%s:%d", jobID, nextDueAtMs)
}

// OccurrenceRunID derives a stable run id from an occurrence event id.
func OccurrenceRunID(eventID string) string {
	return uuid.NewSHA1(runIDNamespace, []byte(eventID)).String()
}

// TickResult summarizes one tick.
type TickResult struct {
	Due          int                    `json:"due"`
	Dispatched   int                    `json:"dispatched"`
	Processed    int                    `json:"processed"`
	Failed       int                    `json:"failed"`
	Rejected     int                    `json:"rejected"`
	SkippedQueue int                    `json:"skipped_queued"`
	Retries      *dispatch.RetrySummary `json:"retries,omitempty"`
}

// Ticker turns due automation jobs into scheduler events on a fixed interval
// and drains due retries after each pass.
type Ticker struct {
	store      *Store
	dispatcher Dispatcher
	cfg        TickerConfig
	reconfig   chan TickerConfig
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	pulseLog   *zap.SugaredLogger // Logger with Pulse symbol pre-attached
	timeNow    func() time.Time

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastResult      TickResult
	lastDue         int
	settled         map[string]struct{}
}

// TickerOption configures a Ticker.
type TickerOption func(*Ticker)

// WithTickerClock overrides the ticker's time source (for testing).
func WithTickerClock(now func() time.Time) TickerOption {
	return func(t *Ticker) { t.timeNow = now }
}

// NewTicker creates a new Pulse ticker
func NewTicker(store *Store, dispatcher Dispatcher, cfg TickerConfig, log *zap.SugaredLogger, opts ...TickerOption) *Ticker {
	return NewTickerWithContext(context.Background(), store, dispatcher, cfg, log, opts...)
}

// NewTickerWithContext creates a ticker with a parent context
func NewTickerWithContext(ctx context.Context, store *Store, dispatcher Dispatcher, cfg TickerConfig, log *zap.SugaredLogger, opts ...TickerOption) *Ticker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	t := &Ticker{
		store:      store,
		dispatcher: dispatcher,
		cfg:        normalizeTickerConfig(cfg),
		reconfig:   make(chan TickerConfig, 1),
		ctx:        tickerCtx,
		cancel:     cancel,
		pulseLog:   logger.AddPulseSymbol(log),
		timeNow:    time.Now,
		settled:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func normalizeTickerConfig(cfg TickerConfig) TickerConfig {
	def := DefaultTickerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.DueBatchLimit <= 0 {
		cfg.DueBatchLimit = def.DueBatchLimit
	}
	if cfg.RetryBatchLimit <= 0 {
		cfg.RetryBatchLimit = def.RetryBatchLimit
	}
	return cfg
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started", "interval", t.config().Interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

// Reconfigure swaps the interval and batch limits; the loop picks it up
// before its next tick.
func (t *Ticker) Reconfigure(cfg TickerConfig) {
	cfg = normalizeTickerConfig(cfg)
	select {
	case <-t.reconfig:
	default:
	}
	t.reconfig <- cfg
}

func (t *Ticker) config() TickerConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// run is the main ticker loop
func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config().Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case cfg := <-t.reconfig:
			t.mu.Lock()
			changed := cfg.Interval != t.cfg.Interval
			t.cfg = cfg
			t.mu.Unlock()
			if changed {
				ticker.Reset(cfg.Interval)
			}
			t.pulseLog.Infow("Pulse ticker reconfigured",
				"interval", cfg.Interval,
				"due_batch_limit", cfg.DueBatchLimit,
				"retry_batch_limit", cfg.RetryBatchLimit)
		case <-ticker.C:
			if _, err := t.Tick(t.ctx); err != nil && t.ctx.Err() == nil {
				// Don't spam logs - log errors at warn level
				t.pulseLog.Warnw("Pulse tick error", "error", err, "tick", t.stats().ticks)
			}
		}
	}
}

// Tick runs one pass: dispatch every due job not already parked in a queue,
// then drain due retries.
func (t *Ticker) Tick(ctx context.Context) (*TickResult, error) {
	now := t.timeNow()
	cfg := t.config()

	t.mu.Lock()
	t.lastTickAt = now
	t.ticksSinceStart++
	t.mu.Unlock()

	due, err := t.store.ListDueJobs(ctx, now.UnixMilli(), cfg.DueBatchLimit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due jobs")
	}
	metrics.SetDueJobs(len(due))

	result := &TickResult{Due: len(due)}
	defaults := t.dispatcher.Defaults()

	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		eventID := OccurrenceEventID(d.Job.ID, d.NextDueAtMs)
		if t.isSettled(eventID) {
			continue
		}
		queued, err := t.dispatcher.IsQueued(ctx, eventID)
		if err != nil {
			return result, err
		}
		if queued {
			result.SkippedQueue++
			continue
		}

		event, err := t.buildEvent(d, eventID, now, defaults)
		if err != nil {
			t.pulseLog.Errorw("Failed to build scheduler event", logger.FieldJobID, d.Job.ID, "error", err)
			continue
		}

		res, err := t.dispatcher.ProcessPersistedEvent(ctx, event)
		if err != nil {
			t.pulseLog.Errorw("Failed to dispatch due job",
				logger.FieldJobID, d.Job.ID,
				logger.FieldEventID, eventID,
				"error", err)
			continue
		}
		result.Dispatched++
		t.count(result, eventID, res)
	}

	retries, err := t.dispatcher.ProcessDueRetries(ctx, cfg.RetryBatchLimit)
	result.Retries = retries
	if err != nil {
		return result, errors.Wrap(err, "failed to drain retry queue")
	}

	t.logTick(result)
	return result, nil
}

func (t *Ticker) buildEvent(d DueJob, eventID string, now time.Time, defaults dispatch.Defaults) (*events.PersistedEvent, error) {
	runID := OccurrenceRunID(eventID)
	request, err := json.Marshal(map[string]interface{}{
		"automationId":   d.Job.ID,
		"runId":          runID,
		"profileId":      defaults.ProfileID,
		"trigger":        "schedule",
		"ownerUserId":    d.Job.OwnerUserID,
		"sessionId":      d.Job.SessionID,
		"promptTemplate": d.Job.PromptTemplate,
		"scheduledForMs": d.NextDueAtMs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode automation request")
	}
	metadata, err := json.Marshal(map[string]interface{}{
		"sessionId": d.Job.SessionID,
		"schedule":  d.Job.Schedule,
		"runsToday": d.RunsToday,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode event metadata")
	}

	return &events.PersistedEvent{
		EventID:                 eventID,
		Source:                  events.SourceAutomation,
		RunID:                   runID,
		RecordedAtMs:            now.UnixMilli(),
		Attempt:                 1,
		MaxAttempts:             defaults.MaxAttempts,
		RetryBackoffMs:          defaults.RetryBackoffMs,
		DeadLetterOnMaxAttempts: util.Ptr(defaults.DeadLetterOnMaxAttempts),
		AutomationRequest:       request,
		Metadata:                metadata,
	}, nil
}

// count tallies res. Rejections and dropped failures are settled so the
// same occurrence is not re-dispatched on every tick.
func (t *Ticker) count(result *TickResult, eventID string, res *dispatch.ProcessResult) {
	switch res.Record.Status {
	case events.StatusProcessed:
		result.Processed++
		return
	case events.StatusFailed:
		result.Failed++
		if res.QueueEntry != nil {
			return
		}
	default:
		result.Rejected++
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.settled) >= maxSettled {
		t.settled = make(map[string]struct{})
	}
	t.settled[eventID] = struct{}{}
}

func (t *Ticker) isSettled(eventID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.settled[eventID]
	return ok
}

// logTick logs only when something happened or the due count changed.
func (t *Ticker) logTick(result *TickResult) {
	t.mu.Lock()
	changed := result.Due != t.lastDue
	t.lastDue = result.Due
	t.lastResult = *result
	t.mu.Unlock()

	retried := result.Retries != nil && result.Retries.Claimed > 0
	if result.Dispatched == 0 && !retried && !changed {
		return
	}

	m := GetSystemMetrics()
	t.pulseLog.Infow(fmt.Sprintf("Pulse - %d due, %d dispatched │ Mem: %.1f/%.1fGB (%.0f%%)",
		result.Due, result.Dispatched, m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent),
		"processed", result.Processed,
		"failed", result.Failed,
		"rejected", result.Rejected,
		"skipped_queued", result.SkippedQueue)
}

type tickerStats struct {
	lastTickAt time.Time
	ticks      int64
	last       TickResult
}

func (t *Ticker) stats() tickerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return tickerStats{lastTickAt: t.lastTickAt, ticks: t.ticksSinceStart, last: t.lastResult}
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	s := t.stats()
	cfg := t.config()
	return map[string]interface{}{
		"last_tick_at":      s.lastTickAt,
		"ticks_since_start": s.ticks,
		"interval":          cfg.Interval.String(),
		"due_batch_limit":   cfg.DueBatchLimit,
		"last_tick":         s.last,
		"system":            GetSystemMetrics(),
	}
}
