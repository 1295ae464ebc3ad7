package dispatch

import (
	"context"
	"strings"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/logger"
	"github.com/teranos/polar/pulse/events"
	"github.com/teranos/polar/pulse/queue"
)

// QueueProcessed names the processed-event ledger in ListEventQueue.
const QueueProcessed = "processed"

// ListQueueRequest selects a page of the retry queue, the dead-letter queue
// or the processed-event ledger.
type ListQueueRequest struct {
	Queue        string        `json:"queue"`
	FromSequence int64         `json:"fromSequence"`
	Limit        int           `json:"limit"`
	Source       events.Source `json:"source,omitempty"`
	EventID      string        `json:"eventId,omitempty"`
	RunID        string        `json:"runId,omitempty"`
	// Status applies to the processed ledger only.
	Status events.Status `json:"status,omitempty"`
}

func (r *ListQueueRequest) validate() error {
	v := errors.NewValidationError("listEventQueue")
	if r.FromSequence < 0 {
		v.Add("fromSequence", "must not be negative")
	}
	if r.Limit < 0 {
		v.Add("limit", "must not be negative")
	}
	if r.Source != "" && !r.Source.Valid() {
		v.Add("source", "must be automation or heartbeat, got %q", r.Source)
	}
	switch r.Status {
	case "", events.StatusProcessed, events.StatusRejected, events.StatusFailed:
	default:
		v.Add("status", "must be processed, rejected or failed, got %q", r.Status)
	}
	return v.Err()
}

// QueuePage is one page of ListEventQueue. Items holds queue entries or
// processed-event records depending on Queue.
type QueuePage struct {
	Queue            string      `json:"queue"`
	Items            interface{} `json:"items"`
	Count            int         `json:"count"`
	NextFromSequence int64       `json:"nextFromSequence"`
}

// ListEventQueue lists one queue in sequence order.
func (s *Service) ListEventQueue(ctx context.Context, req ListQueueRequest) (*QueuePage, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if strings.EqualFold(req.Queue, QueueProcessed) {
		page, err := s.records.ListRecords(ctx, events.RecordFilter{
			FromSequence: req.FromSequence,
			Limit:        req.Limit,
			Source:       req.Source,
			Status:       req.Status,
			EventID:      req.EventID,
			RunID:        req.RunID,
		})
		if err != nil {
			return nil, err
		}
		return &QueuePage{
			Queue:            QueueProcessed,
			Items:            page.Items,
			Count:            len(page.Items),
			NextFromSequence: page.NextFromSequence,
		}, nil
	}

	name, err := queue.ParseName(req.Queue)
	if err != nil {
		return nil, err
	}
	page, err := s.queue.List(ctx, name, queue.ListFilter{
		FromSequence: req.FromSequence,
		Limit:        req.Limit,
		Source:       req.Source,
		EventID:      req.EventID,
		RunID:        req.RunID,
	})
	if err != nil {
		return nil, err
	}
	return &QueuePage{
		Queue:            string(page.Queue),
		Items:            page.Items,
		Count:            len(page.Items),
		NextFromSequence: page.NextFromSequence,
	}, nil
}

// RetrySummary reports one drain of the retry queue.
type RetrySummary struct {
	Due       int `json:"due"`
	Claimed   int `json:"claimed"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
}

// ProcessDueRetries re-runs retry entries whose retryAtMs has passed, up to
// limit. Each entry is removed from the queue before it runs with the next
// attempt number; a failure files it again through the normal disposition.
func (s *Service) ProcessDueRetries(ctx context.Context, limit int) (*RetrySummary, error) {
	due, err := s.queue.DueRetries(ctx, limit)
	if err != nil {
		return nil, err
	}

	summary := &RetrySummary{Due: len(due)}
	for _, entry := range due {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		claimed, err := s.queue.Claim(ctx, entry)
		if err != nil {
			return summary, err
		}
		if !claimed {
			continue
		}
		summary.Claimed++

		event, err := entry.NextAttempt()
		if err != nil {
			s.logger.Errorw("Dropping unreadable retry entry",
				logger.FieldEventID, entry.EventID,
				logger.FieldSequence, entry.Sequence,
				logger.FieldError, err)
			continue
		}

		res, err := s.ProcessPersistedEvent(ctx, event)
		if err != nil {
			return summary, errors.Wrapf(err, "retry of event %s", entry.EventID)
		}
		switch res.Record.Status {
		case events.StatusProcessed:
			summary.Processed++
		case events.StatusFailed:
			summary.Failed++
		default:
			summary.Rejected++
		}
	}

	if summary.Claimed > 0 {
		s.logger.Infow("Drained retry queue",
			"due", summary.Due,
			"processed", summary.Processed,
			"failed", summary.Failed,
			"rejected", summary.Rejected)
	}
	return summary, nil
}
