// Package queue holds scheduler events that failed: the retry queue and the
// dead-letter queue, the policy that files failures into them, and the
// operator actions that move entries between them.
package queue

import (
	"encoding/json"
	"strings"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/pulse/events"
)

// Name identifies a queue.
type Name string

const (
	Retry      Name = "retry"
	DeadLetter Name = "dead_letter"
)

// ParseName validates a queue name. "dead-letter" and "deadletter" are accepted.
func ParseName(raw string) (Name, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "retry":
		return Retry, nil
	case "dead_letter", "dead-letter", "deadletter":
		return DeadLetter, nil
	}
	return "", errors.NewInvalidRequestError("unknown queue %q (want retry or dead_letter)", raw)
}

// Reason codes written to entries.
const (
	ReasonRetryProcessorError   = "RETRY_PROCESSOR_ERROR"
	ReasonDeadLetterMaxAttempts = "DEAD_LETTER_MAX_ATTEMPTS"
	ReasonRetryNow              = "RETRY_NOW"
	ReasonRequeued              = "REQUEUED"
)

// Entry is one queued event. Attempt is the attempt that last failed;
// RequestPayload is the full event envelope, so the event can be replayed
// exactly.
type Entry struct {
	Sequence       int64           `json:"sequence"`
	EventID        string          `json:"eventId"`
	Source         events.Source   `json:"source"`
	RunID          string          `json:"runId"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"maxAttempts"`
	RetryAtMs      *int64          `json:"retryAtMs,omitempty"`
	Reason         string          `json:"reason"`
	RequestPayload json.RawMessage `json:"requestPayload"`
	RecordedAtMs   int64           `json:"recordedAtMs"`
}

// Event decodes the stored envelope.
func (e *Entry) Event() (*events.PersistedEvent, error) {
	var event events.PersistedEvent
	if err := json.Unmarshal(e.RequestPayload, &event); err != nil {
		return nil, errors.Wrapf(err, "invalid request payload for queued event %s", e.EventID)
	}
	return &event, nil
}

// NextAttempt returns the event to run for this entry's next attempt.
func (e *Entry) NextAttempt() (*events.PersistedEvent, error) {
	event, err := e.Event()
	if err != nil {
		return nil, err
	}
	event.Attempt = e.Attempt + 1
	event.MaxAttempts = e.MaxAttempts
	return event, nil
}

func newEntry(event *events.PersistedEvent, reason string, retryAtMs *int64, nowMs int64) (*Entry, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode event envelope")
	}
	return &Entry{
		EventID:        event.EventID,
		Source:         event.Source,
		RunID:          event.RunID,
		Attempt:        event.Attempt,
		MaxAttempts:    event.MaxAttempts,
		RetryAtMs:      retryAtMs,
		Reason:         reason,
		RequestPayload: payload,
		RecordedAtMs:   nowMs,
	}, nil
}

// ListFilter narrows a queue listing.
type ListFilter struct {
	FromSequence int64
	Limit        int
	Source       events.Source
	EventID      string
	RunID        string
	// DueAtOrBeforeMs keeps retry entries whose RetryAtMs is set and not after it.
	DueAtOrBeforeMs *int64
}

// Page is one page of a queue listing.
type Page struct {
	Queue            Name     `json:"queue"`
	Items            []*Entry `json:"items"`
	NextFromSequence int64    `json:"nextFromSequence"`
}
