package queue

import (
	"github.com/teranos/polar/pulse/events"
)

// Disposition is what happens to a failed event.
type Disposition string

const (
	DispositionNone           Disposition = "none"
	DispositionRetryScheduled Disposition = "retry_scheduled"
	DispositionDeadLettered   Disposition = "dead_lettered"
)

// MaxRetryDelayMs caps the exponential retry delay.
const MaxRetryDelayMs int64 = 6 * 60 * 60 * 1000

// Decision is the outcome of Decide.
type Decision struct {
	Disposition Disposition `json:"disposition"`
	RetryAtMs   int64       `json:"retryAtMs,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// Decide picks the disposition for a failed attempt of event.
//
// Attempts below maxAttempts are retried after
// retryBackoffMs * 2^(attempt-1), capped at MaxRetryDelayMs. The final
// attempt is dead-lettered when the event asks for it and dropped otherwise.
// Attempt and maxAttempts below 1 count as 1.
func Decide(event *events.PersistedEvent, failureReason string, nowMs int64) Decision {
	attempt := max(event.Attempt, 1)
	maxAttempts := max(event.MaxAttempts, 1)

	if attempt < maxAttempts {
		return Decision{
			Disposition: DispositionRetryScheduled,
			RetryAtMs:   nowMs + retryDelayMs(event.RetryBackoffMs, attempt),
			Reason:      joinReason(ReasonRetryProcessorError, failureReason),
		}
	}
	if event.DeadLetters() {
		return Decision{
			Disposition: DispositionDeadLettered,
			Reason:      joinReason(ReasonDeadLetterMaxAttempts, failureReason),
		}
	}
	return Decision{Disposition: DispositionNone}
}

func retryDelayMs(baseMs int64, attempt int) int64 {
	if baseMs <= 0 {
		return 0
	}
	d := baseMs
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= MaxRetryDelayMs {
			return MaxRetryDelayMs
		}
	}
	return min(d, MaxRetryDelayMs)
}

func joinReason(code, detail string) string {
	if detail == "" {
		return code
	}
	return code + ": " + detail
}
