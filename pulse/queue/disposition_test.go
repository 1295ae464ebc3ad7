package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/polar/internal/util"
	"github.com/teranos/polar/pulse/events"
)

func TestDecide(t *testing.T) {
	const now = int64(1_000_000)

	tests := []struct {
		name        string
		event       events.PersistedEvent
		disposition Disposition
		retryAtMs   int64
	}{
		{
			name:        "first failure retries after base backoff",
			event:       events.PersistedEvent{Attempt: 1, MaxAttempts: 3, RetryBackoffMs: 60_000},
			disposition: DispositionRetryScheduled,
			retryAtMs:   now + 60_000,
		},
		{
			name:        "second failure doubles the backoff",
			event:       events.PersistedEvent{Attempt: 2, MaxAttempts: 3, RetryBackoffMs: 60_000},
			disposition: DispositionRetryScheduled,
			retryAtMs:   now + 120_000,
		},
		{
			name:        "backoff is capped",
			event:       events.PersistedEvent{Attempt: 30, MaxAttempts: 40, RetryBackoffMs: 60_000},
			disposition: DispositionRetryScheduled,
			retryAtMs:   now + MaxRetryDelayMs,
		},
		{
			name:        "zero backoff retries immediately",
			event:       events.PersistedEvent{Attempt: 1, MaxAttempts: 2},
			disposition: DispositionRetryScheduled,
			retryAtMs:   now,
		},
		{
			name:        "final attempt dead-letters when asked",
			event:       events.PersistedEvent{Attempt: 3, MaxAttempts: 3, DeadLetterOnMaxAttempts: util.Ptr(true)},
			disposition: DispositionDeadLettered,
		},
		{
			name:        "final attempt is dropped otherwise",
			event:       events.PersistedEvent{Attempt: 3, MaxAttempts: 3},
			disposition: DispositionNone,
		},
		{
			name:        "explicit false drops the final attempt",
			event:       events.PersistedEvent{Attempt: 3, MaxAttempts: 3, DeadLetterOnMaxAttempts: util.Ptr(false)},
			disposition: DispositionNone,
		},
		{
			name:        "unset attempts behave as a single attempt",
			event:       events.PersistedEvent{DeadLetterOnMaxAttempts: util.Ptr(true)},
			disposition: DispositionDeadLettered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(&tt.event, "boom", now)
			assert.Equal(t, tt.disposition, d.Disposition)
			assert.Equal(t, tt.retryAtMs, d.RetryAtMs)
		})
	}
}

func TestDecideReasons(t *testing.T) {
	retry := Decide(&events.PersistedEvent{Attempt: 1, MaxAttempts: 2}, "executor timed out", 0)
	assert.Equal(t, "RETRY_PROCESSOR_ERROR: executor timed out", retry.Reason)

	dead := Decide(&events.PersistedEvent{Attempt: 2, MaxAttempts: 2, DeadLetterOnMaxAttempts: util.Ptr(true)}, "", 0)
	assert.Equal(t, ReasonDeadLetterMaxAttempts, dead.Reason)
}
