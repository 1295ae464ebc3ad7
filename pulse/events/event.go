// Package events classifies persisted scheduler trigger events.
//
// Every event is processed at most once by eventId: the processor checks a
// durable processed-set, validates the payload against the envelope, invokes
// the executor for the event's source and appends the outcome to an
// append-only event ledger.
package events

import (
	"encoding/json"
	"strings"

	"github.com/teranos/polar/errors"
)

// Source identifies which executor an event targets.
type Source string

const (
	SourceAutomation Source = "automation"
	SourceHeartbeat  Source = "heartbeat"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s == SourceAutomation || s == SourceHeartbeat
}

// ParseSource validates a source name.
func ParseSource(raw string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", errors.NewInvalidRequestError("unknown source %q (want automation or heartbeat)", raw)
	}
	return s, nil
}

// Status is the processor's classification of an event.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// RunStatus is the executor-reported outcome of a processed run.
type RunStatus string

const (
	RunExecuted RunStatus = "executed"
	RunSkipped  RunStatus = "skipped"
	RunBlocked  RunStatus = "blocked"
	RunFailed   RunStatus = "failed"
)

func parseRunStatus(s string) RunStatus {
	switch rs := RunStatus(s); rs {
	case RunExecuted, RunSkipped, RunBlocked, RunFailed:
		return rs
	}
	return ""
}

// RejectionCode explains why an event was rejected without running.
type RejectionCode string

const (
	RejectDuplicate            RejectionCode = "DUPLICATE"
	RejectPayloadMismatch      RejectionCode = "PAYLOAD_MISMATCH"
	RejectPayloadMissing       RejectionCode = "PAYLOAD_MISSING"
	RejectRunIDMismatch        RejectionCode = "RUN_ID_MISMATCH"
	RejectGatewayNotConfigured RejectionCode = "GATEWAY_NOT_CONFIGURED"
)

// Failure codes for executor errors.
const (
	FailureExecutor      = "EXECUTOR_ERROR"
	FailureTimeout       = "EXECUTOR_TIMEOUT"
	FailureInvalidOutput = "INVALID_OUTPUT"
)

// PersistedEvent is one trigger occurrence. EventID is the idempotency key;
// the request payloads are opaque to the scheduler apart from runId.
type PersistedEvent struct {
	EventID                 string          `json:"eventId"`
	Source                  Source          `json:"source"`
	RunID                   string          `json:"runId"`
	RecordedAtMs            int64           `json:"recordedAtMs"`
	Attempt                 int             `json:"attempt"`
	MaxAttempts             int             `json:"maxAttempts"`
	RetryBackoffMs          int64           `json:"retryBackoffMs"`
	DeadLetterOnMaxAttempts *bool           `json:"deadLetterOnMaxAttempts,omitempty"` // nil takes the scheduler default
	AutomationRequest       json.RawMessage `json:"automationRequest,omitempty"`
	HeartbeatRequest        json.RawMessage `json:"heartbeatRequest,omitempty"`
	Metadata                json.RawMessage `json:"metadata,omitempty"`
}

// DeadLetters reports whether a final failure goes to the dead-letter queue.
func (e *PersistedEvent) DeadLetters() bool {
	return e.DeadLetterOnMaxAttempts != nil && *e.DeadLetterOnMaxAttempts
}

// Validate checks the envelope. Payload consistency is the processor's job
// and yields rejections, not validation errors.
func (e *PersistedEvent) Validate() error {
	v := errors.NewValidationError("processPersistedEvent")
	if strings.TrimSpace(e.EventID) == "" {
		v.Add("eventId", "is required")
	}
	if !e.Source.Valid() {
		v.Add("source", "must be automation or heartbeat, got %q", e.Source)
	}
	if strings.TrimSpace(e.RunID) == "" {
		v.Add("runId", "is required")
	}
	if e.Attempt < 0 {
		v.Add("attempt", "must not be negative")
	}
	if e.MaxAttempts < 0 {
		v.Add("maxAttempts", "must not be negative")
	}
	if e.RetryBackoffMs < 0 {
		v.Add("retryBackoffMs", "must not be negative")
	}
	if len(e.Metadata) > 0 && !isJSONObject(e.Metadata) {
		v.Add("metadata", "must be a JSON object")
	}
	return v.Err()
}

// Payload returns the request matching the event's source.
func (e *PersistedEvent) Payload() json.RawMessage {
	if e.Source == SourceHeartbeat {
		return e.HeartbeatRequest
	}
	return e.AutomationRequest
}

// otherPayload returns the request that must be absent for the event's source.
func (e *PersistedEvent) otherPayload() json.RawMessage {
	if e.Source == SourceHeartbeat {
		return e.AutomationRequest
	}
	return e.HeartbeatRequest
}

// Failure describes why an executor call did not produce a result.
type Failure struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// Record is one entry of the append-only event ledger.
type Record struct {
	Sequence      int64           `json:"sequence"`
	Status        Status          `json:"status"`
	EventID       string          `json:"eventId"`
	Source        Source          `json:"source"`
	RunID         string          `json:"runId"`
	RunStatus     RunStatus       `json:"runStatus,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	RejectionCode RejectionCode   `json:"rejectionCode,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Failure       *Failure        `json:"failure,omitempty"`
	RecordedAtMs  int64           `json:"recordedAtMs"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil
}

// isAbsent treats missing, empty and JSON null payloads alike.
func isAbsent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}
