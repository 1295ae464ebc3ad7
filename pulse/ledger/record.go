// Package ledger is the append-only run ledger: one row per completed
// automation or heartbeat run, keyed by (source, id, runId), and the
// projection of those rows into the task board.
package ledger

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/pulse/events"
)

// RunRecord is one ledger row. ID is the automation id or heartbeat policy id.
type RunRecord struct {
	Sequence    int64           `json:"sequence"`
	Source      events.Source   `json:"source"`
	ID          string          `json:"id"`
	RunID       string          `json:"runId"`
	ProfileID   string          `json:"profileId"`
	Trigger     string          `json:"trigger"`
	Output      json.RawMessage `json:"output"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAtMs int64           `json:"createdAtMs"`
}

// RunInput is what callers record. CreatedAtMs 0 means now.
type RunInput struct {
	ID          string          `json:"id"`
	RunID       string          `json:"runId"`
	ProfileID   string          `json:"profileId"`
	Trigger     string          `json:"trigger"`
	Output      json.RawMessage `json:"output,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAtMs int64           `json:"createdAtMs,omitempty"`
}

// Validate checks the input for operation op.
func (in *RunInput) Validate(op string) error {
	v := errors.NewValidationError(op)
	if strings.TrimSpace(in.ID) == "" {
		v.Add("id", "is required")
	}
	if strings.TrimSpace(in.RunID) == "" {
		v.Add("runId", "is required")
	}
	if strings.TrimSpace(in.ProfileID) == "" {
		v.Add("profileId", "is required")
	}
	if strings.TrimSpace(in.Trigger) == "" {
		v.Add("trigger", "is required")
	}
	if !absent(in.Output) && !jsonObject(in.Output) {
		v.Add("output", "must be a JSON object")
	}
	if !absent(in.Metadata) && !jsonObject(in.Metadata) {
		v.Add("metadata", "must be a JSON object")
	}
	if in.CreatedAtMs < 0 {
		v.Add("createdAtMs", "must not be negative")
	}
	return v.Err()
}

var replayKeyStrip = regexp.MustCompile(`[^A-Za-z0-9._:-]`)

func normalizeKeyPart(s string) string {
	return replayKeyStrip.ReplaceAllString(s, "")
}

// ReplayKey is the task board's idempotency key for a run.
func ReplayKey(source events.Source, id, runID string) string {
	return string(source) + ":" + normalizeKeyPart(id) + ":run:" + normalizeKeyPart(runID)
}

// TaskID is the board task a source/id pair maps to.
func TaskID(source events.Source, id string) string {
	return string(source) + ":" + normalizeKeyPart(id)
}

func jsonObject(raw json.RawMessage) bool {
	if !strings.HasPrefix(strings.TrimSpace(string(raw)), "{") {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil
}

func absent(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

func objectOrEmpty(raw json.RawMessage) string {
	if absent(raw) {
		return "{}"
	}
	return string(raw)
}
