package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/polar/pulse/events"
	"github.com/teranos/polar/taskboard"
)

func TestReplayKey(t *testing.T) {
	assert.Equal(t, "automation:job-1:run:run-1", ReplayKey(events.SourceAutomation, "job-1", "run-1"))
	assert.Equal(t, "heartbeat:opsdaily:run:abc_9", ReplayKey(events.SourceHeartbeat, "ops daily!", "abc_9"))
	assert.Equal(t, "heartbeat:ops.daily:run:abc_9", ReplayKey(events.SourceHeartbeat, "ops.daily", "abc_9"))
	assert.Equal(t, "automation:team:alpha:run:r1", ReplayKey(events.SourceAutomation, "team:alpha", "r/1"))
}

func TestToReplayRecord(t *testing.T) {
	tests := []struct {
		output string
		want   taskboard.TaskStatus
	}{
		{`{"status":"executed"}`, taskboard.TaskDone},
		{`{"status":"skipped"}`, taskboard.TaskDone},
		{`{"status":"blocked"}`, taskboard.TaskBlocked},
		{`{"status":"failed","error":"quota"}`, taskboard.TaskBlocked},
		{`{"status":"queued"}`, taskboard.TaskInProgress},
		{`{}`, taskboard.TaskInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			rec := ToReplayRecord(&RunRecord{
				Sequence:  7,
				Source:    events.SourceAutomation,
				ID:        "job-1",
				RunID:     "run-1",
				ProfileID: "default",
				Trigger:   "schedule",
				Output:    json.RawMessage(tt.output),
				Metadata:  json.RawMessage(`{"sessionId":"sess-1"}`),
			})
			assert.Equal(t, tt.want, rec.ToStatus)
			assert.Equal(t, "automation:job-1", rec.TaskID)
			assert.Equal(t, "Automation job-1", rec.Title)
			assert.Equal(t, AssigneeAgentProfile, rec.AssigneeType)
			assert.Equal(t, "sess-1", rec.SessionID)
		})
	}

	failed := ToReplayRecord(&RunRecord{Source: events.SourceAutomation, ID: "j", RunID: "r", Output: json.RawMessage(`{"status":"failed","error":"quota"}`)})
	assert.Equal(t, "quota", failed.Reason)
}
