package ledger

import (
	"encoding/json"
	"strings"

	"github.com/teranos/polar/pulse/events"
	"github.com/teranos/polar/taskboard"
)

// AssigneeAgentProfile is the assignee type of every replayed run.
const AssigneeAgentProfile = "agent_profile"

// ToReplayRecord projects a ledger row onto a task board replay record.
// The task status follows the run status in the output.
func ToReplayRecord(rec *RunRecord) taskboard.ReplayRecord {
	var out struct {
		Status    string `json:"status"`
		SessionID string `json:"sessionId"`
		Reason    string `json:"reason"`
		Error     string `json:"error"`
	}
	_ = json.Unmarshal(rec.Output, &out)

	var meta struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(rec.Metadata, &meta)

	sessionID := out.SessionID
	if sessionID == "" {
		sessionID = meta.SessionID
	}
	reason := out.Reason
	if reason == "" {
		reason = out.Error
	}

	title := "Automation " + rec.ID
	if rec.Source == events.SourceHeartbeat {
		title = "Heartbeat " + rec.ID
	}

	metadata, _ := json.Marshal(map[string]interface{}{
		"ledgerSequence": rec.Sequence,
		"source":         rec.Source,
		"trigger":        rec.Trigger,
		"runStatus":      out.Status,
		"createdAtMs":    rec.CreatedAtMs,
	})

	return taskboard.ReplayRecord{
		ReplayKey:    ReplayKey(rec.Source, rec.ID, rec.RunID),
		TaskID:       TaskID(rec.Source, rec.ID),
		Title:        title,
		AssigneeType: AssigneeAgentProfile,
		AssigneeID:   rec.ProfileID,
		ToStatus:     taskStatusFor(out.Status),
		RunID:        rec.RunID,
		SessionID:    sessionID,
		Reason:       reason,
		Metadata:     metadata,
	}
}

func taskStatusFor(runStatus string) taskboard.TaskStatus {
	switch events.RunStatus(strings.ToLower(runStatus)) {
	case events.RunExecuted, events.RunSkipped:
		return taskboard.TaskDone
	case events.RunBlocked, events.RunFailed:
		return taskboard.TaskBlocked
	}
	return taskboard.TaskInProgress
}
