// Package taskboard is the client side of the external task board that
// mirrors run outcomes as tasks. Replays are idempotent by replay key.
package taskboard

import (
	"context"
	"encoding/json"
)

// TaskStatus is the board-side status a replay moves a task to.
type TaskStatus string

const (
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskBlocked    TaskStatus = "blocked"
)

// Valid reports whether s is a status the board accepts.
func (s TaskStatus) Valid() bool {
	return s == TaskInProgress || s == TaskDone || s == TaskBlocked
}

// ReplayRecord links one run to a task.
type ReplayRecord struct {
	ReplayKey    string          `json:"replayKey"`
	TaskID       string          `json:"taskId"`
	Title        string          `json:"title"`
	AssigneeType string          `json:"assigneeType"`
	AssigneeID   string          `json:"assigneeId"`
	ToStatus     TaskStatus      `json:"toStatus"`
	RunID        string          `json:"runId"`
	SessionID    string          `json:"sessionId,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// ReplayRequest is one batch.
type ReplayRequest struct {
	Records []ReplayRecord `json:"records"`
}

// ItemStatus is the per-record replay outcome.
type ItemStatus string

const (
	ItemLinked           ItemStatus = "linked"
	ItemSkippedDuplicate ItemStatus = "skipped_duplicate"
	ItemRejected         ItemStatus = "rejected"
)

// ReplayItem reports what happened to one record.
type ReplayItem struct {
	ReplayKey string     `json:"replayKey"`
	TaskID    string     `json:"taskId"`
	Status    ItemStatus `json:"status"`
	Version   int64      `json:"version"`
}

// ReplayResult aggregates a batch.
type ReplayResult struct {
	LinkedCount   int          `json:"linkedCount"`
	SkippedCount  int          `json:"skippedCount"`
	RejectedCount int          `json:"rejectedCount"`
	TotalCount    int          `json:"totalCount"`
	Items         []ReplayItem `json:"items"`
}

// Add counts item into the result.
func (r *ReplayResult) Add(item ReplayItem) {
	switch item.Status {
	case ItemLinked:
		r.LinkedCount++
	case ItemSkippedDuplicate:
		r.SkippedCount++
	default:
		r.RejectedCount++
	}
	r.TotalCount++
	r.Items = append(r.Items, item)
}

// Gateway replays run links into a task board.
type Gateway interface {
	ReplayRunLinks(ctx context.Context, req ReplayRequest) (*ReplayResult, error)
}
