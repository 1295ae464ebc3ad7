package taskboard

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Task is the board's view of a job or heartbeat policy.
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	AssigneeType string     `json:"assigneeType"`
	AssigneeID   string     `json:"assigneeId"`
	Status       TaskStatus `json:"status"`
	LastRunID    string     `json:"lastRunId"`
	SessionID    string     `json:"sessionId,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Version      int64      `json:"version"`
	Links        int        `json:"links"`
}

// MemoryBoard is an in-process task board. Every accepted replay key bumps
// the task's version once; replaying the key again is skipped.
type MemoryBoard struct {
	mu    sync.Mutex
	tasks map[string]*Task
	keys  map[string]string // replay key -> task id
}

// NewMemoryBoard creates an empty board.
func NewMemoryBoard() *MemoryBoard {
	return &MemoryBoard{
		tasks: make(map[string]*Task),
		keys:  make(map[string]string),
	}
}

// ReplayRunLinks applies req in order.
func (b *MemoryBoard) ReplayRunLinks(ctx context.Context, req ReplayRequest) (*ReplayResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	result := &ReplayResult{Items: []ReplayItem{}}
	for _, rec := range req.Records {
		result.Add(b.apply(rec))
	}
	return result, nil
}

func (b *MemoryBoard) apply(rec ReplayRecord) ReplayItem {
	item := ReplayItem{ReplayKey: rec.ReplayKey, TaskID: rec.TaskID}

	if strings.TrimSpace(rec.ReplayKey) == "" || strings.TrimSpace(rec.TaskID) == "" || !rec.ToStatus.Valid() {
		item.Status = ItemRejected
		return item
	}

	if taskID, seen := b.keys[rec.ReplayKey]; seen {
		item.Status = ItemSkippedDuplicate
		item.TaskID = taskID
		item.Version = b.tasks[taskID].Version
		return item
	}

	task, ok := b.tasks[rec.TaskID]
	if !ok {
		task = &Task{ID: rec.TaskID}
		b.tasks[rec.TaskID] = task
	}
	task.Title = rec.Title
	task.AssigneeType = rec.AssigneeType
	task.AssigneeID = rec.AssigneeID
	task.Status = rec.ToStatus
	task.LastRunID = rec.RunID
	task.SessionID = rec.SessionID
	task.Reason = rec.Reason
	task.Version++
	task.Links++
	b.keys[rec.ReplayKey] = rec.TaskID

	item.Status = ItemLinked
	item.Version = task.Version
	return item
}

// Task returns a copy of the task with id.
func (b *MemoryBoard) Task(id string) (Task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks returns copies of all tasks ordered by id.
func (b *MemoryBoard) Tasks() []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
