package workflow

import (
	"context"
	"time"
)

// Status is the lifecycle state of a workflow run.
// Transitions: pending → running → {completed, failed, canceled}; terminal
// states never transition again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of one task within a run.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskResult is the persisted outcome of one task.
type TaskResult struct {
	TaskName    string     `json:"taskName"`
	Status      TaskStatus `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt time.Time  `json:"completedAt,omitzero"`
	Attempts    int        `json:"attempts"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Run is the persisted state of one workflow execution. Results holds each
// completed task's output keyed by task name; Errors holds the final error
// message per failed task.
type Run struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	CompletedAt time.Time         `json:"completedAt,omitzero"`
	CurrentTask string            `json:"currentTask,omitempty"`
	Input       any               `json:"input,omitempty"`
	Results     map[string]any    `json:"results"`
	Errors      map[string]string `json:"errors,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Progress returns completion as an integer percentage: completed tasks plus
// half credit for a currently running task, floored.
func (r *Run) Progress(totalTasks int) int {
	if totalTasks <= 0 {
		return 0
	}
	if r.Status == StatusCompleted {
		return 100
	}
	completed := len(r.Results)
	running := 0.0
	if r.Status == StatusRunning && r.CurrentTask != "" {
		if _, done := r.Results[r.CurrentTask]; !done {
			running = 0.5
		}
	}
	return int((float64(completed) + running) / float64(totalTasks) * 100)
}

// Result returns a completed task's output.
func (r *Run) Result(taskName string) (any, bool) {
	v, ok := r.Results[taskName]
	return v, ok
}

// Store is the persistence contract the engine writes through. Every
// observable state change is saved before the engine proceeds.
type Store interface {
	SaveRun(ctx context.Context, run *Run) error
	SaveTaskResult(ctx context.Context, runID string, result *TaskResult) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// ListRuns returns runs most recent first; an empty status means all.
	ListRuns(ctx context.Context, status Status) ([]*Run, error)
}
