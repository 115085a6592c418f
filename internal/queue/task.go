// Package queue implements the priority max-heap task queue with
// dependency tracking and capability matching, per SPEC_FULL.md §4.5.
package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/CLIAIMONITOR/internal/domain"
)

// ProgressCallback reports fractional progress (0-100) plus a message.
type ProgressCallback func(task *Task, percent int, message string, userData interface{})

// CompletionCallback fires when a task reaches a terminal state.
type CompletionCallback func(task *Task, userData interface{})

// ErrorCallback fires when a task fails.
type ErrorCallback func(task *Task, errMsg string, userData interface{})

// Task is a unit of work tracked by the queue.
type Task struct {
	ID                 string
	Description        string
	Type               domain.TaskType
	Priority           domain.Priority
	State              domain.TaskState
	RequiredCapability domain.Capability
	PreferredAgent     string
	ProjectPath        string
	Input              string // opaque JSON blob
	Context            string // opaque JSON blob
	Result             string // opaque JSON blob
	Error              string
	ProgressPercent    int
	ProgressMessage    string
	TimeoutSec         int
	CreatedAt          time.Time
	StartedAt          time.Time
	CompletedAt        time.Time
	ExitCode           int
	Dependencies       []string
	DependenciesMet    bool
	AssignedTo         string

	OnCompletion CompletionCallback
	OnError      ErrorCallback
	OnProgress   ProgressCallback
	UserData     interface{}

	heapIndex int // -1 when not in the heap; invariant: heap[heapIndex] == this task
}

// NewTask creates a pending task with a fresh id. DependenciesMet
// defaults to true only when there are no dependencies.
func NewTask(description string, typ domain.TaskType, priority domain.Priority, requiredCap domain.Capability, deps []string) *Task {
	return &Task{
		ID:                 uuid.New().String(),
		Description:        description,
		Type:               typ,
		Priority:           priority,
		State:              domain.TaskPending,
		RequiredCapability: requiredCap,
		Dependencies:       deps,
		DependenciesMet:    len(deps) == 0,
		CreatedAt:          time.Now(),
		heapIndex:          -1,
	}
}

// HasTimedOut reports whether the task has been running longer than its
// configured timeout. Reporting only — enforcement is the agent's
// responsibility, per SPEC_FULL.md §4.5.
func (t *Task) HasTimedOut() bool {
	if t.TimeoutSec <= 0 || t.StartedAt.IsZero() {
		return false
	}
	return time.Since(t.StartedAt) > time.Duration(t.TimeoutSec)*time.Second
}

// SetProgress updates progress and invokes OnProgress if set.
func (t *Task) SetProgress(percent int, message string) {
	t.ProgressPercent = percent
	t.ProgressMessage = message
	if t.OnProgress != nil {
		t.OnProgress(t, percent, message, t.UserData)
	}
}
