package ports

import (
	"context"
	"time"
)

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPROpen    TaskStatus = "pr_open"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the status graph allows moving from s to next.
// pending -> running -> {pr_open, completed, failed, cancelled};
// pr_open -> {completed, cancelled}; terminal states are absorbing.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case TaskStatusPending:
		return next == TaskStatusRunning || next == TaskStatusFailed || next == TaskStatusCancelled
	case TaskStatusRunning:
		return next == TaskStatusPROpen || next.Terminal()
	case TaskStatusPROpen:
		return next == TaskStatusCompleted || next == TaskStatusCancelled
	default:
		return false
	}
}

// PullRequest carries the pull-request correlation fields for a task whose
// execution produced a PR awaiting merge.
type PullRequest struct {
	URL    string `json:"url"`
	Number int    `json:"number,omitempty"`
	Branch string `json:"branch,omitempty"`
	Merged bool   `json:"merged"`
}

// Task represents a unit of requested remote-execution work.
type Task struct {
	ID          string       `json:"task_id"`
	Description string       `json:"task"`
	RepoURL     string       `json:"repo_url,omitempty"`
	RepoPath    string       `json:"repo_path,omitempty"`
	Status      TaskStatus   `json:"status"`
	Output      string       `json:"output,omitempty"`
	Error       string       `json:"error,omitempty"`
	// Origin records where the task came from when it was not submitted
	// through the API, e.g. "Requested by @user in issue #12". It is never
	// touched by execution results.
	Origin      string       `json:"origin,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	PullRequest *PullRequest `json:"pull_request,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.CompletedAt != nil {
		completedAt := *t.CompletedAt
		clone.CompletedAt = &completedAt
	}
	if t.PullRequest != nil {
		pr := *t.PullRequest
		clone.PullRequest = &pr
	}
	return &clone
}

// TaskUpdate is a typed partial update. A nil field means "leave unchanged";
// a pointer to the zero value means "set to the zero value".
type TaskUpdate struct {
	Status      *TaskStatus
	Output      *string
	Error       *string
	Origin      *string
	PullRequest *PullRequest
}

// TaskStore manages the authoritative task set and its lifecycle. Every
// mutation is a single atomic read-modify-write keyed by task id.
type TaskStore interface {
	// Create stores a new pending task with a fresh unique id.
	Create(ctx context.Context, description, repoURL, repoPath string) (*Task, error)

	// Get retrieves a task by id.
	Get(ctx context.Context, taskID string) (*Task, error)

	// List returns all tasks ordered by creation time ascending.
	List(ctx context.Context) ([]*Task, error)

	// Update applies the non-nil fields of update atomically. Status changes
	// that the state machine forbids are rejected with ErrTerminalTask.
	Update(ctx context.Context, taskID string, update TaskUpdate) (*Task, error)

	// FindByPullRequest locates the task correlated with a PR URL: the
	// dedicated PullRequest field first, output-substring match as fallback.
	FindByPullRequest(ctx context.Context, prURL string) (*Task, error)

	// Clear removes all tasks. Administrative/test use only.
	Clear(ctx context.Context) error
}
