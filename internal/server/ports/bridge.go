package ports

import "context"

// ExecutionEventType tags a backend-native execution event.
type ExecutionEventType string

const (
	ExecutionEventToolUse    ExecutionEventType = "tool_use"
	ExecutionEventFileEdit   ExecutionEventType = "file_edit"
	ExecutionEventCommandRun ExecutionEventType = "command_run"
	ExecutionEventOutput     ExecutionEventType = "output"
	ExecutionEventError      ExecutionEventType = "error"
)

// ExecutionEvent is a progress report from the execution backend.
type ExecutionEvent struct {
	Type    ExecutionEventType `json:"type"`
	Payload map[string]any     `json:"payload,omitempty"`
}

// ExecutionResult is the backend's final verdict for a task.
type ExecutionResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	PRURL   string `json:"pr_url,omitempty"`
}

// ExecutionBridge is the adapter toward the remote execution backend.
//
// Execute blocks until the backend finishes, sending progress events on the
// events channel as they happen rather than batched at the end. The caller
// owns the channel: Execute must not close it, and no sends may happen after
// Execute returns. Any error is recovered by the coordinator and recorded as
// a failed task; it must never propagate further.
type ExecutionBridge interface {
	Execute(ctx context.Context, task Task, events chan<- ExecutionEvent) (*ExecutionResult, error)
}
