package ports

import "time"

// EventType tags a StreamEvent variant.
type EventType string

const (
	EventTaskStarted   EventType = "task_started"
	EventToolUse       EventType = "tool_use"
	EventFileEdit      EventType = "file_edit"
	EventCommandRun    EventType = "command_run"
	EventOutput        EventType = "output"
	EventError         EventType = "error"
	EventTaskCompleted EventType = "task_completed"
)

// StreamEvent is an immutable fact about a task's execution, broadcast live
// to current subscribers. Events are transient: the bus does not buffer or
// replay them.
type StreamEvent struct {
	Type      EventType      `json:"type"`
	TaskID    string         `json:"task_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewStreamEvent builds an event envelope stamped with the current time.
func NewStreamEvent(eventType EventType, taskID string, data map[string]any) StreamEvent {
	return StreamEvent{
		Type:      eventType,
		TaskID:    taskID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// EventPublisher fans StreamEvents out to live subscribers of a task.
type EventPublisher interface {
	// Publish delivers event to every open subscriber of event.TaskID.
	// Publishing with no subscribers is a no-op.
	Publish(event StreamEvent)

	EmitTaskStarted(taskID, description string)
	EmitToolUse(taskID, tool string, input map[string]any)
	EmitFileEdit(taskID, path, action string)
	EmitCommandRun(taskID, command string)
	EmitOutput(taskID, text string)
	EmitError(taskID, message string, recoverable bool)
	EmitTaskCompleted(taskID string, success bool, output, prURL string)
}
