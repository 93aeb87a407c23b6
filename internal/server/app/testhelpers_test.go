package app

import (
	"context"
	"sync"

	"taskbridge/internal/server/ports"
)

// recordingBus captures emitted events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []ports.StreamEvent
}

func (b *recordingBus) Publish(event ports.StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) EmitTaskStarted(taskID, description string) {
	b.Publish(ports.NewStreamEvent(ports.EventTaskStarted, taskID, map[string]any{"task": description}))
}

func (b *recordingBus) EmitToolUse(taskID, tool string, input map[string]any) {
	b.Publish(ports.NewStreamEvent(ports.EventToolUse, taskID, map[string]any{"tool": tool, "input": input}))
}

func (b *recordingBus) EmitFileEdit(taskID, path, action string) {
	b.Publish(ports.NewStreamEvent(ports.EventFileEdit, taskID, map[string]any{"path": path, "action": action}))
}

func (b *recordingBus) EmitCommandRun(taskID, command string) {
	b.Publish(ports.NewStreamEvent(ports.EventCommandRun, taskID, map[string]any{"command": command}))
}

func (b *recordingBus) EmitOutput(taskID, text string) {
	b.Publish(ports.NewStreamEvent(ports.EventOutput, taskID, map[string]any{"text": text}))
}

func (b *recordingBus) EmitError(taskID, message string, recoverable bool) {
	b.Publish(ports.NewStreamEvent(ports.EventError, taskID, map[string]any{"message": message, "recoverable": recoverable}))
}

func (b *recordingBus) EmitTaskCompleted(taskID string, success bool, output, prURL string) {
	data := map[string]any{"success": success, "output": output}
	if prURL != "" {
		data["pr_url"] = prURL
	}
	b.Publish(ports.NewStreamEvent(ports.EventTaskCompleted, taskID, data))
}

// snapshot returns a copy of the captured events.
func (b *recordingBus) snapshot() []ports.StreamEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ports.StreamEvent, len(b.events))
	copy(out, b.events)
	return out
}

// eventsOfType filters the captured events by type.
func (b *recordingBus) eventsOfType(eventType ports.EventType) []ports.StreamEvent {
	var out []ports.StreamEvent
	for _, event := range b.snapshot() {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

var _ ports.EventPublisher = (*recordingBus)(nil)

// scriptedBridge replays a fixed event sequence and returns a canned result.
// When gate is non-nil, Execute blocks on it after sending the events, which
// lets tests interleave cancellation with an in-flight execution.
type scriptedBridge struct {
	events []ports.ExecutionEvent
	result *ports.ExecutionResult
	err    error
	gate   chan struct{}
}

func (b *scriptedBridge) Execute(ctx context.Context, task ports.Task, events chan<- ports.ExecutionEvent) (*ports.ExecutionResult, error) {
	for _, event := range b.events {
		select {
		case events <- event:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.gate != nil {
		<-b.gate
	}
	if b.err != nil {
		return nil, b.err
	}
	return b.result, nil
}

var _ ports.ExecutionBridge = (*scriptedBridge)(nil)
