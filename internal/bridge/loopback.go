package bridge

import (
	"context"
	"fmt"
	"time"

	"taskbridge/internal/server/ports"
)

// Loopback is a development bridge that simulates an execution backend: it
// emits a short scripted event sequence and reports success. Used when no
// remote backend is configured outside production.
type Loopback struct {
	// StepDelay spaces the simulated events so streaming is observable.
	StepDelay time.Duration
}

// NewLoopback creates a loopback bridge with a small default step delay.
func NewLoopback() *Loopback {
	return &Loopback{StepDelay: 200 * time.Millisecond}
}

// Execute emits a canned tool_use/command_run/output sequence and succeeds.
func (l *Loopback) Execute(ctx context.Context, task ports.Task, events chan<- ports.ExecutionEvent) (*ports.ExecutionResult, error) {
	script := []ports.ExecutionEvent{
		{Type: ports.ExecutionEventToolUse, Payload: map[string]any{
			"tool":  "read_file",
			"input": map[string]any{"path": "README.md"},
		}},
		{Type: ports.ExecutionEventCommandRun, Payload: map[string]any{
			"command": "go test ./...",
		}},
		{Type: ports.ExecutionEventOutput, Payload: map[string]any{
			"text": fmt.Sprintf("Simulated execution of: %s", task.Description),
		}},
	}

	for _, event := range script {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case events <- event:
		}
		if l.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.StepDelay):
			}
		}
	}

	return &ports.ExecutionResult{
		Success: true,
		Output:  fmt.Sprintf("Completed (simulated): %s", task.Description),
	}, nil
}

var _ ports.ExecutionBridge = (*Loopback)(nil)
