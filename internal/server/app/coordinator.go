package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"taskbridge/internal/async"
	"taskbridge/internal/logging"
	"taskbridge/internal/server/ports"
)

// executionEventBuffer smooths bursts from the bridge without delaying
// forwarding; events are drained as they arrive.
const executionEventBuffer = 16

// Coordinator glues the task store, the event bus and the execution bridge
// together: it persists submissions, runs them asynchronously through the
// bridge, forwards execution events onto the bus as they arrive, and
// finalizes task state.
type Coordinator struct {
	store  ports.TaskStore
	bus    ports.EventPublisher
	bridge ports.ExecutionBridge

	logger  logging.Logger
	metrics *Metrics

	cancelMu    sync.Mutex
	cancelFuncs map[string]context.CancelCauseFunc
}

// NewCoordinator creates a coordinator using the shared metrics registry.
func NewCoordinator(store ports.TaskStore, bus ports.EventPublisher, bridge ports.ExecutionBridge) *Coordinator {
	return NewCoordinatorWithMetrics(store, bus, bridge, defaultMetrics())
}

// NewCoordinatorWithMetrics creates a coordinator with injected metrics.
func NewCoordinatorWithMetrics(store ports.TaskStore, bus ports.EventPublisher, bridge ports.ExecutionBridge, metrics *Metrics) *Coordinator {
	return &Coordinator{
		store:       store,
		bus:         bus,
		bridge:      bridge,
		logger:      logging.NewComponentLogger("Coordinator"),
		metrics:     metrics,
		cancelFuncs: make(map[string]context.CancelCauseFunc),
	}
}

// Submit persists a new task and starts executing it in the background.
// The returned task is already in the running state; progress streams to
// subscribers of its id.
func (c *Coordinator) Submit(ctx context.Context, description, repoURL, repoPath string) (*ports.Task, error) {
	task, err := c.store.Create(ctx, description, repoURL, repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	c.logger.Info("Task created: taskID=%s task='%s'", task.ID, description)

	c.bus.EmitTaskStarted(task.ID, task.Description)

	taskID := task.ID
	running := ports.TaskStatusRunning
	task, err = c.store.Update(ctx, taskID, ports.TaskUpdate{Status: &running})
	if err != nil {
		return nil, fmt.Errorf("failed to start task %s: %w", taskID, err)
	}

	// Detach from the request context so execution outlives the HTTP
	// handler; explicit cancellation still flows through the stored cancel.
	taskCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	c.cancelMu.Lock()
	c.cancelFuncs[task.ID] = cancel
	c.cancelMu.Unlock()

	c.metrics.activeTasks.Inc()
	taskCopy := *task
	async.Go(c.logger, "coordinator.execute", func() {
		c.executeInBackground(taskCtx, taskCopy)
	})

	return task, nil
}

// Cancel moves a non-terminal task to cancelled and notifies subscribers.
// Cancellation is advisory: the in-flight bridge call is signalled through
// its context but not preempted, and late results never regress the status.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) (*ports.Task, error) {
	cancelled := ports.TaskStatusCancelled
	task, err := c.store.Update(ctx, taskID, ports.TaskUpdate{Status: &cancelled})
	if err != nil {
		return nil, err
	}

	c.cancelMu.Lock()
	cancel, ok := c.cancelFuncs[taskID]
	c.cancelMu.Unlock()
	if ok {
		cancel(errors.New("task cancelled"))
	}

	c.logger.Info("Task cancelled: taskID=%s", taskID)
	c.metrics.tasksFinished.WithLabelValues(string(ports.TaskStatusCancelled)).Inc()
	c.bus.EmitTaskCompleted(taskID, false, "Task cancelled", "")
	return task, nil
}

// executeInBackground drives one bridge call and finalizes the task.
func (c *Coordinator) executeInBackground(ctx context.Context, task ports.Task) {
	defer func() {
		c.cancelMu.Lock()
		delete(c.cancelFuncs, task.ID)
		c.cancelMu.Unlock()
		c.metrics.activeTasks.Dec()

		if r := recover(); r != nil {
			c.logger.Error("Panic in task execution (taskID=%s): %v", task.ID, r)
			c.finalizeFailure(ctx, task.ID, fmt.Sprintf("panic: %v", r))
		}
	}()

	events := make(chan ports.ExecutionEvent, executionEventBuffer)
	var drained sync.WaitGroup
	drained.Add(1)
	async.Go(c.logger, "coordinator.drain", func() {
		defer drained.Done()
		for event := range events {
			c.forwardExecutionEvent(task.ID, event)
		}
	})

	result, err := c.bridge.Execute(ctx, task, events)
	close(events)
	drained.Wait()

	if err != nil {
		c.logger.Error("Bridge execution failed (taskID=%s): %v", task.ID, err)
		c.finalizeFailure(ctx, task.ID, err.Error())
		return
	}

	c.finalizeResult(ctx, task.ID, result)
}

// forwardExecutionEvent maps a backend-native event 1:1 onto the bus.
func (c *Coordinator) forwardExecutionEvent(taskID string, event ports.ExecutionEvent) {
	switch event.Type {
	case ports.ExecutionEventToolUse:
		input, _ := event.Payload["input"].(map[string]any)
		c.bus.EmitToolUse(taskID, stringFromPayload(event.Payload, "tool"), input)
	case ports.ExecutionEventFileEdit:
		c.bus.EmitFileEdit(taskID, stringFromPayload(event.Payload, "path"), stringFromPayload(event.Payload, "action"))
	case ports.ExecutionEventCommandRun:
		c.bus.EmitCommandRun(taskID, stringFromPayload(event.Payload, "command"))
	case ports.ExecutionEventOutput:
		c.bus.EmitOutput(taskID, stringFromPayload(event.Payload, "text"))
	case ports.ExecutionEventError:
		c.bus.EmitError(taskID, stringFromPayload(event.Payload, "message"), true)
	default:
		c.logger.Warn("Unknown execution event type '%s' for task %s", event.Type, taskID)
	}
}

// finalizeResult records the bridge's verdict. A result carrying a PR URL
// parks the task in pr_open until the merge webhook resolves it.
func (c *Coordinator) finalizeResult(ctx context.Context, taskID string, result *ports.ExecutionResult) {
	if result == nil {
		c.finalizeFailure(ctx, taskID, "execution backend returned no result")
		return
	}

	update := ports.TaskUpdate{Output: &result.Output}
	status := ports.TaskStatusCompleted
	switch {
	case !result.Success:
		status = ports.TaskStatusFailed
	case result.PRURL != "":
		status = ports.TaskStatusPROpen
		update.PullRequest = &ports.PullRequest{URL: result.PRURL}
	}
	update.Status = &status

	if _, err := c.store.Update(ctx, taskID, update); err != nil {
		// A cancelled task keeps its status; the late result is dropped.
		if errors.Is(err, ErrTerminalTask) {
			c.logger.Info("Task %s already terminal, ignoring late result", taskID)
			return
		}
		c.logger.Error("Failed to finalize task %s: %v", taskID, err)
		return
	}

	c.logger.Info("Task finished: taskID=%s status=%s", taskID, status)
	c.metrics.tasksFinished.WithLabelValues(string(status)).Inc()
	c.bus.EmitTaskCompleted(taskID, result.Success, result.Output, result.PRURL)
}

// finalizeFailure records a bridge error as a failed task. The failure is
// broadcast but never re-thrown past the coordinator boundary.
func (c *Coordinator) finalizeFailure(ctx context.Context, taskID, message string) {
	failed := ports.TaskStatusFailed
	_, err := c.store.Update(ctx, taskID, ports.TaskUpdate{
		Status: &failed,
		Output: &message,
		Error:  &message,
	})
	if err != nil {
		if errors.Is(err, ErrTerminalTask) {
			c.logger.Info("Task %s already terminal, ignoring late failure", taskID)
			return
		}
		c.logger.Error("Failed to mark task %s failed: %v", taskID, err)
		return
	}

	c.metrics.tasksFinished.WithLabelValues(string(ports.TaskStatusFailed)).Inc()
	c.bus.EmitError(taskID, message, false)
	c.bus.EmitTaskCompleted(taskID, false, message, "")
}

func stringFromPayload(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if val, ok := payload[key].(string); ok {
		return val
	}
	return ""
}
