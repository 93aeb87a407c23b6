package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbridge/internal/server/ports"
)

func newTestCoordinator(bridge ports.ExecutionBridge) (*Coordinator, *InMemoryTaskStore, *recordingBus) {
	store := NewInMemoryTaskStore()
	bus := &recordingBus{}
	coordinator := NewCoordinatorWithMetrics(store, bus, bridge, MustNewMetrics(prometheus.NewRegistry()))
	return coordinator, store, bus
}

// waitForTerminal polls until the task leaves running/pending.
func waitForTerminal(t *testing.T, store *InMemoryTaskStore, taskID string) *ports.Task {
	t.Helper()
	var task *ports.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = store.Get(context.Background(), taskID)
		if err != nil {
			return false
		}
		return task.Status != ports.TaskStatusPending && task.Status != ports.TaskStatusRunning
	}, 2*time.Second, 10*time.Millisecond)
	return task
}

func TestCoordinatorSubmitRunsTaskToCompletion(t *testing.T) {
	bridge := &scriptedBridge{
		events: []ports.ExecutionEvent{
			{Type: ports.ExecutionEventToolUse, Payload: map[string]any{"tool": "read_file", "input": map[string]any{"path": "main.go"}}},
			{Type: ports.ExecutionEventFileEdit, Payload: map[string]any{"path": "main.go", "action": "modify"}},
			{Type: ports.ExecutionEventCommandRun, Payload: map[string]any{"command": "go test ./..."}},
			{Type: ports.ExecutionEventOutput, Payload: map[string]any{"text": "all tests pass"}},
		},
		result: &ports.ExecutionResult{Success: true, Output: "done"},
	}
	coordinator, store, bus := newTestCoordinator(bridge)

	task, err := coordinator.Submit(context.Background(), "add dark mode to settings", "", "")
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
	assert.Equal(t, ports.TaskStatusRunning, task.Status, "submit returns a running task")
	assert.Empty(t, task.RepoURL)

	final := waitForTerminal(t, store, task.ID)
	assert.Equal(t, ports.TaskStatusCompleted, final.Status)
	assert.Equal(t, "done", final.Output)
	require.NotNil(t, final.CompletedAt)

	// Events forwarded 1:1 in emission order, framed by started/completed.
	events := bus.snapshot()
	require.GreaterOrEqual(t, len(events), 6)
	assert.Equal(t, ports.EventTaskStarted, events[0].Type)
	assert.Equal(t, ports.EventToolUse, events[1].Type)
	assert.Equal(t, ports.EventFileEdit, events[2].Type)
	assert.Equal(t, ports.EventCommandRun, events[3].Type)
	assert.Equal(t, ports.EventOutput, events[4].Type)
	assert.Equal(t, ports.EventTaskCompleted, events[len(events)-1].Type)
	for _, event := range events {
		assert.Equal(t, task.ID, event.TaskID)
	}
}

func TestCoordinatorBridgeErrorMarksTaskFailed(t *testing.T) {
	bridge := &scriptedBridge{err: errors.New("backend exploded")}
	coordinator, store, bus := newTestCoordinator(bridge)

	task, err := coordinator.Submit(context.Background(), "fix the build", "", "")
	require.NoError(t, err, "bridge failures must not surface from Submit")

	final := waitForTerminal(t, store, task.ID)
	assert.Equal(t, ports.TaskStatusFailed, final.Status)
	assert.Equal(t, "backend exploded", final.Output)
	assert.Equal(t, "backend exploded", final.Error)

	errorEvents := bus.eventsOfType(ports.EventError)
	require.Len(t, errorEvents, 1)
	assert.Equal(t, false, errorEvents[0].Data["recoverable"])

	completed := bus.eventsOfType(ports.EventTaskCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, false, completed[0].Data["success"])
}

func TestCoordinatorUnsuccessfulResultMarksTaskFailed(t *testing.T) {
	bridge := &scriptedBridge{result: &ports.ExecutionResult{Success: false, Output: "could not apply patch"}}
	coordinator, store, bus := newTestCoordinator(bridge)

	task, err := coordinator.Submit(context.Background(), "apply a patch", "", "")
	require.NoError(t, err)

	final := waitForTerminal(t, store, task.ID)
	assert.Equal(t, ports.TaskStatusFailed, final.Status)
	assert.Equal(t, "could not apply patch", final.Output)

	completed := bus.eventsOfType(ports.EventTaskCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, false, completed[0].Data["success"])
}

func TestCoordinatorResultWithPullRequestParksTaskInPROpen(t *testing.T) {
	prURL := "https://github.com/acme/app/pull/42"
	bridge := &scriptedBridge{result: &ports.ExecutionResult{Success: true, Output: "opened a PR", PRURL: prURL}}
	coordinator, store, bus := newTestCoordinator(bridge)

	task, err := coordinator.Submit(context.Background(), "refactor the parser", "", "")
	require.NoError(t, err)

	final := waitForTerminal(t, store, task.ID)
	assert.Equal(t, ports.TaskStatusPROpen, final.Status)
	require.NotNil(t, final.PullRequest)
	assert.Equal(t, prURL, final.PullRequest.URL)
	assert.Nil(t, final.CompletedAt)

	completed := bus.eventsOfType(ports.EventTaskCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, prURL, completed[0].Data["pr_url"])
}

func TestCoordinatorCancelInFlightTask(t *testing.T) {
	gate := make(chan struct{})
	bridge := &scriptedBridge{
		gate:   gate,
		result: &ports.ExecutionResult{Success: true, Output: "too late"},
	}
	coordinator, store, bus := newTestCoordinator(bridge)
	ctx := context.Background()

	task, err := coordinator.Submit(ctx, "long running work", "", "")
	require.NoError(t, err)

	cancelled, err := coordinator.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, ports.TaskStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	// Let the bridge finish; its late result must not regress the status.
	close(gate)
	assert.Never(t, func() bool {
		current, err := store.Get(ctx, task.ID)
		return err != nil || current.Status != ports.TaskStatusCancelled || current.Output == "too late"
	}, 300*time.Millisecond, 20*time.Millisecond)

	completed := bus.eventsOfType(ports.EventTaskCompleted)
	require.Len(t, completed, 1, "only the cancellation emits task_completed")
	assert.Equal(t, false, completed[0].Data["success"])
}

func TestCoordinatorCancelUnknownTask(t *testing.T) {
	coordinator, _, _ := newTestCoordinator(&scriptedBridge{result: &ports.ExecutionResult{Success: true}})

	_, err := coordinator.Cancel(context.Background(), "task-missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCoordinatorCancelTerminalTask(t *testing.T) {
	bridge := &scriptedBridge{result: &ports.ExecutionResult{Success: true, Output: "done"}}
	coordinator, store, _ := newTestCoordinator(bridge)
	ctx := context.Background()

	task, err := coordinator.Submit(ctx, "quick task", "", "")
	require.NoError(t, err)
	waitForTerminal(t, store, task.ID)

	_, err = coordinator.Cancel(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTerminalTask)
}

func TestCoordinatorSubmitRejectsEmptyDescription(t *testing.T) {
	coordinator, _, _ := newTestCoordinator(&scriptedBridge{})

	_, err := coordinator.Submit(context.Background(), "", "", "")
	assert.ErrorIs(t, err, ErrEmptyDescription)
}

func TestCoordinatorConcurrentSubmissionsAreIndependent(t *testing.T) {
	bridge := &scriptedBridge{result: &ports.ExecutionResult{Success: true, Output: "done"}}
	coordinator, store, _ := newTestCoordinator(bridge)
	ctx := context.Background()

	taskA, err := coordinator.Submit(ctx, "task A", "", "")
	require.NoError(t, err)
	taskB, err := coordinator.Submit(ctx, "task B", "", "")
	require.NoError(t, err)

	require.NotEqual(t, taskA.ID, taskB.ID)

	finalA := waitForTerminal(t, store, taskA.ID)
	finalB := waitForTerminal(t, store, taskB.ID)
	assert.Equal(t, ports.TaskStatusCompleted, finalA.Status)
	assert.Equal(t, ports.TaskStatusCompleted, finalB.Status)
}

func TestCoordinatorBridgeFailureDoesNotAffectOtherTasks(t *testing.T) {
	store := NewInMemoryTaskStore()
	bus := &recordingBus{}
	metrics := MustNewMetrics(prometheus.NewRegistry())

	okCoordinator := NewCoordinatorWithMetrics(store, bus, &scriptedBridge{
		result: &ports.ExecutionResult{Success: true, Output: "fine"},
	}, metrics)
	badCoordinator := NewCoordinatorWithMetrics(store, bus, &scriptedBridge{
		err: errors.New("boom"),
	}, metrics)
	ctx := context.Background()

	bad, err := badCoordinator.Submit(ctx, "doomed", "", "")
	require.NoError(t, err)
	good, err := okCoordinator.Submit(ctx, "healthy", "", "")
	require.NoError(t, err)

	assert.Equal(t, ports.TaskStatusFailed, waitForTerminal(t, store, bad.ID).Status)
	assert.Equal(t, ports.TaskStatusCompleted, waitForTerminal(t, store, good.ID).Status)
}
