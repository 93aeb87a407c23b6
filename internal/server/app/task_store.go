package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskbridge/internal/server/ports"
)

// InMemoryTaskStore implements ports.TaskStore with in-memory storage.
type InMemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*ports.Task
}

// NewInMemoryTaskStore creates a new in-memory task store.
func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{
		tasks: make(map[string]*ports.Task),
	}
}

// Create stores a new pending task with a fresh unique id.
func (s *InMemoryTaskStore) Create(ctx context.Context, description, repoURL, repoPath string) (*ports.Task, error) {
	if strings.TrimSpace(description) == "" {
		return nil, ErrEmptyDescription
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task := &ports.Task{
		ID:          fmt.Sprintf("task-%s", uuid.New().String()),
		Description: description,
		RepoURL:     repoURL,
		RepoPath:    repoPath,
		Status:      ports.TaskStatusPending,
		CreatedAt:   time.Now(),
	}

	s.tasks[task.ID] = task
	return task.Clone(), nil
}

// Get retrieves a task by id.
func (s *InMemoryTaskStore) Get(ctx context.Context, taskID string) (*ports.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	return task.Clone(), nil
}

// List returns all tasks ordered by creation time ascending.
func (s *InMemoryTaskStore) List(ctx context.Context) ([]*ports.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*ports.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task.Clone())
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	return tasks, nil
}

// Update applies the non-nil fields of update as one atomic read-modify-write.
// Status changes are checked against the lifecycle graph: moving out of a
// terminal status, or skipping a state, is rejected. CompletedAt is stamped
// exactly when a terminal status is applied.
func (s *InMemoryTaskStore) Update(ctx context.Context, taskID string, update ports.TaskUpdate) (*ports.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	if update.Status != nil && *update.Status != task.Status {
		if task.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTerminalTask, taskID, task.Status)
		}
		if !task.Status.CanTransitionTo(*update.Status) {
			return nil, fmt.Errorf("invalid status transition %s -> %s for %s", task.Status, *update.Status, taskID)
		}
		task.Status = *update.Status
		if task.Status.Terminal() && task.CompletedAt == nil {
			now := time.Now()
			task.CompletedAt = &now
		}
	}

	if update.Output != nil {
		task.Output = *update.Output
	}
	if update.Error != nil {
		task.Error = *update.Error
	}
	if update.Origin != nil {
		task.Origin = *update.Origin
	}
	if update.PullRequest != nil {
		pr := *update.PullRequest
		task.PullRequest = &pr
	}

	return task.Clone(), nil
}

// FindByPullRequest locates the task correlated with a PR URL. The dedicated
// PullRequest field is the canonical key; scanning stored output for the URL
// is kept as a compatibility fallback for tasks recorded before the field
// existed.
func (s *InMemoryTaskStore) FindByPullRequest(ctx context.Context, prURL string) (*ports.Task, error) {
	if prURL == "" {
		return nil, fmt.Errorf("%w: empty pull request url", ErrTaskNotFound)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, task := range s.tasks {
		if task.PullRequest != nil && task.PullRequest.URL == prURL {
			return task.Clone(), nil
		}
	}
	for _, task := range s.tasks {
		if task.Output != "" && strings.Contains(task.Output, prURL) {
			return task.Clone(), nil
		}
	}

	return nil, fmt.Errorf("%w: no task correlated with %s", ErrTaskNotFound, prURL)
}

// Clear removes all tasks. Administrative/test use only.
func (s *InMemoryTaskStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[string]*ports.Task)
	return nil
}
