// Package store persists submission tasks and their append-only results.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/directorybolt/submitd/internal/pipeline"
)

// MemoryStore is the in-process TaskStore for single-node deployments and
// tests.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]pipeline.SubmissionTask
	results map[string]pipeline.SubmissionResult
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]pipeline.SubmissionTask),
		results: make(map[string]pipeline.SubmissionResult),
	}
}

// CreateTask inserts a task. A second active task for the same
// (customer, directory) pair is rejected.
func (s *MemoryStore) CreateTask(ctx context.Context, task pipeline.SubmissionTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tasks {
		if existing.CustomerID == task.CustomerID &&
			existing.DirectoryID == task.DirectoryID &&
			!existing.State.IsTerminal() {
			return pipeline.ErrDuplicateTask
		}
	}
	s.tasks[task.ID] = task
	return nil
}

// UpdateTask transitions a task's state. Terminal states stamp CompletedAt.
func (s *MemoryStore) UpdateTask(ctx context.Context, taskID string, state pipeline.TaskState, lastError string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return pipeline.ErrTaskNotFound
	}
	task.State = state
	task.LastError = lastError
	task.Attempts = attempts
	if state.IsTerminal() && task.CompletedAt == nil {
		now := time.Now().UTC()
		task.CompletedAt = &now
	}
	s.tasks[taskID] = task
	return nil
}

// GetTask returns a task by ID.
func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (pipeline.SubmissionTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return pipeline.SubmissionTask{}, pipeline.ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns a customer's tasks ordered by creation time.
func (s *MemoryStore) ListTasks(ctx context.Context, customerID string) ([]pipeline.SubmissionTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.SubmissionTask
	for _, task := range s.tasks {
		if task.CustomerID == customerID {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RecordResult appends the audit record, exactly once per task.
func (s *MemoryStore) RecordResult(ctx context.Context, result pipeline.SubmissionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[result.TaskID]; exists {
		return pipeline.ErrResultExists
	}
	s.results[result.TaskID] = result
	return nil
}

// ListResults returns a customer's results ordered by record time.
func (s *MemoryStore) ListResults(ctx context.Context, customerID string) ([]pipeline.SubmissionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.SubmissionResult
	for _, result := range s.results {
		if result.CustomerID == customerID {
			out = append(out, result)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	return out, nil
}
