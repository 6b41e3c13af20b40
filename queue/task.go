// Package queue runs verification jobs on a bounded worker pool with
// retry, backoff and cooperative cancellation.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Phala-Network/dstack-verifier/verifier"
)

// TaskStatus is the externally visible lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task aggregates the per-target results of one verification job. Status
// transitions are owned by the queue; consumers only ever read tasks.
type Task struct {
	ID           string            `json:"id"`
	Status       TaskStatus        `json:"status"`
	Results      []verifier.Result `json:"results,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Attempts     int               `json:"attempts"`
	CreatedAt    time.Time         `json:"createdAt"`
	FinishedAt   time.Time         `json:"finishedAt,omitzero"`
}

// ErrTaskNotFound is returned by stores for unknown task IDs.
var ErrTaskNotFound = errors.New("queue: task not found")

// TaskStore is the write-side boundary to the external persistence layer.
// The queue persists every status transition through it.
type TaskStore interface {
	Put(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
}

// MemoryTaskStore is an in-process TaskStore used by tests and as the
// default when no external store is wired in.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

var _ TaskStore = (*MemoryTaskStore)(nil)

// NewMemoryTaskStore creates an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]Task)}
}

// Put stores a copy of the task.
func (s *MemoryTaskStore) Put(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = *task
	return nil
}

// Get returns a copy of the stored task.
func (s *MemoryTaskStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return &task, nil
}
