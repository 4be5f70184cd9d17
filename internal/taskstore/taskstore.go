// Package taskstore provides read access to tasks.
package taskstore

import (
	"context"
	"slices"
	"sync"

	"github.com/jpmoo/tasknotes-sub007/internal/model"
)

// TaskStore is the read-only task source the calendar consumes.
type TaskStore interface {
	GetAllTasks(ctx context.Context) ([]model.Task, error)
}

// Memory is an in-process TaskStore, used by tests and the CLI's stdin mode.
type Memory struct {
	mu    sync.RWMutex
	tasks []model.Task
}

func NewMemory(tasks ...model.Task) *Memory {
	return &Memory{tasks: slices.Clone(tasks)}
}

// Set replaces the stored tasks.
func (m *Memory) Set(tasks []model.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = slices.Clone(tasks)
}

func (m *Memory) GetAllTasks(ctx context.Context) ([]model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.tasks), nil
}

// Find returns the task at path.
func Find(ctx context.Context, store TaskStore, path string) (model.Task, bool, error) {
	tasks, err := store.GetAllTasks(ctx)
	if err != nil {
		return model.Task{}, false, err
	}
	i := slices.IndexFunc(tasks, func(t model.Task) bool { return t.Path == path })
	if i < 0 {
		return model.Task{}, false, nil
	}
	return tasks[i], true, nil
}
