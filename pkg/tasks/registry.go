// Package tasks tracks the status of keyed background tasks such as workflow
// activations and inactivity sweeps.
package tasks

import (
	"sync"
	"time"
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Task is the last known status of a key.
type Task struct {
	Key        string     `json:"key"`
	State      State      `json:"state"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Registry is safe for concurrent use. The zero value is not usable, use NewRegistry.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// Start marks key as running. It returns false when key is already running.
func (r *Registry) Start(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, exists := r.tasks[key]
	if exists && task.State == StateRunning {
		return false
	}

	now := r.now()
	r.tasks[key] = &Task{Key: key, State: StateRunning, StartedAt: &now}

	return true
}

// Finish records the outcome of a running key.
func (r *Registry) Finish(key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, exists := r.tasks[key]
	if !exists {
		task = &Task{Key: key}
		r.tasks[key] = task
	}

	now := r.now()
	task.FinishedAt = &now
	task.State = StateSucceeded
	task.Error = ""

	if err != nil {
		task.State = StateFailed
		task.Error = err.Error()
	}
}

// Status returns a copy of the task for key; unknown keys are idle.
func (r *Registry) Status(key string) Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, exists := r.tasks[key]
	if !exists {
		return Task{Key: key, State: StateIdle}
	}

	return *task
}

// Running lists the keys currently running.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0)

	for key, task := range r.tasks {
		if task.State == StateRunning {
			keys = append(keys, key)
		}
	}

	return keys
}
