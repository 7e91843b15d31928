package scheduler

import (
	"sync"
)

// RetryState maps task id to the number of resolution attempts consumed.
// An entry exists only between a task's first failure and either a
// successful resolution or exhaustion.
type RetryState struct {
	mu       sync.Mutex
	attempts map[string]int
}

// NewRetryState creates an empty RetryState.
func NewRetryState() *RetryState {
	return &RetryState{attempts: make(map[string]int)}
}

// Attempts returns the attempts consumed by taskID (0 when absent).
func (r *RetryState) Attempts(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[taskID]
}

// Begin records a new attempt and returns the count before it.
func (r *RetryState) Begin(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.attempts[taskID]
	r.attempts[taskID] = n + 1
	return n
}

// Clear removes taskID's entry.
func (r *RetryState) Clear(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, taskID)
}

// Has reports whether taskID has an entry.
func (r *RetryState) Has(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.attempts[taskID]
	return ok
}

// Len returns the number of tracked tasks.
func (r *RetryState) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}
