package queue

import (
	"context"
	"time"
)

// Handler executes one job. The returned string is the job's result payload
// (free-form, surfaced through lifecycle events and status lookups).
type Handler func(ctx context.Context, task *Task) (string, error)

// Task is the unit of work handed to a Handler.
type Task struct {
	Name   string            // coordinator task id (UUID)
	Args   []string          // positional arguments for the handler
	Kwargs map[string]string // keyword arguments, including injected task_key
}

// Status is the queue's authoritative record of a job.
// Success is tri-state: nil means queued or still executing. Enqueued is
// set at submission, Started only when a worker picks the job up, so a
// record with zero Started is stuck in the queue, not running.
// Kwargs carries the job's stored parameters so completion hooks can
// late-bind behaviour (e.g. which lifecycle emitter to resolve).
type Status struct {
	Name     string            `json:"name"`
	Success  *bool             `json:"success"`
	Result   string            `json:"result,omitempty"`
	Enqueued time.Time         `json:"enqueued,omitempty"`
	Started  time.Time         `json:"started,omitempty"`
	Stopped  time.Time         `json:"stopped,omitempty"`
	Kwargs   map[string]string `json:"kwargs,omitempty"`
}

// Hook is invoked exactly once after a job reaches a terminal state.
type Hook func(status *Status)

// Job describes what to enqueue.
type Job struct {
	Func     string            // registered handler name
	Args     []string
	Kwargs   map[string]string
	TaskName string            // correlates status lookups and the hook
	Hook     Hook
	Timeout  time.Duration     // per-job execution limit (0 = pool default)
}

// Queue is the job-queue contract the coordinator depends on. The coordinator
// never mutates queue state directly; it only enqueues and reads status.
type Queue interface {
	// Enqueue submits the job and returns a queue-side job id.
	Enqueue(ctx context.Context, job Job) (string, error)

	// Fetch returns the status record for a task, or nil when the queue has
	// no record of it. A positive wait blocks (polling) up to that duration
	// for the job to reach a terminal state.
	Fetch(ctx context.Context, taskName string, wait time.Duration) (*Status, error)
}
