package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/doctor-cornelius/powercrud/coordinator/observability"
)

const (
	defaultJobTimeout = 60 * time.Second
	fetchPollInterval = 20 * time.Millisecond
)

// Pool is an in-process worker pool implementing Queue. Handlers are
// registered by name before Start; jobs reference handlers by that name so
// enqueue payloads stay serialisable.
type Pool struct {
	workers   int
	capacity  int
	retention time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	statuses map[string]*Status

	jobs    chan *pendingJob
	started bool
}

type pendingJob struct {
	job     Job
	handler Handler
}

// NewPool creates a pool with the given worker count and queue capacity.
// Terminal status records are retained for 24h so pollers and the sweeper
// can still observe finished jobs.
func NewPool(workers int, capacity int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if capacity <= 0 {
		capacity = 256
	}
	return &Pool{
		workers:   workers,
		capacity:  capacity,
		retention: 24 * time.Hour,
		handlers:  make(map[string]Handler),
		statuses:  make(map[string]*Status),
		jobs:      make(chan *pendingJob, capacity),
	}
}

// Register binds a handler name to a function. Registering after Start is
// allowed; enqueue checks the registry at submission time.
func (p *Pool) Register(name string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
}

// Start launches the worker goroutines and the status purge loop.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		go p.worker(ctx, i)
	}
	go p.purgeLoop(ctx)

	log.Printf("queue: worker pool started (%d workers, capacity %d)", p.workers, p.capacity)
}

func (p *Pool) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.TaskName == "" {
		return "", fmt.Errorf("job has no task name")
	}

	p.mu.Lock()
	handler, ok := p.handlers[job.Func]
	if !ok {
		p.mu.Unlock()
		return "", fmt.Errorf("no handler registered for %q", job.Func)
	}
	if _, exists := p.statuses[job.TaskName]; exists {
		p.mu.Unlock()
		return "", fmt.Errorf("task %s already enqueued", job.TaskName)
	}
	p.statuses[job.TaskName] = &Status{Name: job.TaskName, Enqueued: time.Now(), Kwargs: job.Kwargs}
	p.mu.Unlock()

	select {
	case p.jobs <- &pendingJob{job: job, handler: handler}:
		observability.QueueDepth.Set(float64(len(p.jobs)))
		return uuid.NewString(), nil
	default:
		// Queue saturated: drop the status record so the launch rollback
		// leaves no trace, then fail fast.
		p.mu.Lock()
		delete(p.statuses, job.TaskName)
		p.mu.Unlock()
		return "", fmt.Errorf("worker pool queue is full (%d pending)", p.capacity)
	}
}

func (p *Pool) Fetch(ctx context.Context, taskName string, wait time.Duration) (*Status, error) {
	deadline := time.Now().Add(wait)
	for {
		status := p.snapshot(taskName)
		if status != nil && status.Success != nil {
			return status, nil
		}
		if wait <= 0 || time.Now().After(deadline) {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(fetchPollInterval):
		}
	}
}

// snapshot returns a copy so callers cannot race with worker writes.
func (p *Pool) snapshot(taskName string) *Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status, ok := p.statuses[taskName]
	if !ok {
		return nil
	}
	cp := *status
	return &cp
}

// Forget drops the status record for a task. Used by the sweeper after
// reconciling, and by tests.
func (p *Pool) Forget(taskName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.statuses, taskName)
}

// Probe enqueues a trivial job and waits up to timeout for it to complete.
// Returns true when the pool is accepting and executing work.
func (p *Pool) Probe(ctx context.Context, timeout time.Duration) bool {
	name := "probe-" + uuid.NewString()
	p.Register("queue.probe", func(ctx context.Context, task *Task) (string, error) {
		return "ok", nil
	})

	_, err := p.Enqueue(ctx, Job{Func: "queue.probe", TaskName: name})
	if err != nil {
		log.Printf("queue: probe enqueue failed: %v", err)
		return false
	}
	defer p.Forget(name)

	status, err := p.Fetch(ctx, name, timeout)
	if err != nil {
		return false
	}
	return status != nil && status.Success != nil && *status.Success
}

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case pending := <-p.jobs:
			observability.QueueDepth.Set(float64(len(p.jobs)))
			p.execute(ctx, pending)
		}
	}
}

func (p *Pool) execute(ctx context.Context, pending *pendingJob) {
	job := pending.job

	p.mu.Lock()
	status := p.statuses[job.TaskName]
	if status == nil {
		// Forgotten between enqueue and pickup; nothing to record against.
		p.mu.Unlock()
		return
	}
	status.Started = time.Now()
	p.mu.Unlock()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)

	start := time.Now()
	result, err := p.runHandler(jobCtx, pending.handler, &Task{
		Name:   job.TaskName,
		Args:   job.Args,
		Kwargs: job.Kwargs,
	})
	cancel()
	observability.TaskRuntimeSeconds.Observe(time.Since(start).Seconds())

	success := err == nil
	if err != nil {
		result = err.Error()
	}

	p.mu.Lock()
	status.Success = &success
	status.Result = result
	status.Stopped = time.Now()
	cp := *status
	p.mu.Unlock()

	if job.Hook != nil {
		p.runHook(job.Hook, &cp)
	}
}

// runHandler converts handler panics into job failures so one bad job
// cannot kill a worker goroutine.
func (p *Pool) runHandler(ctx context.Context, h Handler, task *Task) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, task)
}

// runHook shields workers from completion-hook panics for the same reason.
func (p *Pool) runHook(hook Hook, status *Status) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("queue: completion hook panic for task %s: %v", status.Name, r)
		}
	}()
	hook(status)
}

func (p *Pool) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.purge()
		}
	}
}

func (p *Pool) purge() {
	cutoff := time.Now().Add(-p.retention)

	p.mu.Lock()
	defer p.mu.Unlock()

	for name, status := range p.statuses {
		if status.Success != nil && !status.Stopped.IsZero() && status.Stopped.Before(cutoff) {
			delete(p.statuses, name)
		}
	}
}
