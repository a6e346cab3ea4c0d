package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/doctor-cornelius/powercrud/coordinator/lifecycle"
	"github.com/doctor-cornelius/powercrud/coordinator/observability"
	"github.com/doctor-cornelius/powercrud/coordinator/queue"
	"github.com/doctor-cornelius/powercrud/coordinator/store"
)

// Task status values. StatusPending doubles as the progress-key placeholder
// written at launch, before the worker reports anything.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusUnknown    = "unknown"
)

// Kwargs keys the coordinator injects into every job.
const (
	KwargTaskKey       = "task_key"
	KwargEmitter       = "emitter"
	KwargEmitterConfig = "emitter_config"
)

var (
	// ErrConflict means reservation failed: at least one requested object is
	// locked by another task. The caller should surface "try again later",
	// not retry automatically.
	ErrConflict = errors.New("cannot launch task: conflicts detected with existing operations")

	// ErrEnqueueFailed means the job queue rejected the work after locks had
	// been reserved; everything was rolled back before this was returned.
	ErrEnqueueFailed = errors.New("failed to enqueue async task")
)

// Config holds coordinator tuning knobs. TTLs are safety nets against
// crashed workers, not the primary release mechanism: conflict locks must
// comfortably outlive any legitimate job.
type Config struct {
	ConflictTTL        time.Duration // per-object lock expiry
	ProgressTTL        time.Duration // progress keys outlive locks for late pollers
	CleanupGracePeriod time.Duration // active-registry expiry
	MaxTaskDuration    time.Duration // sweeper's staleness threshold
	SweepInterval      time.Duration // background sweeper cadence
	MinAsyncRecords    int           // bulk ops below this run synchronously
	DefaultEmitter     string        // lifecycle emitter name injected into jobs
}

func DefaultConfig() Config {
	return Config{
		ConflictTTL:        time.Hour,
		ProgressTTL:        2 * time.Hour,
		CleanupGracePeriod: 24 * time.Hour,
		MaxTaskDuration:    time.Hour,
		SweepInterval:      5 * time.Minute,
		MinAsyncRecords:    10,
		DefaultEmitter:     lifecycle.DefaultEmitterName,
	}
}

// Manager coordinates async bulk-task lifecycle: conflict reservation,
// launch, progress, completion and cleanup. All lock/progress/registry keys
// live in the shared cache; the job queue is read-only ground truth for
// execution state.
type Manager struct {
	cache   store.KV
	queue   queue.Queue
	cfg     Config
	emitter lifecycle.Emitter

	// Written by health probes, read by every bulk request.
	asyncAvailable atomic.Bool
}

func New(cache store.KV, q queue.Queue, cfg Config) *Manager {
	return &Manager{
		cache:   cache,
		queue:   q,
		cfg:     cfg,
		emitter: lifecycle.Resolve(cfg.DefaultEmitter, nil),
	}
}

// SetAsyncAvailable records whether the async backend passed its health
// probe. When false, ShouldProcessAsync always answers false and bulk
// operations fall back to the synchronous path.
func (m *Manager) SetAsyncAvailable(available bool) {
	m.asyncAvailable.Store(available)
}

// ShouldProcessAsync decides sync-vs-async for a bulk operation.
func (m *Manager) ShouldProcessAsync(recordCount int) bool {
	return m.asyncAvailable.Load() && recordCount >= m.cfg.MinAsyncRecords
}

// GenerateTaskName returns a fresh task identifier (canonical UUID v4).
func (m *Manager) GenerateTaskName() string {
	return uuid.NewString()
}

// LaunchRequest describes an async launch.
type LaunchRequest struct {
	Func            string
	Args            []string
	Kwargs          map[string]string
	ConflictObjects map[string][]string // model -> object ids to lock, may be nil
	User            string
	AffectedObjects string
	TaskName        string        // optional explicit id; generated when empty
	Timeout         time.Duration // per-job execution limit
}

// Launch turns a function + arguments + optional conflict set into a running
// background job. The only externally visible state written before the
// irrevocable enqueue is reversible, so from the caller's point of view the
// whole launch is all-or-nothing.
func (m *Manager) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	taskName := req.TaskName
	if taskName == "" {
		taskName = m.GenerateTaskName()
	}

	reserved := false
	if len(req.ConflictObjects) > 0 {
		ok, err := m.Reserve(ctx, taskName, req.ConflictObjects)
		if err != nil {
			return "", fmt.Errorf("conflict reservation for task %s: %w", taskName, err)
		}
		if !ok {
			observability.LaunchFailures.WithLabelValues("conflict").Inc()
			return "", ErrConflict
		}
		reserved = true
	}

	rollback := func() {
		if reserved {
			if err := m.Release(ctx, taskName); err != nil {
				log.Printf("manager: rollback lock release failed for task %s: %v", taskName, err)
			}
		}
		if err := m.RemoveProgress(ctx, taskName); err != nil {
			log.Printf("manager: rollback progress removal failed for task %s: %v", taskName, err)
		}
		if err := m.removeActiveTask(ctx, taskName); err != nil {
			log.Printf("manager: rollback active-task removal failed for task %s: %v", taskName, err)
		}
	}

	if err := m.CreateProgress(ctx, taskName); err != nil {
		rollback()
		return "", fmt.Errorf("failed to initialize progress for task %s: %w", taskName, err)
	}

	if err := m.addActiveTask(ctx, taskName); err != nil {
		rollback()
		return "", fmt.Errorf("failed to register active task %s: %w", taskName, err)
	}

	kwargs := make(map[string]string, len(req.Kwargs)+2)
	for k, v := range req.Kwargs {
		kwargs[k] = v
	}
	if _, ok := kwargs[KwargTaskKey]; !ok {
		kwargs[KwargTaskKey] = taskName
	}
	if _, ok := kwargs[KwargEmitter]; !ok {
		kwargs[KwargEmitter] = m.cfg.DefaultEmitter
	}

	m.emit(ctx, m.emitter, lifecycle.Event{
		Event:           lifecycle.EventCreate,
		TaskName:        taskName,
		Status:          StatusPending,
		Message:         "Task queued",
		User:            req.User,
		AffectedObjects: req.AffectedObjects,
		TaskArgs:        req.Args,
		TaskKwargs:      kwargs,
	})

	jobID, err := m.queue.Enqueue(ctx, queue.Job{
		Func:     req.Func,
		Args:     req.Args,
		Kwargs:   kwargs,
		TaskName: taskName,
		Hook:     m.HandleCompletion,
		Timeout:  req.Timeout,
	})
	if err != nil || jobID == "" {
		rollback()
		observability.LaunchFailures.WithLabelValues("enqueue").Inc()
		if err == nil {
			err = fmt.Errorf("queue returned empty job id")
		}
		return "", fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	observability.TasksLaunched.Inc()
	log.Printf("manager: launched async task %s (queue job %s)", taskName, jobID)
	return taskName, nil
}

// --- Active task registry ---

// ActiveTasks returns the set of currently outstanding task ids.
func (m *Manager) ActiveTasks(ctx context.Context) ([]string, error) {
	return m.cache.SetMembers(ctx, store.ActiveTasksKey)
}

// IsActiveTask reports whether the task is tracked as outstanding.
func (m *Manager) IsActiveTask(ctx context.Context, taskName string) (bool, error) {
	tasks, err := m.ActiveTasks(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t == taskName {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) addActiveTask(ctx context.Context, taskName string) error {
	if err := m.cache.SetAdd(ctx, store.ActiveTasksKey, []string{taskName}, m.cfg.CleanupGracePeriod); err != nil {
		return err
	}
	m.updateActiveGauge(ctx)
	return nil
}

func (m *Manager) removeActiveTask(ctx context.Context, taskName string) error {
	if err := m.cache.SetRemove(ctx, store.ActiveTasksKey, taskName); err != nil {
		return err
	}
	m.updateActiveGauge(ctx)
	return nil
}

func (m *Manager) updateActiveGauge(ctx context.Context) {
	if tasks, err := m.ActiveTasks(ctx); err == nil {
		observability.ActiveTasks.Set(float64(len(tasks)))
	}
}

// --- Completion ---

// HandleCompletion bridges the job queue's completion notification to the
// lifecycle/lock model. It is invoked from worker goroutines and must never
// panic out of them: every failure is caught and logged.
func (m *Manager) HandleCompletion(status *queue.Status) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("manager: completion handling panic: %v", r)
		}
	}()

	if status == nil {
		log.Printf("manager: completion hook called with nil status")
		return
	}
	taskName := status.Name
	if status.Success == nil {
		// Guard against premature invocation; the sweeper will reconcile.
		log.Printf("manager: completion hook called for still-running task %s", taskName)
		return
	}

	ctx := context.Background()
	emitter := m.resolveEmitter(status.Kwargs)

	if *status.Success {
		observability.TasksCompleted.WithLabelValues(StatusSuccess).Inc()
		m.emit(ctx, emitter, lifecycle.Event{
			Event:    lifecycle.EventComplete,
			TaskName: taskName,
			Status:   StatusSuccess,
			Message:  "Task completed successfully",
			Result:   status.Result,
		})
	} else {
		observability.TasksCompleted.WithLabelValues(StatusFailed).Inc()
		message := status.Result
		if message == "" {
			message = "Task failed"
		}
		m.emit(ctx, emitter, lifecycle.Event{
			Event:    lifecycle.EventFail,
			TaskName: taskName,
			Status:   StatusFailed,
			Message:  message,
			Result:   status.Result,
		})
	}

	m.emit(ctx, emitter, lifecycle.Event{
		Event:    lifecycle.EventCleanup,
		TaskName: taskName,
		Status:   StatusUnknown,
	})

	if err := m.removeActiveTask(ctx, taskName); err != nil {
		log.Printf("manager: failed to remove active task %s: %v", taskName, err)
	}
	if err := m.RemoveProgress(ctx, taskName); err != nil {
		log.Printf("manager: failed to remove progress for task %s: %v", taskName, err)
	}
	if err := m.Release(ctx, taskName); err != nil {
		log.Printf("manager: failed to release locks for task %s: %v", taskName, err)
	}
}

// resolveEmitter late-binds the lifecycle emitter from stored job kwargs.
// Resolution failures fall back to the manager's default emitter.
func (m *Manager) resolveEmitter(kwargs map[string]string) lifecycle.Emitter {
	name := kwargs[KwargEmitter]
	if name == "" {
		return m.emitter
	}

	var config map[string]string
	if raw := kwargs[KwargEmitterConfig]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &config); err != nil {
			log.Printf("manager: could not parse emitter config: %v", err)
		}
	}
	return lifecycle.Resolve(name, config)
}

// emit sends a lifecycle event, swallowing emitter errors: lifecycle
// notification is best-effort and must not block the lock/progress contract.
func (m *Manager) emit(ctx context.Context, emitter lifecycle.Emitter, ev lifecycle.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := emitter.OnEvent(ctx, ev); err != nil {
		observability.EmitterFailures.WithLabelValues(fmt.Sprintf("%T", emitter), ev.Event).Inc()
		log.Printf("manager: lifecycle emitter error for %s on %s: %v", ev.Event, ev.TaskName, err)
	}
}

// --- Status lookups ---

// TaskStatusNoWait maps the queue's tri-state record to a coordinator
// status. Suitable for request paths; never blocks.
func (m *Manager) TaskStatusNoWait(ctx context.Context, taskName string) (string, error) {
	status, err := m.queue.Fetch(ctx, taskName, 0)
	if err != nil {
		return StatusUnknown, err
	}
	if status == nil {
		return StatusUnknown, nil
	}
	if status.Success == nil {
		return StatusInProgress, nil
	}
	if *status.Success {
		return StatusSuccess, nil
	}
	return StatusFailed, nil
}

// TaskStatusCacheOnly derives a status from the progress key alone, never
// touching the queue backend. An absent key reads as completed: progress
// keys are only removed by the completion hook or the sweeper.
func (m *Manager) TaskStatusCacheOnly(ctx context.Context, taskName string) (string, error) {
	progress, ok, err := m.GetProgress(ctx, taskName)
	if err != nil {
		return StatusUnknown, err
	}
	if !ok {
		return "completed", nil
	}
	if progress == StatusPending {
		return StatusPending, nil
	}
	return StatusInProgress, nil
}

// IsTaskCompleteCacheOnly reports terminality using only the cache.
func (m *Manager) IsTaskCompleteCacheOnly(ctx context.Context, taskName string) (bool, error) {
	status, err := m.TaskStatusCacheOnly(ctx, taskName)
	if err != nil {
		return false, err
	}
	return status == "completed", nil
}
