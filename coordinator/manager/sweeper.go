package manager

import (
	"context"
	"log"
	"time"

	"github.com/doctor-cornelius/powercrud/coordinator/lifecycle"
	"github.com/doctor-cornelius/powercrud/coordinator/observability"
)

// Sweep reasons, also used as metric labels.
const (
	ReasonQueueRecordMissing = "queue_record_missing"
	ReasonMaxDuration        = "max_duration_exceeded"
	ReasonFinished           = "task_finished"
)

// CleanDetail records what a sweep removed for one task.
type CleanDetail struct {
	Reason           string `json:"reason"`
	FinalStatus      string `json:"final_status"`
	ConflictLockKeys int    `json:"conflict_lock_keys"`
	ProgressEntries  int    `json:"progress_entries"`
}

// SweepSummary reports one reconciliation pass over the active registry.
type SweepSummary struct {
	ActiveTasks int                    `json:"active_tasks"`
	Cleaned     map[string]CleanDetail `json:"cleaned"`
	Skipped     map[string]string      `json:"skipped"`
}

// Sweep reconciles the active-task registry against the job queue. The queue
// is ground truth: tasks it no longer knows, tasks that finished without
// their completion hook firing, and tasks running past MaxTaskDuration all
// get their cache artifacts cleaned. Genuinely running tasks are skipped.
func (m *Manager) Sweep(ctx context.Context) (SweepSummary, error) {
	summary := SweepSummary{
		Cleaned: make(map[string]CleanDetail),
		Skipped: make(map[string]string),
	}

	tasks, err := m.ActiveTasks(ctx)
	if err != nil {
		return summary, err
	}
	summary.ActiveTasks = len(tasks)

	for _, taskName := range tasks {
		status, err := m.queue.Fetch(ctx, taskName, 0)
		if err != nil {
			summary.Skipped[taskName] = "queue lookup failed: " + err.Error()
			observability.SweepSkipped.Inc()
			continue
		}

		switch {
		case status == nil:
			// Registry says active, queue has never heard of it. Crashed
			// before enqueue completed, or the queue lost the record.
			detail := m.cleanTask(ctx, taskName, ReasonQueueRecordMissing, StatusUnknown)
			summary.Cleaned[taskName] = detail

		case status.Success == nil:
			// Measure from pickup when the job started, otherwise from
			// submission: a job that never left the queue can be just as
			// stuck as one wedged mid-execution.
			since := status.Started
			if since.IsZero() {
				since = status.Enqueued
			}
			if !since.IsZero() && time.Since(since) > m.cfg.MaxTaskDuration {
				detail := m.cleanTask(ctx, taskName, ReasonMaxDuration, StatusUnknown)
				summary.Cleaned[taskName] = detail
				continue
			}
			summary.Skipped[taskName] = "task still running"
			observability.SweepSkipped.Inc()

		default:
			// Terminal but still registered: the completion hook never ran
			// or failed partway through.
			final := StatusFailed
			if *status.Success {
				final = StatusSuccess
			}
			detail := m.cleanTask(ctx, taskName, ReasonFinished, final)
			summary.Cleaned[taskName] = detail
		}
	}

	if len(summary.Cleaned) > 0 || len(summary.Skipped) > 0 {
		log.Printf("manager: sweep done: %d active, %d cleaned, %d skipped",
			summary.ActiveTasks, len(summary.Cleaned), len(summary.Skipped))
	}
	return summary, nil
}

// cleanTask removes every cache artifact for one task and emits a cleanup
// event. Counts are taken before deletion so the detail reflects what was
// actually found.
func (m *Manager) cleanTask(ctx context.Context, taskName string, reason string, finalStatus string) CleanDetail {
	detail := CleanDetail{Reason: reason, FinalStatus: finalStatus}

	if locks, err := m.TrackedLocks(ctx, taskName); err == nil {
		detail.ConflictLockKeys = len(locks)
	}
	if _, ok, err := m.GetProgress(ctx, taskName); err == nil && ok {
		detail.ProgressEntries = 1
	}

	m.emit(ctx, m.emitter, lifecycle.Event{
		Event:    lifecycle.EventCleanup,
		TaskName: taskName,
		Status:   finalStatus,
		Message:  "swept: " + reason,
	})

	if err := m.removeActiveTask(ctx, taskName); err != nil {
		log.Printf("manager: sweep could not deregister task %s: %v", taskName, err)
	}
	if err := m.RemoveProgress(ctx, taskName); err != nil {
		log.Printf("manager: sweep could not remove progress for task %s: %v", taskName, err)
	}
	if err := m.Release(ctx, taskName); err != nil {
		log.Printf("manager: sweep could not release locks for task %s: %v", taskName, err)
	}

	observability.SweepCleaned.WithLabelValues(reason).Inc()
	return detail
}

// Sweeper runs Sweep on a fixed interval in the background.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
}

func NewSweeper(m *Manager) *Sweeper {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{manager: m, interval: interval}
}

// Start blocks until ctx is cancelled. Run it in its own goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	log.Printf("manager: sweeper started (interval %s)", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("manager: sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.manager.Sweep(ctx); err != nil {
				log.Printf("manager: sweep failed: %v", err)
			}
		}
	}
}
