package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/doctor-cornelius/powercrud/coordinator/lifecycle"
	"github.com/doctor-cornelius/powercrud/coordinator/store"
)

// Progress store: one human-readable string per task, kept on a TTL longer
// than the conflict TTL so UI polling still works after locks are gone.

// CreateProgress writes the pending placeholder for a freshly launched task.
func (m *Manager) CreateProgress(ctx context.Context, taskName string) error {
	if taskName == "" {
		return fmt.Errorf("task name cannot be empty")
	}
	return m.cache.Set(ctx, store.ProgressKey(taskName), StatusPending, m.cfg.ProgressTTL)
}

// UpdateProgress overwrites the stored progress message and emits a
// progress lifecycle event. Updates serve both pollers and persistent
// emitters.
func (m *Manager) UpdateProgress(ctx context.Context, taskName string, message string) error {
	if taskName == "" {
		return fmt.Errorf("task name cannot be empty")
	}
	if err := m.cache.Set(ctx, store.ProgressKey(taskName), message, m.cfg.ProgressTTL); err != nil {
		return err
	}

	m.emit(ctx, m.emitter, lifecycle.Event{
		Event:     lifecycle.EventProgress,
		TaskName:  taskName,
		Status:    StatusInProgress,
		Message:   message,
		Timestamp: time.Now(),
	})
	return nil
}

// GetProgress returns the stored progress message. ok is false when no
// record exists (never created, expired, or cleaned up after completion).
func (m *Manager) GetProgress(ctx context.Context, taskName string) (string, bool, error) {
	if taskName == "" {
		return "", false, fmt.Errorf("task name cannot be empty")
	}
	return m.cache.Get(ctx, store.ProgressKey(taskName))
}

// RemoveProgress deletes the progress record. Idempotent.
func (m *Manager) RemoveProgress(ctx context.Context, taskName string) error {
	if taskName == "" {
		return nil
	}
	return m.cache.Delete(ctx, store.ProgressKey(taskName))
}
