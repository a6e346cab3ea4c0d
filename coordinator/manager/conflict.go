package manager

import (
	"context"
	"log"
	"sort"

	"github.com/doctor-cornelius/powercrud/coordinator/observability"
	"github.com/doctor-cornelius/powercrud/coordinator/store"
)

// Conflict registry: per-object locks plus a per-task tracking set. The
// dual-key layout lets any cache backend without multi-key transactions
// still release "all locks for this task" as a unit.

// Reserve atomically claims exclusive locks on every (model, id) pair for
// taskName. All-or-nothing: if any object is already locked, every lock
// acquired in this call is rolled back and (false, nil) is returned.
//
// Objects are visited in sorted order. Ordering is not required for
// correctness, only to keep rollback bookkeeping deterministic.
func (m *Manager) Reserve(ctx context.Context, taskName string, objects map[string][]string) (bool, error) {
	var acquired []string

	rollback := func() {
		for _, key := range acquired {
			if err := m.cache.Delete(ctx, key); err != nil {
				log.Printf("manager: rollback delete failed for %s: %v", key, err)
			}
		}
	}

	models := make([]string, 0, len(objects))
	for model := range objects {
		models = append(models, model)
	}
	sort.Strings(models)

	for _, model := range models {
		ids := append([]string(nil), objects[model]...)
		sort.Strings(ids)

		for _, id := range ids {
			lockKey := store.LockKey(model, id)

			ok, err := m.cache.Add(ctx, lockKey, taskName, m.cfg.ConflictTTL)
			if err != nil {
				rollback()
				return false, err
			}
			if !ok {
				observability.ConflictsDetected.Inc()
				rollback()
				return false, nil
			}
			acquired = append(acquired, lockKey)
		}
	}

	// Empty object set: trivial success, no tracking set.
	if len(acquired) == 0 {
		return true, nil
	}

	if err := m.cache.SetAdd(ctx, store.TrackingKey(taskName), acquired, m.cfg.ConflictTTL); err != nil {
		rollback()
		if derr := m.cache.Delete(ctx, store.TrackingKey(taskName)); derr != nil {
			log.Printf("manager: tracking-set cleanup failed for task %s: %v", taskName, derr)
		}
		return false, err
	}

	observability.ConflictLocksAcquired.Add(float64(len(acquired)))
	return true, nil
}

// CheckConflicts returns the object ids (across all queried models) that are
// currently locked by any task, including the caller's own reservations.
// Read-only: nothing is claimed.
func (m *Manager) CheckConflicts(ctx context.Context, objects map[string][]string) ([]string, error) {
	var conflicts []string

	for model, ids := range objects {
		for _, id := range ids {
			_, locked, err := m.cache.Get(ctx, store.LockKey(model, id))
			if err != nil {
				return nil, err
			}
			if locked {
				conflicts = append(conflicts, id)
			}
		}
	}

	sort.Strings(conflicts)
	return conflicts, nil
}

// Release drops every lock named in the task's tracking set, then the
// tracking set itself. Idempotent: a task with no tracking set is a no-op,
// because completion hooks and sweepers may race or double-fire.
func (m *Manager) Release(ctx context.Context, taskName string) error {
	trackingKey := store.TrackingKey(taskName)

	lockKeys, err := m.cache.SetMembers(ctx, trackingKey)
	if err != nil {
		return err
	}

	var lastErr error
	for _, key := range lockKeys {
		if err := m.cache.Delete(ctx, key); err != nil {
			log.Printf("manager: failed to delete lock %s: %v", key, err)
			lastErr = err
		}
	}
	if err := m.cache.Delete(ctx, trackingKey); err != nil {
		lastErr = err
	}
	return lastErr
}

// TrackedLocks returns the lock keys currently recorded for a task.
func (m *Manager) TrackedLocks(ctx context.Context, taskName string) ([]string, error) {
	return m.cache.SetMembers(ctx, store.TrackingKey(taskName))
}
