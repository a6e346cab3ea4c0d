package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/doctor-cornelius/powercrud/coordinator/manager"
	"github.com/doctor-cornelius/powercrud/coordinator/queue"
)

// Registered handler names for bulk operations.
const (
	HandlerBulkUpdate = "bulk.update"
	HandlerBulkDelete = "bulk.delete"
)

// Kwargs keys carried by bulk jobs.
const (
	kwargModel  = "model"
	kwargIDs    = "ids"
	kwargFields = "fields"
)

const progressBatchSize = 100

// RecordApplier performs the actual data mutation for one batch of records.
// The coordinator owns locks and progress, not the data: applications plug in
// their own persistence here.
type RecordApplier interface {
	UpdateRecords(ctx context.Context, model string, ids []string, fields map[string]string) error
	DeleteRecords(ctx context.Context, model string, ids []string) error
}

// logApplier is the default applier, used when no real backend is wired. It
// only logs, which keeps the coordinator runnable standalone.
type logApplier struct{}

func (logApplier) UpdateRecords(ctx context.Context, model string, ids []string, fields map[string]string) error {
	log.Printf("bulkops: update %s: %d records, %d fields", model, len(ids), len(fields))
	return nil
}

func (logApplier) DeleteRecords(ctx context.Context, model string, ids []string) error {
	log.Printf("bulkops: delete %s: %d records", model, len(ids))
	return nil
}

// BulkOps holds the worker-side bulk update/delete handlers. Handlers report
// incremental progress through the manager so pollers and the dashboard see
// batch-level movement.
type BulkOps struct {
	mgr     *manager.Manager
	applier RecordApplier
	batch   int
}

func NewBulkOps(mgr *manager.Manager, applier RecordApplier) *BulkOps {
	if applier == nil {
		applier = logApplier{}
	}
	return &BulkOps{mgr: mgr, applier: applier, batch: progressBatchSize}
}

// Register binds the bulk handlers onto the worker pool.
func (b *BulkOps) Register(pool *queue.Pool) {
	pool.Register(HandlerBulkUpdate, b.HandleUpdate)
	pool.Register(HandlerBulkDelete, b.HandleDelete)
}

// HandleUpdate applies field updates to the identified records in batches.
func (b *BulkOps) HandleUpdate(ctx context.Context, task *queue.Task) (string, error) {
	model, ids, fields, err := b.parseJob(task)
	if err != nil {
		return "", err
	}
	if len(fields) == 0 {
		return "", fmt.Errorf("bulk update for %s has no fields", model)
	}

	taskKey := task.Kwargs[manager.KwargTaskKey]
	processed := 0
	for start := 0; start < len(ids); start += b.batch {
		end := start + b.batch
		if end > len(ids) {
			end = len(ids)
		}
		if err := b.applier.UpdateRecords(ctx, model, ids[start:end], fields); err != nil {
			return "", fmt.Errorf("bulk update batch for %s failed: %w", model, err)
		}
		processed = end
		b.reportProgress(ctx, taskKey, fmt.Sprintf("Updated %d of %d %s records", processed, len(ids), model))

		if err := ctx.Err(); err != nil {
			return "", err
		}
	}

	return fmt.Sprintf("updated %d %s records", processed, model), nil
}

// HandleDelete removes the identified records in batches.
func (b *BulkOps) HandleDelete(ctx context.Context, task *queue.Task) (string, error) {
	model, ids, _, err := b.parseJob(task)
	if err != nil {
		return "", err
	}

	taskKey := task.Kwargs[manager.KwargTaskKey]
	processed := 0
	for start := 0; start < len(ids); start += b.batch {
		end := start + b.batch
		if end > len(ids) {
			end = len(ids)
		}
		if err := b.applier.DeleteRecords(ctx, model, ids[start:end]); err != nil {
			return "", fmt.Errorf("bulk delete batch for %s failed: %w", model, err)
		}
		processed = end
		b.reportProgress(ctx, taskKey, fmt.Sprintf("Deleted %d of %d %s records", processed, len(ids), model))

		if err := ctx.Err(); err != nil {
			return "", err
		}
	}

	return fmt.Sprintf("deleted %d %s records", processed, model), nil
}

func (b *BulkOps) parseJob(task *queue.Task) (model string, ids []string, fields map[string]string, err error) {
	model = task.Kwargs[kwargModel]
	if model == "" {
		return "", nil, nil, fmt.Errorf("bulk job %s has no model", task.Name)
	}

	if raw := task.Kwargs[kwargIDs]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return "", nil, nil, fmt.Errorf("bulk job %s has malformed ids: %w", task.Name, err)
		}
	}
	if len(ids) == 0 {
		return "", nil, nil, fmt.Errorf("bulk job %s has no record ids", task.Name)
	}

	if raw := task.Kwargs[kwargFields]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return "", nil, nil, fmt.Errorf("bulk job %s has malformed fields: %w", task.Name, err)
		}
	}
	return model, ids, fields, nil
}

// reportProgress is best-effort: a cache hiccup must not fail the job.
func (b *BulkOps) reportProgress(ctx context.Context, taskKey string, message string) {
	if taskKey == "" {
		return
	}
	if err := b.mgr.UpdateProgress(ctx, taskKey, message); err != nil {
		log.Printf("bulkops: progress update failed for %s: %v", taskKey, err)
	}
}
