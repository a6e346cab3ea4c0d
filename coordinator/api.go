package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/doctor-cornelius/powercrud/coordinator/lifecycle"
	"github.com/doctor-cornelius/powercrud/coordinator/manager"
	"github.com/doctor-cornelius/powercrud/coordinator/observability"
	"github.com/doctor-cornelius/powercrud/coordinator/queue"
)

// StatusStopPolling is the htmx convention: a 286 response tells the polling
// client the task is done and it should stop asking.
const StatusStopPolling = 286

// pollIntervalMillis is the client-side polling hint returned with every
// non-terminal progress response.
const pollIntervalMillis = 1000

type API struct {
	mgr     *manager.Manager
	pool    *queue.Pool
	bulkOps *BulkOps
	history *lifecycle.PostgresEmitter // nil when no database is configured

	progressHub *ProgressHub

	// Storm protection for the polling endpoint: htmx pollers multiply
	// quickly when many users watch the same dashboard.
	progressLimiter *rate.Limiter
}

func NewAPI(mgr *manager.Manager, pool *queue.Pool, bulkOps *BulkOps, history *lifecycle.PostgresEmitter) *API {
	api := &API{
		mgr:     mgr,
		pool:    pool,
		bulkOps: bulkOps,
		history: history,
		// Allow 50 polls/sec, burst 100
		progressLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}
	api.progressHub = NewProgressHub(api)
	return api
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeRateLimitError writes a 429 with a jittered Retry-After so stampeding
// pollers do not re-synchronise.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%.1f", float64(retryAfter)/1000.0))
	writeError(w, http.StatusTooManyRequests, "too many requests, retry later")
}

// -- Bulk operations --

type bulkRequest struct {
	Model  string            `json:"model"`
	IDs    []string          `json:"ids"`
	Fields map[string]string `json:"fields,omitempty"`
	User   string            `json:"user,omitempty"`
}

func (a *API) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	a.handleBulkOp(w, r, HandlerBulkUpdate)
}

func (a *API) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	a.handleBulkOp(w, r, HandlerBulkDelete)
}

// handleBulkOp is the shared sync-vs-async entry point for bulk operations.
// Small batches run inline; large ones go through the full launch path with
// conflict reservation.
func (a *API) handleBulkOp(w http.ResponseWriter, r *http.Request, handlerName string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required and must be non-empty")
		return
	}
	if handlerName == HandlerBulkUpdate && len(req.Fields) == 0 {
		writeError(w, http.StatusBadRequest, "fields is required for bulk update")
		return
	}

	ctx := r.Context()

	if !a.mgr.ShouldProcessAsync(len(req.IDs)) {
		a.runBulkSync(ctx, w, handlerName, req)
		return
	}

	idsJSON, _ := json.Marshal(req.IDs)
	kwargs := map[string]string{
		kwargModel: req.Model,
		kwargIDs:   string(idsJSON),
	}
	if len(req.Fields) > 0 {
		fieldsJSON, _ := json.Marshal(req.Fields)
		kwargs[kwargFields] = string(fieldsJSON)
	}

	taskName, err := a.mgr.Launch(ctx, manager.LaunchRequest{
		Func:            handlerName,
		Kwargs:          kwargs,
		ConflictObjects: map[string][]string{req.Model: req.IDs},
		User:            req.User,
		AffectedObjects: fmt.Sprintf("%s: %d records", req.Model, len(req.IDs)),
	})
	switch {
	case errors.Is(err, manager.ErrConflict):
		conflicts, cerr := a.mgr.CheckConflicts(ctx, map[string][]string{req.Model: req.IDs})
		if cerr != nil {
			log.Printf("api: conflict detail lookup failed: %v", cerr)
		}
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     "conflicts detected with existing operations, try again later",
			"conflicts": conflicts,
		})
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_name": taskName,
		"status":    manager.StatusPending,
	})
}

// runBulkSync executes the operation inline through the same handler the
// worker pool would run, so sync and async paths cannot drift.
func (a *API) runBulkSync(ctx context.Context, w http.ResponseWriter, handlerName string, req bulkRequest) {
	idsJSON, _ := json.Marshal(req.IDs)
	kwargs := map[string]string{
		kwargModel: req.Model,
		kwargIDs:   string(idsJSON),
	}
	if len(req.Fields) > 0 {
		fieldsJSON, _ := json.Marshal(req.Fields)
		kwargs[kwargFields] = string(fieldsJSON)
	}

	task := &queue.Task{Name: "sync", Kwargs: kwargs}

	var result string
	var err error
	switch handlerName {
	case HandlerBulkUpdate:
		result, err = a.bulkOps.HandleUpdate(ctx, task)
	case HandlerBulkDelete:
		result, err = a.bulkOps.HandleDelete(ctx, task)
	default:
		err = fmt.Errorf("unknown bulk handler %q", handlerName)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "completed",
		"result":    result,
		"processed": len(req.IDs),
	})
}

// -- Conflict pre-flight --

// handleCheckConflicts answers "which of these ids are currently locked"
// without claiming anything. GET /async/conflicts?model=X&ids=a,b,c
func (a *API) handleCheckConflicts(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	idsParam := r.URL.Query().Get("ids")
	if model == "" || idsParam == "" {
		writeError(w, http.StatusBadRequest, "model and ids parameters are required")
		return
	}

	ids := strings.Split(idsParam, ",")
	conflicts, err := a.mgr.CheckConflicts(r.Context(), map[string][]string{model: ids})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"model":     model,
		"conflicts": conflicts,
	})
}

// -- Progress polling --

// handleProgress serves htmx-style pollers. Response contract:
//
//	400  missing task_name
//	200  task still working: {task_name, status, progress, poll_interval}
//	286  terminal: stop polling
//	429  storm protection tripped
//	500  cache failure
//
// A missing progress record normally means the task finished and was cleaned
// up, so absence reads as terminal success unless the queue says the job is
// still alive.
func (a *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	if !a.progressLimiter.Allow() {
		a.writeRateLimitError(w, "progress")
		return
	}

	taskName := r.URL.Query().Get("task_name")
	if taskName == "" && r.Method == http.MethodPost {
		taskName = r.PostFormValue("task_name")
	}
	if taskName == "" {
		writeError(w, http.StatusBadRequest, "task_name parameter is required")
		return
	}

	ctx := r.Context()
	progress, ok, err := a.mgr.GetProgress(ctx, taskName)
	if err != nil {
		observability.ProgressPolls.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "progress lookup failed: "+err.Error())
		return
	}

	// A real progress message means the worker is reporting. No poll hint:
	// time-to-completion is genuinely unknown, clients keep their cadence.
	if ok && progress != manager.StatusPending {
		observability.ProgressPolls.WithLabelValues("in_progress").Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"task_name": taskName,
			"status":    manager.StatusInProgress,
			"progress":  progress,
		})
		return
	}

	// Placeholder or no record at all: the queue decides.
	queueStatus, err := a.mgr.TaskStatusNoWait(ctx, taskName)
	if err != nil {
		log.Printf("api: queue status lookup failed for %s: %v", taskName, err)
		queueStatus = manager.StatusUnknown
	}

	if ok {
		// Placeholder still present: the job has not started reporting.
		switch queueStatus {
		case manager.StatusSuccess:
			a.writeTerminal(w, taskName, manager.StatusSuccess, "Completed successfully!")
		case manager.StatusFailed:
			a.writeTerminal(w, taskName, manager.StatusFailed, "Task failed")
		default:
			// Genuinely indeterminate: tell the client when to retry.
			observability.ProgressPolls.WithLabelValues("unknown").Inc()
			writeJSON(w, http.StatusOK, map[string]any{
				"task_name":     taskName,
				"status":        manager.StatusUnknown,
				"progress":      progress,
				"poll_interval": pollIntervalMillis,
			})
		}
		return
	}

	switch queueStatus {
	case manager.StatusInProgress:
		// Progress record expired under a long-running job: keep polling.
		observability.ProgressPolls.WithLabelValues("unknown").Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"task_name":     taskName,
			"status":        manager.StatusInProgress,
			"progress":      "",
			"poll_interval": pollIntervalMillis,
		})
	case manager.StatusFailed:
		a.writeTerminal(w, taskName, manager.StatusFailed, "Task failed")
	default:
		// Record gone and nothing alive in the queue: finished and cleaned.
		a.writeTerminal(w, taskName, manager.StatusSuccess, "Completed successfully!")
	}
}

func (a *API) writeTerminal(w http.ResponseWriter, taskName string, status string, message string) {
	observability.ProgressPolls.WithLabelValues("terminal").Inc()
	writeJSON(w, StatusStopPolling, map[string]string{
		"task_name": taskName,
		"status":    status,
		"message":   message,
	})
}

// -- Active tasks & history --

// taskProgress is one row of the active-task snapshot (REST and WebSocket).
type taskProgress struct {
	TaskName string `json:"task_name"`
	Status   string `json:"status"`
	Progress string `json:"progress"`
}

// progressSnapshot collects progress for every registered active task.
func (a *API) progressSnapshot(ctx context.Context) ([]taskProgress, error) {
	tasks, err := a.mgr.ActiveTasks(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := make([]taskProgress, 0, len(tasks))
	for _, taskName := range tasks {
		row := taskProgress{TaskName: taskName, Status: manager.StatusUnknown}
		if progress, ok, err := a.mgr.GetProgress(ctx, taskName); err == nil && ok {
			row.Progress = progress
			row.Status = manager.StatusInProgress
			if progress == manager.StatusPending {
				row.Status = manager.StatusPending
			}
		}
		snapshot = append(snapshot, row)
	}
	return snapshot, nil
}

func (a *API) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	snapshot, err := a.progressSnapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(snapshot),
		"tasks": snapshot,
	})
}

// handleHistory serves persisted lifecycle events for a task. Only available
// when the service was started with a database.
func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(w, http.StatusNotFound, "task history persistence is not configured")
		return
	}

	taskName := r.URL.Query().Get("task_name")
	if taskName == "" {
		writeError(w, http.StatusBadRequest, "task_name parameter is required")
		return
	}

	events, err := a.history.History(r.Context(), taskName, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_name": taskName,
		"events":    events,
	})
}

// -- Maintenance --

// handleSweep runs one on-demand reconciliation pass.
func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	summary, err := a.mgr.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// -- Dashboard stream --

var wsUpgrader = websocketUpgrader()

func (a *API) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade failed: %v", err)
		return
	}
	a.progressHub.Register(conn)

	// Read pump: discard client frames, detect disconnect.
	go func() {
		defer a.progressHub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

const probeTimeout = 5 * time.Second

// handleQueueHealth re-probes the worker pool and updates the sync-vs-async
// decision accordingly.
func (a *API) handleQueueHealth(w http.ResponseWriter, r *http.Request) {
	healthy := a.pool.Probe(r.Context(), probeTimeout)
	a.mgr.SetAsyncAvailable(healthy)

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{"async_available": healthy})
}
