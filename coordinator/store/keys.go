package store

import (
	"fmt"
)

// Cache key schema for the async coordinator. The schema is stable so that
// external tooling (and tests) can inspect coordinator state directly.
const (
	// ActiveTasksKey holds the set of currently outstanding task ids.
	ActiveTasksKey = "powercrud:async:active_tasks"

	lockPrefix     = "powercrud:conflict:model:"
	trackingPrefix = "powercrud:async:conflict:"
	progressPrefix = "powercrud:async:progress:"
)

// LockKey constructs the per-object conflict lock key.
// Format: powercrud:conflict:model:{model}:{objectID}
func LockKey(model string, objectID string) string {
	return fmt.Sprintf("%s%s:%s", lockPrefix, model, objectID)
}

// TrackingKey constructs the per-task lock tracking set key.
// Format: powercrud:async:conflict:{taskID}
func TrackingKey(taskID string) string {
	return trackingPrefix + taskID
}

// ProgressKey constructs the per-task progress key.
// Format: powercrud:async:progress:{taskID}
func ProgressKey(taskID string) string {
	return progressPrefix + taskID
}
