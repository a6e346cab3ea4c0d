package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Lifecycle event names.
const (
	EventCreate   = "create"
	EventProgress = "progress"
	EventComplete = "complete"
	EventFail     = "fail"
	EventCleanup  = "cleanup"
)

// Event is an ephemeral lifecycle notification. The coordinator does not
// persist events itself; persistence, if any, is the emitter's job.
type Event struct {
	Event           string            `json:"event"`
	TaskName        string            `json:"task_name"`
	Status          string            `json:"status,omitempty"`
	Message         string            `json:"message,omitempty"`
	User            string            `json:"user,omitempty"`
	AffectedObjects string            `json:"affected_objects,omitempty"`
	TaskArgs        []string          `json:"task_args,omitempty"`
	TaskKwargs      map[string]string `json:"task_kwargs,omitempty"`
	Result          string            `json:"result,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// Emitter receives lifecycle events. Implementations must tolerate being
// called from job-worker goroutines; errors are logged by the caller and
// never block lock release or progress updates.
type Emitter interface {
	OnEvent(ctx context.Context, ev Event) error
}

// Constructor builds an emitter from an optional configuration mapping.
type Constructor func(config map[string]string) (Emitter, error)

// DefaultEmitterName identifies the fallback log-only emitter.
const DefaultEmitterName = "log"

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register adds a named emitter constructor. Names are late-bound: job
// parameters carry the emitter name, resolved at completion time, so
// multiple applications sharing one worker deployment can persist task
// history differently.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// Resolve returns the emitter registered under name, constructed with
// config. Resolution failures fall back to the default log emitter: a
// broken emitter must never take a worker process down with it.
func Resolve(name string, config map[string]string) Emitter {
	if name == "" {
		name = DefaultEmitterName
	}

	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		log.Printf("lifecycle: no emitter registered as %q, falling back to %q", name, DefaultEmitterName)
		return NewLogEmitter()
	}

	emitter, err := ctor(config)
	if err != nil {
		log.Printf("lifecycle: failed to construct emitter %q: %v, falling back to %q", name, err, DefaultEmitterName)
		return NewLogEmitter()
	}
	return emitter
}

func init() {
	Register(DefaultEmitterName, func(map[string]string) (Emitter, error) {
		return NewLogEmitter(), nil
	})
}

// LogEmitter is the default emitter: it logs each event and keeps no state.
type LogEmitter struct {
	logger *log.Logger
}

func NewLogEmitter() *LogEmitter {
	return &LogEmitter{logger: log.Default()}
}

func (e *LogEmitter) OnEvent(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}
	e.logger.Printf("[LIFECYCLE] %s %s: %s", ev.Event, ev.TaskName, string(data))
	return nil
}
