package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/doctor-cornelius/powercrud/coordinator/queue"
	"github.com/doctor-cornelius/powercrud/coordinator/store"
)

// fakeQueue records enqueued jobs and serves canned statuses.
type fakeQueue struct {
	mu          sync.Mutex
	enqueued    []queue.Job
	statuses    map[string]*queue.Status
	failEnqueue bool
	emptyJobID  bool
}

func (f *fakeQueue) Enqueue(ctx context.Context, job queue.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failEnqueue {
		return "", errors.New("simulated enqueue failure")
	}
	if f.emptyJobID {
		return "", nil
	}
	f.enqueued = append(f.enqueued, job)
	return "job-1", nil
}

func (f *fakeQueue) Fetch(ctx context.Context, taskName string, wait time.Duration) (*queue.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[taskName], nil
}

func (f *fakeQueue) setStatus(taskName string, s *queue.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[string]*queue.Status)
	}
	f.statuses[taskName] = s
}

func (f *fakeQueue) enqueuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

func newTestManager() (*Manager, *store.MemoryStore, *fakeQueue) {
	cache := store.NewMemoryStore()
	q := &fakeQueue{}
	m := New(cache, q, DefaultConfig())
	m.SetAsyncAvailable(true)
	return m, cache, q
}

func boolPtr(b bool) *bool { return &b }

func TestLaunchSuccess(t *testing.T) {
	m, _, q := newTestManager()
	ctx := context.Background()

	taskName, err := m.Launch(ctx, LaunchRequest{
		Func:            "bulk.update",
		Kwargs:          map[string]string{"model": "product"},
		ConflictObjects: map[string][]string{"product": {"1", "2"}},
		User:            "alice",
	})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	if len(taskName) != 36 {
		t.Fatalf("expected canonical UUID task name, got %q", taskName)
	}

	progress, ok, _ := m.GetProgress(ctx, taskName)
	if !ok || progress != StatusPending {
		t.Fatalf("expected pending progress placeholder, got %q (ok=%v)", progress, ok)
	}

	active, _ := m.IsActiveTask(ctx, taskName)
	if !active {
		t.Fatal("task should be in the active registry")
	}

	if q.enqueuedCount() != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", q.enqueuedCount())
	}
	job := q.enqueued[0]
	if job.TaskName != taskName {
		t.Fatalf("job task name mismatch: %q vs %q", job.TaskName, taskName)
	}
	if job.Kwargs[KwargTaskKey] != taskName {
		t.Fatalf("task_key kwarg not injected: %v", job.Kwargs)
	}
	if job.Kwargs[KwargEmitter] == "" {
		t.Fatal("emitter kwarg not injected")
	}
	if job.Kwargs["model"] != "product" {
		t.Fatal("caller kwargs must survive injection")
	}
	if job.Hook == nil {
		t.Fatal("completion hook must be attached")
	}
}

func TestLaunchConflictDoesNotEnqueue(t *testing.T) {
	m, _, q := newTestManager()
	ctx := context.Background()

	if ok, _ := m.Reserve(ctx, "holder", map[string][]string{"product": {"2"}}); !ok {
		t.Fatal("setup reserve failed")
	}

	_, err := m.Launch(ctx, LaunchRequest{
		Func:            "bulk.update",
		ConflictObjects: map[string][]string{"product": {"1", "2"}},
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if q.enqueuedCount() != 0 {
		t.Fatal("enqueue must not be called when reservation fails")
	}

	// Nothing else may leak either
	tasks, _ := m.ActiveTasks(ctx)
	if len(tasks) != 0 {
		t.Fatalf("no task should be registered, got %v", tasks)
	}
}

func TestLaunchEnqueueFailureRollsBack(t *testing.T) {
	m, cache, q := newTestManager()
	q.failEnqueue = true
	ctx := context.Background()

	_, err := m.Launch(ctx, LaunchRequest{
		Func:            "bulk.update",
		TaskName:        "t-rollback",
		ConflictObjects: map[string][]string{"product": {"1"}},
	})
	if !errors.Is(err, ErrEnqueueFailed) {
		t.Fatalf("expected ErrEnqueueFailed, got %v", err)
	}

	if _, found, _ := cache.Get(ctx, store.LockKey("product", "1")); found {
		t.Fatal("lock must be released on enqueue failure")
	}
	if _, ok, _ := m.GetProgress(ctx, "t-rollback"); ok {
		t.Fatal("progress must be removed on enqueue failure")
	}
	if active, _ := m.IsActiveTask(ctx, "t-rollback"); active {
		t.Fatal("task must be deregistered on enqueue failure")
	}

	// Objects are immediately reservable again
	if ok, _ := m.Reserve(ctx, "t2", map[string][]string{"product": {"1"}}); !ok {
		t.Fatal("object should be free after rollback")
	}
}

func TestLaunchEmptyJobIDTreatedAsFailure(t *testing.T) {
	m, _, q := newTestManager()
	q.emptyJobID = true

	_, err := m.Launch(context.Background(), LaunchRequest{
		Func:     "bulk.update",
		TaskName: "t-empty",
	})
	if !errors.Is(err, ErrEnqueueFailed) {
		t.Fatalf("expected ErrEnqueueFailed for empty job id, got %v", err)
	}
}

func TestAsyncAvailabilityConcurrentAccess(t *testing.T) {
	m, _, _ := newTestManager()

	// Health probes flip the flag while bulk requests read it; both paths
	// run on independent goroutines in the service.
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				m.SetAsyncAvailable(i%2 == 0)
			}
		}
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.ShouldProcessAsync(100)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(stop)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent availability access did not finish")
	}
}

func TestShouldProcessAsync(t *testing.T) {
	m, _, _ := newTestManager()

	if !m.ShouldProcessAsync(10) {
		t.Error("10 records at default threshold should be async")
	}
	if m.ShouldProcessAsync(9) {
		t.Error("9 records below default threshold should be sync")
	}

	m.SetAsyncAvailable(false)
	if m.ShouldProcessAsync(1000) {
		t.Error("unavailable backend must force sync regardless of size")
	}
}

func TestHandleCompletionCleansUp(t *testing.T) {
	m, cache, _ := newTestManager()
	ctx := context.Background()

	taskName := "t-done"
	if ok, _ := m.Reserve(ctx, taskName, map[string][]string{"product": {"1"}}); !ok {
		t.Fatal("setup reserve failed")
	}
	m.CreateProgress(ctx, taskName)
	m.addActiveTask(ctx, taskName)

	m.HandleCompletion(&queue.Status{
		Name:    taskName,
		Success: boolPtr(true),
		Result:  "updated 50 product records",
	})

	if _, found, _ := cache.Get(ctx, store.LockKey("product", "1")); found {
		t.Fatal("locks must be released after completion")
	}
	if _, ok, _ := m.GetProgress(ctx, taskName); ok {
		t.Fatal("progress must be removed after completion")
	}
	if active, _ := m.IsActiveTask(ctx, taskName); active {
		t.Fatal("task must leave the active registry after completion")
	}
}

func TestHandleCompletionFailurePathCleansUp(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	taskName := "t-failed"
	m.CreateProgress(ctx, taskName)
	m.addActiveTask(ctx, taskName)

	m.HandleCompletion(&queue.Status{
		Name:    taskName,
		Success: boolPtr(false),
		Result:  "boom",
	})

	if active, _ := m.IsActiveTask(ctx, taskName); active {
		t.Fatal("failed task must also be cleaned up")
	}
}

func TestHandleCompletionGuards(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	// Nil status must not panic
	m.HandleCompletion(nil)

	// Still-running status must leave state alone
	taskName := "t-running"
	m.CreateProgress(ctx, taskName)
	m.addActiveTask(ctx, taskName)

	m.HandleCompletion(&queue.Status{Name: taskName})

	if active, _ := m.IsActiveTask(ctx, taskName); !active {
		t.Fatal("premature completion call must not deregister a running task")
	}
	if _, ok, _ := m.GetProgress(ctx, taskName); !ok {
		t.Fatal("premature completion call must not remove progress")
	}
}

func TestTaskStatusNoWait(t *testing.T) {
	m, _, q := newTestManager()
	ctx := context.Background()

	cases := []struct {
		name   string
		status *queue.Status
		want   string
	}{
		{"unknown", nil, StatusUnknown},
		{"running", &queue.Status{Name: "t"}, StatusInProgress},
		{"success", &queue.Status{Name: "t", Success: boolPtr(true)}, StatusSuccess},
		{"failed", &queue.Status{Name: "t", Success: boolPtr(false)}, StatusFailed},
	}
	for _, tc := range cases {
		q.setStatus("t", tc.status)
		got, err := m.TaskStatusNoWait(ctx, "t")
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestTaskStatusCacheOnly(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	// Absent progress reads as completed
	got, _ := m.TaskStatusCacheOnly(ctx, "t-gone")
	if got != "completed" {
		t.Errorf("absent progress: got %q, want completed", got)
	}

	m.CreateProgress(ctx, "t-new")
	got, _ = m.TaskStatusCacheOnly(ctx, "t-new")
	if got != StatusPending {
		t.Errorf("placeholder progress: got %q, want pending", got)
	}

	m.UpdateProgress(ctx, "t-new", "Updated 10 of 100 records")
	got, _ = m.TaskStatusCacheOnly(ctx, "t-new")
	if got != StatusInProgress {
		t.Errorf("real progress: got %q, want in_progress", got)
	}

	done, _ := m.IsTaskCompleteCacheOnly(ctx, "t-gone")
	if !done {
		t.Error("absent progress should read as complete")
	}
	done, _ = m.IsTaskCompleteCacheOnly(ctx, "t-new")
	if done {
		t.Error("task with progress should not read as complete")
	}
}

func TestGenerateTaskName(t *testing.T) {
	m, _, _ := newTestManager()

	a := m.GenerateTaskName()
	b := m.GenerateTaskName()
	if len(a) != 36 || len(b) != 36 {
		t.Fatalf("expected 36-char canonical UUIDs, got %q %q", a, b)
	}
	if a == b {
		t.Fatal("task names must be unique")
	}
}
