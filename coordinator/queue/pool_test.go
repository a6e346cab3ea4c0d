package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func startedPool(t *testing.T) (*Pool, context.CancelFunc) {
	t.Helper()
	pool := NewPool(2, 16)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	return pool, cancel
}

func TestPoolExecutesJob(t *testing.T) {
	pool, cancel := startedPool(t)
	defer cancel()

	pool.Register("echo", func(ctx context.Context, task *Task) (string, error) {
		return "hello " + task.Kwargs["who"], nil
	})

	jobID, err := pool.Enqueue(context.Background(), Job{
		Func:     "echo",
		TaskName: "t-echo",
		Kwargs:   map[string]string{"who": "world"},
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if jobID == "" {
		t.Fatal("enqueue must return a job id")
	}

	status, err := pool.Fetch(context.Background(), "t-echo", 2*time.Second)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if status == nil || status.Success == nil {
		t.Fatal("job did not reach a terminal state in time")
	}
	if !*status.Success {
		t.Fatalf("job failed: %s", status.Result)
	}
	if status.Result != "hello world" {
		t.Fatalf("unexpected result %q", status.Result)
	}
	if status.Enqueued.IsZero() {
		t.Fatal("enqueued timestamp must be recorded at submission")
	}
	if status.Started.IsZero() || status.Stopped.IsZero() {
		t.Fatal("started/stopped timestamps must be recorded")
	}
	if status.Kwargs["who"] != "world" {
		t.Fatal("status must carry the job kwargs")
	}
}

func TestPoolJobErrorBecomesFailure(t *testing.T) {
	pool, cancel := startedPool(t)
	defer cancel()

	pool.Register("fail", func(ctx context.Context, task *Task) (string, error) {
		return "", errors.New("record 7 is missing")
	})
	pool.Enqueue(context.Background(), Job{Func: "fail", TaskName: "t-fail"})

	status, _ := pool.Fetch(context.Background(), "t-fail", 2*time.Second)
	if status == nil || status.Success == nil {
		t.Fatal("job did not finish")
	}
	if *status.Success {
		t.Fatal("job should have failed")
	}
	if status.Result != "record 7 is missing" {
		t.Fatalf("failure result should carry the error, got %q", status.Result)
	}
}

func TestPoolHandlerPanicIsContained(t *testing.T) {
	pool, cancel := startedPool(t)
	defer cancel()

	pool.Register("explode", func(ctx context.Context, task *Task) (string, error) {
		panic("bad index")
	})
	pool.Enqueue(context.Background(), Job{Func: "explode", TaskName: "t-panic"})

	status, _ := pool.Fetch(context.Background(), "t-panic", 2*time.Second)
	if status == nil || status.Success == nil {
		t.Fatal("panicking job did not reach a terminal state")
	}
	if *status.Success {
		t.Fatal("panicking job must be recorded as failed")
	}

	// Workers must survive: a follow-up job still executes
	pool.Register("ok", func(ctx context.Context, task *Task) (string, error) { return "fine", nil })
	pool.Enqueue(context.Background(), Job{Func: "ok", TaskName: "t-after-panic"})
	status, _ = pool.Fetch(context.Background(), "t-after-panic", 2*time.Second)
	if status == nil || status.Success == nil || !*status.Success {
		t.Fatal("pool stopped executing after a handler panic")
	}
}

func TestPoolHookInvokedWithTerminalStatus(t *testing.T) {
	pool, cancel := startedPool(t)
	defer cancel()

	pool.Register("noop", func(ctx context.Context, task *Task) (string, error) { return "done", nil })

	hooked := make(chan *Status, 1)
	pool.Enqueue(context.Background(), Job{
		Func:     "noop",
		TaskName: "t-hook",
		Hook:     func(s *Status) { hooked <- s },
	})

	select {
	case s := <-hooked:
		if s.Success == nil || !*s.Success {
			t.Fatalf("hook received non-terminal status: %+v", s)
		}
		if s.Name != "t-hook" {
			t.Fatalf("hook status name mismatch: %q", s.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hook was not invoked")
	}
}

func TestPoolHookPanicDoesNotKillWorker(t *testing.T) {
	pool, cancel := startedPool(t)
	defer cancel()

	pool.Register("noop", func(ctx context.Context, task *Task) (string, error) { return "", nil })
	pool.Enqueue(context.Background(), Job{
		Func:     "noop",
		TaskName: "t-hook-panic",
		Hook:     func(s *Status) { panic("hook bug") },
	})

	pool.Fetch(context.Background(), "t-hook-panic", 2*time.Second)

	pool.Enqueue(context.Background(), Job{Func: "noop", TaskName: "t-next"})
	status, _ := pool.Fetch(context.Background(), "t-next", 2*time.Second)
	if status == nil || status.Success == nil {
		t.Fatal("worker died after hook panic")
	}
}

func TestPoolRejectsUnknownHandler(t *testing.T) {
	pool := NewPool(1, 4)

	_, err := pool.Enqueue(context.Background(), Job{Func: "nope", TaskName: "t"})
	if err == nil {
		t.Fatal("expected error for unregistered handler")
	}
}

func TestPoolRejectsDuplicateTaskName(t *testing.T) {
	pool := NewPool(1, 4)
	pool.Register("noop", func(ctx context.Context, task *Task) (string, error) { return "", nil })

	if _, err := pool.Enqueue(context.Background(), Job{Func: "noop", TaskName: "dup"}); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if _, err := pool.Enqueue(context.Background(), Job{Func: "noop", TaskName: "dup"}); err == nil {
		t.Fatal("duplicate task name must be rejected")
	}
}

func TestPoolSaturationRollsBackStatus(t *testing.T) {
	// No workers running: channel fills up
	pool := NewPool(1, 1)
	pool.Register("noop", func(ctx context.Context, task *Task) (string, error) { return "", nil })

	if _, err := pool.Enqueue(context.Background(), Job{Func: "noop", TaskName: "t1"}); err != nil {
		t.Fatalf("first enqueue should fit: %v", err)
	}
	if _, err := pool.Enqueue(context.Background(), Job{Func: "noop", TaskName: "t2"}); err == nil {
		t.Fatal("second enqueue should hit the capacity limit")
	}

	// The rejected task must leave no status record behind
	status, _ := pool.Fetch(context.Background(), "t2", 0)
	if status != nil {
		t.Fatalf("rejected job leaked a status record: %+v", status)
	}
}

func TestPoolFetchUnknownTask(t *testing.T) {
	pool := NewPool(1, 4)

	status, err := pool.Fetch(context.Background(), "never-seen", 0)
	if err != nil {
		t.Fatalf("fetch errored: %v", err)
	}
	if status != nil {
		t.Fatalf("unknown task should fetch nil, got %+v", status)
	}
}

func TestPoolJobTimeout(t *testing.T) {
	pool, cancel := startedPool(t)
	defer cancel()

	pool.Register("slow", func(ctx context.Context, task *Task) (string, error) {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("cancelled: %w", ctx.Err())
		case <-time.After(5 * time.Second):
			return "too late", nil
		}
	})

	pool.Enqueue(context.Background(), Job{
		Func:     "slow",
		TaskName: "t-slow",
		Timeout:  50 * time.Millisecond,
	})

	status, _ := pool.Fetch(context.Background(), "t-slow", 2*time.Second)
	if status == nil || status.Success == nil {
		t.Fatal("timed-out job did not finish")
	}
	if *status.Success {
		t.Fatal("timed-out job must be recorded as failed")
	}
}

func TestPoolProbe(t *testing.T) {
	pool, cancel := startedPool(t)
	defer cancel()

	if !pool.Probe(context.Background(), 2*time.Second) {
		t.Fatal("probe should succeed on a running pool")
	}
}

func TestPoolForget(t *testing.T) {
	pool, cancel := startedPool(t)
	defer cancel()

	pool.Register("noop", func(ctx context.Context, task *Task) (string, error) { return "", nil })
	pool.Enqueue(context.Background(), Job{Func: "noop", TaskName: "t-forget"})
	pool.Fetch(context.Background(), "t-forget", 2*time.Second)

	pool.Forget("t-forget")
	if status, _ := pool.Fetch(context.Background(), "t-forget", 0); status != nil {
		t.Fatal("forgotten task should fetch nil")
	}
}
