package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/doctor-cornelius/powercrud/coordinator/lifecycle"
	"github.com/doctor-cornelius/powercrud/coordinator/manager"
	"github.com/doctor-cornelius/powercrud/coordinator/middleware"
	"github.com/doctor-cornelius/powercrud/coordinator/queue"
	"github.com/doctor-cornelius/powercrud/coordinator/store"
)

func envSeconds(name string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(name); raw != "" {
		var secs int
		fmt.Sscanf(raw, "%d", &secs)
		if secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if raw := os.Getenv(name); raw != "" {
		var n int
		fmt.Sscanf(raw, "%d", &n)
		if n > 0 {
			return n
		}
	}
	return fallback
}

func main() {
	ctx := context.Background()

	// Shared cache: Redis is required, it is the coordination spine for
	// locks, progress and the active-task registry across processes.
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	cache, err := store.NewRedisStore(redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		log.Fatalf("Failed to connect to Redis (required for conflict coordination): %v", err)
	}
	log.Printf("Connected to Redis at %s", redisAddr)

	cfg := manager.DefaultConfig()
	cfg.ConflictTTL = envSeconds("PCRUD_CONFLICT_TTL_SECONDS", cfg.ConflictTTL)
	cfg.ProgressTTL = envSeconds("PCRUD_PROGRESS_TTL_SECONDS", cfg.ProgressTTL)
	cfg.CleanupGracePeriod = envSeconds("PCRUD_CLEANUP_GRACE_SECONDS", cfg.CleanupGracePeriod)
	cfg.MaxTaskDuration = envSeconds("PCRUD_MAX_TASK_SECONDS", cfg.MaxTaskDuration)
	cfg.SweepInterval = envSeconds("PCRUD_SWEEP_INTERVAL_SECONDS", cfg.SweepInterval)
	cfg.MinAsyncRecords = envInt("PCRUD_MIN_ASYNC_RECORDS", cfg.MinAsyncRecords)

	// Optional task history persistence. When a database is configured the
	// postgres emitter becomes the default for every launched task.
	var history *lifecycle.PostgresEmitter
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		history, err = lifecycle.NewPostgresEmitter(ctx, dbURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres for task history: %v", err)
		}
		defer history.Close()

		lifecycle.Register("postgres", func(map[string]string) (lifecycle.Emitter, error) {
			return history, nil
		})
		cfg.DefaultEmitter = "postgres"
		log.Printf("Task history persistence enabled (postgres)")
	}

	pool := queue.NewPool(envInt("WORKER_POOL_SIZE", 4), envInt("WORKER_QUEUE_CAPACITY", 256))
	mgr := manager.New(cache, pool, cfg)

	bulkOps := NewBulkOps(mgr, nil)
	bulkOps.Register(pool)
	pool.Start(ctx)

	// Probe before accepting traffic: bulk requests fall back to the sync
	// path when the pool cannot round-trip a job.
	asyncAvailable := pool.Probe(ctx, probeTimeout)
	mgr.SetAsyncAvailable(asyncAvailable)
	if asyncAvailable {
		log.Printf("Async backend healthy, bulk threshold %d records", cfg.MinAsyncRecords)
	} else {
		log.Printf("Async backend probe failed, bulk operations will run synchronously")
	}

	sweeper := manager.NewSweeper(mgr)
	go sweeper.Start(ctx)

	api := NewAPI(mgr, pool, bulkOps, history)
	go api.progressHub.Run(ctx)

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	http.HandleFunc("/bulk/update", api.handleBulkUpdate)
	http.HandleFunc("/bulk/delete", api.handleBulkDelete)

	http.HandleFunc("/async/progress", api.handleProgress)
	http.HandleFunc("/async/conflicts", api.handleCheckConflicts)
	http.HandleFunc("/async/tasks", api.handleActiveTasks)
	http.HandleFunc("/async/history", api.handleHistory)
	http.HandleFunc("/async/health", api.handleQueueHealth)

	http.HandleFunc("/maintenance/sweep", api.handleSweep)

	http.HandleFunc("/ws/progress", api.handleProgressStream)

	http.Handle("/metrics", promhttp.Handler())

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("PowerCRUD async coordinator listening on %s", addr)

	handler := middleware.CORS(http.DefaultServeMux)
	log.Fatal(http.ListenAndServe(addr, handler))
}
