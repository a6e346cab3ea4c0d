package lifecycle

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresEmitter persists lifecycle events as task history rows, so a
// dashboard can show past bulk operations after cache keys expire.
//
// Expected schema:
//
//	CREATE TABLE IF NOT EXISTS async_task_events (
//	    id               BIGSERIAL PRIMARY KEY,
//	    task_name        TEXT NOT NULL,
//	    event            TEXT NOT NULL,
//	    status           TEXT,
//	    message          TEXT,
//	    username         TEXT,
//	    affected_objects TEXT,
//	    result           TEXT,
//	    created_at       TIMESTAMPTZ NOT NULL
//	);
type PostgresEmitter struct {
	pool *pgxpool.Pool
}

// NewPostgresEmitter initializes a PostgresEmitter with a connection pool.
func NewPostgresEmitter(ctx context.Context, connString string) (*PostgresEmitter, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresEmitter{pool: pool}, nil
}

// Close closes the connection pool.
func (e *PostgresEmitter) Close() {
	e.pool.Close()
}

func (e *PostgresEmitter) OnEvent(ctx context.Context, ev Event) error {
	query := `
		INSERT INTO async_task_events (task_name, event, status, message, username, affected_objects, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := e.pool.Exec(ctx, query,
		ev.TaskName, ev.Event, ev.Status, ev.Message, ev.User, ev.AffectedObjects, ev.Result, ts,
	)
	return err
}

// History returns the most recent events for a task, newest first.
func (e *PostgresEmitter) History(ctx context.Context, taskName string, limit int) ([]Event, error) {
	query := `
		SELECT task_name, event, status, message, username, affected_objects, result, created_at
		FROM async_task_events
		WHERE task_name = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := e.pool.Query(ctx, query, taskName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(
			&ev.TaskName, &ev.Event, &ev.Status, &ev.Message, &ev.User,
			&ev.AffectedObjects, &ev.Result, &ev.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
