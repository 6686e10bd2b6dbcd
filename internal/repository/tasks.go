package repository

import (
	"context"
	"database/sql"
	"time"
)

type TaskStatus string

const (
	TaskStatusCreated        TaskStatus = "CREATED"
	TaskStatusProcessing     TaskStatus = "PROCESSING"
	TaskStatusFailed         TaskStatus = "FAILED"
	TaskStatusNoAttemptsLeft TaskStatus = "NO_ATTEMPTS_LEFT"
)

// Task is an outbox row: one domain event waiting to be relayed to Kafka.
type Task struct {
	ID            int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	FinishedAt    sql.NullTime
	EventKey      string
	Payload       []byte
	Status        TaskStatus
	AttemptCount  int
	NextAttemptAt sql.NullTime
}

type TaskRepository interface {
	CreateTask(ctx context.Context, key string, payload []byte) error
	ClaimPendingTasks(ctx context.Context, limit, maxAttempts int, lease time.Duration) ([]*Task, error)
	DeleteTask(ctx context.Context, taskID int64) error
	UpdateTaskFailure(ctx context.Context, taskID int64, attemptCount int, newStatus TaskStatus, nextAttemptAt time.Time) error
}

type PostgresTaskRepository struct {
	db *sql.DB
}

func NewPostgresTaskRepository(db *sql.DB) *PostgresTaskRepository {
	return &PostgresTaskRepository{db: db}
}

func (r *PostgresTaskRepository) CreateTask(ctx context.Context, key string, payload []byte) error {
	query := `
		INSERT INTO tasks (created_at, updated_at, event_key, payload, status, attempt_count)
		VALUES (NOW(), NOW(), $1, $2, $3, 0)
	`
	_, err := r.db.ExecContext(ctx, query, key, payload, TaskStatusCreated)
	return mapErr("create task", err)
}

// ClaimPendingTasks moves up to limit due tasks to PROCESSING in a single
// statement and returns them. Rows another relay holds are skipped. A task left
// in PROCESSING longer than lease is due again.
func (r *PostgresTaskRepository) ClaimPendingTasks(ctx context.Context, limit, maxAttempts int, lease time.Duration) ([]*Task, error) {
	query := `
		WITH claimed AS (
			UPDATE tasks SET status = $1, updated_at = NOW()
			WHERE id IN (
				SELECT id FROM tasks
				WHERE attempt_count < $4
				  AND ((status IN ($2, $3) AND (next_attempt_at IS NULL OR next_attempt_at <= NOW()))
				    OR (status = $1 AND updated_at <= NOW() - make_interval(secs => $5)))
				ORDER BY created_at, id
				LIMIT $6
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, created_at, updated_at, finished_at, event_key, payload, status, attempt_count, next_attempt_at
		)
		SELECT id, created_at, updated_at, finished_at, event_key, payload, status, attempt_count, next_attempt_at
		FROM claimed
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, TaskStatusProcessing, TaskStatusCreated, TaskStatusFailed,
		maxAttempts, lease.Seconds(), limit)
	if err != nil {
		return nil, mapErr("claim pending tasks", err)
	}
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		t := &Task{}
		if err := rows.Scan(&t.ID, &t.CreatedAt,
			&t.UpdatedAt, &t.FinishedAt,
			&t.EventKey, &t.Payload, &t.Status,
			&t.AttemptCount, &t.NextAttemptAt); err != nil {
			return nil, mapErr("scan task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("claim pending tasks", err)
	}
	return tasks, nil
}

func (r *PostgresTaskRepository) DeleteTask(ctx context.Context, taskID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	return mapErr("delete task", err)
}

func (r *PostgresTaskRepository) UpdateTaskFailure(ctx context.Context, taskID int64, attemptCount int, newStatus TaskStatus, nextAttemptAt time.Time) error {
	query := `
		UPDATE tasks
		SET status = $1, attempt_count = $2, updated_at = NOW(), next_attempt_at = $3,
		    finished_at = CASE WHEN $1 = $5 THEN NOW() ELSE NULL END
		WHERE id = $4
	`
	_, err := r.db.ExecContext(ctx, query, newStatus, attemptCount, nextAttemptAt, taskID, TaskStatusNoAttemptsLeft)
	return mapErr("update task failure", err)
}
