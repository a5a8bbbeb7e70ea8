// Copyright 2025 James Ross

// Package objectqueue is the persistent queue of per-listing detail scrape
// jobs. Acquisition is gated by a fleet-wide concurrency cap enforced under a
// Postgres advisory lock.
package objectqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/flyingrobots/go-avito-work-queue/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusInvalid    Status = "invalid"
)

// advisoryLockKey serializes object-task acquirers during the global cap
// check. Key 2 = object queue.
const advisoryLockKey = 2

type Task struct {
	ID          int64
	ArticulumID int64
	AvitoItemID string
	Articulum   string
	Status      Status
}

// CreateForArticulum materializes object tasks for every listing of the
// articulum that passed all required validation stages. The required set is
// {price_filter, mechanical}, plus ai iff any ai audit rows exist for the
// articulum. The (articulum_id, avito_item_id) uniqueness guard makes the
// call idempotent. Returns the number of tasks created.
func CreateForArticulum(ctx context.Context, db store.DB, articulumID int64) (int, error) {
	rows, err := db.Query(ctx, `
		SELECT DISTINCT validation_type
		FROM validation_results
		WHERE articulum_id = $1
		ORDER BY validation_type
	`, articulumID)
	if err != nil {
		return 0, fmt.Errorf("list validation types: %w", err)
	}
	seen := map[string]bool{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return 0, err
		}
		seen[t] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	required := []string{"mechanical", "price_filter"}
	if seen["ai"] {
		required = []string{"ai", "mechanical", "price_filter"}
	}

	var created int
	err = db.QueryRow(ctx, `
		WITH validated_items AS (
		    SELECT vr.avito_item_id
		    FROM validation_results vr
		    WHERE vr.articulum_id = $1
		      AND vr.passed = TRUE
		    GROUP BY vr.avito_item_id
		    HAVING COUNT(DISTINCT vr.validation_type) = $3
		       AND ARRAY_AGG(DISTINCT vr.validation_type ORDER BY vr.validation_type) = $4::text[]
		),
		new_tasks AS (
		    INSERT INTO object_tasks (articulum_id, avito_item_id, status)
		    SELECT $1, vi.avito_item_id, $2
		    FROM validated_items vi
		    WHERE NOT EXISTS (
		        SELECT 1
		        FROM object_tasks ot
		        WHERE ot.articulum_id = $1
		          AND ot.avito_item_id = vi.avito_item_id
		    )
		    RETURNING 1
		)
		SELECT COUNT(*) FROM new_tasks
	`, articulumID, StatusPending, len(required), required).Scan(&created)
	if err != nil {
		return 0, fmt.Errorf("create object tasks: %w", err)
	}
	return created, nil
}

// Acquire claims the oldest pending object task, provided the number of
// in-flight tasks across the whole fleet is below maxWorkers. A transaction
// -scoped advisory lock serializes the count-then-claim sequence; the lock is
// held only for the claim, not the task.
func Acquire(ctx context.Context, pool *pgxpool.Pool, workerID string, maxWorkers int) (*Task, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey); err != nil {
		return nil, fmt.Errorf("object queue advisory lock: %w", err)
	}

	var active int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM object_tasks WHERE status = $1
	`, StatusProcessing).Scan(&active); err != nil {
		return nil, fmt.Errorf("count processing object tasks: %w", err)
	}
	if active >= maxWorkers {
		return nil, nil
	}

	var t Task
	err = tx.QueryRow(ctx, `
		SELECT ot.id, ot.articulum_id, ot.avito_item_id, a.articulum
		FROM object_tasks ot
		JOIN articulums a ON a.id = ot.articulum_id
		WHERE ot.status = $1
		ORDER BY ot.created_at ASC
		LIMIT 1
		FOR UPDATE OF ot SKIP LOCKED
	`, StatusPending).Scan(&t.ID, &t.ArticulumID, &t.AvitoItemID, &t.Articulum)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select object task: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE object_tasks
		SET status = $1,
		    worker_id = $2,
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $3
	`, StatusProcessing, workerID, t.ID); err != nil {
		return nil, fmt.Errorf("mark object task processing: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	t.Status = StatusProcessing
	return &t, nil
}

// Complete marks the task done. The articulum stays in OBJECT_PARSING.
func Complete(ctx context.Context, db store.DB, taskID int64) error {
	return setStatus(ctx, db, taskID, StatusCompleted)
}

// Fail marks the task as a diagnostic terminal.
func Fail(ctx context.Context, db store.DB, taskID int64, reason string) error {
	return setStatus(ctx, db, taskID, StatusFailed)
}

// Invalidate marks the task invalid: the listing was removed by the
// marketplace. The articulum is unaffected.
func Invalidate(ctx context.Context, db store.DB, taskID int64, reason string) error {
	return setStatus(ctx, db, taskID, StatusInvalid)
}

func setStatus(ctx context.Context, db store.DB, taskID int64, s Status) error {
	_, err := db.Exec(ctx, `
		UPDATE object_tasks
		SET status = $1,
		    updated_at = NOW()
		WHERE id = $2
	`, s, taskID)
	return err
}

// ReturnToQueue puts the task back to pending and clears ownership.
func ReturnToQueue(ctx context.Context, db store.DB, taskID int64) error {
	_, err := db.Exec(ctx, `
		UPDATE object_tasks
		SET status = $1,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE id = $2
	`, StatusPending, taskID)
	return err
}

// UpdateHeartbeat refreshes the liveness stamp of an in-flight task.
func UpdateHeartbeat(ctx context.Context, db store.DB, taskID int64) error {
	_, err := db.Exec(ctx, `
		UPDATE object_tasks
		SET heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`, taskID)
	return err
}
