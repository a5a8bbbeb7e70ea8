// Copyright 2025 James Ross

// Package catalogqueue is the persistent queue of per-articulum catalog
// scrape jobs. Rows are never deleted; terminal statuses preserve history.
package catalogqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/flyingrobots/go-avito-work-queue/internal/articulum"
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

type Task struct {
	ID             int64
	ArticulumID    int64
	Articulum      string
	Status         Status
	CheckpointPage int
}

// Enqueue inserts a pending task for the articulum. The articulum state is
// deliberately left at NEW: the NEW->CATALOG_PARSING transition happens at
// claim time, so a supervisor crash between enqueue and claim cannot orphan
// the articulum.
func Enqueue(ctx context.Context, db store.DB, articulumID int64) (int64, error) {
	var id int64
	err := db.QueryRow(ctx, `
		INSERT INTO catalog_tasks (articulum_id, status, checkpoint_page)
		VALUES ($1, $2, 1)
		RETURNING id
	`, articulumID, StatusPending).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue catalog task: %w", err)
	}
	return id, nil
}

// EnqueueForNewArticulums creates one pending task per NEW articulum that
// does not yet have an open task. Boot-time seeding.
func EnqueueForNewArticulums(ctx context.Context, db store.DB) (int, error) {
	tag, err := db.Exec(ctx, `
		INSERT INTO catalog_tasks (articulum_id, status, checkpoint_page)
		SELECT a.id, $1, 1
		FROM articulums a
		WHERE a.state = $2
		  AND NOT EXISTS (
		      SELECT 1 FROM catalog_tasks ct
		      WHERE ct.articulum_id = a.id
		        AND ct.status IN ($1, $3)
		  )
		ORDER BY a.created_at ASC
	`, StatusPending, articulum.StateNew, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("seed catalog tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Acquire claims the oldest pending task whose articulum is still NEW.
// Within one transaction: the task row is locked with SKIP LOCKED, the
// articulum is moved NEW->CATALOG_PARSING, and the task is stamped
// processing/worker/heartbeat. A lost state race rolls everything back and
// returns (nil, nil).
func Acquire(ctx context.Context, pool *pgxpool.Pool, workerID string) (*Task, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var t Task
	err = tx.QueryRow(ctx, `
		SELECT ct.id, ct.articulum_id, ct.checkpoint_page, a.articulum
		FROM catalog_tasks ct
		JOIN articulums a ON a.id = ct.articulum_id
		WHERE ct.status = $1 AND a.state = $2
		ORDER BY ct.created_at ASC
		LIMIT 1
		FOR UPDATE OF ct SKIP LOCKED
	`, StatusPending, articulum.StateNew).Scan(&t.ID, &t.ArticulumID, &t.CheckpointPage, &t.Articulum)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select catalog task: %w", err)
	}

	ok, err := articulum.ToCatalogParsing(ctx, tx, t.ArticulumID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another worker moved the articulum first; benign race.
		return nil, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE catalog_tasks
		SET status = $1,
		    worker_id = $2,
		    heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $3
	`, StatusProcessing, workerID, t.ID); err != nil {
		return nil, fmt.Errorf("mark catalog task processing: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	t.Status = StatusProcessing
	return &t, nil
}

// Complete marks the task completed and moves the articulum
// CATALOG_PARSING->CATALOG_PARSED. Designed to run inside the caller's
// transaction alongside the listing inserts: a failed state precondition
// returns articulum.ErrStateConflict so the whole transaction rolls back.
func Complete(ctx context.Context, db store.DB, taskID, articulumID int64) error {
	if _, err := db.Exec(ctx, `
		UPDATE catalog_tasks
		SET status = $1,
		    updated_at = NOW()
		WHERE id = $2
	`, StatusCompleted, taskID); err != nil {
		return fmt.Errorf("complete catalog task: %w", err)
	}
	ok, err := articulum.ToCatalogParsed(ctx, db, articulumID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("complete catalog task #%d: articulum #%d: %w",
			taskID, articulumID, articulum.ErrStateConflict)
	}
	return nil
}

// Fail marks the task as a diagnostic terminal. The articulum state is left
// untouched.
func Fail(ctx context.Context, db store.DB, taskID int64, reason string) error {
	return setTerminal(ctx, db, taskID, StatusFailed)
}

// Invalidate marks the task invalid. The articulum state is left untouched.
func Invalidate(ctx context.Context, db store.DB, taskID int64, reason string) error {
	return setTerminal(ctx, db, taskID, StatusInvalid)
}

func setTerminal(ctx context.Context, db store.DB, taskID int64, s Status) error {
	_, err := db.Exec(ctx, `
		UPDATE catalog_tasks
		SET status = $1,
		    updated_at = NOW()
		WHERE id = $2
	`, s, taskID)
	return err
}

// ReturnToQueue puts the task back to pending and clears ownership. The
// articulum stays in CATALOG_PARSING. Acquire selects only tasks whose
// articulum is NEW, so the returned task is not claimed again; the heartbeat
// checker resets only processing rows and does not change articulum state
// either, so no code path moves this articulum back. See DESIGN.md.
func ReturnToQueue(ctx context.Context, db store.DB, taskID int64) error {
	_, err := db.Exec(ctx, `
		UPDATE catalog_tasks
		SET status = $1,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE id = $2
	`, StatusPending, taskID)
	return err
}

// UpdateCheckpoint stores the page the parser should resume from.
func UpdateCheckpoint(ctx context.Context, db store.DB, taskID int64, page int) error {
	_, err := db.Exec(ctx, `
		UPDATE catalog_tasks
		SET checkpoint_page = $1,
		    updated_at = NOW()
		WHERE id = $2
	`, page, taskID)
	return err
}

// UpdateHeartbeat refreshes the liveness stamp of an in-flight task.
func UpdateHeartbeat(ctx context.Context, db store.DB, taskID int64) error {
	_, err := db.Exec(ctx, `
		UPDATE catalog_tasks
		SET heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`, taskID)
	return err
}

// IncrementWrongPageCount bumps a cumulative diagnostic counter for pages the
// parser could not classify. Returns the new value.
func IncrementWrongPageCount(ctx context.Context, db store.DB, taskID int64) (int, error) {
	var n int
	err := db.QueryRow(ctx, `
		UPDATE catalog_tasks
		SET wrong_page_count = wrong_page_count + 1,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING wrong_page_count
	`, taskID).Scan(&n)
	return n, err
}
