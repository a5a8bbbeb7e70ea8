// Copyright 2025 James Ross

// Package admin serves the operational CLI: aggregate stats, queue peeks,
// stuck-task requeue and guarded purges, all straight against Postgres.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/go-avito-work-queue/internal/proxypool"
	"github.com/flyingrobots/go-avito-work-queue/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
)

type StatsResult struct {
	Articulums   map[string]int64 `json:"articulums"`
	CatalogTasks map[string]int64 `json:"catalog_tasks"`
	ObjectTasks  map[string]int64 `json:"object_tasks"`
	Proxies      proxypool.Stats  `json:"proxies"`
	Listings     int64            `json:"catalog_listings"`
	ObjectRows   int64            `json:"object_data_rows"`
}

// Stats aggregates per-state articulum counts, per-status task counts and
// proxy pool occupancy.
func Stats(ctx context.Context, db store.DB) (StatsResult, error) {
	res := StatsResult{
		Articulums:   map[string]int64{},
		CatalogTasks: map[string]int64{},
		ObjectTasks:  map[string]int64{},
	}

	if err := countsInto(ctx, db, `SELECT state, COUNT(*) FROM articulums GROUP BY state`, res.Articulums); err != nil {
		return res, err
	}
	if err := countsInto(ctx, db, `SELECT status, COUNT(*) FROM catalog_tasks GROUP BY status`, res.CatalogTasks); err != nil {
		return res, err
	}
	if err := countsInto(ctx, db, `SELECT status, COUNT(*) FROM object_tasks GROUP BY status`, res.ObjectTasks); err != nil {
		return res, err
	}

	var err error
	if res.Proxies, err = proxypool.PoolStats(ctx, db); err != nil {
		return res, err
	}
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM catalog_listings`).Scan(&res.Listings); err != nil {
		return res, err
	}
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM object_data`).Scan(&res.ObjectRows); err != nil {
		return res, err
	}
	return res, nil
}

func countsInto(ctx context.Context, db store.DB, query string, out map[string]int64) error {
	rows, err := db.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		out[key] = n
	}
	return rows.Err()
}

type PeekItem struct {
	TaskID      int64     `json:"task_id"`
	ArticulumID int64     `json:"articulum_id"`
	Articulum   string    `json:"articulum"`
	ItemID      string    `json:"item_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type PeekResult struct {
	Queue string     `json:"queue"`
	Items []PeekItem `json:"items"`
}

// Peek lists the next n pending tasks in claim order.
func Peek(ctx context.Context, db store.DB, queue string, n int) (PeekResult, error) {
	if n <= 0 {
		n = 10
	}
	res := PeekResult{Queue: queue}

	var query string
	switch queue {
	case "catalog":
		query = `
			SELECT ct.id, ct.articulum_id, a.articulum, '', ct.created_at
			FROM catalog_tasks ct JOIN articulums a ON a.id = ct.articulum_id
			WHERE ct.status = 'pending'
			ORDER BY ct.created_at ASC LIMIT $1`
	case "object":
		query = `
			SELECT ot.id, ot.articulum_id, a.articulum, ot.avito_item_id, ot.created_at
			FROM object_tasks ot JOIN articulums a ON a.id = ot.articulum_id
			WHERE ot.status = 'pending'
			ORDER BY ot.created_at ASC LIMIT $1`
	default:
		return res, fmt.Errorf("unknown queue %q (want catalog|object)", queue)
	}

	rows, err := db.Query(ctx, query, n)
	if err != nil {
		return res, err
	}
	defer rows.Close()
	for rows.Next() {
		var it PeekItem
		if err := rows.Scan(&it.TaskID, &it.ArticulumID, &it.Articulum, &it.ItemID, &it.CreatedAt); err != nil {
			return res, err
		}
		res.Items = append(res.Items, it)
	}
	return res, rows.Err()
}

// RequeueStuck force-returns every processing task (and the proxies of their
// workers) regardless of heartbeat age. Operational hammer for a wedged
// fleet; the regular path is the heartbeat checker.
func RequeueStuck(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE proxies SET is_in_use = FALSE, worker_id = NULL, updated_at = NOW()
		WHERE worker_id IN (
			SELECT worker_id FROM catalog_tasks WHERE status = 'processing' AND worker_id IS NOT NULL
			UNION
			SELECT worker_id FROM object_tasks WHERE status = 'processing' AND worker_id IS NOT NULL
		)
	`); err != nil {
		return 0, err
	}

	total := 0
	for _, table := range []string{"catalog_tasks", "object_tasks"} {
		tag, err := tx.Exec(ctx, `
			UPDATE `+table+` SET status = 'pending', worker_id = NULL, updated_at = NOW()
			WHERE status = 'processing'
		`)
		if err != nil {
			return 0, err
		}
		total += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

// ErrConfirmationRequired guards destructive commands behind --yes.
var ErrConfirmationRequired = errors.New("refusing destructive operation without confirmation")

// PurgeScrapeData truncates listings, audit rows and detail rows, leaving
// articulums, tasks and proxies intact.
func PurgeScrapeData(ctx context.Context, db store.DB, confirmed bool) error {
	if !confirmed {
		return ErrConfirmationRequired
	}
	_, err := db.Exec(ctx, `TRUNCATE catalog_listings, validation_results, object_data, object_images`)
	return err
}
