// Copyright 2025 James Ross

// Package reaper is the heartbeat checker: it returns tasks whose worker
// stopped stamping heartbeat_at to the pending queue and frees the dead
// worker's proxy. It does not change articulum state: a catalog task it
// requeues keeps its articulum in CATALOG_PARSING, and catalog Acquire
// selects only tasks whose articulum is NEW.
package reaper

import (
	"context"
	"time"

	"github.com/flyingrobots/go-avito-work-queue/internal/config"
	"github.com/flyingrobots/go-avito-work-queue/internal/obs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type Reaper struct {
	cfg  *config.Config
	pool *pgxpool.Pool
	log  *zap.Logger
}

func New(cfg *config.Config, pool *pgxpool.Pool, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, pool: pool, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	r.log.Info("heartbeat checker started",
		obs.String("interval", r.cfg.Worker.HeartbeatCheckInterval.String()),
		obs.String("timeout", r.cfg.Worker.HeartbeatTimeout.String()))
	ticker := time.NewTicker(r.cfg.Worker.HeartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered := r.scanOnce(ctx)
			if recovered > 0 {
				r.log.Info("expired tasks requeued", obs.Int("count", recovered))
			}
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) int {
	total := 0
	for _, table := range []string{"catalog_tasks", "object_tasks"} {
		n, err := r.reapTable(ctx, table)
		if err != nil {
			r.log.Warn("heartbeat scan failed", obs.String("table", table), obs.Err(err))
			continue
		}
		total += n
	}
	return total
}

// reapTable requeues every processing row whose heartbeat is older than the
// timeout. Per task, the proxy release and the task reset share one
// transaction, proxy first, so another worker cannot claim the task while
// the dead worker's proxy is still marked in use.
func (r *Reaper) reapTable(ctx context.Context, table string) (int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, worker_id, articulum_id
		FROM `+table+`
		WHERE status = 'processing'
		  AND heartbeat_at < NOW() - $1::interval
	`, r.cfg.Worker.HeartbeatTimeout.String())
	if err != nil {
		return 0, err
	}

	type expired struct {
		id          int64
		workerID    *string
		articulumID int64
	}
	var tasks []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.workerID, &e.articulumID); err != nil {
			rows.Close()
			return 0, err
		}
		tasks = append(tasks, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	recovered := 0
	for _, t := range tasks {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return recovered, err
		}

		if t.workerID != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE proxies
				SET is_in_use = FALSE,
				    worker_id = NULL,
				    updated_at = NOW()
				WHERE worker_id = $1
			`, *t.workerID); err != nil {
				_ = tx.Rollback(ctx)
				return recovered, err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE `+table+`
			SET status = 'pending',
			    worker_id = NULL,
			    updated_at = NOW()
			WHERE id = $1
		`, t.id); err != nil {
			_ = tx.Rollback(ctx)
			return recovered, err
		}

		if err := tx.Commit(ctx); err != nil {
			return recovered, err
		}

		obs.ReaperRecovered.Inc()
		workerID := ""
		if t.workerID != nil {
			workerID = *t.workerID
		}
		r.log.Warn("requeued abandoned task",
			obs.String("table", table),
			obs.Int64("task_id", t.id),
			obs.Int64("articulum_id", t.articulumID),
			obs.String("worker_id", workerID))
		recovered++
	}
	return recovered, nil
}
