// Copyright 2025 James Ross

// Package proxypool leases outbound network identities to workers with
// exclusive ownership. Blocking is permanent; there is no unblock path.
package proxypool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/go-avito-work-queue/internal/obs"
	"github.com/flyingrobots/go-avito-work-queue/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// MaxConsecutiveErrors is the default error budget before a proxy is
// permanently blocked.
const MaxConsecutiveErrors = 3

type Proxy struct {
	ID                int64
	Host              string
	Port              int
	Username          string
	Password          string
	ConsecutiveErrors int
}

// Addr returns host:port.
func (p *Proxy) Addr() string { return fmt.Sprintf("%s:%d", p.Host, p.Port) }

// ErrNoFreeProxy is returned by AcquireWithWait when the attempt budget runs out.
var ErrNoFreeProxy = errors.New("no free proxy available")

// Acquire leases one free, unblocked proxy for workerID. Returns (nil, nil)
// when none is available. Concurrent acquirers skip each other's locked rows.
func Acquire(ctx context.Context, pool *pgxpool.Pool, workerID string) (*Proxy, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var p Proxy
	var username, password *string
	err = tx.QueryRow(ctx, `
		SELECT id, host, port, username, password, consecutive_errors
		FROM proxies
		WHERE is_blocked = FALSE
		  AND is_in_use = FALSE
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`).Scan(&p.ID, &p.Host, &p.Port, &username, &password, &p.ConsecutiveErrors)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select free proxy: %w", err)
	}
	if username != nil {
		p.Username = *username
	}
	if password != nil {
		p.Password = *password
	}

	if _, err := tx.Exec(ctx, `
		UPDATE proxies
		SET is_in_use = TRUE,
		    worker_id = $1,
		    updated_at = NOW()
		WHERE id = $2
	`, workerID, p.ID); err != nil {
		return nil, fmt.Errorf("lease proxy: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &p, nil
}

// AcquireWithWait polls Acquire until a proxy frees up. maxAttempts <= 0 waits
// forever; interval is the fixed backoff between polls.
func AcquireWithWait(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger, workerID string, interval time.Duration, maxAttempts int) (*Proxy, error) {
	attempts := 0
	for {
		p, err := Acquire(ctx, pool, workerID)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
		attempts++
		if maxAttempts > 0 && attempts >= maxAttempts {
			return nil, fmt.Errorf("%w after %d attempts", ErrNoFreeProxy, attempts)
		}
		obs.ProxyAcquireWaits.Inc()
		log.Info("no free proxy, waiting",
			obs.String("worker_id", workerID),
			obs.Int("attempt", attempts))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Release returns the proxy to the pool without blocking it. Blocked proxies
// are left untouched.
func Release(ctx context.Context, db store.DB, proxyID int64) error {
	if proxyID == 0 {
		return nil
	}
	_, err := db.Exec(ctx, `
		UPDATE proxies
		SET is_in_use = FALSE,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND is_blocked = FALSE
	`, proxyID)
	return err
}

// ReleaseByWorker frees every proxy held by workerID. The heartbeat checker
// runs the same update inside its own reaping transaction rather than
// calling this function.
func ReleaseByWorker(ctx context.Context, db store.DB, workerID string) error {
	_, err := db.Exec(ctx, `
		UPDATE proxies
		SET is_in_use = FALSE,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE worker_id = $1
	`, workerID)
	return err
}

// Block permanently takes the proxy out of rotation and releases ownership.
func Block(ctx context.Context, db store.DB, log *zap.Logger, proxyID int64, reason string) error {
	if proxyID == 0 {
		return nil
	}
	_, err := db.Exec(ctx, `
		UPDATE proxies
		SET is_blocked = TRUE,
		    is_in_use = FALSE,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, proxyID)
	if err != nil {
		return err
	}
	obs.ProxiesBlocked.Inc()
	log.Warn("proxy permanently blocked",
		obs.Int64("proxy_id", proxyID),
		obs.String("reason", reason))
	return nil
}

// IncrementError bumps the consecutive-error counter atomically. At
// maxErrors the proxy is permanently blocked; below it the proxy is released
// back to the pool. Returns the new counter value.
func IncrementError(ctx context.Context, db store.DB, log *zap.Logger, proxyID int64, maxErrors int, description string) (int, error) {
	if proxyID == 0 {
		return 0, nil
	}
	if maxErrors <= 0 {
		maxErrors = MaxConsecutiveErrors
	}
	var newErrors int
	var blocked bool
	err := db.QueryRow(ctx, `
		UPDATE proxies
		SET consecutive_errors = consecutive_errors + 1,
		    is_blocked = is_blocked OR consecutive_errors + 1 >= $2,
		    is_in_use = FALSE,
		    worker_id = NULL,
		    last_error_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_errors, is_blocked
	`, proxyID, maxErrors).Scan(&newErrors, &blocked)
	if err != nil {
		return 0, fmt.Errorf("increment proxy error: %w", err)
	}
	if blocked {
		obs.ProxiesBlocked.Inc()
		log.Warn("proxy blocked after consecutive errors",
			obs.Int64("proxy_id", proxyID),
			obs.Int("errors", newErrors),
			obs.String("description", description))
	} else {
		log.Info("proxy transient error",
			obs.Int64("proxy_id", proxyID),
			obs.Int("errors", newErrors),
			obs.String("description", description))
	}
	return newErrors, nil
}

// ResetErrorCounter clears the consecutive-error budget after a confirmed
// success.
func ResetErrorCounter(ctx context.Context, db store.DB, proxyID int64) error {
	if proxyID == 0 {
		return nil
	}
	_, err := db.Exec(ctx, `
		UPDATE proxies
		SET consecutive_errors = 0,
		    updated_at = NOW()
		WHERE id = $1
	`, proxyID)
	return err
}

type Stats struct {
	Total     int64 `json:"total"`
	Blocked   int64 `json:"blocked"`
	InUse     int64 `json:"in_use"`
	Available int64 `json:"available"`
}

// PoolStats returns aggregate proxy counts.
func PoolStats(ctx context.Context, db store.DB) (Stats, error) {
	var s Stats
	err := db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_blocked),
		       COUNT(*) FILTER (WHERE is_in_use),
		       COUNT(*) FILTER (WHERE NOT is_blocked AND NOT is_in_use)
		FROM proxies
	`).Scan(&s.Total, &s.Blocked, &s.InUse, &s.Available)
	return s, err
}
