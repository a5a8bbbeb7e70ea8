// Copyright 2025 James Ross
package store

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/flyingrobots/go-avito-work-queue/internal/config"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the query surface shared by *pgxpool.Pool and pgx.Tx. Queue and state
// machine primitives take a DB so callers decide whether an operation joins an
// enclosing transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

//go:embed schema.sql
var schemaDDL string

// NewPool returns a configured pgx pool.
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pc.MaxConns = cfg.Postgres.MaxConns
	pc.MinConns = cfg.Postgres.MinConns
	pc.MaxConnIdleTime = cfg.Postgres.MaxConnIdle
	pc.ConnConfig.ConnectTimeout = cfg.Postgres.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema applies the embedded DDL. Every statement is idempotent
// (CREATE ... IF NOT EXISTS) so this is safe to run on every boot.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
