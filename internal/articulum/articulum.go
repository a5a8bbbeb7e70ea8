// Copyright 2025 James Ross

// Package articulum owns the articulum lifecycle. Every state write in the
// system goes through Transition, a compare-and-swap conditional update,
// except the validation worker's claim, which moves CATALOG_PARSED to
// VALIDATING with its own single UPDATE ... RETURNING.
package articulum

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/go-avito-work-queue/internal/store"
)

type State string

const (
	StateNew                State = "NEW"
	StateCatalogParsing     State = "CATALOG_PARSING"
	StateCatalogParsed      State = "CATALOG_PARSED"
	StateValidating         State = "VALIDATING"
	StateValidated          State = "VALIDATED"
	StateObjectParsing      State = "OBJECT_PARSING"
	StateRejectedByMinCount State = "REJECTED_BY_MIN_COUNT"
)

// AllStates lists every legal state value.
var AllStates = []State{
	StateNew, StateCatalogParsing, StateCatalogParsed,
	StateValidating, StateValidated, StateObjectParsing,
	StateRejectedByMinCount,
}

// Terminal reports whether s accepts no further transitions.
func Terminal(s State) bool {
	return s == StateObjectParsing || s == StateRejectedByMinCount
}

func known(s State) bool {
	for _, k := range AllStates {
		if k == s {
			return true
		}
	}
	return false
}

// ErrStateConflict is returned by operations whose conditional update matched
// no row: the articulum was concurrently moved to a different state. Callers
// inside a transaction should roll back; callers in acquire paths treat it as
// a benign race.
var ErrStateConflict = errors.New("articulum not in expected state")

// InvalidTransitionError marks a programmer error: a transition that the state
// graph forbids statically. It never reaches the database.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid articulum transition %s -> %s", e.From, e.To)
}

type Articulum struct {
	ID             int64
	Articulum      string
	State          State
	StateUpdatedAt time.Time
	CreatedAt      time.Time
}

// Transition atomically moves one articulum from -> to. Returns true when the
// row was updated, false when the articulum was already in another state.
// Unknown states and transitions out of terminal states error before any SQL
// runs.
func Transition(ctx context.Context, db store.DB, id int64, from, to State) (bool, error) {
	if !known(from) || !known(to) {
		return false, &InvalidTransitionError{From: from, To: to}
	}
	if Terminal(from) {
		return false, &InvalidTransitionError{From: from, To: to}
	}
	tag, err := db.Exec(ctx, `
		UPDATE articulums
		SET state = $2,
		    state_updated_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND state = $3
	`, id, to, from)
	if err != nil {
		return false, fmt.Errorf("transition %s->%s: %w", from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ToCatalogParsing performs NEW -> CATALOG_PARSING. Called when a worker
// claims the articulum's catalog task.
func ToCatalogParsing(ctx context.Context, db store.DB, id int64) (bool, error) {
	return Transition(ctx, db, id, StateNew, StateCatalogParsing)
}

// ToCatalogParsed performs CATALOG_PARSING -> CATALOG_PARSED. The articulum is
// then eligible for validation.
func ToCatalogParsed(ctx context.Context, db store.DB, id int64) (bool, error) {
	return Transition(ctx, db, id, StateCatalogParsing, StateCatalogParsed)
}

// ToValidating performs CATALOG_PARSED -> VALIDATING. A false return means
// another validator claimed the articulum first.
func ToValidating(ctx context.Context, db store.DB, id int64) (bool, error) {
	return Transition(ctx, db, id, StateCatalogParsed, StateValidating)
}

// ToValidated performs VALIDATING -> VALIDATED.
func ToValidated(ctx context.Context, db store.DB, id int64) (bool, error) {
	return Transition(ctx, db, id, StateValidating, StateValidated)
}

// ToObjectParsing performs VALIDATED -> OBJECT_PARSING (terminal). Happens
// lazily when the first object task for the articulum is claimed.
func ToObjectParsing(ctx context.Context, db store.DB, id int64) (bool, error) {
	return Transition(ctx, db, id, StateValidated, StateObjectParsing)
}

// Reject performs VALIDATING -> REJECTED_BY_MIN_COUNT (terminal).
func Reject(ctx context.Context, db store.DB, id int64) (bool, error) {
	return Transition(ctx, db, id, StateValidating, StateRejectedByMinCount)
}

// RollbackToCatalogParsed performs VALIDATING -> CATALOG_PARSED. Recovery edge
// used only when the AI collaborator is unavailable, so another validator can
// retry the articulum.
func RollbackToCatalogParsed(ctx context.Context, db store.DB, id int64) (bool, error) {
	return Transition(ctx, db, id, StateValidating, StateCatalogParsed)
}

// GetState returns the current state of one articulum.
func GetState(ctx context.Context, db store.DB, id int64) (State, error) {
	var s State
	err := db.QueryRow(ctx, `SELECT state FROM articulums WHERE id = $1`, id).Scan(&s)
	if err != nil {
		return "", fmt.Errorf("get articulum state: %w", err)
	}
	return s, nil
}

// ListByState returns articulums in the given state ordered by creation time.
// limit <= 0 means no limit.
func ListByState(ctx context.Context, db store.DB, s State, limit int) ([]Articulum, error) {
	if !known(s) {
		return nil, fmt.Errorf("unknown articulum state %q", s)
	}
	q := `SELECT id, articulum, state, state_updated_at, created_at FROM articulums WHERE state = $1 ORDER BY created_at ASC`
	args := []any{s}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list articulums by state: %w", err)
	}
	defer rows.Close()

	var out []Articulum
	for rows.Next() {
		var a Articulum
		if err := rows.Scan(&a.ID, &a.Articulum, &a.State, &a.StateUpdatedAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
