// Copyright 2025 James Ross
package catalogqueue

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/flyingrobots/go-avito-work-queue/internal/articulum"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB answers Exec with a scripted rows-affected count per statement
// fragment. Query/QueryRow are not needed by the primitives under test.
type fakeDB struct {
	affected map[string]int64
	execs    []string
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	for fragment, n := range f.affected {
		if strings.Contains(sql, fragment) {
			if n == 1 {
				return pgconn.NewCommandTag("UPDATE 1"), nil
			}
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("unexpected Query")
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("unexpected QueryRow")
}

func TestCompleteTransitionsArticulum(t *testing.T) {
	db := &fakeDB{affected: map[string]int64{"UPDATE articulums": 1}}
	if err := Complete(context.Background(), db, 7, 42); err != nil {
		t.Fatal(err)
	}
	if len(db.execs) != 2 {
		t.Fatalf("expected task update + state transition, got %d statements", len(db.execs))
	}
	if !strings.Contains(db.execs[0], "catalog_tasks") {
		t.Fatalf("first statement must touch the task: %s", db.execs[0])
	}
}

// Complete is deliberately not idempotent: the second call finds the
// articulum no longer in CATALOG_PARSING and must surface the conflict so an
// enclosing transaction rolls back.
func TestCompleteIsNotIdempotent(t *testing.T) {
	db := &fakeDB{affected: map[string]int64{"UPDATE articulums": 0}}
	err := Complete(context.Background(), db, 7, 42)
	if err == nil {
		t.Fatal("expected state conflict")
	}
	if !errors.Is(err, articulum.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
}
