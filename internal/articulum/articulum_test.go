// Copyright 2025 James Ross
package articulum

import (
	"context"
	"errors"
	"testing"
)

// Transition validates states before touching the database, so a nil DB is
// enough to exercise the guards.

func TestTerminalStates(t *testing.T) {
	if !Terminal(StateObjectParsing) || !Terminal(StateRejectedByMinCount) {
		t.Fatal("OBJECT_PARSING and REJECTED_BY_MIN_COUNT are terminal")
	}
	for _, s := range []State{StateNew, StateCatalogParsing, StateCatalogParsed, StateValidating, StateValidated} {
		if Terminal(s) {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}

func TestTransitionFromTerminalIsProgrammerError(t *testing.T) {
	for _, from := range []State{StateObjectParsing, StateRejectedByMinCount} {
		_, err := Transition(context.Background(), nil, 1, from, StateNew)
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Fatalf("transition from %s: expected InvalidTransitionError, got %v", from, err)
		}
	}
}

func TestTransitionUnknownState(t *testing.T) {
	_, err := Transition(context.Background(), nil, 1, State("LIMBO"), StateNew)
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	_, err = Transition(context.Background(), nil, 1, StateNew, State("LIMBO"))
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

// The legal walk through the lifecycle, including the recovery edge.
func TestStateGraphEdges(t *testing.T) {
	edges := []struct{ from, to State }{
		{StateNew, StateCatalogParsing},
		{StateCatalogParsing, StateCatalogParsed},
		{StateCatalogParsed, StateValidating},
		{StateValidating, StateValidated},
		{StateValidating, StateRejectedByMinCount},
		{StateValidating, StateCatalogParsed}, // AI outage recovery
		{StateValidated, StateObjectParsing},
	}
	for _, e := range edges {
		if Terminal(e.from) {
			t.Fatalf("edge %s->%s starts in a terminal state", e.from, e.to)
		}
		if !known(e.from) || !known(e.to) {
			t.Fatalf("edge %s->%s names an unknown state", e.from, e.to)
		}
	}
}
