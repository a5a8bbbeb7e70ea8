// Copyright 2025 James Ross
package ai

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

type stubProvider struct {
	res    *Result
	err    error
	calls  int
	closed bool
}

func (s *stubProvider) Validate(ctx context.Context, articulum string, items []Listing, useImages bool) (*Result, error) {
	s.calls++
	return s.res, s.err
}

func (s *stubProvider) Close() error {
	s.closed = true
	return nil
}

func TestFallbackDelegatesOnTransportError(t *testing.T) {
	primary := &stubProvider{err: &ProviderError{Provider: "primary", Err: errors.New("down")}}
	secondary := &stubProvider{res: &Result{PassedIDs: []string{"111"}}}
	fb := NewFallbackProvider(primary, secondary, zap.NewNop())

	res, err := fb.Validate(context.Background(), "0986452", threeListings(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.PassedIDs) != 1 || res.PassedIDs[0] != "111" {
		t.Fatalf("expected secondary result, got %+v", res)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Fatalf("calls: primary=%d secondary=%d", primary.calls, secondary.calls)
	}
}

func TestFallbackPassesPrimarySuccessThrough(t *testing.T) {
	primary := &stubProvider{res: &Result{PassedIDs: []string{"222"}}}
	secondary := &stubProvider{}
	fb := NewFallbackProvider(primary, secondary, zap.NewNop())

	res, err := fb.Validate(context.Background(), "0986452", threeListings(), false)
	if err != nil {
		t.Fatal(err)
	}
	if res.PassedIDs[0] != "222" || secondary.calls != 0 {
		t.Fatalf("secondary must not be consulted on success")
	}
}

func TestFallbackDoesNotRetryNonTransportErrors(t *testing.T) {
	primary := &stubProvider{err: errors.New("plain failure")}
	secondary := &stubProvider{}
	fb := NewFallbackProvider(primary, secondary, zap.NewNop())

	if _, err := fb.Validate(context.Background(), "0986452", threeListings(), false); err == nil {
		t.Fatal("expected error")
	}
	if secondary.calls != 0 {
		t.Fatal("secondary must not run for non-transport failures")
	}
}

func TestFallbackCloseClosesBoth(t *testing.T) {
	primary := &stubProvider{}
	secondary := &stubProvider{}
	fb := NewFallbackProvider(primary, secondary, zap.NewNop())
	if err := fb.Close(); err != nil {
		t.Fatal(err)
	}
	if !primary.closed || !secondary.closed {
		t.Fatal("both providers must be closed")
	}
}
