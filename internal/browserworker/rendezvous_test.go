// Copyright 2025 James Ross
package browserworker

import (
	"context"
	"testing"
	"time"
)

type stubPage struct{ name string }

func (p *stubPage) Navigate(ctx context.Context, url string) (int, error) { return 200, nil }
func (p *stubPage) HTML(ctx context.Context) (string, error)              { return "", nil }

func TestConversationOnePagePerRequest(t *testing.T) {
	conv := NewPageConversation()
	ctx := context.Background()

	supplied := &stubPage{name: "fresh"}
	go func() {
		req, err := conv.AwaitRequest(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		if req.Status != CatalogProxyBlocked || req.NextStartPage != 3 {
			t.Errorf("unexpected request: %+v", req)
			return
		}
		if err := conv.SupplyPage(ctx, supplied); err != nil {
			t.Error(err)
		}
	}()

	page, err := conv.RequestPage(ctx, PageRequest{Attempt: 1, Status: CatalogProxyBlocked, NextStartPage: 3})
	if err != nil {
		t.Fatal(err)
	}
	if page != supplied {
		t.Fatal("parser must resume on the supplied page")
	}
}

func TestConversationSequentialRequests(t *testing.T) {
	conv := NewPageConversation()
	ctx := context.Background()
	const rounds = 5

	go func() {
		for i := 0; i < rounds; i++ {
			req, err := conv.AwaitRequest(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			if err := conv.SupplyPage(ctx, &stubPage{name: string(req.Status)}); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i := 0; i < rounds; i++ {
		if _, err := conv.RequestPage(ctx, PageRequest{Attempt: i + 1, Status: CatalogProxyBlocked}); err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
	}
}

func TestConversationCancellation(t *testing.T) {
	conv := NewPageConversation()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := conv.RequestPage(ctx, PageRequest{Attempt: 1}); err == nil {
		t.Fatal("request with no provider must fail on context expiry")
	}
	if _, err := conv.AwaitRequest(ctx); err == nil {
		t.Fatal("await with no parser must fail on context expiry")
	}
}

func TestBackoffCaps(t *testing.T) {
	if b := backoff(10, 100*time.Millisecond, time.Second); b != time.Second {
		t.Fatalf("expected cap at 1s, got %v", b)
	}
	if b := backoff(1, 100*time.Millisecond, time.Second); b != 100*time.Millisecond {
		t.Fatalf("expected base on first attempt, got %v", b)
	}
}
