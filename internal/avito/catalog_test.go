// Copyright 2025 James Ross
package avito

import (
	"context"
	"testing"

	"github.com/flyingrobots/go-avito-work-queue/internal/browserworker"
)

type scriptedResponse struct {
	status int
	html   string
}

type scriptedPage struct {
	script  []scriptedResponse
	current string
	visited []string
}

func (p *scriptedPage) Navigate(ctx context.Context, url string) (int, error) {
	p.visited = append(p.visited, url)
	if len(p.script) == 0 {
		return 200, nil
	}
	next := p.script[0]
	p.script = p.script[1:]
	p.current = next.html
	return next.status, nil
}

func (p *scriptedPage) HTML(ctx context.Context) (string, error) { return p.current, nil }

// A proxy block mid-run must suspend the parser, surface a PageRequest with
// the resume page, and continue on the supplied replacement page.
func TestCatalogParserRotatesOnProxyBlock(t *testing.T) {
	blocked := &scriptedPage{script: []scriptedResponse{{403, "доступ ограничен"}}}
	fresh := &scriptedPage{script: []scriptedResponse{
		{200, catalogHTML},
		{200, `<div data-marker="catalog-serp"></div>`},
	}}

	conv := browserworker.NewPageConversation()
	ctx := context.Background()

	var observed browserworker.PageRequest
	go func() {
		req, err := conv.AwaitRequest(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		observed = req
		if err := conv.SupplyPage(ctx, fresh); err != nil {
			t.Error(err)
		}
	}()

	got, meta, err := NewCatalogParser().Parse(ctx, blocked, conv, browserworker.CatalogRequest{
		Articulum: "0986452",
		SearchURL: "https://www.avito.ru/rossiya/zapchasti?q=0986452",
		StartPage: 1,
		MaxPages:  10,
	})
	if err != nil {
		t.Fatal(err)
	}

	if observed.Status != browserworker.CatalogProxyBlocked {
		t.Fatalf("page request status: %s", observed.Status)
	}
	if observed.NextStartPage != 1 {
		t.Fatalf("resume page: %d", observed.NextStartPage)
	}
	if meta.Status != browserworker.CatalogSuccess {
		t.Fatalf("final status: %s", meta.Status)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 listings, got %d", len(got))
	}
}

func TestCatalogParserEmptyFirstPage(t *testing.T) {
	page := &scriptedPage{script: []scriptedResponse{
		{200, `<div data-marker="catalog-serp"></div>`},
	}}
	conv := browserworker.NewPageConversation()

	got, meta, err := NewCatalogParser().Parse(context.Background(), page, conv, browserworker.CatalogRequest{
		Articulum: "0986452",
		SearchURL: "https://www.avito.ru/rossiya/zapchasti?q=0986452",
		StartPage: 1,
		MaxPages:  10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if meta.Status != browserworker.CatalogEmpty {
		t.Fatalf("status: %s", meta.Status)
	}
	if len(got) != 0 {
		t.Fatalf("expected no listings, got %d", len(got))
	}
}

func TestCatalogParserStopsOnUnknownPage(t *testing.T) {
	page := &scriptedPage{script: []scriptedResponse{
		{200, "<html><body>страница-загадка</body></html>"},
	}}
	conv := browserworker.NewPageConversation()

	_, meta, err := NewCatalogParser().Parse(context.Background(), page, conv, browserworker.CatalogRequest{
		Articulum: "0986452",
		SearchURL: "https://www.avito.ru/rossiya/zapchasti?q=0986452",
		StartPage: 1,
		MaxPages:  10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if meta.Status != browserworker.CatalogNotDetected {
		t.Fatalf("status: %s", meta.Status)
	}
}
