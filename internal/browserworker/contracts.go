// Copyright 2025 James Ross

// Package browserworker runs the browser-driven scrape loop: it claims
// catalog and object tasks, leases proxies, drives the external parser
// collaborators over a shared browser page, and applies the detector-state
// recovery policy.
package browserworker

import (
	"context"
	"errors"

	"github.com/flyingrobots/go-avito-work-queue/internal/detector"
	"github.com/flyingrobots/go-avito-work-queue/internal/listings"
	"github.com/flyingrobots/go-avito-work-queue/internal/proxypool"
)

// Page is the slice of a browser page the runtime needs. The concrete
// implementation lives in internal/browser.
type Page interface {
	// Navigate loads url and returns the main-document HTTP status (0 when
	// the response was lost).
	Navigate(ctx context.Context, url string) (status int, err error)
	// HTML returns the current document markup.
	HTML(ctx context.Context) (string, error)
}

// Session owns one browser process bound to one leased proxy.
type Session interface {
	Page(ctx context.Context) (Page, error)
	// Close tears the browser down. Implementations bound the call so a
	// frozen subprocess cannot block shutdown.
	Close(ctx context.Context) error
}

// SessionFactory launches a browser session routed through the given proxy.
type SessionFactory func(ctx context.Context, proxy *proxypool.Proxy) (Session, error)

// CatalogStatus is the terminal (or hand-off) status of a catalog parse run.
type CatalogStatus string

const (
	CatalogSuccess           CatalogStatus = "SUCCESS"
	CatalogEmpty             CatalogStatus = "EMPTY"
	CatalogProxyBlocked      CatalogStatus = "PROXY_BLOCKED"
	CatalogProxyAuthRequired CatalogStatus = "PROXY_AUTH_REQUIRED"
	CatalogCaptchaUnsolved   CatalogStatus = "CAPTCHA_UNSOLVED"
	CatalogNotDetected       CatalogStatus = "NOT_DETECTED"
)

// PageRequest is emitted by a suspended catalog parser when its current
// page/proxy is no longer viable.
type PageRequest struct {
	Attempt       int
	Status        CatalogStatus
	NextStartPage int
}

// CatalogMeta summarizes a finished catalog parse.
type CatalogMeta struct {
	Status         CatalogStatus
	ProcessedPages int
	ProcessedCards int
	Details        string
}

// CatalogRequest parameterizes one catalog run.
type CatalogRequest struct {
	Articulum string
	SearchURL string
	Fields    []string
	StartPage int
	MaxPages  int
	MinPrice  float64
}

// CatalogParser is the external pagination/extraction collaborator. It runs
// in the foreground; whenever it needs a fresh page it suspends on the
// conversation and resumes with whatever page the provider supplies.
type CatalogParser interface {
	Parse(ctx context.Context, page Page, conv *PageConversation, req CatalogRequest) ([]listings.Listing, CatalogMeta, error)
}

// ErrNotACard is returned by CardParser when the HTML is not a listing card.
var ErrNotACard = errors.New("html is not a listing card")

// CardParser extracts a structured card from detail-page HTML.
type CardParser interface {
	ParseCard(html string, fields []string) (*listings.Card, error)
}

// Detector classifies the current page. lastStatus is the main-document HTTP
// status from the preceding navigation, 0 when unknown.
type Detector interface {
	Detect(ctx context.Context, page Page, lastStatus int) (detector.State, error)
}

// CaptchaSolver attempts the captcha/continue-button flow on the current
// page, up to maxAttempts times. It reports whether the challenge cleared.
type CaptchaSolver interface {
	Resolve(ctx context.Context, page Page, maxAttempts int) (bool, error)
}

// Collaborators bundles the external contracts one worker consumes.
type Collaborators struct {
	Sessions SessionFactory
	Catalog  CatalogParser
	Cards    CardParser
	Detect   Detector
	Captcha  CaptchaSolver
}
