// Copyright 2025 James Ross

// Package avito implements the marketplace-facing collaborator contracts:
// page-state detection, the captcha wait flow, and the catalog/card
// extractors driven by the browser worker runtime.
package avito

import (
	"context"
	"strings"

	"github.com/flyingrobots/go-avito-work-queue/internal/browserworker"
	"github.com/flyingrobots/go-avito-work-queue/internal/detector"
)

// Detector classifies a page from its HTTP status and body markers. Server
// errors are checked first, before any marketplace-specific marker.
type Detector struct{}

func NewDetector() *Detector { return &Detector{} }

func (d *Detector) Detect(ctx context.Context, page browserworker.Page, lastStatus int) (detector.State, error) {
	html, err := page.HTML(ctx)
	if err != nil {
		return detector.StateNotDetected, err
	}
	return Classify(lastStatus, html), nil
}

// Classify is the pure classification over status code and markup.
func Classify(status int, html string) detector.State {
	if s, ok := detector.DetectServerError(status, html); ok {
		return s
	}

	lower := strings.ToLower(html)
	switch {
	case status == 403 || strings.Contains(lower, "доступ ограничен"):
		return detector.StateProxyBlock403
	case status == 407 || strings.Contains(lower, "proxy authentication required"):
		return detector.StateProxyAuthRequired
	case status == 429:
		return detector.StateRateLimit429
	case strings.Contains(lower, "geetest") || strings.Contains(lower, "captcha"):
		return detector.StateCaptcha
	case strings.Contains(lower, `data-marker="button-continue"`) ||
		strings.Contains(lower, "подтвердите, что вы не робот"):
		return detector.StateContinueButton
	case strings.Contains(lower, "объявление снято с публикации") ||
		strings.Contains(lower, "это объявление больше не доступно"):
		return detector.StateRemoved
	case strings.Contains(lower, `data-marker="item-view"`) ||
		strings.Contains(lower, `itemtype="http://schema.org/product"`):
		return detector.StateCardFound
	case strings.Contains(lower, `data-marker="catalog-serp"`) ||
		strings.Contains(lower, `data-marker="item"`):
		return detector.StateCatalog
	case strings.Contains(lower, `data-marker="seller-info"`):
		return detector.StateSellerProfile
	}
	return detector.StateNotDetected
}
