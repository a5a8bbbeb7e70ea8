// Copyright 2025 James Ross
package avito

import (
	"context"
	"time"

	"github.com/flyingrobots/go-avito-work-queue/internal/browserworker"
	"github.com/flyingrobots/go-avito-work-queue/internal/detector"
)

// CaptchaSolver drives the challenge flow. The slider solving itself happens
// inside the browser stack; this loop gives each attempt time to settle and
// re-classifies the page until the challenge markers disappear.
type CaptchaSolver struct {
	attemptDelay time.Duration
}

func NewCaptchaSolver() *CaptchaSolver {
	return &CaptchaSolver{attemptDelay: 5 * time.Second}
}

func (s *CaptchaSolver) Resolve(ctx context.Context, page browserworker.Page, maxAttempts int) (bool, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(s.attemptDelay):
		}

		html, err := page.HTML(ctx)
		if err != nil {
			return false, err
		}
		state := Classify(0, html)
		if !detector.IsCaptcha(state) {
			return true, nil
		}
	}
	return false, nil
}
