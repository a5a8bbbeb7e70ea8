// Copyright 2025 James Ross
package ai

import (
	"context"
	"errors"

	"github.com/flyingrobots/go-avito-work-queue/internal/obs"
	"go.uber.org/zap"
)

// FallbackProvider delegates to a secondary provider when the primary returns
// a *ProviderError and ctx is not done. Any other error, and any error once
// ctx is done, is returned as is. ParseResponse reports an answer that names
// no known listing as a *ProviderError, so such an answer also goes to the
// secondary.
type FallbackProvider struct {
	primary   Provider
	secondary Provider
	log       *zap.Logger
}

func NewFallbackProvider(primary, secondary Provider, log *zap.Logger) *FallbackProvider {
	return &FallbackProvider{primary: primary, secondary: secondary, log: log}
}

func (p *FallbackProvider) Validate(ctx context.Context, articulum string, items []Listing, useImages bool) (*Result, error) {
	res, err := p.primary.Validate(ctx, articulum, items, useImages)
	if err == nil {
		return res, nil
	}
	var perr *ProviderError
	if !errors.As(err, &perr) || ctx.Err() != nil {
		return nil, err
	}
	p.log.Warn("primary ai provider failed, falling back", obs.Err(err))
	return p.secondary.Validate(ctx, articulum, items, useImages)
}

func (p *FallbackProvider) Close() error {
	err1 := p.primary.Close()
	err2 := p.secondary.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
