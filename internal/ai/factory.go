// Copyright 2025 James Ross
package ai

import (
	"fmt"

	"github.com/flyingrobots/go-avito-work-queue/internal/config"
	"go.uber.org/zap"
)

// NewFromConfig builds the configured provider, wrapping it with a fallback
// when ai.fallback_provider is set. Returns (nil, nil) when AI validation is
// disabled.
func NewFromConfig(cfg *config.Config, log *zap.Logger) (Provider, error) {
	if !cfg.AI.Enabled {
		return nil, nil
	}
	primary, err := newProvider(cfg.AI.Provider, cfg, log)
	if err != nil {
		return nil, err
	}
	if cfg.AI.FallbackProvider == "" {
		return primary, nil
	}
	secondary, err := newProvider(cfg.AI.FallbackProvider, cfg, log)
	if err != nil {
		_ = primary.Close()
		return nil, err
	}
	return NewFallbackProvider(primary, secondary, log), nil
}

func newProvider(name string, cfg *config.Config, log *zap.Logger) (Provider, error) {
	a := cfg.AI
	switch name {
	case "fireworks":
		if a.APIKey == "" {
			return nil, fmt.Errorf("fireworks provider requires ai.api_key")
		}
		return NewFireworksProvider(a.APIKey, a.Model, a.Timeout, a.MaxRetries, a.RetryBaseDelay, a.MaxImagesPerListing, log), nil
	case "codex":
		return NewCodexProvider(a.CLIPath, a.Model, a.Timeout, a.MaxRetries, a.RetryBaseDelay, a.MaxImagesPerListing, log), nil
	case "kimi":
		return NewKimiProvider(a.EndpointURL, a.APIKey, a.Model, a.Timeout, a.MaxRetries, a.RetryBaseDelay, a.MaxImagesPerListing, log)
	default:
		return nil, fmt.Errorf("unknown ai provider %q", name)
	}
}
