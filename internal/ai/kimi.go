// Copyright 2025 James Ross
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flyingrobots/go-avito-work-queue/internal/obs"
	"go.uber.org/zap"
)

// KimiProvider validates through a subscription-proxy endpoint that fronts
// the Kimi model with an OpenAI-compatible surface. Unlike the direct cloud
// provider, the endpoint URL comes from config.
type KimiProvider struct {
	endpointURL         string
	apiKey              string
	model               string
	maxRetries          int
	retryBaseDelay      time.Duration
	maxImagesPerListing int
	client              *http.Client
	log                 *zap.Logger
}

func NewKimiProvider(endpointURL, apiKey, model string, timeout time.Duration, maxRetries int, retryBaseDelay time.Duration, maxImagesPerListing int, log *zap.Logger) (*KimiProvider, error) {
	if endpointURL == "" {
		return nil, fmt.Errorf("kimi provider requires ai.endpoint_url")
	}
	return &KimiProvider{
		endpointURL:         endpointURL,
		apiKey:              apiKey,
		model:               model,
		maxRetries:          maxRetries,
		retryBaseDelay:      retryBaseDelay,
		maxImagesPerListing: maxImagesPerListing,
		client:              &http.Client{Timeout: timeout},
		log:                 log,
	}, nil
}

func (p *KimiProvider) Validate(ctx context.Context, articulum string, items []Listing, useImages bool) (*Result, error) {
	if len(items) == 0 {
		return &Result{}, nil
	}

	prompt := BuildPrompt(articulum, items, useImages)
	messages := buildChatMessages(prompt, items, useImages, p.maxImagesPerListing)

	body, err := json.Marshal(chatRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, &ProviderError{Provider: "kimi", Err: err}
	}

	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.retryBaseDelay * time.Duration(1<<uint(attempt-1))
			p.log.Warn("kimi retry", obs.Int("attempt", attempt+1), obs.Err(lastErr))
			select {
			case <-ctx.Done():
				return nil, &ProviderError{Provider: "kimi", Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		raw, retryable, err := p.requestOnce(ctx, body)
		if err == nil {
			res, perr := ParseResponse(raw, items)
			if perr != nil {
				return nil, perr
			}
			p.log.Info("kimi validation done",
				obs.String("articulum", articulum),
				obs.Int("passed", len(res.PassedIDs)),
				obs.Int("rejected", len(res.Rejected)))
			return res, nil
		}
		if !retryable {
			return nil, &ProviderError{Provider: "kimi", Err: err}
		}
		lastErr = err
	}
	return nil, &ProviderError{Provider: "kimi", Err: fmt.Errorf("%d retries failed, last: %w", p.maxRetries, lastErr)}
}

func (p *KimiProvider) requestOnce(ctx context.Context, body []byte) (raw string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpointURL, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var cr chatResponse
		if err := json.Unmarshal(respBody, &cr); err != nil || len(cr.Choices) == 0 {
			return "", false, fmt.Errorf("malformed completion: %.300s", respBody)
		}
		return cr.Choices[0].Message.Content, false, nil
	case resp.StatusCode == 429 || resp.StatusCode == 502 || resp.StatusCode == 503 || resp.StatusCode == 504:
		return "", true, fmt.Errorf("status %d: %.300s", resp.StatusCode, respBody)
	default:
		return "", false, fmt.Errorf("status %d: %.300s", resp.StatusCode, respBody)
	}
}

func (p *KimiProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
