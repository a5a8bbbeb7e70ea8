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

const fireworksAPIURL = "https://api.fireworks.ai/inference/v1/chat/completions"

// FireworksProvider validates through the Fireworks AI cloud API
// (OpenAI-compatible chat completions, multimodal).
type FireworksProvider struct {
	apiKey              string
	model               string
	maxRetries          int
	retryBaseDelay      time.Duration
	maxImagesPerListing int
	client              *http.Client
	log                 *zap.Logger
}

func NewFireworksProvider(apiKey, model string, timeout time.Duration, maxRetries int, retryBaseDelay time.Duration, maxImagesPerListing int, log *zap.Logger) *FireworksProvider {
	return &FireworksProvider{
		apiKey:              apiKey,
		model:               model,
		maxRetries:          maxRetries,
		retryBaseDelay:      retryBaseDelay,
		maxImagesPerListing: maxImagesPerListing,
		client:              &http.Client{Timeout: timeout},
		log:                 log,
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *FireworksProvider) Validate(ctx context.Context, articulum string, items []Listing, useImages bool) (*Result, error) {
	if len(items) == 0 {
		return &Result{}, nil
	}

	prompt := BuildPrompt(articulum, items, useImages)
	messages := buildChatMessages(prompt, items, useImages, p.maxImagesPerListing)

	raw, err := p.requestWithRetry(ctx, messages)
	if err != nil {
		return nil, err
	}
	res, err := ParseResponse(raw, items)
	if err != nil {
		return nil, err
	}
	p.log.Info("fireworks validation done",
		obs.String("articulum", articulum),
		obs.Int("passed", len(res.PassedIDs)),
		obs.Int("rejected", len(res.Rejected)))
	return res, nil
}

func (p *FireworksProvider) requestWithRetry(ctx context.Context, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:          p.model,
		Messages:       messages,
		Temperature:    0.1,
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return "", &ProviderError{Provider: "fireworks", Err: err}
	}

	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.retryBaseDelay * time.Duration(1<<uint(attempt-1))
			p.log.Warn("fireworks retry",
				obs.Int("attempt", attempt+1),
				obs.Err(lastErr))
			select {
			case <-ctx.Done():
				return "", &ProviderError{Provider: "fireworks", Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fireworksAPIURL, bytes.NewReader(body))
		if err != nil {
			return "", &ProviderError{Provider: "fireworks", Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			var cr chatResponse
			if err := json.Unmarshal(respBody, &cr); err != nil || len(cr.Choices) == 0 {
				return "", &ProviderError{Provider: "fireworks", Err: fmt.Errorf("malformed completion: %.300s", respBody)}
			}
			return cr.Choices[0].Message.Content, nil
		case resp.StatusCode == 429 || resp.StatusCode == 503 || resp.StatusCode == 504:
			lastErr = fmt.Errorf("status %d: %.300s", resp.StatusCode, respBody)
			continue
		default:
			return "", &ProviderError{Provider: "fireworks", Err: fmt.Errorf("status %d: %.300s", resp.StatusCode, respBody)}
		}
	}
	return "", &ProviderError{Provider: "fireworks", Err: fmt.Errorf("%d retries failed, last: %w", p.maxRetries, lastErr)}
}

func (p *FireworksProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
