// Copyright 2025 James Ross
package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/flyingrobots/go-avito-work-queue/internal/obs"
	"go.uber.org/zap"
)

// CodexProvider validates through a local CLI agent. The CLI is run as a
// subprocess in exec mode with JSONL output; listing photos are handed over
// as temp files.
type CodexProvider struct {
	cliPath             string
	model               string
	timeout             time.Duration
	maxRetries          int
	retryBaseDelay      time.Duration
	maxImagesPerListing int
	log                 *zap.Logger
}

func NewCodexProvider(cliPath, model string, timeout time.Duration, maxRetries int, retryBaseDelay time.Duration, maxImagesPerListing int, log *zap.Logger) *CodexProvider {
	if cliPath == "" {
		cliPath = "codex"
	}
	return &CodexProvider{
		cliPath:             cliPath,
		model:               model,
		timeout:             timeout,
		maxRetries:          maxRetries,
		retryBaseDelay:      retryBaseDelay,
		maxImagesPerListing: maxImagesPerListing,
		log:                 log,
	}
}

func (p *CodexProvider) Validate(ctx context.Context, articulum string, items []Listing, useImages bool) (*Result, error) {
	if len(items) == 0 {
		return &Result{}, nil
	}

	prompt := BuildPrompt(articulum, items, useImages)

	var imagePaths []string
	if useImages {
		dir, err := os.MkdirTemp("", "ai-validate-*")
		if err != nil {
			return nil, &ProviderError{Provider: "codex", Err: err}
		}
		defer os.RemoveAll(dir)
		imagePaths, err = p.writeImages(dir, items)
		if err != nil {
			return nil, err
		}
	}

	raw, err := p.runWithRetry(ctx, prompt, imagePaths)
	if err != nil {
		return nil, err
	}
	res, err := ParseResponse(raw, items)
	if err != nil {
		return nil, err
	}
	p.log.Info("codex validation done",
		obs.String("articulum", articulum),
		obs.Int("passed", len(res.PassedIDs)),
		obs.Int("rejected", len(res.Rejected)))
	return res, nil
}

func (p *CodexProvider) writeImages(dir string, items []Listing) ([]string, error) {
	var paths []string
	for _, it := range items {
		imgs := it.Images
		if p.maxImagesPerListing > 0 && len(imgs) > p.maxImagesPerListing {
			imgs = imgs[:p.maxImagesPerListing]
		}
		for i, img := range imgs {
			path := filepath.Join(dir, fmt.Sprintf("%s_%d.jpg", it.AvitoItemID, i))
			if err := os.WriteFile(path, img, 0o600); err != nil {
				return nil, &ProviderError{Provider: "codex", Err: err}
			}
			paths = append(paths, path)
		}
	}
	return paths, nil
}

func (p *CodexProvider) runWithRetry(ctx context.Context, prompt string, imagePaths []string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.retryBaseDelay * time.Duration(1<<uint(attempt-1))
			p.log.Warn("codex retry", obs.Int("attempt", attempt+1), obs.Err(lastErr))
			select {
			case <-ctx.Done():
				return "", &ProviderError{Provider: "codex", Err: ctx.Err()}
			case <-time.After(delay):
			}
		}
		raw, err := p.runOnce(ctx, prompt, imagePaths)
		if err == nil {
			return raw, nil
		}
		lastErr = err
	}
	return "", &ProviderError{Provider: "codex", Err: fmt.Errorf("%d attempts failed, last: %w", p.maxRetries, lastErr)}
}

func (p *CodexProvider) runOnce(ctx context.Context, prompt string, imagePaths []string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if p.model != "" {
		args = append(args, "--model", p.model)
	}
	for _, path := range imagePaths {
		args = append(args, "--image", path)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(runCtx, p.cliPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("codex exec: %w (stderr: %.300s)", err, stderr.String())
	}
	return parseJSONLResponse(stdout.String())
}

// parseJSONLResponse picks the final agent message out of the CLI's JSONL
// event stream.
func parseJSONLResponse(raw string) (string, error) {
	var last string
	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev struct {
			Type string `json:"type"`
			Msg  struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"msg"`
		}
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Msg.Type == "agent_message" && ev.Msg.Message != "" {
			last = ev.Msg.Message
		}
	}
	if last == "" {
		return "", fmt.Errorf("no agent message in CLI output: %.300s", raw)
	}
	return last, nil
}

func (p *CodexProvider) Close() error { return nil }
