// Copyright 2025 James Ross

// Package browser launches Chromium through go-rod, one browser process per
// leased proxy. It implements the browserworker Session/Page contracts.
package browser

import (
	"context"
	"fmt"

	"github.com/flyingrobots/go-avito-work-queue/internal/browserworker"
	"github.com/flyingrobots/go-avito-work-queue/internal/config"
	"github.com/flyingrobots/go-avito-work-queue/internal/proxypool"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Session owns one Chromium process routed through one proxy.
type Session struct {
	cfg      *config.Config
	display  string
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// NewFactory returns a browserworker.SessionFactory bound to the config and
// an optional X display (":10" style, empty for headless/default).
func NewFactory(cfg *config.Config, display string) browserworker.SessionFactory {
	return func(ctx context.Context, proxy *proxypool.Proxy) (browserworker.Session, error) {
		return launch(ctx, cfg, display, proxy)
	}
}

func launch(ctx context.Context, cfg *config.Config, display string, proxy *proxypool.Proxy) (*Session, error) {
	l := launcher.New().
		Headless(cfg.Browser.Headless).
		Proxy(proxy.Addr()).
		Set("no-sandbox")
	if display != "" {
		l = l.Env("DISPLAY=" + display)
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	b := rod.New().ControlURL(wsURL).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connect chromium: %w", err)
	}
	if proxy.Username != "" {
		// Proxy credentials are answered via CDP auth handling.
		go b.MustHandleAuth(proxy.Username, proxy.Password)()
	}

	return &Session{
		cfg:      cfg,
		display:  display,
		browser:  b,
		launcher: l,
	}, nil
}

// Page opens a fresh tab.
func (s *Session) Page(ctx context.Context) (browserworker.Page, error) {
	p, err := s.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	return &page{session: s, page: p}, nil
}

// Close tears the browser process down. The caller bounds ctx; a frozen
// subprocess is abandoned to the launcher cleanup rather than waited on.
func (s *Session) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.browser.Close() }()
	select {
	case err := <-done:
		s.launcher.Cleanup()
		return err
	case <-ctx.Done():
		s.launcher.Kill()
		s.launcher.Cleanup()
		return fmt.Errorf("browser close: %w", ctx.Err())
	}
}

type page struct {
	session *Session
	page    *rod.Page
}

// Navigate loads url and reports the main-document HTTP status, 0 when the
// response event was not observed.
func (p *page) Navigate(ctx context.Context, url string) (int, error) {
	pg := p.page.Context(ctx).Timeout(p.session.cfg.Browser.NavigationTimeout)

	status := 0
	wait := pg.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type == proto.NetworkResourceTypeDocument {
			status = e.Response.Status
			return true
		}
		return false
	})

	if err := pg.Navigate(url); err != nil {
		return 0, fmt.Errorf("navigate %s: %w", url, err)
	}
	wait()
	if err := pg.WaitDOMStable(p.session.cfg.Browser.NavigationTimeout, 0); err != nil && ctx.Err() == nil {
		// Partial loads still carry enough DOM for detection.
		return status, nil
	}
	return status, nil
}

func (p *page) HTML(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("page html: %w", err)
	}
	return html, nil
}
