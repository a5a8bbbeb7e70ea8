// Copyright 2025 James Ross

// Package detector classifies "what the page currently is" and maps each
// classification to a recovery action. The DOM-level detectors live in the
// browser collaborator; this package owns the state taxonomy, the local
// server-error extension, and the priority-ordered routing policy.
package detector

import "strings"

// State identifies one page classification.
type State string

const (
	StateCatalog           State = "catalog"
	StateCardFound         State = "card_found"
	StateSellerProfile     State = "seller_profile"
	StateProxyBlock403     State = "proxy_block_403"
	StateProxyAuthRequired State = "proxy_auth_required"
	StateCaptcha           State = "captcha"
	StateRateLimit429      State = "rate_limit_429"
	StateContinueButton    State = "continue_button"
	StateRemoved           State = "removed"
	StateNotDetected       State = "not_detected"

	// Locally-extended states, derived from the HTTP status code or the page
	// body. Classification checks them before the upstream detector set.
	StateServerError502 State = "server_error_502"
	StateServerError503 State = "server_error_503"
	StateServerError504 State = "server_error_504"
)

// IsSuccess reports whether parsing can continue on this page.
func IsSuccess(s State) bool {
	return s == StateCatalog || s == StateCardFound || s == StateSellerProfile
}

// IsProxyBlock reports whether the proxy is permanently unusable.
func IsProxyBlock(s State) bool {
	return s == StateProxyBlock403 || s == StateProxyAuthRequired
}

// IsCaptcha reports whether the state is resolvable through the captcha flow.
func IsCaptcha(s State) bool {
	return s == StateCaptcha || s == StateRateLimit429 || s == StateContinueButton
}

// IsServerError reports whether the state is a marketplace-side 5xx.
func IsServerError(s State) bool {
	return s == StateServerError502 || s == StateServerError503 || s == StateServerError504
}

// IsFinal reports whether the task must be closed on this state.
func IsFinal(s State) bool {
	return s == StateRemoved || s == StateNotDetected
}

// Description returns a human-readable label for logs.
func Description(s State) string {
	switch s {
	case StateCatalog:
		return "catalog page with listings"
	case StateCardFound:
		return "listing card loaded"
	case StateSellerProfile:
		return "seller profile"
	case StateProxyBlock403:
		return "HTTP 403 - proxy blocked"
	case StateProxyAuthRequired:
		return "proxy authentication failed"
	case StateCaptcha:
		return "captcha challenge"
	case StateRateLimit429:
		return "HTTP 429 - rate limit"
	case StateContinueButton:
		return "continue button interstitial"
	case StateRemoved:
		return "listing removed"
	case StateNotDetected:
		return "unknown page state"
	case StateServerError502:
		return "HTTP 502 Bad Gateway (server error)"
	case StateServerError503:
		return "HTTP 503 Service Unavailable (server error)"
	case StateServerError504:
		return "HTTP 504 Gateway Timeout (server error)"
	}
	return "unknown detector state: " + string(s)
}

// DetectServerError checks the last HTTP status first, then falls back to
// body patterns for any other status, including 0 (the navigation response
// was lost) and 200. Returns ("", false) when no server error is present.
func DetectServerError(status int, body string) (State, bool) {
	switch status {
	case 502:
		return StateServerError502, true
	case 503:
		return StateServerError503, true
	case 504:
		return StateServerError504, true
	}

	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "502 error") || strings.Contains(lower, "bad gateway"):
		return StateServerError502, true
	case strings.Contains(lower, "503") &&
		(strings.Contains(lower, "service unavailable") || strings.Contains(lower, "temporarily unavailable")):
		return StateServerError503, true
	case strings.Contains(lower, "504") &&
		(strings.Contains(lower, "gateway timeout") || strings.Contains(lower, "gateway time-out")):
		return StateServerError504, true
	}
	return "", false
}

// Action is the recovery decision for one detector state.
type Action int

const (
	// ActionContinue: success state, keep parsing.
	ActionContinue Action = iota
	// ActionBlockProxy: block the proxy permanently and return the task.
	ActionBlockProxy
	// ActionSolveCaptcha: attempt bounded captcha resolution, then re-detect.
	ActionSolveCaptcha
	// ActionReturnTaskAndProxy: release the proxy (no block) and requeue.
	ActionReturnTaskAndProxy
	// ActionMarkInvalid: listing removed, close the task as invalid.
	ActionMarkInvalid
	// ActionMarkFailed: unknown page, close the task as failed.
	ActionMarkFailed
	// ActionChangeProxyAndRetry: marketplace 5xx; release the proxy, tear the
	// browser down and retry with a fresh identity. The task stays in flight.
	ActionChangeProxyAndRetry
)

// Route maps a detector state to its recovery action. Priority order:
// server errors, proxy blocks, captcha flow, final states, success.
func Route(s State) Action {
	switch {
	case IsServerError(s):
		return ActionChangeProxyAndRetry
	case IsProxyBlock(s):
		return ActionBlockProxy
	case IsCaptcha(s):
		return ActionSolveCaptcha
	case s == StateRemoved:
		return ActionMarkInvalid
	case s == StateNotDetected:
		return ActionMarkFailed
	case IsSuccess(s):
		return ActionContinue
	}
	// Unexpected state: close loudly rather than loop.
	return ActionMarkFailed
}
