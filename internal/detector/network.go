// Copyright 2025 James Ross
package detector

import "strings"

// Chromium network error classification. Transient errors count against the
// proxy's consecutive-error budget; permanent ones block the proxy at once.

var transientPatterns = []string{
	"err_connection_closed", // TCP FIN
	"err_connection_reset",  // TCP RST
	"err_network_changed",
	"err_connection_timed_out",
	"err_timed_out",
	"err_empty_response",
	"connection closed",
	"connection reset",
	"net::err_aborted",
}

var permanentPatterns = []string{
	"err_proxy_connection_failed",
	"err_tunnel_connection_failed",
	"proxy authentication required", // 407
	"err_proxy_auth",
	"407 proxy authentication",
}

// IsTransientNetworkError reports whether the error is a retryable network
// failure rather than a proxy problem.
func IsTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	return matchAny(strings.ToLower(err.Error()), transientPatterns)
}

// IsPermanentProxyError reports whether the error means the proxy itself is
// dead and must be blocked.
func IsPermanentProxyError(err error) bool {
	if err == nil {
		return false
	}
	return matchAny(strings.ToLower(err.Error()), permanentPatterns)
}

func matchAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// ErrorDescription returns a short label for logging.
func ErrorDescription(err error) string {
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "err_connection_closed"):
		return "ERR_CONNECTION_CLOSED (TCP FIN)"
	case strings.Contains(s, "err_connection_reset"):
		return "ERR_CONNECTION_RESET (TCP RST)"
	case strings.Contains(s, "err_proxy_connection_failed"):
		return "ERR_PROXY_CONNECTION_FAILED (proxy unavailable)"
	case strings.Contains(s, "err_connection_timed_out"):
		return "ERR_CONNECTION_TIMED_OUT (TCP timeout)"
	case strings.Contains(s, "timeout"):
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 100 {
		msg = msg[:100]
	}
	return msg
}
