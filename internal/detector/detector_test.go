// Copyright 2025 James Ross
package detector

import (
	"errors"
	"testing"
)

func TestRoutePriority(t *testing.T) {
	cases := []struct {
		state State
		want  Action
	}{
		{StateServerError502, ActionChangeProxyAndRetry},
		{StateServerError503, ActionChangeProxyAndRetry},
		{StateServerError504, ActionChangeProxyAndRetry},
		{StateProxyBlock403, ActionBlockProxy},
		{StateProxyAuthRequired, ActionBlockProxy},
		{StateCaptcha, ActionSolveCaptcha},
		{StateRateLimit429, ActionSolveCaptcha},
		{StateContinueButton, ActionSolveCaptcha},
		{StateRemoved, ActionMarkInvalid},
		{StateNotDetected, ActionMarkFailed},
		{StateCatalog, ActionContinue},
		{StateCardFound, ActionContinue},
		{StateSellerProfile, ActionContinue},
		{State("bogus"), ActionMarkFailed},
	}
	for _, c := range cases {
		if got := Route(c.state); got != c.want {
			t.Fatalf("Route(%s) = %v, want %v", c.state, got, c.want)
		}
	}
}

func TestDetectServerErrorByStatus(t *testing.T) {
	for status, want := range map[int]State{
		502: StateServerError502,
		503: StateServerError503,
		504: StateServerError504,
	} {
		got, ok := DetectServerError(status, "")
		if !ok || got != want {
			t.Fatalf("status %d: got (%s, %v)", status, got, ok)
		}
	}
	if _, ok := DetectServerError(200, "<html>fine</html>"); ok {
		t.Fatal("200 must not classify as server error")
	}
}

func TestDetectServerErrorByBody(t *testing.T) {
	got, ok := DetectServerError(0, "<h1>502 Error</h1> Bad Gateway")
	if !ok || got != StateServerError502 {
		t.Fatalf("got (%s, %v)", got, ok)
	}
	got, ok = DetectServerError(0, "HTTP 503: service unavailable, try later")
	if !ok || got != StateServerError503 {
		t.Fatalf("got (%s, %v)", got, ok)
	}
	if _, ok := DetectServerError(0, "some page mentioning 503 prices"); ok {
		t.Fatal("bare number must not classify")
	}
}

func TestNetworkErrorClassification(t *testing.T) {
	transient := errors.New("page.goto: net::ERR_CONNECTION_RESET at https://example.com")
	if !IsTransientNetworkError(transient) {
		t.Fatal("connection reset should be transient")
	}
	if IsPermanentProxyError(transient) {
		t.Fatal("connection reset is not a proxy fault")
	}

	permanent := errors.New("net::ERR_TUNNEL_CONNECTION_FAILED")
	if !IsPermanentProxyError(permanent) {
		t.Fatal("tunnel failure should be permanent")
	}
	if IsTransientNetworkError(permanent) {
		t.Fatal("tunnel failure is not transient")
	}

	if IsTransientNetworkError(errors.New("parse error")) {
		t.Fatal("unrelated error must not classify")
	}
}

func TestStateGroupsDisjoint(t *testing.T) {
	all := []State{
		StateCatalog, StateCardFound, StateSellerProfile,
		StateProxyBlock403, StateProxyAuthRequired,
		StateCaptcha, StateRateLimit429, StateContinueButton,
		StateRemoved, StateNotDetected,
		StateServerError502, StateServerError503, StateServerError504,
	}
	for _, s := range all {
		groups := 0
		for _, in := range []bool{IsSuccess(s), IsProxyBlock(s), IsCaptcha(s), IsServerError(s), IsFinal(s)} {
			if in {
				groups++
			}
		}
		if groups > 1 {
			t.Fatalf("state %s belongs to %d groups", s, groups)
		}
	}
}
