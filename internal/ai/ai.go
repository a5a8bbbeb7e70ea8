// Copyright 2025 James Ross

// Package ai judges listing originality through a multimodal model. Provider
// variants share one contract; the validation worker never knows which one is
// behind it.
package ai

import (
	"context"
	"fmt"
)

// Listing is the slice of a catalog listing the model sees.
type Listing struct {
	AvitoItemID string   `json:"id"`
	Title       string   `json:"title"`
	Price       *float64 `json:"price"`
	Snippet     string   `json:"snippet"`
	Seller      string   `json:"seller"`
	Images      [][]byte `json:"-"`
}

// Rejected is one listing the model turned down, with its reason.
type Rejected struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Result is a full validation verdict: ParseResponse puts every input listing
// in at least one of the two sets; an id the model lists in both appears in
// both.
type Result struct {
	PassedIDs []string   `json:"passed_ids"`
	Rejected  []Rejected `json:"rejected"`
}

// Provider is the uniform validation contract. A transport-level failure must
// surface as *ProviderError so the worker can apply its outage policy.
type Provider interface {
	Validate(ctx context.Context, articulum string, items []Listing, useImages bool) (*Result, error)
	Close() error
}

// ProviderError marks a failed AI call, either a transport-level failure or
// an answer that names no known listing: the articulum must be returned to
// the queue and the worker's consecutive-error counter bumped.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("ai provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
