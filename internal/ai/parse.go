// Copyright 2025 James Ross
package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var (
	thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
	verdictRe    = regexp.MustCompile(`(?s)\{[^{}]*"passed_ids"[^{}]*\{.*?\}.*?\}`)
	anyObjectRe  = regexp.MustCompile(`(?s)\{.*\}`)
	passedListRe = regexp.MustCompile(`(?s)"passed_ids"\s*:\s*\[(.*?)\]`)
	quotedIDRe   = regexp.MustCompile(`"(\d+)"`)
	rejectedRe   = regexp.MustCompile(`\{"id"\s*:\s*"(\d+)"\s*,\s*"reason"\s*:\s*"([^"]*)"`)
)

const resultSchema = `{
	"type": "object",
	"required": ["passed_ids"],
	"properties": {
		"passed_ids": {"type": "array", "items": {"type": "string"}},
		"rejected": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "string"},
					"reason": {"type": "string"}
				}
			}
		}
	}
}`

var resultSchemaLoader = gojsonschema.NewStringLoader(resultSchema)

// ExtractJSON strips thinking blocks and locates the verdict object inside a
// free-text model response.
func ExtractJSON(raw string) string {
	cleaned := strings.TrimSpace(thinkBlockRe.ReplaceAllString(raw, ""))

	if json.Valid([]byte(cleaned)) {
		return cleaned
	}
	if m := verdictRe.FindString(cleaned); m != "" {
		return m
	}
	if m := anyObjectRe.FindString(cleaned); m != "" {
		return m
	}
	return cleaned
}

// ParseResponse turns a raw model response into a Result. The decoded object
// is checked against the verdict schema; on schema or JSON failure a regex
// fallback recovers what it can from a truncated response. Listings the model
// never mentioned land in rejected. An answer naming no known id at all is a
// provider error.
func ParseResponse(raw string, items []Listing) (*Result, error) {
	allIDs := make(map[string]bool, len(items))
	for _, it := range items {
		allIDs[it.AvitoItemID] = true
	}

	extracted := ExtractJSON(raw)
	passed, rejected, ok := decodeVerdict(extracted)
	if !ok {
		passed, rejected = regexVerdict(raw)
	}

	recognized := false
	for id := range passed {
		if allIDs[id] {
			recognized = true
			break
		}
	}
	if !recognized {
		for id := range rejected {
			if allIDs[id] {
				recognized = true
				break
			}
		}
	}
	if !recognized {
		return nil, &ProviderError{Provider: "parse", Err: fmt.Errorf("response names no known listing id: %.200s", raw)}
	}

	res := &Result{}
	for id := range passed {
		if allIDs[id] {
			res.PassedIDs = append(res.PassedIDs, id)
		}
	}
	for id, reason := range rejected {
		if allIDs[id] {
			res.Rejected = append(res.Rejected, Rejected{ID: id, Reason: reason})
		}
	}
	// Unmentioned listings are rejected rather than silently dropped.
	for _, it := range items {
		if !passed[it.AvitoItemID] {
			if _, seen := rejected[it.AvitoItemID]; !seen {
				res.Rejected = append(res.Rejected, Rejected{
					ID:     it.AvitoItemID,
					Reason: "не учтено в ответе AI",
				})
			}
		}
	}
	return res, nil
}

func decodeVerdict(extracted string) (map[string]bool, map[string]string, bool) {
	doc := gojsonschema.NewStringLoader(extracted)
	check, err := gojsonschema.Validate(resultSchemaLoader, doc)
	if err != nil || !check.Valid() {
		return nil, nil, false
	}

	var v Result
	if err := json.Unmarshal([]byte(extracted), &v); err != nil {
		return nil, nil, false
	}
	passed := make(map[string]bool, len(v.PassedIDs))
	for _, id := range v.PassedIDs {
		passed[id] = true
	}
	rejected := make(map[string]string, len(v.Rejected))
	for _, r := range v.Rejected {
		reason := r.Reason
		if reason == "" {
			reason = "причина не указана"
		}
		rejected[r.ID] = reason
	}
	return passed, rejected, true
}

func regexVerdict(raw string) (map[string]bool, map[string]string) {
	passed := map[string]bool{}
	if m := passedListRe.FindStringSubmatch(raw); m != nil {
		for _, id := range quotedIDRe.FindAllStringSubmatch(m[1], -1) {
			passed[id[1]] = true
		}
	}
	rejected := map[string]string{}
	for _, m := range rejectedRe.FindAllStringSubmatch(raw, -1) {
		rejected[m[1]] = m[2]
	}
	return passed, rejected
}
