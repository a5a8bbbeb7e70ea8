// Copyright 2025 James Ross
package listings

import (
	"strings"
	"testing"
)

func TestDedupeByTitleAndSnippet(t *testing.T) {
	ls := []Listing{
		{AvitoItemID: "1", Title: "Фара", SnippetText: "новая"},
		{AvitoItemID: "2", Title: "Фара", SnippetText: "новая"}, // promoted duplicate
		{AvitoItemID: "3", Title: "Фара", SnippetText: "б/у"},
		{AvitoItemID: "4", Title: "Бампер", SnippetText: "новая"},
	}
	unique, removed := Dedupe(ls)
	if removed != 1 {
		t.Fatalf("expected 1 duplicate removed, got %d", removed)
	}
	if len(unique) != 3 {
		t.Fatalf("expected 3 unique, got %d", len(unique))
	}
	if unique[0].AvitoItemID != "1" {
		t.Fatalf("first occurrence must survive, got %s", unique[0].AvitoItemID)
	}
}

func TestDedupeEmpty(t *testing.T) {
	unique, removed := Dedupe(nil)
	if len(unique) != 0 || removed != 0 {
		t.Fatalf("got %d unique, %d removed", len(unique), removed)
	}
}

func TestHTMLCompressionRoundTrip(t *testing.T) {
	html := "<html><body>" + strings.Repeat("объявление о продаже фары ", 200) + "</body></html>"
	blob, err := compressHTML(html)
	if err != nil {
		t.Fatal(err)
	}
	if len(blob) >= len(html) {
		t.Fatalf("repetitive html should shrink: %d -> %d", len(html), len(blob))
	}
	restored, err := DecompressHTML(blob)
	if err != nil {
		t.Fatal(err)
	}
	if restored != html {
		t.Fatal("round trip mismatch")
	}
}
