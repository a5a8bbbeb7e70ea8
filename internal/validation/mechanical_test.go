// Copyright 2025 James Ross
package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeForArticulumSearch(t *testing.T) {
	cases := map[string]string{
		"":                "",
		"ABC-123":         "abc123",
		"A.B./C 1_2-3":    "abc123",
		"МН-0904в":        "mh0904b", // Cyrillic lookalikes fold to Latin
		"Х-123У":          "x123y",
		"Bosch 0 986 452": "bosch0986452",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeForArticulumSearch(in), "input %q", in)
	}
}

func TestPriceBoundsSmallSamples(t *testing.T) {
	b := computePriceBounds(nil)
	if b.hasBounds {
		t.Fatal("no prices must yield no bounds")
	}

	// Fewer than 4 points: median heuristics.
	b = computePriceBounds([]float64{1000, 2000, 3000})
	if !b.hasBounds {
		t.Fatal("expected degraded bounds")
	}
	assert.Equal(t, 2000.0, b.medianTop40)
	assert.Equal(t, 6000.0, b.upperBound)
}

func TestPriceBoundsOutlierRejection(t *testing.T) {
	// Tight cluster plus one absurd outlier.
	prices := []float64{5000, 5200, 5400, 5600, 5800, 6000, 100000}
	b := computePriceBounds(prices)
	if !b.hasBounds {
		t.Fatal("expected bounds")
	}

	if reason := b.rejectByPrice(5500); reason != "" {
		t.Fatalf("cluster price rejected: %s", reason)
	}
	if reason := b.rejectByPrice(100000); reason == "" {
		t.Fatal("extreme outlier must be rejected")
	}
	if reason := b.rejectByPrice(100); reason == "" {
		t.Fatal("suspiciously cheap price must be rejected")
	}
}

func TestPriceBoundsSuspiciousFloorTracksTop40(t *testing.T) {
	prices := []float64{4000, 4100, 4200, 4300, 9000, 9100, 9200, 9300, 9400, 9500}
	b := computePriceBounds(prices)
	// Floor is half of the top-40% median, so the cheap cluster sits well
	// below it.
	if reason := b.rejectByPrice(4000); reason == "" {
		t.Fatal("price below half of top-40% median must be rejected")
	}
	if reason := b.rejectByPrice(9000); reason != "" {
		t.Fatalf("top cluster price rejected: %s", reason)
	}
}

func TestMedianAndQuantile(t *testing.T) {
	assert.Equal(t, 2.0, median([]float64{1, 2, 3}))
	assert.Equal(t, 2.5, median([]float64{1, 2, 3, 4}))
	assert.Equal(t, 0.0, median(nil))

	sorted := []float64{1, 2, 3, 4}
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	if q1 >= q3 {
		t.Fatalf("Q1 %v must be below Q3 %v", q1, q3)
	}
	assert.Equal(t, 1.25, q1)
	assert.Equal(t, 3.75, q3)
}
