// Copyright 2025 James Ross
package avito

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/flyingrobots/go-avito-work-queue/internal/browserworker"
	"github.com/flyingrobots/go-avito-work-queue/internal/listings"
)

var (
	ldJSONRe      = regexp.MustCompile(`(?s)<script type="application/ld\+json">(.*?)</script>`)
	cardMarkerRe  = regexp.MustCompile(`data-marker="item-view"|itemtype="http://schema\.org/Product"`)
	locationRe    = regexp.MustCompile(`data-marker="item-address"[^>]*>([^<]+)<`)
	coordsRe      = regexp.MustCompile(`data-map-lat="([\d.]+)"\s+data-map-lon="([\d.]+)"`)
	viewsRe       = regexp.MustCompile(`data-marker="item-view/total-views"[^>]*>(\d+)`)
	publishedRe   = regexp.MustCompile(`itemProp="datePublished"[^>]*content="([^"]+)"`)
	charRowRe     = regexp.MustCompile(`(?s)data-marker="item-params/list-item"[^>]*>\s*<span[^>]*>([^<]+)</span>\s*([^<]+)<`)
	sellerRatedRe = regexp.MustCompile(`data-marker="seller-info/score"[^>]*>([\d.,]+)<`)
)

// ldProduct is the schema.org Product block most card pages embed.
type ldProduct struct {
	Type        string `json:"@type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Offers      struct {
		Price json.Number `json:"price"`
	} `json:"offers"`
	Seller struct {
		Name string `json:"name"`
		ID   string `json:"@id"`
	} `json:"seller"`
}

// CardParser extracts a structured card from a detail page.
type CardParser struct{}

func NewCardParser() *CardParser { return &CardParser{} }

func (p *CardParser) ParseCard(html string, fields []string) (*listings.Card, error) {
	if !cardMarkerRe.MatchString(html) {
		return nil, browserworker.ErrNotACard
	}

	card := &listings.Card{Characteristics: map[string]string{}}

	for _, m := range ldJSONRe.FindAllStringSubmatch(html, -1) {
		var prod ldProduct
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &prod); err != nil {
			continue
		}
		if prod.Type != "Product" {
			continue
		}
		card.Title = prod.Name
		card.Description = prod.Description
		if v, err := prod.Offers.Price.Float64(); err == nil && v > 0 {
			card.Price = &v
		}
		card.SellerName = prod.Seller.Name
		card.SellerID = prod.Seller.ID
		break
	}

	if m := locationRe.FindStringSubmatch(html); m != nil {
		card.LocationName = strings.TrimSpace(m[1])
	}
	if m := coordsRe.FindStringSubmatch(html); m != nil {
		card.LocationCoords = m[1] + "," + m[2]
	}
	if m := viewsRe.FindStringSubmatch(html); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			card.ViewsTotal = &v
		}
	}
	if m := publishedRe.FindStringSubmatch(html); m != nil {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
			card.PublishedAt = &t
		}
	}
	if m := sellerRatedRe.FindStringSubmatch(html); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64); err == nil {
			card.SellerRating = &v
		}
	}
	for _, m := range charRowRe.FindAllStringSubmatch(html, -1) {
		key := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(m[1]), ":"))
		card.Characteristics[key] = strings.TrimSpace(m[2])
	}

	return card, nil
}
