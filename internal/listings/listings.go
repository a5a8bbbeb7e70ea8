// Copyright 2025 James Ross

// Package listings persists catalog listings and per-listing detail rows.
// Catalog rows are immutable after insert; object_data keeps one row per
// scrape so price and description history survives.
package listings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flyingrobots/go-avito-work-queue/internal/store"
	"github.com/klauspost/compress/zstd"
)

type Listing struct {
	ArticulumID   int64
	AvitoItemID   string
	Title         string
	Price         *float64
	SnippetText   string
	SellerName    string
	SellerID      string
	SellerRating  *float64
	SellerReviews *int
	ImageURLs     []string
	Images        [][]byte
	ImagesCount   int
}

// Card is the structured detail-page payload produced by the card parser
// collaborator.
type Card struct {
	Title           string
	Price           *float64
	SellerName      string
	SellerID        string
	SellerRating    *float64
	PublishedAt     *time.Time
	Description     string
	LocationName    string
	LocationCoords  string
	Characteristics map[string]string
	ViewsTotal      *int
}

// Dedupe removes listings whose title+snippet pair was already seen. The
// marketplace repeats promoted rows across pages; item ids differ, text does
// not. Returns the unique listings and the number removed.
func Dedupe(ls []Listing) ([]Listing, int) {
	type key struct{ title, snippet string }
	seen := make(map[key]bool, len(ls))
	unique := ls[:0:0]
	for _, l := range ls {
		k := key{l.Title, l.SnippetText}
		if seen[k] {
			continue
		}
		seen[k] = true
		unique = append(unique, l)
	}
	return unique, len(ls) - len(unique)
}

// SaveListings inserts catalog listings for the articulum, deduplicating by
// title+snippet and skipping avito_item_id conflicts. Image URLs are capped
// at maxImages per listing when collectImages is set. Returns the number of
// rows actually inserted.
func SaveListings(ctx context.Context, db store.DB, articulumID int64, ls []Listing, collectImages bool, maxImages int) (int, error) {
	unique, _ := Dedupe(ls)

	saved := 0
	for _, l := range unique {
		var urlsJSON any
		var imagesCount any
		if collectImages {
			urls := l.ImageURLs
			if maxImages > 0 && len(urls) > maxImages {
				urls = urls[:maxImages]
			}
			if len(urls) > 0 {
				b, err := json.Marshal(urls)
				if err != nil {
					return saved, fmt.Errorf("marshal image urls: %w", err)
				}
				urlsJSON = b
			}
			imagesCount = len(urls)
		}

		tag, err := db.Exec(ctx, `
			INSERT INTO catalog_listings (
				articulum_id, avito_item_id, title, price, snippet_text,
				seller_name, seller_id, seller_rating, seller_reviews,
				images_urls, images_count
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (avito_item_id) DO NOTHING
		`, articulumID, l.AvitoItemID, l.Title, l.Price, l.SnippetText,
			l.SellerName, l.SellerID, l.SellerRating, l.SellerReviews,
			urlsJSON, imagesCount)
		if err != nil {
			return saved, fmt.Errorf("insert catalog listing %s: %w", l.AvitoItemID, err)
		}
		if tag.RowsAffected() == 1 {
			saved++
		}
	}
	return saved, nil
}

// ListForArticulum loads every catalog listing of an articulum for the
// validation pipeline.
func ListForArticulum(ctx context.Context, db store.DB, articulumID int64) ([]Listing, error) {
	rows, err := db.Query(ctx, `
		SELECT avito_item_id, title, price, snippet_text,
		       seller_name, seller_id, seller_rating, seller_reviews,
		       COALESCE(images_count, 0)
		FROM catalog_listings
		WHERE articulum_id = $1
	`, articulumID)
	if err != nil {
		return nil, fmt.Errorf("list catalog listings: %w", err)
	}
	defer rows.Close()

	var out []Listing
	for rows.Next() {
		l := Listing{ArticulumID: articulumID}
		var title, snippet, sellerName, sellerID *string
		if err := rows.Scan(&l.AvitoItemID, &title, &l.Price, &snippet,
			&sellerName, &sellerID, &l.SellerRating, &l.SellerReviews,
			&l.ImagesCount); err != nil {
			return nil, err
		}
		if title != nil {
			l.Title = *title
		}
		if snippet != nil {
			l.SnippetText = *snippet
		}
		if sellerName != nil {
			l.SellerName = *sellerName
		}
		if sellerID != nil {
			l.SellerID = *sellerID
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SaveObjectData appends one detail row for the listing. Raw HTML, when
// captured, is zstd-compressed before storage. Returns the new row id.
func SaveObjectData(ctx context.Context, db store.DB, articulumID int64, avitoItemID string, card *Card, rawHTML string, includeHTML bool) (int64, error) {
	var characteristics any
	if len(card.Characteristics) > 0 {
		b, err := json.Marshal(card.Characteristics)
		if err != nil {
			return 0, fmt.Errorf("marshal characteristics: %w", err)
		}
		characteristics = b
	}

	var htmlBlob []byte
	if includeHTML && rawHTML != "" {
		blob, err := compressHTML(rawHTML)
		if err != nil {
			return 0, err
		}
		htmlBlob = blob
	}

	var id int64
	err := db.QueryRow(ctx, `
		INSERT INTO object_data (
			articulum_id, avito_item_id, title, price,
			seller_name, seller_id, seller_rating,
			published_at, description,
			location_name, location_coords,
			characteristics, views_total, raw_html
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`, articulumID, avitoItemID, card.Title, card.Price,
		card.SellerName, card.SellerID, card.SellerRating,
		card.PublishedAt, card.Description,
		card.LocationName, card.LocationCoords,
		characteristics, card.ViewsTotal, htmlBlob).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert object data %s: %w", avitoItemID, err)
	}
	return id, nil
}

func compressHTML(html string) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll([]byte(html), nil), nil
}

// DecompressHTML restores a raw_html blob written by SaveObjectData.
func DecompressHTML(blob []byte) (string, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return "", fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	b, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return "", fmt.Errorf("decompress raw html: %w", err)
	}
	return string(b), nil
}
