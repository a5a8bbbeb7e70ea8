// Copyright 2025 James Ross
package avito

import (
	"testing"

	"github.com/flyingrobots/go-avito-work-queue/internal/browserworker"
	"github.com/flyingrobots/go-avito-work-queue/internal/detector"
)

func TestClassifyByStatus(t *testing.T) {
	cases := []struct {
		status int
		html   string
		want   detector.State
	}{
		{502, "", detector.StateServerError502},
		{403, "", detector.StateProxyBlock403},
		{407, "", detector.StateProxyAuthRequired},
		{429, "", detector.StateRateLimit429},
		{200, `<div data-marker="catalog-serp"><div data-marker="item"></div></div>`, detector.StateCatalog},
		{200, `<div data-marker="item-view"></div>`, detector.StateCardFound},
		{200, `<h1>Объявление снято с публикации</h1>`, detector.StateRemoved},
		{200, `<div class="geetest_panel"></div>`, detector.StateCaptcha},
		{200, `<button data-marker="button-continue">Продолжить</button>`, detector.StateContinueButton},
		{200, `<html><body>что-то странное</body></html>`, detector.StateNotDetected},
	}
	for _, c := range cases {
		if got := Classify(c.status, c.html); got != c.want {
			t.Fatalf("Classify(%d, %.40q) = %s, want %s", c.status, c.html, got, c.want)
		}
	}
}

func TestClassifyServerErrorBeatsMarkers(t *testing.T) {
	// A 502 with leftover catalog markup must still classify as server error.
	html := `<div data-marker="catalog-serp">502 error bad gateway</div>`
	if got := Classify(502, html); got != detector.StateServerError502 {
		t.Fatalf("got %s", got)
	}
}

const catalogHTML = `
<div data-marker="catalog-serp">
  <div data-item-id="1001" data-marker="item">
    <h3 itemProp="name">Фара Bosch 0986452</h3>
    <meta itemProp="price" content="5500" />
    <div data-marker="item-descr">Оригинальная фара, новая</div>
    <a href="/user/ab12cd34ef/">
      <span data-marker="seller-name">АвтоДеталь</span>
      <span data-marker="seller-rating">4,8</span>
      <span>120 отзывов</span>
    </a>
    <img src="https://img.example.com/1001-1.jpg" />
    <img src="https://img.example.com/1001-2.jpg" />
  </div>
  <div data-item-id="1002" data-marker="item">
    <h3 itemProp="name">Фара аналог</h3>
    <meta itemProp="price" content="1200" />
  </div>
</div>`

func TestExtractListings(t *testing.T) {
	items := extractListings(catalogHTML)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	first := items[0]
	if first.AvitoItemID != "1001" {
		t.Fatalf("item id: %s", first.AvitoItemID)
	}
	if first.Title != "Фара Bosch 0986452" {
		t.Fatalf("title: %q", first.Title)
	}
	if first.Price == nil || *first.Price != 5500 {
		t.Fatalf("price: %v", first.Price)
	}
	if first.SellerName != "АвтоДеталь" || first.SellerID != "ab12cd34ef" {
		t.Fatalf("seller: %q %q", first.SellerName, first.SellerID)
	}
	if first.SellerRating == nil || *first.SellerRating != 4.8 {
		t.Fatalf("rating: %v", first.SellerRating)
	}
	if first.SellerReviews == nil || *first.SellerReviews != 120 {
		t.Fatalf("reviews: %v", first.SellerReviews)
	}
	if first.ImagesCount != 2 {
		t.Fatalf("images: %d", first.ImagesCount)
	}

	if items[1].AvitoItemID != "1002" || items[1].Price == nil || *items[1].Price != 1200 {
		t.Fatalf("second item: %+v", items[1])
	}
}

const cardHTML = `
<div data-marker="item-view">
<script type="application/ld+json">
{"@type":"Product","name":"Фара Bosch 0986452","description":"Оригинал, в упаковке",
 "offers":{"price":5500},"seller":{"name":"АвтоДеталь","@id":"ab12cd34ef"}}
</script>
<span data-marker="item-address">Москва, Текстильщики</span>
<span data-marker="item-view/total-views">341</span>
<meta itemProp="datePublished" content="2025-06-01T10:00:00Z" />
<li data-marker="item-params/list-item"><span>Состояние:</span> Новое</li>
</div>`

func TestParseCard(t *testing.T) {
	card, err := NewCardParser().ParseCard(cardHTML, nil)
	if err != nil {
		t.Fatal(err)
	}
	if card.Title != "Фара Bosch 0986452" {
		t.Fatalf("title: %q", card.Title)
	}
	if card.Price == nil || *card.Price != 5500 {
		t.Fatalf("price: %v", card.Price)
	}
	if card.SellerName != "АвтоДеталь" {
		t.Fatalf("seller: %q", card.SellerName)
	}
	if card.LocationName != "Москва, Текстильщики" {
		t.Fatalf("location: %q", card.LocationName)
	}
	if card.ViewsTotal == nil || *card.ViewsTotal != 341 {
		t.Fatalf("views: %v", card.ViewsTotal)
	}
	if card.PublishedAt == nil {
		t.Fatal("published_at missing")
	}
	if card.Characteristics["Состояние"] != "Новое" {
		t.Fatalf("characteristics: %v", card.Characteristics)
	}
}

func TestParseCardRejectsNonCard(t *testing.T) {
	_, err := NewCardParser().ParseCard("<html><body>поиск</body></html>", nil)
	if err != browserworker.ErrNotACard {
		t.Fatalf("expected ErrNotACard, got %v", err)
	}
}
