// Copyright 2025 James Ross
package avito

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/flyingrobots/go-avito-work-queue/internal/browserworker"
	"github.com/flyingrobots/go-avito-work-queue/internal/detector"
	"github.com/flyingrobots/go-avito-work-queue/internal/listings"
)

var (
	itemStartRe     = regexp.MustCompile(`data-item-id="(\d+)"`)
	itemTitleRe     = regexp.MustCompile(`itemProp="name"[^>]*>([^<]+)<`)
	itemPriceRe     = regexp.MustCompile(`itemProp="price"[^>]*content="(\d+)"`)
	itemSnippetRe   = regexp.MustCompile(`(?s)data-marker="item-descr"[^>]*>(.*?)</`)
	sellerNameRe    = regexp.MustCompile(`data-marker="seller-name"[^>]*>([^<]+)<`)
	sellerIDRe      = regexp.MustCompile(`/user/([0-9a-f]+)/`)
	sellerRatingRe  = regexp.MustCompile(`data-marker="seller-rating"[^>]*>([\d.,]+)<`)
	sellerReviewsRe = regexp.MustCompile(`(\d+)\s*отзыв`)
	itemImageRe     = regexp.MustCompile(`<img[^>]+src="(https://[^"]+)"`)
)

// CatalogParser walks the paginated search results for one articulum. When a
// page classifies as proxy-blocked or as a server error it suspends on the
// conversation and resumes on whatever page the provider supplies. A captcha
// is resolved in place; an unsolved one ends the run as CAPTCHA_UNSOLVED.
type CatalogParser struct{}

func NewCatalogParser() *CatalogParser { return &CatalogParser{} }

func (p *CatalogParser) Parse(ctx context.Context, page browserworker.Page, conv *browserworker.PageConversation, req browserworker.CatalogRequest) ([]listings.Listing, browserworker.CatalogMeta, error) {
	var collected []listings.Listing
	meta := browserworker.CatalogMeta{Status: browserworker.CatalogSuccess}
	attempt := 0

	pageNum := req.StartPage
	if pageNum < 1 {
		pageNum = 1
	}

	for ; pageNum <= req.MaxPages; pageNum++ {
		status, err := page.Navigate(ctx, pageURL(req, pageNum))
		if err != nil {
			return nil, meta, err
		}
		html, err := page.HTML(ctx)
		if err != nil {
			return nil, meta, err
		}

		switch state := Classify(status, html); {
		case state == detector.StateCatalog:
			items := extractListings(html)
			if len(items) == 0 {
				// Last page reached.
				if pageNum == 1 && len(collected) == 0 {
					meta.Status = browserworker.CatalogEmpty
				}
				meta.ProcessedPages = pageNum
				meta.ProcessedCards = len(collected)
				return collected, meta, nil
			}
			collected = append(collected, items...)
			meta.ProcessedPages = pageNum
			meta.ProcessedCards = len(collected)

		case detector.IsProxyBlock(state):
			attempt++
			reqStatus := browserworker.CatalogProxyBlocked
			if state == detector.StateProxyAuthRequired {
				reqStatus = browserworker.CatalogProxyAuthRequired
			}
			fresh, err := conv.RequestPage(ctx, browserworker.PageRequest{
				Attempt:       attempt,
				Status:        reqStatus,
				NextStartPage: pageNum,
			})
			if err != nil {
				return nil, meta, err
			}
			page = fresh
			pageNum-- // retry the same page on the new identity

		case detector.IsCaptcha(state):
			solver := NewCaptchaSolver()
			solved, err := solver.Resolve(ctx, page, 3)
			if err != nil {
				return nil, meta, err
			}
			if !solved {
				meta.Status = browserworker.CatalogCaptchaUnsolved
				meta.Details = string(state)
				return collected, meta, nil
			}
			pageNum-- // re-fetch the page that was challenged

		case detector.IsServerError(state):
			attempt++
			fresh, err := conv.RequestPage(ctx, browserworker.PageRequest{
				Attempt:       attempt,
				Status:        browserworker.CatalogProxyBlocked,
				NextStartPage: pageNum,
			})
			if err != nil {
				return nil, meta, err
			}
			page = fresh
			pageNum--

		default:
			meta.Status = browserworker.CatalogNotDetected
			meta.Details = string(state)
			return collected, meta, nil
		}
	}

	meta.ProcessedCards = len(collected)
	if len(collected) == 0 {
		meta.Status = browserworker.CatalogEmpty
	}
	return collected, meta, nil
}

func pageURL(req browserworker.CatalogRequest, pageNum int) string {
	u := req.SearchURL + "&s=104" // sort by date
	if req.MinPrice > 0 {
		u += fmt.Sprintf("&pmin=%d", int(req.MinPrice))
	}
	if pageNum > 1 {
		u += fmt.Sprintf("&p=%d", pageNum)
	}
	return u
}

func extractListings(html string) []listings.Listing {
	starts := itemStartRe.FindAllStringSubmatchIndex(html, -1)
	var out []listings.Listing
	for i, loc := range starts {
		itemID := html[loc[2]:loc[3]]
		end := len(html)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		block := html[loc[1]:end]
		l := listings.Listing{AvitoItemID: itemID}
		if t := itemTitleRe.FindStringSubmatch(block); t != nil {
			l.Title = strings.TrimSpace(t[1])
		}
		if pr := itemPriceRe.FindStringSubmatch(block); pr != nil {
			if v, err := strconv.ParseFloat(pr[1], 64); err == nil {
				l.Price = &v
			}
		}
		if sn := itemSnippetRe.FindStringSubmatch(block); sn != nil {
			l.SnippetText = strings.TrimSpace(sn[1])
		}
		if s := sellerNameRe.FindStringSubmatch(block); s != nil {
			l.SellerName = strings.TrimSpace(s[1])
		}
		if s := sellerIDRe.FindStringSubmatch(block); s != nil {
			l.SellerID = s[1]
		}
		if s := sellerRatingRe.FindStringSubmatch(block); s != nil {
			if v, err := strconv.ParseFloat(strings.ReplaceAll(s[1], ",", "."), 64); err == nil {
				l.SellerRating = &v
			}
		}
		if s := sellerReviewsRe.FindStringSubmatch(block); s != nil {
			if v, err := strconv.Atoi(s[1]); err == nil {
				l.SellerReviews = &v
			}
		}
		for _, img := range itemImageRe.FindAllStringSubmatch(block, -1) {
			l.ImageURLs = append(l.ImageURLs, img[1])
		}
		l.ImagesCount = len(l.ImageURLs)
		out = append(out, l)
	}
	return out
}
