// Copyright 2025 James Ross

// Package validation advances CATALOG_PARSED articulums through the
// three-stage pipeline: price floor, mechanical rules, AI judgment. Every
// listing gets one append-only audit row per stage it reached.
package validation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/flyingrobots/go-avito-work-queue/internal/ai"
	"github.com/flyingrobots/go-avito-work-queue/internal/articulum"
	"github.com/flyingrobots/go-avito-work-queue/internal/config"
	"github.com/flyingrobots/go-avito-work-queue/internal/imagestore"
	"github.com/flyingrobots/go-avito-work-queue/internal/listings"
	"github.com/flyingrobots/go-avito-work-queue/internal/objectqueue"
	"github.com/flyingrobots/go-avito-work-queue/internal/obs"
	"github.com/flyingrobots/go-avito-work-queue/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ExitCodeAIOutage is the distinguished exit code after three consecutive AI
// transport failures. The supervisor restarts the worker; a recovered
// provider picks the rolled-back articulums up again.
const ExitCodeAIOutage = 2

const maxConsecutiveAIErrors = 3

// Validation stage names as stored in validation_results.
const (
	StagePriceFilter = "price_filter"
	StageMechanical  = "mechanical"
	StageAI          = "ai"
)

type Worker struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	log      *zap.Logger
	provider ai.Provider
	images   *imagestore.Client
	id       string

	aiErrorCount   int
	shouldShutdown bool
	exitCode       int
}

// New builds a validation worker. provider may be nil: the AI stage is then
// skipped entirely. images may be nil: the AI stage runs text-only.
func New(cfg *config.Config, pool *pgxpool.Pool, provider ai.Provider, images *imagestore.Client, log *zap.Logger) *Worker {
	host, _ := os.Hostname()
	id := fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	return &Worker{
		cfg:      cfg,
		pool:     pool,
		log:      log.With(obs.String("worker_id", id)),
		provider: provider,
		images:   images,
		id:       id,
	}
}

// Run claims and validates articulums until canceled or shut down by the AI
// outage policy. Returns the process exit code.
func (w *Worker) Run(ctx context.Context) int {
	w.log.Info("validation worker started",
		obs.Bool("ai_enabled", w.provider != nil),
		obs.Int("min_validated_items", w.cfg.Validation.MinValidatedItems))

	for ctx.Err() == nil && !w.shouldShutdown {
		art, err := w.claimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error("claim failed", obs.Err(err))
			sleep(ctx, 5*time.Second)
			continue
		}
		if art == nil {
			sleep(ctx, w.cfg.Worker.IdleSleep)
			continue
		}
		w.validateArticulum(ctx, art)
	}

	if w.provider != nil {
		_ = w.provider.Close()
	}
	w.log.Info("validation worker stopped", obs.Int("exit_code", w.exitCode))
	return w.exitCode
}

// claimNext atomically captures one CATALOG_PARSED articulum, moving it to
// VALIDATING in the same statement so two validators can never hold the same
// row.
func (w *Worker) claimNext(ctx context.Context) (*articulum.Articulum, error) {
	var a articulum.Articulum
	err := w.pool.QueryRow(ctx, `
		UPDATE articulums
		SET state = $1,
		    state_updated_at = NOW(),
		    updated_at = NOW()
		WHERE id = (
		    SELECT id
		    FROM articulums
		    WHERE state = $2
		    ORDER BY state_updated_at ASC
		    LIMIT 1
		    FOR UPDATE SKIP LOCKED
		)
		RETURNING id, articulum, state
	`, articulum.StateValidating, articulum.StateCatalogParsed).Scan(&a.ID, &a.Articulum, &a.State)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim articulum: %w", err)
	}
	return &a, nil
}

func (w *Worker) validateArticulum(ctx context.Context, art *articulum.Articulum) {
	start := time.Now()
	log := w.log.With(obs.Int64("articulum_id", art.ID), obs.String("articulum", art.Articulum))
	log.Info("validation started")

	minItems := w.cfg.Validation.MinValidatedItems

	ls, err := listings.ListForArticulum(ctx, w.pool, art.ID)
	if err != nil {
		log.Error("listing load failed", obs.Err(err))
		return
	}
	log.Info("listings loaded", obs.Int("count", len(ls)))

	// Gate 0: raw catalog yield.
	if len(ls) < minItems {
		w.reject(ctx, log, art.ID, "catalog", fmt.Sprintf("%d listings after catalog parse < %d", len(ls), minItems))
		return
	}

	afterPrice, err := w.priceFilterStage(ctx, art.ID, ls)
	if err != nil {
		log.Error("price filter stage failed", obs.Err(err))
		return
	}
	log.Info("price filter done", obs.Int("passed", len(afterPrice)), obs.Int("total", len(ls)))
	if len(afterPrice) < minItems {
		w.reject(ctx, log, art.ID, StagePriceFilter, fmt.Sprintf("%d listings after price filter < %d", len(afterPrice), minItems))
		return
	}

	afterMechanical, err := w.mechanicalStage(ctx, art.ID, art.Articulum, afterPrice)
	if err != nil {
		log.Error("mechanical stage failed", obs.Err(err))
		return
	}
	log.Info("mechanical validation done", obs.Int("passed", len(afterMechanical)), obs.Int("total", len(afterPrice)))
	if len(afterMechanical) < minItems {
		w.reject(ctx, log, art.ID, StageMechanical, fmt.Sprintf("%d listings after mechanical validation < %d", len(afterMechanical), minItems))
		return
	}

	afterAI, aiRan, err := w.aiStage(ctx, art.ID, art.Articulum, afterMechanical)
	if err != nil {
		w.handleAIError(ctx, log, art.ID, err)
		return
	}
	if aiRan {
		log.Info("ai validation done", obs.Int("passed", len(afterAI)), obs.Int("total", len(afterMechanical)))
		if len(afterAI) < minItems {
			w.reject(ctx, log, art.ID, StageAI, fmt.Sprintf("%d listings after ai validation < %d", len(afterAI), minItems))
			return
		}
	}

	// All stages passed: VALIDATED and object tasks in one transaction.
	err = w.inTx(ctx, func(tx store.DB) error {
		ok, err := articulum.ToValidated(ctx, tx, art.ID)
		if err != nil {
			return err
		}
		if !ok {
			return articulum.ErrStateConflict
		}
		if !w.cfg.Worker.SkipObjectParsing {
			created, err := objectqueue.CreateForArticulum(ctx, tx, art.ID)
			if err != nil {
				return err
			}
			log.Info("object tasks created", obs.Int("count", created))
		}
		return nil
	})
	if err != nil {
		log.Error("validated transition failed", obs.Err(err))
		return
	}
	obs.ArticulumsValidated.Inc()
	log.Info("validation passed",
		obs.Int("survivors", len(afterAI)),
		obs.String("took", time.Since(start).Truncate(time.Millisecond).String()))
}

func (w *Worker) reject(ctx context.Context, log *zap.Logger, articulumID int64, stage, reason string) {
	ok, err := articulum.Reject(ctx, w.pool, articulumID)
	if err != nil {
		log.Error("reject transition failed", obs.Err(err))
		return
	}
	if !ok {
		log.Warn("reject lost state race")
		return
	}
	obs.ArticulumsRejected.WithLabelValues(stage).Inc()
	log.Warn("articulum rejected", obs.String("stage", stage), obs.String("reason", reason))
}

// handleAIError applies the outage policy: rollback so another validator can
// retry, count consecutive failures, shut down on the third strike.
func (w *Worker) handleAIError(ctx context.Context, log *zap.Logger, articulumID int64, err error) {
	var perr *ai.ProviderError
	if !errors.As(err, &perr) {
		log.Error("ai stage failed", obs.Err(err))
		return
	}

	w.aiErrorCount++
	obs.AIFailures.Inc()
	log.Error("ai provider failure",
		obs.Int("consecutive", w.aiErrorCount),
		obs.Err(err))

	if _, rerr := articulum.RollbackToCatalogParsed(ctx, w.pool, articulumID); rerr != nil {
		log.Error("rollback to CATALOG_PARSED failed", obs.Err(rerr))
	} else {
		log.Warn("articulum rolled back to CATALOG_PARSED")
	}

	if w.aiErrorCount >= maxConsecutiveAIErrors {
		log.Error("ai provider unavailable, shutting down",
			obs.Int("consecutive_errors", w.aiErrorCount),
			obs.Int("exit_code", ExitCodeAIOutage))
		w.shouldShutdown = true
		w.exitCode = ExitCodeAIOutage
	}
}

// Stages

func (w *Worker) priceFilterStage(ctx context.Context, articulumID int64, ls []listings.Listing) ([]listings.Listing, error) {
	minPrice := w.cfg.Validation.MinPrice
	var passed []listings.Listing
	for _, l := range ls {
		if l.Price == nil || *l.Price < minPrice {
			reason := fmt.Sprintf("цена %v ниже порога %v", fmtPrice(l.Price), minPrice)
			if err := w.saveResult(ctx, articulumID, l.AvitoItemID, StagePriceFilter, false, reason); err != nil {
				return nil, err
			}
			continue
		}
		if err := w.saveResult(ctx, articulumID, l.AvitoItemID, StagePriceFilter, true, ""); err != nil {
			return nil, err
		}
		passed = append(passed, l)
	}
	return passed, nil
}

func (w *Worker) mechanicalStage(ctx context.Context, articulumID int64, art string, ls []listings.Listing) ([]listings.Listing, error) {
	var prices []float64
	for _, l := range ls {
		if l.Price != nil {
			prices = append(prices, *l.Price)
		}
	}
	bounds := computePriceBounds(prices)
	artNormalized := NormalizeForArticulumSearch(art)

	var passed []listings.Listing
	for _, l := range ls {
		reason := w.mechanicalReason(art, artNormalized, bounds, l)
		if reason != "" {
			if err := w.saveResult(ctx, articulumID, l.AvitoItemID, StageMechanical, false, reason); err != nil {
				return nil, err
			}
			continue
		}
		if err := w.saveResult(ctx, articulumID, l.AvitoItemID, StageMechanical, true, ""); err != nil {
			return nil, err
		}
		passed = append(passed, l)
	}
	return passed, nil
}

// mechanicalReason applies the rule chain in order and returns the first
// rejection reason, or "" when the listing survives.
func (w *Worker) mechanicalReason(art, artNormalized string, bounds priceBounds, l listings.Listing) string {
	if w.cfg.Validation.RequireArticulumInText {
		title := NormalizeForArticulumSearch(l.Title)
		snippet := NormalizeForArticulumSearch(l.SnippetText)
		if !strings.Contains(title, artNormalized) && !strings.Contains(snippet, artNormalized) {
			return fmt.Sprintf("артикул %q не найден в названии или описании", art)
		}
	}

	combined := strings.ToLower(l.Title + " " + l.SnippetText + " " + l.SellerName)
	for _, stopword := range w.cfg.Validation.Stopwords {
		if strings.Contains(combined, strings.ToLower(stopword)) {
			return fmt.Sprintf("найдено стоп-слово: %q", stopword)
		}
	}

	if minReviews := w.cfg.Validation.MinSellerReviews; minReviews > 0 {
		if l.SellerReviews == nil || *l.SellerReviews < minReviews {
			return fmt.Sprintf("недостаточно отзывов продавца: %s < %d", fmtReviews(l.SellerReviews), minReviews)
		}
	}

	if w.cfg.Validation.EnablePriceValidation && l.Price != nil {
		if reason := bounds.rejectByPrice(*l.Price); reason != "" {
			return reason
		}
	}
	return ""
}

// aiStage hands survivors to the AI collaborator. aiRan is false when the
// stage was skipped (disabled or no client configured).
func (w *Worker) aiStage(ctx context.Context, articulumID int64, art string, ls []listings.Listing) (passed []listings.Listing, aiRan bool, err error) {
	if w.provider == nil {
		return ls, false, nil
	}

	useImages := w.cfg.AI.UseImages && w.images != nil
	items := make([]ai.Listing, 0, len(ls))
	for _, l := range ls {
		item := ai.Listing{
			AvitoItemID: l.AvitoItemID,
			Title:       l.Title,
			Price:       l.Price,
			Snippet:     l.SnippetText,
			Seller:      l.SellerName,
		}
		if useImages {
			item.Images = w.loadImages(ctx, l.AvitoItemID, l.ImagesCount)
		}
		items = append(items, item)
	}

	obs.AIRequests.Inc()
	res, err := w.provider.Validate(ctx, art, items, useImages)
	if err != nil {
		return nil, true, err
	}
	w.aiErrorCount = 0

	passedSet := make(map[string]bool, len(res.PassedIDs))
	for _, id := range res.PassedIDs {
		passedSet[id] = true
	}
	reasons := make(map[string]string, len(res.Rejected))
	for _, r := range res.Rejected {
		reasons[r.ID] = r.Reason
	}

	for _, l := range ls {
		if passedSet[l.AvitoItemID] {
			if err := w.saveResult(ctx, articulumID, l.AvitoItemID, StageAI, true, ""); err != nil {
				return nil, true, err
			}
			passed = append(passed, l)
			continue
		}
		reason := reasons[l.AvitoItemID]
		if reason == "" {
			reason = "ИИ не посчитал релевантным"
		}
		if err := w.saveResult(ctx, articulumID, l.AvitoItemID, StageAI, false, reason); err != nil {
			return nil, true, err
		}
	}
	return passed, true, nil
}

// loadImages pulls the listing's stored photos from the image store, capped
// at the configured per-listing budget. Fetch failures degrade to text-only.
func (w *Worker) loadImages(ctx context.Context, avitoItemID string, count int) [][]byte {
	if count > w.cfg.AI.MaxImagesPerListing {
		count = w.cfg.AI.MaxImagesPerListing
	}
	var images [][]byte
	for i := 0; i < count; i++ {
		data, err := w.images.Download(ctx, imagestore.Key(avitoItemID, i))
		if err != nil {
			w.log.Warn("listing image fetch failed",
				obs.String("item_id", avitoItemID), obs.Int("order", i), obs.Err(err))
			break
		}
		images = append(images, data)
	}
	return images
}

// saveResult appends one audit row. Rows are never updated or deleted.
func (w *Worker) saveResult(ctx context.Context, articulumID int64, avitoItemID, stage string, passed bool, reason string) error {
	var rejection any
	if reason != "" {
		rejection = reason
	}
	_, err := w.pool.Exec(ctx, `
		INSERT INTO validation_results (
			articulum_id, avito_item_id, validation_type, passed, rejection_reason
		)
		VALUES ($1, $2, $3, $4, $5)
	`, articulumID, avitoItemID, stage, passed, rejection)
	if err != nil {
		return fmt.Errorf("save validation result: %w", err)
	}
	return nil
}

func (w *Worker) inTx(ctx context.Context, fn func(tx store.DB) error) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func fmtPrice(p *float64) string {
	if p == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.2f", *p)
}

func fmtReviews(r *int) string {
	if r == nil {
		return "N/A"
	}
	return fmt.Sprintf("%d", *r)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
