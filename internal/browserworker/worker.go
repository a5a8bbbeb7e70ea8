// Copyright 2025 James Ross
package browserworker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/flyingrobots/go-avito-work-queue/internal/articulum"
	"github.com/flyingrobots/go-avito-work-queue/internal/breaker"
	"github.com/flyingrobots/go-avito-work-queue/internal/catalogqueue"
	"github.com/flyingrobots/go-avito-work-queue/internal/config"
	"github.com/flyingrobots/go-avito-work-queue/internal/detector"
	"github.com/flyingrobots/go-avito-work-queue/internal/listings"
	"github.com/flyingrobots/go-avito-work-queue/internal/objectqueue"
	"github.com/flyingrobots/go-avito-work-queue/internal/obs"
	"github.com/flyingrobots/go-avito-work-queue/internal/proxypool"
	"github.com/flyingrobots/go-avito-work-queue/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	captchaMaxAttempts = 3
	maxDetectorHops    = 5
	navigateRetries    = 3
	cleanupTimeout     = 10 * time.Second
)

type taskKind string

const (
	taskKindCatalog taskKind = "catalog"
	taskKindObject  taskKind = "object"
)

// Worker is one browser-driven scrape loop. It owns at most one browser
// session and one leased proxy at a time.
type Worker struct {
	cfg    *config.Config
	pool   *pgxpool.Pool
	log    *zap.Logger
	cb     *breaker.CircuitBreaker
	id     string
	collab Collaborators

	session Session
	page    Page
	proxy   *proxypool.Proxy
}

func New(cfg *config.Config, pool *pgxpool.Pool, collab Collaborators, log *zap.Logger) *Worker {
	host, _ := os.Hostname()
	id := fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod,
		cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	return &Worker{
		cfg:    cfg,
		pool:   pool,
		log:    log.With(obs.String("worker_id", id)),
		cb:     cb,
		id:     id,
		collab: collab,
	}
}

// ID returns the worker's lease identity.
func (w *Worker) ID() string { return w.id }

// Run claims and processes tasks until the context is canceled. Catalog
// tasks take priority over object tasks; re-parse mode suppresses catalog
// claims entirely.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("browser worker started",
		obs.Bool("reparse_mode", w.cfg.Worker.ReparseMode),
		obs.Bool("skip_object_parsing", w.cfg.Worker.SkipObjectParsing))
	defer w.cleanup(ctx)

	for ctx.Err() == nil {
		if !w.cb.Allow() {
			w.publishBreakerState()
			sleep(ctx, w.cfg.Worker.BreakerPause)
			continue
		}

		claimed, ok := w.claimAndProcess(ctx)
		if claimed {
			prev := w.cb.State()
			w.cb.Record(ok)
			if curr := w.cb.State(); prev != curr && curr == breaker.Open {
				obs.CircuitBreakerTrips.Inc()
			}
			w.publishBreakerState()
			continue
		}
		sleep(ctx, w.cfg.Worker.IdleSleep)
	}
	return nil
}

func (w *Worker) publishBreakerState() {
	switch w.cb.State() {
	case breaker.Closed:
		obs.CircuitBreakerState.Set(0)
	case breaker.HalfOpen:
		obs.CircuitBreakerState.Set(1)
	case breaker.Open:
		obs.CircuitBreakerState.Set(2)
	}
}

func (w *Worker) claimAndProcess(ctx context.Context) (claimed, ok bool) {
	if !w.cfg.Worker.ReparseMode {
		claimCtx, span := obs.StartClaimSpan(ctx, string(taskKindCatalog))
		task, err := catalogqueue.Acquire(claimCtx, w.pool, w.id)
		span.End()
		if err != nil {
			w.log.Error("catalog acquire failed", obs.Err(err))
			sleep(ctx, w.cfg.Worker.IdleSleep)
			return false, false
		}
		if task != nil {
			if err := w.ensureBrowser(ctx); err != nil {
				w.requeueCatalog(ctx, task.ID)
				w.log.Error("browser launch failed", obs.Err(err))
				return true, false
			}
			return true, w.processCatalogTask(ctx, task)
		}
	}

	if !w.cfg.Worker.SkipObjectParsing {
		claimCtx, span := obs.StartClaimSpan(ctx, string(taskKindObject))
		task, err := objectqueue.Acquire(claimCtx, w.pool, w.id, w.cfg.Worker.MaxObjectWorkers)
		span.End()
		if err != nil {
			w.log.Error("object acquire failed", obs.Err(err))
			sleep(ctx, w.cfg.Worker.IdleSleep)
			return false, false
		}
		if task != nil {
			if err := w.ensureBrowser(ctx); err != nil {
				w.requeueObject(ctx, task.ID)
				w.log.Error("browser launch failed", obs.Err(err))
				return true, false
			}
			return true, w.processObjectTask(ctx, task)
		}
	}
	return false, false
}

// Browser lifecycle

// ensureBrowser lazily launches the browser on the first claimed task.
func (w *Worker) ensureBrowser(ctx context.Context) error {
	if w.session != nil {
		return nil
	}
	proxy, err := proxypool.AcquireWithWait(ctx, w.pool, w.log, w.id,
		w.cfg.Proxy.WaitInterval, w.cfg.Proxy.MaxWaitAttempts)
	if err != nil {
		return err
	}
	session, err := w.collab.Sessions(ctx, proxy)
	if err != nil {
		_ = proxypool.Release(ctx, w.pool, proxy.ID)
		return fmt.Errorf("launch browser: %w", err)
	}
	page, err := session.Page(ctx)
	if err != nil {
		_ = session.Close(ctx)
		_ = proxypool.Release(ctx, w.pool, proxy.ID)
		return fmt.Errorf("open page: %w", err)
	}
	w.session = session
	w.page = page
	w.proxy = proxy
	w.log.Info("browser created", obs.String("proxy", proxy.Addr()))
	return nil
}

// teardownBrowser closes the session under a bounded timeout. It does not
// touch the proxy lease in the database.
func (w *Worker) teardownBrowser(ctx context.Context) {
	if w.session == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.Browser.CloseTimeout)
	defer cancel()
	if err := w.session.Close(closeCtx); err != nil {
		w.log.Warn("browser close failed", obs.Err(err))
	}
	w.session = nil
	w.page = nil
}

// blockCurrentProxy permanently blocks the leased proxy and discards the
// browser built on it.
func (w *Worker) blockCurrentProxy(ctx context.Context, reason string) {
	if w.proxy != nil {
		if err := proxypool.Block(ctx, w.pool, w.log, w.proxy.ID, reason); err != nil {
			w.log.Error("proxy block failed", obs.Err(err))
		}
		w.proxy = nil
	}
	w.teardownBrowser(ctx)
}

// releaseCurrentProxy returns the leased proxy to the pool (no block) and
// discards the browser built on it.
func (w *Worker) releaseCurrentProxy(ctx context.Context) {
	if w.proxy != nil {
		if err := proxypool.Release(ctx, w.pool, w.proxy.ID); err != nil {
			w.log.Error("proxy release failed", obs.Err(err))
		}
		w.proxy = nil
	}
	w.teardownBrowser(ctx)
}

// noteNetworkError applies the two-stage proxy error budget to a navigation
// failure: permanent proxy faults block immediately, transient faults count
// toward the consecutive-error limit.
func (w *Worker) noteNetworkError(ctx context.Context, err error) {
	if w.proxy == nil {
		return
	}
	switch {
	case detector.IsPermanentProxyError(err):
		w.blockCurrentProxy(ctx, detector.ErrorDescription(err))
	case detector.IsTransientNetworkError(err):
		if _, ierr := proxypool.IncrementError(ctx, w.pool, w.log, w.proxy.ID,
			w.cfg.Proxy.MaxConsecutiveErrors, detector.ErrorDescription(err)); ierr != nil {
			w.log.Error("proxy error increment failed", obs.Err(ierr))
		}
		w.proxy = nil
		w.teardownBrowser(ctx)
	}
}

// Catalog task execution

func (w *Worker) processCatalogTask(ctx context.Context, t *catalogqueue.Task) bool {
	start := time.Now()
	obs.TasksAcquired.WithLabelValues(string(taskKindCatalog)).Inc()
	ctx, span := obs.StartTaskSpan(ctx, string(taskKindCatalog), t.ID, t.ArticulumID, w.id)
	defer span.End()

	w.log.Info("catalog task",
		obs.Int64("task_id", t.ID),
		obs.String("articulum", t.Articulum),
		obs.Int("checkpoint", t.CheckpointPage))

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go w.heartbeatLoop(hbCtx, hbDone, taskKindCatalog, t.ID)

	conv := NewPageConversation()
	provCtx, stopProvider := context.WithCancel(ctx)
	provDone := make(chan struct{})
	go w.pageProvider(provCtx, provDone, conv, t.ID)

	handled := false
	ok := false
	defer func() {
		stopHeartbeat()
		stopProvider()
		waitDone(hbDone, 5*time.Second)
		if !waitDone(provDone, 15*time.Second) {
			w.log.Warn("page provider did not stop in time")
		}
		// The task always converges: either a terminal decision was
		// persisted above, or the row goes back to pending here. Runs on a
		// detached context so cancellation cannot skip it.
		if !handled {
			w.requeueCatalog(ctx, t.ID)
		}
		obs.TaskProcessingDuration.WithLabelValues(string(taskKindCatalog)).Observe(time.Since(start).Seconds())
	}()

	req := CatalogRequest{
		Articulum: t.Articulum,
		SearchURL: catalogSearchURL(t.Articulum),
		Fields:    w.cfg.Browser.CatalogFields,
		StartPage: t.CheckpointPage,
		MaxPages:  w.cfg.Browser.CatalogMaxPages,
		MinPrice:  w.cfg.Validation.MinPrice,
	}
	ls, meta, err := w.collab.Catalog.Parse(ctx, w.page, conv, req)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		obs.RecordError(ctx, err)
		w.log.Error("catalog parse failed", obs.Int64("task_id", t.ID), obs.Err(err))
		w.noteNetworkError(ctx, err)
		return false
	}

	handled, ok = w.settleCatalogRun(ctx, t, ls, meta)
	return ok
}

func (w *Worker) settleCatalogRun(ctx context.Context, t *catalogqueue.Task, ls []listings.Listing, meta CatalogMeta) (handled, ok bool) {
	w.log.Info("catalog parse result",
		obs.String("articulum", t.Articulum),
		obs.String("status", string(meta.Status)),
		obs.Int("pages", meta.ProcessedPages),
		obs.Int("cards", meta.ProcessedCards))

	switch meta.Status {
	case CatalogSuccess, CatalogEmpty:
		// Listing inserts and the completion transition commit or roll back
		// together.
		err := w.inTx(ctx, func(tx store.DB) error {
			if meta.Status == CatalogSuccess {
				saved, err := listings.SaveListings(ctx, tx, t.ArticulumID, ls,
					w.cfg.Browser.CollectImages, w.cfg.Browser.MaxImagesPerItem)
				if err != nil {
					return err
				}
				w.log.Info("listings saved", obs.Int("count", saved))
			}
			return catalogqueue.Complete(ctx, tx, t.ID, t.ArticulumID)
		})
		if err != nil {
			if errors.Is(err, articulum.ErrStateConflict) {
				w.log.Error("catalog completion lost state race", obs.Int64("task_id", t.ID), obs.Err(err))
			} else {
				w.log.Error("catalog completion failed", obs.Int64("task_id", t.ID), obs.Err(err))
			}
			return false, false
		}
		if w.proxy != nil {
			_ = proxypool.ResetErrorCounter(ctx, w.pool, w.proxy.ID)
		}
		obs.TasksCompleted.WithLabelValues(string(taskKindCatalog)).Inc()
		obs.SetSpanSuccess(ctx)
		return true, true

	case CatalogProxyBlocked, CatalogProxyAuthRequired:
		w.blockCurrentProxy(ctx, "catalog: "+string(meta.Status))
		if err := catalogqueue.ReturnToQueue(ctx, w.pool, t.ID); err != nil {
			w.log.Error("catalog requeue failed", obs.Err(err))
			return false, false
		}
		obs.TasksReturned.WithLabelValues(string(taskKindCatalog)).Inc()
		return true, false

	case CatalogCaptchaUnsolved:
		if err := catalogqueue.ReturnToQueue(ctx, w.pool, t.ID); err != nil {
			w.log.Error("catalog requeue failed", obs.Err(err))
			return false, false
		}
		w.releaseCurrentProxy(ctx)
		obs.TasksReturned.WithLabelValues(string(taskKindCatalog)).Inc()
		return true, false

	case CatalogNotDetected:
		if _, err := catalogqueue.IncrementWrongPageCount(ctx, w.pool, t.ID); err != nil {
			w.log.Warn("wrong page counter failed", obs.Err(err))
		}
		if err := catalogqueue.Fail(ctx, w.pool, t.ID, "NOT_DETECTED: "+meta.Details); err != nil {
			w.log.Error("catalog fail failed", obs.Err(err))
			return false, false
		}
		obs.TasksFailed.WithLabelValues(string(taskKindCatalog)).Inc()
		return true, false

	default:
		w.log.Warn("unexpected catalog status, returning task", obs.String("status", string(meta.Status)))
		if err := catalogqueue.ReturnToQueue(ctx, w.pool, t.ID); err != nil {
			return false, false
		}
		obs.TasksReturned.WithLabelValues(string(taskKindCatalog)).Inc()
		return true, false
	}
}

// pageProvider is the background half of the catalog conversation. On every
// request it persists the checkpoint, rotates the proxy when the status says
// it is burned, and supplies a fresh page for the parser to resume on.
func (w *Worker) pageProvider(ctx context.Context, done chan struct{}, conv *PageConversation, taskID int64) {
	defer close(done)
	for {
		req, err := conv.AwaitRequest(ctx)
		if err != nil {
			return
		}
		w.log.Info("page request",
			obs.Int("attempt", req.Attempt),
			obs.String("status", string(req.Status)),
			obs.Int("next_page", req.NextStartPage))

		if err := catalogqueue.UpdateCheckpoint(ctx, w.pool, taskID, req.NextStartPage); err != nil {
			w.log.Error("checkpoint update failed", obs.Err(err))
		}

		if req.Status == CatalogProxyBlocked || req.Status == CatalogProxyAuthRequired {
			w.log.Warn("proxy burned mid-run, rotating")
			w.blockCurrentProxy(ctx, "catalog page request: "+string(req.Status))
			if err := w.ensureBrowser(ctx); err != nil {
				w.log.Error("proxy rotation failed", obs.Err(err))
				return
			}
		}

		if err := conv.SupplyPage(ctx, w.page); err != nil {
			return
		}
	}
}

// Object task execution

func (w *Worker) processObjectTask(ctx context.Context, t *objectqueue.Task) bool {
	start := time.Now()
	obs.TasksAcquired.WithLabelValues(string(taskKindObject)).Inc()
	ctx, span := obs.StartTaskSpan(ctx, string(taskKindObject), t.ID, t.ArticulumID, w.id)
	defer span.End()

	w.log.Info("object task",
		obs.Int64("task_id", t.ID),
		obs.String("item_id", t.AvitoItemID))

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go w.heartbeatLoop(hbCtx, hbDone, taskKindObject, t.ID)

	// The first object task moves the articulum into its terminal state. The
	// transition is a no-op CAS for every subsequent task.
	if !w.cfg.Worker.ReparseMode {
		if _, err := articulum.ToObjectParsing(ctx, w.pool, t.ArticulumID); err != nil {
			w.log.Error("object parsing transition failed", obs.Err(err))
		}
	}

	handled := false
	ok := false
	defer func() {
		stopHeartbeat()
		waitDone(hbDone, 5*time.Second)
		if !handled {
			w.requeueObject(ctx, t.ID)
		}
		obs.TaskProcessingDuration.WithLabelValues(string(taskKindObject)).Observe(time.Since(start).Seconds())
	}()

	status, err := w.navigateWithRetry(ctx, listingURL(t.AvitoItemID))
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		obs.RecordError(ctx, err)
		w.log.Error("navigation failed", obs.String("item_id", t.AvitoItemID), obs.Err(err))
		w.noteNetworkError(ctx, err)
		return false
	}

	state, err := w.collab.Detect.Detect(ctx, w.page, status)
	if err != nil {
		w.log.Error("detector failed", obs.Err(err))
		return false
	}

	handled, ok = w.settleObjectState(ctx, t, state)
	return ok
}

// settleObjectState routes the detector state through the recovery policy.
// Captcha resolution can re-dispatch into a new state, bounded by
// maxDetectorHops.
func (w *Worker) settleObjectState(ctx context.Context, t *objectqueue.Task, state detector.State) (handled, ok bool) {
	for hop := 0; hop < maxDetectorHops; hop++ {
		w.log.Info("detector state",
			obs.String("state", string(state)),
			obs.String("description", detector.Description(state)))

		switch detector.Route(state) {
		case detector.ActionChangeProxyAndRetry:
			// Marketplace 5xx: the proxy is fine, the site is not. Fresh
			// identity, task stays in flight and is requeued by the cleanup
			// path.
			w.log.Warn("server error, changing proxy", obs.String("state", string(state)))
			w.releaseCurrentProxy(ctx)
			return false, false

		case detector.ActionBlockProxy:
			w.blockCurrentProxy(ctx, string(state))
			if err := objectqueue.ReturnToQueue(ctx, w.pool, t.ID); err != nil {
				w.log.Error("object requeue failed", obs.Err(err))
				return false, false
			}
			obs.TasksReturned.WithLabelValues(string(taskKindObject)).Inc()
			return true, false

		case detector.ActionSolveCaptcha:
			obs.CaptchaAttempts.Inc()
			solved, err := w.collab.Captcha.Resolve(ctx, w.page, captchaMaxAttempts)
			if err != nil {
				w.log.Error("captcha resolution error", obs.Err(err))
			}
			if err != nil || !solved {
				if rerr := objectqueue.ReturnToQueue(ctx, w.pool, t.ID); rerr != nil {
					w.log.Error("object requeue failed", obs.Err(rerr))
					return false, false
				}
				w.releaseCurrentProxy(ctx)
				obs.TasksReturned.WithLabelValues(string(taskKindObject)).Inc()
				return true, false
			}
			next, derr := w.collab.Detect.Detect(ctx, w.page, 0)
			if derr != nil {
				w.log.Error("re-detect after captcha failed", obs.Err(derr))
				return false, false
			}
			state = next
			continue

		case detector.ActionMarkInvalid:
			if err := objectqueue.Invalidate(ctx, w.pool, t.ID, string(state)); err != nil {
				w.log.Error("object invalidate failed", obs.Err(err))
				return false, false
			}
			w.log.Info("listing removed, task invalidated", obs.String("item_id", t.AvitoItemID))
			obs.TasksInvalidated.WithLabelValues(string(taskKindObject)).Inc()
			return true, true

		case detector.ActionMarkFailed:
			if err := objectqueue.Fail(ctx, w.pool, t.ID, string(state)); err != nil {
				w.log.Error("object fail failed", obs.Err(err))
				return false, false
			}
			obs.TasksFailed.WithLabelValues(string(taskKindObject)).Inc()
			return true, false

		case detector.ActionContinue:
			return w.captureCard(ctx, t)
		}
	}

	// Captcha loop never converged; give the identity back and retry later.
	w.log.Warn("detector hop budget exhausted", obs.Int64("task_id", t.ID))
	if err := objectqueue.ReturnToQueue(ctx, w.pool, t.ID); err != nil {
		return false, false
	}
	w.releaseCurrentProxy(ctx)
	obs.TasksReturned.WithLabelValues(string(taskKindObject)).Inc()
	return true, false
}

func (w *Worker) captureCard(ctx context.Context, t *objectqueue.Task) (handled, ok bool) {
	html, err := w.page.HTML(ctx)
	if err != nil {
		w.log.Error("page content failed", obs.Err(err))
		return false, false
	}
	card, err := w.collab.Cards.ParseCard(html, w.cfg.Browser.ObjectFields)
	if err != nil {
		if errors.Is(err, ErrNotACard) {
			if ferr := objectqueue.Fail(ctx, w.pool, t.ID, err.Error()); ferr != nil {
				w.log.Error("object fail failed", obs.Err(ferr))
				return false, false
			}
			obs.TasksFailed.WithLabelValues(string(taskKindObject)).Inc()
			return true, false
		}
		w.log.Error("card parse failed", obs.Err(err))
		return false, false
	}

	err = w.inTx(ctx, func(tx store.DB) error {
		if _, err := listings.SaveObjectData(ctx, tx, t.ArticulumID, t.AvitoItemID,
			card, html, w.cfg.Browser.IncludeHTML); err != nil {
			return err
		}
		return objectqueue.Complete(ctx, tx, t.ID)
	})
	if err != nil {
		w.log.Error("object completion failed", obs.Err(err))
		return false, false
	}
	if w.proxy != nil {
		_ = proxypool.ResetErrorCounter(ctx, w.pool, w.proxy.ID)
	}
	w.log.Info("listing captured", obs.String("item_id", t.AvitoItemID))
	obs.TasksCompleted.WithLabelValues(string(taskKindObject)).Inc()
	obs.SetSpanSuccess(ctx)
	return true, true
}

// Background loops and plumbing

func (w *Worker) heartbeatLoop(ctx context.Context, done chan struct{}, kind taskKind, taskID int64) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.Worker.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if kind == taskKindCatalog {
				err = catalogqueue.UpdateHeartbeat(ctx, w.pool, taskID)
			} else {
				err = objectqueue.UpdateHeartbeat(ctx, w.pool, taskID)
			}
			if err != nil && ctx.Err() == nil {
				w.log.Error("heartbeat update failed", obs.Err(err))
			}
		}
	}
}

func (w *Worker) navigateWithRetry(ctx context.Context, pageURL string) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= navigateRetries; attempt++ {
		status, err := w.page.Navigate(ctx, pageURL)
		if err == nil {
			return status, nil
		}
		lastErr = err
		if ctx.Err() != nil || !detector.IsTransientNetworkError(err) {
			return 0, err
		}
		sleep(ctx, backoff(attempt, 500*time.Millisecond, 5*time.Second))
	}
	return 0, lastErr
}

// requeueCatalog returns the task to pending on a detached context so the
// cleanup guarantee holds across cancellation.
func (w *Worker) requeueCatalog(ctx context.Context, taskID int64) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := catalogqueue.ReturnToQueue(cctx, w.pool, taskID); err != nil {
		w.log.Error("catalog cleanup requeue failed", obs.Int64("task_id", taskID), obs.Err(err))
		return
	}
	obs.TasksReturned.WithLabelValues(string(taskKindCatalog)).Inc()
	w.log.Info("catalog task returned to queue", obs.Int64("task_id", taskID))
}

func (w *Worker) requeueObject(ctx context.Context, taskID int64) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := objectqueue.ReturnToQueue(cctx, w.pool, taskID); err != nil {
		w.log.Error("object cleanup requeue failed", obs.Int64("task_id", taskID), obs.Err(err))
		return
	}
	obs.TasksReturned.WithLabelValues(string(taskKindObject)).Inc()
	w.log.Info("object task returned to queue", obs.Int64("task_id", taskID))
}

// cleanup releases the worker's proxy and browser on loop exit.
func (w *Worker) cleanup(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	w.teardownBrowser(cctx)
	if w.proxy != nil {
		if err := proxypool.Release(cctx, w.pool, w.proxy.ID); err != nil {
			w.log.Error("proxy release on shutdown failed", obs.Err(err))
		}
		w.proxy = nil
	}
	w.log.Info("browser worker stopped")
}

// inTx runs fn inside one pgx transaction.
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

func catalogSearchURL(art string) string {
	return "https://www.avito.ru/rossiya/zapchasti?q=" + url.QueryEscape(art)
}

func listingURL(itemID string) string {
	return "https://www.avito.ru/" + itemID
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func backoff(attempt int, base, max time.Duration) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * base
	if d > max || d < 0 {
		return max
	}
	return d
}
