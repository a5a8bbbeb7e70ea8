// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/go-avito-work-queue/internal/admin"
	"github.com/flyingrobots/go-avito-work-queue/internal/ai"
	"github.com/flyingrobots/go-avito-work-queue/internal/avito"
	"github.com/flyingrobots/go-avito-work-queue/internal/browser"
	"github.com/flyingrobots/go-avito-work-queue/internal/browserworker"
	"github.com/flyingrobots/go-avito-work-queue/internal/config"
	"github.com/flyingrobots/go-avito-work-queue/internal/imagestore"
	"github.com/flyingrobots/go-avito-work-queue/internal/obs"
	"github.com/flyingrobots/go-avito-work-queue/internal/store"
	"github.com/flyingrobots/go-avito-work-queue/internal/supervisor"
	"github.com/flyingrobots/go-avito-work-queue/internal/validation"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var workerIndex int
	var adminCmd string
	var adminQueue string
	var adminN int
	var adminYes bool
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "supervisor", "Role to run: supervisor|browser-worker|validation-worker|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.IntVar(&workerIndex, "worker-index", 0, "Worker index assigned by the supervisor")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|requeue-stuck|purge-data")
	fs.StringVar(&adminQueue, "queue", "", "Queue for admin peek (catalog|object)")
	fs.IntVar(&adminN, "n", 10, "Number of items for admin peek")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if workerIndex > 0 {
		logger = logger.With(obs.Int("worker_index", workerIndex))
	}

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := store.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("postgres connect failed", obs.Err(err))
	}
	defer pool.Close()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(30 * time.Second):
		}
	}()

	switch role {
	case "supervisor":
		readyCheck := func(c context.Context) error { return pool.Ping(c) }
		httpSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()

		if err := supervisor.New(cfg, configPath, pool, logger).Run(ctx); err != nil {
			logger.Fatal("supervisor error", obs.Err(err))
		}

	case "browser-worker":
		collab := browserworker.Collaborators{
			Sessions: browser.NewFactory(cfg, os.Getenv("DISPLAY")),
			Catalog:  avito.NewCatalogParser(),
			Cards:    avito.NewCardParser(),
			Detect:   avito.NewDetector(),
			Captcha:  avito.NewCaptchaSolver(),
		}
		wrk := browserworker.New(cfg, pool, collab, logger)
		if err := wrk.Run(ctx); err != nil {
			logger.Fatal("browser worker error", obs.Err(err))
		}

	case "validation-worker":
		provider, err := ai.NewFromConfig(cfg, logger)
		if err != nil {
			logger.Fatal("ai provider init failed", obs.Err(err))
		}
		images, err := imagestore.New(cfg, logger)
		if err != nil {
			logger.Fatal("image store init failed", obs.Err(err))
		}
		code := validation.New(cfg, pool, provider, images, logger).Run(ctx)
		logger.Sync()
		pool.Close()
		os.Exit(code)

	case "admin":
		runAdmin(ctx, pool, logger, adminCmd, adminQueue, adminN, adminYes)

	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runAdmin(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger, cmd, queue string, n int, yes bool) {
	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, pool)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		printJSON(res)
	case "peek":
		if queue == "" {
			logger.Fatal("admin peek requires --queue")
		}
		res, err := admin.Peek(ctx, pool, queue, n)
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		printJSON(res)
	case "requeue-stuck":
		if !yes {
			logger.Fatal("refusing to requeue processing tasks without --yes")
		}
		count, err := admin.RequeueStuck(ctx, pool)
		if err != nil {
			logger.Fatal("admin requeue error", obs.Err(err))
		}
		printJSON(struct {
			Requeued int `json:"requeued"`
		}{Requeued: count})
	case "purge-data":
		if err := admin.PurgeScrapeData(ctx, pool, yes); err != nil {
			logger.Fatal("admin purge error", obs.Err(err))
		}
		fmt.Println("scrape data purged")
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
