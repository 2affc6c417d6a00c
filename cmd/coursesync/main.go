package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/darenhua/coursesync/internal/api"
	"github.com/darenhua/coursesync/internal/blob"
	"github.com/darenhua/coursesync/internal/config"
	"github.com/darenhua/coursesync/internal/crawler"
	"github.com/darenhua/coursesync/internal/extract"
	"github.com/darenhua/coursesync/internal/fetch"
	"github.com/darenhua/coursesync/internal/oracle"
	"github.com/darenhua/coursesync/internal/resolve"
	"github.com/darenhua/coursesync/internal/store"
	"github.com/darenhua/coursesync/internal/temporal"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func main() {
	configPath := flag.String("config", "coursesync.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	apiOnly := flag.Bool("api-only", false, "serve the HTTP API without running a worker")
	syncUser := flag.String("sync-user", "", "run one sync for the given user id, print the result, and exit")
	forceRefresh := flag.Bool("force-refresh", false, "with -sync-user: treat every page as changed")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "config", *configPath, "error", err)
		os.Exit(1)
	}

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)
	logger.Info("coursesync starting", "config", *configPath)

	tc, err := temporal.Dial(cfg.Temporal)
	if err != nil {
		logger.Error("failed to connect to temporal", "host", cfg.Temporal.HostPort, "error", err)
		os.Exit(1)
	}
	defer tc.Close()

	// One-shot trigger mode: start a pipeline, wait, print, exit. Needs a
	// worker running elsewhere to make progress.
	if *syncUser != "" {
		result, err := temporal.RunSync(context.Background(), tc, cfg.Temporal, temporal.SyncPipelineInput{
			UserID:       *syncUser,
			ForceRefresh: *forceRefresh,
		})
		if err != nil {
			logger.Error("sync failed", "user", *syncUser, "error", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		os.Stdout.Write(append(out, '\n'))
		return
	}

	st, err := store.Open(cfg.General.StateDB)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.General.StateDB, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	blobs, err := blob.Open(cfg.General.BlobDir)
	if err != nil {
		logger.Error("failed to open blob store", "dir", cfg.General.BlobDir, "error", err)
		os.Exit(1)
	}
	defer blobs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	starter := &temporal.Starter{Client: tc, Cfg: cfg.Temporal}
	apiServer := api.NewServer(cfg, st, starter, logger)

	if *apiOnly {
		if err := apiServer.Start(ctx); err != nil {
			logger.Error("api server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	oracles, err := oracle.NewAnthropic(oracle.AnthropicOptions{
		APIKey:              cfg.Oracle.APIKey,
		Model:               cfg.Oracle.Model,
		MaxTokens:           cfg.Oracle.MaxTokens,
		Timeout:             cfg.Oracle.Timeout.Duration,
		LinkContextLimit:    cfg.Oracle.LinkContextLimit,
		ExtractContextLimit: cfg.Oracle.ExtractContextLimit,
		TotalLimit:          cfg.Oracle.TotalLimit,
	})
	if err != nil {
		logger.Error("failed to build oracle client", "error", err)
		os.Exit(1)
	}

	fetcher := fetch.NewChromeFetcher(fetch.Options{
		Headless:    cfg.Crawler.Headless,
		NoSandbox:   cfg.Crawler.NoSandbox,
		UserAgent:   cfg.Crawler.UserAgent,
		PageTimeout: cfg.Crawler.PageTimeout.Duration,
	})

	acts := &temporal.Activities{
		Store:     st,
		Crawler:   crawler.New(fetcher, oracles, blobs, logger, cfg.Crawler.MaxDepth),
		Extractor: extract.New(oracles, blobs, st, logger),
		Resolver:  resolve.New(oracles, blobs, st, logger, cfg.Oracle.PerPageLimit, cfg.Oracle.TotalLimit),
	}

	go func() {
		if err := apiServer.Start(ctx); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	if err := temporal.StartWorker(tc, cfg.Temporal, acts, logger); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("coursesync stopped")
}
