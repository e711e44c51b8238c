// ingestd is the long-running daemon: it wires the ingestion core
// together (database, redis, scholar source, run engine, enrichment,
// scheduler) and serves the HTTP/SSE surface until signaled to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/scholarr/ingestcore/internal/api"
	"github.com/scholarr/ingestcore/internal/config"
	"github.com/scholarr/ingestcore/internal/contqueue"
	"github.com/scholarr/ingestcore/internal/enrichment"
	"github.com/scholarr/ingestcore/internal/eventbus"
	"github.com/scholarr/ingestcore/internal/ingestsched"
	"github.com/scholarr/ingestcore/internal/repo"
	"github.com/scholarr/ingestcore/internal/runengine"
	"github.com/scholarr/ingestcore/internal/scholarsource"
	"github.com/scholarr/ingestcore/internal/searchhints"
	"github.com/scholarr/ingestcore/internal/sharedcache"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ingestd",
		Short: "Academic-profile ingestion daemon",
		Long: `ingestd runs the academic-profile ingestion core: the scheduler that
drains the continuation queue and triggers due auto-runs, the background
enrichment pipeline, and the HTTP surface (run trigger/cancel/status,
server-sent events per run, Prometheus metrics).`,
		RunE: runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "ingestd", config.Version)
		},
	}
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := repo.NewPool(ctx, cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.AdvisoryLockNamespace)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	users := repo.NewUserRepo(pool)
	publications := repo.NewPublicationRepo(pool)
	runs := repo.NewRunRepo(pool)
	queue := contqueue.New(pool.Pool)

	feedCache := sharedcache.NewFeedCache(rdb)
	inflight := sharedcache.NewInflightGroup()
	gate := sharedcache.NewPolitenessGate(rdb)

	source, cleanupSource, err := buildSource(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupSource()

	bus := eventbus.New(cfg.HTTP.SSEQueueDepth, logger)

	openAlex := enrichment.NewOpenAlexClient(cfg.OpenAlex, cfg.Crossref.APIMailto, feedCache, inflight, gate)
	var arxiv *enrichment.ArxivGateway
	if cfg.Arxiv.Enabled {
		arxiv = enrichment.NewArxivGateway(cfg.Arxiv, feedCache, inflight, gate)
	}
	unpaywall := enrichment.NewUnpaywallResolver(nil, cfg.Crossref.APIMailto)
	pdfJobs := repo.NewPDFJobRepo(pool)
	pipeline := enrichment.NewPipeline(publications, runs, bus, openAlex, arxiv, unpaywall, pdfJobs, cfg.OpenAlex.BatchSize, logger)

	engine := runengine.New(pool, users, publications, runs, queue, bus, source, pipeline, cfg.Ingestion, cfg.Safety, logger)

	scheduler := ingestsched.New(queue, engine, users, cfg.Scheduler, cfg.Ingestion, logger)
	go scheduler.Run(ctx)

	hints := searchhints.New(source, feedCache, inflight, gate, cfg.AuthorSearch, logger)
	server := api.New(engine, runs, bus, hints, cfg.HTTP, logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("http server failed", "error", serveErr)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}

// buildSource constructs the scholar source: plain HTTP, optionally
// wrapped with the stealth browser fallback. The stealth browser is
// launched lazily only when the fallback is enabled; a launch failure
// downgrades to plain HTTP with a warning rather than refusing to start.
func buildSource(cfg *config.Config, logger *slog.Logger) (scholarsource.Source, func(), error) {
	httpSource, err := scholarsource.NewHTTPSource(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build http source: %w", err)
	}
	if !cfg.Fetcher.StealthFallback {
		return httpSource, func() {}, nil
	}

	stealthSource, err := scholarsource.NewStealthSource(cfg, logger)
	if err != nil {
		logger.Warn("stealth browser unavailable, continuing without fallback", "error", err)
		return httpSource, func() {}, nil
	}
	fallback := scholarsource.NewFallbackSource(httpSource, stealthSource, true, logger)
	return fallback, func() { stealthSource.Close() }, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	out := os.Stderr
	if cfg.Output == "stdout" {
		out = os.Stdout
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
