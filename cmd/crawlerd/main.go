// Package main wires together the crawler daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/repometrics/crawler/internal/api"
	"github.com/repometrics/crawler/internal/clock/system"
	"github.com/repometrics/crawler/internal/config"
	"github.com/repometrics/crawler/internal/crawler"
	"github.com/repometrics/crawler/internal/dispatcher"
	"github.com/repometrics/crawler/internal/identity"
	"github.com/repometrics/crawler/internal/logging"
	"github.com/repometrics/crawler/internal/metrics"
	"github.com/repometrics/crawler/internal/provider"
	queuememory "github.com/repometrics/crawler/internal/queue/memory"
	"github.com/repometrics/crawler/internal/ratelimit"
	"github.com/repometrics/crawler/internal/store"
	"github.com/repometrics/crawler/internal/store/postgres"
	"github.com/repometrics/crawler/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeCfg := postgres.DocumentStoreConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        int32(cfg.DB.MaxConns),
		MinConns:        int32(cfg.DB.MinConns),
		MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetime) * time.Second,
	}
	documents, err := postgres.NewDocumentStore(ctx, storeCfg)
	if err != nil {
		logger.Fatal("document store init failed", zap.Error(err))
	}
	defer documents.Close()
	checkpoints, err := postgres.NewCheckpointStore(ctx, storeCfg)
	if err != nil {
		logger.Fatal("checkpoint store init failed", zap.Error(err))
	}
	defer checkpoints.Close()

	idents := identity.NewResolver(identAliases(cfg), identGroups(cfg))
	providers, err := buildProviders(cfg, idents)
	if err != nil {
		logger.Fatal("provider init failed", zap.Error(err))
	}

	for _, entity := range cfg.Entities() {
		if err := checkpoints.Register(ctx, entity); err != nil {
			logger.Fatal("register entity failed",
				zap.String("entity", entity.Key()),
				zap.Error(err))
		}
	}

	clock := system.New()
	queue := queuememory.NewQueue(cfg.Crawler.QueueDepth)
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Crawler.DefaultRPS,
		DefaultBurst: cfg.Crawler.DefaultBurst,
		LeaseTimeout: cfg.Crawler.LeaseTimeout(),
	})
	policy := crawler.NewExponentialRetryPolicy(
		cfg.HTTP.MaxRetries,
		cfg.HTTP.BackoffInitial(),
		cfg.HTTP.BackoffMax(),
	)
	writer := store.NewWriter(documents, policy, store.WriterConfig{
		BatchSize: cfg.Crawler.BatchSize,
	}, logger.Named("writer"))

	crawlWorker := worker.New(
		queue,
		providers,
		checkpoints,
		writer,
		limiter,
		policy,
		clock,
		worker.Config{OverlapMargin: cfg.Crawler.OverlapMargin()},
		logger.Named("worker"),
	)
	dispatch := dispatcher.New(queue, checkpoints, crawlWorker, clock, dispatcher.Config{
		Workers:                cfg.Crawler.Concurrency,
		PollInterval:           cfg.Crawler.PollInterval(),
		CrawlInterval:          cfg.Crawler.CrawlInterval(),
		MaxConsecutiveFailures: cfg.Crawler.MaxConsecutiveFailures,
	}, logger.Named("dispatcher"))

	apiServer := api.NewServer(checkpoints, clock, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatchDone := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(dispatchDone)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	// Workers finish their in-flight page commit before Run returns.
	<-dispatchDone
	queue.Close()
	logger.Info("shutdown complete")
}

func buildProviders(cfg config.Config, idents crawler.IdentResolver) (map[string]crawler.Provider, error) {
	providers := make(map[string]crawler.Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		p, err := provider.New(name, provider.Settings{
			BaseURL:   pc.BaseURL,
			Username:  pc.Username,
			Token:     pc.Token,
			Timeout:   cfg.HTTP.Timeout(),
			UserAgent: cfg.Crawler.UserAgent,
		}, idents)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		providers[name] = p
	}
	return providers, nil
}

func identAliases(cfg config.Config) []identity.Alias {
	var out []identity.Alias
	for _, ident := range cfg.Identity.Idents {
		for provider, uid := range ident.Aliases {
			out = append(out, identity.Alias{Provider: provider, UID: uid, MUID: ident.MUID})
		}
	}
	return out
}

func identGroups(cfg config.Config) []identity.Group {
	out := make([]identity.Group, 0, len(cfg.Identity.Groups))
	for _, g := range cfg.Identity.Groups {
		out = append(out, identity.Group{Name: g.Name, Members: g.Members})
	}
	return out
}
