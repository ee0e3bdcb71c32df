// Command pagecached runs the pagecache daemon: it owns the memory and
// persistent cache tiers and exposes a small HTTP control surface that
// pagecachectl talks to.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arxcache/pagecache/internal/cachemanager"
	"github.com/arxcache/pagecache/internal/config"
	"github.com/arxcache/pagecache/internal/diskstore"
	"github.com/arxcache/pagecache/internal/flags"
	"github.com/arxcache/pagecache/internal/memstore"
	"github.com/arxcache/pagecache/internal/metrics"
	"github.com/arxcache/pagecache/internal/refresh"
	"github.com/arxcache/pagecache/internal/retry"
	"github.com/arxcache/pagecache/internal/server"
	"github.com/arxcache/pagecache/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to pagecache YAML config (optional)")
	addr := flag.String("addr", ":8088", "HTTP listen address")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfgManager, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Fatal("pagecached: failed to load config", zap.Error(err))
	}
	cfg := cfgManager.Current()

	mem := memstore.New(cfg.MaxMemoryBytes, cfg.StaleTTL, logger.Named("memstore"))

	var disk *diskstore.Store
	if cfg.EnablePersistence {
		disk = diskstore.Open(cfg.CacheDir+"/pagecache.db", logger.Named("diskstore"))
	} else {
		disk = diskstore.Open("", logger.Named("diskstore"))
	}

	manager := cachemanager.New(mem, disk, cfg, logger.Named("cachemanager"))

	reg := metrics.New()
	manager.SetMonitor(reg)

	var overrides flags.OverrideStore
	if disk.Enabled() {
		if boltOverrides, err := flags.NewBoltOverrideStore(disk.DB()); err == nil {
			overrides = boltOverrides
		} else {
			logger.Warn("pagecached: feature-flag override store unavailable", zap.Error(err))
		}
	}
	evaluator := flags.New(cfg.Flags, overrides, logger.Named("flags"))

	refreshScheduler := refresh.New(
		cacheWriterAdapter{manager: manager},
		retry.Config{
			MaxRetries:   cfg.Refresh.MaxRetries,
			InitialDelay: cfg.Refresh.InitialDelay,
			MaxDelay:     cfg.Refresh.MaxDelay,
			Multiplier:   2,
			Strategy:     retry.StrategyExponential,
		},
		cfg.InteractionDeferDelay,
		rate.NewLimiter(rate.Limit(cfg.Refresh.RatePerSecond), 1),
		logger.Named("refresh"),
	)

	workerStore := diskstore.Open(cfg.Worker.CacheDir+"/worker.db", logger.Named("worker.diskstore"))

	// httpClient is filled in once the worker.Transport it wraps exists;
	// see newPrefetchFunc's doc comment for why the indirection is
	// needed.
	var httpClient *http.Client
	prefetch := newPrefetchFunc(func() *http.Client { return httpClient }, cfg.Worker.OriginBaseURL, workerStore, logger.Named("worker"))

	runtime := worker.New(workerStore, cfg.Worker.StaticAssets, cfg.Worker.PrefetchRoutes, prefetch, logger.Named("worker"))

	transport, err := worker.NewTransport(
		http.DefaultTransport,
		cfg.Worker.CacheVersion,
		cfg.Worker.SameOrigin,
		cfg.Worker.APIPrefix,
		cfg.Worker.BuildAssetPrefix,
		runtime,
		refreshScheduler,
		manager.OfflineMode,
		logger.Named("worker.transport"),
	)
	if err != nil {
		logger.Fatal("pagecached: worker transport init failed", zap.Error(err))
	}
	httpClient = &http.Client{Transport: transport, Timeout: 10 * time.Second}

	if err := runtime.Install(); err != nil {
		logger.Fatal("pagecached: worker install failed", zap.Error(err))
	}
	go runtime.Run()

	cfgManager.OnChange(func(newCfg config.Config) {
		logger.Info("pagecached: configuration reloaded")
	})

	srv := server.New(manager, evaluator, reg, runtime, logger.Named("http"))

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: srv.Routes(),
	}

	go func() {
		logger.Info("pagecached: listening", zap.String("addr", *addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("pagecached: http server failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("pagecached: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	runtime.Stop()
	transport.Close()
	_ = workerStore.Close()
	_ = disk.Close()
}
