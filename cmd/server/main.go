package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attribgo/internal/delivery"
	"attribgo/internal/domain"
	"attribgo/internal/infrastructure"
	"attribgo/internal/usecase"
	"attribgo/pkg/config"
	"attribgo/pkg/logger"
	"attribgo/pkg/metrics"
	"attribgo/pkg/retry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Server exited with error")
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, closeStore, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.WithError(err).Warn("Failed to close store")
		}
	}()

	httpClient := &http.Client{
		Timeout: cfg.SearchAds.HTTPTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	tokens := infrastructure.NewTokenProvider(infrastructure.TokenConfig{
		ClientID:     cfg.SearchAds.ClientID,
		ClientSecret: cfg.SearchAds.ClientSecret,
		TokenURL:     cfg.SearchAds.TokenURL,
		Scope:        cfg.SearchAds.Scope,
		ExpiryBuffer: cfg.Fetch.TokenExpiryBuffer,
	}, store, httpClient, log, m)

	limiter := infrastructure.NewRateLimiter(cfg.Fetch.RateLimitInterval)
	breaker := infrastructure.NewCircuitBreaker("searchads_reports", infrastructure.BreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
	}, log, m)

	reports := infrastructure.NewReportClient(infrastructure.ReportClientConfig{
		BaseURL:          cfg.SearchAds.APIURL,
		CacheTTL:         cfg.Fetch.CacheTTL,
		DefaultPageLimit: cfg.Fetch.DefaultPageLimit,
		FetchTimeout:     cfg.Fetch.FetchTimeout,
		Retry: retry.Policy{
			MaxRetries: cfg.Fetch.MaxRetries,
			BaseDelay:  cfg.Fetch.RetryBaseDelay,
		},
	}, httpClient, tokens, store, limiter, breaker, log, m)

	var exporter domain.ExportClient
	if cfg.Export.SinkURL != "" {
		exporter = infrastructure.NewSinkExporter(cfg.Export.SinkURL, cfg.Export.SinkSecret, cfg.SearchAds.HTTPTimeout,
			infrastructure.NewRateLimiter(0), log, m)
	}

	installs := usecase.NewInstallsService(reports, cfg.SearchAds.OrgIDs, log, m)
	attribution := usecase.NewAttributionService(
		installs,
		usecase.NewCandidateFilter(cfg.Attribution.WindowDays, log, m),
		infrastructure.NewAttributionRepository(log),
		exporter,
		usecase.AttributionConfig{
			WindowDays:      cfg.Attribution.WindowDays,
			FetchBufferDays: cfg.Attribution.FetchBufferDays,
			MinConfidence:   cfg.Attribution.MinConfidence,
		},
		log,
		m,
	)

	handlers := delivery.NewHTTPHandlers(attribution, installs, tokens, log, m)
	router := delivery.NewHTTPRouter(handlers, log, m, reg, cfg.Server.RequestTimeout).SetupRoutes()

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(map[string]any{
			"port":         cfg.Server.Port,
			"store":        cfg.Store.Driver,
			"orgs":         len(cfg.SearchAds.OrgIDs),
			"export":       exporter != nil,
			"window_days":  cfg.Attribution.WindowDays,
			"min_conf":     cfg.Attribution.MinConfidence,
			"rate_limit":   cfg.Fetch.RateLimitInterval,
			"cache_ttl":    cfg.Fetch.CacheTTL,
			"max_retries":  cfg.Fetch.MaxRetries,
			"req_timeout":  cfg.Server.RequestTimeout,
			"http_timeout": cfg.SearchAds.HTTPTimeout,
		}).Info("Starting server")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("Server stopped")
	return nil
}

// openStore builds the KV store backing the token and report caches.
func openStore(ctx context.Context, cfg config.StoreConfig, log *logger.Logger) (domain.KVStore, func() error, error) {
	switch cfg.Driver {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
		}
		log.WithField("addr", cfg.RedisAddr).Info("Using redis store")
		store := infrastructure.NewRedisStore(client, cfg.KeyPrefix)
		return store, store.Close, nil

	case config.StoreBadger:
		store, err := infrastructure.OpenBadgerStore(cfg.BadgerPath, cfg.KeyPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger at %s: %w", cfg.BadgerPath, err)
		}
		log.WithField("path", cfg.BadgerPath).Info("Using badger store")
		return store, store.Close, nil

	default:
		log.Info("Using in-memory store")
		return infrastructure.NewMemoryStore(log), func() error { return nil }, nil
	}
}
