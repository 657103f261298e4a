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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-companion/internal/cache"
	"github.com/kjstillabower/weather-companion/internal/circuitbreaker"
	"github.com/kjstillabower/weather-companion/internal/client"
	"github.com/kjstillabower/weather-companion/internal/config"
	httphandler "github.com/kjstillabower/weather-companion/internal/http"
	"github.com/kjstillabower/weather-companion/internal/lifecycle"
	"github.com/kjstillabower/weather-companion/internal/observability"
	"github.com/kjstillabower/weather-companion/internal/service"
	"github.com/kjstillabower/weather-companion/internal/store"
	"github.com/kjstillabower/weather-companion/internal/traffic"
	"github.com/kjstillabower/weather-companion/internal/usecase"
)

const serviceName = "weather-companion"

func main() {
	logger, err := observability.NewLogger(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	lifecycle.MarkStarted(time.Now())

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.TracingServiceName, cfg.TracingEndpoint,
		cfg.TracingInsecure, cfg.TracingSampleRatio, logger)
	if err != nil {
		logger.Fatal("tracing", zap.Error(err))
	}

	st, err := store.Open(ctx, store.Config{
		Driver:      cfg.StoreDriver,
		SQLitePath:  cfg.SQLitePath,
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.StoreMaxConns,
	})
	if err != nil {
		logger.Fatal("store", zap.Error(err), zap.String("driver", cfg.StoreDriver))
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close", zap.Error(err))
		}
	}()
	logger.Info("store opened", zap.String("driver", st.Driver()))

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			IsFailure:        client.IsUpstreamFault,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.CircuitBreakerTransitionsTotal.WithLabelValues(to.String()).Inc()
				logger.Warn("circuit breaker state change",
					zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	owm, err := client.NewOpenWeatherClient(client.Config{
		APIKey:         cfg.WeatherAPIKey,
		WeatherURL:     cfg.WeatherURL,
		GeoURL:         cfg.GeoURL,
		Language:       cfg.Language,
		Units:          cfg.Units,
		Timeout:        cfg.WeatherAPITimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		Breaker:        breaker,
	})
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	validateCtx, validateCancel := context.WithTimeout(ctx, cfg.WeatherAPITimeout)
	if err := owm.ValidateAPIKey(validateCtx); err != nil {
		logger.Warn("API key validation failed at startup", zap.Error(err))
	}
	validateCancel()

	responseCache, memcached, err := openCache(cfg, st, logger)
	if err != nil {
		logger.Fatal("cache", zap.Error(err), zap.String("backend", cfg.CacheBackend))
	}
	if memcached != nil {
		defer func() {
			if err := memcached.Close(); err != nil {
				logger.Error("memcached close", zap.Error(err))
			}
		}()
	}

	coalesceTimeout := time.Duration(0)
	if cfg.CoalesceEnabled {
		coalesceTimeout = cfg.CoalesceTimeout
	}
	weatherService := service.NewWeatherService(owm, owm, responseCache, service.WeatherOptions{
		TTL:             cfg.CacheTTL,
		StaleTTL:        cfg.StaleCacheTTL,
		CoalesceTimeout: coalesceTimeout,
	}, logger)
	locationService := service.NewLocationService(st, owm, cfg.MaxQueryLength, logger)
	settingsService := service.NewSettingsService(st, logger)
	useCases := usecase.New(weatherService, locationService, logger)

	// Background work stops when ctx is cancelled by a signal.
	sweeper := cache.NewSweeper(responseCache, cfg.CacheSweepInterval, cfg.StaleCacheTTL, logger)
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("cache sweeper stopped", zap.Error(err))
		}
	}()
	if cfg.WarmingEnabled {
		warmer := cache.NewWarmer(weatherService, locationService, cfg.WarmingIncludeDefault, cfg.WarmingConcurrency, logger)
		go runWarmer(ctx, warmer, cfg.WarmingInterval, logger)
	}

	thresholds := traffic.Thresholds{
		OverloadWindow:       cfg.OverloadWindow,
		OverloadThresholdPct: cfg.OverloadThresholdPct,
		RateLimitRPS:         cfg.RateLimitRPS,
		DegradedWindow:       cfg.DegradedWindow,
		DegradedErrorPct:     cfg.DegradedErrorPct,
		DegradedMinRequests:  cfg.DegradedMinRequests,
	}
	healthConfig := &httphandler.HealthConfig{
		Thresholds: thresholds,
		StorePing:  st.Ping,
	}
	if memcached != nil {
		healthConfig.CachePing = func(context.Context) error { return memcached.Ping() }
	}
	if breaker != nil {
		healthConfig.BreakerState = func() string { return breaker.State().String() }
	}
	observability.RegisterTrafficGauges(cfg.OverloadWindow)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(httphandler.Dependencies{
		UseCases:  useCases,
		Locations: locationService,
		Settings:  settingsService,
		Sweeper:   sweeper,
		APIKey:    owm,
	}, healthConfig, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
	}, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	if err := httphandler.WaitForInFlight(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err),
			zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(shutdownCtx, logger, shutdownTracer); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// runWarmer warms once at startup and, when interval is positive, again on
// every tick until ctx is done.
func runWarmer(ctx context.Context, warmer *cache.Warmer, interval time.Duration, logger *zap.Logger) {
	if err := warmer.WarmPeriodic(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("periodic cache warming stopped", zap.Error(err))
	}
}

// openCache selects the response cache backend. The store backend persists
// entries alongside locations; memcached is returned separately so it can be
// pinged and closed.
func openCache(cfg *config.Config, st store.Store, logger *zap.Logger) (cache.Cache, *cache.MemcachedCache, error) {
	switch cfg.CacheBackend {
	case config.CacheBackendMemcached:
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.StaleCacheTTL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return cache.WithMetrics(mc, config.CacheBackendMemcached), mc, nil
	case config.CacheBackendInMemory:
		logger.Info("cache backend: in_memory")
		return cache.WithMetrics(cache.NewInMemoryCache(), config.CacheBackendInMemory), nil, nil
	default:
		logger.Info("cache backend: store", zap.String("driver", st.Driver()))
		return st, nil, nil
	}
}
