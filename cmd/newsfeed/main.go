// News feed gateway: main entry point.
//
// Serves the REST API, the gRPC NewsFeed service and Prometheus metrics.
// Settings come from the environment, see package config.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/abdhe/newsfeed-gateway/pkg/cache"
	"github.com/abdhe/newsfeed-gateway/pkg/config"
	"github.com/abdhe/newsfeed-gateway/pkg/gateway"
	"github.com/abdhe/newsfeed-gateway/pkg/logging"
	"github.com/abdhe/newsfeed-gateway/pkg/newsapi"
	"github.com/abdhe/newsfeed-gateway/pkg/resilience"
)

func main() {
	cfg := config.Load()

	logger := logging.New(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	logger.Info("starting news feed gateway",
		zap.Int("api_keys", len(cfg.APIKeys)),
		zap.String("upstream", cfg.NewsAPIBaseURL),
	)

	// -------------------------------------------------------------------------
	// Key pool and upstream client
	// -------------------------------------------------------------------------
	pool := resilience.NewKeyPool(cfg.APIKeys,
		resilience.WithCooldown(cfg.KeyCooldown),
		resilience.WithLogger(logger.Named("keypool")),
	)
	if pool.Size() == 0 {
		logger.Warn("no API keys configured, every fetch will fail")
	}

	client := newsapi.NewClient(newsapi.Config{
		Keys:    pool,
		Timeout: cfg.RequestTimeout,
		Logger:  logger.Named("newsapi"),
	})

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.CBFailureThreshold,
		Cooldown:         cfg.CBCooldown,
		IsFailure:        newsapi.IsUpstreamFailure,
	})

	// -------------------------------------------------------------------------
	// Response cache
	// -------------------------------------------------------------------------
	var responseCache gateway.ResponseCache
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
		defer redisCache.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pingRetry := resilience.DefaultRetryConfig()
		pingRetry.BaseDelay = 200 * time.Millisecond
		pingRetry.MaxDelay = 2 * time.Second
		err := resilience.Retry(ctx, pingRetry, redisCache.Ping)
		cancel()

		if err != nil {
			logger.Warn("redis unreachable, response cache disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			responseCache = redisCache
			logger.Info("response cache enabled", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.CacheTTL))
		}
	} else {
		logger.Info("REDIS_ADDR not set, response cache disabled")
	}

	svc := gateway.NewService(gateway.Config{
		Client:      client,
		Pool:        pool,
		Cache:       responseCache,
		Breaker:     breaker,
		BaseURL:     cfg.NewsAPIBaseURL,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger.Named("gateway"),
	})

	// -------------------------------------------------------------------------
	// REST server
	// -------------------------------------------------------------------------
	httpServer := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: gateway.NewRouter(svc, gateway.HTTPConfig{
			FrontendURL:    cfg.FrontendURL,
			RateLimitRPS:   cfg.RateLimitRPS,
			RateLimitBurst: cfg.RateLimitBurst,
			TrustProxy:     cfg.TrustProxy,
			Logger:         logger.Named("http"),
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	// -------------------------------------------------------------------------
	// gRPC server
	// -------------------------------------------------------------------------
	grpcHandler := gateway.NewGRPCHandler(svc, logger.Named("grpc"))
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(1*1024*1024),  // 1MB
		grpc.MaxSendMsgSize(16*1024*1024), // 16MB
	)
	grpcHandler.Register(grpcServer)
	reflection.Register(grpcServer) // Enable gRPC reflection for grpcurl

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.String("port", cfg.GRPCPort), zap.Error(err))
	}

	go func() {
		logger.Info("grpc server listening", zap.String("addr", grpcLis.Addr().String()))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("grpc server error", zap.Error(err))
		}
	}()

	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	go grpcHandler.WatchHealth(healthCtx, 30*time.Second)

	// -------------------------------------------------------------------------
	// Metrics server
	// -------------------------------------------------------------------------
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !svc.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "no api keys available")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// -------------------------------------------------------------------------
	// Graceful shutdown
	// -------------------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	stopHealth()
	grpcHandler.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}

	logger.Info("news feed gateway shut down")
}
