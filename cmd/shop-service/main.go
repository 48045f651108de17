package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fjod/go_cart/shop-service/internal/cache"
	"github.com/fjod/go_cart/shop-service/internal/gateway"
	shopgrpc "github.com/fjod/go_cart/shop-service/internal/grpc"
	shophttp "github.com/fjod/go_cart/shop-service/internal/http"
	"github.com/fjod/go_cart/shop-service/internal/publisher"
	"github.com/fjod/go_cart/shop-service/internal/repository"
	"github.com/fjod/go_cart/shop-service/internal/service"
	"github.com/fjod/go_cart/shop-service/internal/store"
	"github.com/fjod/go_cart/shop-service/pkg/logger"
	"github.com/fjod/go_cart/shop-service/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc/health"
)

const serviceName = "shop-service"

// backend is a transactional store that also holds the outbox.
type backend interface {
	repository.Store
	repository.OutboxRepository
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger.Setup(serviceName, cfg.LogLevel)

	ctx := context.Background()

	db, err := openBackend(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Redis connection failed: %v", err)
	}
	slog.Info("redis ping succeeded", "addr", cfg.RedisAddr)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	serverMetrics := metrics.NewServerMetrics(reg, "api")
	shopMetrics := metrics.NewShopMetrics(reg)

	gwCfg := gateway.DefaultResilientConfig()
	gwCfg.Timeout = cfg.GatewayTimeout
	gwCfg.MaxAttempts = cfg.GatewayMaxAttempts
	gw := gateway.NewResilient(gateway.NewSimulated(gateway.OddDigitDecider{}, cfg.GatewayLatency), gwCfg, shopMetrics)

	cartCache := cache.NewRedisCache(redisClient)
	carts := service.NewCartService(db, cartCache, shopMetrics)
	orders := service.NewOrderService(db, cartCache, cache.NewOrderRedisCache(redisClient), shopMetrics, cfg.OrderPageSize)
	payments := service.NewPaymentService(db, orders, gw, shopMetrics)

	router := shophttp.NewRouter(shophttp.RouterConfig{
		Carts:          carts,
		Orders:         orders,
		Payments:       payments,
		JWTSecret:      []byte(cfg.JWTSecret),
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        serverMetrics,
		MetricsHandler: metrics.Handler(reg),
		Ping:           db.Ping,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(router, serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	healthServer := health.NewServer()
	grpcServer := shopgrpc.NewServer(healthServer)

	var wg sync.WaitGroup
	bgCtx, bgCancel := context.WithCancel(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		shopgrpc.NewHealthWatcher(healthServer, db.Ping, cfg.HealthInterval).Run(bgCtx)
	}()

	var poller *publisher.OutboxPoller
	if len(cfg.KafkaBrokers) > 0 {
		poller = publisher.NewOutboxPoller(db, shopMetrics, cfg.KafkaBrokers...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(bgCtx)
		}()
	} else {
		slog.Warn("no kafka brokers configured, outbox events stay unpublished")
	}

	go func() {
		slog.Info("grpc server listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("Failed to serve grpc: %v", err)
		}
	}()
	go func() {
		slog.Info("http server listening", "port", cfg.HTTPPort, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down shop service")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server forced to shutdown", "error", err)
	}
	grpcServer.GracefulStop()
	bgCancel()

	doneChan := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneChan)
	}()

	select {
	case <-doneChan:
		slog.Info("background workers stopped cleanly")
	case <-shutdownCtx.Done():
		slog.Warn("background workers didn't stop in time")
	}

	if poller != nil {
		if err := poller.Close(); err != nil {
			slog.Error("closing kafka writer failed", "error", err)
		}
	}
	slog.Info("shop service stopped")
}

func openBackend(cfg *Config) (backend, error) {
	if cfg.StoreBackend == backendMemory {
		st := store.NewMemoryStore()
		seedDemoCatalog(st)
		slog.Warn("using in-memory store, data is lost on restart")
		return st, nil
	}

	creds := &repository.Credentials{
		Host:              cfg.DBHost,
		Port:              cfg.DBPort,
		User:              cfg.DBUser,
		Password:          cfg.DBPassword,
		DBName:            cfg.DBName,
		MigrationsDirPath: cfg.MigrationsPath,
	}
	repo, err := repository.NewRepository(creds)
	if err != nil {
		return nil, err
	}
	if err := repo.RunMigrations(creds); err != nil {
		repo.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations completed")
	return repo, nil
}
