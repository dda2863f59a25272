package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/harihbk/saasmilk-mono-sub004/internal/api"
	"github.com/harihbk/saasmilk-mono-sub004/internal/availability"
	"github.com/harihbk/saasmilk-mono-sub004/internal/events"
	"github.com/harihbk/saasmilk-mono-sub004/internal/ledger"
	"github.com/harihbk/saasmilk-mono-sub004/internal/order"
	"github.com/harihbk/saasmilk-mono-sub004/internal/ordlock"
	"github.com/harihbk/saasmilk-mono-sub004/internal/reconcile"
	"github.com/harihbk/saasmilk-mono-sub004/internal/reservation"
	"github.com/harihbk/saasmilk-mono-sub004/internal/telemetry"
)

const serviceName = "reservation-service"

func main() {
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", serviceName).
		Logger()

	ctx := context.Background()

	otlpEndpoint := getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")
	tp, err := telemetry.InitTracer(ctx, serviceName, otlpEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracer init failed")
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	mp, err := telemetry.InitMetrics(ctx, serviceName, otlpEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("metrics init failed")
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("metrics shutdown failed")
		}
	}()

	pool, err := initDB(ctx, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database init failed")
	}
	defer pool.Close()

	stockLedger := ledger.NewPostgresLedger(pool)
	resRepo := reservation.NewPostgresRepository(pool)
	manager := reservation.NewManager(stockLedger, resRepo, logger)
	orders := order.NewPostgresRepository(pool)

	var publisher order.EventPublisher = events.NoopPublisher{}
	if broker := os.Getenv("KAFKA_BROKER"); broker != "" {
		kp := events.NewKafkaPublisher(broker, getEnv("KAFKA_ORDER_TOPIC", "order-events"), logger)
		defer kp.Close()
		publisher = kp
	}

	orchestrator := order.NewOrchestrator(orders, manager, publisher, logger)
	availSvc := availability.NewService(stockLedger, manager, logger)

	var locker *ordlock.Locker
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis ping failed")
		}
		defer rdb.Close()
		locker = ordlock.NewLocker(rdb, 30*time.Second)
	}

	if tenants := os.Getenv("RECONCILE_TENANTS"); tenants != "" {
		sweeper := reconcile.NewSweeper(stockLedger, resRepo, os.Getenv("RECONCILE_WEBHOOK_URL"), logger)
		interval := 5 * time.Minute
		if v := os.Getenv("RECONCILE_INTERVAL"); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				interval = d
			}
		}
		go sweeper.Run(ctx, strings.Split(tenants, ","), interval)
	}

	gin.SetMode(getEnv("GIN_MODE", gin.ReleaseMode))
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	handler := api.NewHandler(orchestrator, orders, availSvc, stockLedger, locker, logger)
	handler.RegisterRoutes(router)

	port := getEnv("PORT", "8080")
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		logger.Info().Str("port", port).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
	}
	logger.Info().Msg("stopped")
}

func initDB(ctx context.Context, logger zerolog.Logger) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		getEnv("DATABASE_USER", "root"),
		getEnv("DATABASE_PASSWORD", "pass"),
		getEnv("DATABASE_HOST", "localhost"),
		getEnv("DATABASE_PORT", "5432"),
		getEnv("DATABASE_NAME", "inventory_db"),
	)

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			logger.Info().Msg("connected to database")
			return pool, nil
		}
		logger.Info().Int("attempt", i+1).Msg("waiting for database")
		time.Sleep(time.Second)
	}

	pool.Close()
	return nil, fmt.Errorf("database not reachable after 30 attempts")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
