package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hadrian-labs/gatewaycore/internal/config"
	"github.com/hadrian-labs/gatewaycore/internal/database"
	"github.com/hadrian-labs/gatewaycore/internal/dlq"
	"github.com/hadrian-labs/gatewaycore/internal/usagebuffer"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config file")
		healthAddr = flag.String("health-addr", ":8082", "Address for the /metrics health endpoint")
		logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger, err := initLogger(*logLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	db, err := initDatabase(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer database.Close()

	redisClient, err := initRedis(cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Redis", zap.Error(err))
	}

	deadLetter := buildDlqBackend(cfg, db, redisClient, logger)

	sink, err := usagebuffer.NewGormSink(db)
	if err != nil {
		logger.Fatal("Failed to build usage sink", zap.Error(err))
	}

	retryWorker := dlq.NewWorker(deadLetter, sink, dlq.RetryConfig{
		Interval:          cfg.Dlq.Retry.Interval,
		InitialDelay:      cfg.Dlq.Retry.InitialDelay,
		MaxDelay:          cfg.Dlq.Retry.MaxDelay,
		BackoffMultiplier: cfg.Dlq.Retry.BackoffMultiplier,
		MaxRetries:        cfg.Dlq.Retry.MaxRetries,
		BatchSize:         cfg.Dlq.Retry.BatchSize,
		PruneEnabled:      cfg.Dlq.Retry.PruneEnabled,
		RetainFor:         cfg.Dlq.Retry.RetainFor,
	}, cfg.Dlq.Backend, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go retryWorker.Run(ctx)
	go startHealthCheckServer(*healthAddr, logger)

	logger.Info("dlq retry worker started", zap.String("backend", cfg.Dlq.Backend))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received, stopping worker")

	cancel()
	_ = redisClient.Close()

	logger.Info("dlq retry worker shutdown complete")
}

func buildDlqBackend(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, logger *zap.Logger) dlq.DeadLetterQueue {
	switch cfg.Dlq.Backend {
	case "redis":
		return dlq.NewRedisDlq(redisClient, cfg.Dlq.Retry.RetainFor, logger)
	case "sql":
		sqlDlq, err := dlq.NewSqlDlq(db, cfg.Dlq.Retry.RetainFor, logger)
		if err != nil {
			logger.Fatal("building sql dlq", zap.Error(err))
		}
		return sqlDlq
	default:
		fileDlq, err := dlq.NewFileDlq(dlq.FileConfig{
			Dir:      cfg.Dlq.File.Dir,
			MaxFiles: cfg.Dlq.File.MaxFiles,
		}, logger)
		if err != nil {
			logger.Fatal("building file dlq", zap.Error(err))
		}
		return fileDlq
	}
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zapLevel
	return cfg.Build()
}

func initDatabase(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if err := database.Initialize(&database.Config{
		DSN:             cfg.URL,
		MaxConnections:  cfg.MaxConnections,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}); err != nil {
		return nil, err
	}

	logger.Info("database connection established", zap.Int("max_connections", cfg.MaxConnections))
	return database.GetDB(), nil
}

func initRedis(cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opt.DB = cfg.DB
	}
	if cfg.PoolSize != 0 {
		opt.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	logger.Info("redis connection established", zap.Int("db", cfg.DB))
	return client, nil
}

func startHealthCheckServer(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	logger.Info("worker health/metrics server starting", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error("health check server failed", zap.Error(err))
	}
}
