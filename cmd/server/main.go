package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hadrian-labs/gatewaycore/internal/admission"
	"github.com/hadrian-labs/gatewaycore/internal/apierr"
	gwauth "github.com/hadrian-labs/gatewaycore/internal/auth"
	"github.com/hadrian-labs/gatewaycore/internal/config"
	"github.com/hadrian-labs/gatewaycore/internal/database"
	"github.com/hadrian-labs/gatewaycore/internal/dlq"
	gwhandlers "github.com/hadrian-labs/gatewaycore/internal/handlers"
	"github.com/hadrian-labs/gatewaycore/internal/logger"
	"github.com/hadrian-labs/gatewaycore/internal/models"
	"github.com/hadrian-labs/gatewaycore/internal/pipeline"
	gwcache "github.com/hadrian-labs/gatewaycore/internal/services/cache"
	"github.com/hadrian-labs/gatewaycore/internal/services/guardrails"
	"github.com/hadrian-labs/gatewaycore/internal/usagebuffer"
)

// @title gatewaycore - LLM API Gateway
// @version 1.0
// @description Multi-tenant reverse proxy in front of LLM providers: authentication, budget/rate-limit admission, guardrails, and usage reconciliation.

// @host localhost:8080
// @BasePath /v1

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		panic("loading config: " + err.Error())
	}

	zapLogger, err := logger.Initialize(cfg.Logging)
	if err != nil {
		panic("initializing logger: " + err.Error())
	}
	defer zapLogger.Sync()

	if err := database.Initialize(&database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}); err != nil {
		zapLogger.Fatal("connecting to database", zap.Error(err))
	}
	db := database.GetDB()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	authenticator := buildAuthenticator(cfg, db, zapLogger)
	admissionCtrl := buildAdmissionController(cfg, db, redisClient, zapLogger)
	buffer, deadLetter, retryWorker := buildUsageBuffer(cfg, db, redisClient, zapLogger)
	inputGuardrails, outputGuardrails := buildGuardrails(cfg, zapLogger)

	pipe := pipeline.New(authenticator, admissionCtrl, buffer, pipeline.GuardrailsConfig{
		Enabled:        cfg.Guardrails.Enabled,
		ConcurrentMode: cfg.Guardrails.ConcurrentMode,
		Timeout:        cfg.Guardrails.Timeout,
		OnTimeout:      onTimeoutPolicy(cfg.Guardrails.OnTimeout),
	}, zapLogger)

	httpRouter := buildRouter(pipe, deadLetter, inputGuardrails, outputGuardrails, zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go buffer.Run(ctx)
	go retryWorker.Run(ctx)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      httpRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		zapLogger.Info("gateway listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("graceful shutdown failed", zap.Error(err))
	}
	_ = database.Close()
	_ = redisClient.Close()
}

func onTimeoutPolicy(s string) guardrails.OnTimeoutPolicy {
	if s == string(guardrails.OnTimeoutAllow) {
		return guardrails.OnTimeoutAllow
	}
	return guardrails.OnTimeoutBlock
}

// buildGuardrails constructs the input and output evaluators from
// config, wiring whichever GuardrailsProvider each stage names. Either
// return value is nil when guardrails are disabled overall or the stage
// names no provider, in which case the pipeline simply skips that stage.
func buildGuardrails(cfg *config.Config, zapLogger *zap.Logger) (*guardrails.InputGuardrails, *guardrails.OutputGuardrails) {
	if !cfg.Guardrails.Enabled {
		return nil, nil
	}

	providers, err := guardrails.BuildProviders(cfg.Guardrails.Providers)
	if err != nil {
		zapLogger.Fatal("building guardrails providers", zap.Error(err))
	}

	input, err := guardrails.BuildInputGuardrails(cfg.Guardrails.Input, providers, zapLogger)
	if err != nil {
		zapLogger.Fatal("building input guardrails", zap.Error(err))
	}
	output, err := guardrails.BuildOutputGuardrails(cfg.Guardrails.Output, providers, zapLogger)
	if err != nil {
		zapLogger.Fatal("building output guardrails", zap.Error(err))
	}
	return input, output
}

func buildAuthenticator(cfg *config.Config, db *gorm.DB, zapLogger *zap.Logger) *gwauth.Authenticator {
	acfg := gwauth.AuthenticatorConfig{
		Mode:      models.AuthMode(cfg.Auth.Mode),
		APIKeys:   gwauth.NewGormApiKeyLookup(db),
		IapHeader: cfg.Auth.Iap.IdentityHeader,
		Logger:    zapLogger,
	}
	if cfg.Auth.ApiKey.HeaderName != "" {
		acfg.APIKeyHeader = cfg.Auth.ApiKey.HeaderName
	}
	if cfg.Auth.ApiKey.KeyPrefix != "" {
		acfg.KeyPrefix = cfg.Auth.ApiKey.KeyPrefix
	}
	if cfg.Auth.Mode == "idp" {
		idpResolver := gwauth.NewGormIdpResolver(db, models.IdpOrgBinding{
			OrgID:       gwauth.DefaultIdpOrgID,
			Issuer:      cfg.Auth.Idp.Issuer,
			Audience:    cfg.Auth.Idp.Audience,
			JWKSURL:     cfg.Auth.Idp.JWKSURL,
			AllowedAlgs: cfg.Auth.Idp.AllowedAlgs,
		})
		acfg.Registry = gwauth.NewJwtValidatorRegistry(idpResolver.ResolveOrg, idpResolver.OrgsForIssuer, cfg.Auth.Idp.NegativeCacheTTL, zapLogger)
	}
	return gwauth.NewAuthenticator(acfg)
}

func buildAdmissionController(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, zapLogger *zap.Logger) *admission.Controller {
	c := gwcache.NewRedisCacheWithClient(redisClient, cfg.Cache.TTL)
	fallback := admission.Policy{
		BudgetPeriod:      cfg.Limits.Budgets.Period,
		BudgetLimit:       models.USD(cfg.Limits.Budgets.LimitUSD),
		WarningThresholds: cfg.Limits.Budgets.WarningThresholds,
		RateLimitWindow:   time.Minute,
		RateLimitMax:      int64(cfg.Limits.RateLimits.RequestsPerMinute),
		TokenLimitWindow:  time.Minute,
		TokenLimitMax:     int64(cfg.Limits.RateLimits.TokensPerMinute),
	}
	resolver := admission.NewGormPolicyResolver(db, fallback)
	return admission.NewController(c, resolver, zapLogger).WithAuditSink(admission.NewGormAuditSink(db))
}

func buildUsageBuffer(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, zapLogger *zap.Logger) (*usagebuffer.Buffer, dlq.DeadLetterQueue, *dlq.Worker) {
	deadLetter := buildDlqBackend(cfg, db, redisClient, zapLogger)

	sink, err := usagebuffer.NewGormSink(db)
	if err != nil {
		zapLogger.Fatal("building usage sink", zap.Error(err))
	}

	buffer := usagebuffer.New(usagebuffer.Config{}, sink, deadLetter, zapLogger)

	retryWorker := dlq.NewWorker(deadLetter, sink, dlq.RetryConfig{
		Interval:          cfg.Dlq.Retry.Interval,
		InitialDelay:      cfg.Dlq.Retry.InitialDelay,
		MaxDelay:          cfg.Dlq.Retry.MaxDelay,
		BackoffMultiplier: cfg.Dlq.Retry.BackoffMultiplier,
		MaxRetries:        cfg.Dlq.Retry.MaxRetries,
		BatchSize:         cfg.Dlq.Retry.BatchSize,
		PruneEnabled:      cfg.Dlq.Retry.PruneEnabled,
		RetainFor:         cfg.Dlq.Retry.RetainFor,
	}, cfg.Dlq.Backend, zapLogger)

	return buffer, deadLetter, retryWorker
}

func buildDlqBackend(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, zapLogger *zap.Logger) dlq.DeadLetterQueue {
	switch cfg.Dlq.Backend {
	case "redis":
		return dlq.NewRedisDlq(redisClient, cfg.Dlq.Retry.RetainFor, zapLogger)
	case "sql":
		sqlDlq, err := dlq.NewSqlDlq(db, cfg.Dlq.Retry.RetainFor, zapLogger)
		if err != nil {
			zapLogger.Fatal("building sql dlq", zap.Error(err))
		}
		return sqlDlq
	default:
		fileDlq, err := dlq.NewFileDlq(dlq.FileConfig{
			Dir:      cfg.Dlq.File.Dir,
			MaxFiles: cfg.Dlq.File.MaxFiles,
		}, zapLogger)
		if err != nil {
			zapLogger.Fatal("building file dlq", zap.Error(err))
		}
		return fileDlq
	}
}

func buildRouter(pipe *pipeline.Pipeline, deadLetter dlq.DeadLetterQueue, inputGuardrails *guardrails.InputGuardrails, outputGuardrails *guardrails.OutputGuardrails, zapLogger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	dlqHandler := gwhandlers.NewDlqHandler(deadLetter, zapLogger)
	r.Get("/admin/dlq", dlqHandler.List)

	r.Post("/v1/chat/completions", proxyHandler(pipe, inputGuardrails, outputGuardrails))

	return r
}

// proxyHandler is the adapter between chi's HTTP layer and the
// pipeline's provider-agnostic Handle. Request parsing/sizing and the
// actual provider dispatch belong to a concrete per-provider adapter;
// what every request shares is this authenticate/admit/guardrails/
// reconcile path.
func proxyHandler(pipe *pipeline.Pipeline, inputGuardrails *guardrails.InputGuardrails, outputGuardrails *guardrails.OutputGuardrails) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()

		body, _ := io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		var guardrailsCheck pipeline.GuardrailsCheck
		if inputGuardrails != nil {
			guardrailsCheck = inputGuardrails.Check(string(body))
		}

		var outputCheck pipeline.OutputGuardrailsCheck
		if outputGuardrails != nil {
			outputCheck = func(ctx context.Context, result *pipeline.ProviderResult) error {
				return outputGuardrails.Check(result.Completion)(ctx)
			}
		}

		outcome := pipe.Handle(r.Context(), r, requestID, pipeline.Estimate{
			Tokens: 1000,
			Cost:   models.USD(0.01),
			Model:  r.URL.Query().Get("model"),
		}, guardrailsCheck, outputCheck, func(ctx context.Context) (pipeline.ProviderResult, error) {
			return pipeline.ProviderResult{StatusCode: http.StatusNotImplemented, Error: "no provider adapter configured"}, nil
		})

		for k, v := range outcome.Headers {
			w.Header().Set(k, v)
		}

		if outcome.Err != nil {
			apiErr, ok := apierr.As(outcome.Err)
			if !ok {
				apiErr = apierr.ErrInternal.Wrap(outcome.Err)
			}
			for k, v := range apiErr.Headers {
				w.Header().Set(k, v)
			}
			w.WriteHeader(apiErr.Status)
			_, _ = w.Write([]byte(apiErr.Message))
			return
		}

		w.WriteHeader(outcome.Result.StatusCode)
	}
}
