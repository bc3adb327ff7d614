package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/trustgate-ai/trustgate/internal/audit"
	"github.com/trustgate-ai/trustgate/internal/auth"
	"github.com/trustgate-ai/trustgate/internal/llm"
	"github.com/trustgate-ai/trustgate/internal/policy"
	"github.com/trustgate-ai/trustgate/internal/proxy"
	"github.com/trustgate-ai/trustgate/internal/server"
	"github.com/trustgate-ai/trustgate/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("TRUSTGATE_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("TRUSTGATE_HTTP_PORT", "8080")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	authCacheTTL := envOrDefaultInt("TRUSTGATE_AUTH_CACHE_TTL_S", 30)
	policyCacheTTL := envOrDefaultInt("TRUSTGATE_POLICY_CACHE_TTL_S", 60)

	upstreams := map[llm.Provider]string{
		llm.ProviderOpenAI:    envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		llm.ProviderAnthropic: envOrDefault("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		llm.ProviderGemini:    envOrDefault("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
	}

	logger.Info("starting trustgate server",
		zap.String("http_port", httpPort),
		zap.Int("auth_cache_ttl_s", authCacheTTL),
		zap.Int("policy_cache_ttl_s", policyCacheTTL),
	)

	// Postgres pool (required: policies, tools, agents all live here)
	if postgresDSN == "" {
		logger.Fatal("POSTGRES_DSN is required")
	}
	db, err := sql.Open("pgx", postgresDSN)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(context.Background()); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	pgStore := store.NewStore(db)
	logger.Info("postgres connected")

	// Audit trail — ClickHouse or LogWriter fallback
	var writer audit.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := audit.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = audit.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = audit.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// ClickHouse reader (for the events/analytics endpoints)
	var reader *audit.Reader
	if clickhouseDSN != "" {
		var err error
		reader, err = audit.NewReader(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
			reader = nil
		} else {
			defer func() { _ = reader.Close() }()
			logger.Info("clickhouse reader connected")
		}
	}

	// Policy evaluation over a cached view of the Postgres store
	cached := store.NewCachingStore(pgStore, time.Duration(policyCacheTTL)*time.Second, logger)
	evaluator := policy.NewEvaluator(cached, cached, logger)

	gateway := proxy.New(proxy.Config{
		Evaluator: evaluator,
		DualLLM:   pgStore,
		Tools:     pgStore,
		Writer:    writer,
		Upstreams: upstreams,
		Logger:    logger,
	})

	authenticator := auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
		DB:       db,
		CacheTTL: time.Duration(authCacheTTL) * time.Second,
		Logger:   logger,
	})

	deps := &server.Dependencies{
		Proxy:  gateway,
		Auth:   authenticator,
		Reader: reader,
		Logger: logger,
	}
	// WriteTimeout stays zero: streamed completions are open-ended and a
	// deadline here would cut them off mid-stream.
	httpServer := &http.Server{
		Addr:        ":" + httpPort,
		Handler:     server.NewRouter(deps),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("trustgate server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
