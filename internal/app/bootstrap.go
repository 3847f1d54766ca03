package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"veribits-api/internal/auth"
	"veribits-api/internal/db"
	"veribits-api/internal/maintenance"
	"veribits-api/internal/observability"
	"veribits-api/internal/quota"
	"veribits-api/internal/ratelimit"
	"veribits-api/internal/verify"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

// Build wires the whole service: database, counter store, auth, quotas,
// routes. Both the standalone server and the serverless entry point call it.
func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(
		os.Getenv("SENTRY_DSN"),
		envOrDefault("APP_ENV", "development"),
		os.Getenv("APP_RELEASE"),
	); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(context.Background(), database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	// Forwarding headers are only honored behind a trusted proxy; set
	// TRUST_PROXY_HEADERS=false when the service is directly reachable.
	resolveIP := auth.ClientIP
	if !EnvBoolOrDefault("TRUST_PROXY_HEADERS", true) {
		resolveIP = auth.PeerIP
	}

	limitStore, redisClient, err := buildLimitStore(database, logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	quotaRepo := quota.NewRepository(database).
		WithDefaultAllowance(int64(envIntOrDefault("QUOTA_MONTHLY_ALLOWANCE", quota.DefaultMonthlyAllowance)))

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(authRepo, quotaRepo, jwtSecret).
		WithAccessTTL(envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 60))
	authHandler := auth.NewHandler(authService, quotaRepo)

	quotaHandler := quota.NewHandler(quotaRepo)

	anonScans := ratelimit.NewAnonymousScans(
		limitStore,
		envIntOrDefault("ANON_SCAN_LIMIT", 3),
		envSecondsOrDefault("ANON_SCAN_WINDOW_SECONDS", 300),
	)
	verifyHandler := verify.NewHandler(anonScans, quotaRepo, logger)

	cleanupHandler := maintenance.NewCleanupHandler(
		limitStore,
		authRepo,
		logger,
		os.Getenv("CRON_SECRET"),
		envHoursOrDefault("RATE_WINDOW_RETENTION_HOURS", 24),
		envIntOrDefault("CLEANUP_BATCH_SIZE", 500),
	)

	limited := func(policy ratelimit.Policy, message string, h http.Handler) http.Handler {
		return ratelimit.Middleware(limitStore, logger, resolveIP, policy, message)(h)
	}
	requireAuth := func(h http.HandlerFunc) http.Handler {
		return auth.RequireAuth(authService, resolveIP, h)
	}

	mux := http.NewServeMux()

	mux.Handle("POST /v1/auth/register", limited(
		ratelimit.Policy{Action: ratelimit.ActionRegister, Limit: 5, Window: 5 * time.Minute},
		"registration rate limit exceeded",
		http.HandlerFunc(authHandler.Register),
	))
	mux.Handle("POST /v1/auth/login", limited(
		ratelimit.Policy{Action: ratelimit.ActionLogin, Limit: 10, Window: 5 * time.Minute},
		"login rate limit exceeded",
		http.HandlerFunc(authHandler.Login),
	))
	mux.HandleFunc("POST /v1/auth/logout", authHandler.Logout)
	mux.Handle("POST /v1/auth/token", limited(
		ratelimit.Policy{Action: ratelimit.ActionToken, Limit: 20, Window: 5 * time.Minute},
		"token request rate limit exceeded",
		requireAuth(authHandler.CreateToken),
	))
	mux.Handle("GET /v1/auth/token", requireAuth(authHandler.ListTokens))
	mux.Handle("DELETE /v1/auth/token/{id}", requireAuth(authHandler.RevokeToken))
	mux.Handle("GET /v1/auth/profile", requireAuth(authHandler.Profile))

	mux.Handle("GET /v1/quota", requireAuth(quotaHandler.Get))

	mux.Handle("POST /v1/verify/scan", auth.OptionalAuth(authService, resolveIP, http.HandlerFunc(verifyHandler.Scan)))

	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, resolveIP, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			if redisClient != nil {
				_ = redisClient.Close()
			}
			return database.Close()
		},
	}, nil
}

// buildLimitStore prefers Redis when configured, falling back to the
// database so a single-store deployment still enforces limits atomically.
func buildLimitStore(database *sql.DB, logger *observability.Logger) (ratelimit.Store, *redis.Client, error) {
	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))
	if redisURL == "" {
		return ratelimit.NewPostgresStore(database), nil, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	logger.Info("rate_limit_store", map[string]any{"backend": "redis"})

	return ratelimit.NewRedisStore(client), client, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
