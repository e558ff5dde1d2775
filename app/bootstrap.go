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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"member-auth/internal/auth"
	"member-auth/internal/db"
	"member-auth/internal/maintenance"
	"member-auth/internal/observability"
	"member-auth/internal/otp"
	"member-auth/internal/revocation"
	"member-auth/internal/signing"
	"member-auth/internal/token"
	"member-auth/internal/user"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler    http.Handler
	Schedulers []*maintenance.Scheduler
	Close      func() error
}

func Build(ctx context.Context, options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	refreshPepper, err := mustEnv("REFRESH_TOKEN_PEPPER")
	if err != nil {
		return nil, err
	}
	otpPepper, err := mustEnv("OTP_PEPPER")
	if err != nil {
		return nil, err
	}

	material, err := signing.Resolve(os.Getenv("JWT_PRIVATE_KEY_PATH"), os.Getenv("JWT_SECRET"))
	if err != nil {
		return nil, err
	}
	logger.Info("signing_material_resolved", map[string]any{"method": string(material.Method)})

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	if options.RunMigrations {
		if err := runMigrations(ctx, databaseURL); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	var redisClient *redis.Client
	if addr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envIntOrDefault("REDIS_DB", 0),
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis_unreachable", map[string]any{"error": err.Error()})
		}
	}
	denylist := revocation.NewList(redisClient)
	if !denylist.Enabled() {
		logger.Info("revocation_cache_disabled", nil)
	}

	users := user.NewRepository(pool)
	tokenRepo := token.NewRepository(pool)

	issuer := token.NewIssuer(
		material,
		envOrDefault("JWT_ISSUER", "member-auth"),
		envOrDefault("JWT_AUDIENCE", "member-api"),
		token.WithAccessTTL(envIntOrDefault("ACCESS_TOKEN_TTL_MINUTES", token.DefaultAccessTTLMinutes)),
		token.WithDenylist(denylist),
		token.WithAuditStore(tokenRepo),
	)

	refreshHasher, err := token.NewSecretHasher(refreshPepper)
	if err != nil {
		pool.Close()
		return nil, err
	}

	rotator := token.NewRotator(tokenRepo, users, refreshHasher,
		token.WithRefreshTTL(envIntOrDefault("REFRESH_TOKEN_TTL_DAYS", token.DefaultRefreshTTLDays)),
		token.WithBindingEnforcement(EnvBoolOrDefault("ENFORCE_DEVICE_BINDING", false)),
	)

	otpHasher, err := otp.NewHasher(otpPepper)
	if err != nil {
		pool.Close()
		return nil, err
	}
	otpRepo := otp.NewRepository(pool)
	otpService := otp.NewService(otpRepo, otpHasher, &otp.LogSender{Logger: logger}, logger)

	adminID, err := uuid.NewV7()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("generate admin id: %w", err)
	}
	if err := users.BootstrapAdmin(ctx, adminID.String(), os.Getenv("ADMIN_PHONE"), os.Getenv("ADMIN_PASSWORD"), logger); err != nil {
		pool.Close()
		return nil, err
	}

	authService := auth.NewService(otpService, users, rotator, issuer, logger)
	authHandler := auth.NewHandler(authService)

	tokenCleanup := maintenance.NewTokenCleanup(tokenRepo)
	challengeCleanup := maintenance.NewChallengeCleanup(otpRepo)
	schedulers := []*maintenance.Scheduler{
		maintenance.NewScheduler(tokenCleanup, maintenance.TokenCleanupInterval, logger),
		maintenance.NewScheduler(challengeCleanup, maintenance.ChallengeCleanupInterval, logger),
	}
	cleanupHandler := maintenance.NewHandler(os.Getenv("CRON_SECRET"), logger, tokenCleanup, challengeCleanup)

	otpLimiter := auth.NewRateLimiter(
		envIntOrDefault("OTP_RATE_LIMIT_MAX", 5),
		envSecondsOrDefault("OTP_RATE_LIMIT_WINDOW_SECONDS", 60),
	)

	mux := http.NewServeMux()
	mux.Handle("POST /auth/otp/request", otpLimiter.Middleware(http.HandlerFunc(authHandler.RequestOTP)))
	mux.Handle("POST /auth/otp/verify", otpLimiter.Middleware(http.HandlerFunc(authHandler.VerifyOTP)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("POST /auth/logout-all", auth.Middleware(issuer, http.HandlerFunc(authHandler.LogoutAll)))
	mux.Handle("GET /auth/me", auth.Middleware(issuer, http.HandlerFunc(authHandler.Me)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.RunCleanup)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.RunCleanup)
	mux.HandleFunc("GET /health", healthHandler(pool))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler:    handler,
		Schedulers: schedulers,
		Close: func() error {
			observability.FlushSentry()
			if redisClient != nil {
				_ = redisClient.Close()
			}
			pool.Close()
			return nil
		},
	}, nil
}

// runMigrations uses a short-lived database/sql connection; the pgx pool the
// repositories share is opened only once the schema is in place.
func runMigrations(ctx context.Context, databaseURL string) error {
	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}
	defer database.Close()

	if err := database.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migration database: %w", err)
	}

	if err := db.RunMigrations(ctx, database); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func healthHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := pool.Ping(ctx); err != nil {
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
