// Command opendispatchd runs the Open Dispatch control plane: the webhook
// ingress that receives reporter callbacks from Sprites, the instance
// manager orchestrating jobs, the stale reaper, and the operator admin API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/open-dispatch/opendispatch/internal/api"
	"github.com/open-dispatch/opendispatch/internal/auth"
	"github.com/open-dispatch/opendispatch/internal/db"
	"github.com/open-dispatch/opendispatch/internal/instancemanager"
	"github.com/open-dispatch/opendispatch/internal/machines"
	"github.com/open-dispatch/opendispatch/internal/repository"
	"github.com/open-dispatch/opendispatch/internal/scheduler"
	"github.com/open-dispatch/opendispatch/internal/webhook"
	"github.com/open-dispatch/opendispatch/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	webhookAddr    string
	webhookURL     string
	adminAddr      string
	maxBodyBytes   int64
	cleanupDelayMs int64
	reaperMs       int64
	defaultTimeout int64
	jobTokenSecret string

	adminDBDriver string
	adminDBDSN    string
	adminJWTPriv  string
	adminJWTPub   string
	secureCookies bool

	machinesBaseURL string
	machinesAPIKey  string

	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "opendispatchd",
		Short: "Open Dispatch control plane — drives AI coding agents from chat",
		Long: `Open Dispatch lets operators drive AI coding agents from chat platforms.
It binds chat channels to agent instances, spawns one-shot or persistent
Machines per task, receives their output through an authenticated webhook
ingress, and exposes an admin API for operators to inspect and control jobs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.webhookAddr, "webhook-addr", envOrDefault("WEBHOOK_PORT", ":8080"), "webhook ingress listen address (or bare port)")
	root.PersistentFlags().StringVar(&cfg.webhookURL, "webhook-url", envOrDefault("OPEN_DISPATCH_URL", "http://localhost:8080"), "externally reachable base URL reporters use to call back")
	root.PersistentFlags().StringVar(&cfg.adminAddr, "admin-addr", envOrDefault("ADMIN_PORT", ":8081"), "admin API listen address (or bare port)")
	root.PersistentFlags().Int64Var(&cfg.maxBodyBytes, "max-body-bytes", envOrDefaultInt64("MAX_BODY_BYTES", webhook.DefaultMaxBodyBytes), "webhook body size cap in bytes")
	root.PersistentFlags().Int64Var(&cfg.cleanupDelayMs, "job-cleanup-delay-ms", envOrDefaultInt64("JOB_CLEANUP_DELAY_MS", int64(instancemanager.DefaultCleanupDelay/time.Millisecond)), "post-terminal job grace window in milliseconds")
	root.PersistentFlags().Int64Var(&cfg.reaperMs, "stale-reaper-interval-ms", envOrDefaultInt64("STALE_REAPER_INTERVAL_MS", int64(instancemanager.DefaultReaperInterval/time.Millisecond)), "stale reaper sweep period in milliseconds")
	root.PersistentFlags().Int64Var(&cfg.defaultTimeout, "default-job-timeout-ms", envOrDefaultInt64("DEFAULT_JOB_TIMEOUT_MS", 600_000), "default per-job inactivity budget in milliseconds")
	root.PersistentFlags().StringVar(&cfg.jobTokenSecret, "job-token-secret", envOrDefault("JOB_TOKEN_SECRET", ""), "HMAC secret for per-job webhook tokens (random per boot if unset)")

	root.PersistentFlags().StringVar(&cfg.adminDBDriver, "admin-db-driver", envOrDefault("ADMIN_DB_DRIVER", "sqlite"), "operator store driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.adminDBDSN, "admin-db-dsn", envOrDefault("ADMIN_DB_DSN", "./opendispatch.db"), "operator store DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.adminJWTPriv, "admin-jwt-private-key-path", envOrDefault("ADMIN_JWT_PRIVATE_KEY_PATH", ""), "RSA private key PEM for admin JWTs (ephemeral if unset)")
	root.PersistentFlags().StringVar(&cfg.adminJWTPub, "admin-jwt-public-key-path", envOrDefault("ADMIN_JWT_PUBLIC_KEY_PATH", ""), "RSA public key PEM for admin JWTs")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("SECURE_COOKIES", "false") == "true", "set Secure flag on refresh-token cookies (enable in production over HTTPS)")

	root.PersistentFlags().StringVar(&cfg.machinesBaseURL, "machines-base-url", envOrDefault("MACHINES_BASE_URL", ""), "Machines provider base URL; empty uses an in-memory client for local/dev use")
	root.PersistentFlags().StringVar(&cfg.machinesAPIKey, "machines-api-key", envOrDefault("MACHINES_API_KEY", ""), "Machines provider API key")

	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("opendispatchd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting opendispatchd",
		zap.String("version", version),
		zap.String("webhook_addr", cfg.webhookAddr),
		zap.String("admin_addr", cfg.adminAddr),
		zap.String("log_level", cfg.logLevel),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Operator store ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.adminDBDriver,
		DSN:      cfg.adminDBDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to operator store: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	operatorRepo := repository.NewOperatorRepository(gormDB)
	refreshTokenRepo := repository.NewRefreshTokenRepository(gormDB)

	// --- 2. Admin auth ---
	jwtManager, err := buildJWTManager(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}
	localProvider := auth.NewLocalAuthProvider(operatorRepo, refreshTokenRepo, jwtManager)
	authService := auth.NewAuthService(localProvider, refreshTokenRepo, jwtManager)

	// --- 3. Machines client ---
	machinesClient := buildMachinesClient(cfg, logger)

	// --- 4. Log relay hub ---
	hub := websocket.NewHub()
	go hub.Run(ctx)

	// --- 5. Instance manager (the orchestration core) ---
	tokenSecret := cfg.jobTokenSecret
	if tokenSecret == "" {
		tokenSecret = uuid.NewString()
		logger.Warn("JOB_TOKEN_SECRET not set — generated an ephemeral secret; job tokens will not survive a restart")
	}

	manager := instancemanager.New(instancemanager.Config{
		Machines:       machinesClient,
		Tokens:         machines.NewJobTokenSource(tokenSecret),
		Logger:         logger,
		WebhookBaseURL: cfg.webhookURL,
		CleanupDelay:   time.Duration(cfg.cleanupDelayMs) * time.Millisecond,
		DefaultTimeout: time.Duration(cfg.defaultTimeout) * time.Millisecond,
		ReaperInterval: time.Duration(cfg.reaperMs) * time.Millisecond,
		Publisher:      api.NewHubPublisher(hub),
	})
	defer manager.Stop()

	// --- 6. Stale reaper scheduler ---
	sched, err := scheduler.New(manager, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 7. Webhook ingress ---
	webhookSrv := webhook.New(webhook.Config{
		Store:        manager,
		Logger:       logger,
		MaxBodyBytes: cfg.maxBodyBytes,
	}, manager.JobCount)

	webhookHTTP := &http.Server{
		Addr:         normalizeAddr(cfg.webhookAddr),
		Handler:      webhookSrv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("webhook ingress listening", zap.String("addr", webhookHTTP.Addr))
		if err := webhookHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("webhook ingress error", zap.Error(err))
			cancel()
		}
	}()

	// --- 8. Admin API ---
	router := api.NewRouter(api.RouterConfig{
		AuthService: authService,
		Manager:     manager,
		Hub:         hub,
		Logger:      logger,
		Secure:      cfg.secureCookies,
	})

	adminHTTP := &http.Server{
		Addr:         normalizeAddr(cfg.adminAddr),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("admin api listening", zap.String("addr", adminHTTP.Addr))
		if err := adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin api error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down opendispatchd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := webhookHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Warn("webhook ingress graceful shutdown error", zap.Error(err))
	}
	if err := adminHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin api graceful shutdown error", zap.Error(err))
	}

	logger.Info("opendispatchd stopped")
	return nil
}

// buildMachinesClient wires an HTTP-backed Machines client when a provider
// base URL is configured, or an in-memory one otherwise — handy for local
// development and demos where no real Machines provider is reachable.
func buildMachinesClient(cfg *config, logger *zap.Logger) machines.Client {
	if cfg.machinesBaseURL == "" {
		logger.Warn("MACHINES_BASE_URL not set — using in-memory Machines client (no real Sprites will be spawned)")
		return machines.NewMemoryClient()
	}
	return machines.NewHTTPClient(cfg.machinesBaseURL, cfg.machinesAPIKey, logger)
}

// buildJWTManager loads an RSA key pair for admin JWTs from disk if both
// paths are configured, or generates ephemeral in-memory keys for
// development — sessions simply do not survive a restart in that case,
// mirroring the acceptance of job-token churn across restarts.
func buildJWTManager(cfg *config, logger *zap.Logger) (*auth.JWTManager, error) {
	if cfg.adminJWTPriv != "" && cfg.adminJWTPub != "" {
		logger.Info("loading admin JWT keys from disk", zap.String("private", cfg.adminJWTPriv))
		return auth.NewJWTManagerFromFiles(cfg.adminJWTPriv, cfg.adminJWTPub, "opendispatchd")
	}

	logger.Warn("admin JWT key files not configured — using ephemeral in-memory keys (sessions will be invalidated on restart)")
	return auth.NewJWTManagerGenerated("opendispatchd")
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

// normalizeAddr allows WEBHOOK_PORT/ADMIN_PORT to be configured as either a
// bare port number ("8080") or a full listen address (":8080", "0.0.0.0:8080").
func normalizeAddr(addr string) string {
	if _, err := strconv.Atoi(addr); err == nil {
		return ":" + addr
	}
	return addr
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}
