package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	auditapp "github.com/meridian/backend/internal/application/audit"
	ledgerapp "github.com/meridian/backend/internal/application/ledger"
	quotaapp "github.com/meridian/backend/internal/application/quota"
	regionapp "github.com/meridian/backend/internal/application/region"
	"github.com/meridian/backend/internal/infrastructure/cache"
	"github.com/meridian/backend/internal/infrastructure/config"
	"github.com/meridian/backend/internal/infrastructure/logger"
	"github.com/meridian/backend/internal/infrastructure/persistence"
	"github.com/meridian/backend/internal/infrastructure/persistence/orgscope"
	"github.com/meridian/backend/internal/infrastructure/persistence/regiondb"
	"github.com/meridian/backend/internal/infrastructure/scheduler"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting Meridian tenancy core",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("home_region", cfg.Regions.Home),
	)

	// Create GORM logger backed by zap
	gormLogLevel := logger.MapGormLogLevel(cfg.Log.Level)
	gormLog := logger.NewGormLogger(log, gormLogLevel)

	// Control-plane database: organizations, teams, keys, quotas, the
	// ledgers and the audit chain
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	orgscope.EnableAutoOrgFilter(db.DB, true)
	persistence.RegisterAuditImmutabilityGuard(db.DB)
	log.Info("Database connected successfully")

	// Regional usage partitions
	partitions, err := regiondb.Open(cfg)
	if err != nil {
		log.Fatal("Failed to open regional partitions", zap.Error(err))
	}
	defer partitions.Close()
	log.Info("Regional partitions opened",
		zap.Int("regions", len(cfg.Regions.Codes)),
	)

	// Redis backs the sliding quota counters and the token revocation list
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	cancelPing()
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Error("Error closing Redis client", zap.Error(err))
		}
	}()
	windowStore := cache.NewRedisWindowStoreWithClient(redisClient, "meridian:window:")

	// Initialize repositories
	orgRepo := persistence.NewGormOrganizationRepository(db.DB)
	userRepo := persistence.NewGormUserRepository(db.DB)
	keyRepo := persistence.NewGormVirtualKeyRepository(db.DB)
	quotaRepo := persistence.NewGormUsageQuotaRepository(db.DB)
	creditRepo := persistence.NewGormCreditTransactionRepository(db.DB)
	invoiceRepo := persistence.NewGormInvoiceRepository(db.DB)
	transferRepo := persistence.NewGormCrossBorderTransferRepository(db.DB)
	auditRepo := persistence.NewGormAuditRepository(db.DB)
	usageRepo := regiondb.NewPartitionedUsageRecordRepository(partitions)

	// Initialize application services
	engine := quotaapp.NewEngine(quotaRepo, windowStore, keyRepo, usageRepo, cfg.Quota.DefaultAlertThreshold, log)
	router := regionapp.NewRouter(partitions, userRepo, transferRepo, usageRepo, cfg.Regions, log)
	auditService := auditapp.NewService(auditRepo, cfg.Audit.AppendRetries, log)
	ledgerService := ledgerapp.NewService(
		creditRepo, invoiceRepo, usageRepo, orgRepo, keyRepo,
		engine, router, auditService, log,
	)
	// Background schedulers
	rolloverCfg := scheduler.DefaultQuotaRolloverSchedulerConfig()
	rolloverCfg.Enabled = cfg.Scheduler.Enabled
	if cfg.Quota.RolloverInterval > 0 {
		rolloverCfg.Interval = cfg.Quota.RolloverInterval
	}
	rolloverScheduler := scheduler.NewQuotaRolloverScheduler(engine, log, rolloverCfg)

	verifyCfg := scheduler.DefaultAuditVerifySchedulerConfig()
	verifyCfg.Enabled = cfg.Scheduler.Enabled
	if cfg.Audit.VerifyInterval > 0 {
		verifyCfg.Interval = cfg.Audit.VerifyInterval
	}
	if cfg.Audit.VerifyBatchSize > 0 {
		verifyCfg.BatchSize = cfg.Audit.VerifyBatchSize
	}
	verifyScheduler := scheduler.NewAuditVerifyScheduler(auditService, orgRepo, log, verifyCfg)

	reconcileCfg := scheduler.DefaultSpendReconcileSchedulerConfig()
	reconcileCfg.Enabled = cfg.Scheduler.Enabled
	if cfg.Reconcile.Interval > 0 {
		reconcileCfg.Interval = cfg.Reconcile.Interval
	}
	if cfg.Reconcile.PendingAfter > 0 {
		reconcileCfg.PendingAfter = cfg.Reconcile.PendingAfter
	}
	if cfg.Reconcile.BatchSize > 0 {
		reconcileCfg.BatchSize = cfg.Reconcile.BatchSize
	}
	reconcileScheduler := scheduler.NewSpendReconcileScheduler(ledgerService, log, reconcileCfg)

	retentionCfg := scheduler.DefaultRetentionSweepSchedulerConfig()
	retentionCfg.Enabled = cfg.Scheduler.Enabled
	if cfg.Retention.SweepInterval > 0 {
		retentionCfg.Interval = cfg.Retention.SweepInterval
	}
	if cfg.Retention.DefaultDays > 0 {
		retentionCfg.DefaultDays = cfg.Retention.DefaultDays
	}
	retentionScheduler := scheduler.NewRetentionSweepScheduler(usageRepo, orgRepo, log, retentionCfg)

	schedulers := []interface {
		Start(context.Context) error
		Stop(context.Context) error
	}{
		rolloverScheduler,
		verifyScheduler,
		reconcileScheduler,
		retentionScheduler,
	}
	for _, s := range schedulers {
		if err := s.Start(context.Background()); err != nil {
			log.Fatal("Failed to start scheduler", zap.Error(err))
		}
	}

	// Liveness endpoint for orchestration probes
	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      healthHandler(db, log),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("Health endpoint listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start health endpoint", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Health endpoint forced to shutdown", zap.Error(err))
	}
	for _, s := range schedulers {
		if err := s.Stop(ctx); err != nil {
			log.Error("Scheduler stop failed", zap.Error(err))
		}
	}

	log.Info("Shutdown complete")
}

// healthHandler reports process and database liveness
func healthHandler(db *persistence.Database, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			log.Warn("Health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	return mux
}
