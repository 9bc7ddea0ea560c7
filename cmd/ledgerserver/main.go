package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/tipstream/backend/internal/audit"
	"github.com/tipstream/backend/internal/collab"
	"github.com/tipstream/backend/internal/config"
	"github.com/tipstream/backend/internal/counters"
	"github.com/tipstream/backend/internal/database"
	"github.com/tipstream/backend/internal/idempotency"
	"github.com/tipstream/backend/internal/lock"
	mW "github.com/tipstream/backend/internal/middleware"
	"github.com/tipstream/backend/internal/services"
)

// @title Ledger Service API
// @version 1.0
// @description Ingests tip sync batches, settles balances and processes withdrawals
// @host localhost:8081
// @BasePath /api/v1
// @schemes http https

func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("settlement.default_rate_percent", "SETTLEMENT_DEFAULT_RATE_PERCENT")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	settlementCfg := config.LoadSettlementConfig()
	withdrawalCfg := config.LoadWithdrawalConfig()
	countersCfg := config.LoadCountersConfig()

	guard := idempotency.NewGuard(db, redisClient, 24*time.Hour)
	locks := lock.NewManager(redisClient, withdrawalCfg.LockLease)
	stats := counters.NewCache(db, redisClient, countersCfg.FlushDirtyLimit)
	auditLog := audit.NewLogger()
	collabClients := collab.NewHTTPClients()

	commissionService := services.NewCommissionService(db, redisClient,
		settlementCfg.RateCacheTTL, settlementCfg.DefaultRatePercent)
	settlementService := services.NewSettlementService(db, redisClient,
		commissionService, locks, stats, auditLog)
	withdrawalService := services.NewWithdrawalService(db, locks, stats, auditLog,
		collabClients, withdrawalCfg.MinAmount, withdrawalCfg.MaxAmount)
	receiverService := services.NewSyncReceiverService(db, guard, locks, settlementService, stats)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}

	// Settlement backstop for runs lost to crashes or busy locks.
	_, err = scheduler.NewJob(
		gocron.DurationJob(settlementCfg.SweepInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := settlementService.SweepUnsettled(ctx); err != nil {
				log.Printf("Settlement sweep failed: %v", err)
			}
		}),
	)
	if err != nil {
		log.Fatalf("Failed to schedule settlement sweep: %v", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(countersCfg.FlushInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := stats.Flush(ctx); err != nil {
				log.Printf("Counter flush failed: %v", err)
			}
		}),
	)
	if err != nil {
		log.Fatalf("Failed to schedule counter flush: %v", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(countersCfg.ReconcileInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := stats.Reconcile(ctx); err != nil {
				log.Printf("Counter reconcile failed: %v", err)
			}
		}),
	)
	if err != nil {
		log.Fatalf("Failed to schedule counter reconcile: %v", err)
	}
	scheduler.Start()

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8081/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		// Service-to-service and read endpoints.
		r.Post("/sync/tips", receiverService.HandleReceiveBatch)
		r.Get("/sync/progress/{sourceService}", receiverService.HandleGetProgress)
		r.Get("/commission-rates/{streamerId}", commissionService.HandleGetRate)
		r.Get("/ledgers/{streamerId}", settlementService.HandleGetBalance)
		r.Get("/stats/{streamerId}", func(w http.ResponseWriter, req *http.Request) {
			streamerStats, err := stats.Stats(req.Context(), chi.URLParam(req, "streamerId"))
			if err != nil {
				services.SendErrorResponse(w, "stats unavailable", http.StatusInternalServerError, nil)
				return
			}
			services.SendJSON(w, http.StatusOK, streamerStats)
		})
		r.Get("/settlements/{streamerId}", settlementService.HandleListSettlements)

		// Streamer-facing withdrawal flow.
		r.Post("/withdrawals", withdrawalService.HandleApplyWithdrawal)
		r.Get("/withdrawals/{traceKey}", withdrawalService.HandleGetWithdrawal)

		// Operator endpoints.
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/commission-rates", commissionService.HandleSetRate)
			r.Post("/settlements/{streamerId}", settlementService.HandleSettleStreamer)
			r.Post("/withdrawals/{id}/approve", withdrawalService.HandleApproveWithdrawal)
			r.Post("/withdrawals/{id}/complete", withdrawalService.HandleCompleteWithdrawal)
			r.Post("/withdrawals/{id}/reject", withdrawalService.HandleRejectWithdrawal)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Ledger service starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Ledger service shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	if err := scheduler.Shutdown(); err != nil {
		log.Printf("Scheduler shutdown: %v", err)
	}

	// Fold any remaining counter deltas into the database before exit.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := stats.Flush(flushCtx); err != nil {
		log.Printf("Final counter flush failed: %v", err)
	}
	flushCancel()

	log.Println("Ledger service stopped")
}
