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

	"github.com/tipstream/backend/internal/collab"
	"github.com/tipstream/backend/internal/config"
	"github.com/tipstream/backend/internal/database"
	mW "github.com/tipstream/backend/internal/middleware"
	"github.com/tipstream/backend/internal/services"
)

// @title Tip Service API
// @version 1.0
// @description Accepts viewer tips and syncs them to the ledger service
// @host localhost:8080
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

	viper.BindEnv("sync.ledger_endpoint", "SYNC_LEDGER_ENDPOINT")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	db := database.InitDatabase()
	defer db.Close()

	syncCfg := config.LoadSyncConfig()

	clients := collab.NewHTTPClients()
	tipService := services.NewTipService(db, syncCfg.QueueCapacity, clients, clients)
	dispatcher := services.NewSyncDispatcher(db, tipService,
		syncCfg.LedgerEndpoint, syncCfg.SourceService,
		syncCfg.BatchSize, syncCfg.FlushInterval, syncCfg.RequestTimeout)

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	go dispatcher.Run(dispatchCtx)

	// Recover tips stranded by a crash or a full queue.
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(syncCfg.SweepInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := tipService.RequeuePending(ctx, syncCfg.SweepMinAge); err != nil {
				log.Printf("Pending sweep failed: %v", err)
			}
		}),
	)
	if err != nil {
		log.Fatalf("Failed to schedule pending sweep: %v", err)
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
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tips", tipService.HandleSubmitTip)
		r.Get("/tips/{traceKey}", tipService.HandleGetTip)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Tip service starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Tip service shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	// Stop accepting first, then drain the dispatcher and jobs.
	stopDispatch()
	if err := scheduler.Shutdown(); err != nil {
		log.Printf("Scheduler shutdown: %v", err)
	}

	log.Println("Tip service stopped")
}
