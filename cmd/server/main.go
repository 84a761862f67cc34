package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/paperfund/ledger-engine/internal/admin"
	"github.com/paperfund/ledger-engine/internal/config"
	"github.com/paperfund/ledger-engine/internal/docstore"
	"github.com/paperfund/ledger-engine/internal/events"
	"github.com/paperfund/ledger-engine/internal/market"
	"github.com/paperfund/ledger-engine/internal/metrics"
	"github.com/paperfund/ledger-engine/internal/notify"
	"github.com/paperfund/ledger-engine/internal/sched"
	"github.com/paperfund/ledger-engine/internal/settle"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize store ---
	var st docstore.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := docstore.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = docstore.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Change-event bus ---
	var bus notify.Bus
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		bus = notify.NewRedisBus(rdb)
		slog.Info("Redis change bus enabled")
	} else {
		bus = notify.NewMemoryBus()
	}

	// Market-data writes from here on publish change events.
	notifying := notify.NewNotifyingStore(st, bus)

	// --- WebSocket hub ---
	hub := events.NewHub()
	go hub.Run()

	// --- Settlement engine ---
	mkt := market.NewService(notifying)
	resolver := settle.NewResolver(st, decimal.NewFromFloat(cfg.Settlement.DefaultBalance))
	engine := settle.NewEngine(st, mkt, resolver, hub)
	engine.LookupLimit = cfg.Settlement.LookupLimit
	engine.ChunkSize = cfg.Settlement.ChunkSize

	// --- Recompute worker ---
	worker := notify.NewWorker(bus, engine)
	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("recompute worker stopped", "err", err)
		}
	}()

	// --- Scheduled fetch + settlement ---
	var fetchers []market.Fetcher
	if cfg.DataSource.BaseURL != "" {
		fetchers = append(fetchers, market.NewHTTPFetcher(
			cfg.DataSource.Name, cfg.DataSource.BaseURL, cfg.DataSource.APIKey))
		slog.Info("quote provider configured", "source", cfg.DataSource.Name)
	} else {
		slog.Warn("data_source.base_url not set, market data must be ingested manually")
	}
	runner := market.NewRunner(notifying, mkt, fetchers...)
	scheduler := sched.NewScheduler(ctx, runner, engine)
	if err := scheduler.RegisterAll(cfg.Schedule.FetchCron, cfg.Schedule.SettleCron); err != nil {
		slog.Error("failed to register cron tasks", "err", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// --- Admin/game service ---
	svc := admin.NewService(notifying, mkt, engine, resolver, admin.TokenPolicy(cfg.Admin.Token))

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for settlement announcements.
		r.Get("/ws", hub.HandleWS)

		// Week lifecycle.
		r.Get("/weeks", svc.ListWeeks)
		r.Post("/weeks", svc.UpsertWeek)

		// Market data and corrections.
		r.Get("/weeks/{weekID}/market", svc.GetMarket)
		r.Put("/weeks/{weekID}/market", svc.IngestMarket)
		r.Put("/weeks/{weekID}/corrections", svc.UpsertCorrection)

		// Settlement.
		r.Post("/weeks/{weekID}/settle", svc.SettleWeek)
		r.Post("/recompute/{weekID}", svc.Recompute)

		// Allocations and balances.
		r.Post("/allocations", svc.SubmitAllocation)
		r.Get("/users/{uid}/balance", svc.GetBalance)
		r.Get("/users/{uid}/ledger", svc.GetLedger)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}
