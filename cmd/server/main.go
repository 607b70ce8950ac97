package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kai/ledger-engine/internal/api"
	"github.com/kai/ledger-engine/internal/commitment"
	"github.com/kai/ledger-engine/internal/config"
	"github.com/kai/ledger-engine/internal/events"
	"github.com/kai/ledger-engine/internal/ledger"
	"github.com/kai/ledger-engine/internal/limits"
	"github.com/kai/ledger-engine/internal/settlement"
	"github.com/kai/ledger-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, time.Duration(cfg.Redis.TTL)*time.Second)
			slog.Info("Redis cache enabled", "addr", cfg.Redis.Addr)
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	hub := events.NewHub()
	go hub.Run()

	// --- Services ---
	ledgerSvc := ledger.NewService(st)
	ledgerSvc.SetInitialGrant(cfg.Ledger.InitialGrant)

	var limiter *limits.StakeLimiter
	if cfg.Ledger.MaxStakePerMarket > 0 || cfg.Ledger.MaxTotalCommitted > 0 {
		limiter = &limits.StakeLimiter{
			MaxPerMarket:      cfg.Ledger.MaxStakePerMarket,
			MaxTotalCommitted: cfg.Ledger.MaxTotalCommitted,
		}
	}
	commitmentSvc := commitment.NewService(st, ledgerSvc, limiter, hub)
	commitmentSvc.SetRollbackWindow(cfg.Ledger.RollbackWindow.Duration)
	orchestrator := settlement.NewOrchestrator(st, ledgerSvc, hub)

	// --- Background settlement worker ---
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	worker := settlement.NewWorker(orchestrator, cfg.Settlement.WorkerInterval.Duration)
	go worker.Run(workerCtx)

	// --- HTTP server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewServer(st, ledgerSvc, commitmentSvc, orchestrator, hub).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopWorker()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}
