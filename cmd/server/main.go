package main

import (
	"context"
	"errors"
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

	"github.com/atmx/rebase-engine/internal/config"
	"github.com/atmx/rebase-engine/internal/feed"
	"github.com/atmx/rebase-engine/internal/messaging"
	"github.com/atmx/rebase-engine/internal/metrics"
	"github.com/atmx/rebase-engine/internal/model"
	"github.com/atmx/rebase-engine/internal/payout"
	"github.com/atmx/rebase-engine/internal/processor"
	"github.com/atmx/rebase-engine/internal/store"
	"github.com/atmx/rebase-engine/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid redis_url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL())
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL())
		}
	} else {
		slog.Warn("database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Market ---
	market, err := ensureMarket(ctx, st, cfg.Market.Params())
	if err != nil {
		slog.Error("market setup failed", "err", err)
		os.Exit(1)
	}
	metrics.ObserveMarket(market)

	// --- Price feed and payouts ---
	var prices feed.Source = feed.NewStep(cfg.Feed.Step)
	var payouts payout.Sender = payout.LogSender{}

	if cfg.NATSURL != "" {
		nc, js, err := messaging.Connect(cfg.NATSURL)
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)

		if err := messaging.EnsureStreams(ctx, js, cfg.Feed.Subject, cfg.Payout.Subject); err != nil {
			slog.Error("stream setup failed", "err", err)
			os.Exit(1)
		}

		src := feed.NewNATSSource()
		if err := src.Subscribe(ctx, js, cfg.Feed.Subject); err != nil {
			slog.Error("price feed subscription failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, src.Stop)
		prices = src
		payouts = payout.NewNATSSender(js, cfg.Payout.Subject)
		slog.Info("NATS price feed and payouts enabled", "prices", cfg.Feed.Subject, "payouts", cfg.Payout.Subject)
	} else {
		slog.Warn("nats_url not set, using step price feed and log-only payouts", "step", cfg.Feed.Step)
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Trade service ---
	// --- Payout outbox ---
	// Deliver payouts committed before the last shutdown, then keep
	// retrying the ones the rail rejected.
	relay := payout.NewRelay(st, payouts)
	if _, err := relay.Flush(ctx, market.ID); err != nil {
		slog.Warn("initial payout flush failed", "err", err)
	}
	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	go relay.Run(relayCtx, market.ID, cfg.Payout.FlushInterval())

	proc := processor.New(prices)
	tradeSvc := trade.NewService(st, proc, relay, market.ID, wsHub)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+trade.AccountHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"rebase-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time rebase and trade events.
		r.Get("/ws", wsHub.HandleWS)

		// Market state.
		r.Get("/market", tradeSvc.GetMarket)
		r.Get("/market/history", tradeSvc.GetMarketHistory)
		r.Get("/divisors", tradeSvc.GetDivisors)

		// Caller-scoped operations.
		r.Group(func(r chi.Router) {
			r.Use(trade.RequireAccount)
			r.Post("/rebase", tradeSvc.Rebase)
			r.Post("/buy", tradeSvc.Buy)
			r.Post("/sell", tradeSvc.Sell)
			r.Get("/balance/{side}", tradeSvc.GetBalance)
			r.Get("/history", tradeSvc.GetHistory)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("rebase-engine listening", "port", cfg.Port, "market", market.ID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down rebase-engine...")
	stopRelay()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("rebase-engine stopped")
}

// ensureMarket loads the configured market, creating it on first start.
// An existing market keeps its stored parameters.
func ensureMarket(ctx context.Context, st store.Store, p model.MarketParams) (*model.Market, error) {
	m, err := st.GetMarket(ctx, p.ID)
	if err == nil {
		slog.Info("market loaded", "id", m.ID, "last_price", m.LastPrice.String())
		return m, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	m, err = model.NewMarket(p, time.Now())
	if err != nil {
		return nil, err
	}
	if err := st.CreateMarket(ctx, m); err != nil {
		return nil, err
	}
	slog.Info("market created",
		"id", m.ID,
		"last_price", m.LastPrice.String(),
		"multiplier_bps", m.MultiplierBps.String(),
		"max_profit_bps", m.MaxProfitBps.String(),
		"funding_divisor", m.FundingDivisor.String(),
	)
	return m, nil
}
