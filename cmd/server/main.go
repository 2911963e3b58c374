package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/lender-pool/internal/api"
	"github.com/atmx/lender-pool/internal/auth"
	"github.com/atmx/lender-pool/internal/bank"
	"github.com/atmx/lender-pool/internal/borrower"
	"github.com/atmx/lender-pool/internal/config"
	"github.com/atmx/lender-pool/internal/events"
	"github.com/atmx/lender-pool/internal/logging"
	"github.com/atmx/lender-pool/internal/metrics"
	"github.com/atmx/lender-pool/internal/pool"
	"github.com/atmx/lender-pool/internal/randomness"
	"github.com/atmx/lender-pool/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("storage init failed", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Event delivery ---
	wsHub := events.NewWSHub()
	go wsHub.Run(ctx)
	fanout := events.Fanout{wsHub, metrics.Recorder{}}

	if cfg.NATS.URL != "" {
		nc, js, err := events.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			slog.Error("nats init failed", "err", err)
			os.Exit(1)
		}
		defer nc.Drain()
		if err := events.EnsureStream(ctx, js); err != nil {
			slog.Error("nats stream init failed", "err", err)
			os.Exit(1)
		}
		pub := events.NewNATSPublisher(js, cfg.NATS.Buffer)
		go pub.Run(ctx)
		fanout = append(fanout, pub)
		slog.Info("publishing events to NATS", "stream", events.StreamName)
	}

	// --- Pool ---
	var random pool.RandomSource = randomness.NewCrypto()
	if cfg.Randomness.Source == "beacon" {
		random = randomness.NewBeacon(cfg.Randomness.BeaconURL, nil, cfg.Randomness.PollInterval)
		slog.Info("using randomness beacon", "url", cfg.Randomness.BeaconURL)
	}

	params, err := cfg.PoolParams()
	if err != nil {
		slog.Error("invalid pool config", "err", err)
		os.Exit(1)
	}
	ledgerBank := bank.NewMemory()
	lp, err := pool.New(params, ledgerBank, random, st, fanout)
	if err != nil {
		slog.Error("pool init failed", "err", err)
		os.Exit(1)
	}
	if err := restorePool(ctx, cfg, st, ledgerBank, lp); err != nil {
		slog.Error("pool restore failed", "err", err)
		os.Exit(1)
	}
	if err := lp.CheckSolvency(ctx); err != nil {
		slog.Error("pool is insolvent", "err", err)
		os.Exit(1)
	}
	if bal, err := lp.PoolBalance(ctx); err == nil {
		metrics.ObservePool(lp.TotalUnits(), bal)
	}

	// --- Borrowers ---
	borrowers := borrower.NewRegistry()
	webhookClient := &http.Client{}
	for _, b := range cfg.Borrowers {
		addr := common.HexToAddress(b.Address)
		if b.WebhookURL == "" {
			borrowers.Register(borrower.Repayer{Addr: addr})
		} else {
			borrowers.Register(borrower.NewWebhook(addr, b.WebhookURL, webhookClient, b.Timeout))
		}
	}

	// --- Pool service ---
	authn := auth.NewAuthenticator(auth.Config{
		HMACSecret:        cfg.Auth.HMACSecret,
		Issuer:            cfg.Auth.Issuer,
		AllowHeaderCaller: cfg.Auth.AllowHeaderCaller,
	})
	if cfg.Auth.AllowHeaderCaller {
		slog.Warn("X-Caller-Address header accepted without a token; do not run this in production")
	}
	limiter := api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				limiter.Sweep()
			}
		}
	}()
	poolSvc := api.NewService(lp, st, borrowers, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.HeaderCaller)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"lender-pool","state":%q}`, lp.State().String())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/api/v1", poolSvc.Routes(authn, limiter))

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		// Flash loans wait on borrower webhooks and randomness.
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("lender-pool listening",
			"port", cfg.Server.Port,
			"pool", lp.Address().Hex(),
			"storage", cfg.Storage.Driver,
			"randomness", cfg.Randomness.Source,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down lender-pool...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("lender-pool stopped")
}

// openStore builds the configured store, wrapping it with the Redis
// account cache when a Redis URL is set.
func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, []func(), error) {
	var st store.Store
	var cleanup []func()

	switch cfg.Driver {
	case "postgres":
		pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pgPool.Close)
		pg := store.NewPostgresStore(pgPool)
		if err := pg.Migrate(ctx); err != nil {
			pgPool.Close()
			return nil, nil, err
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case "sqlite":
		lite, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("opened SQLite store", "path", cfg.SQLitePath)
	default:
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			for _, fn := range cleanup {
				fn()
			}
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled")
	}
	return st, cleanup, nil
}

// restorePool rebuilds the bank and ledger from the store, or on first
// start mints the genesis allocations and persists the initial state.
func restorePool(ctx context.Context, cfg *config.Config, st store.Store, b *bank.Memory, lp *pool.Pool) error {
	snap, err := st.Load(ctx)
	switch {
	case errors.Is(err, store.ErrEmpty):
		wallets, err := cfg.Allocations()
		if err != nil {
			return err
		}
		for _, w := range wallets {
			if err := b.Mint(w.Address, w.Balance); err != nil {
				return fmt.Errorf("genesis %s: %w", w.Address.Hex(), err)
			}
		}
		if err := lp.Bootstrap(ctx); err != nil {
			return err
		}
		slog.Info("pool bootstrapped", "genesis_wallets", len(wallets))
		return nil
	case err != nil:
		return err
	}

	b.Restore(snap.Wallets)
	if err := lp.Restore(snap); err != nil {
		return err
	}
	slog.Info("pool restored",
		"accounts", len(snap.Accounts),
		"segments", len(snap.Segments),
		"wallets", len(snap.Wallets),
	)
	return nil
}
