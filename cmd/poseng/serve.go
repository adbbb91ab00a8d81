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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/trenfi/position-engine/internal/api"
	"github.com/trenfi/position-engine/internal/config"
	"github.com/trenfi/position-engine/internal/hint"
	"github.com/trenfi/position-engine/internal/history"
	"github.com/trenfi/position-engine/internal/ledger"
	"github.com/trenfi/position-engine/internal/protocol"
)

var simulate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket API",
	Long: `Start the position engine, which provides:
- the protocol and user state, refreshed on every block
- fee rates, change previews and validation
- insertion and redemption hints
- a change history and WebSocket push of every state change`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&simulate, "simulate", true, "run against an in-process simulated ledger")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if !simulate {
		return errors.New("no remote ledger backend is built in; run with --simulate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Ledger ---
	sim, err := newSimulation(cfg)
	if err != nil {
		return err
	}
	var reader ledger.Reader = sim
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis_url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		reader = ledger.NewCachedReader(sim, rdb, cfg.RedisTTL, "poseng:")
		slog.Info("Redis ledger cache enabled")
	}

	// --- History ---
	var hist history.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := history.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("history migration failed: %w", err)
		}
		hist = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("database_url not set, using in-memory history (data will not persist)")
		hist = history.NewMemoryStore()
	}

	// --- Protocol store ---
	store := protocol.New(reader, sim, cfg.StoreConfig())
	recorder := history.NewRecorder(hist, cfg.User().Hex(), 256, slog.Default())
	store.Subscribe(recorder.Observe)

	wsHub := api.NewWSHub()
	store.Subscribe(wsHub.Observe)

	go recorder.Run(ctx)
	go wsHub.Run(ctx)
	go runSimulation(ctx, sim, cfg)

	stopStore := store.Start()
	cleanup = append(cleanup, stopStore)

	// --- Hints and API ---
	finder := hint.NewFinder(sim, sim, sim, cfg.HintOptions())
	svc := api.NewService(store, finder, hist)
	router := api.NewRouter(svc, wsHub, cfg.HTTP.RequestTimeout)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("position-engine listening", "port", cfg.HTTP.Port, "user", cfg.User().Hex())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down position-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Fprintln(os.Stderr, "position-engine stopped")
	return nil
}
