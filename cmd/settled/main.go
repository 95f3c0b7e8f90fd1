/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine. Handles configuration,
  dependency injection, and graceful shutdown.

COMMANDS:
  settled serve   Run the HTTP API with the background sweeper
  settled sweep   Run a single settle+void sweep and exit

STARTUP SEQUENCE (serve):
  1. Load configuration (.env, YAML, environment overrides)
  2. Open SQLite store
  3. Wire engine, event bus, metrics, worker
  4. Start HTTP server and sweeper
  5. On SIGINT/SIGTERM: stop sweeper, drain HTTP (30s timeout), close store

EXAMPLES:
  # Run with file database
  settled serve --config settled.yaml

  # One-off sweep against an existing database
  settled sweep --config settled.yaml

SEE ALSO:
  - api/server.go: Router configuration
  - api/sweeper.go: Background worker lifecycle
  - config/config.go: Configuration loading
*/
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/engine"
	"github.com/warp/settlement-engine/metrics"
	"github.com/warp/settlement-engine/store/sqlite"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "settled",
		Short:         "Transaction settlement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "settled.yaml", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the background sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run a single settle and void sweep, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sweepOnce(cmd.Context(), configPath)
		},
	})

	if err := root.Execute(); err != nil {
		logger := zerolog.New(os.Stderr)
		logger.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// wiring groups everything a command needs once the store is open.
type wiring struct {
	cfg    config.Config
	log    zerolog.Logger
	store  *sqlite.Store
	bus    *engine.MemoryBus
	engine *engine.Engine
	sink   *metrics.Metrics
}

func wire(configPath string) (*wiring, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(cfg.Log)

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	bus := engine.NewBus()
	eng := engine.New(store, store, bus, cfg.EngineOptions(), logger)
	return &wiring{
		cfg:    cfg,
		log:    logger,
		store:  store,
		bus:    bus,
		engine: eng,
		sink:   metrics.New(),
	}, nil
}

func serve(configPath string) error {
	w, err := wire(configPath)
	if err != nil {
		return err
	}
	defer w.store.Close()

	sweeper := api.NewSweeper(w.engine, w.store, w.bus, w.log)
	sweeper.Worker().SetObserver(w.sink)
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	handler := api.NewHandler(w.engine, w.store)
	handler.Metrics = w.sink
	handler.Scale = w.cfg.Money.Scale
	handler.Rounding = w.cfg.RoundingMode()

	server := &http.Server{
		Addr:         w.cfg.Server.Addr,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		w.log.Info().Str("addr", w.cfg.Server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errs:
		return err
	case sig := <-quit:
		w.log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	sweeper.Stop()
	w.bus.Drain()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return err
	}

	w.log.Info().Msg("server stopped")
	return nil
}

func sweepOnce(ctx context.Context, configPath string) error {
	w, err := wire(configPath)
	if err != nil {
		return err
	}
	defer w.store.Close()

	worker := engine.NewWorker(w.engine, w.store, w.bus, w.log)
	worker.SetObserver(w.sink)

	if err := worker.Run(ctx, engine.AlgorithmSettle, ""); err != nil {
		return err
	}
	if err := worker.Run(ctx, engine.AlgorithmVoid, ""); err != nil {
		return err
	}
	w.bus.Drain()
	return nil
}
