package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tripchat/internal/api"
	"tripchat/internal/bus"
	"tripchat/internal/channel"
	"tripchat/internal/chat"
	"tripchat/internal/commitgate"
	"tripchat/internal/config"
	"tripchat/internal/domain"
	"tripchat/internal/gatekeeper"
	"tripchat/internal/generate"
	"tripchat/internal/history"
	"tripchat/internal/memory"
	"tripchat/internal/router"
	"tripchat/internal/stream"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and WebSocket channel",
		Long:  "Serves the history API and the WebSocket channel on one listener. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	verifier, err := gatekeeper.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	defer store.Close()

	broker := bus.New(logger)
	defer broker.Close()

	rt := router.New(broker, logger)
	coord := commitgate.NewCoordinator(commitgate.CoordinatorConfig{
		Source:    store,
		TxTimeout: time.Duration(cfg.Memory.TxTimeoutSeconds) * time.Second,
		Logger:    logger,
	})
	gate := commitgate.NewGate(coord, rt, logger)
	gk := gatekeeper.New(verifier)

	svc := chat.NewService(chat.Config{
		Sessions:      store,
		Gate:          gate,
		Router:        rt,
		History:       history.NewEngine(store, cfg.History.MaxPageSize),
		Mux:           stream.NewMultiplexer(rt, logger),
		Generator:     newGenerator(cfg.Generation),
		Logger:        logger,
		Concurrency:   cfg.Generation.Concurrency,
		RateBurst:     cfg.Generation.RateBurst,
		RatePerMinute: cfg.Generation.RatePerMinute,
	})

	ws := channel.NewWebSocketChannel(channel.WSConfig{
		Gatekeeper:     gk,
		Broker:         broker,
		Handler:        svc,
		Router:         rt,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		Logger:         logger,
	})

	metricsEndpoint := ""
	if cfg.Metrics.Enabled {
		metricsEndpoint = cfg.Metrics.Endpoint
	}
	srv := api.NewServer(api.Config{
		Service:         svc,
		Gatekeeper:      gk,
		WebSocket:       ws,
		WSPath:          cfg.Server.WSPath,
		MetricsEndpoint: metricsEndpoint,
		DefaultPageSize: cfg.History.DefaultPageSize,
		Logger:          logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		// Hijacked connections outlive http.Server.Shutdown.
		ws.Close()
		svc.Close()
		return nil
	})

	logger.Info("tripchat serving",
		"addr", cfg.Server.Addr(),
		"ws_path", cfg.Server.WSPath,
		"generation", cfg.Generation.Mode,
		"schema_version", schemaVersion(store),
	)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func newGenerator(g config.GenerationConfig) domain.Generator {
	switch g.Mode {
	case "echo":
		return &generate.Echo{Delay: time.Duration(g.EchoDelayMs) * time.Millisecond}
	default:
		return nil
	}
}

func schemaVersion(store *memory.SQLiteStore) int {
	v, err := store.SchemaVersion()
	if err != nil {
		logger.Warn("cannot read schema version", "err", err)
	}
	return v
}
