package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mcdev12/movex/go/internal/config"
	"github.com/mcdev12/movex/go/internal/gateway"
	"github.com/mcdev12/movex/go/internal/journal"
	"github.com/mcdev12/movex/go/internal/master"
	"github.com/mcdev12/movex/go/internal/rps"
)

func main() {
	config.LoadDotEnv()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadMaster()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("movex master failed")
	}
	log.Info().Msg("movex master shutdown complete")
}

func run(ctx context.Context, cfg *config.Master) error {
	reducers, err := cfg.Reducers(rps.ResourceType)
	if err != nil {
		return fmt.Errorf("bind reducers: %w", err)
	}

	var opts []master.StoreOption
	if cfg.DatabaseURL != "" {
		pg, err := journal.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		opts = append(opts, master.WithJournal(pg))
	}

	registry := master.NewRegistry()
	store := master.NewStore(cfg.StoreConfig(), reducers, registry, opts...)
	defer store.Close()
	router := master.NewRouter(store, registry)
	defer router.Close()

	gatewayConfig := gateway.DefaultConfig()
	gatewayConfig.JetStreamConfig.URL = cfg.NATSURL
	if cfg.JWTSecret != "" {
		gatewayConfig.Authenticator = gateway.NewJWTAuthenticator([]byte(cfg.JWTSecret))
	}
	if host, err := os.Hostname(); err == nil {
		// every gateway needs its own consumer to see every broadcast
		gatewayConfig.JetStreamConfig.ConsumerName += "-" + host
	}

	service, err := gateway.NewService(ctx, router, gatewayConfig)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     service.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	log.Info().
		Str("port", cfg.Port).
		Str("nats_url", cfg.NATSURL).
		Bool("journal", cfg.DatabaseURL != "").
		Bool("jwt", cfg.JWTSecret != "").
		Int("workers", cfg.Workers).
		Msg("starting movex master")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return service.Start(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
