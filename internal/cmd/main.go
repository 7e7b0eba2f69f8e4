package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mkarlsen/cotimer/internal/appconfig"
	"github.com/mkarlsen/cotimer/internal/gateway"
	"github.com/mkarlsen/cotimer/internal/session"
	"github.com/mkarlsen/cotimer/internal/store"
	"github.com/mkarlsen/cotimer/internal/store/memstore"
	"github.com/mkarlsen/cotimer/internal/store/natskv"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := appconfig.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("backend", string(cfg.Store.Backend)).
		Str("port", cfg.Gateway.Port).
		Msg("starting co-op session daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	st, closeStore, err := openStore(ctx, clock, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer closeStore()

	sessions := session.New(st, clock, session.DefaultConfig())
	defer sessions.Close()

	handler := gateway.NewHandler(sessions, gateway.DefaultConnectionConfig())
	defer handler.Close()

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Gateway.Port),
		Handler:      c.Handler(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go handler.Start(ctx)
	go func() {
		if err := sessions.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("session loop failed")
		}
	}()
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	// Leave the room so other users see the departure right away.
	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	sessions.LeaveRoom(leaveCtx)
	leaveCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()

	log.Info().Msg("daemon shutdown complete")
}

func openStore(ctx context.Context, clock clockwork.Clock, cfg appconfig.StoreConfig) (store.Store, func(), error) {
	switch cfg.Backend {
	case appconfig.BackendMemory:
		st := memstore.New(clock)
		return st, st.Close, nil
	case appconfig.BackendNATS:
		st, err := natskv.New(ctx, natskv.Config{
			URL:           cfg.NATSURL,
			Bucket:        cfg.NATSBucket,
			MaxReconnects: cfg.MaxReconnects,
			ReconnectWait: cfg.ReconnectWait.Std(),
		})
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
