package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mkarlsen/cotimer/internal/appconfig"
	"github.com/mkarlsen/cotimer/internal/store/natskv"
	"github.com/mkarlsen/cotimer/internal/sweeper"
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
		Str("nats_url", cfg.Store.NATSURL).
		Dur("interval", cfg.Sweeper.Interval.Std()).
		Dur("stale_after", cfg.Sweeper.StaleAfter.Std()).
		Msg("starting room sweeper")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := natskv.New(ctx, natskv.Config{
		URL:           cfg.Store.NATSURL,
		Bucket:        cfg.Store.NATSBucket,
		MaxReconnects: cfg.Store.MaxReconnects,
		ReconnectWait: cfg.Store.ReconnectWait.Std(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	sw := sweeper.New(st, clockwork.NewRealClock(), sweeper.Config{
		Interval:   cfg.Sweeper.Interval.Std(),
		StaleAfter: cfg.Sweeper.StaleAfter.Std(),
	})
	go func() {
		if err := sw.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("sweeper loop failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cancel()
	log.Info().Msg("sweeper shutdown complete")
}
