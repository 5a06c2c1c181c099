package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"campus_listings/internal/adapters/marketplace"
	"campus_listings/internal/adapters/observability"
	"campus_listings/internal/app"
	"campus_listings/internal/shared"
	mysqlrepo "campus_listings/internal/storage/mysql"
)

func main() {
	every := flag.Duration("every", 0, "repeat the sweep on this interval; 0 runs once")
	flag.Parse()

	cfg, err := shared.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	// initialize global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv, cfg.LogLevel)

	log.Info().
		Str("base", cfg.Marketplace.BaseURL).
		Int("workers", cfg.SweepWorkers).
		Dur("ttl", cfg.PaymentSessionTTL).
		Msg("payment sweeper starting")

	reg := observability.InitRegistry()
	if metricsSrv := observability.Serve(cfg.MetricsAddr, reg); metricsSrv != nil {
		defer metricsSrv.Close()
	}

	if cfg.MySQLDSN == "" {
		log.Fatal().Msg("MYSQL_DSN is required")
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := mysqlrepo.Open(pingCtx, cfg.MySQLDSN)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("mysql open failed")
	}
	defer db.Close()
	log.Info().Msg("db ping ok")

	client, err := marketplace.New(cfg.Marketplace.BaseURL, cfg.Marketplace.RPS, cfg.Marketplace.Timeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize marketplace client")
	}

	sw := app.NewPaymentSweeper(mysqlrepo.New(db), client, cfg.Marketplace.APIKey,
		cfg.PaymentSessionTTL, cfg.SweepWorkers, cfg.SweepBatch)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := func() {
		start := time.Now()
		res, err := sw.Sweep(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("sweep failed")
		}
		observability.ObserveSweep(res.Verified, res.Abandoned, time.Since(start))
		log.Info().
			Int("scanned", res.Scanned).
			Int("verified", res.Verified).
			Int("abandoned", res.Abandoned).
			Int("skipped", res.Skipped).
			Msg("sweep completed")
	}

	run()
	if *every <= 0 {
		return
	}
	t := time.NewTicker(*every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("payment sweeper stopped")
			return
		case <-t.C:
			run()
		}
	}
}
