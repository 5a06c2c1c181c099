package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	server "campus_listings/internal/adapters/http_server"
	"campus_listings/internal/adapters/marketplace"
	"campus_listings/internal/adapters/observability"
	redisad "campus_listings/internal/adapters/redis"
	"campus_listings/internal/app"
	"campus_listings/internal/domain"
	"campus_listings/internal/shared"
	mysqlrepo "campus_listings/internal/storage/mysql"
)

func main() {
	cfg, err := shared.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	// set global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv, cfg.LogLevel)

	reg := observability.InitRegistry()
	metricsSrv := observability.Serve(cfg.MetricsAddr, reg)

	// payment sessions live in MySQL when configured, otherwise in process
	var repo domain.PaymentSessionRepository
	var memSessions *app.MemoryPaymentSessions
	if cfg.MySQLDSN != "" {
		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := mysqlrepo.Open(pingCtx, cfg.MySQLDSN)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("mysql open failed")
		}
		defer db.Close()
		log.Info().Msg("database connection ok")
		repo = mysqlrepo.New(db)
	} else {
		log.Warn().Msg("MYSQL_DSN is empty, payment sessions are kept in memory")
		memSessions = app.NewMemoryPaymentSessions()
		repo = memSessions
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redisad.NewClient(cfg.Redis.Addr, cfg.Redis.Pass, cfg.Redis.DB)
		defer rdb.Close()
	}
	cache := redisad.New(nil)
	stores := app.StoreFactory(app.MemoryStores)
	if rdb != nil {
		cache = redisad.New(rdb)
		if cfg.EntitlementBackend == "redis" {
			stores = redisad.EntitlementStores(rdb, cfg.SessionIdleTTL)
		}
	}

	client, err := marketplace.New(cfg.Marketplace.BaseURL, cfg.Marketplace.RPS, cfg.Marketplace.Timeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize marketplace client")
	}

	amount, _ := cfg.Unlock.FeeAmount() // validated by Load
	fee := app.UnlockFee{Amount: amount, Currency: cfg.Unlock.Currency}

	sessions := app.NewSessions(client, stores, cfg.SessionIdleTTL)
	properties := app.NewPropertyService(client, cache, cfg.CacheTTL)
	initiator := app.NewPaymentInitiator(client, properties, repo, fee, cfg.Unlock.PaymentMethod, cfg.Unlock.CallbackURL)

	// http
	srv := server.New(15 * time.Second)
	srv.Mount("/metrics", observability.MetricsHandler(reg))
	srv.MountHandlers(&server.Handlers{
		Sessions:   sessions,
		Properties: properties,
		Initiator:  initiator,
		Reconciler: app.ReconcilerDeps{
			Client:        client,
			Repo:          repo,
			Properties:    properties,
			VerifyTimeout: cfg.Unlock.VerifyTimeout,
			Flight:        &singleflight.Group{},
		},
		Secure: !observability.IsDev(cfg.AppEnv),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// cmd/sweeper owns MySQL rows; in-process rows are swept here
	var sweeper *app.PaymentSweeper
	if memSessions != nil {
		sweeper = app.NewPaymentSweeper(memSessions, client, cfg.Marketplace.APIKey,
			cfg.PaymentSessionTTL, cfg.SweepWorkers, cfg.SweepBatch)
	}

	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := sessions.Sweep(ctx); n > 0 {
					log.Info().Int("closed", n).Msg("idle viewer sessions closed")
				}
				observability.SetActiveSessions(sessions.Len())
				if sweeper != nil {
					start := time.Now()
					res, err := sweeper.Sweep(ctx)
					if err != nil {
						log.Warn().Err(err).Msg("payment sweep failed")
					}
					observability.ObserveSweep(res.Verified, res.Abandoned, time.Since(start))
				}
			}
		}
	}()

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Mux(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("signal received, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}
