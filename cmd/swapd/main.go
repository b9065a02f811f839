// README: Entry point; loads config, wires the swap engine and its adapters, starts HTTP and the sweeper.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fleetswap/internal/config"
	httptransport "fleetswap/internal/http"
	"fleetswap/internal/infra"
	"fleetswap/internal/modules/audit"
	"fleetswap/internal/modules/ledger"
	"fleetswap/internal/modules/notify"
	"fleetswap/internal/modules/swap"
	"fleetswap/internal/modules/trip"
	"fleetswap/internal/obs"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := infra.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("swapd exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if !cfg.Firebase.Enabled() {
		return errors.New("SWAP_FIREBASE_PROJECT_ID is required")
	}
	fb, err := infra.NewFirebase(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile, cfg.Firebase.DatabaseURL)
	if err != nil {
		return err
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		return err
	}
	defer dbPool.Close()
	if cfg.DB.Migrate {
		if err := infra.RunMigrations(dbPool, logger); err != nil {
			return err
		}
	}

	redisClient, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	sinks := []swap.Notifier{notify.NewFCM(fb.Messaging)}
	if cfg.AMQP.URL != "" {
		broker, err := infra.NewBroker(ctx, cfg.AMQP.URL, logger)
		if err != nil {
			return err
		}
		defer broker.Close()
		sinks = append(sinks, notify.NewAMQP(broker, cfg.AMQP.Exchange))
	}
	sinks = append(sinks, notify.NewLog(logger))

	var mirror swap.Mirror
	if fb.DB != nil {
		mirror = ledger.NewMirror(ledger.NewRTDBWriter(fb.DB))
	}

	auditStore := audit.NewStore(dbPool)
	tripStore := trip.NewStore(dbPool, redisClient, cfg.Trip.BroadcastKeyPrefix)

	svc := swap.NewService(swap.Deps{
		Store:            swap.NewStore(dbPool),
		Trips:            livenessOracle(cfg, dbPool, redisClient),
		Notifier:         notify.NewFanout(logger, sinks...),
		Audit:            auditStore,
		Mirror:           mirror,
		Metrics:          metrics,
		Logger:           logger.Named("swap"),
		AcceptWindow:     cfg.Swap.AcceptWindow,
		SweepConcurrency: cfg.Swap.SweepConcurrency,
	})

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Swaps:    svc,
		Audit:    auditStore,
		Trips:    tripStore,
		Verifier: fb.Verifier,
		Gatherer: reg,
		Logger:   logger.Named("http"),
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		runSweeper(gctx, svc, cfg.Swap.SweepInterval, logger.Named("sweeper"))
		return nil
	})
	return g.Wait()
}

// connectRedis dials Redis. It is only fatal when redis is a configured liveness source.
func connectRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err == nil {
		return rdb, nil
	}
	for _, src := range cfg.Trip.LivenessSources {
		if src == "redis" {
			return nil, err
		}
	}
	logger.Warn("redis unavailable; trip heartbeats disabled", zap.Error(err))
	return nil, nil
}
