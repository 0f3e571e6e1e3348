package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"gridcore/internal/bus"
	"gridcore/internal/config"
	"gridcore/internal/geo"
	"gridcore/internal/notify"
	"gridcore/internal/proxy"
	"gridcore/internal/secrets"
	"gridcore/internal/store"
	"gridcore/internal/strategy"
	"gridcore/internal/stream"
	"gridcore/internal/supervisor"
	"gridcore/pkg/hub"
	"gridcore/pkg/logging"
	"gridcore/pkg/telemetry"
)

var configFile = flag.String("config", "configs/engine.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	log.Info("starting grid engine",
		zap.Bool("testnet", cfg.Testnet),
		zap.Int("proxies", len(cfg.ProxyPool)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keeper, err := secrets.NewKeeper(cfg.MasterKey.Value())
	if err != nil {
		log.Fatal("master key rejected", zap.Error(err))
	}

	db, err := store.New(ctx, cfg.DatabaseURL.Value())
	if err != nil {
		log.Fatal("postgres unavailable", zap.Error(err))
	}
	defer db.Close()

	eventBus, err := bus.New(cfg.RedisURL.Value(), log)
	if err != nil {
		log.Fatal("redis url rejected", zap.Error(err))
	}
	if err := eventBus.Ping(ctx); err != nil {
		log.Fatal("redis unavailable", zap.Error(err))
	}
	defer eventBus.Close()

	wsHub := hub.New(log)
	go wsHub.Run(ctx)

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := telemetry.Serve(ctx, cfg.MetricsAddr, reg, log); err != nil {
				log.Warn("metrics server exited", zap.Error(err))
			}
		}()
	}

	streams := stream.New(
		stream.DefaultMarketOpener(log),
		supervisor.UserStreamOpener(log),
		log,
	)
	defer streams.Stop()

	sup := supervisor.New(supervisor.Deps{
		Store:    db,
		Keeper:   keeper,
		Geo:      geo.New(cfg.GeoBypass, log),
		Proxies:  proxy.NewPool(cfg.ProxyPool, log),
		Streams:  streams,
		Notify:   notify.NewService(db, wsHub, log),
		Bus:      eventBus,
		Hub:      wsHub,
		Registry: strategy.NewRegistry(),
		Metrics:  metrics,
		Log:      log,
		StateDir: cfg.StateDir,
	})

	go func() {
		if err := eventBus.SubscribeKillSwitch(ctx, func(ks bus.KillSwitch) {
			sup.HandleKillSwitch(ctx, ks)
		}); err != nil && ctx.Err() == nil {
			log.Error("kill switch subscription lost", zap.Error(err))
		}
	}()

	sup.InitAndResumeAll(ctx)
	log.Info("engine ready", zap.Int("active_bots", sup.ActiveCount()))

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx := context.Background()
	sup.StopAllBots(shutdownCtx)
	log.Info("engine stopped")
}
