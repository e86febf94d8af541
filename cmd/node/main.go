package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/darkpool/params"
	"github.com/uhyunpark/darkpool/pkg/api"
	"github.com/uhyunpark/darkpool/pkg/app/pool"
	"github.com/uhyunpark/darkpool/pkg/events"
	"github.com/uhyunpark/darkpool/pkg/p2p"
	"github.com/uhyunpark/darkpool/pkg/telemetry"
	"github.com/uhyunpark/darkpool/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, sugar)
	if err != nil {
		sugar.Fatalw("telemetry_init_failed", "err", err)
	}
	defer shutdownTracing()

	// ---- Pool ----
	app, err := pool.New(cfg, sugar)
	if err != nil {
		sugar.Fatalw("pool_init_failed", "err", err)
	}
	defer app.Close()

	// ---- Gossip (optional) ----
	// Observer nodes receive the same public events over libp2p.
	if cfg.Events.P2PListen != "" {
		g, err := p2p.NewGossip(ctx, p2p.GossipConfig{
			ListenAddr: cfg.Events.P2PListen,
			Bootstrap:  cfg.Events.P2PBootstrap,
			Logger:     sugar.Named("p2p"),
		})
		if err != nil {
			sugar.Fatalw("libp2p_init_failed", "err", err)
		}
		defer g.Close()
		g.OnEvent(func(ev events.Event) {
			sugar.Debugw("gossip_event", "type", ev.Type, "order_id", ev.OrderID)
		})
		app.AddSink(g)
	}

	// ---- Order Feeder (optional) ----
	// Enable with: ENABLE_FEEDER=true
	if os.Getenv("ENABLE_FEEDER") == "true" {
		cancelFeeder, err := pool.StartFeeder(ctx, app, pool.DefaultFeederConfig())
		if err != nil {
			sugar.Fatalw("feeder_init_failed", "err", err)
		}
		defer cancelFeeder()
	}

	// ---- API Server ----
	apiServer := api.NewServer(app, cfg.API, sugar.Named("api"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Run(ctx) })
	g.Go(func() error { return apiServer.Start(ctx) })

	sugar.Infow("node_starting",
		"api_addr", cfg.API.Addr,
		"store", cfg.Storage.Path,
		"ledger", cfg.Ledger.Mode,
		"kafka", len(cfg.Events.KafkaBrokers) > 0,
		"p2p", cfg.Events.P2PListen != "",
	)
	if err := g.Wait(); err != nil {
		sugar.Errorw("node_stopped", "err", err)
		return
	}
	sugar.Info("node_stopped")
}
