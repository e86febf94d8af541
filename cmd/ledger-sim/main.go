package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/uhyunpark/darkpool/params"
	"github.com/uhyunpark/darkpool/pkg/ledger"
	"github.com/uhyunpark/darkpool/pkg/util"
)

// ledger-sim answers settlement requests on NATS with an in-memory ledger,
// for running the node with LEDGER_MODE=nats.
func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLogger(cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	conn, err := ledger.Connect(cfg.Ledger.NATSURL, "darkpool-ledger-sim", sugar)
	if err != nil {
		sugar.Fatalw("nats_connect_failed", "err", err)
	}
	defer conn.Close()

	sim := ledger.NewSimLedger()
	sub, err := ledger.Serve(conn, cfg.Ledger.Subject, sim, cfg.Ledger.Timeout, sugar)
	if err != nil {
		sugar.Fatalw("ledger_serve_failed", "err", err)
	}
	defer sub.Unsubscribe()

	sugar.Infow("ledger_sim_ready", "url", cfg.Ledger.NATSURL, "subject", cfg.Ledger.Subject)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	sugar.Infow("ledger_sim_stopped", "settled_calls", sim.Calls(), "fees", sim.Fees().String())
}
