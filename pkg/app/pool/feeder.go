package pool

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/crypto"
)

// FeederConfig controls devnet order generation.
type FeederConfig struct {
	BatchSize   int           // orders per tick
	Interval    time.Duration // how often a batch is submitted
	NumAccounts int           // simulated traders
	MidPrice    decimal.Decimal
	SpreadBps   int64 // limits are drawn within +/- SpreadBps of MidPrice
	MaxQuantity int64
}

func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		BatchSize:   4,
		Interval:    time.Second,
		NumAccounts: 10,
		MidPrice:    decimal.NewFromInt(100),
		SpreadBps:   50,
		MaxQuantity: 20,
	}
}

type feeder struct {
	cfg      FeederConfig
	accounts []common.Address
	rng      *rand.Rand
}

func newFeeder(cfg FeederConfig) (*feeder, error) {
	if cfg.NumAccounts <= 0 {
		cfg.NumAccounts = 1
	}
	if cfg.MaxQuantity <= 0 {
		cfg.MaxQuantity = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	f := &feeder{cfg: cfg, rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))}
	for i := 0; i < cfg.NumAccounts; i++ {
		s, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		f.accounts = append(f.accounts, s.Address())
	}
	return f, nil
}

// next draws a random side, trader, limit and quantity.
func (f *feeder) next() (order.Side, common.Address, crypto.OrderFields) {
	side := order.SideBuy
	if f.rng.IntN(2) == 1 {
		side = order.SideSell
	}
	who := f.accounts[f.rng.IntN(len(f.accounts))]

	offset := int64(0)
	if f.cfg.SpreadBps > 0 {
		offset = f.rng.Int64N(2*f.cfg.SpreadBps+1) - f.cfg.SpreadBps
	}
	price := f.cfg.MidPrice.Mul(decimal.NewFromInt(10000 + offset)).Div(decimal.NewFromInt(10000)).Round(2)
	qty := decimal.NewFromInt(1 + f.rng.Int64N(f.cfg.MaxQuantity))
	return side, who, crypto.OrderFields{Price: price, Quantity: qty}
}

// StartFeeder submits sealed random orders to app until the returned cancel
// func is called or ctx is done. Devnet only: the feeder seals with the
// enclave's public key exactly as a client would.
func StartFeeder(ctx context.Context, app *App, cfg FeederConfig) (context.CancelFunc, error) {
	f, err := newFeeder(cfg)
	if err != nil {
		return nil, err
	}
	cfg = f.cfg
	feedCtx, cancel := context.WithCancel(ctx)
	log := app.log.Named("feeder")

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		start := time.Now()
		total := 0
		log.Infow("feeder_started", "batch", cfg.BatchSize, "interval", cfg.Interval.String(), "accounts", len(f.accounts))

		for {
			select {
			case <-feedCtx.Done():
				log.Infow("feeder_stopped", "orders", total, "elapsed", time.Since(start).Round(time.Second).String())
				return
			case <-ticker.C:
				for i := 0; i < cfg.BatchSize; i++ {
					side, who, fields := f.next()
					payload, err := app.Enclave().Seal(side, who, fields)
					if err != nil {
						log.Warnw("feeder_seal_failed", "err", err)
						continue
					}
					if _, err := app.Submit(side, payload, who); err != nil {
						log.Warnw("feeder_submit_failed", "err", err)
						continue
					}
					total++
				}
			}
		}
	}()

	return cancel, nil
}
