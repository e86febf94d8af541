// Package settlement turns committed matches into ledger instructions.
//
// A match is settled at most once. Concurrent Settle calls for the same
// match share one in-flight attempt, and a match that already has a
// SettlementRecord returns it without touching the ledger again. No order
// lock is held while the ledger is called.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/uhyunpark/darkpool/pkg/app/core/lifecycle"
	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/app/core/store"
	"github.com/uhyunpark/darkpool/pkg/metrics"
	"github.com/uhyunpark/darkpool/pkg/util"
)

// Instruction is everything the ledger learns about a match: the two
// identities, the fill and the pool fee. The buyer pays Notional; the fee
// comes out of the fill, so the seller receives Notional - Fee.
type Instruction struct {
	MatchID  string          `json:"matchId"`
	Buyer    common.Address  `json:"buyer"`
	Seller   common.Address  `json:"seller"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Notional decimal.Decimal `json:"notional"`
	Fee      decimal.Decimal `json:"fee"`
}

// Ledger executes settlement instructions. A definite refusal must wrap
// order.ErrLedgerRejected; any other error is an unknown outcome and the
// instruction is resubmitted later, so implementations must treat MatchID
// as an idempotency key.
type Ledger interface {
	SubmitSettlement(ctx context.Context, in Instruction) (txID string, err error)
}

type Config struct {
	MaxRetries      uint64 // retries after the first attempt
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	FeeBps          int64
	Workers         int
	RecoverInterval time.Duration
	QueueSize       int
}

type Dispatcher struct {
	store  *store.Store
	lc     *lifecycle.Machine
	ledger Ledger
	cfg    Config

	clock  util.Clock
	log    *zap.SugaredLogger
	tracer trace.Tracer

	inflight singleflight.Group
	queue    chan string
}

type Option func(*Dispatcher)

func WithClock(c util.Clock) Option          { return func(d *Dispatcher) { d.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option { return func(d *Dispatcher) { d.log = l } }

func New(s *store.Store, lc *lifecycle.Machine, ledger Ledger, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	d := &Dispatcher{
		store:  s,
		lc:     lc,
		ledger: ledger,
		cfg:    cfg,
		clock:  util.RealClock{},
		log:    zap.NewNop().Sugar(),
		tracer: otel.Tracer("github.com/uhyunpark/darkpool/settlement"),
		queue:  make(chan string, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fee is notional * bps / 10000.
func Fee(notional decimal.Decimal, bps int64) decimal.Decimal {
	return notional.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10000))
}

// Enqueue schedules a match for the workers started by Run. A full queue
// drops the id; the next recovery scan picks it up again.
func (d *Dispatcher) Enqueue(matchID string) {
	select {
	case d.queue <- matchID:
	default:
		d.log.Warnw("settle_queue_full", "match_id", matchID)
	}
}

// Recover enqueues every match that is committed but neither settled nor
// void, e.g. after a restart. It returns how many were enqueued.
func (d *Dispatcher) Recover() int {
	pending := d.store.Unsettled()
	for _, m := range pending {
		d.Enqueue(m.ID)
	}
	if len(pending) > 0 {
		d.log.Infow("settle_recover", "matches", len(pending))
	}
	return len(pending)
}

// Run starts the workers and the periodic recovery scan. It returns when ctx
// is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-d.queue:
					if _, err := d.Settle(ctx, id); err != nil && ctx.Err() == nil {
						d.log.Warnw("settle_failed", "match_id", id, "err", err)
					}
				}
			}
		})
	}
	g.Go(func() error {
		d.Recover()
		if d.cfg.RecoverInterval <= 0 {
			return nil
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-d.clock.After(d.cfg.RecoverInterval):
				d.Recover()
			}
		}
	})
	return g.Wait()
}

// Settle drives one match to settled. It is safe to call repeatedly and
// concurrently for the same match.
func (d *Dispatcher) Settle(ctx context.Context, matchID string) (order.SettlementRecord, error) {
	v, err, shared := d.inflight.Do(matchID, func() (any, error) {
		return d.settle(ctx, matchID)
	})
	if shared {
		d.log.Debugw("settle_shared", "match_id", matchID)
	}
	if err != nil {
		return order.SettlementRecord{}, err
	}
	return v.(order.SettlementRecord), nil
}

func (d *Dispatcher) settle(ctx context.Context, matchID string) (order.SettlementRecord, error) {
	if rec, err := d.store.GetSettlement(matchID); err == nil {
		return rec, nil
	}
	res, err := d.store.GetMatch(matchID)
	if err != nil {
		return order.SettlementRecord{}, err
	}
	if res.Void {
		return order.SettlementRecord{}, fmt.Errorf("%w: match %s is void", order.ErrIllegalTransition, matchID)
	}

	ctx, span := d.tracer.Start(ctx, "settlement.settle", trace.WithAttributes(attribute.String("match.id", matchID)))
	defer span.End()
	start := time.Now()

	notional := res.Notional()
	in := Instruction{
		MatchID:  res.ID,
		Buyer:    res.Buyer,
		Seller:   res.Seller,
		Price:    res.FillPrice,
		Quantity: res.FillQuantity,
		Notional: notional,
		Fee:      Fee(notional, d.cfg.FeeBps),
	}

	// Attempts counts definite rejections and is persisted, so the budget
	// holds across calls and restarts.
	limit := int(d.cfg.MaxRetries) + 1
	attempts := res.Attempts
	if attempts >= limit {
		return order.SettlementRecord{}, d.void(span, matchID, attempts,
			fmt.Errorf("%w: retry budget already spent", order.ErrLedgerRejected))
	}

	var txID string
	op := func() error {
		id, err := d.ledger.SubmitSettlement(ctx, in)
		if err == nil {
			attempts++
			txID = id
			metrics.SettlementAttempts.WithLabelValues("confirmed").Inc()
			return nil
		}
		if errors.Is(err, order.ErrLedgerRejected) {
			attempts++
			metrics.SettlementAttempts.WithLabelValues("rejected").Inc()
			d.log.Warnw("settle_attempt_rejected", "match_id", matchID, "attempt", attempts, "err", err)
			if _, ferr := d.lc.FailSettlement(matchID, false); ferr != nil {
				return backoff.Permanent(ferr)
			}
			if attempts >= limit {
				return backoff.Permanent(err)
			}
		} else {
			// the ledger may have executed it; MatchID makes a resubmit safe
			metrics.SettlementAttempts.WithLabelValues("unknown").Inc()
			d.log.Warnw("settle_outcome_unknown", "match_id", matchID, "err", err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.cfg.InitialBackoff
	exp.MaxInterval = d.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, d.cfg.MaxRetries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, order.ErrLedgerRejected) && attempts >= limit {
			return order.SettlementRecord{}, d.void(span, matchID, attempts, err)
		}
		// left matched; Recover retries it
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() == nil && !errors.Is(err, order.ErrConcurrencyConflict) && !errors.Is(err, order.ErrIllegalTransition) {
			d.log.Warnw("settle_deferred", "match_id", matchID, "attempts", attempts, "err", err)
		}
		return order.SettlementRecord{}, err
	}

	rec := order.SettlementRecord{
		MatchID:   matchID,
		TxID:      txID,
		Notional:  notional,
		Fee:       in.Fee,
		Attempts:  attempts,
		SettledAt: d.clock.Now(),
	}
	if err := d.lc.ConfirmSettlement(rec); err != nil {
		if existing, gerr := d.store.GetSettlement(matchID); gerr == nil {
			return existing, nil
		}
		span.SetStatus(codes.Error, err.Error())
		d.log.Errorw("settle_confirm_failed", "match_id", matchID, "tx_id", txID, "err", err)
		return order.SettlementRecord{}, err
	}

	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("attempts", attempts))
	d.log.Infow("settled", "match_id", matchID, "tx_id", txID, "attempts", attempts)
	return rec, nil
}

// void gives up on a match whose retry budget is spent: both orders expire
// and the match is marked void.
func (d *Dispatcher) void(span trace.Span, matchID string, attempts int, err error) error {
	span.SetStatus(codes.Error, err.Error())
	if _, ferr := d.lc.FailSettlement(matchID, true); ferr != nil {
		return errors.Join(err, ferr)
	}
	metrics.SettlementAttempts.WithLabelValues("exhausted").Inc()
	d.log.Errorw("settle_exhausted", "match_id", matchID, "attempts", attempts, "err", err)
	return fmt.Errorf("match %s void after %d attempts: %w", matchID, attempts, err)
}
