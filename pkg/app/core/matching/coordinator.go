// Package matching pairs pending sealed orders through a Sealer.
//
// The coordinator never sees prices or quantities. It proposes buy/sell
// pairs in FIFO order, hands the two ciphertexts to the sealing service and
// commits whatever fill the service attests to. Each order matches at most
// one counter-order.
package matching

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/pkg/app/core/lifecycle"
	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/app/core/store"
	"github.com/uhyunpark/darkpool/pkg/crypto"
	"github.com/uhyunpark/darkpool/pkg/metrics"
	"github.com/uhyunpark/darkpool/pkg/util"
)

type Config struct {
	Interval time.Duration
	Policy   FillPolicy
	// AttestationKey, when set, must have signed every matched decision.
	AttestationKey *crypto.BLSPubKey
}

type Coordinator struct {
	store  *store.Store
	lc     *lifecycle.Machine
	sealer Sealer
	cfg    Config

	clock  util.Clock
	log    *zap.SugaredLogger
	tracer trace.Tracer

	trigger chan struct{}
	passMu  sync.Mutex // one pass at a time

	mu      sync.RWMutex
	onMatch []func(order.MatchResult)
}

type Option func(*Coordinator)

func WithClock(c util.Clock) Option          { return func(co *Coordinator) { co.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option { return func(co *Coordinator) { co.log = l } }

func New(s *store.Store, lc *lifecycle.Machine, sealer Sealer, cfg Config, opts ...Option) *Coordinator {
	if cfg.Policy == "" {
		cfg.Policy = PolicyMidpoint
	}
	c := &Coordinator{
		store:   s,
		lc:      lc,
		sealer:  sealer,
		cfg:     cfg,
		clock:   util.RealClock{},
		log:     zap.NewNop().Sugar(),
		tracer:  otel.Tracer("github.com/uhyunpark/darkpool/matching"),
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnMatch registers fn to receive every committed match.
func (c *Coordinator) OnMatch(fn func(order.MatchResult)) {
	c.mu.Lock()
	c.onMatch = append(c.onMatch, fn)
	c.mu.Unlock()
}

// Trigger asks Run for an immediate pass. It never blocks.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run performs a pass every Interval and whenever Trigger is called.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		var tick <-chan time.Time
		if c.cfg.Interval > 0 {
			tick = c.clock.After(c.cfg.Interval)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.trigger:
		case <-tick:
		}
		if _, err := c.Pass(ctx); err != nil && ctx.Err() == nil {
			c.log.Warnw("match_pass_failed", "err", err)
		}
	}
}

// Pass runs AttemptMatch over every order currently pending.
func (c *Coordinator) Pass(ctx context.Context) ([]order.MatchResult, error) {
	pool := slices.Collect(c.store.ListPending())
	if len(pool) < 2 {
		return nil, nil
	}
	return c.AttemptMatch(ctx, pool)
}

type pairKey struct{ a, b string }

// AttemptMatch walks pool in FIFO order and, for each order, tries counter
// orders in FIFO order until one matches. pool is a snapshot: the lifecycle
// re-checks every status before anything is written, so stale entries are
// skipped rather than matched. Only ctx cancellation is returned as an error.
func (c *Coordinator) AttemptMatch(ctx context.Context, pool []order.Order) ([]order.MatchResult, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "matching.pass", trace.WithAttributes(attribute.Int("pool.size", len(pool))))
	defer span.End()

	c.passMu.Lock()
	defer c.passMu.Unlock()

	queue := make([]order.Order, 0, len(pool))
	for _, o := range pool {
		if o.Status == order.StatusPending && o.Side.Valid() {
			queue = append(queue, o)
		}
	}
	slices.SortStableFunc(queue, func(a, b order.Order) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})

	done := make(map[string]bool, len(queue)) // matched, or no longer pending
	tried := make(map[pairKey]bool)
	var matches []order.MatchResult

	for _, o := range queue {
		if done[o.ID] {
			continue
		}
		for _, cand := range queue {
			if err := ctx.Err(); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return matches, err
			}
			if done[o.ID] {
				break
			}
			if cand.Side != o.Side.Opposite() || done[cand.ID] {
				continue
			}
			key := pairKey{min(o.ID, cand.ID), max(o.ID, cand.ID)}
			if tried[key] {
				continue
			}
			tried[key] = true

			res, err := c.tryPair(ctx, o, cand)
			var unreadable *PayloadError
			switch {
			case err == nil:
				done[o.ID], done[cand.ID] = true, true
				matches = append(matches, res)
			case errors.Is(err, order.ErrConcurrencyConflict):
				// one of the two moved on; find out which
				c.markStale(done, o.ID, cand.ID)
			case errors.As(err, &unreadable):
				done[unreadable.OrderID] = true
			case errors.Is(err, order.ErrNoMatch):
			default:
				c.log.Warnw("pair_failed", "order_id", o.ID, "counter_id", cand.ID, "err", err)
			}
		}
	}

	span.SetAttributes(attribute.Int("matches", len(matches)))
	metrics.MatchPassDuration.Observe(time.Since(start).Seconds())
	if len(matches) > 0 {
		c.log.Infow("match_pass", "pool", len(queue), "matches", len(matches))
	}
	c.publish(matches)
	return matches, nil
}

// reject expires the order the sealer could not read. The caller requeues
// what is left of the pair.
func (c *Coordinator) reject(pe *PayloadError) {
	metrics.CompareTotal.WithLabelValues("rejected").Inc()
	if err := c.lc.Reject(pe.OrderID); err != nil {
		c.log.Warnw("reject_failed", "order_id", pe.OrderID, "err", err)
		return
	}
	c.log.Warnw("order_rejected", "order_id", pe.OrderID, "err", pe.Err)
}

func (c *Coordinator) markStale(done map[string]bool, ids ...string) {
	for _, id := range ids {
		if o, err := c.store.Get(id); err != nil || o.Status != order.StatusPending {
			done[id] = true
		}
	}
}

// tryPair runs one sealed comparison. resting is the earlier order. It
// returns ErrNoMatch when the orders do not cross and ErrConcurrencyConflict
// when either order stopped being pending.
func (c *Coordinator) tryPair(ctx context.Context, resting, incoming order.Order) (order.MatchResult, error) {
	buy, sell := resting, incoming
	if buy.Side != order.SideBuy {
		buy, sell = sell, buy
	}

	if _, _, err := c.lc.BeginMatch(buy.ID, sell.ID); err != nil {
		metrics.CompareTotal.WithLabelValues("conflict").Inc()
		return order.MatchResult{}, err
	}

	req := CompareRequest{
		Buy:            SealedOf(buy),
		Sell:           SealedOf(sell),
		RestingOrderID: resting.ID,
		Policy:         c.cfg.Policy,
	}
	dec, err := c.compare(ctx, req)
	if err != nil {
		var unreadable *PayloadError
		if errors.As(err, &unreadable) {
			c.reject(unreadable)
		}
		if rqErr := c.lc.Requeue(buy.ID, sell.ID); rqErr != nil {
			c.log.Errorw("requeue_failed", "buy_id", buy.ID, "sell_id", sell.ID, "err", rqErr)
		}
		return order.MatchResult{}, err
	}

	res := order.MatchResult{
		ID:             uuid.New().String(),
		OrderID:        resting.ID,
		CounterOrderID: incoming.ID,
		BuyOrderID:     buy.ID,
		SellOrderID:    sell.ID,
		Buyer:          buy.Submitter,
		Seller:         sell.Submitter,
		FillPrice:      dec.FillPrice,
		FillQuantity:   dec.FillQuantity,
		Policy:         string(req.Policy),
		Attestation:    dec.Attestation,
		CreatedAt:      c.clock.Now(),
	}
	if err := c.lc.CommitMatch(res); err != nil {
		// a cancel or expiry won the race while the comparison ran
		if rqErr := c.lc.Requeue(buy.ID, sell.ID); rqErr != nil {
			c.log.Errorw("requeue_failed", "buy_id", buy.ID, "sell_id", sell.ID, "err", rqErr)
		}
		metrics.CompareTotal.WithLabelValues("conflict").Inc()
		return order.MatchResult{}, err
	}

	metrics.CompareTotal.WithLabelValues("matched").Inc()
	c.log.Infow("match_committed", "match_id", res.ID, "buy_id", buy.ID, "sell_id", sell.ID, "policy", res.Policy)
	return res, nil
}

// compare calls the sealer and checks what comes back. Every outcome other
// than an accepted match is reported as an error wrapping ErrNoMatch or the
// sealer's own failure.
func (c *Coordinator) compare(ctx context.Context, req CompareRequest) (Decision, error) {
	ctx, span := c.tracer.Start(ctx, "matching.compare")
	defer span.End()

	dec, err := c.sealer.Compare(ctx, req)
	if err != nil {
		metrics.CompareTotal.WithLabelValues("error").Inc()
		span.SetStatus(codes.Error, err.Error())
		c.log.Warnw("compare_failed", "buy_id", req.Buy.OrderID, "sell_id", req.Sell.OrderID, "err", err)
		return Decision{}, errors.Join(order.ErrNoMatch, err)
	}
	if !dec.Matched {
		metrics.CompareTotal.WithLabelValues("no_match").Inc()
		return Decision{}, order.ErrNoMatch
	}
	if !dec.FillQuantity.IsPositive() || !dec.FillPrice.IsPositive() {
		metrics.CompareTotal.WithLabelValues("error").Inc()
		c.log.Warnw("decision_rejected", "buy_id", req.Buy.OrderID, "sell_id", req.Sell.OrderID, "reason", "non-positive fill")
		return Decision{}, order.ErrNoMatch
	}
	if c.cfg.AttestationKey != nil && !crypto.VerifyAttestation(c.cfg.AttestationKey, dec.Attestation, req.Digest(dec)) {
		metrics.CompareTotal.WithLabelValues("bad_attestation").Inc()
		span.SetStatus(codes.Error, "bad attestation")
		c.log.Errorw("attestation_rejected", "buy_id", req.Buy.OrderID, "sell_id", req.Sell.OrderID)
		return Decision{}, order.ErrNoMatch
	}
	span.SetAttributes(attribute.Bool("matched", true))
	return dec, nil
}

func (c *Coordinator) publish(ms []order.MatchResult) {
	if len(ms) == 0 {
		return
	}
	c.mu.RLock()
	fns := c.onMatch
	c.mu.RUnlock()
	for _, m := range ms {
		for _, fn := range fns {
			fn(m)
		}
	}
}
