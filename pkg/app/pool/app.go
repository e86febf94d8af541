// Package pool wires the dark pool together: the sealed order store, the
// lifecycle machine, the match coordinator, the settlement dispatcher and
// the public event bus. App is what the API and the node binary talk to.
package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/darkpool/params"
	"github.com/uhyunpark/darkpool/pkg/app/core/lifecycle"
	"github.com/uhyunpark/darkpool/pkg/app/core/matching"
	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/app/core/settlement"
	"github.com/uhyunpark/darkpool/pkg/app/core/store"
	"github.com/uhyunpark/darkpool/pkg/crypto"
	"github.com/uhyunpark/darkpool/pkg/enclave"
	"github.com/uhyunpark/darkpool/pkg/events"
	"github.com/uhyunpark/darkpool/pkg/ledger"
	"github.com/uhyunpark/darkpool/pkg/metrics"
	"github.com/uhyunpark/darkpool/pkg/storage"
	"github.com/uhyunpark/darkpool/pkg/util"
)

const gaugeInterval = 5 * time.Second

// Stats is the public summary of the pool. It never includes anything
// about individual fills.
type Stats struct {
	FeeBps      int64           `json:"feeBps"`
	Orders      int             `json:"orders"`
	Active      int             `json:"active"` // pending or matching
	Matched     int             `json:"matched"`
	Settled     int             `json:"settled"`
	Matches     int             `json:"matches"`
	VoidMatches int             `json:"voidMatches"`
	Volume      decimal.Decimal `json:"volume"` // settled notional
	Fees        decimal.Decimal `json:"fees"`
}

// EnclaveInfo is what a client needs to seal orders and check decisions.
type EnclaveInfo struct {
	Suite          string `json:"suite"`
	SealingKey     string `json:"sealingKey"`
	AttestationKey string `json:"attestationKey"`
	FillPolicy     string `json:"fillPolicy"`
}

type App struct {
	cfg   params.Config
	log   *zap.SugaredLogger
	clock util.Clock

	store   *store.Store
	lc      *lifecycle.Machine
	enclave *enclave.Enclave
	coord   *matching.Coordinator
	disp    *settlement.Dispatcher
	ledger  settlement.Ledger
	bus     *events.Bus
	policy  matching.FillPolicy

	closers []func() error
}

type Option func(*App)

func WithClock(c util.Clock) Option { return func(a *App) { a.clock = c } }

// WithLedger replaces the ledger selected by cfg.Ledger.Mode.
func WithLedger(l settlement.Ledger) Option { return func(a *App) { a.ledger = l } }

func New(cfg params.Config, log *zap.SugaredLogger, opts ...Option) (*App, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	a := &App{cfg: cfg, log: log, clock: util.RealClock{}}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg

	policy, err := matching.ParseFillPolicy(cfg.Matching.FillPolicy)
	if err != nil {
		return err
	}
	a.policy = policy

	storeOpts := []store.Option{store.WithClock(a.clock)}
	if cfg.Storage.Path != "" {
		backend, err := storage.NewPebbleStore(cfg.Storage.Path)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, backend.Close)
		storeOpts = append(storeOpts, store.WithBackend(backend))
	}
	a.store = store.New(storeOpts...)
	if err := a.store.Load(); err != nil {
		return err
	}

	lcOpts := []lifecycle.Option{
		lifecycle.WithClock(a.clock),
		lifecycle.WithLogger(a.log.Named("lifecycle")),
	}
	if cfg.Lifecycle.JournalPath != "" {
		j, err := storage.NewFileJournal(cfg.Lifecycle.JournalPath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, j.Close)
		lcOpts = append(lcOpts, lifecycle.WithJournal(j))
	}
	a.lc = lifecycle.New(a.store, lifecycle.Config{
		TTL:           cfg.Lifecycle.OrderTTL,
		SweepInterval: cfg.Lifecycle.SweepInterval,
	}, lcOpts...)
	if _, err := a.lc.RecoverMatching(); err != nil {
		return err
	}

	if a.enclave, err = enclave.New([]byte(cfg.Enclave.Seed)); err != nil {
		return err
	}

	a.coord = matching.New(a.store, a.lc, a.enclave, matching.Config{
		Interval:       cfg.Matching.Interval,
		Policy:         policy,
		AttestationKey: a.enclave.AttestationKey(),
	}, matching.WithClock(a.clock), matching.WithLogger(a.log.Named("matching")))

	if a.ledger == nil {
		if a.ledger, err = a.dialLedger(); err != nil {
			return err
		}
	}

	a.disp = settlement.New(a.store, a.lc, a.ledger, settlement.Config{
		MaxRetries:      cfg.Settlement.MaxRetries,
		InitialBackoff:  cfg.Settlement.InitialBackoff,
		MaxBackoff:      cfg.Settlement.MaxBackoff,
		FeeBps:          cfg.Settlement.FeeBps,
		Workers:         cfg.Settlement.Workers,
		RecoverInterval: cfg.Settlement.RecoverInterval,
	}, settlement.WithClock(a.clock), settlement.WithLogger(a.log.Named("settlement")))

	a.bus = events.NewBus(1024, a.log.Named("events"))
	if len(cfg.Events.KafkaBrokers) > 0 {
		k := events.NewKafkaSink(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		a.closers = append(a.closers, k.Close)
		a.bus.Add(k)
	}

	a.lc.OnTransition(a.onTransition)
	a.coord.OnMatch(func(m order.MatchResult) { a.disp.Enqueue(m.ID) })
	return nil
}

func (a *App) dialLedger() (settlement.Ledger, error) {
	switch a.cfg.Ledger.Mode {
	case "", "sim":
		return ledger.NewSimLedger(), nil
	case "nats":
		l, err := ledger.DialNATS(a.cfg.Ledger.NATSURL, a.cfg.Ledger.Subject, a.cfg.Ledger.Timeout, a.log.Named("ledger"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { l.Close(); return nil })
		return l, nil
	}
	return nil, fmt.Errorf("%w: unknown ledger mode %q", order.ErrValidation, a.cfg.Ledger.Mode)
}

func (a *App) onTransition(tr lifecycle.Transition) {
	metrics.TransitionsTotal.WithLabelValues(string(tr.Event), tr.To.String()).Inc()
	if ev, ok := events.FromTransition(tr); ok {
		a.bus.Publish(ev)
	}
}

// AddSink subscribes s to public order events.
func (a *App) AddSink(s events.Sink) { a.bus.Add(s) }

func (a *App) Enclave() *enclave.Enclave { return a.enclave }
func (a *App) Ledger() settlement.Ledger { return a.ledger }

// Submit stores a sealed order and asks the coordinator for a pass.
func (a *App) Submit(side order.Side, payload []byte, submitter common.Address) (order.Order, error) {
	o, err := a.store.Submit(order.Order{Side: side, Payload: payload, Submitter: submitter})
	if err != nil {
		return order.Order{}, err
	}
	metrics.OrdersTotal.WithLabelValues("submit", side.String()).Inc()
	a.bus.Publish(events.Submitted(o))
	a.log.Infow("order_submitted", "order_id", o.ID, "side", o.Side.String(), "submitter", o.Submitter.Hex())
	a.coord.Trigger()
	return o, nil
}

func (a *App) Cancel(id string, requester common.Address) (order.Order, error) {
	o, err := a.lc.Cancel(id, requester)
	if err != nil {
		return order.Order{}, err
	}
	metrics.OrdersTotal.WithLabelValues("cancel", o.Side.String()).Inc()
	return o, nil
}

func (a *App) Get(id string) (order.Order, error) { return a.store.Get(id) }

// OrdersOf returns every order addr submitted, oldest first.
func (a *App) OrdersOf(addr common.Address) []order.Order {
	return slices.Collect(a.store.ListBySubmitter(addr))
}

func (a *App) Reveal(matchID string, requester common.Address) (settlement.RevealView, error) {
	return a.disp.Reveal(matchID, requester)
}

// RevealOrder is Reveal for the match an order ended up in. Only the
// order's submitter gets an answer; everyone else gets ErrNotFound.
func (a *App) RevealOrder(orderID string, requester common.Address) (settlement.RevealView, error) {
	o, err := a.store.Get(orderID)
	if err != nil || o.Submitter != requester || o.MatchID == "" {
		return settlement.RevealView{}, fmt.Errorf("%w: match for order %s", order.ErrNotFound, orderID)
	}
	return a.disp.Reveal(o.MatchID, requester)
}

func (a *App) Stats() Stats {
	st := a.store.Stats()
	return Stats{
		FeeBps:      a.cfg.Settlement.FeeBps,
		Orders:      st.Orders,
		Active:      st.ByStatus[order.StatusPending] + st.ByStatus[order.StatusMatching],
		Matched:     st.ByStatus[order.StatusMatched],
		Settled:     st.ByStatus[order.StatusSettled],
		Matches:     st.Matches,
		VoidMatches: st.VoidMatches,
		Volume:      st.Volume,
		Fees:        st.Fees,
	}
}

func (a *App) EnclaveInfo() (EnclaveInfo, error) {
	ak, err := crypto.MarshalBLSPubKey(a.enclave.AttestationKey())
	if err != nil {
		return EnclaveInfo{}, err
	}
	return EnclaveInfo{
		Suite:          crypto.SealSuiteName,
		SealingKey:     hexutil.Encode(a.enclave.SealingKeyBytes()),
		AttestationKey: hexutil.Encode(ak),
		FillPolicy:     string(a.policy),
	}, nil
}

// Run drives matching, the TTL sweep, settlement and event delivery until
// ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.coord.Run(ctx) })
	g.Go(func() error { return a.lc.RunSweeper(ctx) })
	g.Go(func() error { return a.disp.Run(ctx) })
	g.Go(func() error { return a.bus.Run(ctx) })
	g.Go(func() error {
		for {
			a.refreshGauges()
			select {
			case <-ctx.Done():
				return nil
			case <-a.clock.After(gaugeInterval):
			}
		}
	})
	a.log.Infow("pool_started",
		"fill_policy", string(a.policy),
		"ttl", a.cfg.Lifecycle.OrderTTL.String(),
		"fee_bps", a.cfg.Settlement.FeeBps,
		"ledger", a.cfg.Ledger.Mode,
	)
	return g.Wait()
}

func (a *App) refreshGauges() {
	st := a.store.Stats()
	for _, s := range order.Statuses {
		metrics.OrdersByStatus.WithLabelValues(s.String()).Set(float64(st.ByStatus[s]))
	}
}

// Close releases the backend, the journal and any external connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
