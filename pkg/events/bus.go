package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/pkg/metrics"
)

// Sink receives published events in order.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}

// Bus buffers events and delivers them to every sink from one goroutine.
// Publish never blocks the caller; when the buffer is full the event is
// dropped and counted.
type Bus struct {
	ch      chan Event
	seq     atomic.Uint64
	timeout time.Duration
	log     *zap.SugaredLogger

	mu    sync.RWMutex
	sinks []Sink
}

func NewBus(size int, log *zap.SugaredLogger) *Bus {
	if size <= 0 {
		size = 1024
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Bus{ch: make(chan Event, size), timeout: 2 * time.Second, log: log}
}

func (b *Bus) Add(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

func (b *Bus) Publish(ev Event) {
	ev.Seq = b.seq.Add(1)
	select {
	case b.ch <- ev:
	default:
		metrics.EventsDropped.WithLabelValues("bus").Inc()
		b.log.Warnw("event_dropped", "seq", ev.Seq, "type", ev.Type)
	}
}

// Run delivers events until ctx is done, then drains what is buffered.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-b.ch:
					b.deliver(context.Background(), ev)
				default:
					return nil
				}
			}
		case ev := <-b.ch:
			b.deliver(ctx, ev)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, ev Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		sctx, cancel := context.WithTimeout(ctx, b.timeout)
		err := s.Publish(sctx, ev)
		cancel()
		if err != nil {
			metrics.EventsDropped.WithLabelValues(s.Name()).Inc()
			b.log.Warnw("event_sink_failed", "sink", s.Name(), "seq", ev.Seq, "err", err)
		}
	}
}
