package engine

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nshruti113/ddos-mitigator/internal/models"
)

// Sink receives list transition events. Sinks are called from a single
// worker goroutine, never from the packet path.
type Sink interface {
	HandleEvent(ctx context.Context, ev models.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev models.Event) error

func (f SinkFunc) HandleEvent(ctx context.Context, ev models.Event) error {
	return f(ctx, ev)
}

const drainTimeout = 5 * time.Second

// Notifier fans events out to sinks through a bounded queue. Publishing never
// blocks; events that do not fit are dropped and counted.
type Notifier struct {
	queue   chan models.Event
	sinks   []Sink
	logger  *zap.Logger
	dropped atomic.Uint64
}

func NewNotifier(size int, logger *zap.Logger, sinks ...Sink) *Notifier {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		queue:  make(chan models.Event, size),
		sinks:  sinks,
		logger: logger,
	}
}

// Publish enqueues ev without blocking and reports whether it was accepted.
func (n *Notifier) Publish(ev models.Event) bool {
	if len(n.sinks) == 0 {
		return false
	}
	select {
	case n.queue <- ev:
		return true
	default:
		n.dropped.Add(1)
		return false
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

// Run delivers events until ctx is cancelled, then flushes what is still
// queued.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case ev := <-n.queue:
			n.deliver(ctx, ev)
		case <-ctx.Done():
			n.drain()
			return
		}
	}
}

func (n *Notifier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-n.queue:
			n.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, ev models.Event) {
	for _, s := range n.sinks {
		if err := s.HandleEvent(ctx, ev); err != nil {
			n.logger.Warn("event sink failed",
				zap.String("event_id", ev.ID),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
	}
}
