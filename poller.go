package herald

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is the fixed delay between poller ticks.
const DefaultPollInterval = 10 * time.Second

// DefaultClaimBatchSize is the number of rows claimed per store round trip.
const DefaultClaimBatchSize = 32

// Poller periodically claims stale unconfirmed events from the store and
// resubmits them to the delivery queue. It is the safety net closing the
// at-least-once loop: any event whose delivery confirmation never arrived is
// rediscovered here once its staleness window elapses.
//
// Run one Poller per process. Instances in different processes interleave
// safely because claim transactions serialize on row locks.
type Poller struct {
	store Store
	queue *Queue
	log   *zap.Logger

	interval  time.Duration
	batchSize int

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// PollerOption configures a Poller instance.
type PollerOption func(*Poller)

// WithInterval sets the fixed delay between poller ticks.
// Default is DefaultPollInterval.
func WithInterval(interval time.Duration) PollerOption {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithBatchSize sets the number of events claimed per store round trip.
// Default is DefaultClaimBatchSize. Must be positive.
func WithBatchSize(size int) PollerOption {
	return func(p *Poller) {
		if size > 0 {
			p.batchSize = size
		}
	}
}

// NewPoller creates a new Poller with the given store, delivery queue and
// options.
func NewPoller(store Store, queue *Queue, log *zap.Logger, opts ...PollerOption) *Poller {
	if store == nil {
		panic("herald: nil store")
	}
	if queue == nil {
		panic("herald: nil queue")
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		store:     store,
		queue:     queue,
		log:       log,
		interval:  DefaultPollInterval,
		batchSize: DefaultClaimBatchSize,
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start begins the background claim loop.
// If Start is called multiple times, only the first call has an effect.
func (p *Poller) Start() {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return
	}

	p.wg.Add(1)
	go func() {
		ticker := time.NewTicker(p.interval)

		defer p.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.tick()
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

// Stop shuts the poller down. It prevents new ticks from starting and waits
// for an ongoing tick to finish; the provided context bounds the wait.
//
// Events already claimed but not yet handed to the transport simply keep
// their unconfirmed row and are rediscovered by a future tick, here or in
// another process, once the staleness window elapses again. No draining is
// needed.
//
// Calling Stop multiple times is safe and only the first call has an effect.
func (p *Poller) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tick drains the backlog: it keeps claiming until a batch comes back short,
// so a large backlog clears within one tick instead of one batch per
// interval. Any failure is logged and the schedule continues undisturbed.
func (p *Poller) tick() {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("recovered from panic in retry tick", zap.Any("panic", r))
		}
	}()

	for {
		batch := p.store.Claim(p.ctx, p.batchSize)
		for _, e := range batch {
			if !p.queue.Offer(e) {
				// Still unconfirmed, a later claim picks it up.
				p.log.Warn("delivery queue full, claimed event deferred",
					zap.String("persistent_id", e.PersistentID),
					zap.String("event_type", e.Type.Name))
			} else {
				p.log.Debug("event requeued for delivery",
					zap.String("persistent_id", e.PersistentID),
					zap.String("event_type", e.Type.Name))
			}
		}

		if len(batch) < p.batchSize {
			return
		}
	}
}
