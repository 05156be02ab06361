package herald

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoStore is returned when a transactional publish is attempted on a
// Service constructed without an outbox store.
var ErrNoStore = errors.New("herald: no outbox store configured")

// ErrSessionCompleted is returned when publishing through a TxSession whose
// transaction has already completed.
var ErrSessionCompleted = errors.New("herald: transaction session already completed")

// TxPublisher publishes events inside the transaction managed by
// Service.PublishTx.
type TxPublisher interface {
	// Publish durably records the event in the outbox as part of the current
	// transaction and buffers it for queue handoff at commit time.
	Publish(ctx context.Context, t EventType, content EventContent) error
}

// Service is the publish entry point.
//
// Events published inside a transaction are persisted to the outbox and
// buffered until the transaction commits; events published outside a
// transaction go straight to the delivery queue, best effort.
type Service struct {
	store Store // nil when no durable store is configured
	queue *Queue
	log   *zap.Logger
}

// NewService creates a Service. store may be nil, in which case only
// non-transactional publishing is available.
func NewService(store Store, queue *Queue, log *zap.Logger) *Service {
	if queue == nil {
		panic("herald: nil queue")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, queue: queue, log: log}
}

// Publish hands the event directly to the delivery queue without persisting
// it. There is no durability: if the queue is full or the process crashes
// before the transport picks the event up, it is lost. A rejected handoff is
// logged, never silent.
func (s *Service) Publish(_ context.Context, t EventType, content EventContent) {
	s.offer(&Event{Type: t, Content: content})
}

// PublishTx opens a store transaction and runs fn within it. Business
// statements go through tx; events go through pub, which records them in the
// outbox as part of the same transaction and buffers them in publish order.
//
// When fn returns nil the transaction commits and the buffered events are
// flushed to the delivery queue in FIFO order. When fn returns an error the
// transaction rolls back and the buffer is discarded; the rolled-back outbox
// inserts leave nothing for the poller to find.
//
// A persistence failure inside pub.Publish is returned to fn's caller and
// rolls the whole transaction back: an event that could not be durably
// recorded must not be considered attempted.
func (s *Service) PublishTx(ctx context.Context, fn func(ctx context.Context, tx Tx, pub TxPublisher) error) error {
	if s.store == nil {
		return ErrNoStore
	}

	session := s.Session()
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, tx, &sessionPublisher{session: session, tx: tx})
	})
	if err != nil {
		session.RolledBack()
		return err
	}

	session.Committed()
	return nil
}

// Session creates a commit buffer for one caller-managed transaction.
//
// Use it when the transaction lifecycle is owned elsewhere: publish through
// the session while the transaction is open, then call Committed after a
// successful commit or RolledBack otherwise. Every completion path must call
// one of the two, and a session must never be reused for another
// transaction.
func (s *Service) Session() *TxSession {
	return &TxSession{svc: s}
}

// TxSession buffers the events published inside one transaction and defers
// the delivery queue handoff until that transaction completes.
type TxSession struct {
	svc *Service

	mu     sync.Mutex
	events []*Event
	done   bool
}

// Publish persists the event through the service's store using the caller's
// open transaction handle and appends it to the session buffer, preserving
// publish order.
func (ts *TxSession) Publish(ctx context.Context, tx Tx, t EventType, content EventContent) error {
	if ts.svc.store == nil {
		return ErrNoStore
	}

	ts.mu.Lock()
	if ts.done {
		ts.mu.Unlock()
		return ErrSessionCompleted
	}
	ts.mu.Unlock()

	id, err := ts.svc.store.Persist(ctx, tx, t, content)
	if err != nil {
		return fmt.Errorf("persisting %s event: %w", t.Name, err)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.done {
		return ErrSessionCompleted
	}
	ts.events = append(ts.events, &Event{PersistentID: id, Type: t, Content: content})
	return nil
}

// Committed flushes the buffered events to the delivery queue in publish
// order and completes the session. Call only after the owning transaction
// committed.
func (ts *TxSession) Committed() {
	for _, e := range ts.take() {
		ts.svc.offer(e)
	}
}

// RolledBack discards the buffer and completes the session. The rolled-back
// transaction took the outbox rows with it, so there is nothing to undo.
func (ts *TxSession) RolledBack() {
	ts.take()
}

func (ts *TxSession) take() []*Event {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	events := ts.events
	ts.events = nil
	ts.done = true
	return events
}

func (s *Service) offer(e *Event) {
	if !s.queue.Offer(e) {
		s.log.Warn("delivery queue full, event rejected",
			zap.String("event_type", e.Type.Name),
			zap.String("persistent_id", e.PersistentID))
	}
}

type sessionPublisher struct {
	session *TxSession
	tx      Tx
}

func (p *sessionPublisher) Publish(ctx context.Context, t EventType, content EventContent) error {
	return p.session.Publish(ctx, p.tx, t, content)
}
