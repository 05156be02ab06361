// Package rabbit binds the delivery queue to RabbitMQ.
//
// The Sender publishes in confirm mode: the broker's publisher confirm, not
// the publish call itself, decides whether the outbox row is marked
// delivered. Routing key is the event type name; the exchange is chosen at
// construction.
package rabbit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/herald-go/herald"
)

// HeaderPersistentID carries the outbox row ID on every published message.
const HeaderPersistentID = "herald-persistent-id"

// publishChannel is the confirm-mode publish surface of an amqp channel.
type publishChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Sender moves events from the delivery queue to RabbitMQ.
type Sender struct {
	channel    publishChannel
	confirms   chan amqp.Confirmation
	exchange   string
	queue      *herald.Queue
	serializer herald.Serializer
	ack        *herald.AckHandler
	log        *zap.Logger

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSender creates a Sender publishing on the given channel, which it puts
// into confirm mode. The channel must not be shared with other publishers;
// confirm bookkeeping relies on this sender being its only user.
func NewSender(channel *amqp.Channel, exchange string, queue *herald.Queue, ack *herald.AckHandler, log *zap.Logger) (*Sender, error) {
	return newSender(channel, exchange, queue, ack, log)
}

func newSender(channel publishChannel, exchange string, queue *herald.Queue, ack *herald.AckHandler, log *zap.Logger) (*Sender, error) {
	if channel == nil {
		panic("rabbit: nil channel")
	}
	if queue == nil {
		panic("rabbit: nil queue")
	}
	if ack == nil {
		panic("rabbit: nil ack handler")
	}
	if log == nil {
		log = zap.NewNop()
	}

	if err := channel.Confirm(false); err != nil {
		return nil, fmt.Errorf("enabling publisher confirms: %w", err)
	}
	confirms := channel.NotifyPublish(make(chan amqp.Confirmation, 1))

	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		channel:    channel,
		confirms:   confirms,
		exchange:   exchange,
		queue:      queue,
		serializer: herald.JSONSerializer{},
		ack:        ack,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins draining the delivery queue in the background.
// If Start is called multiple times, only the first call has an effect.
func (s *Sender) Start() {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		for {
			e, err := s.queue.Take(s.ctx)
			if err != nil {
				return
			}
			s.send(e)
		}
	}()
}

// Stop shuts the sender down and waits for an in-flight publish to finish;
// the provided context bounds the wait. Events still buffered in the queue
// keep their unconfirmed outbox row and are reclaimed by the poller.
//
// Calling Stop multiple times is safe and only the first call has an effect.
func (s *Sender) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sender) send(e *herald.Event) {
	confirmed, err := s.publish(e)
	if err != nil {
		s.log.Error("publishing event to rabbitmq",
			zap.String("event_type", e.Type.Name),
			zap.String("idempotent_id", e.Content.IdempotentID()),
			zap.Error(err))
	} else {
		s.log.Debug("event published",
			zap.String("event_type", e.Type.Name),
			zap.String("idempotent_id", e.Content.IdempotentID()),
			zap.Bool("confirmed", confirmed))
	}

	s.ack.OnAck(s.ctx, e.PersistentID, confirmed)
}

func (s *Sender) publish(e *herald.Event) (bool, error) {
	data, err := s.serializer.Marshal(e.Content)
	if err != nil {
		return false, err
	}

	err = s.channel.PublishWithContext(
		s.ctx,
		s.exchange,
		e.Type.Name, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    e.Content.IdempotentID(),
			Body:         data,
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{HeaderPersistentID: e.PersistentID},
		},
	)
	if err != nil {
		return false, err
	}

	// One confirmation per publish, in publish order; this sender is the
	// channel's only publisher.
	select {
	case conf, ok := <-s.confirms:
		if !ok {
			return false, fmt.Errorf("confirmation channel closed")
		}
		return conf.Ack, nil
	case <-s.ctx.Done():
		return false, s.ctx.Err()
	}
}
