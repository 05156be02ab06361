// Package kafka binds the delivery queue to Apache Kafka.
//
// The Sender drains the queue and produces one record per event, topic named
// after the event type and record key set to the idempotent ID so all
// deliveries of one event land on the same partition. The Receiver is the
// inbound counterpart, dispatching fetched records to registered consumers.
package kafka

import (
	"context"
	"sync"
	"sync/atomic"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/herald-go/herald"
)

// Header names carried on every produced record.
const (
	HeaderPersistentID = "herald-persistent-id"
	HeaderContentType  = "herald-content-type"
)

// messageWriter is the produce surface of kafka-go's Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// Sender moves events from the delivery queue to Kafka.
//
// Delivery is confirmed through the ack handler: a nil produce error means
// the broker accepted the record and the outbox row can be marked done. A
// produce error leaves the row unconfirmed for the poller to reclaim.
type Sender struct {
	writer     messageWriter
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

// NewSender creates a Sender producing through the given kafka-go writer.
// The writer must leave Topic unset; the sender sets it per record.
func NewSender(writer *kafkago.Writer, queue *herald.Queue, ack *herald.AckHandler, log *zap.Logger) *Sender {
	return newSender(writer, queue, ack, log)
}

func newSender(writer messageWriter, queue *herald.Queue, ack *herald.AckHandler, log *zap.Logger) *Sender {
	if writer == nil {
		panic("kafka: nil writer")
	}
	if queue == nil {
		panic("kafka: nil queue")
	}
	if ack == nil {
		panic("kafka: nil ack handler")
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		writer:     writer,
		queue:      queue,
		serializer: herald.JSONSerializer{},
		ack:        ack,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
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

// Stop shuts the sender down and waits for an in-flight send to finish; the
// provided context bounds the wait. Events still buffered in the queue keep
// their unconfirmed outbox row and are reclaimed by the poller.
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
	data, err := s.serializer.Marshal(e.Content)
	if err != nil {
		s.log.Error("encoding event for kafka",
			zap.String("event_type", e.Type.Name),
			zap.Error(err))
		s.ack.OnAck(s.ctx, e.PersistentID, false)
		return
	}

	msg := kafkago.Message{
		Topic: e.Type.Name,
		Key:   []byte(e.Content.IdempotentID()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: HeaderPersistentID, Value: []byte(e.PersistentID)},
			{Key: HeaderContentType, Value: []byte(e.Type.Name)},
		},
	}

	err = s.writer.WriteMessages(s.ctx, msg)
	if err != nil {
		s.log.Error("producing event to kafka",
			zap.String("event_type", e.Type.Name),
			zap.String("idempotent_id", e.Content.IdempotentID()),
			zap.Error(err))
	} else {
		s.log.Debug("event produced",
			zap.String("event_type", e.Type.Name),
			zap.String("idempotent_id", e.Content.IdempotentID()))
	}

	s.ack.OnAck(s.ctx, e.PersistentID, err == nil)
}
