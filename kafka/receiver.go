package kafka

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/herald-go/herald"
)

// messageReader is the fetch surface of kafka-go's Reader.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// Receiver fetches records and dispatches them to the consumer registered
// for each record's topic.
//
// Offsets are committed only after the consumer succeeds. A failed
// consumption leaves the offset uncommitted so the consumer group redelivers
// the record; consumers must therefore tolerate duplicates.
type Receiver struct {
	reader     messageReader
	registry   *herald.Registry
	serializer herald.Serializer
	consumers  map[string]*herald.ConsumerWrapper
	log        *zap.Logger

	started int32
	closed  int32
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewReceiver creates a Receiver dispatching to the given consumers. Every
// consumer's event type must be registered as consumed in the registry.
func NewReceiver(reader *kafkago.Reader, registry *herald.Registry, consumers []herald.Consumer, log *zap.Logger) (*Receiver, error) {
	return newReceiver(reader, registry, consumers, log)
}

func newReceiver(reader messageReader, registry *herald.Registry, consumers []herald.Consumer, log *zap.Logger) (*Receiver, error) {
	if reader == nil {
		panic("kafka: nil reader")
	}
	if registry == nil {
		panic("kafka: nil registry")
	}
	if log == nil {
		log = zap.NewNop()
	}

	wrapped := make(map[string]*herald.ConsumerWrapper, len(consumers))
	for _, c := range consumers {
		t := c.EventType()
		if _, ok := registry.Lookup(t.Name); !ok {
			return nil, fmt.Errorf("kafka: consumer for unregistered event type %q", t.Name)
		}
		if _, ok := wrapped[t.Name]; ok {
			return nil, fmt.Errorf("kafka: duplicate consumer for event type %q", t.Name)
		}
		wrapped[t.Name] = herald.WrapConsumer(c, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Receiver{
		reader:     reader,
		registry:   registry,
		serializer: herald.JSONSerializer{},
		consumers:  wrapped,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins the background fetch loop.
// If Start is called multiple times, only the first call has an effect.
func (r *Receiver) Start() {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		for {
			msg, err := r.reader.FetchMessage(r.ctx)
			if err != nil {
				if r.ctx.Err() != nil {
					return
				}
				r.log.Error("fetching from kafka", zap.Error(err))
				continue
			}
			r.dispatch(msg)
		}
	}()
}

// Stop shuts the receiver down and waits for an in-flight dispatch to
// finish; the provided context bounds the wait.
//
// Calling Stop multiple times is safe and only the first call has an effect.
func (r *Receiver) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}

	r.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Receiver) dispatch(msg kafkago.Message) {
	wrapper, ok := r.consumers[msg.Topic]
	if !ok {
		// Not ours. Commit so the group does not loop on it.
		r.log.Warn("no consumer for topic", zap.String("topic", msg.Topic))
		r.commit(msg)
		return
	}

	t, ok := r.registry.Lookup(msg.Topic)
	if !ok {
		r.log.Warn("unregistered event type", zap.String("topic", msg.Topic))
		r.commit(msg)
		return
	}

	content, err := r.serializer.Unmarshal(msg.Value, t)
	if err != nil {
		// Undecodable records never become decodable; commit and move on.
		r.log.Error("decoding kafka record",
			zap.String("topic", msg.Topic),
			zap.Error(err))
		r.commit(msg)
		return
	}

	if err := wrapper.Accept(r.ctx, content); err != nil {
		// Offset stays uncommitted, the group redelivers the record.
		r.log.Error("dispatching kafka record",
			zap.String("topic", msg.Topic),
			zap.String("idempotent_id", content.IdempotentID()),
			zap.Error(err))
		return
	}

	r.commit(msg)
}

func (r *Receiver) commit(msg kafkago.Message) {
	if err := r.reader.CommitMessages(r.ctx, msg); err != nil && r.ctx.Err() == nil {
		r.log.Error("committing kafka offset",
			zap.String("topic", msg.Topic),
			zap.Error(err))
	}
}
