package herald

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Consumer handles inbound events of a single type.
//
// Implementations must be safe for concurrent use and must tolerate
// duplicate deliveries; duplicates are detectable via the content's
// idempotent ID.
type Consumer interface {
	// EventType returns the event type this consumer handles.
	EventType() EventType

	// Consume processes one event. Returning false, or an error, signals a
	// failed consumption.
	Consume(ctx context.Context, content EventContent) (bool, error)
}

// ConsumerError is the uniform failure signal produced by ConsumerWrapper,
// handed to the transport's own retry or dead-letter machinery.
type ConsumerError struct {
	Type EventType
	Err  error // nil when the consumer signalled failure by returning false
}

func (e *ConsumerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("consuming %s event: %v", e.Type.Name, e.Err)
	}
	return fmt.Sprintf("consuming %s event: consumer reported failure", e.Type.Name)
}

func (e *ConsumerError) Unwrap() error { return e.Err }

// ConsumerWrapper adapts a Consumer for transport adapters, normalizing its
// two failure shapes (false return and error) into a single *ConsumerError.
type ConsumerWrapper struct {
	consumer Consumer
	log      *zap.Logger
}

// WrapConsumer creates a ConsumerWrapper around the given consumer.
func WrapConsumer(consumer Consumer, log *zap.Logger) *ConsumerWrapper {
	if consumer == nil {
		panic("herald: nil consumer")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ConsumerWrapper{consumer: consumer, log: log}
}

// EventType returns the wrapped consumer's event type.
func (w *ConsumerWrapper) EventType() EventType {
	return w.consumer.EventType()
}

// Accept dispatches one event to the consumer. It returns nil on success and
// a *ConsumerError on any failure.
func (w *ConsumerWrapper) Accept(ctx context.Context, content EventContent) error {
	w.log.Debug("event received",
		zap.String("event_type", w.consumer.EventType().Name),
		zap.String("idempotent_id", content.IdempotentID()))

	ok, err := w.consumer.Consume(ctx, content)
	if err != nil {
		return &ConsumerError{Type: w.consumer.EventType(), Err: err}
	}
	if !ok {
		return &ConsumerError{Type: w.consumer.EventType()}
	}
	return nil
}
