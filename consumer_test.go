package herald

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConsumer struct {
	t   EventType
	ok  bool
	err error

	received []EventContent
}

func (c *stubConsumer) EventType() EventType { return c.t }

func (c *stubConsumer) Consume(_ context.Context, content EventContent) (bool, error) {
	c.received = append(c.received, content)
	return c.ok, c.err
}

func TestConsumerWrapperSuccess(t *testing.T) {
	placed := TypeOf("order-placed", orderPlaced{})
	consumer := &stubConsumer{t: placed, ok: true}
	wrapper := WrapConsumer(consumer, nil)

	content := orderPlaced{Content: NewContent()}
	err := wrapper.Accept(context.Background(), content)

	require.NoError(t, err)
	require.Len(t, consumer.received, 1)
	assert.True(t, ContentEquals(content, consumer.received[0]))
	assert.Equal(t, placed, wrapper.EventType())
}

func TestConsumerWrapperNormalizesFalseReturn(t *testing.T) {
	placed := TypeOf("order-placed", orderPlaced{})
	wrapper := WrapConsumer(&stubConsumer{t: placed, ok: false}, nil)

	err := wrapper.Accept(context.Background(), orderPlaced{Content: NewContent()})
	require.Error(t, err)

	var consumerErr *ConsumerError
	require.True(t, errors.As(err, &consumerErr))
	assert.Equal(t, placed, consumerErr.Type)
	assert.NoError(t, consumerErr.Err)
	assert.Contains(t, consumerErr.Error(), "order-placed")
}

func TestConsumerWrapperNormalizesError(t *testing.T) {
	placed := TypeOf("order-placed", orderPlaced{})
	cause := errors.New("downstream unavailable")
	wrapper := WrapConsumer(&stubConsumer{t: placed, ok: true, err: cause}, nil)

	err := wrapper.Accept(context.Background(), orderPlaced{Content: NewContent()})
	require.Error(t, err)

	var consumerErr *ConsumerError
	require.True(t, errors.As(err, &consumerErr))
	assert.ErrorIs(t, err, cause)
}
