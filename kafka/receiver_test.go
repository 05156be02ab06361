package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herald-go/herald"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafkago.Message
	committed []kafkago.Message
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		msg := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return kafkago.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) committedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

type recordingConsumer struct {
	mu  sync.Mutex
	t   herald.EventType
	ok  bool
	err error

	received []herald.EventContent
}

func (c *recordingConsumer) EventType() herald.EventType { return c.t }

func (c *recordingConsumer) Consume(_ context.Context, content herald.EventContent) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, content)
	return c.ok, c.err
}

func (c *recordingConsumer) receivedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

func testRegistry(t *testing.T) (*herald.Registry, herald.EventType) {
	t.Helper()
	placed := herald.TypeOf("order-placed", orderPlaced{})
	registry, err := herald.NewRegistry(nil, []herald.EventType{placed})
	require.NoError(t, err)
	return registry, placed
}

func orderMessage(t *testing.T, content orderPlaced) kafkago.Message {
	t.Helper()
	data, err := json.Marshal(content)
	require.NoError(t, err)
	return kafkago.Message{Topic: "order-placed", Value: data}
}

func TestReceiverDispatchesAndCommits(t *testing.T) {
	registry, placed := testRegistry(t)
	content := orderPlaced{Content: herald.NewContent(), Amount: 30}
	reader := &fakeReader{msgs: []kafkago.Message{orderMessage(t, content)}}
	consumer := &recordingConsumer{t: placed, ok: true}

	receiver, err := newReceiver(reader, registry, []herald.Consumer{consumer}, nil)
	require.NoError(t, err)

	receiver.Start()
	defer receiver.Stop(context.Background())

	require.Eventually(t, func() bool {
		return reader.committedCount() == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, 1, consumer.receivedCount())
	got := consumer.received[0].(*orderPlaced)
	assert.Equal(t, content.IdempotentID(), got.IdempotentID())
	assert.Equal(t, content.Amount, got.Amount)
}

func TestReceiverDoesNotCommitOnConsumerFailure(t *testing.T) {
	registry, placed := testRegistry(t)
	reader := &fakeReader{msgs: []kafkago.Message{
		orderMessage(t, orderPlaced{Content: herald.NewContent()}),
	}}
	consumer := &recordingConsumer{t: placed, err: errors.New("downstream unavailable")}

	receiver, err := newReceiver(reader, registry, []herald.Consumer{consumer}, nil)
	require.NoError(t, err)

	receiver.Start()
	defer receiver.Stop(context.Background())

	require.Eventually(t, func() bool {
		return consumer.receivedCount() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, reader.committedCount())
}

func TestReceiverCommitsUnknownTopic(t *testing.T) {
	registry, placed := testRegistry(t)
	reader := &fakeReader{msgs: []kafkago.Message{{Topic: "unrelated", Value: []byte("{}")}}}
	consumer := &recordingConsumer{t: placed, ok: true}

	receiver, err := newReceiver(reader, registry, []herald.Consumer{consumer}, nil)
	require.NoError(t, err)

	receiver.Start()
	defer receiver.Stop(context.Background())

	require.Eventually(t, func() bool {
		return reader.committedCount() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, consumer.receivedCount())
}

func TestReceiverCommitsUndecodableRecord(t *testing.T) {
	registry, placed := testRegistry(t)
	reader := &fakeReader{msgs: []kafkago.Message{{Topic: "order-placed", Value: []byte("not json")}}}
	consumer := &recordingConsumer{t: placed, ok: true}

	receiver, err := newReceiver(reader, registry, []herald.Consumer{consumer}, nil)
	require.NoError(t, err)

	receiver.Start()
	defer receiver.Stop(context.Background())

	require.Eventually(t, func() bool {
		return reader.committedCount() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, consumer.receivedCount())
}

func TestReceiverRejectsUnregisteredConsumer(t *testing.T) {
	registry, _ := testRegistry(t)
	stranger := &recordingConsumer{t: herald.TypeOf("unknown-type", orderPlaced{}), ok: true}

	_, err := newReceiver(&fakeReader{}, registry, []herald.Consumer{stranger}, nil)
	assert.Error(t, err)
}

func TestReceiverRejectsDuplicateConsumers(t *testing.T) {
	registry, placed := testRegistry(t)

	_, err := newReceiver(&fakeReader{}, registry, []herald.Consumer{
		&recordingConsumer{t: placed, ok: true},
		&recordingConsumer{t: placed, ok: true},
	}, nil)
	assert.Error(t, err)
}
