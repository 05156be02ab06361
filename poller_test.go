package herald

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimableEvent(id string) *Event {
	return &Event{
		PersistentID: id,
		Type:         TypeOf("order-placed", orderPlaced{}),
		Content:      orderPlaced{Content: NewContent()},
	}
}

func TestPollerRequeuesClaimedEvents(t *testing.T) {
	store := &fakeStore{claims: [][]*Event{{claimableEvent("1")}}}
	queue := NewQueue(10)

	poller := NewPoller(store, queue, nil, WithInterval(5*time.Millisecond))
	poller.Start()
	defer poller.Stop(context.Background())

	require.Eventually(t, func() bool {
		return queue.Len() == 1
	}, time.Second, 5*time.Millisecond)

	got, err := queue.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", got.PersistentID)
}

func TestPollerDrainsBacklogInOneTick(t *testing.T) {
	// First batch is full, so the tick claims again before sleeping.
	store := &fakeStore{claims: [][]*Event{
		{claimableEvent("1"), claimableEvent("2")},
		{claimableEvent("3")},
	}}
	queue := NewQueue(10)

	poller := NewPoller(store, queue, nil,
		WithInterval(50*time.Millisecond),
		WithBatchSize(2))
	poller.Start()
	defer poller.Stop(context.Background())

	require.Eventually(t, func() bool {
		return queue.Len() == 3
	}, time.Second, 5*time.Millisecond)

	for _, want := range []string{"1", "2", "3"} {
		got, err := queue.Take(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got.PersistentID)
	}
}

func TestPollerDefersWhenQueueFull(t *testing.T) {
	store := &fakeStore{claims: [][]*Event{
		{claimableEvent("1"), claimableEvent("2")},
	}}
	queue := NewQueue(1)

	poller := NewPoller(store, queue, nil,
		WithInterval(5*time.Millisecond),
		WithBatchSize(3))
	poller.Start()
	defer poller.Stop(context.Background())

	require.Eventually(t, func() bool {
		return queue.Len() == 1
	}, time.Second, 5*time.Millisecond)

	got, err := queue.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", got.PersistentID)
}

func TestPollerStop(t *testing.T) {
	store := &fakeStore{}
	queue := NewQueue(10)

	poller := NewPoller(store, queue, nil, WithInterval(time.Hour))
	poller.Start()

	require.NoError(t, poller.Stop(context.Background()))
	require.NoError(t, poller.Stop(context.Background()))
}

func TestPollerStartIsIdempotent(t *testing.T) {
	store := &fakeStore{}
	queue := NewQueue(10)

	poller := NewPoller(store, queue, nil, WithInterval(time.Hour))
	poller.Start()
	poller.Start()

	require.NoError(t, poller.Stop(context.Background()))
}
