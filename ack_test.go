package herald

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAckHandlerConfirmsDeliveredEvent(t *testing.T) {
	store := &fakeStore{}
	handler := NewAckHandler(store, nil)

	handler.OnAck(context.Background(), "42", true)

	assert.Equal(t, []string{"42"}, store.confirmedIDs())
}

func TestAckHandlerIgnoresEmptyID(t *testing.T) {
	store := &fakeStore{}
	handler := NewAckHandler(store, nil)

	handler.OnAck(context.Background(), "", true)
	handler.OnAck(context.Background(), "", false)

	assert.Empty(t, store.confirmedIDs())
}

func TestAckHandlerSkipsUnconfirmedDelivery(t *testing.T) {
	store := &fakeStore{}
	handler := NewAckHandler(store, nil)

	handler.OnAck(context.Background(), "42", false)

	assert.Empty(t, store.confirmedIDs())
}

func TestAckHandlerToleratesConfirmError(t *testing.T) {
	store := &fakeStore{confirmErr: errors.New("connection lost")}
	handler := NewAckHandler(store, nil)

	// Logged, not propagated; the row stays unconfirmed for the poller.
	handler.OnAck(context.Background(), "42", true)
}

func TestAckHandlerWithoutStore(t *testing.T) {
	handler := NewAckHandler(nil, nil)

	handler.OnAck(context.Background(), "42", true)
}
