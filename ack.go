package herald

import (
	"context"

	"go.uber.org/zap"
)

// AckHandler receives transport-side delivery confirmations and records them
// in the outbox store.
//
// What counts as a confirmation is broker specific (a publish-confirm flag,
// the presence of record metadata); transport adapters normalize it to the
// confirmed argument before calling OnAck.
type AckHandler struct {
	store Store // nil when no durable store is configured
	log   *zap.Logger
}

// NewAckHandler creates an AckHandler. store may be nil, in which case every
// ack is a no-op.
func NewAckHandler(store Store, log *zap.Logger) *AckHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AckHandler{store: store, log: log}
}

// OnAck records the delivery outcome for one event. An empty persistentID
// (non-transactional publish) is a no-op. Failed deliveries are logged only;
// retrying is the poller's job, not this handler's.
func (h *AckHandler) OnAck(ctx context.Context, persistentID string, confirmed bool) {
	if persistentID == "" {
		return
	}
	if !confirmed {
		h.log.Warn("delivery not confirmed by transport",
			zap.String("persistent_id", persistentID))
		return
	}
	if h.store == nil {
		return
	}
	if err := h.store.Confirm(ctx, persistentID); err != nil {
		h.log.Error("confirming delivered event",
			zap.String("persistent_id", persistentID),
			zap.Error(err))
	}
}
