package herald

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// EventContent is the domain payload of an event.
//
// Implementations embed Content, which carries the idempotent ID consumers
// must use to detect duplicate deliveries.
type EventContent interface {
	// IdempotentID returns the unique token assigned to this payload when it
	// was constructed. It is preserved end-to-end across persistence, retry
	// and transport hops.
	IdempotentID() string
}

// Content is the embeddable base for event payloads. It carries the
// idempotent ID and the creation timestamp, both assigned once by NewContent.
type Content struct {
	ID        string    `json:"idempotentId"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewContent creates the base of a new event payload with a fresh idempotent
// ID and the current time.
func NewContent() Content {
	return Content{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
}

// IdempotentID implements EventContent.
func (c Content) IdempotentID() string { return c.ID }

// ContentEquals reports whether two payloads describe the same event.
// Equality is decided by the idempotent ID alone, regardless of any other
// field.
func ContentEquals(a, b EventContent) bool {
	if a == nil || b == nil {
		return false
	}
	return a.IdempotentID() == b.IdempotentID()
}

// EventType identifies a kind of event by a globally unique name and binds it
// to the concrete payload type used to decode stored and inbound events.
type EventType struct {
	// Name of the event type. Must be unique in the universe,
	// e.g. "org-example-orders-OrderPlaced". Broker bindings use it as the
	// topic or routing key.
	Name string

	// ContentType is the payload struct type.
	ContentType reflect.Type
}

// TypeOf builds the EventType for the given name and payload prototype.
//
//	var OrderPlaced = herald.TypeOf("org-example-orders-OrderPlaced", OrderPlacedContent{})
func TypeOf(name string, content EventContent) EventType {
	t := reflect.TypeOf(content)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return EventType{Name: name, ContentType: t}
}

func (t EventType) String() string { return t.Name }

// Event is the ephemeral tuple handed through the delivery pipeline. It is
// created at publish time and destroyed once handed to the transport.
type Event struct {
	// PersistentID is the outbox row identifier assigned by the store, or
	// empty for events published outside a transaction.
	PersistentID string

	Type    EventType
	Content EventContent
}
