package herald

import (
	"fmt"
	"sort"
	"strings"
)

// DuplicateTypeError indicates that two different event type definitions were
// registered under the same name.
type DuplicateTypeError struct {
	Name        string
	Existing    EventType
	Conflicting EventType
}

func (e *DuplicateTypeError) Error() string {
	return fmt.Sprintf("two event types registered with the name %q: %s and %s",
		e.Name, e.Existing.ContentType, e.Conflicting.ContentType)
}

// SharedTypeError indicates that the same event type appears in both the
// produced and the consumed set. Producing and consuming the same type in one
// process is a structural misconfiguration.
type SharedTypeError struct {
	Names []string
}

func (e *SharedTypeError) Error() string {
	return fmt.Sprintf("event types both produced and consumed by this process: %s",
		strings.Join(e.Names, ", "))
}

// Registry is the immutable name to event type mapping built once at startup.
// It resolves stored outbox rows and inbound messages back to their concrete
// payload types.
type Registry struct {
	types map[string]EventType
}

// NewRegistry builds a Registry from the event types this process produces
// and the ones it consumes.
//
// Registering the identical definition twice is a no-op. Registering two
// different definitions under one name fails with *DuplicateTypeError, and a
// type present in both sets fails with *SharedTypeError. Both are fatal
// startup errors, not runtime conditions.
func NewRegistry(produced, consumed []EventType) (*Registry, error) {
	types := make(map[string]EventType, len(produced)+len(consumed))

	add := func(t EventType) error {
		existing, ok := types[t.Name]
		if ok && existing != t {
			return &DuplicateTypeError{Name: t.Name, Existing: existing, Conflicting: t}
		}
		types[t.Name] = t
		return nil
	}

	producedNames := make(map[string]struct{}, len(produced))
	for _, t := range produced {
		if err := add(t); err != nil {
			return nil, err
		}
		producedNames[t.Name] = struct{}{}
	}

	var shared []string
	for _, t := range consumed {
		if _, ok := producedNames[t.Name]; ok {
			shared = append(shared, t.Name)
			continue
		}
		if err := add(t); err != nil {
			return nil, err
		}
	}
	if len(shared) > 0 {
		sort.Strings(shared)
		return nil, &SharedTypeError{Names: shared}
	}

	return &Registry{types: types}, nil
}

// Lookup resolves an event type by name.
func (r *Registry) Lookup(name string) (EventType, bool) {
	t, ok := r.types[name]
	return t, ok
}
