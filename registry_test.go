package herald

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookup(t *testing.T) {
	placed := TypeOf("order-placed", orderPlaced{})
	cancelled := TypeOf("order-cancelled", orderCancelled{})

	registry, err := NewRegistry([]EventType{placed}, []EventType{cancelled})
	require.NoError(t, err)

	got, ok := registry.Lookup("order-placed")
	assert.True(t, ok)
	assert.Equal(t, placed, got)

	got, ok = registry.Lookup("order-cancelled")
	assert.True(t, ok)
	assert.Equal(t, cancelled, got)

	_, ok = registry.Lookup("unknown")
	assert.False(t, ok)
}

func TestRegistryIdenticalRegistrationIsNoOp(t *testing.T) {
	placed := TypeOf("order-placed", orderPlaced{})

	registry, err := NewRegistry([]EventType{placed, placed}, nil)
	require.NoError(t, err)

	_, ok := registry.Lookup("order-placed")
	assert.True(t, ok)
}

func TestRegistryRejectsConflictingDefinitions(t *testing.T) {
	placed := TypeOf("order-placed", orderPlaced{})
	impostor := TypeOf("order-placed", orderCancelled{})

	_, err := NewRegistry([]EventType{placed, impostor}, nil)
	require.Error(t, err)

	var dup *DuplicateTypeError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "order-placed", dup.Name)
	assert.Equal(t, placed, dup.Existing)
	assert.Equal(t, impostor, dup.Conflicting)
}

func TestRegistryRejectsConflictAcrossSets(t *testing.T) {
	placed := TypeOf("order-placed", orderPlaced{})
	impostor := TypeOf("order-cancelled", orderPlaced{})
	cancelled := TypeOf("order-cancelled", orderCancelled{})

	_, err := NewRegistry([]EventType{placed, impostor}, []EventType{cancelled})
	require.Error(t, err)

	var dup *DuplicateTypeError
	assert.True(t, errors.As(err, &dup))
}

func TestRegistryRejectsSharedTypes(t *testing.T) {
	placed := TypeOf("order-placed", orderPlaced{})
	cancelled := TypeOf("order-cancelled", orderCancelled{})

	_, err := NewRegistry(
		[]EventType{cancelled, placed},
		[]EventType{placed, cancelled},
	)
	require.Error(t, err)

	var shared *SharedTypeError
	require.True(t, errors.As(err, &shared))
	assert.Equal(t, []string{"order-cancelled", "order-placed"}, shared.Names)
}
