package herald

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// openTestStore backs the store with an in-memory database. The negative
// staleness window makes freshly written rows claimable immediately.
func openTestStore(t *testing.T, opts ...SQLStoreOption) (*SQLStore, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A second connection would see its own empty in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	placed := TypeOf("order-placed", orderPlaced{})
	cancelled := TypeOf("order-cancelled", orderCancelled{})
	registry, err := NewRegistry([]EventType{placed, cancelled}, nil)
	require.NoError(t, err)

	opts = append([]SQLStoreOption{WithStalenessWindow(-2 * time.Second)}, opts...)
	store := NewSQLStore(db, SQLite, registry, nil, opts...)
	require.NoError(t, store.Init(context.Background()))

	return store, db
}

func persistOne(t *testing.T, store *SQLStore, content EventContent) string {
	t.Helper()

	var id string
	err := store.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		id, err = store.Persist(ctx, tx, TypeOf("order-placed", orderPlaced{}), content)
		return err
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func TestSQLStorePersistAndClaim(t *testing.T) {
	store, _ := openTestStore(t)

	content := orderPlaced{Content: NewContent(), Amount: 12.5}
	id := persistOne(t, store, content)

	events := store.Claim(context.Background(), 10)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].PersistentID)
	assert.Equal(t, "order-placed", events[0].Type.Name)
	assert.True(t, ContentEquals(content, events[0].Content))

	got := events[0].Content.(*orderPlaced)
	assert.Equal(t, content.Amount, got.Amount)
}

func TestSQLStoreClaimIncrementsRetriedCount(t *testing.T) {
	store, db := openTestStore(t)

	id := persistOne(t, store, orderPlaced{Content: NewContent()})

	require.Len(t, store.Claim(context.Background(), 10), 1)
	require.Len(t, store.Claim(context.Background(), 10), 1)

	var retried int
	err := db.QueryRow("SELECT retried_count FROM outbox WHERE id = ?", id).Scan(&retried)
	require.NoError(t, err)
	assert.Equal(t, 2, retried)
}

func TestSQLStoreConfirmRemovesFromClaims(t *testing.T) {
	store, db := openTestStore(t)

	id := persistOne(t, store, orderPlaced{Content: NewContent()})
	require.NoError(t, store.Confirm(context.Background(), id))

	assert.Empty(t, store.Claim(context.Background(), 10))

	var success int
	err := db.QueryRow("SELECT success FROM outbox WHERE id = ?", id).Scan(&success)
	require.NoError(t, err)
	assert.Equal(t, 1, success)

	// Confirming again is a no-op.
	require.NoError(t, store.Confirm(context.Background(), id))
}

func TestSQLStoreClaimHonoursLimit(t *testing.T) {
	store, _ := openTestStore(t)

	first := persistOne(t, store, orderPlaced{Content: NewContent()})
	second := persistOne(t, store, orderPlaced{Content: NewContent()})
	persistOne(t, store, orderPlaced{Content: NewContent()})

	events := store.Claim(context.Background(), 2)
	require.Len(t, events, 2)
	assert.Equal(t, first, events[0].PersistentID)
	assert.Equal(t, second, events[1].PersistentID)
}

func TestSQLStoreFreshRowsAreNotClaimable(t *testing.T) {
	store, _ := openTestStore(t, WithStalenessWindow(DefaultStalenessWindow))

	persistOne(t, store, orderPlaced{Content: NewContent()})

	assert.Empty(t, store.Claim(context.Background(), 10))
}

func TestSQLStoreRollbackDiscardsRow(t *testing.T) {
	store, db := openTestStore(t)

	wantErr := assert.AnError
	err := store.RunInTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := store.Persist(ctx, tx, TypeOf("order-placed", orderPlaced{}), orderPlaced{Content: NewContent()})
		require.NoError(t, err)
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM outbox").Scan(&count))
	assert.Equal(t, 0, count)
	assert.Empty(t, store.Claim(context.Background(), 10))
}

func TestSQLStoreSkipsUndecodableRows(t *testing.T) {
	store, db := openTestStore(t)

	decodable := persistOne(t, store, orderPlaced{Content: NewContent()})
	_, err := db.Exec("INSERT INTO outbox (event_type, event_content) VALUES (?, ?)",
		"unregistered-type", "{}")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO outbox (event_type, event_content) VALUES (?, ?)",
		"order-placed", "not json")
	require.NoError(t, err)

	events := store.Claim(context.Background(), 10)
	require.Len(t, events, 1)
	assert.Equal(t, decodable, events[0].PersistentID)

	// Skipped rows were still touched under the claim.
	var retried int
	require.NoError(t, db.QueryRow(
		"SELECT retried_count FROM outbox WHERE event_type = ?", "unregistered-type").Scan(&retried))
	assert.Equal(t, 1, retried)
}

func TestSQLStoreCustomTableName(t *testing.T) {
	store, db := openTestStore(t, WithTableName("event_log"))

	id := persistOne(t, store, orderPlaced{Content: NewContent()})

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM event_log WHERE id = ?", id).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSQLStoreRejectsInvalidTableName(t *testing.T) {
	placed := TypeOf("order-placed", orderPlaced{})
	registry, err := NewRegistry([]EventType{placed}, nil)
	require.NoError(t, err)

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	assert.Panics(t, func() {
		NewSQLStore(db, SQLite, registry, nil, WithTableName("outbox; DROP TABLE users"))
	})
	assert.Panics(t, func() {
		NewSQLStore(db, SQLite, registry, nil, WithTableName(""))
	})
}
