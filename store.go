package herald

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Tx is an implementation specific transaction handle. The SQL store expects
// a TxQueryer (satisfied by *sql.Tx); the mongo store expects a session
// context. Callers that manage their own transactions pass the handle they
// already hold.
type Tx any

// Queryer represents a query executor.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxQueryer represents a query executor inside a transaction.
type TxQueryer interface {
	Queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLTx represents a database transaction.
// It is compatible with the standard sql.Tx type.
type SQLTx interface {
	Commit() error
	Rollback() error
	TxQueryer
}

// DB represents a database connection.
// It is compatible with the standard sql.DB type.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (SQLTx, error)
	Queryer
}

// Store is the durable log of emitted events.
type Store interface {
	// RunInTx opens a store transaction, runs fn within it and commits, or
	// rolls back when fn returns an error.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Persist serializes the content and inserts an unconfirmed outbox row
	// using the caller's already open transaction, so the insert is atomic
	// with the business change. It returns the generated persistent id.
	Persist(ctx context.Context, tx Tx, t EventType, content EventContent) (string, error)

	// Confirm marks the row as delivered. Confirming an already confirmed id
	// is a harmless no-op.
	Confirm(ctx context.Context, persistentID string) error

	// Claim retrieves up to limit unconfirmed events older than the
	// staleness window, incrementing their retried_count and refreshing
	// update_time under row locks so concurrent claimers cannot hand the same
	// event out twice. Failures are logged; Claim never returns an error, an
	// empty result means nothing is available right now.
	Claim(ctx context.Context, limit int) []*Event
}

// DefaultStalenessWindow is the minimum age an unconfirmed row must reach
// since its last update before it becomes claimable again.
const DefaultStalenessWindow = 10 * time.Second

// SQLStore implements Store on a relational database through a Dialect
// strategy.
type SQLStore struct {
	db         DB
	dialect    Dialect
	registry   *Registry
	serializer Serializer
	tableName  string
	staleness  time.Duration
	probeDelay DelayFunc
	skipLocked bool
	log        *zap.Logger
}

// SQLStoreOption configures an SQLStore.
type SQLStoreOption func(*SQLStore)

// WithTableName sets a custom outbox table name. Default is "outbox".
// The name must be a valid SQL identifier matching [a-zA-Z_][a-zA-Z0-9_]*;
// an invalid name panics when creating the store.
func WithTableName(name string) SQLStoreOption {
	return func(s *SQLStore) {
		s.tableName = name
	}
}

// WithStalenessWindow sets the minimum age a row must reach since its last
// update before a claim may pick it up. Default is DefaultStalenessWindow.
func WithStalenessWindow(d time.Duration) SQLStoreOption {
	return func(s *SQLStore) {
		s.staleness = d
	}
}

// WithSerializer sets the payload serializer. Default is JSONSerializer.
func WithSerializer(serializer Serializer) SQLStoreOption {
	return func(s *SQLStore) {
		if serializer != nil {
			s.serializer = serializer
		}
	}
}

// WithProbeDelay sets the delay between capability probe attempts when the
// database is unreachable. Default is Fixed(10s) with ten percent Jitter.
func WithProbeDelay(delay DelayFunc) SQLStoreOption {
	return func(s *SQLStore) {
		if delay != nil {
			s.probeDelay = delay
		}
	}
}

// NewSQLStore creates an SQLStore from a standard *sql.DB.
func NewSQLStore(db *sql.DB, dialect Dialect, registry *Registry, log *zap.Logger, opts ...SQLStoreOption) *SQLStore {
	return NewSQLStoreWithDB(&dbAdapter{DB: db}, dialect, registry, log, opts...)
}

// NewSQLStoreWithDB creates an SQLStore with a custom DB implementation.
// Useful for callers with their own database abstraction and for testing.
func NewSQLStoreWithDB(db DB, dialect Dialect, registry *Registry, log *zap.Logger, opts ...SQLStoreOption) *SQLStore {
	if log == nil {
		log = zap.NewNop()
	}
	s := &SQLStore{
		db:         db,
		dialect:    dialect,
		registry:   registry,
		serializer: JSONSerializer{},
		tableName:  "outbox",
		staleness:  DefaultStalenessWindow,
		probeDelay: Jitter(Fixed(10*time.Second), 0.1),
		log:        log,
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := validateTableName(s.tableName); err != nil {
		panic(err)
	}

	return s
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			name,
		)
	}
	return nil
}

// Init probes the database capabilities and creates the outbox table if it
// does not exist. Call once at startup, before Claim is used.
//
// The probe retries on connectivity errors until ctx is done, falling back to
// the safe no-skip-locking mode. Schema statements that fail because the
// objects already exist are tolerated.
func (s *SQLStore) Init(ctx context.Context) error {
	s.probeCapabilities(ctx)
	return s.createTable(ctx)
}

func (s *SQLStore) probeCapabilities(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		version, err := s.queryVersion(ctx)
		if err == nil {
			s.skipLocked = s.dialect.SupportsSkipLocked(version)
			s.log.Info("database capability probe complete",
				zap.String("dialect", s.dialect.Name()),
				zap.String("version", version),
				zap.Bool("skip_locked", s.skipLocked))
			return
		}

		s.log.Warn("database version probe failed, retrying",
			zap.String("dialect", s.dialect.Name()),
			zap.Error(err))

		select {
		case <-ctx.Done():
			// Undetectable: fall back to full lock-wait ordering.
			s.skipLocked = false
			return
		case <-time.After(s.probeDelay(attempt)):
		}
	}
}

func (s *SQLStore) queryVersion(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.VersionQuery())
	if err != nil {
		return "", fmt.Errorf("querying database version: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", fmt.Errorf("reading database version: %w", err)
		}
		return "", fmt.Errorf("database version query returned no rows")
	}
	var version string
	if err := rows.Scan(&version); err != nil {
		return "", fmt.Errorf("scanning database version: %w", err)
	}
	return version, nil
}

func (s *SQLStore) createTable(ctx context.Context) error {
	for _, stmt := range s.dialect.CreateTableSQL(s.tableName) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Engines without IF NOT EXISTS fail here on restart.
			s.log.Debug("schema statement skipped", zap.Error(err))
		}
	}
	return nil
}

// RunInTx implements Store. The transaction handle passed to fn is an SQLTx
// and satisfies TxQueryer.
func (s *SQLStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	var committed bool
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return nil
}

// Persist implements Store. tx must satisfy TxQueryer (e.g. *sql.Tx or the
// handle passed to a RunInTx callback).
func (s *SQLStore) Persist(ctx context.Context, tx Tx, t EventType, content EventContent) (string, error) {
	q, ok := tx.(TxQueryer)
	if !ok {
		return "", fmt.Errorf("sql store: unsupported transaction handle %T", tx)
	}

	payload, err := s.serializer.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("serializing %s content: %w", t.Name, err)
	}

	id, err := s.insert(ctx, q, t.Name, string(payload))
	if err != nil {
		return "", err
	}

	s.log.Debug("event persisted",
		zap.String("persistent_id", id),
		zap.String("event_type", t.Name))
	return id, nil
}

func (s *SQLStore) insert(ctx context.Context, q TxQueryer, typeName, payload string) (string, error) {
	query := s.dialect.InsertSQL(s.tableName)

	if s.dialect.InsertReturnsID() {
		var id string
		if err := q.QueryRowContext(ctx, query, typeName, payload).Scan(&id); err != nil {
			return "", fmt.Errorf("storing %s event: %w", typeName, err)
		}
		return id, nil
	}

	res, err := q.ExecContext(ctx, query, typeName, payload)
	if err != nil {
		return "", fmt.Errorf("storing %s event: %w", typeName, err)
	}

	if idQuery := s.dialect.LastInsertIDQuery(s.tableName); idQuery != "" {
		var id string
		if err := q.QueryRowContext(ctx, idQuery).Scan(&id); err != nil {
			return "", fmt.Errorf("reading generated id for %s event: %w", typeName, err)
		}
		return id, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("reading generated id for %s event: %w", typeName, err)
	}
	return strconv.FormatInt(id, 10), nil
}

// Confirm implements Store.
func (s *SQLStore) Confirm(ctx context.Context, persistentID string) error {
	id, err := s.dialect.BindID(persistentID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.ConfirmSQL(s.tableName), id); err != nil {
		return fmt.Errorf("confirming event %s: %w", persistentID, err)
	}
	s.log.Debug("event confirmed", zap.String("persistent_id", persistentID))
	return nil
}

type claimedRow struct {
	id        string
	eventType string
	content   []byte
	retried   int
}

// Claim implements Store.
func (s *SQLStore) Claim(ctx context.Context, limit int) []*Event {
	events, err := s.claim(ctx, limit)
	if err != nil {
		s.log.Error("claiming outbox events", zap.Error(err))
		return nil
	}
	return events
}

func (s *SQLStore) claim(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	var committed bool
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	claimed, err := s.fetchClaimable(ctx, tx, limit)
	if err != nil {
		return nil, err
	}

	// Touch every fetched row, decodable or not, inside the same row-locked
	// transaction. Pushing update_time forward keeps the row out of other
	// claims until the staleness window elapses again.
	touch := s.dialect.TouchSQL(s.tableName)
	for _, row := range claimed {
		id, err := s.dialect.BindID(row.id)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, touch, id); err != nil {
			return nil, fmt.Errorf("marking claim of event %s: %w", row.id, err)
		}
	}

	events := make([]*Event, 0, len(claimed))
	for _, row := range claimed {
		t, ok := s.registry.Lookup(row.eventType)
		if !ok {
			s.log.Error("unrecognized event type, row skipped",
				zap.String("persistent_id", row.id),
				zap.String("event_type", row.eventType),
				zap.Int("retried_count", row.retried))
			continue
		}
		content, err := s.serializer.Unmarshal(row.content, t)
		if err != nil {
			s.log.Error("undecodable event content, row skipped",
				zap.String("persistent_id", row.id),
				zap.String("event_type", row.eventType),
				zap.Int("retried_count", row.retried),
				zap.Error(err))
			continue
		}
		events = append(events, &Event{PersistentID: row.id, Type: t, Content: content})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim transaction: %w", err)
	}
	committed = true
	return events, nil
}

func (s *SQLStore) fetchClaimable(ctx context.Context, tx SQLTx, limit int) ([]claimedRow, error) {
	query := s.dialect.ClaimSQL(s.tableName, s.staleness, limit, s.skipLocked)
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying unconfirmed events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var claimed []claimedRow
	for rows.Next() && len(claimed) < limit {
		var row claimedRow
		if err := rows.Scan(&row.id, &row.eventType, &row.content, &row.retried); err != nil {
			return nil, fmt.Errorf("scanning outbox row: %w", err)
		}
		claimed = append(claimed, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox rows: %w", err)
	}
	return claimed, nil
}

// txAdapter is a wrapper around a sql.Tx that implements the SQLTx interface.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.tx.QueryContext(ctx, query, args...)
}

func (a *txAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.tx.QueryRowContext(ctx, query, args...)
}

func (a *txAdapter) Commit() error {
	return a.tx.Commit()
}

func (a *txAdapter) Rollback() error {
	return a.tx.Rollback()
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (SQLTx, error) {
	tx, err := a.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.DB.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.DB.QueryContext(ctx, query, args...)
}
