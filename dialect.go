package herald

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Dialect is the per-engine SQL strategy behind SQLStore. Each engine
// supplies the insert, confirm, claim and schema statements, the binding rule
// for the row identifier, and the version rule deciding whether row-skip
// locking is available. A Dialect is selected once at startup; the store
// never branches on a product name afterwards.
type Dialect interface {
	// Name of the engine, for logs.
	Name() string

	// InsertSQL inserts (event_type, event_content) with two parameters.
	InsertSQL(table string) string

	// InsertReturnsID reports whether InsertSQL yields the generated id as a
	// result row (executed via QueryRow) instead of through the driver's
	// LastInsertId.
	InsertReturnsID() bool

	// LastInsertIDQuery returns a follow-up query producing the id generated
	// by the last insert on the same session, or empty when the driver's
	// LastInsertId is usable.
	LastInsertIDQuery(table string) string

	// ConfirmSQL marks the row identified by one parameter as delivered.
	ConfirmSQL(table string) string

	// TouchSQL increments retried_count and refreshes update_time for the row
	// identified by one parameter.
	TouchSQL(table string) string

	// ClaimSQL selects id, event_type, event_content, retried_count of
	// unconfirmed rows older than the staleness window, oldest first with id
	// as tie-break, locked for update. Engines that cannot limit a locking
	// query in SQL may return more rows; the store stops scanning at the
	// batch limit.
	ClaimSQL(table string, staleness time.Duration, limit int, skipLocked bool) string

	// CreateTableSQL returns the schema statements. Statements may fail when
	// the objects already exist; the store tolerates that.
	CreateTableSQL(table string) []string

	// BindID converts a persistent event id to the engine's parameter type.
	BindID(persistentID string) (any, error)

	// VersionQuery returns a single-row, single-column query producing the
	// engine version string.
	VersionQuery() string

	// SupportsSkipLocked decides from the version string whether the engine
	// supports skipping locked rows during a claim.
	SupportsSkipLocked(version string) bool
}

// Built-in dialects.
var (
	Postgres  Dialect = postgresDialect{}
	MySQL     Dialect = mysqlDialect{}
	Oracle    Dialect = oracleDialect{}
	SQLServer Dialect = sqlserverDialect{}
	SQLite    Dialect = sqliteDialect{}
)

var versionRegexp = regexp.MustCompile(`(\d+)(?:\.(\d+))?`)

// parseVersion extracts the first major.minor pair from an engine version
// string such as "PostgreSQL 14.2 on x86_64" or "8.0.33".
func parseVersion(version string) (major, minor int, ok bool) {
	m := versionRegexp.FindStringSubmatch(version)
	if m == nil {
		return 0, 0, false
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	if m[2] != "" {
		if minor, err = strconv.Atoi(m[2]); err != nil {
			return 0, 0, false
		}
	}
	return major, minor, true
}

func versionAtLeast(version string, major, minor int) bool {
	gotMajor, gotMinor, ok := parseVersion(version)
	if !ok {
		return false
	}
	return gotMajor > major || (gotMajor == major && gotMinor >= minor)
}

func bindNumericID(persistentID string) (any, error) {
	id, err := strconv.ParseInt(persistentID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing persistent event id %q: %w", persistentID, err)
	}
	return id, nil
}

func intervalSeconds(staleness time.Duration) int {
	return int(staleness / time.Second)
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) InsertSQL(table string) string {
	return fmt.Sprintf("INSERT INTO %s (event_type, event_content) VALUES ($1, $2) RETURNING id", table)
}

func (postgresDialect) InsertReturnsID() bool { return true }

func (postgresDialect) LastInsertIDQuery(string) string { return "" }

func (postgresDialect) ConfirmSQL(table string) string {
	return fmt.Sprintf("UPDATE %s SET success = true WHERE id = $1", table)
}

func (postgresDialect) TouchSQL(table string) string {
	return fmt.Sprintf("UPDATE %s SET retried_count = retried_count + 1, update_time = now() WHERE id = $1", table)
}

func (postgresDialect) ClaimSQL(table string, staleness time.Duration, limit int, skipLocked bool) string {
	q := fmt.Sprintf(
		"SELECT id, event_type, event_content, retried_count FROM %s"+
			" WHERE success = false AND update_time < now() - interval '%d seconds'"+
			" ORDER BY update_time, id LIMIT %d FOR UPDATE",
		table, intervalSeconds(staleness), limit)
	if skipLocked {
		q += " SKIP LOCKED"
	}
	return q
}

func (postgresDialect) CreateTableSQL(table string) []string {
	return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id bigserial PRIMARY KEY,
  event_type varchar(128) NOT NULL,
  retried_count int NOT NULL DEFAULT 0,
  event_content text NOT NULL,
  success boolean NOT NULL DEFAULT false,
  create_time timestamptz NOT NULL DEFAULT now(),
  update_time timestamptz NOT NULL DEFAULT now()
)`, table)}
}

func (postgresDialect) BindID(persistentID string) (any, error) {
	return bindNumericID(persistentID)
}

func (postgresDialect) VersionQuery() string { return "SELECT version()" }

func (postgresDialect) SupportsSkipLocked(version string) bool {
	// SKIP LOCKED since PostgreSQL 9.5.
	return versionAtLeast(version, 9, 5)
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return "mysql" }

func (mysqlDialect) InsertSQL(table string) string {
	return fmt.Sprintf("INSERT INTO %s (event_type, event_content) VALUES (?, ?)", table)
}

func (mysqlDialect) InsertReturnsID() bool { return false }

func (mysqlDialect) LastInsertIDQuery(string) string { return "" }

func (mysqlDialect) ConfirmSQL(table string) string {
	return fmt.Sprintf("UPDATE %s SET success = true WHERE id = ?", table)
}

func (mysqlDialect) TouchSQL(table string) string {
	return fmt.Sprintf("UPDATE %s SET retried_count = retried_count + 1, update_time = NOW() WHERE id = ?", table)
}

func (mysqlDialect) ClaimSQL(table string, staleness time.Duration, limit int, skipLocked bool) string {
	q := fmt.Sprintf(
		"SELECT id, event_type, event_content, retried_count FROM %s"+
			" WHERE success = false AND update_time < NOW() - INTERVAL %d SECOND"+
			" ORDER BY update_time, id LIMIT %d FOR UPDATE",
		table, intervalSeconds(staleness), limit)
	if skipLocked {
		q += " SKIP LOCKED"
	}
	return q
}

func (mysqlDialect) CreateTableSQL(table string) []string {
	return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id bigint unsigned NOT NULL AUTO_INCREMENT,
  event_type varchar(128) NOT NULL,
  retried_count int unsigned NOT NULL DEFAULT 0,
  event_content text NOT NULL,
  success boolean NOT NULL DEFAULT false,
  create_time timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP,
  update_time timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
  PRIMARY KEY (id)
)`, table)}
}

func (mysqlDialect) BindID(persistentID string) (any, error) {
	return bindNumericID(persistentID)
}

func (mysqlDialect) VersionQuery() string { return "SELECT VERSION()" }

func (mysqlDialect) SupportsSkipLocked(version string) bool {
	// MariaDB reports e.g. "10.6.12-MariaDB"; SKIP LOCKED since 10.6.
	// MySQL has it since 8.0.
	if strings.Contains(strings.ToLower(version), "mariadb") {
		return versionAtLeast(version, 10, 6)
	}
	return versionAtLeast(version, 8, 0)
}

type oracleDialect struct{}

func (oracleDialect) Name() string { return "oracle" }

func (oracleDialect) sequence(table string) string { return "seq_" + table }

func (d oracleDialect) InsertSQL(table string) string {
	return fmt.Sprintf("INSERT INTO %s (event_type, event_content) VALUES (:1, :2)", table)
}

func (oracleDialect) InsertReturnsID() bool { return false }

func (d oracleDialect) LastInsertIDQuery(table string) string {
	// currval is session scoped, so this is safe on the inserting connection.
	return fmt.Sprintf("SELECT %s.currval FROM dual", d.sequence(table))
}

func (oracleDialect) ConfirmSQL(table string) string {
	return fmt.Sprintf("UPDATE %s SET success = 1 WHERE id = :1", table)
}

func (oracleDialect) TouchSQL(table string) string {
	return fmt.Sprintf("UPDATE %s SET retried_count = retried_count + 1, update_time = systimestamp WHERE id = :1", table)
}

func (oracleDialect) ClaimSQL(table string, staleness time.Duration, _ int, skipLocked bool) string {
	// Oracle rejects FOR UPDATE combined with row limiting; the store stops
	// scanning at the batch limit instead.
	q := fmt.Sprintf(
		"SELECT id, event_type, event_content, retried_count FROM %s"+
			" WHERE success = 0 AND update_time < systimestamp - INTERVAL '%d' SECOND"+
			" ORDER BY update_time, id FOR UPDATE",
		table, intervalSeconds(staleness))
	if skipLocked {
		q += " SKIP LOCKED"
	}
	return q
}

func (d oracleDialect) CreateTableSQL(table string) []string {
	seq := d.sequence(table)
	return []string{
		fmt.Sprintf("CREATE SEQUENCE %s", seq),
		fmt.Sprintf(`CREATE TABLE %s (
  id NUMBER(19) DEFAULT %s.NEXTVAL NOT NULL,
  event_type VARCHAR2(128) NOT NULL,
  retried_count NUMBER(10) DEFAULT 0 NOT NULL,
  event_content VARCHAR2(4000) NOT NULL,
  success NUMBER(1) DEFAULT 0 NOT NULL,
  create_time TIMESTAMP DEFAULT systimestamp NOT NULL,
  update_time TIMESTAMP DEFAULT systimestamp NOT NULL,
  PRIMARY KEY (id)
)`, table, seq),
	}
}

func (oracleDialect) BindID(persistentID string) (any, error) {
	// Oracle NUMBER ids round-trip as strings.
	return persistentID, nil
}

func (oracleDialect) VersionQuery() string {
	return "SELECT banner FROM v$version WHERE ROWNUM = 1"
}

func (oracleDialect) SupportsSkipLocked(version string) bool {
	// SKIP LOCKED since Oracle 9.
	return versionAtLeast(version, 9, 0)
}

type sqlserverDialect struct{}

func (sqlserverDialect) Name() string { return "sqlserver" }

func (sqlserverDialect) InsertSQL(table string) string {
	return fmt.Sprintf("INSERT INTO %s (event_type, event_content) OUTPUT INSERTED.id VALUES (@p1, @p2)", table)
}

func (sqlserverDialect) InsertReturnsID() bool { return true }

func (sqlserverDialect) LastInsertIDQuery(string) string { return "" }

func (sqlserverDialect) ConfirmSQL(table string) string {
	return fmt.Sprintf("UPDATE %s SET success = 1 WHERE id = @p1", table)
}

func (sqlserverDialect) TouchSQL(table string) string {
	return fmt.Sprintf("UPDATE %s SET retried_count = retried_count + 1, update_time = SYSUTCDATETIME() WHERE id = @p1", table)
}

func (sqlserverDialect) ClaimSQL(table string, staleness time.Duration, limit int, skipLocked bool) string {
	// Row locking is expressed through table hints rather than FOR UPDATE;
	// READPAST is the skip-locked equivalent.
	hints := "UPDLOCK, ROWLOCK"
	if skipLocked {
		hints += ", READPAST"
	}
	return fmt.Sprintf(
		"SELECT TOP (%d) id, event_type, event_content, retried_count FROM %s WITH (%s)"+
			" WHERE success = 0 AND update_time < DATEADD(SECOND, -%d, SYSUTCDATETIME())"+
			" ORDER BY update_time, id",
		limit, table, hints, intervalSeconds(staleness))
}

func (sqlserverDialect) CreateTableSQL(table string) []string {
	return []string{fmt.Sprintf(`IF OBJECT_ID(N'%s', N'U') IS NULL
CREATE TABLE %s (
  id bigint IDENTITY(1,1) PRIMARY KEY,
  event_type nvarchar(128) NOT NULL,
  retried_count int NOT NULL DEFAULT 0,
  event_content nvarchar(max) NOT NULL,
  success bit NOT NULL DEFAULT 0,
  create_time datetime2 NOT NULL DEFAULT SYSUTCDATETIME(),
  update_time datetime2 NOT NULL DEFAULT SYSUTCDATETIME()
)`, table, table)}
}

func (sqlserverDialect) BindID(persistentID string) (any, error) {
	return bindNumericID(persistentID)
}

func (sqlserverDialect) VersionQuery() string { return "SELECT @@VERSION" }

func (sqlserverDialect) SupportsSkipLocked(version string) bool {
	// READPAST since SQL Server 2005; @@VERSION leads with the product year.
	return versionAtLeast(version, 2005, 0)
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) InsertSQL(table string) string {
	return fmt.Sprintf("INSERT INTO %s (event_type, event_content) VALUES (?, ?)", table)
}

func (sqliteDialect) InsertReturnsID() bool { return false }

func (sqliteDialect) LastInsertIDQuery(string) string { return "" }

func (sqliteDialect) ConfirmSQL(table string) string {
	return fmt.Sprintf("UPDATE %s SET success = 1 WHERE id = ?", table)
}

func (sqliteDialect) TouchSQL(table string) string {
	return fmt.Sprintf("UPDATE %s SET retried_count = retried_count + 1, update_time = datetime('now') WHERE id = ?", table)
}

func (sqliteDialect) ClaimSQL(table string, staleness time.Duration, limit int, _ bool) string {
	// SQLite has no FOR UPDATE; writes serialize on the database itself.
	return fmt.Sprintf(
		"SELECT id, event_type, event_content, retried_count FROM %s"+
			" WHERE success = 0 AND update_time < datetime('now', '%d seconds')"+
			" ORDER BY update_time, id LIMIT %d",
		table, -intervalSeconds(staleness), limit)
}

func (sqliteDialect) CreateTableSQL(table string) []string {
	return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type TEXT NOT NULL,
  retried_count INTEGER NOT NULL DEFAULT 0,
  event_content TEXT NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  create_time TEXT NOT NULL DEFAULT (datetime('now')),
  update_time TEXT NOT NULL DEFAULT (datetime('now'))
)`, table)}
}

func (sqliteDialect) BindID(persistentID string) (any, error) {
	return bindNumericID(persistentID)
}

func (sqliteDialect) VersionQuery() string { return "SELECT sqlite_version()" }

func (sqliteDialect) SupportsSkipLocked(string) bool { return false }
