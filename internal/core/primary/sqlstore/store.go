// Package sqlstore implements primary.Store over database/sql.
//
// The transaction log table has the shape written by the primary application:
//
//	transactions(xid BIGINT, timestamp TIMESTAMP, data JSON)
//
// where data holds {"updated": [...], "renamed": [...]}. Indexable keys come from
// resources(rid, item_type).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/syntrixbase/indexsync/internal/core/primary"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config configures the SQL primary store.
type Config struct {
	Driver            string `yaml:"driver"`
	DSN               string `yaml:"dsn"`
	TransactionsTable string `yaml:"transactions_table"`
	ResourcesTable    string `yaml:"resources_table"`
}

// Store reads watermarks, transaction records and keys from a SQL database.
type Store struct {
	db           *sql.DB
	dialect      dialect
	transactions string
	resources    string
}

var _ primary.Store = (*Store)(nil)

// Open connects to the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if _, err := dialectFor(cfg.Driver); err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		// In-memory SQLite databases are per connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}
	return New(db, cfg)
}

// New wraps an existing handle.
func New(db *sql.DB, cfg Config) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:           db,
		dialect:      d,
		transactions: cfg.TransactionsTable,
		resources:    cfg.ResourcesTable,
	}
	if s.transactions == "" {
		s.transactions = "transactions"
	}
	if s.resources == "" {
		s.resources = "resources"
	}
	return s, nil
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverPostgres:
		return postgresDialect{}, nil
	case DriverSQLite:
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported primary store driver: %q", driver)
	}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the log and resource tables when missing. Only meant for the
// SQLite standalone store; a PostgreSQL primary owns its schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			xid INTEGER PRIMARY KEY,
			timestamp TIMESTAMP NOT NULL,
			data TEXT NOT NULL
		)`, s.transactions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			rid TEXT PRIMARY KEY,
			item_type TEXT NOT NULL
		)`, s.resources),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// CurrentWatermark implements primary.WatermarkSource.
func (s *Store) CurrentWatermark(ctx context.Context, recovery bool) (int64, error) {
	return s.dialect.currentWatermark(ctx, s.db, s.transactions, recovery)
}

type recordData struct {
	Updated []string `json:"updated"`
	Renamed []string `json:"renamed"`
}

// RecordsSince implements primary.LogReader.
func (s *Store) RecordsSince(ctx context.Context, watermark int64) ([]primary.Record, error) {
	query := fmt.Sprintf("SELECT xid, timestamp, data FROM %s WHERE xid >= %s ORDER BY xid",
		s.transactions, s.dialect.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, watermark)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var records []primary.Record
	for rows.Next() {
		var (
			rec  primary.Record
			ts   any
			data []byte
		)
		if err := rows.Scan(&rec.ID, &ts, &data); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if rec.Timestamp, err = toTime(ts); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", rec.ID, err)
		}
		var payload recordData
		if len(data) > 0 {
			if err := json.Unmarshal(data, &payload); err != nil {
				return nil, fmt.Errorf("transaction %d: failed to decode data: %w", rec.ID, err)
			}
		}
		rec.Updated = payload.Updated
		rec.Renamed = payload.Renamed
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	return records, nil
}

// ExportSnapshot implements primary.Store.
func (s *Store) ExportSnapshot(ctx context.Context) (primary.Snapshot, error) {
	return s.dialect.exportSnapshot(ctx, s.db)
}

// AllKeys implements primary.Store.
func (s *Store) AllKeys(ctx context.Context, types []string) ([]string, error) {
	query := fmt.Sprintf("SELECT rid FROM %s", s.resources)
	var args []any
	if len(types) > 0 {
		clause, typeArgs := s.dialect.typeFilter(types, 1)
		query += " WHERE " + clause
		args = typeArgs
	}
	query += " ORDER BY rid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read keys: %w", err)
	}
	return keys, nil
}

// AppendRecord writes a transaction record. The indexer itself never writes the log; this is
// used by the SQLite standalone store and tests to stand in for the primary application.
func (s *Store) AppendRecord(ctx context.Context, rec primary.Record) error {
	data, err := json.Marshal(recordData{Updated: rec.Updated, Renamed: rec.Renamed})
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	query := fmt.Sprintf("INSERT INTO %s (xid, timestamp, data) VALUES (%s, %s, %s)",
		s.transactions, s.dialect.placeholder(1), s.dialect.placeholder(2), s.dialect.placeholder(3))
	if _, err := s.db.ExecContext(ctx, query, rec.ID, rec.Timestamp.UTC().Format(time.RFC3339Nano), string(data)); err != nil {
		return fmt.Errorf("failed to insert record %d: %w", rec.ID, err)
	}
	return nil
}

// PutResource registers an indexable key.
func (s *Store) PutResource(ctx context.Context, key, itemType string) error {
	query := fmt.Sprintf("INSERT INTO %s (rid, item_type) VALUES (%s, %s)",
		s.resources, s.dialect.placeholder(1), s.dialect.placeholder(2))
	if _, err := s.db.ExecContext(ctx, query, key, itemType); err != nil {
		return fmt.Errorf("failed to insert resource %s: %w", key, err)
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case []byte:
		return parseTime(string(t))
	case string:
		return parseTime(t)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
