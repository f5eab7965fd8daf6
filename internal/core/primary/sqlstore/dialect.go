package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/syntrixbase/indexsync/internal/core/primary"
)

// dialect isolates the SQL that differs between PostgreSQL and SQLite.
type dialect interface {
	placeholder(n int) string
	currentWatermark(ctx context.Context, db *sql.DB, transactions string, recovery bool) (int64, error)
	exportSnapshot(ctx context.Context, db *sql.DB) (primary.Snapshot, error)
	typeFilter(types []string, argIndex int) (string, []any)
}

type postgresDialect struct{}

func (postgresDialect) placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// currentWatermark reads txid_snapshot_xmin inside a deferrable serializable read-only
// transaction, so the value reflects a consistent snapshot. Recovery mode drops to read
// committed for replicas where serializable reads are refused.
func (postgresDialect) currentWatermark(ctx context.Context, db *sql.DB, _ string, recovery bool) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin watermark transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	mode := "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE, READ ONLY, DEFERRABLE"
	if recovery {
		mode = "SET TRANSACTION ISOLATION LEVEL READ COMMITTED, READ ONLY"
	}
	if _, err := tx.ExecContext(ctx, mode); err != nil {
		return 0, fmt.Errorf("failed to set watermark isolation: %w", err)
	}

	var xmin int64
	if err := tx.QueryRowContext(ctx, "SELECT txid_snapshot_xmin(txid_current_snapshot())").Scan(&xmin); err != nil {
		return 0, fmt.Errorf("failed to read xmin: %w", err)
	}
	return xmin, nil
}

// exportSnapshot keeps a repeatable-read transaction open for the lifetime of the snapshot;
// pg_export_snapshot ids are only importable while the exporting transaction lives.
func (postgresDialect) exportSnapshot(ctx context.Context, db *sql.DB) (primary.Snapshot, error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	var id string
	if err := tx.QueryRowContext(ctx, "SELECT pg_export_snapshot()").Scan(&id); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to export snapshot: %w", err)
	}
	return &txSnapshot{id: id, tx: tx}, nil
}

func (postgresDialect) typeFilter(types []string, argIndex int) (string, []any) {
	return fmt.Sprintf("item_type = ANY($%d)", argIndex), []any{pq.Array(types)}
}

type sqliteDialect struct{}

func (sqliteDialect) placeholder(int) string {
	return "?"
}

// currentWatermark has no in-flight transactions to account for: SQLite serializes writers,
// so everything committed is visible and the next id is the frontier.
func (sqliteDialect) currentWatermark(ctx context.Context, db *sql.DB, transactions string, _ bool) (int64, error) {
	var xmin int64
	query := fmt.Sprintf("SELECT COALESCE(MAX(xid), 0) + 1 FROM %s", transactions)
	if err := db.QueryRowContext(ctx, query).Scan(&xmin); err != nil {
		return 0, fmt.Errorf("failed to read xmin: %w", err)
	}
	return xmin, nil
}

func (sqliteDialect) exportSnapshot(context.Context, *sql.DB) (primary.Snapshot, error) {
	return primary.NoSnapshot, nil
}

func (sqliteDialect) typeFilter(types []string, _ int) (string, []any) {
	marks := make([]string, len(types))
	args := make([]any, len(types))
	for i, t := range types {
		marks[i] = "?"
		args[i] = t
	}
	return "item_type IN (" + strings.Join(marks, ", ") + ")", args
}

type txSnapshot struct {
	id string
	tx *sql.Tx
}

func (s *txSnapshot) ID() string { return s.id }

func (s *txSnapshot) Release() error {
	if err := s.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("failed to release snapshot %s: %w", s.id, err)
	}
	return nil
}
