package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ledger is the sqlite-backed idempotency ledger described in SPEC_FULL.md's
// DOMAIN STACK section: a processed_updates table keyed on the same
// order-id-derived key the engine already uses for in-process dedup
// (§8 "duplicate execution event ... leaves the book unchanged"), so a
// restart doesn't forget which updates it already applied.
//
// Grounded on the teacher's SQLiteStore
// (internal/engine/simple/store_sqlite.go): WAL mode for crash recovery,
// a transaction per write. Unlike the teacher this package has no Atlas
// migration directory to apply (that tooling isn't part of the retrieved
// pack's importable surface), so the schema is created inline with
// `CREATE TABLE IF NOT EXISTS` on open instead of via a separate migration
// step — the teacher's checksum-column schema-validation concern doesn't
// apply here since this ledger has no single-row state blob to corrupt,
// just an append-only key/value log.
type ledger struct {
	db *sql.DB
}

func newLedger(dbPath string) (*ledger, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS processed_updates (
	key          TEXT PRIMARY KEY,
	processed_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS order_history (
	order_id     TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	action       TEXT NOT NULL,
	price        TEXT NOT NULL,
	quantity     TEXT NOT NULL,
	recorded_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_history_order_id ON order_history(order_id);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &ledger{db: db}, nil
}

func (l *ledger) close() error {
	return l.db.Close()
}

// markProcessed is an upsert: a duplicate MarkProcessed for the same key
// (e.g. the engine replaying startup restoration) is a no-op, not an error.
func (l *ledger) markProcessed(ctx context.Context, key string) error {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO processed_updates (key, processed_at) VALUES (?, ?)`,
		key, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert processed_updates: %w", err)
	}
	return tx.Commit()
}

func (l *ledger) wasProcessed(ctx context.Context, key string) (bool, error) {
	var count int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM processed_updates WHERE key = ?`, key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query processed_updates: %w", err)
	}
	return count > 0, nil
}

// recordOrderHistory appends an audit row; Store.RecordTrade calls it for
// every trade row, keeping a durable trail alongside the CSV trade history,
// independent of the per-symbol JSON snapshot.
func (l *ledger) recordOrderHistory(ctx context.Context, orderID, symbol, side, action, price, quantity string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO order_history (order_id, symbol, side, action, price, quantity, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		orderID, symbol, side, action, price, quantity, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert order_history: %w", err)
	}
	return nil
}
