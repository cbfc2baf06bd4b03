package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"okx-carry-unwind/internal/ledger"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account TEXT NOT NULL,
		instrument TEXT NOT NULL,
		ts_ms INTEGER NOT NULL,
		title TEXT NOT NULL,
		field TEXT NOT NULL,
		amount REAL NOT NULL
	)`)
	return err
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) List(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE substr(key, 1, length(?)) = ?`, prefix, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// AppendLedgerEntries keeps a local copy of every ledger flush.
func (s *Store) AppendLedgerEntries(ctx context.Context, entries []ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger (account, instrument, ts_ms, title, field, amount) VALUES (?, ?, ?, ?, ?, ?)`,
			e.Account, e.Instrument, e.Timestamp.UnixMilli(), e.Title, e.Field, e.Amount,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) LedgerEntries(ctx context.Context, account, instrument string) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account, instrument, ts_ms, title, field, amount FROM ledger WHERE account = ? AND instrument = ? ORDER BY id`,
		account, instrument,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var tsMS int64
		if err := rows.Scan(&e.Account, &e.Instrument, &tsMS, &e.Title, &e.Field, &e.Amount); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(tsMS).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
