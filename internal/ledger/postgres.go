package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"okx-carry-unwind/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Postgres appends ledger entries in a single transaction.
type Postgres struct {
	db    *sql.DB
	table string
	log   *zap.Logger
}

func Open(cfg config.LedgerConfig, log *zap.Logger) (*Postgres, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("ledger dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger db: %w", err)
	}
	p, err := NewPostgres(db, cfg.Table, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := p.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func NewPostgres(db *sql.DB, table string, log *zap.Logger) (*Postgres, error) {
	if table == "" {
		table = "ledger_entries"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid ledger table %q", table)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Postgres{db: db, table: table, log: log}, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		account TEXT NOT NULL,
		instrument TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		title TEXT NOT NULL,
		field TEXT NOT NULL,
		amount DOUBLE PRECISION NOT NULL
	)`, p.table))
	return err
}

func (p *Postgres) AppendLedgerEntries(ctx context.Context, entries []Entry) error {
	if p == nil || len(entries) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (account, instrument, ts, title, field, amount) VALUES ($1, $2, $3, $4, $5, $6)`, p.table)
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, query, e.Account, e.Instrument, e.Timestamp, e.Title, e.Field, e.Amount); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	p.log.Info("ledger entries recorded", zap.Int("count", len(entries)), zap.String("instrument", entries[0].Instrument))
	return nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
