package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"okx-carry-unwind/internal/config"
	"okx-carry-unwind/internal/stats"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// SpreadObservation is one gate evaluation.
type SpreadObservation struct {
	Time       time.Time
	Instrument string
	SpotBid    float64
	SwapAsk    float64
	Premium    float64
	Threshold  float64
}

type Writer struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	spreads chan SpreadObservation
	started atomic.Bool
	dropped atomic.Uint64
	now     func() time.Time
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		spreads: make(chan SpreadObservation, queueSize),
		now:     time.Now,
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Observe queues an observation without blocking the unwind loop.
func (w *Writer) Observe(obs SpreadObservation) {
	if w == nil {
		return
	}
	select {
	case w.spreads <- obs:
	default:
		if w.dropped.Add(1) == 1 {
			w.log.Warn("timescale spread queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-w.spreads:
			w.writeSpread(ctx, obs)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		instrument TEXT NOT NULL,
		spot_bid DOUBLE PRECISION NOT NULL,
		swap_ask DOUBLE PRECISION NOT NULL,
		premium DOUBLE PRECISION NOT NULL,
		threshold DOUBLE PRECISION NOT NULL
	)`, w.table("spread_observations"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("spread_observations"))); err != nil {
		w.log.Warn("timescale spread_observations hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeSpread(ctx context.Context, obs SpreadObservation) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, instrument, spot_bid, swap_ask, premium, threshold
	) VALUES (
		$1,$2,$3,$4,$5,$6
	)`, w.table("spread_observations"))
	if _, err := w.db.ExecContext(ctx, query,
		obs.Time,
		obs.Instrument,
		obs.SpotBid,
		obs.SwapAsk,
		obs.Premium,
		obs.Threshold,
	); err != nil {
		w.log.Warn("timescale spread insert failed", zap.Error(err))
	}
}

// SpreadStats answers recent-spread queries for one instrument.
type SpreadStats struct {
	w          *Writer
	instrument string
}

func (w *Writer) Stats(instrument string) *SpreadStats {
	return &SpreadStats{w: w, instrument: instrument}
}

func (s *SpreadStats) RecentSpreadStats(ctx context.Context, window time.Duration) (stats.Summary, error) {
	w := s.w
	if w == nil || w.db == nil {
		return stats.Summary{}, errors.New("timescale db not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`SELECT COALESCE(AVG(premium), 0), COALESCE(STDDEV_POP(premium), 0), COUNT(*)
		FROM %s WHERE instrument = $1 AND ts >= $2`, w.table("spread_observations"))
	var summary stats.Summary
	since := w.now().Add(-window).UTC()
	if err := w.db.QueryRowContext(ctx, query, s.instrument, since).Scan(&summary.Mean, &summary.StdDev, &summary.Count); err != nil {
		return stats.Summary{}, fmt.Errorf("recent spread stats: %w", err)
	}
	return summary, nil
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
