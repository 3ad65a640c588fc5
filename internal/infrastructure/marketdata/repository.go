package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domain "optcore/internal/domain/entity/marketdata"
	"optcore/internal/domain/interfaces"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the archive tables.
const Schema = `
CREATE TABLE IF NOT EXISTS candles (
	symbol           TEXT             NOT NULL,
	interval_seconds BIGINT           NOT NULL,
	period_start     TIMESTAMPTZ      NOT NULL,
	open             DOUBLE PRECISION NOT NULL,
	high             DOUBLE PRECISION NOT NULL,
	low              DOUBLE PRECISION NOT NULL,
	close            DOUBLE PRECISION NOT NULL,
	volume           BIGINT           NOT NULL DEFAULT 0,
	PRIMARY KEY (symbol, interval_seconds, period_start)
);
CREATE TABLE IF NOT EXISTS vix_ticks (
	observed_at TIMESTAMPTZ      NOT NULL,
	value       DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS vix_ticks_observed_idx ON vix_ticks (observed_at DESC);
CREATE TABLE IF NOT EXISTS depth_snapshots (
	symbol      TEXT        NOT NULL,
	snapshot_at TIMESTAMPTZ NOT NULL,
	bids        JSONB       NOT NULL,
	asks        JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS depth_snapshots_symbol_idx ON depth_snapshots (symbol, snapshot_at DESC);`

var candleColumns = []string{"symbol", "interval_seconds", "period_start", "open", "high", "low", "close", "volume"}

type Repository struct {
	pool *pgxpool.Pool
}

var _ interfaces.MarketDataArchive = (*Repository)(nil)

func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return &Repository{pool: pool}, nil
}

func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Candles

// AddCandles bulk-loads through a staging table so replays of bars already
// archived are skipped instead of failing the COPY.
func (r *Repository) AddCandles(ctx context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(candles))
	for _, c := range candles {
		rows = append(rows, []interface{}{
			c.Symbol,
			c.IntervalSeconds,
			c.PeriodStart.UTC(),
			c.Open,
			c.High,
			c.Low,
			c.Close,
			c.Volume,
		})
	}
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `CREATE TEMP TABLE candles_stage (LIKE candles INCLUDING DEFAULTS) ON COMMIT DROP`); err != nil {
			return fmt.Errorf("create staging table: %w", err)
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"candles_stage"}, candleColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy candles: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO candles SELECT * FROM candles_stage
			ON CONFLICT (symbol, interval_seconds, period_start) DO NOTHING`)
		return err
	})
}

func (r *Repository) CandlesBetween(ctx context.Context, symbol string, intervalSeconds int64, from, to time.Time) ([]domain.Candle, error) {
	const query = `
		SELECT symbol, interval_seconds, period_start, open, high, low, close, volume
		FROM candles
		WHERE symbol=$1
		  AND interval_seconds=$2
		  AND period_start >= $3
		  AND period_start <= $4
		ORDER BY period_start ASC`
	rows, err := r.pool.Query(ctx, query, symbol, intervalSeconds, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCandles(rows)
}

func (r *Repository) LastCandles(ctx context.Context, symbol string, intervalSeconds int64, limit int) ([]domain.Candle, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	const query = `
		SELECT * FROM (
			SELECT symbol, interval_seconds, period_start, open, high, low, close, volume
			FROM candles
			WHERE symbol=$1 AND interval_seconds=$2
			ORDER BY period_start DESC
			LIMIT $3
		) recent
		ORDER BY period_start ASC`
	rows, err := r.pool.Query(ctx, query, symbol, intervalSeconds, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCandles(rows)
}

func collectCandles(rows pgx.Rows) ([]domain.Candle, error) {
	var candles []domain.Candle
	for rows.Next() {
		var c domain.Candle
		if err := rows.Scan(&c.Symbol, &c.IntervalSeconds, &c.PeriodStart, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// VIX

func (r *Repository) AddVIXTicks(ctx context.Context, ticks []domain.VIXTick) error {
	if len(ticks) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(ticks))
	for _, t := range ticks {
		rows = append(rows, []interface{}{t.At.UTC(), t.Value})
	}
	_, err := r.pool.CopyFrom(ctx, pgx.Identifier{"vix_ticks"}, []string{"observed_at", "value"}, pgx.CopyFromRows(rows))
	return err
}

func (r *Repository) LastVIX(ctx context.Context) (*domain.VIXTick, error) {
	tick := &domain.VIXTick{}
	err := r.pool.QueryRow(ctx, `SELECT observed_at, value FROM vix_ticks ORDER BY observed_at DESC LIMIT 1`).
		Scan(&tick.At, &tick.Value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("vix: %w", interfaces.ErrNotFound)
		}
		return nil, err
	}
	return tick, nil
}

// Depth snapshots

func (r *Repository) AddDepthSnapshots(ctx context.Context, snapshots []domain.DepthSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(snapshots))
	for _, s := range snapshots {
		bids, err := marshalJSON(s.Bids)
		if err != nil {
			return err
		}
		asks, err := marshalJSON(s.Asks)
		if err != nil {
			return err
		}
		rows = append(rows, []interface{}{s.Symbol, s.At.UTC(), bids, asks})
	}
	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"depth_snapshots"},
		[]string{"symbol", "snapshot_at", "bids", "asks"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (r *Repository) withTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return data, nil
}
