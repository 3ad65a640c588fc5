package positions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"optcore/internal/domain/entity/position"
	"optcore/internal/domain/interfaces"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Schema creates the positions table and its single version row.
const Schema = `
CREATE TABLE IF NOT EXISTS positions (
	position_key TEXT PRIMARY KEY,
	instrument   TEXT        NOT NULL,
	strategy_id  TEXT        NOT NULL,
	data         JSONB       NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS position_book_version (
	id      SMALLINT PRIMARY KEY CHECK (id = 1),
	version BIGINT   NOT NULL DEFAULT 0
);
INSERT INTO position_book_version (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;
CREATE TABLE IF NOT EXISTS position_daily_pnl (
	trading_day DATE        PRIMARY KEY,
	realized    NUMERIC     NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`

const setVersionQuery = `UPDATE position_book_version SET version = GREATEST(version, $1) WHERE id = 1`

const setRealizedQuery = `
	INSERT INTO position_daily_pnl (trading_day, realized, updated_at)
	VALUES ($1::date, $2::numeric, now())
	ON CONFLICT (trading_day) DO UPDATE SET
		realized = EXCLUDED.realized,
		updated_at = EXCLUDED.updated_at`

// PostgresStore persists the position book as one JSONB row per key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ interfaces.PositionStore = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (r *PostgresStore) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

const upsertPositionQuery = `
	INSERT INTO positions (position_key, instrument, strategy_id, data, updated_at)
	VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (position_key) DO UPDATE SET
		data = EXCLUDED.data,
		updated_at = EXCLUDED.updated_at`

func (r *PostgresStore) Upsert(ctx context.Context, pos position.Position, version int64) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position %s: %w", pos.Key(), err)
	}
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertPositionQuery, pos.Key(), pos.Instrument, pos.StrategyID, data, time.Now().UTC()); err != nil {
			return fmt.Errorf("upsert position %s: %w", pos.Key(), err)
		}
		_, err := tx.Exec(ctx, setVersionQuery, version)
		return err
	})
}

func (r *PostgresStore) Delete(ctx context.Context, key string, version int64, realized position.DailyPnL) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE position_key = $1`, key); err != nil {
			return fmt.Errorf("delete position %s: %w", key, err)
		}
		if err := setRealized(ctx, tx, realized); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, setVersionQuery, version)
		return err
	})
}

// ReplaceAll rewrites the table in one transaction.
func (r *PostgresStore) ReplaceAll(ctx context.Context, positions map[string]position.Position, version int64, realized position.DailyPnL) error {
	now := time.Now().UTC()
	rows := make([][]interface{}, 0, len(positions))
	for key, pos := range positions {
		data, err := json.Marshal(pos)
		if err != nil {
			return fmt.Errorf("marshal position %s: %w", key, err)
		}
		rows = append(rows, []interface{}{key, pos.Instrument, pos.StrategyID, data, now})
	}
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM positions`); err != nil {
			return fmt.Errorf("clear positions: %w", err)
		}
		if len(rows) > 0 {
			_, err := tx.CopyFrom(
				ctx,
				pgx.Identifier{"positions"},
				[]string{"position_key", "instrument", "strategy_id", "data", "updated_at"},
				pgx.CopyFromRows(rows),
			)
			if err != nil {
				return fmt.Errorf("copy positions: %w", err)
			}
		}
		if err := setRealized(ctx, tx, realized); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, setVersionQuery, version)
		return err
	})
}

func (r *PostgresStore) LoadAll(ctx context.Context) (map[string]position.Position, int64, error) {
	var version int64
	err := r.pool.QueryRow(ctx, `SELECT version FROM position_book_version WHERE id = 1`).Scan(&version)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("load book version: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT position_key, data FROM positions`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make(map[string]position.Position)
	for rows.Next() {
		var (
			key  string
			data []byte
			pos  position.Position
		)
		if err := rows.Scan(&key, &data); err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal(data, &pos); err != nil {
			return nil, 0, fmt.Errorf("decode position %s: %w", key, err)
		}
		out[key] = pos
	}
	return out, version, rows.Err()
}

// LoadRealized returns the realised P&L stored for day, zero if none.
func (r *PostgresStore) LoadRealized(ctx context.Context, day string) (decimal.Decimal, error) {
	var raw string
	err := r.pool.QueryRow(ctx, `SELECT realized::text FROM position_daily_pnl WHERE trading_day = $1::date`, day).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load realized pnl %s: %w", day, err)
	}
	return decimal.NewFromString(raw)
}

func setRealized(ctx context.Context, tx pgx.Tx, realized position.DailyPnL) error {
	if realized.Day == "" {
		return nil
	}
	if _, err := tx.Exec(ctx, setRealizedQuery, realized.Day, realized.Amount.String()); err != nil {
		return fmt.Errorf("store realized pnl %s: %w", realized.Day, err)
	}
	return nil
}

func (r *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
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
