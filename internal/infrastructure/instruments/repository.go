package instruments

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "optcore/internal/domain/entity/instruments"
	"optcore/internal/domain/interfaces"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the contract catalog.
const Schema = `
CREATE TABLE IF NOT EXISTS instruments (
	uid         UUID PRIMARY KEY,
	symbol      TEXT UNIQUE NOT NULL,
	underlying  TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	option_type TEXT NOT NULL DEFAULT '',
	strike      DOUBLE PRECISION NOT NULL DEFAULT 0,
	expiry      TIMESTAMPTZ,
	lot_size    BIGINT NOT NULL CHECK (lot_size > 0),
	tick_size   DOUBLE PRECISION NOT NULL DEFAULT 0,
	exchange    TEXT NOT NULL DEFAULT '',
	sector      TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS instruments_underlying_idx ON instruments (underlying);`

const contractColumns = `uid, symbol, underlying, kind, option_type, strike, expiry, lot_size, tick_size, exchange, sector, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

var _ interfaces.InstrumentsRepository = (*Repository)(nil)

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

func (r *Repository) Upsert(ctx context.Context, contract *domain.Contract) error {
	return r.upsertWith(ctx, r.pool, contract)
}

// UpsertMany writes a catalog refresh atomically.
func (r *Repository) UpsertMany(ctx context.Context, contracts []domain.Contract) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		for i := range contracts {
			if err := r.upsertWith(ctx, tx, &contracts[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) Get(ctx context.Context, symbol string) (*domain.Contract, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM instruments WHERE symbol = $1`, symbol)
	contract := &domain.Contract{}
	if err := scanContractInto(row, contract); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("instrument %s: %w", symbol, interfaces.ErrNotFound)
		}
		return nil, err
	}
	return contract, nil
}

func (r *Repository) ListByUnderlying(ctx context.Context, underlying string) ([]domain.Contract, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+contractColumns+` FROM instruments WHERE underlying = $1 OR symbol = $1 ORDER BY expiry NULLS FIRST, strike, symbol`,
		underlying)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Contract
	for rows.Next() {
		var c domain.Contract
		if err := scanContractInto(rows, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) Delete(ctx context.Context, symbol string) error {
	return r.deleteWith(ctx, r.pool, symbol)
}

func scanContractInto(row pgx.Row, c *domain.Contract) error {
	var kind, optionType string
	var expiry *time.Time
	if err := row.Scan(
		&c.UID,
		&c.Symbol,
		&c.Underlying,
		&kind,
		&optionType,
		&c.Strike,
		&expiry,
		&c.LotSize,
		&c.TickSize,
		&c.Exchange,
		&c.Sector,
		&c.UpdatedAt,
	); err != nil {
		return err
	}
	c.Kind = domain.Kind(kind)
	c.OptionType = domain.OptionType(optionType)
	c.Expiry = expiry
	return nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type commandTagExecutor interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
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

func (r *Repository) upsertWith(ctx context.Context, runner queryRower, contract *domain.Contract) error {
	if contract == nil {
		return errors.New("contract is nil")
	}
	if err := contract.Validate(); err != nil {
		return err
	}
	if contract.UID == uuid.Nil {
		contract.UID = uuid.New()
	}
	contract.UpdatedAt = time.Now().UTC()

	const query = `
		INSERT INTO instruments (` + contractColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (symbol) DO UPDATE SET
			underlying = EXCLUDED.underlying,
			kind = EXCLUDED.kind,
			option_type = EXCLUDED.option_type,
			strike = EXCLUDED.strike,
			expiry = EXCLUDED.expiry,
			lot_size = EXCLUDED.lot_size,
			tick_size = EXCLUDED.tick_size,
			exchange = EXCLUDED.exchange,
			sector = EXCLUDED.sector,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + contractColumns

	row := runner.QueryRow(ctx, query,
		contract.UID,
		contract.Symbol,
		contract.Underlying,
		string(contract.Kind),
		string(contract.OptionType),
		contract.Strike,
		contract.Expiry,
		contract.LotSize,
		contract.TickSize,
		contract.Exchange,
		contract.Sector,
		contract.UpdatedAt,
	)
	return scanContractInto(row, contract)
}

func (r *Repository) deleteWith(ctx context.Context, runner commandTagExecutor, symbol string) error {
	tag, err := runner.Exec(ctx, `DELETE FROM instruments WHERE symbol = $1`, symbol)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instrument %s: %w", symbol, interfaces.ErrNotFound)
	}
	return nil
}
