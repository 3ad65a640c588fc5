package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"optcore/internal/domain/entity/command"
	"optcore/internal/domain/interfaces"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the command_queue table.
const Schema = `
CREATE TABLE IF NOT EXISTS command_queue (
	id              BIGSERIAL PRIMARY KEY,
	event_id        UUID        NOT NULL UNIQUE,
	correlation_id  TEXT        NOT NULL DEFAULT '',
	idempotency_key TEXT        NOT NULL UNIQUE,
	event_type      TEXT        NOT NULL,
	event_version   INTEGER     NOT NULL DEFAULT 1,
	source          TEXT        NOT NULL DEFAULT '',
	payload         JSONB       NOT NULL DEFAULT '{}'::jsonb,
	status          TEXT        NOT NULL DEFAULT 'PENDING',
	attempt_count   INTEGER     NOT NULL DEFAULT 0,
	defer_count     INTEGER     NOT NULL DEFAULT 0,
	max_attempts    INTEGER     NOT NULL DEFAULT 3,
	last_error      TEXT        NOT NULL DEFAULT '',
	error_class     TEXT        NOT NULL DEFAULT '',
	next_retry_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	owner_token     TEXT,
	lease_expires   TIMESTAMPTZ,
	broker_order_id TEXT        NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS command_queue_claim_idx ON command_queue (status, next_retry_at, id);
CREATE INDEX IF NOT EXISTS command_queue_lease_idx ON command_queue (status, lease_expires);`

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"

	maxTransientRetries = 3
)

const commandColumns = `
	id, event_id, correlation_id, idempotency_key, event_type, event_version, source,
	payload, status, attempt_count, defer_count, max_attempts, last_error, error_class,
	next_retry_at, owner_token, lease_expires, broker_order_id, created_at, updated_at, processed_at`

// PostgresStore is the durable CommandStore backed by the command_queue table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ interfaces.CommandStore = (*PostgresStore)(nil)

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

const insertCommandQuery = `
	INSERT INTO command_queue (
		event_id, correlation_id, idempotency_key, event_type, event_version, source,
		payload, status, max_attempts, next_retry_at, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
	RETURNING id`

func (r *PostgresStore) Insert(ctx context.Context, cmd *command.Command) (int64, error) {
	if cmd == nil {
		return 0, errors.New("command is nil")
	}
	var id int64
	err := r.pool.QueryRow(ctx, insertCommandQuery,
		cmd.EventID,
		cmd.CorrelationID,
		cmd.IdempotencyKey,
		cmd.EventType,
		cmd.EventVersion,
		cmd.Source,
		[]byte(cmd.Payload),
		string(command.StatusPending),
		cmd.MaxAttempts,
		cmd.NextRetryAt,
		cmd.CreatedAt,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, interfaces.ErrDuplicateKey
		}
		return 0, err
	}
	cmd.ID = id
	return id, nil
}

const claimCommandQuery = `
	UPDATE command_queue
	SET status = 'PROCESSING',
		owner_token = $1,
		lease_expires = $3,
		attempt_count = attempt_count + 1,
		updated_at = $2
	WHERE id = (
		SELECT id FROM command_queue
		WHERE status = 'PENDING' AND next_retry_at <= $2
		ORDER BY next_retry_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	) AND status = 'PENDING'`

// Claim issues one conditional update and then reads the row back by token to
// confirm this caller won it.
func (r *PostgresStore) Claim(ctx context.Context, token string, now time.Time, lease time.Duration) (*command.Command, error) {
	var tag pgconn.CommandTag
	err := retryTransient(ctx, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, claimCommandQuery, token, now, now.Add(lease))
		return execErr
	})
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}

	query := `SELECT ` + commandColumns + ` FROM command_queue WHERE owner_token = $1 AND status = 'PROCESSING'`
	cmd, err := scanCommand(r.pool.QueryRow(ctx, query, token))
	if errors.Is(err, pgx.ErrNoRows) {
		// Reclaimed between claim and read-back; treat as no work.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

func (r *PostgresStore) Get(ctx context.Context, id int64) (*command.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM command_queue WHERE id = $1`
	cmd, err := scanCommand(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

const transitionCommandQuery = `
	UPDATE command_queue
	SET status = $3::text,
		last_error = COALESCE($4::text, last_error),
		error_class = COALESCE($5::text, error_class),
		next_retry_at = COALESCE($6::timestamptz, next_retry_at),
		broker_order_id = COALESCE($7::text, broker_order_id),
		defer_count = defer_count + $8::integer,
		owner_token = NULL,
		lease_expires = NULL,
		updated_at = $9::timestamptz,
		processed_at = CASE WHEN $3::text IN ('DONE','FAILED','DEAD_LETTER') THEN $9::timestamptz ELSE processed_at END
	WHERE id = $1 AND owner_token = $2 AND status = 'PROCESSING'`

func (r *PostgresStore) Transition(ctx context.Context, id int64, token string, t command.Transition) (bool, error) {
	var class *string
	if t.ErrorClass != nil {
		c := string(*t.ErrorClass)
		class = &c
	}
	deferrals := 0
	if t.CountDeferral {
		deferrals = 1
	}
	var tag pgconn.CommandTag
	err := retryTransient(ctx, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, transitionCommandQuery,
			id,
			token,
			string(t.Status),
			t.LastError,
			class,
			t.NextRetryAt,
			t.BrokerOrderID,
			deferrals,
			t.At,
		)
		return execErr
	})
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]command.Command, error) {
	query := `SELECT ` + commandColumns + `
		FROM command_queue
		WHERE status = 'PROCESSING' AND lease_expires < $1
		ORDER BY id`
	return r.queryCommands(ctx, query, now)
}

const releaseCommandQuery = `
	UPDATE command_queue
	SET status = $3::text,
		last_error = $4,
		owner_token = NULL,
		lease_expires = NULL,
		next_retry_at = CASE WHEN $3::text = 'PENDING' THEN $5::timestamptz ELSE next_retry_at END,
		updated_at = $5::timestamptz,
		processed_at = CASE WHEN $3::text = 'DEAD_LETTER' THEN $5::timestamptz ELSE processed_at END
	WHERE id = $1 AND owner_token = $2 AND status = 'PROCESSING' AND lease_expires < $5::timestamptz`

func (r *PostgresStore) Release(ctx context.Context, id int64, staleToken string, status command.Status, reason string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, releaseCommandQuery, id, staleToken, string(status), reason, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const rejectAllQuery = `
	UPDATE command_queue
	SET status = 'FAILED',
		last_error = $1,
		owner_token = NULL,
		lease_expires = NULL,
		updated_at = $2,
		processed_at = $2
	WHERE status IN ('PENDING', 'PROCESSING')`

func (r *PostgresStore) RejectAll(ctx context.Context, reason string, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, rejectAllQuery, reason, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresStore) CountByStatus(ctx context.Context) (map[command.Status]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, count(*) FROM command_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[command.Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[command.Status(status)] = n
	}
	return out, rows.Err()
}

func (r *PostgresStore) ListByStatus(ctx context.Context, status command.Status, limit int) ([]command.Command, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	query := `SELECT ` + commandColumns + `
		FROM command_queue
		WHERE status = $1
		ORDER BY id
		LIMIT $2`
	return r.queryCommands(ctx, query, string(status), limit)
}

func (r *PostgresStore) queryCommands(ctx context.Context, query string, args ...interface{}) ([]command.Command, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []command.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

func scanCommand(row pgx.Row) (command.Command, error) {
	var (
		cmd        command.Command
		payload    []byte
		status     string
		errorClass string
		ownerToken *string
	)
	err := row.Scan(
		&cmd.ID,
		&cmd.EventID,
		&cmd.CorrelationID,
		&cmd.IdempotencyKey,
		&cmd.EventType,
		&cmd.EventVersion,
		&cmd.Source,
		&payload,
		&status,
		&cmd.AttemptCount,
		&cmd.DeferCount,
		&cmd.MaxAttempts,
		&cmd.LastError,
		&errorClass,
		&cmd.NextRetryAt,
		&ownerToken,
		&cmd.LeaseExpires,
		&cmd.BrokerOrderID,
		&cmd.CreatedAt,
		&cmd.UpdatedAt,
		&cmd.ProcessedAt,
	)
	if err != nil {
		return command.Command{}, err
	}
	cmd.Payload = payload
	cmd.Status = command.Status(status)
	cmd.ErrorClass = command.ErrorClass(errorClass)
	if ownerToken != nil {
		cmd.OwnerToken = *ownerToken
	}
	return cmd, nil
}

// retryTransient re-runs fn when Postgres reports lock contention, so callers
// never see it.
func retryTransient(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxTransientRetries; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return err
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	default:
		return false
	}
}
