package relayq

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	istore "github.com/relayq/relayq-go/internal/store"
)

// PostgresStore keeps execution records in the relational store instead of
// Redis, for deployments that want task status co-located with durable
// business data. The broker stays on Redis either way; only the record
// store is swapped. Expired-record cleanup relies on the finished_at bound
// in queries plus the periodic purge, since Postgres has no per-row TTL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a record store over a pgx connection pool.
// Call InitSchema once at deployment time to create the table.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InitSchema creates the execution record table if it does not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS relayq_executions (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL DEFAULT '',
			queue        TEXT NOT NULL DEFAULT '',
			state        TEXT NOT NULL,
			result       BYTEA,
			err_kind     TEXT NOT NULL DEFAULT '',
			err_msg      TEXT NOT NULL DEFAULT '',
			retries_done INT NOT NULL DEFAULT 0,
			created_at   BIGINT NOT NULL DEFAULT 0,
			started_at   BIGINT NOT NULL DEFAULT 0,
			finished_at  BIGINT NOT NULL DEFAULT 0,
			expires_at   BIGINT NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("relayq: create executions table: %w", err)
	}
	return nil
}

// PurgeExpired removes terminal records past their retention. Run it
// periodically; it replaces the Redis key TTL.
func (s *PostgresStore) PurgeExpired(ctx context.Context, nowMs int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM relayq_executions WHERE expires_at > 0 AND expires_at <= $1`, nowMs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) InitPending(ctx context.Context, r *istore.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relayq_executions (id, name, queue, state, created_at, retries_done)
		VALUES ($1, $2, $3, 'PENDING', $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			state = 'PENDING', name = $2, queue = $3, created_at = $4,
			retries_done = $5, result = NULL, err_kind = '', err_msg = '',
			started_at = 0, finished_at = 0, expires_at = 0`,
		r.ID, r.Name, r.Queue, r.CreatedAt, r.RetriesDone)
	return err
}

func (s *PostgresStore) Claim(ctx context.Context, id string, startedAtMs int64) (string, bool, error) {
	// Mirrors the Redis claim script: any non-terminal (or missing) record
	// is claimable; only a terminal record blocks re-execution. The loop
	// settles the missing-vs-created race without advisory locks.
	for i := 0; i < 3; i++ {
		tag, err := s.pool.Exec(ctx, `
			UPDATE relayq_executions
			SET state = 'STARTED', started_at = $2
			WHERE id = $1 AND state NOT IN ('SUCCESS', 'FAILURE', 'REVOKED')`,
			id, startedAtMs)
		if err != nil {
			return "", false, err
		}
		if tag.RowsAffected() == 1 {
			return "", true, nil
		}

		var prev string
		err = s.pool.QueryRow(ctx,
			`SELECT state FROM relayq_executions WHERE id = $1`, id).Scan(&prev)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// Record expired or was never written; claim by creating it.
			tag, ierr := s.pool.Exec(ctx, `
				INSERT INTO relayq_executions (id, state, started_at)
				VALUES ($1, 'STARTED', $2)
				ON CONFLICT (id) DO NOTHING`,
				id, startedAtMs)
			if ierr != nil {
				return "", false, ierr
			}
			if tag.RowsAffected() == 1 {
				return "", true, nil
			}
			// Lost the insert race; re-examine the winner's state.
		case err != nil:
			return "", false, err
		case prev == "SUCCESS" || prev == "FAILURE" || prev == "REVOKED":
			return prev, false, nil
		default:
			// Became non-terminal between statements; try the update again.
		}
	}
	return "", false, fmt.Errorf("relayq: claim contention on %s", id)
}

func (s *PostgresStore) MarkRetry(ctx context.Context, id string, retriesDone int, errKind, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE relayq_executions
		SET state = 'RETRY', retries_done = $2, err_kind = $3, err_msg = $4
		WHERE id = $1`,
		id, retriesDone, errKind, errMsg)
	return err
}

func (s *PostgresStore) MarkSuccess(ctx context.Context, id string, result []byte, finishedAtMs, ttlSec int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE relayq_executions
		SET state = 'SUCCESS', result = $2, finished_at = $3,
			err_kind = '', err_msg = '', expires_at = $4
		WHERE id = $1`,
		id, result, finishedAtMs, expiresAt(finishedAtMs, ttlSec))
	return err
}

func (s *PostgresStore) MarkFailure(ctx context.Context, id string, errKind, errMsg string, retriesDone int, finishedAtMs, ttlSec int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE relayq_executions
		SET state = 'FAILURE', err_kind = $2, err_msg = $3,
			retries_done = $4, finished_at = $5, expires_at = $6
		WHERE id = $1`,
		id, errKind, errMsg, retriesDone, finishedAtMs, expiresAt(finishedAtMs, ttlSec))
	return err
}

func (s *PostgresStore) Revoke(ctx context.Context, id string, finishedAtMs, ttlSec int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE relayq_executions
		SET state = 'REVOKED', finished_at = $2, expires_at = $3
		WHERE id = $1 AND state = 'PENDING'`,
		id, finishedAtMs, expiresAt(finishedAtMs, ttlSec))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*istore.Record, error) {
	r := &istore.Record{ID: id}
	err := s.pool.QueryRow(ctx, `
		SELECT name, queue, state, result, err_kind, err_msg,
			retries_done, created_at, started_at, finished_at
		FROM relayq_executions WHERE id = $1`,
		id).Scan(&r.Name, &r.Queue, &r.State, &r.Result, &r.ErrKind, &r.ErrMsg,
		&r.RetriesDone, &r.CreatedAt, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, istore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM relayq_executions WHERE id = $1`, id)
	return err
}

func expiresAt(finishedAtMs, ttlSec int64) int64 {
	if ttlSec <= 0 {
		return 0
	}
	return finishedAtMs + ttlSec*1000
}
