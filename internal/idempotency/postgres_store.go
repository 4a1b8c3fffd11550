package idempotency

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists idempotency records in PostgreSQL. The unique
// primary key on (key) makes Claim atomic across processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed idempotency store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Claim(ctx context.Context, key, method, path string) (*Record, bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, method, path, response_status, created_at)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (key) DO NOTHING
	`, key, method, path, time.Now().UTC())
	if err != nil {
		return nil, false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		return &Record{Key: key, Method: method, Path: path, CreatedAt: time.Now().UTC()}, true, nil
	}

	// Lost the race or a record already existed; read it back.
	rec, err := p.get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

func (p *PostgresStore) get(ctx context.Context, key string) (*Record, error) {
	rec := &Record{}
	var body sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT key, method, path, response_status, response_body, created_at
		FROM idempotency_keys WHERE key = $1
	`, key).Scan(&rec.Key, &rec.Method, &rec.Path, &rec.ResponseStatus, &body, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if body.Valid {
		rec.ResponseBody = []byte(body.String)
	}
	return rec, nil
}

func (p *PostgresStore) Complete(ctx context.Context, key string, status int, body []byte) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET response_status = $2, response_body = $3
		WHERE key = $1 AND response_status = 0
	`, key, status, string(body))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyCompleted
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE key = $1 AND response_status = 0
	`, key)
	return err
}

func (p *PostgresStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE created_at < $1
	`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
