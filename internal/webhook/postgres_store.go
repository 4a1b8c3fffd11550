package webhook

import (
	"context"
	"database/sql"
)

// PostgresStore persists webhook endpoints in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed endpoint store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, ep *Endpoint) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (id, merchant_id, url, secret, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ep.ID, ep.MerchantID, ep.URL, ep.Secret, ep.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Endpoint, error) {
	ep := &Endpoint{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, merchant_id, url, secret, created_at
		FROM webhook_endpoints WHERE id = $1
	`, id).Scan(&ep.ID, &ep.MerchantID, &ep.URL, &ep.Secret, &ep.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEndpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func (p *PostgresStore) ListByMerchant(ctx context.Context, merchantID string) ([]*Endpoint, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, merchant_id, url, secret, created_at
		FROM webhook_endpoints WHERE merchant_id = $1 ORDER BY created_at DESC
	`, merchantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var endpoints []*Endpoint
	for rows.Next() {
		ep := &Endpoint{}
		if err := rows.Scan(&ep.ID, &ep.MerchantID, &ep.URL, &ep.Secret, &ep.CreatedAt); err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, merchantID, id string) error {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM webhook_endpoints WHERE id = $1 AND merchant_id = $2
	`, id, merchantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEndpointNotFound
	}
	return nil
}
