package merchant

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists merchants and keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed merchant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateMerchant(ctx context.Context, m *Merchant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO merchants (id, email, name, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.Email, m.Name, m.PasswordHash, m.CreatedAt)
	return err
}

func (p *PostgresStore) GetMerchant(ctx context.Context, id string) (*Merchant, error) {
	return p.scanMerchant(p.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, created_at
		FROM merchants WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetMerchantByEmail(ctx context.Context, email string) (*Merchant, error) {
	return p.scanMerchant(p.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, created_at
		FROM merchants WHERE email = $1
	`, email))
}

func (p *PostgresStore) scanMerchant(row *sql.Row) (*Merchant, error) {
	m := &Merchant{}
	err := row.Scan(&m.ID, &m.Email, &m.Name, &m.PasswordHash, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrMerchantNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (p *PostgresStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, merchant_id, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5)
	`, key.ID, key.Hash, key.MerchantID, key.CreatedAt, key.Revoked)
	return err
}

func (p *PostgresStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	key := &APIKey{}
	var lastUsed sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, hash, merchant_id, created_at, last_used, revoked
		FROM api_keys WHERE hash = $1 AND revoked = FALSE
	`, hash).Scan(&key.ID, &key.Hash, &key.MerchantID, &key.CreatedAt, &lastUsed, &key.Revoked)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	return key, nil
}

func (p *PostgresStore) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1 WHERE id = $2
	`, usedAt, id)
	return err
}

func (p *PostgresStore) CreatePaymentKey(ctx context.Context, key *PaymentKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_keys (id, merchant_id, key, active, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, key.ID, key.MerchantID, key.Key, key.Active, key.CreatedAt)
	return err
}

func (p *PostgresStore) GetPaymentKey(ctx context.Context, rawKey string) (*PaymentKey, error) {
	key := &PaymentKey{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, merchant_id, key, active, created_at
		FROM payment_keys WHERE key = $1
	`, rawKey).Scan(&key.ID, &key.MerchantID, &key.Key, &key.Active, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentKeyInvalid
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (p *PostgresStore) ListPaymentKeys(ctx context.Context, merchantID string) ([]*PaymentKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, merchant_id, key, active, created_at
		FROM payment_keys WHERE merchant_id = $1 ORDER BY created_at DESC
	`, merchantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*PaymentKey
	for rows.Next() {
		key := &PaymentKey{}
		if err := rows.Scan(&key.ID, &key.MerchantID, &key.Key, &key.Active, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (p *PostgresStore) DeactivatePaymentKey(ctx context.Context, merchantID, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_keys SET active = FALSE WHERE id = $1 AND merchant_id = $2
	`, id, merchantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPaymentKeyInvalid
	}
	return nil
}
