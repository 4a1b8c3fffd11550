package transaction

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/settleflow/internal/pagination"
)

// PostgresStore persists transactions and refunds in PostgreSQL.
// Transition uses SELECT ... FOR UPDATE so settlement and refund writers
// serialize on the row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, merchant_id, amount, currency, description, status, created_at, updated_at`

func scanTx(row interface{ Scan(...interface{}) error }) (*Transaction, error) {
	t := &Transaction{}
	err := row.Scan(&t.ID, &t.MerchantID, &t.Amount, &t.Currency,
		&t.Description, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.MerchantID, t.Amount, t.Currency, t.Description, t.Status, t.CreatedAt, t.UpdatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateID
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, merchantID, id string) (*Transaction, error) {
	return scanTx(p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM transactions WHERE id = $1 AND merchant_id = $2
	`, id, merchantID))
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*Transaction, error) {
	return scanTx(p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM transactions WHERE id = $1
	`, id))
}

func (p *PostgresStore) List(ctx context.Context, merchantID string, filter ListFilter, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE merchant_id = $1`
	args := []interface{}{merchantID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Currency != "" {
		args = append(args, filter.Currency)
		query += fmt.Sprintf(" AND currency = $%d", len(args))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}

	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []*Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (p *PostgresStore) Transition(ctx context.Context, id string, fn func(*Transaction) error) (*Transaction, error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dbTx.Rollback() }()

	t, err := scanTx(dbTx.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM transactions WHERE id = $1 FOR UPDATE
	`, id))
	if err != nil {
		return nil, err
	}

	if err := fn(t); err != nil {
		return nil, err
	}

	_, err = dbTx.ExecContext(ctx, `
		UPDATE transactions SET status = $2, updated_at = $3 WHERE id = $1
	`, t.ID, t.Status, t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) CreateRefund(ctx context.Context, r *Refund) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refunds (id, transaction_id, amount, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.ID, r.TransactionID, r.Amount, r.Reason, r.Status, r.CreatedAt)
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23505": // unique index on transaction_id enforces one refund
			return ErrAlreadyRefunded
		case "23503":
			return ErrNotFound
		}
	}
	return err
}

func (p *PostgresStore) GetRefund(ctx context.Context, merchantID, refundID string) (*Refund, error) {
	r := &Refund{}
	err := p.db.QueryRowContext(ctx, `
		SELECT r.id, r.transaction_id, r.amount, r.reason, r.status, r.created_at
		FROM refunds r
		JOIN transactions t ON t.id = r.transaction_id
		WHERE r.id = $1 AND t.merchant_id = $2
	`, refundID, merchantID).Scan(&r.ID, &r.TransactionID, &r.Amount, &r.Reason, &r.Status, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}
