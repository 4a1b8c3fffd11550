// Package transaction implements payment transactions and refunds.
//
// Lifecycle:
//
//	pending --settlement--> succeeded | failed   (terminal, never leaves)
//	succeeded --refund--> at most one refund, amount <= transaction amount
//
// All status changes go through Store.Transition, which holds an exclusive
// row lock for the read-check-write sequence.
package transaction

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/settleflow/internal/pagination"
	"github.com/mbd888/settleflow/internal/syncutil"
)

// Status is a transaction's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Errors
var (
	ErrNotFound        = errors.New("transaction not found")
	ErrRefundNotFound  = errors.New("refund not found")
	ErrAlreadyRefunded = errors.New("transaction already refunded")
	ErrNotRefundable   = errors.New("only succeeded transactions can be refunded")
	ErrDuplicateID     = errors.New("duplicate transaction ID")
)

// Transaction is one merchant payment. Amount is a decimal string with at
// most two fractional digits; it is never parsed into floats.
type Transaction struct {
	ID          string    `json:"id"`
	MerchantID  string    `json:"-"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Refund is a full or partial return against a succeeded transaction.
// At most one refund exists per transaction, and it is immutable.
type Refund struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	Amount        string    `json:"amount"`
	Reason        string    `json:"reason"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListFilter narrows List results.
type ListFilter struct {
	Status   string
	Currency string
}

// Store persists transactions and refunds.
//
// Transition loads the row under an exclusive lock, applies fn to it and
// commits the result. fn returning an error aborts without writing.
// Get and GetRefund are merchant-scoped; GetByID is not, for internal
// consumers (settlement, webhook fan-out).
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, merchantID, id string) (*Transaction, error)
	GetByID(ctx context.Context, id string) (*Transaction, error)
	List(ctx context.Context, merchantID string, filter ListFilter, cursor *pagination.Cursor, limit int) ([]*Transaction, error)
	Transition(ctx context.Context, id string, fn func(*Transaction) error) (*Transaction, error)

	CreateRefund(ctx context.Context, r *Refund) error
	GetRefund(ctx context.Context, merchantID, refundID string) (*Refund, error)
}

// AmountCents parses a validated decimal amount string into cents.
func AmountCents(s string) (int64, bool) {
	parts := strings.SplitN(s, ".", 2)
	whole, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || whole < 0 {
		return 0, false
	}
	cents := whole * 100
	if len(parts) == 2 {
		frac := parts[1]
		if len(frac) == 0 || len(frac) > 2 {
			return 0, false
		}
		if len(frac) == 1 {
			frac += "0"
		}
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, false
		}
		cents += f
	}
	return cents, true
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]*Transaction
	byMerchant map[string][]string
	refunds    map[string]*Refund
	refundByTx map[string]string

	rows syncutil.ShardedMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*Transaction),
		byMerchant: make(map[string][]string),
		refunds:    make(map[string]*Refund),
		refundByTx: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[t.ID]; ok {
		return ErrDuplicateID
	}
	cp := *t
	s.byID[t.ID] = &cp
	s.byMerchant[t.MerchantID] = append(s.byMerchant[t.MerchantID], t.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, merchantID, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok || t.MerchantID != merchantID {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, merchantID string, filter ListFilter, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*Transaction
	for _, id := range s.byMerchant[merchantID] {
		t := s.byID[id]
		if filter.Status != "" && string(t.Status) != filter.Status {
			continue
		}
		if filter.Currency != "" && t.Currency != filter.Currency {
			continue
		}
		cp := *t
		items = append(items, &cp)
	}

	// Newest first, ID as tiebreaker for a stable cursor order.
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})

	if cursor != nil {
		for i, t := range items {
			if t.CreatedAt.Before(cursor.CreatedAt) ||
				(t.CreatedAt.Equal(cursor.CreatedAt) && t.ID < cursor.ID) {
				items = items[i:]
				break
			}
			if i == len(items)-1 {
				items = nil
			}
		}
	}

	if len(items) > limit+1 {
		items = items[:limit+1]
	}
	return items, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, fn func(*Transaction) error) (*Transaction, error) {
	unlock := s.rows.Lock(id)
	defer unlock()

	s.mu.RLock()
	t, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	cp := *t
	if err := fn(&cp); err != nil {
		return nil, err
	}

	s.mu.Lock()
	committed := cp
	s.byID[id] = &committed
	s.mu.Unlock()

	result := cp
	return &result, nil
}

func (s *MemoryStore) CreateRefund(ctx context.Context, r *Refund) error {
	unlock := s.rows.Lock(r.TransactionID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.TransactionID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.refundByTx[r.TransactionID]; ok {
		return ErrAlreadyRefunded
	}
	cp := *r
	s.refunds[r.ID] = &cp
	s.refundByTx[r.TransactionID] = r.ID
	return nil
}

func (s *MemoryStore) GetRefund(ctx context.Context, merchantID, refundID string) (*Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.refunds[refundID]
	if !ok {
		return nil, ErrRefundNotFound
	}
	t, ok := s.byID[r.TransactionID]
	if !ok || t.MerchantID != merchantID {
		return nil, ErrRefundNotFound
	}
	cp := *r
	return &cp, nil
}
