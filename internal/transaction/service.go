package transaction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/settleflow/internal/cache"
	"github.com/mbd888/settleflow/internal/idgen"
	"github.com/mbd888/settleflow/internal/jobs"
	"github.com/mbd888/settleflow/internal/logging"
	"github.com/mbd888/settleflow/internal/metrics"
	"github.com/mbd888/settleflow/internal/pagination"
	"github.com/mbd888/settleflow/internal/traces"
	"github.com/mbd888/settleflow/internal/validation"
)

// PaymentKeyValidator authorizes transaction creation.
type PaymentKeyValidator interface {
	ValidatePaymentKey(ctx context.Context, merchantID, rawKey string) error
}

// Enqueuer submits asynchronous work.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload []byte) error
}

// Service implements transaction creation, reads and refunds.
type Service struct {
	store    Store
	keys     PaymentKeyValidator
	queue    Enqueuer
	cache    cache.Cache
	cacheTTL time.Duration
}

// NewService creates a transaction service.
func NewService(store Store, keys PaymentKeyValidator, queue Enqueuer, c cache.Cache, cacheTTL time.Duration) *Service {
	return &Service{store: store, keys: keys, queue: queue, cache: c, cacheTTL: cacheTTL}
}

// CreateInput is the input for Create.
type CreateInput struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	PaymentKey  string `json:"payment_key"`
}

// Create validates the input, persists a pending transaction and enqueues
// its settlement. The response is the pending representation; the final
// status arrives asynchronously.
func (s *Service) Create(ctx context.Context, merchantID string, in CreateInput) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.create", traces.MerchantID(merchantID))
	defer span.End()

	errs := validation.Validate(
		validation.Required("amount", in.Amount),
		validation.ValidAmount("amount", in.Amount),
		validation.Required("currency", in.Currency),
		validation.ValidCurrency("currency", in.Currency),
		validation.MaxLength("description", in.Description, validation.MaxDescriptionLength),
		validation.Required("payment_key", in.PaymentKey),
	)
	if len(errs) == 0 {
		if err := s.keys.ValidatePaymentKey(ctx, merchantID, in.PaymentKey); err != nil {
			errs = append(errs, validation.ValidationError{Field: "payment_key", Message: "invalid or inactive payment key"})
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	now := time.Now().UTC()
	t := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		MerchantID:  merchantID,
		Amount:      in.Amount,
		Currency:    in.Currency,
		Description: validation.SanitizeString(in.Description, validation.MaxDescriptionLength),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	metrics.TransactionsTotal.WithLabelValues(string(StatusPending)).Inc()

	payload, _ := json.Marshal(jobs.SettlePayload{TransactionID: t.ID})
	if err := s.queue.Enqueue(ctx, jobs.TypeSettle, payload); err != nil {
		// The transaction stays pending until an operator intervenes.
		logging.L(ctx).Error("failed to enqueue settlement",
			"transaction_id", t.ID, "error", err)
	}

	s.cache.DeletePrefix(ctx, cache.MerchantListPrefix(merchantID))

	return t, nil
}

// cachedDetail wraps a transaction with its owner for scope checks on the
// cache read path (MerchantID is not part of the public JSON shape).
type cachedDetail struct {
	MerchantID  string       `json:"merchant_id"`
	Transaction *Transaction `json:"transaction"`
}

// Get returns a merchant's transaction, cache-first.
func (s *Service) Get(ctx context.Context, merchantID, id string) (*Transaction, error) {
	key := cache.DetailKey(id)
	if raw, ok := s.cache.Get(ctx, key); ok {
		var cached cachedDetail
		if json.Unmarshal(raw, &cached) == nil && cached.Transaction != nil {
			if cached.MerchantID != merchantID {
				return nil, ErrNotFound
			}
			return cached.Transaction, nil
		}
	}

	t, err := s.store.Get(ctx, merchantID, id)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(cachedDetail{MerchantID: t.MerchantID, Transaction: t}); err == nil {
		s.cache.Set(ctx, key, raw, s.cacheTTL)
	}
	return t, nil
}

// Page is one page of list results.
type Page struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"next_cursor,omitempty"`
	HasMore      bool           `json:"has_more"`
}

// List returns a merchant's transactions, newest first, cache-first.
func (s *Service) List(ctx context.Context, merchantID string, filter ListFilter, cursorStr string, limit int) (*Page, error) {
	cursor, err := pagination.Decode(cursorStr)
	if err != nil {
		return nil, validation.ValidationErrors{{Field: "cursor", Message: "invalid cursor"}}
	}

	key := cache.ListKey(merchantID, fmt.Sprintf("status=%s&currency=%s&cursor=%s&limit=%d",
		filter.Status, filter.Currency, cursorStr, limit))
	if raw, ok := s.cache.Get(ctx, key); ok {
		var page Page
		if json.Unmarshal(raw, &page) == nil {
			return &page, nil
		}
	}

	items, err := s.store.List(ctx, merchantID, filter, cursor, limit)
	if err != nil {
		return nil, err
	}

	trimmed, next, hasMore := pagination.ComputePage(items, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	if trimmed == nil {
		trimmed = []*Transaction{}
	}
	page := &Page{Transactions: trimmed, NextCursor: next, HasMore: hasMore}

	if raw, err := json.Marshal(page); err == nil {
		s.cache.Set(ctx, key, raw, s.cacheTTL)
	}
	return page, nil
}

// RefundInput is the input for Refund.
type RefundInput struct {
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
	Reason        string `json:"reason"`
}

// Refund creates the single allowed refund for a succeeded transaction.
func (s *Service) Refund(ctx context.Context, merchantID string, in RefundInput) (*Refund, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.refund",
		traces.MerchantID(merchantID), traces.TransactionID(in.TransactionID))
	defer span.End()

	errs := validation.Validate(
		validation.Required("transaction_id", in.TransactionID),
		validation.Required("amount", in.Amount),
		validation.ValidAmount("amount", in.Amount),
		validation.MaxLength("reason", in.Reason, validation.MaxDescriptionLength),
	)
	if len(errs) > 0 {
		return nil, errs
	}

	// Ownership first: another merchant's transaction reads as absent.
	t, err := s.store.Get(ctx, merchantID, in.TransactionID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusSucceeded {
		return nil, ErrNotRefundable
	}

	refundCents, ok := AmountCents(in.Amount)
	txCents, ok2 := AmountCents(t.Amount)
	if !ok || !ok2 || refundCents > txCents {
		return nil, validation.ValidationErrors{{Field: "amount", Message: "exceeds transaction amount"}}
	}

	r := &Refund{
		ID:            idgen.WithPrefix("rf_"),
		TransactionID: t.ID,
		Amount:        in.Amount,
		Reason:        validation.SanitizeString(in.Reason, validation.MaxDescriptionLength),
		Status:        "succeeded",
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateRefund(ctx, r); err != nil {
		return nil, err
	}
	metrics.RefundsTotal.Inc()

	s.cache.Delete(ctx, cache.DetailKey(t.ID))
	s.cache.DeletePrefix(ctx, cache.MerchantListPrefix(merchantID))

	return r, nil
}

// GetRefund returns a merchant's refund.
func (s *Service) GetRefund(ctx context.Context, merchantID, refundID string) (*Refund, error) {
	return s.store.GetRefund(ctx, merchantID, refundID)
}
