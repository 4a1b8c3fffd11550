// Package webhook notifies merchant endpoints about settled transactions.
//
// Merchants register endpoint URLs; when a transaction reaches a terminal
// status, one delivery job per endpoint is fanned out. Deliveries are
// signed with the endpoint's secret and retried up to three attempts;
// endpoints fail independently of each other.
package webhook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Errors
var (
	ErrEndpointNotFound = errors.New("webhook endpoint not found")
)

// Endpoint is a merchant's registered webhook target. The signing secret
// is returned once at creation and never listed afterwards.
type Endpoint struct {
	ID         string    `json:"id"`
	MerchantID string    `json:"merchant_id"`
	URL        string    `json:"url"`
	Secret     string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists webhook endpoints.
type Store interface {
	Create(ctx context.Context, ep *Endpoint) error
	Get(ctx context.Context, id string) (*Endpoint, error)
	ListByMerchant(ctx context.Context, merchantID string) ([]*Endpoint, error)
	// Delete is merchant-scoped: another merchant's endpoint reads as absent.
	Delete(ctx context.Context, merchantID, id string) error
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{endpoints: make(map[string]*Endpoint)}
}

func (s *MemoryStore) Create(ctx context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ep
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, ErrEndpointNotFound
	}
	cp := *ep
	return &cp, nil
}

func (s *MemoryStore) ListByMerchant(ctx context.Context, merchantID string) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Endpoint
	for _, ep := range s.endpoints {
		if ep.MerchantID == merchantID {
			cp := *ep
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) Delete(ctx context.Context, merchantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok || ep.MerchantID != merchantID {
		return ErrEndpointNotFound
	}
	delete(s.endpoints, id)
	return nil
}
