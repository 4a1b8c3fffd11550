// Package merchant provides merchant accounts and API authentication.
//
// Authentication model:
// - Merchants register with email + password and receive an API key
// - API keys (sk_...) authenticate management calls; only a SHA256 hash is stored
// - Payment keys (pk_...) authorize transaction creation and can be
//   deactivated without rotating the merchant's API key
package merchant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mbd888/settleflow/internal/idgen"
)

// Errors
var (
	ErrNoAPIKey          = errors.New("API key required")
	ErrInvalidAPIKey     = errors.New("invalid or revoked API key")
	ErrEmailTaken        = errors.New("email already registered")
	ErrBadCredentials    = errors.New("invalid email or password")
	ErrMerchantNotFound  = errors.New("merchant not found")
	ErrPaymentKeyInvalid = errors.New("invalid or inactive payment key")
)

// Merchant is a registered account that owns transactions.
type Merchant struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// APIKey authenticates a merchant. Only the hash is persisted; the raw
// sk_ key is shown once at issue time.
type APIKey struct {
	ID         string    `json:"id"`
	Hash       string    `json:"-"`
	MerchantID string    `json:"merchant_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsed   time.Time `json:"last_used,omitempty"`
	Revoked    bool      `json:"revoked"`
}

// PaymentKey authorizes transaction creation for a merchant.
type PaymentKey struct {
	ID         string    `json:"id"`
	MerchantID string    `json:"merchant_id"`
	Key        string    `json:"key"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists merchants and their keys.
type Store interface {
	CreateMerchant(ctx context.Context, m *Merchant) error
	GetMerchant(ctx context.Context, id string) (*Merchant, error)
	GetMerchantByEmail(ctx context.Context, email string) (*Merchant, error)

	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error

	CreatePaymentKey(ctx context.Context, key *PaymentKey) error
	GetPaymentKey(ctx context.Context, rawKey string) (*PaymentKey, error)
	ListPaymentKeys(ctx context.Context, merchantID string) ([]*PaymentKey, error)
	DeactivatePaymentKey(ctx context.Context, merchantID, id string) error
}

// Service handles registration, login and key validation.
type Service struct {
	store Store
}

// NewService creates a merchant service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register creates a merchant account and issues its first API key.
// The raw key is returned once and never stored.
func (s *Service) Register(ctx context.Context, email, name, password string) (*Merchant, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if existing, err := s.store.GetMerchantByEmail(ctx, email); err == nil && existing != nil {
		return nil, "", ErrEmailTaken
	}

	pwHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	m := &Merchant{
		ID:           idgen.WithPrefix("mch_"),
		Email:        email,
		Name:         name,
		PasswordHash: string(pwHash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateMerchant(ctx, m); err != nil {
		return nil, "", err
	}

	rawKey, err := s.issueAPIKey(ctx, m.ID)
	if err != nil {
		return nil, "", err
	}
	return m, rawKey, nil
}

// Login verifies credentials and issues a fresh API key.
func (s *Service) Login(ctx context.Context, email, password string) (*Merchant, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	m, err := s.store.GetMerchantByEmail(ctx, email)
	if err != nil {
		return nil, "", ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(m.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrBadCredentials
	}

	rawKey, err := s.issueAPIKey(ctx, m.ID)
	if err != nil {
		return nil, "", err
	}
	return m, rawKey, nil
}

func (s *Service) issueAPIKey(ctx context.Context, merchantID string) (string, error) {
	rawKey := "sk_" + idgen.Hex(32)
	key := &APIKey{
		ID:         idgen.WithPrefix("ak_"),
		Hash:       hashKey(rawKey),
		MerchantID: merchantID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return "", err
	}
	return rawKey, nil
}

// ValidateKey resolves a raw sk_ key to its merchant.
func (s *Service) ValidateKey(ctx context.Context, rawKey string) (*Merchant, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := s.store.GetAPIKeyByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	m, err := s.store.GetMerchant(ctx, key.MerchantID)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	// Fire and forget; last_used is advisory.
	go func() {
		_ = s.store.TouchAPIKey(context.Background(), key.ID, time.Now().UTC())
	}()

	return m, nil
}

// CreatePaymentKey issues a new active pk_ key for a merchant.
func (s *Service) CreatePaymentKey(ctx context.Context, merchantID string) (*PaymentKey, error) {
	key := &PaymentKey{
		ID:         idgen.WithPrefix("pmk_"),
		MerchantID: merchantID,
		Key:        "pk_" + idgen.Hex(16),
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreatePaymentKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ListPaymentKeys returns a merchant's payment keys, newest first.
func (s *Service) ListPaymentKeys(ctx context.Context, merchantID string) ([]*PaymentKey, error) {
	return s.store.ListPaymentKeys(ctx, merchantID)
}

// DeactivatePaymentKey marks a payment key inactive.
func (s *Service) DeactivatePaymentKey(ctx context.Context, merchantID, id string) error {
	return s.store.DeactivatePaymentKey(ctx, merchantID, id)
}

// ValidatePaymentKey checks a raw pk_ key: it must exist, be active and
// belong to the given merchant. A key owned by another merchant reports
// the same error as an unknown key.
func (s *Service) ValidatePaymentKey(ctx context.Context, merchantID, rawKey string) error {
	if !strings.HasPrefix(rawKey, "pk_") {
		return ErrPaymentKeyInvalid
	}
	key, err := s.store.GetPaymentKey(ctx, rawKey)
	if err != nil {
		return ErrPaymentKeyInvalid
	}
	if !key.Active || key.MerchantID != merchantID {
		return ErrPaymentKeyInvalid
	}
	return nil
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu          sync.RWMutex
	merchants   map[string]*Merchant
	byEmail     map[string]string
	apiKeys     map[string]*APIKey // by ID
	byHash      map[string]string
	paymentKeys map[string]*PaymentKey // by ID
	byRawKey    map[string]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		merchants:   make(map[string]*Merchant),
		byEmail:     make(map[string]string),
		apiKeys:     make(map[string]*APIKey),
		byHash:      make(map[string]string),
		paymentKeys: make(map[string]*PaymentKey),
		byRawKey:    make(map[string]string),
	}
}

func (s *MemoryStore) CreateMerchant(ctx context.Context, m *Merchant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[m.Email]; ok {
		return ErrEmailTaken
	}
	cp := *m
	s.merchants[m.ID] = &cp
	s.byEmail[m.Email] = m.ID
	return nil
}

func (s *MemoryStore) GetMerchant(ctx context.Context, id string) (*Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.merchants[id]
	if !ok {
		return nil, ErrMerchantNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMerchantByEmail(ctx context.Context, email string) (*Merchant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, ErrMerchantNotFound
	}
	cp := *s.merchants[id]
	return &cp, nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.apiKeys[key.ID] = &cp
	s.byHash[key.Hash] = key.ID
	return nil
}

func (s *MemoryStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	cp := *s.apiKeys[id]
	return &cp, nil
}

func (s *MemoryStore) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.apiKeys[id]; ok {
		key.LastUsed = usedAt
	}
	return nil
}

func (s *MemoryStore) CreatePaymentKey(ctx context.Context, key *PaymentKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.paymentKeys[key.ID] = &cp
	s.byRawKey[key.Key] = key.ID
	return nil
}

func (s *MemoryStore) GetPaymentKey(ctx context.Context, rawKey string) (*PaymentKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRawKey[rawKey]
	if !ok {
		return nil, ErrPaymentKeyInvalid
	}
	cp := *s.paymentKeys[id]
	return &cp, nil
}

func (s *MemoryStore) ListPaymentKeys(ctx context.Context, merchantID string) ([]*PaymentKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*PaymentKey
	for _, k := range s.paymentKeys {
		if k.MerchantID == merchantID {
			cp := *k
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) DeactivatePaymentKey(ctx context.Context, merchantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.paymentKeys[id]
	if !ok || key.MerchantID != merchantID {
		return ErrPaymentKeyInvalid
	}
	key.Active = false
	return nil
}
