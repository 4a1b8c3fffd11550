// Package idempotency makes mutating requests safe to retry.
//
// Flow:
//  1. Request arrives with an Idempotency-Key header
//  2. The gate claims the key: new key → placeholder record, handler runs
//  3. Handler response (any status) is persisted against the key once
//  4. A retry with the same key replays the stored response verbatim,
//     without invoking the handler again
//
// A claimed record with ResponseStatus == 0 means the first request is
// still in flight.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Errors
var (
	ErrNotFound         = errors.New("idempotency record not found")
	ErrAlreadyCompleted = errors.New("idempotency record already completed")
)

// Record is one idempotency key and its cached response.
type Record struct {
	Key            string    `json:"key"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	ResponseStatus int       `json:"response_status"`
	ResponseBody   []byte    `json:"response_body,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Populated reports whether a response has been stored for this record.
func (r *Record) Populated() bool {
	return r.ResponseStatus != 0
}

// Store persists idempotency records.
//
// Claim atomically either inserts an unpopulated placeholder for the key
// (claimed=true) or returns the existing record (claimed=false). Complete
// populates a claimed record exactly once. Release drops an unpopulated
// claim so a failed first attempt does not wedge the key forever.
type Store interface {
	Claim(ctx context.Context, key, method, path string) (*Record, bool, error)
	Complete(ctx context.Context, key string, status int, body []byte) error
	Release(ctx context.Context, key string) error
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Claim(ctx context.Context, key, method, path string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		cp := *rec
		return &cp, false, nil
	}

	rec := &Record{
		Key:       key,
		Method:    method,
		Path:      path,
		CreatedAt: time.Now().UTC(),
	}
	s.records[key] = rec
	cp := *rec
	return &cp, true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key string, status int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	if rec.Populated() {
		return ErrAlreadyCompleted
	}
	rec.ResponseStatus = status
	rec.ResponseBody = append([]byte(nil), body...)
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	// A populated record is immutable; only unfinished claims are dropped.
	if !rec.Populated() {
		delete(s.records, key)
	}
	return nil
}

func (s *MemoryStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for key, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}
