package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
)

var boltBucket = []byte("idempotency")

// BoltStore persists idempotency records in an embedded bolt database.
// It survives restarts without requiring postgres, which suits single-node
// deployments.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the bolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Claim(ctx context.Context, key, method, path string) (*Record, bool, error) {
	var rec *Record
	claimed := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		if raw := b.Get([]byte(key)); raw != nil {
			rec = &Record{}
			return json.Unmarshal(raw, rec)
		}

		rec = &Record{
			Key:       key,
			Method:    method,
			Path:      path,
			CreatedAt: time.Now().UTC(),
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		claimed = true
		return b.Put([]byte(key), raw)
	})
	if err != nil {
		return nil, false, err
	}
	return rec, claimed, nil
}

func (s *BoltStore) Complete(ctx context.Context, key string, status int, body []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		rec := &Record{}
		if err := json.Unmarshal(raw, rec); err != nil {
			return err
		}
		if rec.Populated() {
			return ErrAlreadyCompleted
		}
		rec.ResponseStatus = status
		rec.ResponseBody = append([]byte(nil), body...)
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), updated)
	})
}

func (s *BoltStore) Release(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		rec := &Record{}
		if err := json.Unmarshal(raw, rec); err != nil {
			return err
		}
		if rec.Populated() {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec := &Record{}
			if err := json.Unmarshal(v, rec); err != nil {
				continue
			}
			if rec.CreatedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
