//go:build integration

package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/settleflow/internal/testutil"
)

func TestPostgresStore_ClaimOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	_, claimed, err := store.Claim(ctx, "pg-key-1", "POST", "/v1/transactions")
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}

	rec, claimed, err := store.Claim(ctx, "pg-key-1", "POST", "/v1/transactions")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Error("second claim must lose")
	}
	if rec == nil || rec.Populated() {
		t.Errorf("loser should see the unpopulated record, got %+v", rec)
	}
}

func TestPostgresStore_CompleteIsWriteOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	if _, _, err := store.Claim(ctx, "pg-key-2", "POST", "/v1/refunds"); err != nil {
		t.Fatal(err)
	}
	if err := store.Complete(ctx, "pg-key-2", 201, []byte(`{"success":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.Complete(ctx, "pg-key-2", 500, []byte(`{"success":false}`)); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("second complete: expected ErrAlreadyCompleted, got %v", err)
	}

	rec, claimed, err := store.Claim(ctx, "pg-key-2", "POST", "/v1/refunds")
	if err != nil || claimed {
		t.Fatalf("claim after complete: claimed=%v err=%v", claimed, err)
	}
	if rec.ResponseStatus != 201 || string(rec.ResponseBody) != `{"success":true}` {
		t.Errorf("stored response mutated: %+v", rec)
	}
}

func TestPostgresStore_ReleaseAndSweep(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	// Release drops an unpopulated claim so the key can be retried.
	if _, _, err := store.Claim(ctx, "pg-key-3", "POST", "/v1/transactions"); err != nil {
		t.Fatal(err)
	}
	if err := store.Release(ctx, "pg-key-3"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, claimed, err := store.Claim(ctx, "pg-key-3", "POST", "/v1/transactions"); err != nil || !claimed {
		t.Fatalf("reclaim after release: claimed=%v err=%v", claimed, err)
	}

	// Release never drops a completed record.
	if err := store.Complete(ctx, "pg-key-3", 200, []byte("{}")); err != nil {
		t.Fatal(err)
	}
	if err := store.Release(ctx, "pg-key-3"); err != nil {
		t.Fatalf("release completed: %v", err)
	}
	if _, claimed, _ := store.Claim(ctx, "pg-key-3", "POST", "/v1/transactions"); claimed {
		t.Error("completed record must survive Release")
	}

	// Sweep removes only records older than the cutoff.
	if _, err := db.ExecContext(ctx, `
		UPDATE idempotency_keys SET created_at = NOW() - INTERVAL '48 hours' WHERE key = 'pg-key-3'
	`); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Claim(ctx, "pg-key-4", "POST", "/v1/transactions"); err != nil {
		t.Fatal(err)
	}
	n, err := store.Sweep(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept record, got %d", n)
	}
	if _, claimed, _ := store.Claim(ctx, "pg-key-4", "POST", "/v1/transactions"); claimed {
		t.Error("fresh record must survive the sweep")
	}
}
