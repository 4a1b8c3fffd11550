package webhook

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_DeleteIsMerchantScoped(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Create(ctx, &Endpoint{ID: "wh_1", MerchantID: "mch_a", URL: "http://a.test", Secret: "s", CreatedAt: time.Now()})

	if err := s.Delete(ctx, "mch_b", "wh_1"); err != ErrEndpointNotFound {
		t.Errorf("foreign delete should report not found, got %v", err)
	}
	if _, err := s.Get(ctx, "wh_1"); err != nil {
		t.Errorf("endpoint should survive foreign delete: %v", err)
	}

	if err := s.Delete(ctx, "mch_a", "wh_1"); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := s.Get(ctx, "wh_1"); err != ErrEndpointNotFound {
		t.Errorf("expected ErrEndpointNotFound after delete, got %v", err)
	}
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()
	_ = s.Create(ctx, &Endpoint{ID: "wh_old", MerchantID: "mch_a", URL: "http://a.test", CreatedAt: base.Add(-time.Hour)})
	_ = s.Create(ctx, &Endpoint{ID: "wh_new", MerchantID: "mch_a", URL: "http://b.test", CreatedAt: base})

	eps, err := s.ListByMerchant(ctx, "mch_a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(eps) != 2 || eps[0].ID != "wh_new" {
		t.Errorf("expected newest first, got %v", eps)
	}
}
