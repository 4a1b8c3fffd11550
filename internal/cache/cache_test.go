package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemory_SetGet(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(ctx, 0)

	c.Set(ctx, "k1", []byte("v1"), time.Minute)
	got, ok := c.Get(ctx, "k1")
	if !ok || string(got) != "v1" {
		t.Fatalf("expected v1, got %q ok=%v", got, ok)
	}
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(ctx, 0)

	c.Set(ctx, "k1", []byte("v1"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get(ctx, "k1"); ok {
		t.Error("expected entry expired")
	}
}

func TestMemory_Delete(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(ctx, 0)

	c.Set(ctx, "k1", []byte("v1"), time.Minute)
	c.Delete(ctx, "k1")
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Error("expected entry deleted")
	}
}

func TestMemory_DeletePrefix(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(ctx, 0)

	c.Set(ctx, MerchantListPrefix("m1")+"page1", []byte("a"), time.Minute)
	c.Set(ctx, MerchantListPrefix("m1")+"page2", []byte("b"), time.Minute)
	c.Set(ctx, MerchantListPrefix("m2")+"page1", []byte("c"), time.Minute)

	c.DeletePrefix(ctx, MerchantListPrefix("m1"))

	if _, ok := c.Get(ctx, MerchantListPrefix("m1")+"page1"); ok {
		t.Error("expected m1 page1 invalidated")
	}
	if _, ok := c.Get(ctx, MerchantListPrefix("m1")+"page2"); ok {
		t.Error("expected m1 page2 invalidated")
	}
	if _, ok := c.Get(ctx, MerchantListPrefix("m2")+"page1"); !ok {
		t.Error("expected m2 entry untouched")
	}
}

func TestMemory_ZeroTTLNotStored(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(ctx, 0)

	c.Set(ctx, "k1", []byte("v1"), 0)
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Error("expected zero-TTL set to be a no-op")
	}
}

func TestMemory_Janitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewMemory(ctx, 10*time.Millisecond)

	c.Set(ctx, "k1", []byte("v1"), 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	c.mu.RLock()
	_, present := c.entries["k1"]
	c.mu.RUnlock()
	if present {
		t.Error("expected janitor to evict expired entry")
	}
}
