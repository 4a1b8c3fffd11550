package merchant

import (
	"context"
	"strings"
	"testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewMemoryStore())
}

func register(t *testing.T, s *Service, email string) (*Merchant, string) {
	t.Helper()
	m, rawKey, err := s.Register(context.Background(), email, "Acme", "hunter22")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return m, rawKey
}

func TestRegister_IssuesKey(t *testing.T) {
	s := newTestService(t)
	m, rawKey := register(t, s, "ops@acme.test")

	if !strings.HasPrefix(m.ID, "mch_") {
		t.Errorf("unexpected merchant ID %q", m.ID)
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("expected sk_ prefix, got %q", rawKey)
	}
	if m.PasswordHash == "hunter22" {
		t.Error("password stored in plaintext")
	}

	got, err := s.ValidateKey(context.Background(), "Bearer "+rawKey)
	if err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}
	if got.ID != m.ID {
		t.Errorf("key resolved to wrong merchant: %s", got.ID)
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	s := newTestService(t)
	register(t, s, "ops@acme.test")

	_, _, err := s.Register(context.Background(), "OPS@acme.test", "Other", "pw")
	if err != ErrEmailTaken {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestLogin(t *testing.T) {
	s := newTestService(t)
	m, _ := register(t, s, "ops@acme.test")

	got, rawKey, err := s.Login(context.Background(), "ops@acme.test", "hunter22")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != m.ID {
		t.Errorf("wrong merchant from login")
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("expected fresh sk_ key")
	}

	if _, _, err := s.Login(context.Background(), "ops@acme.test", "wrong"); err != ErrBadCredentials {
		t.Errorf("expected ErrBadCredentials for bad password, got %v", err)
	}
	if _, _, err := s.Login(context.Background(), "nobody@acme.test", "hunter22"); err != ErrBadCredentials {
		t.Errorf("expected ErrBadCredentials for unknown email, got %v", err)
	}
}

func TestValidateKey_Invalid(t *testing.T) {
	s := newTestService(t)

	cases := []string{"", "sk_deadbeef", "pk_notanapikey", "garbage"}
	for _, raw := range cases {
		if _, err := s.ValidateKey(context.Background(), raw); err == nil {
			t.Errorf("expected error for key %q", raw)
		}
	}
}

func TestPaymentKey_Lifecycle(t *testing.T) {
	s := newTestService(t)
	m, _ := register(t, s, "ops@acme.test")
	ctx := context.Background()

	key, err := s.CreatePaymentKey(ctx, m.ID)
	if err != nil {
		t.Fatalf("CreatePaymentKey: %v", err)
	}
	if !strings.HasPrefix(key.Key, "pk_") {
		t.Errorf("expected pk_ prefix, got %q", key.Key)
	}
	if !key.Active {
		t.Error("new key should be active")
	}

	if err := s.ValidatePaymentKey(ctx, m.ID, key.Key); err != nil {
		t.Errorf("active key should validate: %v", err)
	}

	if err := s.DeactivatePaymentKey(ctx, m.ID, key.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := s.ValidatePaymentKey(ctx, m.ID, key.Key); err != ErrPaymentKeyInvalid {
		t.Errorf("inactive key should fail validation, got %v", err)
	}
}

func TestValidatePaymentKey_CrossMerchant(t *testing.T) {
	s := newTestService(t)
	a, _ := register(t, s, "a@acme.test")
	b, _ := register(t, s, "b@acme.test")
	ctx := context.Background()

	key, err := s.CreatePaymentKey(ctx, a.ID)
	if err != nil {
		t.Fatalf("CreatePaymentKey: %v", err)
	}

	// Another merchant's key must look the same as an unknown key.
	if err := s.ValidatePaymentKey(ctx, b.ID, key.Key); err != ErrPaymentKeyInvalid {
		t.Errorf("expected ErrPaymentKeyInvalid, got %v", err)
	}
	if err := s.ValidatePaymentKey(ctx, b.ID, "pk_doesnotexist"); err != ErrPaymentKeyInvalid {
		t.Errorf("expected ErrPaymentKeyInvalid, got %v", err)
	}
}

func TestDeactivatePaymentKey_WrongMerchant(t *testing.T) {
	s := newTestService(t)
	a, _ := register(t, s, "a@acme.test")
	b, _ := register(t, s, "b@acme.test")
	ctx := context.Background()

	key, _ := s.CreatePaymentKey(ctx, a.ID)
	if err := s.DeactivatePaymentKey(ctx, b.ID, key.ID); err != ErrPaymentKeyInvalid {
		t.Errorf("expected ErrPaymentKeyInvalid, got %v", err)
	}

	// Still active for the owner.
	if err := s.ValidatePaymentKey(ctx, a.ID, key.Key); err != nil {
		t.Errorf("owner's key should still validate: %v", err)
	}
}
