package validation

import "testing"

func TestValidAmount_Accepts(t *testing.T) {
	for _, v := range []string{"100.00", "0.50", "1", "999999.99", "3.1"} {
		if err := ValidAmount("amount", v)(); err != nil {
			t.Errorf("expected %q valid, got %v", v, err)
		}
	}
}

func TestValidAmount_Rejects(t *testing.T) {
	for _, v := range []string{"0", "0.00", "-5", "1.2.3", ".5", "5.", "abc", "1.234"} {
		if err := ValidAmount("amount", v)(); err == nil {
			t.Errorf("expected %q rejected", v)
		}
	}
}

func TestValidCurrency(t *testing.T) {
	if err := ValidCurrency("currency", "USD")(); err != nil {
		t.Errorf("expected USD valid, got %v", err)
	}
	for _, v := range []string{"usd", "USDT", "U", "12A"} {
		if err := ValidCurrency("currency", v)(); err == nil {
			t.Errorf("expected %q rejected", v)
		}
	}
}

func TestValidURL(t *testing.T) {
	if err := ValidURL("url", "https://example.com/hook")(); err != nil {
		t.Errorf("expected https URL valid, got %v", err)
	}
	for _, v := range []string{"ftp://x", "not a url", "//missing-scheme", "https://"} {
		if err := ValidURL("url", v)(); err == nil {
			t.Errorf("expected %q rejected", v)
		}
	}
}

func TestRequired(t *testing.T) {
	if err := Required("name", "")(); err == nil {
		t.Error("expected empty rejected")
	}
	if err := Required("name", "  ")(); err == nil {
		t.Error("expected whitespace rejected")
	}
	if err := Required("name", "x")(); err != nil {
		t.Errorf("expected non-empty valid, got %v", err)
	}
}

func TestValidate_CollectsAll(t *testing.T) {
	errs := Validate(
		Required("amount", ""),
		ValidCurrency("currency", "usd"),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(errs))
	}
	if errs.Error() == "" {
		t.Error("expected non-empty error string")
	}
}

func TestSanitizeString(t *testing.T) {
	got := SanitizeString("  hi\x00there  ", 100)
	if got != "hithere" {
		t.Errorf("expected 'hithere', got %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("expected truncated 'abc', got %q", got)
	}
}
