package utils

import (
	"testing"
	"time"
)

func TestFormatMoney(t *testing.T) {
	cases := []struct {
		amount float64
		want   string
	}{
		{0, "$0.00"},
		{5, "$5.00"},
		{1380, "$1,380.00"},
		{12345.6, "$12,345.60"},
		{1234567.89, "$1,234,567.89"},
		{999.999, "$1,000.00"},
		{-250.5, "-$250.50"},
	}
	for _, c := range cases {
		if got := FormatMoney(c.amount); got != c.want {
			t.Errorf("FormatMoney(%v) = %q, want %q", c.amount, got, c.want)
		}
	}
}

func TestFormatDate(t *testing.T) {
	d := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)
	if got := FormatDate(d); got != "5 Mar 2025" {
		t.Errorf("FormatDate = %q", got)
	}
}

func TestVerifyAPIKey(t *testing.T) {
	hash, err := HashAPIKey("secret-key")
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}

	if !VerifyAPIKey("secret-key", "", hash) {
		t.Error("expected hash match")
	}
	if VerifyAPIKey("wrong", "", hash) {
		t.Error("expected hash mismatch")
	}
	if !VerifyAPIKey("plain", "plain", "") {
		t.Error("expected plaintext match")
	}
	if VerifyAPIKey("plain", "other", "") {
		t.Error("expected plaintext mismatch")
	}
	// hash wins over plaintext when both are configured
	if VerifyAPIKey("plain", "plain", hash) {
		t.Error("expected hash to take precedence")
	}
	if VerifyAPIKey("", "plain", "") {
		t.Error("empty key must never verify")
	}
}
