package token

import (
	"encoding/base64"
	"testing"
)

func TestMintProducesDistinctTokens(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := Mint()
		if err != nil {
			t.Fatal(err)
		}
		if seen[tok] {
			t.Fatalf("duplicate token after %d mints", i)
		}
		seen[tok] = true
	}
}

func TestMintEntropy(t *testing.T) {
	tok, err := Mint()
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		t.Fatalf("token is not base64url: %v", err)
	}
	if len(raw) != Size {
		t.Fatalf("expected %d raw bytes, got %d", Size, len(raw))
	}
}
