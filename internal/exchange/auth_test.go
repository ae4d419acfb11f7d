package exchange

import (
	"net/url"
	"testing"
)

func TestSignIsDeterministic(t *testing.T) {
	t.Parallel()
	a := NewAuth("key", "secret")
	sig1 := a.Sign("symbol=BTCUSDT&timestamp=1000")
	sig2 := a.Sign("symbol=BTCUSDT&timestamp=1000")
	if sig1 != sig2 {
		t.Fatalf("expected deterministic signature, got %q and %q", sig1, sig2)
	}
	if sig1 == "" {
		t.Fatal("expected non-empty signature")
	}
}

func TestSignDiffersOnSecret(t *testing.T) {
	t.Parallel()
	query := "symbol=BTCUSDT&timestamp=1000"
	sigA := NewAuth("key", "secret-a").Sign(query)
	sigB := NewAuth("key", "secret-b").Sign(query)
	if sigA == sigB {
		t.Fatal("expected different secrets to produce different signatures")
	}
}

func TestSignValuesAppendsSignatureParam(t *testing.T) {
	t.Parallel()
	a := NewAuth("key", "secret")
	v := url.Values{}
	v.Set("symbol", "BTCUSDT")
	signed := a.SignValues(v)
	if !containsParam(signed, "signature=") {
		t.Fatalf("expected signed query to contain a signature param, got %q", signed)
	}
	if !containsParam(signed, "symbol=BTCUSDT") {
		t.Fatalf("expected signed query to preserve original params, got %q", signed)
	}
}

func TestHasCredentials(t *testing.T) {
	t.Parallel()
	if (&Auth{}).HasCredentials() {
		t.Fatal("expected empty Auth to report no credentials")
	}
	if !NewAuth("key", "secret").HasCredentials() {
		t.Fatal("expected populated Auth to report credentials")
	}
}

func containsParam(query, substr string) bool {
	for i := 0; i+len(substr) <= len(query); i++ {
		if query[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
