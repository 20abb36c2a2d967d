package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

type countingObserver struct {
	successes, failures map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{successes: map[string]int{}, failures: map[string]int{}}
}

func (o *countingObserver) IncAuthSuccess(t string) { o.successes[t]++ }
func (o *countingObserver) IncAuthFailure(t string) { o.failures[t]++ }

// --- GenerateAPIKey tests ---

func TestGenerateAPIKey_PrefixAndLength(t *testing.T) {
	key, plaintext, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error: %v", err)
	}

	if !strings.HasPrefix(plaintext, "tally_") {
		t.Errorf("plaintext key should start with 'tally_', got %q", plaintext)
	}

	// "tally_" (6) + 32 random chars = 38
	if len(plaintext) != 38 {
		t.Errorf("expected plaintext length 38, got %d", len(plaintext))
	}

	if key.Prefix != plaintext[:12] {
		t.Errorf("expected prefix %q, got %q", plaintext[:12], key.Prefix)
	}

	if key.Hash != HashKey(plaintext) {
		t.Error("expected hash to match HashKey(plaintext)")
	}
}

func TestGenerateAPIKey_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		_, plaintext, err := GenerateAPIKey()
		if err != nil {
			t.Fatalf("GenerateAPIKey() error: %v", err)
		}
		if seen[plaintext] {
			t.Fatalf("duplicate key generated: %s", plaintext)
		}
		seen[plaintext] = true
	}
}

// --- HashKey tests ---

func TestHashKey(t *testing.T) {
	if HashKey("tally_key_aaa") != HashKey("tally_key_aaa") {
		t.Error("HashKey should be deterministic")
	}
	if HashKey("tally_key_aaa") == HashKey("tally_key_bbb") {
		t.Error("different keys should produce different hashes")
	}
	// SHA-256 produces 64 hex characters
	if h := HashKey("anything"); len(h) != 64 {
		t.Errorf("expected hash length 64, got %d", len(h))
	}
}

// --- Admin key tests ---

func TestAdminKeyHashing(t *testing.T) {
	hash, err := HashAdminKey("super-secret-admin-key")
	if err != nil {
		t.Fatalf("HashAdminKey() error: %v", err)
	}
	if !VerifyAdminKey(hash, "super-secret-admin-key") {
		t.Error("expected admin key to verify against its hash")
	}
	if VerifyAdminKey(hash, "wrong") {
		t.Error("expected wrong key to fail verification")
	}
	if VerifyAdminKey("", "super-secret-admin-key") {
		t.Error("expected empty hash to fail verification")
	}
}

// --- Context helpers tests ---

func TestCallerContext_RoundTrip(t *testing.T) {
	c := &Caller{ID: "c1", Name: "orchestrator"}
	got := CallerFromContext(ContextWithCaller(context.Background(), c))
	if got == nil || got.ID != "c1" {
		t.Fatalf("expected caller c1 from context, got %+v", got)
	}
	if CallerFromContext(context.Background()) != nil {
		t.Error("expected nil from empty context")
	}
}

// --- CallerAuthMiddleware tests ---

func TestCallerAuthMiddleware(t *testing.T) {
	plaintext := "tally_validkey1234567890abcdefghij"
	keys := NewStaticKeys()
	keys.Add(HashKey(plaintext), &Caller{ID: "caller-1", Name: "executor"})
	obs := newCountingObserver()

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if CallerFromContext(r.Context()) == nil {
			t.Error("expected caller in context inside handler")
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{name: "valid key", authHeader: "Bearer " + plaintext, wantStatus: http.StatusOK},
		{name: "invalid key", authHeader: "Bearer tally_wrongkey000000000000000000", wantStatus: http.StatusUnauthorized},
		{name: "missing header", authHeader: "", wantStatus: http.StatusUnauthorized},
		{name: "malformed header no bearer", authHeader: "Token " + plaintext, wantStatus: http.StatusUnauthorized},
		{name: "bearer only no token", authHeader: "Bearer", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/meter", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			CallerAuthMiddleware(keys, obs)(okHandler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantStatus != http.StatusOK {
				assertJSONError(t, rr)
			}
		})
	}

	if obs.successes["caller"] != 1 || obs.failures["caller"] != 4 {
		t.Errorf("unexpected auth counts: successes=%v failures=%v", obs.successes, obs.failures)
	}
}

// --- AdminAuthMiddleware tests ---

func TestAdminAuthMiddleware(t *testing.T) {
	adminKey := "super-secret-admin-key"
	hash, err := bcrypt.GenerateFromPassword([]byte(adminKey), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{name: "valid admin key", authHeader: "Bearer " + adminKey, wantStatus: http.StatusOK},
		{name: "wrong admin key", authHeader: "Bearer wrong-key", wantStatus: http.StatusUnauthorized},
		{name: "missing header", authHeader: "", wantStatus: http.StatusUnauthorized},
		{name: "malformed header", authHeader: "Basic " + adminKey, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/policy/platform/-", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			AdminAuthMiddleware(string(hash), nil)(okHandler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantStatus != http.StatusOK {
				assertJSONError(t, rr)
			}
		})
	}
}

// assertJSONError checks that the response body contains the expected error JSON structure.
func assertJSONError(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()

	ct := rr.Header().Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var resp errorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if resp.Error.Code != "unauthorized" {
		t.Errorf("expected error code 'unauthorized', got %q", resp.Error.Code)
	}
	if resp.Error.Message == "" {
		t.Error("expected non-empty error message")
	}
}
