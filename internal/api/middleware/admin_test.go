package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func adminHandler(t *testing.T, secret []byte) (http.Handler, *string) {
	t.Helper()
	var subject string
	h := RequireAdminAuth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = AdminSubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return h, &subject
}

func TestRequireAdminAuthValidToken(t *testing.T) {
	token, expires, err := GenerateAdminToken(testSecret, "ops", time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expected expiry in the future, got %v", expires)
	}

	h, subject := adminHandler(t, testSecret)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/mapping", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if *subject != "ops" {
		t.Fatalf("expected subject ops, got %q", *subject)
	}
}

func TestRequireAdminAuthRejects(t *testing.T) {
	wrongSecret, _, err := GenerateAdminToken([]byte("another-secret-another-secret-00"), "ops", time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	expiredClaims := AdminClaims{
		Scope: adminScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    adminIssuer,
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, expiredClaims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign expired: %v", err)
	}

	wrongScopeClaims := AdminClaims{
		Scope: "read",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    adminIssuer,
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	wrongScope, err := jwt.NewWithClaims(jwt.SigningMethodHS256, wrongScopeClaims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign wrong scope: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + wrongSecret, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong scope", "Bearer " + wrongScope, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := adminHandler(t, testSecret)
			req := httptest.NewRequest(http.MethodGet, "/api/v1/mapping", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestGenerateAdminTokenValidation(t *testing.T) {
	if _, _, err := GenerateAdminToken(nil, "ops", time.Hour); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, _, err := GenerateAdminToken(testSecret, "", time.Hour); err == nil {
		t.Fatal("expected error for empty subject")
	}
	_, expires, err := GenerateAdminToken(testSecret, "ops", 0)
	if err != nil {
		t.Fatalf("generate with default ttl: %v", err)
	}
	if d := time.Until(expires); d < DefaultAdminTokenTTL-time.Minute {
		t.Fatalf("expected default ttl, got %v", d)
	}
}
