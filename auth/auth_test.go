package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "unit-test-secret"

func issueToken(t *testing.T, secret, subject, role string, expiry time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iss":  "escrowd-test",
		"aud":  "escrowd",
		"exp":  time.Now().Add(expiry).Unix(),
		"iat":  time.Now().Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func testVerifier() *Verifier {
	return NewVerifier(testSecret, "escrowd-test", "escrowd", time.Minute)
}

func TestParseValidToken(t *testing.T) {
	v := testVerifier()
	claims, err := v.Parse(issueToken(t, testSecret, "cust-42", "customer", time.Hour))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "cust-42" || claims.Role != RoleCustomer {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.Admin() {
		t.Fatal("customer must not report as admin")
	}
}

func TestParseRejectsBadTokens(t *testing.T) {
	v := testVerifier()
	cases := map[string]string{
		"wrong secret": issueToken(t, "other-secret", "cust-1", "customer", time.Hour),
		"expired":      issueToken(t, testSecret, "cust-1", "customer", -2*time.Hour),
		"no role":      issueToken(t, testSecret, "cust-1", "", time.Hour),
		"odd role":     issueToken(t, testSecret, "cust-1", "superuser", time.Hour),
		"no subject":   issueToken(t, testSecret, "", "customer", time.Hour),
		"garbage":      "not.a.token",
	}
	for name, token := range cases {
		if _, err := v.Parse(token); err == nil {
			t.Errorf("%s: token accepted", name)
		}
	}
}

func TestAuthenticateMiddleware(t *testing.T) {
	v := testVerifier()
	var seen *Claims
	handler := v.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+issueToken(t, testSecret, "admin-1", "admin", time.Hour))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen == nil || seen.Role != RoleAdmin {
		t.Fatalf("claims = %+v", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing header status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := RequireRole(RoleAdmin)(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithClaims(req.Context(), &Claims{Subject: "ops", Role: RoleAdmin}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("admin status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithClaims(req.Context(), &Claims{Subject: "cust", Role: RoleCustomer}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("customer status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", rec.Code)
	}
}
