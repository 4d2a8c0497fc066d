package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const (
	testAudience = "https://api.example.com/internal"
	googleIssuer = "https://accounts.google.com"
)

func setupServiceCaller(t *testing.T, mutate func(jwt.MapClaims)) (*OIDCValidator, string, *jwksServer) {
	t.Helper()
	key, jwk := newSigningKey(t, "svc-key")
	backend := &jwksServer{keys: []jose.JSONWebKey{jwk}}
	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	now := time.Now()
	claims := jwt.MapClaims{
		"aud":            testAudience,
		"iss":            googleIssuer,
		"sub":            "1234567890",
		"email":          "scheduler@project.iam.gserviceaccount.com",
		"email_verified": true,
		"exp":            float64(now.Add(time.Hour).Unix()),
		"iat":            float64(now.Unix()),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "svc-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return NewOIDCValidator(NewJWKSCache(server.URL), nil), signed, backend
}

func serveServiceCaller(t *testing.T, validator *OIDCValidator, policy ServiceCallerPolicy, token string) (*httptest.ResponseRecorder, *ServiceIdentity) {
	t.Helper()
	var seen *ServiceIdentity
	handler := validator.RequireServiceCaller(policy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ServiceIdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/drafts:sweep", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, seen
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestRequireServiceCallerAcceptsAllowedCaller(t *testing.T) {
	validator, token, _ := setupServiceCaller(t, nil)
	policy := ServiceCallerPolicy{
		Audience: testAudience,
		Issuers:  []string{googleIssuer},
		Emails:   []string{"Scheduler@project.iam.gserviceaccount.com"},
	}

	rr, identity := serveServiceCaller(t, validator, policy, token)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if identity == nil || identity.Subject != "1234567890" || identity.Issuer != googleIssuer {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestRequireServiceCallerRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
		policy ServiceCallerPolicy
		status int
		code   string
	}{
		{
			name:   "audience mismatch",
			policy: ServiceCallerPolicy{Audience: "https://other.example.com"},
			status: http.StatusUnauthorized,
			code:   "invalid_token",
		},
		{
			name:   "issuer mismatch",
			mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" },
			policy: ServiceCallerPolicy{Audience: testAudience, Issuers: []string{googleIssuer}},
			status: http.StatusUnauthorized,
			code:   "invalid_token",
		},
		{
			name:   "expired",
			mutate: func(c jwt.MapClaims) { c["exp"] = float64(time.Now().Add(-time.Minute).Unix()) },
			policy: ServiceCallerPolicy{Audience: testAudience},
			status: http.StatusUnauthorized,
			code:   "invalid_token",
		},
		{
			name:   "caller not allowed",
			policy: ServiceCallerPolicy{Audience: testAudience, Emails: []string{"deployer@project.iam.gserviceaccount.com"}},
			status: http.StatusForbidden,
			code:   "caller_not_allowed",
		},
		{
			name:   "unverified email",
			mutate: func(c jwt.MapClaims) { c["email_verified"] = false },
			policy: ServiceCallerPolicy{Audience: testAudience, Emails: []string{"scheduler@project.iam.gserviceaccount.com"}},
			status: http.StatusForbidden,
			code:   "caller_not_allowed",
		},
		{
			name:   "audience not configured",
			policy: ServiceCallerPolicy{},
			status: http.StatusServiceUnavailable,
			code:   "verification_unavailable",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			validator, token, _ := setupServiceCaller(t, tc.mutate)
			rr, identity := serveServiceCaller(t, validator, tc.policy, token)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if got := errorCode(t, rr); got != tc.code {
				t.Fatalf("expected error %q, got %q", tc.code, got)
			}
			if identity != nil {
				t.Fatalf("handler must not run")
			}
		})
	}
}

func TestRequireServiceCallerMissingToken(t *testing.T) {
	validator, _, backend := setupServiceCaller(t, nil)
	rr, _ := serveServiceCaller(t, validator, ServiceCallerPolicy{Audience: testAudience}, "")
	if rr.Code != http.StatusUnauthorized || errorCode(t, rr) != "unauthenticated" {
		t.Fatalf("expected 401 unauthenticated, got %d %s", rr.Code, rr.Body.String())
	}
	if backend.count() != 0 {
		t.Fatalf("key set must not be fetched without a token")
	}
}

func TestRequireServiceCallerKeysUnavailable(t *testing.T) {
	validator, token, backend := setupServiceCaller(t, nil)
	backend.status = http.StatusInternalServerError

	rr, _ := serveServiceCaller(t, validator, ServiceCallerPolicy{Audience: testAudience}, token)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
