package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func serveRequireUser(authn *Authenticator, header string, next http.HandlerFunc) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/drafts", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	authn.RequireUser()(next).ServeHTTP(rr, req)
	return rr
}

func TestRequireUserAttachesIdentity(t *testing.T) {
	verifier := &stubTokenVerifier{
		token: &firebaseauth.Token{
			UID:      "uid-123",
			Claims:   map[string]interface{}{"email": " shipper@example.com "},
			Firebase: firebaseauth.FirebaseInfo{SignInProvider: "google.com"},
		},
	}
	authn := NewAuthenticator(verifier)

	called := false
	rr := serveRequireUser(authn, "Bearer token-value", func(w http.ResponseWriter, r *http.Request) {
		called = true
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if identity.UID != "uid-123" || identity.Email != "shipper@example.com" {
			t.Fatalf("unexpected identity %+v", identity)
		}
		if identity.SignInProvider() != "google.com" {
			t.Fatalf("unexpected provider %q", identity.SignInProvider())
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if rr.Code != http.StatusNoContent || !called {
		t.Fatalf("expected handler to run, got %d", rr.Code)
	}
	if verifier.received != "token-value" {
		t.Fatalf("expected verifier to receive token-value, got %s", verifier.received)
	}
}

func TestRequireUserRejections(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		verifier *stubTokenVerifier
		code     string
	}{
		{name: "missing header", verifier: &stubTokenVerifier{}, code: "unauthenticated"},
		{name: "not bearer", header: "Basic abc", verifier: &stubTokenVerifier{}, code: "unauthenticated"},
		{name: "expired", header: "Bearer t", verifier: &stubTokenVerifier{err: ErrTokenExpired}, code: "token_expired"},
		{name: "revoked", header: "Bearer t", verifier: &stubTokenVerifier{err: ErrTokenRevoked}, code: "token_revoked"},
		{name: "invalid", header: "Bearer t", verifier: &stubTokenVerifier{err: errors.New("bad signature")}, code: "invalid_token"},
		{name: "no subject", header: "Bearer t", verifier: &stubTokenVerifier{token: &firebaseauth.Token{}}, code: "invalid_token"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := serveRequireUser(NewAuthenticator(tc.verifier), tc.header, func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler should not execute")
			})
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			var body map[string]interface{}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("expected JSON body: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestIdentityFromContextRequiresUID(t *testing.T) {
	ctx := WithIdentity(context.Background(), &Identity{UID: " "})
	if _, ok := IdentityFromContext(ctx); ok {
		t.Fatalf("blank uid must not count as an identity")
	}
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Fatalf("expected no identity")
	}
}

type deadlineVerifier struct{ remaining time.Duration }

func (d *deadlineVerifier) VerifyIDToken(ctx context.Context, _ string) (*firebaseauth.Token, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil, errors.New("no deadline")
	}
	d.remaining = time.Until(deadline)
	return &firebaseauth.Token{UID: "uid-1"}, nil
}

func TestRequireUserBoundsVerification(t *testing.T) {
	verifier := &deadlineVerifier{}
	rr := serveRequireUser(NewAuthenticator(verifier, WithVerificationTimeout(50*time.Millisecond)), "Bearer t", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if verifier.remaining <= 0 || verifier.remaining > 50*time.Millisecond {
		t.Fatalf("verification deadline not applied: %v", verifier.remaining)
	}
}
