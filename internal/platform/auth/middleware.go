package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/tradelane/api/internal/platform/httpx"
)

const defaultVerifyTimeout = 5 * time.Second

// Sentinel verification failures, for verifiers other than the Admin SDK.
var (
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
	ErrTokenRevoked = errors.New("auth: firebase id token revoked")
)

// TokenVerifier checks a Firebase ID token. *FirebaseClient satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator guards caller-facing routes with Firebase ID tokens.
type Authenticator struct {
	verifier TokenVerifier
	timeout  time.Duration
}

type Option func(*Authenticator)

// WithVerificationTimeout bounds each verification call.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier, timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireUser answers 401 unless the request carries a valid bearer ID token, and otherwise
// puts the caller's Identity on the request context.
func (a *Authenticator) RequireUser() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, code, message := a.authenticate(r)
			if identity == nil {
				httpx.WriteError(r.Context(), w, httpx.NewError(code, message, http.StatusUnauthorized))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func (a *Authenticator) authenticate(r *http.Request) (*Identity, string, string) {
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, "unauthenticated", "authorization header missing or invalid"
	}
	if a == nil || a.verifier == nil {
		return nil, "unauthenticated", "authorization service unavailable"
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	token, err := a.verifier.VerifyIDToken(ctx, raw)
	if err != nil {
		code, message := classifyVerifyError(err)
		return nil, code, message
	}
	if token == nil || strings.TrimSpace(token.UID) == "" {
		return nil, "invalid_token", "firebase id token carries no subject"
	}
	email, _ := token.Claims["email"].(string)
	return &Identity{UID: token.UID, Email: strings.TrimSpace(email), token: token}, "", ""
}

func classifyVerifyError(err error) (code, message string) {
	switch {
	case errors.Is(err, ErrTokenExpired) || firebaseauth.IsIDTokenExpired(err):
		return "token_expired", "firebase id token expired"
	case errors.Is(err, ErrTokenRevoked) || firebaseauth.IsIDTokenRevoked(err) ||
		firebaseauth.IsUserDisabled(err) || firebaseauth.IsUserNotFound(err):
		return "token_revoked", "firebase id token no longer valid for this account"
	case errors.Is(err, ErrTokenInvalid) || firebaseauth.IsIDTokenInvalid(err):
		return "invalid_token", "firebase id token invalid"
	}
	return "invalid_token", "firebase id token verification failed"
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
