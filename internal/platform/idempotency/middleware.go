package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tradelane/api/internal/platform/auth"
	"github.com/tradelane/api/internal/platform/httpx"
)

const (
	// ReplayHeader is set on responses served from a recorded result.
	ReplayHeader = "X-Idempotent-Replay"
	maxKeyLength = 255
)

type guard struct {
	store  Store
	header string
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

type MiddlewareOption func(*guard)

// WithHeader changes the request header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL sets how long keys are honoured.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(g *guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithClock(now func() time.Time) MiddlewareOption {
	return func(g *guard) {
		if now != nil {
			g.now = now
		}
	}
}

// Middleware makes a handler safe to retry. The first non-5xx response for a caller's key is
// recorded and replayed for later requests with the same key and body; a request without the
// header is served normally.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{store: store, header: "Idempotency-Key", ttl: DefaultTTL, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(w, r, next)
		})
	}
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(g.header))
	if key == "" {
		next.ServeHTTP(w, r)
		return
	}
	if len(key) > maxKeyLength {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key is too long", http.StatusBadRequest))
		return
	}
	claim, err := g.claimFor(r, key)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}

	outcome, recorded, err := g.store.Claim(ctx, claim)
	switch {
	case errors.Is(err, ErrKeyReused):
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
		return
	case err != nil:
		g.logger.Warn("idempotency claim failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "unable to process idempotency key", http.StatusServiceUnavailable))
		return
	case outcome == Replay:
		replay(w, recorded)
		return
	case outcome == InFlight:
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict))
		return
	}

	buf := &bufferedWriter{header: make(http.Header)}
	next.ServeHTTP(buf, r)
	resp := buf.response()

	if resp.Status >= http.StatusInternalServerError {
		g.abandon(ctx, claim)
		buf.copyTo(w)
		return
	}
	if err := g.store.Complete(ctx, claim, resp); err != nil {
		g.logger.Warn("idempotency complete failed", zap.Error(err))
		g.abandon(ctx, claim)
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "unable to persist idempotency state", http.StatusServiceUnavailable))
		return
	}
	buf.copyTo(w)
}

// claimFor scopes key to the caller and fingerprints the request. The body is restored for next.
func (g *guard) claimFor(r *http.Request, key string) (Claim, error) {
	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			return Claim{}, err
		}
		body = data
		r.Body = io.NopCloser(bytes.NewReader(data))
	}
	caller := callerOf(r.Context())
	now := g.now().UTC()
	return Claim{
		Key:         key + "|" + caller,
		Fingerprint: fingerprint(r, caller, body),
		Now:         now,
		ExpiresAt:   now.Add(g.ttl),
	}, nil
}

func (g *guard) abandon(ctx context.Context, claim Claim) {
	if err := g.store.Abandon(context.WithoutCancel(ctx), claim); err != nil {
		g.logger.Warn("idempotency abandon failed", zap.Error(err))
	}
}

func callerOf(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		return identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc != nil && svc.Subject != "" {
		return svc.Subject
	}
	return "anonymous"
}

func fingerprint(r *http.Request, caller string, body []byte) string {
	bodySum := ""
	if len(body) > 0 {
		bodySum = digest(body)
	}
	return digest([]byte(strings.Join([]string{
		r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Content-Type"), caller, bodySum,
	}, "\n")))
}

func replay(w http.ResponseWriter, resp Response) {
	for name, values := range resp.Header {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(ReplayHeader, "true")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// bufferedWriter holds the handler output until the middleware decides whether to record it.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.WriteHeader(http.StatusOK)
	return b.body.Write(p)
}

func (b *bufferedWriter) response() Response {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	return Response{Status: status, Header: b.header.Clone(), Body: b.body.Bytes()}
}

func (b *bufferedWriter) copyTo(w http.ResponseWriter) {
	resp := b.response()
	for name, values := range resp.Header {
		w.Header()[name] = values
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
