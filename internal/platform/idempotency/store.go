package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"
)

// DefaultTTL is how long a key and its recorded response are kept.
const DefaultTTL = 24 * time.Hour

// Outcome says what a caller should do after claiming a key.
type Outcome int

const (
	// Claimed means the key was free and the request should run.
	Claimed Outcome = iota
	// Replay means a response was already recorded for the key.
	Replay
	// InFlight means another request holds the key and has not finished.
	InFlight
)

// ErrKeyReused is returned when a live key is presented with a different request fingerprint.
var ErrKeyReused = errors.New("idempotency: key already used for a different request")

// Claim identifies one attempt to use a key.
type Claim struct {
	Key         string
	Fingerprint string
	Now         time.Time
	ExpiresAt   time.Time
}

func (c Claim) docID() string { return digest([]byte(c.Key)) }

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Response is a recorded handler response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Store keeps claims and their responses. Implementations must make Claim atomic per key.
type Store interface {
	Claim(ctx context.Context, claim Claim) (Outcome, Response, error)
	Complete(ctx context.Context, claim Claim, resp Response) error
	Abandon(ctx context.Context, claim Claim) error
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

// hopHeaders are never replayed.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Content-Length":      true,
	"Date":                true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func replayableHeader(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for name, values := range h {
		name = http.CanonicalHeaderKey(name)
		if !hopHeaders[name] {
			out[name] = append([]string(nil), values...)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
