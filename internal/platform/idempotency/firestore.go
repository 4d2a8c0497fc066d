package idempotency

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/tradelane/api/internal/platform/firestore"
)

const (
	keysCollection    = "idempotency_keys"
	defaultPurgeLimit = 100
)

// FirestoreStore keeps claims in the idempotency_keys collection, one document per hashed key.
type FirestoreStore struct {
	provider *pfirestore.Provider
	keys     *pfirestore.Collection[keyDocument]
	attempts int
}

var _ Store = (*FirestoreStore)(nil)

type FirestoreOption func(*FirestoreStore)

// WithMaxAttempts bounds transaction retries under contention.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(s *FirestoreStore) {
		if attempts > 0 {
			s.attempts = attempts
		}
	}
}

func NewFirestoreStore(provider *pfirestore.Provider, opts ...FirestoreOption) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("idempotency: firestore provider is required")
	}
	s := &FirestoreStore{
		provider: provider,
		keys:     pfirestore.NewCollection[keyDocument](provider, keysCollection),
		attempts: 5,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

type keyDocument struct {
	Fingerprint    string              `firestore:"fingerprint"`
	Done           bool                `firestore:"done"`
	ResponseStatus int                 `firestore:"responseStatus,omitempty"`
	ResponseHeader map[string][]string `firestore:"responseHeader,omitempty"`
	ResponseBody   []byte              `firestore:"responseBody,omitempty"`
	ClaimedAt      time.Time           `firestore:"claimedAt"`
	ExpiresAt      time.Time           `firestore:"expiresAt"`
}

// update reads the key document inside a transaction and writes whatever fn returns.
// fn receives nil when the document is absent; returning nil from fn skips the write.
func (s *FirestoreStore) update(ctx context.Context, op string, claim Claim, fn func(current *keyDocument) (*keyDocument, error)) error {
	ref, err := s.keys.Doc(ctx, claim.docID())
	if err != nil {
		return err
	}
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current *keyDocument
		snap, err := tx.Get(ref)
		if err != nil {
			var ferr *pfirestore.Error
			if !errors.As(pfirestore.WrapError(op, err), &ferr) || !ferr.IsNotFound() {
				return err
			}
		} else {
			current = &keyDocument{}
			if err := snap.DataTo(current); err != nil {
				return err
			}
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}
		return tx.Set(ref, *next)
	}, pfirestore.WithTxAttempts(s.attempts))
	if errors.Is(err, ErrKeyReused) {
		return ErrKeyReused
	}
	return pfirestore.WrapError(op, err)
}

func (s *FirestoreStore) Claim(ctx context.Context, claim Claim) (Outcome, Response, error) {
	outcome, resp := Claimed, Response{}
	err := s.update(ctx, "idempotency.claim", claim, func(current *keyDocument) (*keyDocument, error) {
		outcome, resp = Claimed, Response{}
		if current != nil && claim.Now.Before(current.ExpiresAt) {
			if current.Fingerprint != claim.Fingerprint {
				return nil, ErrKeyReused
			}
			if current.Done {
				outcome = Replay
				resp = Response{Status: current.ResponseStatus, Header: http.Header(current.ResponseHeader), Body: current.ResponseBody}
			} else {
				outcome = InFlight
			}
			return nil, nil
		}
		return &keyDocument{Fingerprint: claim.Fingerprint, ClaimedAt: claim.Now.UTC(), ExpiresAt: claim.ExpiresAt.UTC()}, nil
	})
	if err != nil {
		return 0, Response{}, err
	}
	return outcome, resp, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, claim Claim, resp Response) error {
	return s.update(ctx, "idempotency.complete", claim, func(current *keyDocument) (*keyDocument, error) {
		next := keyDocument{Fingerprint: claim.Fingerprint, ClaimedAt: claim.Now.UTC()}
		if current != nil {
			if current.Fingerprint != claim.Fingerprint {
				return nil, ErrKeyReused
			}
			next.ClaimedAt = current.ClaimedAt
		}
		next.Done = true
		next.ResponseStatus = resp.Status
		next.ResponseHeader = replayableHeader(resp.Header)
		next.ResponseBody = append([]byte(nil), resp.Body...)
		next.ExpiresAt = claim.ExpiresAt.UTC()
		return &next, nil
	})
}

// Abandon deletes the claim so the client can retry with the same key.
func (s *FirestoreStore) Abandon(ctx context.Context, claim Claim) error {
	ref, err := s.keys.Doc(ctx, claim.docID())
	if err != nil {
		return err
	}
	_, err = ref.Delete(ctx)
	return pfirestore.WrapError("idempotency.abandon", err)
}

// Purge deletes up to limit expired claims, oldest first.
func (s *FirestoreStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultPurgeLimit
	}
	cutoff := now.UTC()
	return s.keys.DeleteWhere(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("expiresAt", "<=", cutoff).OrderBy("expiresAt", firestore.Asc)
	}, limit)
}
