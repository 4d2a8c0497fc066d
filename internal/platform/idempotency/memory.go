package idempotency

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	fingerprint string
	done        bool
	resp        Response
	expiresAt   time.Time
}

// MemoryStore keeps claims in process, for tests and single-instance local runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Claim(_ context.Context, claim Claim) (Outcome, Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := claim.docID()
	if entry, ok := s.entries[id]; ok && claim.Now.Before(entry.expiresAt) {
		switch {
		case entry.fingerprint != claim.Fingerprint:
			return 0, Response{}, ErrKeyReused
		case entry.done:
			return Replay, entry.resp, nil
		default:
			return InFlight, Response{}, nil
		}
	}
	s.entries[id] = memoryEntry{fingerprint: claim.Fingerprint, expiresAt: claim.ExpiresAt}
	return Claimed, Response{}, nil
}

func (s *MemoryStore) Complete(_ context.Context, claim Claim, resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := claim.docID()
	if entry, ok := s.entries[id]; ok && entry.fingerprint != claim.Fingerprint {
		return ErrKeyReused
	}
	s.entries[id] = memoryEntry{
		fingerprint: claim.Fingerprint,
		done:        true,
		resp:        Response{Status: resp.Status, Header: http.Header(replayableHeader(resp.Header)), Body: append([]byte(nil), resp.Body...)},
		expiresAt:   claim.ExpiresAt,
	}
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, claim Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, claim.docID())
	return nil
}

// Purge drops up to limit expired entries, oldest expiry first.
func (s *MemoryStore) Purge(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return s.entries[expired[i]].expiresAt.Before(s.entries[expired[j]].expiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, id := range expired {
		delete(s.entries, id)
	}
	return len(expired), nil
}
