package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	domain "github.com/tradelane/api/internal/domain"
	"github.com/tradelane/api/internal/repositories"
)

type testRepoError struct {
	notFound    bool
	unavailable bool
}

func (e testRepoError) Error() string {
	if e.notFound {
		return "not found"
	}
	return "unavailable"
}
func (e testRepoError) IsNotFound() bool    { return e.notFound }
func (e testRepoError) IsConflict() bool    { return false }
func (e testRepoError) IsUnavailable() bool { return e.unavailable }

var errTestNotFound = testRepoError{notFound: true}

type memoryDraftRepository struct {
	mu         sync.Mutex
	store      map[string]domain.Draft
	replaceErr error
}

func newMemoryDraftRepository() *memoryDraftRepository {
	return &memoryDraftRepository{store: map[string]domain.Draft{}}
}

func (r *memoryDraftRepository) Insert(_ context.Context, draft domain.Draft) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[draft.ID] = draft
	return nil
}

func (r *memoryDraftRepository) Replace(_ context.Context, draft domain.Draft) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replaceErr != nil {
		return r.replaceErr
	}
	if _, ok := r.store[draft.ID]; !ok {
		return errTestNotFound
	}
	r.store[draft.ID] = draft
	return nil
}

func (r *memoryDraftRepository) FindByID(_ context.Context, draftID string) (domain.Draft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	draft, ok := r.store[draftID]
	if !ok {
		return domain.Draft{}, errTestNotFound
	}
	return draft, nil
}

func (r *memoryDraftRepository) Delete(_ context.Context, draftID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.store[draftID]; !ok {
		return errTestNotFound
	}
	delete(r.store, draftID)
	return nil
}

func (r *memoryDraftRepository) List(_ context.Context, filter repositories.DraftListFilter) ([]domain.Draft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Draft
	for _, draft := range r.store {
		if draft.OwnerID != filter.OwnerID || draft.Statuses.Compliance != filter.Compliance {
			continue
		}
		for _, state := range filter.RouteStates {
			if draft.Statuses.RouteOptimization == state {
				out = append(out, draft)
				break
			}
		}
	}
	// storage order is arbitrary; the service sorts
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryDraftRepository) DeleteByOwner(_ context.Context, ownerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, draft := range r.store {
		if draft.OwnerID == ownerID {
			delete(r.store, id)
			removed++
		}
	}
	return removed, nil
}

func (r *memoryDraftRepository) DeleteExpired(_ context.Context, now time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, draft := range r.store {
		if removed >= limit {
			break
		}
		if draft.ExpiresAt != nil && !draft.ExpiresAt.After(now) {
			delete(r.store, id)
			removed++
		}
	}
	return removed, nil
}

func (r *memoryDraftRepository) all() []domain.Draft {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Draft, 0, len(r.store))
	for _, draft := range r.store {
		out = append(out, draft)
	}
	return out
}

type memoryHistory[T any] struct {
	mu    sync.Mutex
	items []T
	owner func(T) string
	id    func(T) string
	err   error
}

func (m *memoryHistory[T]) Insert(_ context.Context, item T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.items = append(m.items, item)
	return nil
}

func (m *memoryHistory[T]) ListByOwner(_ context.Context, ownerID string, page domain.Pagination) (domain.CursorPage[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []T
	for i := len(m.items) - 1; i >= 0; i-- {
		if m.owner(m.items[i]) == ownerID {
			out = append(out, m.items[i])
		}
	}
	if page.PageSize > 0 && len(out) > page.PageSize {
		out = out[:page.PageSize]
	}
	return domain.CursorPage[T]{Items: out}, nil
}

func (m *memoryHistory[T]) DeleteByOwner(_ context.Context, ownerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	kept := m.items[:0]
	removed := 0
	for _, item := range m.items {
		if m.owner(item) == ownerID {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	m.items = kept
	return removed, nil
}

func (m *memoryHistory[T]) FindByID(_ context.Context, id string) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.items {
		if m.id(item) == id {
			return item, nil
		}
	}
	var zero T
	return zero, errTestNotFound
}

func (m *memoryHistory[T]) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, item := range m.items {
		if m.id(item) == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return nil
		}
	}
	return errTestNotFound
}

func (m *memoryHistory[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type testRepos struct {
	drafts      *memoryDraftRepository
	compliance  *memoryHistory[domain.ComplianceRecord]
	savedRoutes *memoryHistory[domain.SavedRoute]
	products    *memoryHistory[domain.ProductAnalysis]
}

func newTestRepos() testRepos {
	return testRepos{
		drafts: newMemoryDraftRepository(),
		compliance: &memoryHistory[domain.ComplianceRecord]{
			owner: func(r domain.ComplianceRecord) string { return r.OwnerID },
			id:    func(r domain.ComplianceRecord) string { return r.ID },
		},
		savedRoutes: &memoryHistory[domain.SavedRoute]{
			owner: func(r domain.SavedRoute) string { return r.OwnerID },
			id:    func(r domain.SavedRoute) string { return r.ID },
		},
		products: &memoryHistory[domain.ProductAnalysis]{
			owner: func(r domain.ProductAnalysis) string { return r.OwnerID },
			id:    func(r domain.ProductAnalysis) string { return r.ID },
		},
	}
}

type stubReasoner struct {
	mu       sync.Mutex
	prompts  []string
	complete func(ctx context.Context, prompt string) (string, error)
}

func (s *stubReasoner) Complete(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	if s.complete == nil {
		return "", errors.New("no completion configured")
	}
	return s.complete(ctx, prompt)
}

func (s *stubReasoner) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func fixedReasoner(response string) *stubReasoner {
	return &stubReasoner{complete: func(context.Context, string) (string, error) { return response, nil }}
}

type stubCountryResolver struct {
	matches map[string]*domain.CountryMatch
}

func (s stubCountryResolver) NormalizeCountry(_ context.Context, place string) (*domain.CountryMatch, error) {
	return s.matches[place], nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []DraftEvent
	err    error
}

func (p *recordingPublisher) PublishDraftEvent(_ context.Context, event DraftEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	if p.err != nil {
		return "", p.err
	}
	return "msg-1", nil
}

type sequenceClock struct {
	mu   sync.Mutex
	next time.Time
}

func newSequenceClock() *sequenceClock {
	return &sequenceClock{next: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now advances one minute per call so timestamps are strictly ordered.
func (c *sequenceClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(time.Minute)
	return now
}

type sequenceIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequenceIDs) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("ID%03d", s.n)
}

type draftHarness struct {
	repos     testRepos
	drafts    DraftService
	records   RecordService
	countries stubCountryResolver
	events    *recordingPublisher
	clock     *sequenceClock
}

func newDraftHarness(t testing.TB) draftHarness {
	t.Helper()
	h := draftHarness{
		repos: newTestRepos(),
		countries: stubCountryResolver{matches: map[string]*domain.CountryMatch{
			"Mumbai": {Name: "India", Code: "IN", Confidence: 0.95},
			"Tokyo":  {Name: "Japan", Code: "JP", Confidence: 0.97},
		}},
		events: &recordingPublisher{},
		clock:  newSequenceClock(),
	}
	ids := &sequenceIDs{}
	records, err := NewRecordService(RecordServiceDeps{
		ComplianceRecords: h.repos.compliance,
		SavedRoutes:       h.repos.savedRoutes,
		ProductAnalyses:   h.repos.products,
		Drafts:            h.repos.drafts,
		Events:            h.events,
		Clock:             h.clock.Now,
		IDGenerator:       ids.Next,
	})
	if err != nil {
		t.Fatalf("new record service: %v", err)
	}
	drafts, err := NewDraftService(DraftServiceDeps{
		Drafts:      h.repos.drafts,
		Records:     records,
		Countries:   h.countries,
		Events:      h.events,
		Clock:       h.clock.Now,
		IDGenerator: ids.Next,
	})
	if err != nil {
		t.Fatalf("new draft service: %v", err)
	}
	h.drafts = drafts
	h.records = records
	return h
}

func sampleRoute() domain.Route {
	return domain.Route{
		Name: "Sea via Singapore",
		Legs: []domain.RouteLeg{
			{ID: "leg-1", Waypoints: []string{"Mumbai", "Nhava Sheva"}, Mode: domain.ModeLand},
			{ID: "leg-2", Waypoints: []string{"Nhava Sheva", "Tokyo"}, Mode: domain.ModeSea},
		},
		TotalCost:        1800,
		TotalTime:        21,
		TotalDistance:    7400,
		TotalCarbonScore: 38,
	}
}

// assertDraftInvariant checks that analysis data and status axes agree.
func assertDraftInvariant(t testing.TB, draft domain.Draft) {
	t.Helper()
	if (draft.ComplianceData == nil) != (draft.Statuses.Compliance == domain.ComplianceNotDone) {
		t.Fatalf("draft %s compliance invariant broken: data=%v status=%s", draft.ID, draft.ComplianceData != nil, draft.Statuses.Compliance)
	}
	if (draft.RouteData == nil) != (draft.Statuses.RouteOptimization == domain.RouteNotDone) {
		t.Fatalf("draft %s route invariant broken: data=%v status=%s", draft.ID, draft.RouteData != nil, draft.Statuses.RouteOptimization)
	}
}
