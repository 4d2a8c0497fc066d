package firestore

import (
	"context"
	"errors"
	"time"

	domain "github.com/tradelane/api/internal/domain"
	pfirestore "github.com/tradelane/api/internal/platform/firestore"
	"github.com/tradelane/api/internal/repositories"
)

const savedRoutesCollection = "saved_routes"

// SavedRouteRepository stores routes chosen by users.
type SavedRouteRepository struct {
	history *historyCollection[domain.SavedRoute, savedRouteDocument]
}

var _ repositories.SavedRouteRepository = (*SavedRouteRepository)(nil)

// NewSavedRouteRepository constructs a Firestore-backed saved route repository.
func NewSavedRouteRepository(provider *pfirestore.Provider) (*SavedRouteRepository, error) {
	if provider == nil {
		return nil, errors.New("saved route repository: firestore provider is required")
	}
	return &SavedRouteRepository{history: &historyCollection[domain.SavedRoute, savedRouteDocument]{
		name:      savedRoutesCollection,
		base:      pfirestore.NewCollection[savedRouteDocument](provider, savedRoutesCollection),
		encode:    encodeSavedRoute,
		decode:    decodeSavedRoute,
		id:        func(r domain.SavedRoute) string { return r.ID },
		timestamp: func(r domain.SavedRoute) time.Time { return r.Timestamp },
	}}, nil
}

func (r *SavedRouteRepository) Insert(ctx context.Context, route domain.SavedRoute) error {
	return r.history.insert(ctx, route)
}

func (r *SavedRouteRepository) FindByID(ctx context.Context, routeID string) (domain.SavedRoute, error) {
	return r.history.findByID(ctx, routeID)
}

func (r *SavedRouteRepository) Delete(ctx context.Context, routeID string) error {
	return r.history.delete(ctx, routeID)
}

func (r *SavedRouteRepository) ListByOwner(ctx context.Context, ownerID string, page domain.Pagination) (domain.CursorPage[domain.SavedRoute], error) {
	return r.history.listByOwner(ctx, ownerID, page)
}

func (r *SavedRouteRepository) DeleteByOwner(ctx context.Context, ownerID string) (int, error) {
	return r.history.deleteByOwner(ctx, ownerID)
}

type savedRouteDocument struct {
	OwnerUID  string         `firestore:"ownerUid"`
	DraftID   string         `firestore:"draftId,omitempty"`
	From      string         `firestore:"from"`
	To        string         `firestore:"to"`
	WeightKg  float64        `firestore:"weightKg"`
	Route     map[string]any `firestore:"route"`
	Timestamp time.Time      `firestore:"timestamp"`
}

func encodeSavedRoute(saved domain.SavedRoute) (savedRouteDocument, error) {
	route, err := toDocumentMap(saved.Route)
	if err != nil {
		return savedRouteDocument{}, err
	}
	return savedRouteDocument{
		OwnerUID:  saved.OwnerID,
		DraftID:   saved.DraftID,
		From:      saved.From,
		To:        saved.To,
		WeightKg:  saved.WeightKg,
		Route:     route,
		Timestamp: saved.Timestamp.UTC(),
	}, nil
}

func decodeSavedRoute(id string, doc savedRouteDocument) (domain.SavedRoute, error) {
	saved := domain.SavedRoute{
		ID:        id,
		OwnerID:   doc.OwnerUID,
		DraftID:   doc.DraftID,
		From:      doc.From,
		To:        doc.To,
		WeightKg:  doc.WeightKg,
		Timestamp: doc.Timestamp.UTC(),
	}
	if err := fromDocumentMap(doc.Route, &saved.Route); err != nil {
		return domain.SavedRoute{}, err
	}
	return saved, nil
}
