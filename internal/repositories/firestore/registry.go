package firestore

import (
	"context"
	"errors"
	"fmt"

	pfirestore "github.com/tradelane/api/internal/platform/firestore"
	"github.com/tradelane/api/internal/repositories"
)

// Registry exposes the Firestore-backed repositories sharing a single provider.
type Registry struct {
	provider          *pfirestore.Provider
	drafts            *DraftRepository
	complianceRecords *ComplianceRecordRepository
	savedRoutes       *SavedRouteRepository
	productAnalyses   *ProductAnalysisRepository
	health            repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository on top of provider. health may be nil when readiness checks
// are not wired.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("repository registry: firestore provider is required")
	}
	drafts, err := NewDraftRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("repository registry: %w", err)
	}
	complianceRecords, err := NewComplianceRecordRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("repository registry: %w", err)
	}
	savedRoutes, err := NewSavedRouteRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("repository registry: %w", err)
	}
	productAnalyses, err := NewProductAnalysisRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("repository registry: %w", err)
	}
	return &Registry{
		provider:          provider,
		drafts:            drafts,
		complianceRecords: complianceRecords,
		savedRoutes:       savedRoutes,
		productAnalyses:   productAnalyses,
		health:            health,
	}, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Drafts() repositories.DraftRepository { return r.drafts }

func (r *Registry) ComplianceRecords() repositories.ComplianceRecordRepository {
	return r.complianceRecords
}

func (r *Registry) SavedRoutes() repositories.SavedRouteRepository { return r.savedRoutes }

func (r *Registry) ProductAnalyses() repositories.ProductAnalysisRepository {
	return r.productAnalyses
}

func (r *Registry) Health() repositories.HealthRepository { return r.health }
