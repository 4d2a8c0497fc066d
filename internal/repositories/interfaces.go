package repositories

import (
	"context"
	"errors"
	"time"

	domain "github.com/tradelane/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Drafts() DraftRepository
	ComplianceRecords() ComplianceRecordRepository
	SavedRoutes() SavedRouteRepository
	ProductAnalyses() ProductAnalysisRepository
	Health() HealthRepository
}

// ErrInvalidPageToken indicates a history page token that was not issued by the repository.
var ErrInvalidPageToken = errors.New("repository: invalid page token")

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// DraftListFilter narrows owner-scoped draft listings by status pair.
type DraftListFilter struct {
	OwnerID     string
	Compliance  domain.ComplianceState
	RouteStates []domain.RouteState
	Limit       int
}

// DraftRepository persists draft documents.
type DraftRepository interface {
	Insert(ctx context.Context, draft domain.Draft) error
	Replace(ctx context.Context, draft domain.Draft) error
	FindByID(ctx context.Context, draftID string) (domain.Draft, error)
	Delete(ctx context.Context, draftID string) error
	List(ctx context.Context, filter DraftListFilter) ([]domain.Draft, error)
	DeleteByOwner(ctx context.Context, ownerID string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ComplianceRecordRepository stores append-only compliance history.
type ComplianceRecordRepository interface {
	Insert(ctx context.Context, record domain.ComplianceRecord) error
	ListByOwner(ctx context.Context, ownerID string, page domain.Pagination) (domain.CursorPage[domain.ComplianceRecord], error)
	DeleteByOwner(ctx context.Context, ownerID string) (int, error)
}

// SavedRouteRepository stores chosen routes.
type SavedRouteRepository interface {
	Insert(ctx context.Context, route domain.SavedRoute) error
	FindByID(ctx context.Context, routeID string) (domain.SavedRoute, error)
	Delete(ctx context.Context, routeID string) error
	ListByOwner(ctx context.Context, ownerID string, page domain.Pagination) (domain.CursorPage[domain.SavedRoute], error)
	DeleteByOwner(ctx context.Context, ownerID string) (int, error)
}

// ProductAnalysisRepository stores append-only product classification history.
type ProductAnalysisRepository interface {
	Insert(ctx context.Context, analysis domain.ProductAnalysis) error
	ListByOwner(ctx context.Context, ownerID string, page domain.Pagination) (domain.CursorPage[domain.ProductAnalysis], error)
	DeleteByOwner(ctx context.Context, ownerID string) (int, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
