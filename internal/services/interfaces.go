package services

import (
	"context"
	"io"
	"time"

	domain "github.com/tradelane/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination            = domain.Pagination
	Draft                 = domain.Draft
	FormData              = domain.FormData
	ComplianceResult      = domain.ComplianceResult
	Route                 = domain.Route
	RouteForm             = domain.RouteForm
	CarbonAnalysis        = domain.CarbonAnalysis
	ProductClassification = domain.ProductClassification
	ComplianceRecord      = domain.ComplianceRecord
	SavedRoute            = domain.SavedRoute
	ProductAnalysis       = domain.ProductAnalysis
	SystemHealthReport    = domain.SystemHealthReport
)

// Reasoner is the single-shot text completion collaborator.
type Reasoner interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Geocoder resolves places to coordinates and computes driving polylines.
type Geocoder interface {
	ResolvePlace(ctx context.Context, name string) (domain.LatLng, error)
	DrivingPolyline(ctx context.Context, points []domain.LatLng) (string, error)
}

// ImageLabeler returns vision labels for an image.
type ImageLabeler interface {
	LabelImage(ctx context.Context, data []byte, mimeType string) ([]domain.ImageLabel, error)
}

// ImageStore persists product images and issues short-lived read URLs.
type ImageStore interface {
	PutObject(ctx context.Context, object string, contentType string, data []byte) (domain.ImageMeta, error)
	SignedReadURL(ctx context.Context, object string, ttl time.Duration) (string, error)
}

// DraftEventPublisher publishes draft lifecycle notifications.
type DraftEventPublisher interface {
	PublishDraftEvent(ctx context.Context, event DraftEvent) (string, error)
}

// UserDeleter removes an identity-provider account.
type UserDeleter interface {
	DeleteUser(ctx context.Context, uid string) error
}

// CountryResolver resolves a free-text place to a supported country.
type CountryResolver interface {
	NormalizeCountry(ctx context.Context, place string) (*domain.CountryMatch, error)
}

// DraftEventType names the lifecycle transition being announced.
type DraftEventType string

const (
	DraftEventCreated           DraftEventType = "draft.created"
	DraftEventComplianceApplied DraftEventType = "draft.compliance_applied"
	DraftEventRouteApplied      DraftEventType = "draft.route_applied"
	DraftEventDeleted           DraftEventType = "draft.deleted"
)

// DraftEvent is the payload of a draft lifecycle notification.
type DraftEvent struct {
	Type       DraftEventType       `json:"type"`
	DraftID    string               `json:"draftId"`
	OwnerID    string               `json:"ownerId"`
	Statuses   domain.DraftStatuses `json:"statuses"`
	OccurredAt time.Time            `json:"occurredAt"`
}

// DraftService owns the draft lifecycle and the two-axis status model.
type DraftService interface {
	CreateDraft(ctx context.Context, ownerID string, form FormData) (Draft, error)
	GetDraft(ctx context.Context, ownerID, draftID string) (Draft, error)
	UpdateDraft(ctx context.Context, cmd UpdateDraftCommand) (Draft, error)
	DeleteDraft(ctx context.Context, ownerID, draftID string) error
	ListDrafts(ctx context.Context, ownerID, tab string) ([]Draft, error)
	ApplyComplianceResult(ctx context.Context, ownerID, draftID string, result ComplianceResult) (Draft, error)
	ApplyRouteChoice(ctx context.Context, ownerID, draftID string, route Route) (Draft, error)
	CreateDraftWithRoute(ctx context.Context, ownerID string, form RouteForm, route Route) (Draft, error)
	ChooseRoute(ctx context.Context, cmd ChooseRouteCommand) (Draft, error)
	ApplyCarbonAnalysis(ctx context.Context, ownerID, draftID string, analysis CarbonAnalysis) (Draft, error)
	CreateEphemeralDraft(ctx context.Context, ownerID string, analysis CarbonAnalysis) (Draft, error)
	ImportDrafts(ctx context.Context, ownerID string, csv io.Reader) (ImportResult, error)
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// UpdateDraftCommand carries a raw patch. Only formData and carbonAnalysisData may be patched.
type UpdateDraftCommand struct {
	OwnerID string
	DraftID string
	Patch   map[string]any
}

// ChooseRouteCommand selects a route for an existing draft or for a new draft built from Form.
type ChooseRouteCommand struct {
	OwnerID string
	DraftID string
	Form    *RouteForm
	Route   Route
}

// ImportResult summarises a CSV bulk import.
type ImportResult struct {
	Created []Draft
	Errors  []ImportRowError
}

// ImportRowError reports a rejected CSV row. Row numbers are 1-based and exclude the header.
type ImportRowError struct {
	Row     int
	Message string
}

// RecordService writes and lists append-only history records.
type RecordService interface {
	RecordCompliance(ctx context.Context, ownerID, draftID string, form FormData, result ComplianceResult) (ComplianceRecord, error)
	RecordSavedRoute(ctx context.Context, ownerID, draftID string, form RouteForm, route Route) (SavedRoute, error)
	RecordProductAnalysis(ctx context.Context, cmd RecordProductAnalysisCommand) (ProductAnalysis, Draft, error)
	ListComplianceRecords(ctx context.Context, ownerID string, page Pagination) (domain.CursorPage[ComplianceRecord], error)
	ListSavedRoutes(ctx context.Context, ownerID string, page Pagination) (domain.CursorPage[SavedRoute], error)
	ListProductAnalyses(ctx context.Context, ownerID string, page Pagination) (domain.CursorPage[ProductAnalysis], error)
	DeleteSavedRoute(ctx context.Context, ownerID, routeID string) error
}

// RecordProductAnalysisCommand carries everything produced by an image analysis.
type RecordProductAnalysisCommand struct {
	OwnerID        string
	AnalysisID     string
	Image          domain.ImageMeta
	Labels         []domain.ImageLabel
	Classification ProductClassification
}

// ComplianceService runs compliance checks and persists their results.
type ComplianceService interface {
	Check(ctx context.Context, cmd ComplianceCheckCommand) (ComplianceCheckResult, error)
}

// ComplianceCheckCommand requests a compliance check of a form, optionally bound to a draft.
type ComplianceCheckCommand struct {
	OwnerID  string
	DraftID  string
	FormData FormData
}

// ComplianceCheckResult returns the result and the draft it was applied to.
type ComplianceCheckResult struct {
	Result ComplianceResult
	Draft  Draft
}

// RouteService generates validated route options.
type RouteService interface {
	Optimize(ctx context.Context, cmd OptimizeRoutesCommand) ([]Route, error)
}

// OptimizeRoutesCommand asks for route options between two places.
type OptimizeRoutesCommand struct {
	OwnerID string
	Form    RouteForm
}

// CarbonService estimates carbon footprints.
type CarbonService interface {
	Analyze(ctx context.Context, cmd CarbonAnalysisCommand) (CarbonAnalysisResult, error)
}

// CarbonAnalysisCommand requests an estimate, stored on DraftID or on a new ephemeral draft.
type CarbonAnalysisCommand struct {
	OwnerID string
	DraftID string
	Form    RouteForm
	Mode    string
}

// CarbonAnalysisResult returns the estimate and the draft holding it.
type CarbonAnalysisResult struct {
	Analysis CarbonAnalysis
	Draft    Draft
}

// ProductAnalysisService classifies product images.
type ProductAnalysisService interface {
	Analyze(ctx context.Context, cmd ProductAnalysisCommand) (ProductAnalysisResult, error)
}

// ProductAnalysisCommand carries an uploaded product image.
type ProductAnalysisCommand struct {
	OwnerID     string
	FileName    string
	ContentType string
	Data        []byte
}

// ProductAnalysisResult returns the stored analysis, the seeded draft and a read URL for the image.
type ProductAnalysisResult struct {
	Analysis ProductAnalysis
	Draft    Draft
	ImageURL string
}

// AccountService removes everything a user owns.
type AccountService interface {
	DeleteAccount(ctx context.Context, ownerID string) (PurgeSummary, error)
}

// PurgeSummary counts removed documents per collection.
type PurgeSummary struct {
	Drafts            int
	ComplianceRecords int
	SavedRoutes       int
	ProductAnalyses   int
}

// SystemService exposes health information.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}
