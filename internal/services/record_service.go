package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/tradelane/api/internal/domain"
	"github.com/tradelane/api/internal/repositories"
)

const (
	complianceRecordIDPrefix = "cmp_"
	savedRouteIDPrefix       = "rte_"
	productAnalysisIDPrefix  = "pra_"

	defaultHistoryPageSize = 20
	maxHistoryPageSize     = 100
)

// RecordServiceDeps wires the history record writers. Drafts seeds drafts from product analyses.
type RecordServiceDeps struct {
	ComplianceRecords repositories.ComplianceRecordRepository
	SavedRoutes       repositories.SavedRouteRepository
	ProductAnalyses   repositories.ProductAnalysisRepository
	Drafts            repositories.DraftRepository
	Events            DraftEventPublisher
	Clock             func() time.Time
	IDGenerator       func() string
	Logger            func(context.Context, string, map[string]any)
}

type recordService struct {
	complianceRecords repositories.ComplianceRecordRepository
	savedRoutes       repositories.SavedRouteRepository
	productAnalyses   repositories.ProductAnalysisRepository
	drafts            repositories.DraftRepository
	events            DraftEventPublisher
	clock             func() time.Time
	newID             func() string
	logger            func(context.Context, string, map[string]any)
}

var _ RecordService = (*recordService)(nil)

// NewRecordService constructs a RecordService.
func NewRecordService(deps RecordServiceDeps) (RecordService, error) {
	switch {
	case deps.ComplianceRecords == nil:
		return nil, errors.New("record service: compliance record repository is required")
	case deps.SavedRoutes == nil:
		return nil, errors.New("record service: saved route repository is required")
	case deps.ProductAnalyses == nil:
		return nil, errors.New("record service: product analysis repository is required")
	case deps.Drafts == nil:
		return nil, errors.New("record service: drafts repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &recordService{
		complianceRecords: deps.ComplianceRecords,
		savedRoutes:       deps.SavedRoutes,
		productAnalyses:   deps.ProductAnalyses,
		drafts:            deps.Drafts,
		events:            deps.Events,
		clock:             func() time.Time { return clock().UTC() },
		newID:             idGen,
		logger:            logger,
	}, nil
}

func (s *recordService) nextID(prefix string) string {
	return prefix + strings.ToLower(strings.TrimSpace(s.newID()))
}

// RecordCompliance appends a compliance history entry.
func (s *recordService) RecordCompliance(ctx context.Context, ownerID, draftID string, form FormData, result ComplianceResult) (ComplianceRecord, error) {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return ComplianceRecord{}, err
	}
	record := ComplianceRecord{
		ID:        s.nextID(complianceRecordIDPrefix),
		OwnerID:   ownerID,
		DraftID:   strings.TrimSpace(draftID),
		FormData:  form,
		Result:    result,
		Timestamp: s.clock(),
	}
	if err := s.complianceRecords.Insert(ctx, record); err != nil {
		return ComplianceRecord{}, storageError(err, nil)
	}
	return record, nil
}

// RecordSavedRoute appends a chosen route after checking the inline form.
func (s *recordService) RecordSavedRoute(ctx context.Context, ownerID, draftID string, form RouteForm, route Route) (SavedRoute, error) {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return SavedRoute{}, err
	}
	from, to, weight, err := validateRouteForm(form)
	if err != nil {
		return SavedRoute{}, err
	}
	saved := SavedRoute{
		ID:        s.nextID(savedRouteIDPrefix),
		OwnerID:   ownerID,
		DraftID:   strings.TrimSpace(draftID),
		From:      from,
		To:        to,
		WeightKg:  weight,
		Route:     route,
		Timestamp: s.clock(),
	}
	if err := s.savedRoutes.Insert(ctx, saved); err != nil {
		return SavedRoute{}, storageError(err, nil)
	}
	return saved, nil
}

// RecordProductAnalysis appends the analysis, then seeds a draft with the classified fields.
func (s *recordService) RecordProductAnalysis(ctx context.Context, cmd RecordProductAnalysisCommand) (ProductAnalysis, Draft, error) {
	ownerID, err := requireOwner(cmd.OwnerID)
	if err != nil {
		return ProductAnalysis{}, Draft{}, err
	}
	now := s.clock()
	analysisID := strings.TrimSpace(cmd.AnalysisID)
	if analysisID == "" {
		analysisID = s.nextID(productAnalysisIDPrefix)
	}
	draftID := s.nextID(draftIDPrefix)

	analysis := ProductAnalysis{
		ID:             analysisID,
		OwnerID:        ownerID,
		DraftID:        draftID,
		Image:          cmd.Image,
		Labels:         cmd.Labels,
		Classification: cmd.Classification,
		Timestamp:      now,
	}
	if err := s.productAnalyses.Insert(ctx, analysis); err != nil {
		return ProductAnalysis{}, Draft{}, storageError(err, nil)
	}

	draft := newDraft(draftID, ownerID, seedFormFromClassification(cmd.Classification), now)
	stored := cmd.Classification
	draft.ProductAnalysisData = &stored
	if err := s.drafts.Insert(ctx, draft); err != nil {
		return analysis, Draft{}, storageError(err, nil)
	}
	publishDraftEvent(ctx, s.events, s.logger, DraftEventCreated, draft)
	return analysis, draft, nil
}

func seedFormFromClassification(c ProductClassification) FormData {
	var form FormData
	if hs := strings.TrimSpace(c.HSCode); hs != "" {
		form.SetField(domain.GroupShipmentDetails, domain.FieldHSCode, hs)
	}
	if desc := strings.TrimSpace(c.ProductDescription); desc != "" {
		form.SetField(domain.GroupShipmentDetails, domain.FieldProductDescription, desc)
	}
	form.SetField(domain.GroupLogisticsAndHandling, domain.FieldPerishable, yesNo(c.Perishable))
	form.SetField(domain.GroupLogisticsAndHandling, domain.FieldHazardous, yesNo(c.Hazardous))
	if c.DualUse {
		form.SetField(domain.GroupTradeAndRegulatoryDetails, domain.FieldDualUse, yesNo(true))
	}
	return form
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

func (s *recordService) ListComplianceRecords(ctx context.Context, ownerID string, page Pagination) (domain.CursorPage[ComplianceRecord], error) {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return domain.CursorPage[ComplianceRecord]{}, err
	}
	result, err := s.complianceRecords.ListByOwner(ctx, ownerID, normalizeHistoryPage(page))
	if err != nil {
		return domain.CursorPage[ComplianceRecord]{}, storageError(err, nil)
	}
	return result, nil
}

func (s *recordService) ListSavedRoutes(ctx context.Context, ownerID string, page Pagination) (domain.CursorPage[SavedRoute], error) {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return domain.CursorPage[SavedRoute]{}, err
	}
	result, err := s.savedRoutes.ListByOwner(ctx, ownerID, normalizeHistoryPage(page))
	if err != nil {
		return domain.CursorPage[SavedRoute]{}, storageError(err, nil)
	}
	return result, nil
}

func (s *recordService) ListProductAnalyses(ctx context.Context, ownerID string, page Pagination) (domain.CursorPage[ProductAnalysis], error) {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return domain.CursorPage[ProductAnalysis]{}, err
	}
	result, err := s.productAnalyses.ListByOwner(ctx, ownerID, normalizeHistoryPage(page))
	if err != nil {
		return domain.CursorPage[ProductAnalysis]{}, storageError(err, nil)
	}
	return result, nil
}

// DeleteSavedRoute removes one of the caller's saved routes.
func (s *recordService) DeleteSavedRoute(ctx context.Context, ownerID, routeID string) error {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return err
	}
	routeID = strings.TrimSpace(routeID)
	if routeID == "" {
		return invalidInput("route id is required")
	}
	saved, err := s.savedRoutes.FindByID(ctx, routeID)
	if err != nil {
		return storageError(err, ErrRecordNotFound)
	}
	if saved.OwnerID != ownerID {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, routeID)
	}
	if err := s.savedRoutes.Delete(ctx, routeID); err != nil {
		return storageError(err, ErrRecordNotFound)
	}
	return nil
}

func normalizeHistoryPage(page Pagination) Pagination {
	switch {
	case page.PageSize <= 0:
		page.PageSize = defaultHistoryPageSize
	case page.PageSize > maxHistoryPageSize:
		page.PageSize = maxHistoryPageSize
	}
	page.PageToken = strings.TrimSpace(page.PageToken)
	return page
}
