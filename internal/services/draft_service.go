package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/tradelane/api/internal/domain"
	"github.com/tradelane/api/internal/repositories"
)

const (
	draftIDPrefix       = "drf_"
	defaultEphemeralTTL = 24 * time.Hour
	defaultDraftListCap = 500
	patchKeyFormData    = "formData"
	patchKeyCarbonData  = "carbonAnalysisData"
)

// DraftServiceDeps wires the draft service.
type DraftServiceDeps struct {
	Drafts        repositories.DraftRepository
	Records       RecordService
	Countries     CountryResolver
	Events        DraftEventPublisher
	Clock         func() time.Time
	IDGenerator   func() string
	EphemeralTTL  time.Duration
	MaxImportRows int
	Logger        func(context.Context, string, map[string]any)
}

type draftService struct {
	drafts        repositories.DraftRepository
	records       RecordService
	countries     CountryResolver
	events        DraftEventPublisher
	clock         func() time.Time
	newID         func() string
	ephemeralTTL  time.Duration
	maxImportRows int
	logger        func(context.Context, string, map[string]any)
}

var _ DraftService = (*draftService)(nil)

// NewDraftService constructs a DraftService.
func NewDraftService(deps DraftServiceDeps) (DraftService, error) {
	if deps.Drafts == nil {
		return nil, errors.New("draft service: drafts repository is required")
	}
	if deps.Records == nil {
		return nil, errors.New("draft service: record service is required")
	}
	if deps.Countries == nil {
		return nil, errors.New("draft service: country resolver is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	ttl := deps.EphemeralTTL
	if ttl <= 0 {
		ttl = defaultEphemeralTTL
	}
	maxRows := deps.MaxImportRows
	if maxRows <= 0 {
		maxRows = defaultMaxImportRows
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &draftService{
		drafts:        deps.Drafts,
		records:       deps.Records,
		countries:     deps.Countries,
		events:        deps.Events,
		clock:         func() time.Time { return clock().UTC() },
		newID:         idGen,
		ephemeralTTL:  ttl,
		maxImportRows: maxRows,
		logger:        logger,
	}, nil
}

// CreateDraft stores a new draft with both status axes unset.
func (s *draftService) CreateDraft(ctx context.Context, ownerID string, form FormData) (Draft, error) {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return Draft{}, err
	}
	draft := newDraft(s.nextDraftID(), ownerID, form, s.clock())
	if err := s.drafts.Insert(ctx, draft); err != nil {
		return Draft{}, storageError(err, nil)
	}
	publishDraftEvent(ctx, s.events, s.logger, DraftEventCreated, draft)
	return draft, nil
}

// GetDraft returns the caller's draft. Missing and foreign drafts are indistinguishable.
func (s *draftService) GetDraft(ctx context.Context, ownerID, draftID string) (Draft, error) {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return Draft{}, err
	}
	draftID = strings.TrimSpace(draftID)
	if draftID == "" {
		return Draft{}, invalidInput("draft id is required")
	}
	draft, err := s.drafts.FindByID(ctx, draftID)
	if err != nil {
		return Draft{}, storageError(err, ErrDraftNotFound)
	}
	if draft.OwnerID != ownerID {
		return Draft{}, fmt.Errorf("%w: %s", ErrDraftNotFound, draftID)
	}
	return draft, nil
}

// UpdateDraft applies an allow-listed patch: formData sub-groups and carbonAnalysisData.
func (s *draftService) UpdateDraft(ctx context.Context, cmd UpdateDraftCommand) (Draft, error) {
	if len(cmd.Patch) == 0 {
		return Draft{}, invalidInput("patch is empty")
	}
	for key := range cmd.Patch {
		if key != patchKeyFormData && key != patchKeyCarbonData {
			return Draft{}, invalidInput("field %q cannot be updated", key)
		}
	}

	draft, err := s.GetDraft(ctx, cmd.OwnerID, cmd.DraftID)
	if err != nil {
		return Draft{}, err
	}

	if raw, ok := cmd.Patch[patchKeyFormData]; ok {
		if err := applyFormPatch(&draft.FormData, raw); err != nil {
			return Draft{}, err
		}
	}
	if raw, ok := cmd.Patch[patchKeyCarbonData]; ok {
		analysis, err := decodeCarbonPatch(raw)
		if err != nil {
			return Draft{}, err
		}
		draft.CarbonAnalysisData = analysis
	}

	draft.Timestamp = s.clock()
	if err := s.drafts.Replace(ctx, draft); err != nil {
		return Draft{}, storageError(err, ErrDraftNotFound)
	}
	return draft, nil
}

// DeleteDraft removes the caller's draft. History records that reference it are kept.
func (s *draftService) DeleteDraft(ctx context.Context, ownerID, draftID string) error {
	draft, err := s.GetDraft(ctx, ownerID, draftID)
	if err != nil {
		return err
	}
	if err := s.drafts.Delete(ctx, draft.ID); err != nil {
		return storageError(err, ErrDraftNotFound)
	}
	publishDraftEvent(ctx, s.events, s.logger, DraftEventDeleted, draft)
	return nil
}

// ListDrafts returns the caller's non-ephemeral drafts under tab, newest first.
func (s *draftService) ListDrafts(ctx context.Context, ownerID, rawTab string) ([]Draft, error) {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return nil, err
	}
	tab, ok := domain.ParseDraftTab(rawTab)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDraftInvalidTab, rawTab)
	}
	compliance, routes := tab.Predicate()
	found, err := s.drafts.List(ctx, repositories.DraftListFilter{
		OwnerID:     ownerID,
		Compliance:  compliance,
		RouteStates: routes,
		Limit:       defaultDraftListCap,
	})
	if err != nil {
		return nil, storageError(err, nil)
	}

	drafts := make([]Draft, 0, len(found))
	for _, draft := range found {
		if draft.OwnerID != ownerID || draft.Ephemeral() || !tab.Matches(draft.Statuses) {
			continue
		}
		drafts = append(drafts, draft)
	}
	sort.SliceStable(drafts, func(i, j int) bool {
		return drafts[i].Timestamp.After(drafts[j].Timestamp)
	})
	return drafts, nil
}

// ApplyComplianceResult stores result on the draft and moves the compliance axis accordingly.
func (s *draftService) ApplyComplianceResult(ctx context.Context, ownerID, draftID string, result ComplianceResult) (Draft, error) {
	draft, err := s.GetDraft(ctx, ownerID, draftID)
	if err != nil {
		return Draft{}, err
	}
	stored := result
	draft.ComplianceData = &stored
	draft.Statuses.Compliance = result.State()
	draft.ExpiresAt = nil
	draft.Timestamp = s.clock()
	if err := s.drafts.Replace(ctx, draft); err != nil {
		return Draft{}, storageError(err, ErrDraftNotFound)
	}
	publishDraftEvent(ctx, s.events, s.logger, DraftEventComplianceApplied, draft)
	return draft, nil
}

// ApplyRouteChoice stores the chosen route and marks route optimization done.
func (s *draftService) ApplyRouteChoice(ctx context.Context, ownerID, draftID string, route Route) (Draft, error) {
	if len(route.Legs) == 0 {
		return Draft{}, invalidInput("route must have at least one leg")
	}
	draft, err := s.GetDraft(ctx, ownerID, draftID)
	if err != nil {
		return Draft{}, err
	}
	stored := route
	draft.RouteData = &stored
	draft.Statuses.RouteOptimization = domain.RouteDone
	draft.ExpiresAt = nil
	draft.Timestamp = s.clock()
	if err := s.drafts.Replace(ctx, draft); err != nil {
		return Draft{}, storageError(err, ErrDraftNotFound)
	}
	publishDraftEvent(ctx, s.events, s.logger, DraftEventRouteApplied, draft)
	return draft, nil
}

// CreateDraftWithRoute resolves both places to supported countries and creates a routed draft.
// Nothing is stored when either place cannot be resolved.
func (s *draftService) CreateDraftWithRoute(ctx context.Context, ownerID string, form RouteForm, route Route) (Draft, error) {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return Draft{}, err
	}
	from, to, weight, err := validateRouteForm(form)
	if err != nil {
		return Draft{}, err
	}
	if len(route.Legs) == 0 {
		return Draft{}, invalidInput("route must have at least one leg")
	}

	origin, err := s.resolveCountry(ctx, from)
	if err != nil {
		return Draft{}, err
	}
	destination, err := s.resolveCountry(ctx, to)
	if err != nil {
		return Draft{}, err
	}

	var formData FormData
	formData.SetField(domain.GroupShipmentDetails, domain.FieldOriginCountry, origin.Code)
	formData.SetField(domain.GroupShipmentDetails, domain.FieldDestinationCountry, destination.Code)
	formData.SetField(domain.GroupShipmentDetails, domain.FieldGrossWeight, weight)

	draft := newDraft(s.nextDraftID(), ownerID, formData, s.clock())
	stored := route
	draft.RouteData = &stored
	draft.Statuses.RouteOptimization = domain.RouteDone
	if err := s.drafts.Insert(ctx, draft); err != nil {
		return Draft{}, storageError(err, nil)
	}
	publishDraftEvent(ctx, s.events, s.logger, DraftEventCreated, draft)
	return draft, nil
}

func (s *draftService) resolveCountry(ctx context.Context, place string) (*domain.CountryMatch, error) {
	match, err := s.countries.NormalizeCountry(ctx, place)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnresolvableLocation, place)
	}
	return match, nil
}

// ChooseRoute applies route to an existing draft, or creates a draft from the inline form, and
// records the choice as a saved route.
func (s *draftService) ChooseRoute(ctx context.Context, cmd ChooseRouteCommand) (Draft, error) {
	draftID := strings.TrimSpace(cmd.DraftID)
	if draftID == "" {
		if cmd.Form == nil {
			return Draft{}, invalidInput("draftId or formData is required")
		}
		draft, err := s.CreateDraftWithRoute(ctx, cmd.OwnerID, *cmd.Form, cmd.Route)
		if err != nil {
			return Draft{}, err
		}
		if _, err := s.records.RecordSavedRoute(ctx, draft.OwnerID, draft.ID, *cmd.Form, cmd.Route); err != nil {
			return Draft{}, err
		}
		return draft, nil
	}

	if len(cmd.Route.Legs) == 0 {
		return Draft{}, invalidInput("route must have at least one leg")
	}
	existing, err := s.GetDraft(ctx, cmd.OwnerID, draftID)
	if err != nil {
		return Draft{}, err
	}
	form := routeFormFromDraft(existing)
	if cmd.Form != nil {
		form = *cmd.Form
	}
	if _, err := s.records.RecordSavedRoute(ctx, existing.OwnerID, existing.ID, form, cmd.Route); err != nil {
		return Draft{}, err
	}
	return s.ApplyRouteChoice(ctx, existing.OwnerID, existing.ID, cmd.Route)
}

func routeFormFromDraft(draft Draft) RouteForm {
	details := draft.FormData.ShipmentDetails
	form := RouteForm{
		From: details.String(domain.FieldOriginCountry),
		To:   details.String(domain.FieldDestinationCountry),
	}
	if weight, ok := parseAmount(details.String(domain.FieldGrossWeight)); ok {
		form.Weight = weight
	}
	return form
}

// ApplyCarbonAnalysis stores analysis on the draft. Status axes are left untouched.
func (s *draftService) ApplyCarbonAnalysis(ctx context.Context, ownerID, draftID string, analysis CarbonAnalysis) (Draft, error) {
	draft, err := s.GetDraft(ctx, ownerID, draftID)
	if err != nil {
		return Draft{}, err
	}
	stored := analysis
	draft.CarbonAnalysisData = &stored
	draft.Timestamp = s.clock()
	if err := s.drafts.Replace(ctx, draft); err != nil {
		return Draft{}, storageError(err, ErrDraftNotFound)
	}
	return draft, nil
}

// CreateEphemeralDraft holds a carbon analysis that is not tied to a saved draft. It expires after
// the configured TTL and never appears in tab listings.
func (s *draftService) CreateEphemeralDraft(ctx context.Context, ownerID string, analysis CarbonAnalysis) (Draft, error) {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return Draft{}, err
	}
	now := s.clock()
	draft := newDraft(s.nextDraftID(), ownerID, FormData{}, now)
	stored := analysis
	draft.CarbonAnalysisData = &stored
	expires := now.Add(s.ephemeralTTL)
	draft.ExpiresAt = &expires
	if err := s.drafts.Insert(ctx, draft); err != nil {
		return Draft{}, storageError(err, nil)
	}
	return draft, nil
}

// SweepExpired deletes ephemeral drafts past their expiry.
func (s *draftService) SweepExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultDraftListCap
	}
	removed, err := s.drafts.DeleteExpired(ctx, s.clock(), limit)
	if err != nil {
		return removed, storageError(err, nil)
	}
	if removed > 0 {
		s.logger(ctx, "draft.sweep.completed", map[string]any{"removed": removed})
	}
	return removed, nil
}

func (s *draftService) nextDraftID() string {
	return draftIDPrefix + strings.ToLower(strings.TrimSpace(s.newID()))
}

// newDraft builds a draft with both status axes unset and no analysis data.
func newDraft(id, ownerID string, form FormData, now time.Time) Draft {
	return Draft{
		ID:        id,
		OwnerID:   ownerID,
		FormData:  form,
		Statuses:  domain.NewDraftStatuses(),
		Timestamp: now,
	}
}

func requireOwner(ownerID string) (string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", invalidInput("owner id is required")
	}
	return ownerID, nil
}

func publishDraftEvent(ctx context.Context, publisher DraftEventPublisher, logger func(context.Context, string, map[string]any), eventType DraftEventType, draft Draft) {
	if publisher == nil {
		return
	}
	event := DraftEvent{
		Type:       eventType,
		DraftID:    draft.ID,
		OwnerID:    draft.OwnerID,
		Statuses:   draft.Statuses,
		OccurredAt: draft.Timestamp,
	}
	if _, err := publisher.PublishDraftEvent(ctx, event); err != nil {
		logger(ctx, "draft.event.publish_failed", map[string]any{
			"type":    string(eventType),
			"draftId": draft.ID,
			"error":   err.Error(),
		})
	}
}

// FormDataFromMap builds a form from its JSON object representation. Keys outside the known
// sub-groups are kept in Extra.
func FormDataFromMap(raw map[string]any) (FormData, error) {
	var form FormData
	if raw == nil {
		return form, nil
	}
	if err := applyFormPatch(&form, raw); err != nil {
		return FormData{}, err
	}
	return form, nil
}

// applyFormPatch replaces each sub-group present in raw. Unknown keys are merged into Extra.
func applyFormPatch(form *FormData, raw any) error {
	payload, err := json.Marshal(raw)
	if err != nil {
		return invalidInput("formData: %v", err)
	}
	var groups map[string]json.RawMessage
	if err := json.Unmarshal(payload, &groups); err != nil || groups == nil {
		return invalidInput("formData must be an object")
	}
	for name, value := range groups {
		if name == domain.GroupDocumentVerification {
			var docs map[string]domain.DocumentCheck
			if err := json.Unmarshal(value, &docs); err != nil {
				return invalidInput("formData.%s: %v", name, err)
			}
			form.DocumentVerification = docs
			continue
		}
		if isFormGroup(name) {
			var fields domain.FormFields
			if err := json.Unmarshal(value, &fields); err != nil {
				return invalidInput("formData.%s: %v", name, err)
			}
			replaceFormGroup(form, name, fields)
			continue
		}
		var extra any
		if err := json.Unmarshal(value, &extra); err != nil {
			return invalidInput("formData.%s: %v", name, err)
		}
		if form.Extra == nil {
			form.Extra = map[string]any{}
		}
		form.Extra[name] = extra
	}
	return nil
}

func isFormGroup(name string) bool {
	switch name {
	case domain.GroupShipmentDetails, domain.GroupTradeAndRegulatoryDetails, domain.GroupPartiesAndIdentifiers,
		domain.GroupLogisticsAndHandling, domain.GroupIntendedUseDetails:
		return true
	default:
		return false
	}
}

func replaceFormGroup(form *FormData, name string, fields domain.FormFields) {
	switch name {
	case domain.GroupShipmentDetails:
		form.ShipmentDetails = fields
	case domain.GroupTradeAndRegulatoryDetails:
		form.TradeAndRegulatoryDetails = fields
	case domain.GroupPartiesAndIdentifiers:
		form.PartiesAndIdentifiers = fields
	case domain.GroupLogisticsAndHandling:
		form.LogisticsAndHandling = fields
	case domain.GroupIntendedUseDetails:
		form.IntendedUseDetails = fields
	}
}

func decodeCarbonPatch(raw any) (*CarbonAnalysis, error) {
	if raw == nil {
		return nil, nil
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, invalidInput("carbonAnalysisData: %v", err)
	}
	var analysis CarbonAnalysis
	if err := json.Unmarshal(payload, &analysis); err != nil {
		return nil, invalidInput("carbonAnalysisData: %v", err)
	}
	return &analysis, nil
}
