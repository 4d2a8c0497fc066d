package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/tradelane/api/internal/domain"
	"github.com/tradelane/api/internal/platform/auth"
	"github.com/tradelane/api/internal/services"
)

const testOwner = "user-1"

type stubDraftService struct {
	createFn func(context.Context, string, services.FormData) (services.Draft, error)
	getFn    func(context.Context, string, string) (services.Draft, error)
	updateFn func(context.Context, services.UpdateDraftCommand) (services.Draft, error)
	deleteFn func(context.Context, string, string) error
	listFn   func(context.Context, string, string) ([]services.Draft, error)
	chooseFn func(context.Context, services.ChooseRouteCommand) (services.Draft, error)
	importFn func(context.Context, string, io.Reader) (services.ImportResult, error)
	sweepFn  func(context.Context, int) (int, error)
}

func (s *stubDraftService) CreateDraft(ctx context.Context, ownerID string, form services.FormData) (services.Draft, error) {
	return s.createFn(ctx, ownerID, form)
}

func (s *stubDraftService) GetDraft(ctx context.Context, ownerID, draftID string) (services.Draft, error) {
	return s.getFn(ctx, ownerID, draftID)
}

func (s *stubDraftService) UpdateDraft(ctx context.Context, cmd services.UpdateDraftCommand) (services.Draft, error) {
	return s.updateFn(ctx, cmd)
}

func (s *stubDraftService) DeleteDraft(ctx context.Context, ownerID, draftID string) error {
	return s.deleteFn(ctx, ownerID, draftID)
}

func (s *stubDraftService) ListDrafts(ctx context.Context, ownerID, tab string) ([]services.Draft, error) {
	return s.listFn(ctx, ownerID, tab)
}

func (s *stubDraftService) ApplyComplianceResult(context.Context, string, string, services.ComplianceResult) (services.Draft, error) {
	panic("not used by handlers")
}

func (s *stubDraftService) ApplyRouteChoice(context.Context, string, string, services.Route) (services.Draft, error) {
	panic("not used by handlers")
}

func (s *stubDraftService) CreateDraftWithRoute(context.Context, string, services.RouteForm, services.Route) (services.Draft, error) {
	panic("not used by handlers")
}

func (s *stubDraftService) ChooseRoute(ctx context.Context, cmd services.ChooseRouteCommand) (services.Draft, error) {
	return s.chooseFn(ctx, cmd)
}

func (s *stubDraftService) ApplyCarbonAnalysis(context.Context, string, string, services.CarbonAnalysis) (services.Draft, error) {
	panic("not used by handlers")
}

func (s *stubDraftService) CreateEphemeralDraft(context.Context, string, services.CarbonAnalysis) (services.Draft, error) {
	panic("not used by handlers")
}

func (s *stubDraftService) ImportDrafts(ctx context.Context, ownerID string, r io.Reader) (services.ImportResult, error) {
	return s.importFn(ctx, ownerID, r)
}

func (s *stubDraftService) SweepExpired(ctx context.Context, limit int) (int, error) {
	return s.sweepFn(ctx, limit)
}

var _ services.DraftService = (*stubDraftService)(nil)

type stubRecordService struct {
	complianceFn  func(context.Context, string, services.Pagination) (domain.CursorPage[services.ComplianceRecord], error)
	savedRoutesFn func(context.Context, string, services.Pagination) (domain.CursorPage[services.SavedRoute], error)
	productsFn    func(context.Context, string, services.Pagination) (domain.CursorPage[services.ProductAnalysis], error)
	deleteRouteFn func(context.Context, string, string) error
}

func (s *stubRecordService) RecordCompliance(context.Context, string, string, services.FormData, services.ComplianceResult) (services.ComplianceRecord, error) {
	panic("not used by handlers")
}

func (s *stubRecordService) RecordSavedRoute(context.Context, string, string, services.RouteForm, services.Route) (services.SavedRoute, error) {
	panic("not used by handlers")
}

func (s *stubRecordService) RecordProductAnalysis(context.Context, services.RecordProductAnalysisCommand) (services.ProductAnalysis, services.Draft, error) {
	panic("not used by handlers")
}

func (s *stubRecordService) ListComplianceRecords(ctx context.Context, ownerID string, page services.Pagination) (domain.CursorPage[services.ComplianceRecord], error) {
	return s.complianceFn(ctx, ownerID, page)
}

func (s *stubRecordService) ListSavedRoutes(ctx context.Context, ownerID string, page services.Pagination) (domain.CursorPage[services.SavedRoute], error) {
	return s.savedRoutesFn(ctx, ownerID, page)
}

func (s *stubRecordService) ListProductAnalyses(ctx context.Context, ownerID string, page services.Pagination) (domain.CursorPage[services.ProductAnalysis], error) {
	return s.productsFn(ctx, ownerID, page)
}

func (s *stubRecordService) DeleteSavedRoute(ctx context.Context, ownerID, routeID string) error {
	return s.deleteRouteFn(ctx, ownerID, routeID)
}

var _ services.RecordService = (*stubRecordService)(nil)

type stubComplianceService struct {
	checkFn func(context.Context, services.ComplianceCheckCommand) (services.ComplianceCheckResult, error)
}

func (s *stubComplianceService) Check(ctx context.Context, cmd services.ComplianceCheckCommand) (services.ComplianceCheckResult, error) {
	return s.checkFn(ctx, cmd)
}

type stubRouteService struct {
	optimizeFn func(context.Context, services.OptimizeRoutesCommand) ([]services.Route, error)
}

func (s *stubRouteService) Optimize(ctx context.Context, cmd services.OptimizeRoutesCommand) ([]services.Route, error) {
	return s.optimizeFn(ctx, cmd)
}

type stubCarbonService struct {
	analyzeFn func(context.Context, services.CarbonAnalysisCommand) (services.CarbonAnalysisResult, error)
}

func (s *stubCarbonService) Analyze(ctx context.Context, cmd services.CarbonAnalysisCommand) (services.CarbonAnalysisResult, error) {
	return s.analyzeFn(ctx, cmd)
}

type stubProductAnalysisService struct {
	analyzeFn func(context.Context, services.ProductAnalysisCommand) (services.ProductAnalysisResult, error)
}

func (s *stubProductAnalysisService) Analyze(ctx context.Context, cmd services.ProductAnalysisCommand) (services.ProductAnalysisResult, error) {
	return s.analyzeFn(ctx, cmd)
}

type stubAccountService struct {
	deleteFn func(context.Context, string) (services.PurgeSummary, error)
}

func (s *stubAccountService) DeleteAccount(ctx context.Context, ownerID string) (services.PurgeSummary, error) {
	return s.deleteFn(ctx, ownerID)
}

// serve routes req through a chi router holding the given registrar, as the caller uid when non-empty.
func serve(t *testing.T, routes func(chi.Router), req *http.Request, uid string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	routes(router)
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func jsonRequest(method, path, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func assertErrorResponse(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d (%s)", status, rr.Code, rr.Body.String())
	}
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, rr, &body)
	if body.Error != code {
		t.Fatalf("expected error code %s, got %s", code, body.Error)
	}
}
