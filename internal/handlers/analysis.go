package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/tradelane/api/internal/domain"
	"github.com/tradelane/api/internal/services"
)

const maxAnalysisBodySize = 512 * 1024

type complianceCheckRequest struct {
	DraftID  string         `json:"draftId"`
	FormData map[string]any `json:"formData"`
}

type complianceCheckResponse struct {
	Result domain.ComplianceResult `json:"complianceData"`
	Draft  *draftPayload           `json:"draft,omitempty"`
}

type optimizeRoutesRequest struct {
	FormData *domain.RouteForm `json:"formData"`
}

type optimizeRoutesResponse struct {
	Routes []domain.Route `json:"routes"`
}

type chooseRouteRequest struct {
	DraftID   string            `json:"draftId"`
	FormData  *domain.RouteForm `json:"formData"`
	RouteData *domain.Route     `json:"routeData"`
}

type carbonAnalyzeRequest struct {
	DraftID string `json:"draftId"`
	From    string `json:"from"`
	To      string `json:"to"`
	Weight  any    `json:"weight"`
	Mode    string `json:"mode"`
}

type carbonAnalyzeResponse struct {
	CarbonAnalysisData domain.CarbonAnalysis `json:"carbonAnalysisData"`
	Draft              draftPayload          `json:"draft"`
}

// AnalysisHandlers exposes compliance checks, route optimisation and carbon estimates.
type AnalysisHandlers struct {
	compliance services.ComplianceService
	routes     services.RouteService
	carbon     services.CarbonService
	drafts     services.DraftService
}

// NewAnalysisHandlers constructs AnalysisHandlers. Nil services answer 503.
func NewAnalysisHandlers(compliance services.ComplianceService, routes services.RouteService, carbon services.CarbonService, drafts services.DraftService) *AnalysisHandlers {
	return &AnalysisHandlers{
		compliance: compliance,
		routes:     routes,
		carbon:     carbon,
		drafts:     drafts,
	}
}

// Routes registers the analysis endpoints.
func (h *AnalysisHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/compliance:check", h.checkCompliance)
	r.Post("/routes:optimize", h.optimizeRoutes)
	r.Post("/routes:choose", h.chooseRoute)
	r.Post("/carbon:analyze", h.analyzeCarbon)
}

func (h *AnalysisHandlers) checkCompliance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.compliance == nil {
		serviceUnavailable(ctx, w, "compliance")
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}

	var req complianceCheckRequest
	if err := decodeJSONBody(r, maxAnalysisBodySize, &req); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	if req.FormData == nil {
		writeBadRequest(ctx, w, "formData is required")
		return
	}
	form, err := services.FormDataFromMap(req.FormData)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	result, err := h.compliance.Check(ctx, services.ComplianceCheckCommand{
		OwnerID:  ownerID,
		DraftID:  strings.TrimSpace(req.DraftID),
		FormData: form,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := complianceCheckResponse{Result: result.Result}
	if result.Draft.ID != "" {
		payload := buildDraftPayload(result.Draft)
		resp.Draft = &payload
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *AnalysisHandlers) optimizeRoutes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.routes == nil {
		serviceUnavailable(ctx, w, "route")
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}

	var req optimizeRoutesRequest
	if err := decodeJSONBody(r, maxAnalysisBodySize, &req); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	if req.FormData == nil {
		writeBadRequest(ctx, w, "formData is required")
		return
	}

	routes, err := h.routes.Optimize(ctx, services.OptimizeRoutesCommand{OwnerID: ownerID, Form: *req.FormData})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if routes == nil {
		routes = []domain.Route{}
	}
	writeJSONResponse(w, http.StatusOK, optimizeRoutesResponse{Routes: routes})
}

func (h *AnalysisHandlers) chooseRoute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.drafts == nil {
		serviceUnavailable(ctx, w, "draft")
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}

	var req chooseRouteRequest
	if err := decodeJSONBody(r, maxAnalysisBodySize, &req); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	if req.RouteData == nil {
		writeBadRequest(ctx, w, "routeData is required")
		return
	}
	draftID := strings.TrimSpace(req.DraftID)
	if draftID == "" && req.FormData == nil {
		writeBadRequest(ctx, w, "draftId or formData is required")
		return
	}

	draft, err := h.drafts.ChooseRoute(ctx, services.ChooseRouteCommand{
		OwnerID: ownerID,
		DraftID: draftID,
		Form:    req.FormData,
		Route:   *req.RouteData,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	status := http.StatusOK
	if draftID == "" {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, buildDraftPayload(draft))
}

func (h *AnalysisHandlers) analyzeCarbon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carbon == nil {
		serviceUnavailable(ctx, w, "carbon")
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}

	var req carbonAnalyzeRequest
	if err := decodeJSONBody(r, maxAnalysisBodySize, &req); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}

	result, err := h.carbon.Analyze(ctx, services.CarbonAnalysisCommand{
		OwnerID: ownerID,
		DraftID: strings.TrimSpace(req.DraftID),
		Form:    domain.RouteForm{From: req.From, To: req.To, Weight: req.Weight},
		Mode:    strings.TrimSpace(req.Mode),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, carbonAnalyzeResponse{
		CarbonAnalysisData: result.Analysis,
		Draft:              buildDraftPayload(result.Draft),
	})
}
