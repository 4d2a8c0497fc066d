package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/tradelane/api/internal/domain"
	"github.com/tradelane/api/internal/platform/auth"
	"github.com/tradelane/api/internal/platform/httpx"
	"github.com/tradelane/api/internal/platform/pagination"
	"github.com/tradelane/api/internal/platform/requestctx"
	"github.com/tradelane/api/internal/services"
)

const defaultMaxBodyBytes = 256 * 1024

var errBodyRequired = errors.New("request body required")

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSONBody reads a single JSON value of at most limit bytes into dst.
func decodeJSONBody(r *http.Request, limit int64, dst any) error {
	if r.Body == nil {
		return errBodyRequired
	}
	defer r.Body.Close()
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, limit+1))
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errBodyRequired
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if decoder.InputOffset() > limit {
		return fmt.Errorf("request body exceeds %d bytes", limit)
	}
	return nil
}

func writeBadRequest(ctx context.Context, w http.ResponseWriter, message string) {
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
}

// requireOwner returns the caller uid or writes 401.
func requireOwner(ctx context.Context, w http.ResponseWriter) (string, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return strings.TrimSpace(identity.UID), true
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_service_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}

// writeServiceError translates service sentinels into API errors. Missing and foreign resources
// share the same 404 so ownership is never disclosed.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrDraftInvalidTab):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_tab", err.Error(), http.StatusBadRequest))
		return
	case errors.Is(err, services.ErrUnresolvableLocation):
		httpx.WriteError(ctx, w, httpx.NewError("unresolvable_location", err.Error(), http.StatusBadRequest))
		return
	case errors.Is(err, services.ErrInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	case errors.Is(err, services.ErrDraftNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("draft_not_found", "draft not found", http.StatusNotFound))
		return
	case errors.Is(err, services.ErrRecordNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("record_not_found", "record not found", http.StatusNotFound))
		return
	}

	logger := requestctx.Logger(ctx)
	switch {
	case errors.Is(err, services.ErrMalformedAIResponse), errors.Is(err, services.ErrInvalidAIResponse):
		logger.Warn("reasoning response rejected", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("invalid_ai_response", "analysis could not be completed", http.StatusInternalServerError))
	case errors.Is(err, services.ErrUpstreamUnavailable):
		logger.Error("upstream call failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("upstream_unavailable", "an upstream service is unavailable", http.StatusInternalServerError))
	case errors.Is(err, services.ErrStorageFault):
		logger.Error("storage operation failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("storage_fault", "storage operation failed", http.StatusInternalServerError))
	default:
		logger.Error("unhandled service error", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal", "internal server error", http.StatusInternalServerError))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePointer(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	formatted := formatTime(*t)
	return &formatted
}

type draftPayload struct {
	ID                  string                        `json:"id"`
	FormData            domain.FormData               `json:"formData"`
	ComplianceData      *domain.ComplianceResult      `json:"complianceData"`
	RouteData           *domain.Route                 `json:"routeData"`
	CarbonAnalysisData  *domain.CarbonAnalysis        `json:"carbonAnalysisData"`
	ProductAnalysisData *domain.ProductClassification `json:"productAnalysisData"`
	Statuses            domain.DraftStatuses          `json:"statuses"`
	Timestamp           string                        `json:"timestamp"`
	ExpiresAt           *string                       `json:"expiresAt,omitempty"`
}

func buildDraftPayload(draft services.Draft) draftPayload {
	return draftPayload{
		ID:                  draft.ID,
		FormData:            draft.FormData,
		ComplianceData:      draft.ComplianceData,
		RouteData:           draft.RouteData,
		CarbonAnalysisData:  draft.CarbonAnalysisData,
		ProductAnalysisData: draft.ProductAnalysisData,
		Statuses:            draft.Statuses,
		Timestamp:           formatTime(draft.Timestamp),
		ExpiresAt:           formatTimePointer(draft.ExpiresAt),
	}
}

// parsePagination reads pageSize and pageToken from the query.
func parsePagination(r *http.Request) (services.Pagination, error) {
	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		return services.Pagination{}, err
	}
	return services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken}, nil
}
