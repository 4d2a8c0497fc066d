package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tradelane/api/internal/platform/auth"
	"github.com/tradelane/api/internal/platform/requestctx"
	"github.com/tradelane/api/internal/services"
)

const (
	defaultSweepLimit = 200
	maxSweepLimit     = 1000
)

type sweepResponse struct {
	Removed int `json:"removed"`
}

// MaintenanceHandlers exposes internal housekeeping endpoints invoked by schedulers.
type MaintenanceHandlers struct {
	drafts       services.DraftService
	defaultLimit int
}

// NewMaintenanceHandlers constructs MaintenanceHandlers. limit <= 0 uses the default batch size.
func NewMaintenanceHandlers(drafts services.DraftService, limit int) *MaintenanceHandlers {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	return &MaintenanceHandlers{drafts: drafts, defaultLimit: limit}
}

// Routes registers the maintenance endpoints relative to the internal group.
func (h *MaintenanceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/maintenance/drafts:sweep", h.sweepDrafts)
}

func (h *MaintenanceHandlers) sweepDrafts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.drafts == nil {
		serviceUnavailable(ctx, w, "draft")
		return
	}

	limit := h.defaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeBadRequest(ctx, w, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxSweepLimit)
	}

	removed, err := h.drafts.SweepExpired(ctx, limit)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	fields := []zap.Field{zap.Int("removed", removed), zap.Int("limit", limit)}
	if caller, ok := auth.ServiceIdentityFromContext(ctx); ok && caller != nil {
		fields = append(fields, zap.String("caller", caller.Email))
	}
	requestctx.Logger(ctx).Info("expired drafts swept", fields...)
	writeJSONResponse(w, http.StatusOK, sweepResponse{Removed: removed})
}
