package handlers

import (
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tradelane/api/internal/platform/httpx"
	"github.com/tradelane/api/internal/services"
)

const (
	maxDraftBodySize  = 512 * 1024
	maxImportBodySize = 2 << 20
)

type createDraftRequest struct {
	FormData map[string]any `json:"formData"`
}

type draftListResponse struct {
	Items []draftPayload `json:"items"`
}

type importRowErrorPayload struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

type importDraftsResponse struct {
	Created []draftPayload          `json:"created"`
	Errors  []importRowErrorPayload `json:"errors"`
}

// DraftHandlers exposes the shipment draft lifecycle to authenticated users.
type DraftHandlers struct {
	drafts     services.DraftService
	createOnce func(http.Handler) http.Handler
}

// DraftOption customises DraftHandlers.
type DraftOption func(*DraftHandlers)

// WithDraftCreateMiddleware wraps POST /drafts, typically with the idempotency middleware.
func WithDraftCreateMiddleware(mw func(http.Handler) http.Handler) DraftOption {
	return func(h *DraftHandlers) {
		h.createOnce = mw
	}
}

// NewDraftHandlers constructs DraftHandlers.
func NewDraftHandlers(drafts services.DraftService, opts ...DraftOption) *DraftHandlers {
	h := &DraftHandlers{drafts: drafts}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /drafts endpoints.
func (h *DraftHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	var create http.Handler = http.HandlerFunc(h.createDraft)
	if h.createOnce != nil {
		create = h.createOnce(create)
	}
	r.Method(http.MethodPost, "/drafts", create)
	r.Post("/drafts:import", h.importDrafts)
	r.Get("/drafts", h.listDrafts)
	r.Get("/drafts/{draftID}", h.getDraft)
	r.Patch("/drafts/{draftID}", h.updateDraft)
	r.Delete("/drafts/{draftID}", h.deleteDraft)
}

func (h *DraftHandlers) createDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.drafts == nil {
		serviceUnavailable(ctx, w, "draft")
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}

	var req createDraftRequest
	if err := decodeJSONBody(r, maxDraftBodySize, &req); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	form, err := services.FormDataFromMap(req.FormData)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	draft, err := h.drafts.CreateDraft(ctx, ownerID, form)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildDraftPayload(draft))
}

func (h *DraftHandlers) importDrafts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.drafts == nil {
		serviceUnavailable(ctx, w, "draft")
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.EqualFold(mediaType, "text/csv") {
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_media_type", "drafts import expects text/csv", http.StatusUnsupportedMediaType))
		return
	}
	if r.Body == nil {
		writeBadRequest(ctx, w, errBodyRequired.Error())
		return
	}
	defer r.Body.Close()
	body := http.MaxBytesReader(w, r.Body, maxImportBodySize)

	result, err := h.drafts.ImportDrafts(ctx, ownerID, body)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := importDraftsResponse{
		Created: make([]draftPayload, 0, len(result.Created)),
		Errors:  make([]importRowErrorPayload, 0, len(result.Errors)),
	}
	for _, draft := range result.Created {
		resp.Created = append(resp.Created, buildDraftPayload(draft))
	}
	for _, rowErr := range result.Errors {
		resp.Errors = append(resp.Errors, importRowErrorPayload{Row: rowErr.Row, Message: rowErr.Message})
	}
	status := http.StatusCreated
	if len(resp.Created) == 0 {
		status = http.StatusOK
	}
	writeJSONResponse(w, status, resp)
}

func (h *DraftHandlers) listDrafts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.drafts == nil {
		serviceUnavailable(ctx, w, "draft")
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}

	drafts, err := h.drafts.ListDrafts(ctx, ownerID, r.URL.Query().Get("tab"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := draftListResponse{Items: make([]draftPayload, 0, len(drafts))}
	for _, draft := range drafts {
		resp.Items = append(resp.Items, buildDraftPayload(draft))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *DraftHandlers) getDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.drafts == nil {
		serviceUnavailable(ctx, w, "draft")
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}

	draft, err := h.drafts.GetDraft(ctx, ownerID, chi.URLParam(r, "draftID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildDraftPayload(draft))
}

func (h *DraftHandlers) updateDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.drafts == nil {
		serviceUnavailable(ctx, w, "draft")
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}

	var patch map[string]any
	if err := decodeJSONBody(r, maxDraftBodySize, &patch); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	if len(patch) == 0 {
		writeBadRequest(ctx, w, "patch must contain at least one field")
		return
	}

	draft, err := h.drafts.UpdateDraft(ctx, services.UpdateDraftCommand{
		OwnerID: ownerID,
		DraftID: chi.URLParam(r, "draftID"),
		Patch:   patch,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildDraftPayload(draft))
}

func (h *DraftHandlers) deleteDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.drafts == nil {
		serviceUnavailable(ctx, w, "draft")
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}

	if err := h.drafts.DeleteDraft(ctx, ownerID, chi.URLParam(r, "draftID")); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
