package handlers

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/tradelane/api/internal/domain"
	"github.com/tradelane/api/internal/platform/httpx"
	"github.com/tradelane/api/internal/services"
)

const defaultMaxImageBytes = 5 << 20

type complianceRecordPayload struct {
	ID        string                  `json:"id"`
	DraftID   string                  `json:"draftId,omitempty"`
	FormData  domain.FormData         `json:"formData"`
	Result    domain.ComplianceResult `json:"complianceData"`
	Timestamp string                  `json:"timestamp"`
}

type savedRoutePayload struct {
	ID        string       `json:"id"`
	DraftID   string       `json:"draftId,omitempty"`
	From      string       `json:"from"`
	To        string       `json:"to"`
	WeightKg  float64      `json:"weight"`
	RouteData domain.Route `json:"routeData"`
	Timestamp string       `json:"timestamp"`
}

type productAnalysisPayload struct {
	ID             string                       `json:"id"`
	DraftID        string                       `json:"draftId,omitempty"`
	Image          domain.ImageMeta             `json:"image"`
	ImageURL       string                       `json:"imageUrl,omitempty"`
	Labels         []domain.ImageLabel          `json:"labels"`
	Classification domain.ProductClassification `json:"classification"`
	Timestamp      string                       `json:"timestamp"`
}

type listResponse[T any] struct {
	Items         []T    `json:"items"`
	NextPageToken string `json:"nextPageToken,omitempty"`
}

type productAnalysisRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
}

type productAnalysisResponse struct {
	Analysis productAnalysisPayload `json:"analysis"`
	Draft    draftPayload           `json:"draft"`
}

// HistoryHandlers exposes the append-only history records and product image analysis.
type HistoryHandlers struct {
	records       services.RecordService
	products      services.ProductAnalysisService
	maxImageBytes int
}

// HistoryOption customises HistoryHandlers.
type HistoryOption func(*HistoryHandlers)

// WithMaxImageBytes bounds the decoded size of uploaded product images.
func WithMaxImageBytes(limit int) HistoryOption {
	return func(h *HistoryHandlers) {
		if limit > 0 {
			h.maxImageBytes = limit
		}
	}
}

// NewHistoryHandlers constructs HistoryHandlers.
func NewHistoryHandlers(records services.RecordService, products services.ProductAnalysisService, opts ...HistoryOption) *HistoryHandlers {
	h := &HistoryHandlers{
		records:       records,
		products:      products,
		maxImageBytes: defaultMaxImageBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the history endpoints.
func (h *HistoryHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/compliance-records", h.listComplianceRecords)
	r.Get("/saved-routes", h.listSavedRoutes)
	r.Delete("/saved-routes/{routeID}", h.deleteSavedRoute)
	r.Get("/product-analyses", h.listProductAnalyses)
	r.Post("/product-analyses", h.analyzeProduct)
}

func (h *HistoryHandlers) listComplianceRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.records == nil {
		serviceUnavailable(ctx, w, "record")
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}
	page, err := parsePagination(r)
	if err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}

	result, err := h.records.ListComplianceRecords(ctx, ownerID, page)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := listResponse[complianceRecordPayload]{
		Items:         make([]complianceRecordPayload, 0, len(result.Items)),
		NextPageToken: result.NextPageToken,
	}
	for _, record := range result.Items {
		resp.Items = append(resp.Items, complianceRecordPayload{
			ID:        record.ID,
			DraftID:   record.DraftID,
			FormData:  record.FormData,
			Result:    record.Result,
			Timestamp: formatTime(record.Timestamp),
		})
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *HistoryHandlers) listSavedRoutes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.records == nil {
		serviceUnavailable(ctx, w, "record")
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}
	page, err := parsePagination(r)
	if err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}

	result, err := h.records.ListSavedRoutes(ctx, ownerID, page)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := listResponse[savedRoutePayload]{
		Items:         make([]savedRoutePayload, 0, len(result.Items)),
		NextPageToken: result.NextPageToken,
	}
	for _, route := range result.Items {
		resp.Items = append(resp.Items, savedRoutePayload{
			ID:        route.ID,
			DraftID:   route.DraftID,
			From:      route.From,
			To:        route.To,
			WeightKg:  route.WeightKg,
			RouteData: route.Route,
			Timestamp: formatTime(route.Timestamp),
		})
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *HistoryHandlers) deleteSavedRoute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.records == nil {
		serviceUnavailable(ctx, w, "record")
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}
	if err := h.records.DeleteSavedRoute(ctx, ownerID, chi.URLParam(r, "routeID")); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HistoryHandlers) listProductAnalyses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.records == nil {
		serviceUnavailable(ctx, w, "record")
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}
	page, err := parsePagination(r)
	if err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}

	result, err := h.records.ListProductAnalyses(ctx, ownerID, page)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := listResponse[productAnalysisPayload]{
		Items:         make([]productAnalysisPayload, 0, len(result.Items)),
		NextPageToken: result.NextPageToken,
	}
	for _, analysis := range result.Items {
		resp.Items = append(resp.Items, buildProductAnalysisPayload(analysis, ""))
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *HistoryHandlers) analyzeProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.products == nil {
		serviceUnavailable(ctx, w, "product_analysis")
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}

	// base64 inflates by 4/3; leave room for the JSON envelope.
	limit := int64(base64.StdEncoding.EncodedLen(h.maxImageBytes)) + 4*1024
	var req productAnalysisRequest
	if err := decodeJSONBody(r, limit, &req); err != nil {
		writeBadRequest(ctx, w, err.Error())
		return
	}
	data, contentType, err := decodeImageData(req.Data)
	if err != nil {
		writeBadRequest(ctx, w, "data must be base64 encoded")
		return
	}
	if len(data) == 0 {
		writeBadRequest(ctx, w, "image data is required")
		return
	}
	if len(data) > h.maxImageBytes {
		httpx.WriteError(ctx, w, httpx.NewError("image_too_large", "image exceeds the upload limit", http.StatusRequestEntityTooLarge))
		return
	}
	if ct := strings.TrimSpace(req.ContentType); ct != "" {
		contentType = ct
	}

	result, err := h.products.Analyze(ctx, services.ProductAnalysisCommand{
		OwnerID:     ownerID,
		FileName:    req.FileName,
		ContentType: contentType,
		Data:        data,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, productAnalysisResponse{
		Analysis: buildProductAnalysisPayload(result.Analysis, result.ImageURL),
		Draft:    buildDraftPayload(result.Draft),
	})
}

// decodeImageData accepts plain base64 or a data URL and returns the bytes plus any declared media type.
func decodeImageData(raw string) ([]byte, string, error) {
	raw = strings.TrimSpace(raw)
	var contentType string
	if rest, ok := strings.CutPrefix(raw, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", base64.CorruptInputError(0)
		}
		contentType = strings.TrimSuffix(meta, ";base64")
		raw = payload
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(raw, "="))
		if err != nil {
			return nil, "", err
		}
	}
	return data, contentType, nil
}

func buildProductAnalysisPayload(analysis services.ProductAnalysis, imageURL string) productAnalysisPayload {
	labels := analysis.Labels
	if labels == nil {
		labels = []domain.ImageLabel{}
	}
	return productAnalysisPayload{
		ID:             analysis.ID,
		DraftID:        analysis.DraftID,
		Image:          analysis.Image,
		ImageURL:       imageURL,
		Labels:         labels,
		Classification: analysis.Classification,
		Timestamp:      formatTime(analysis.Timestamp),
	}
}
