package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tradelane/api/internal/services"
)

type deleteAccountResponse struct {
	Drafts            int `json:"drafts"`
	ComplianceRecords int `json:"complianceRecords"`
	SavedRoutes       int `json:"savedRoutes"`
	ProductAnalyses   int `json:"productAnalyses"`
}

// MeHandlers exposes account-level operations for the caller.
type MeHandlers struct {
	accounts services.AccountService
}

// NewMeHandlers constructs MeHandlers.
func NewMeHandlers(accounts services.AccountService) *MeHandlers {
	return &MeHandlers{accounts: accounts}
}

// Routes registers the /me endpoints.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Delete("/me", h.deleteAccount)
}

func (h *MeHandlers) deleteAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.accounts == nil {
		serviceUnavailable(ctx, w, "account")
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}

	summary, err := h.accounts.DeleteAccount(ctx, ownerID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, deleteAccountResponse{
		Drafts:            summary.Drafts,
		ComplianceRecords: summary.ComplianceRecords,
		SavedRoutes:       summary.SavedRoutes,
		ProductAnalyses:   summary.ProductAnalyses,
	})
}
