package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/tradelane/api/internal/repositories"
)

// AccountServiceDeps wires account deletion. Users is optional; without it only data is purged.
type AccountServiceDeps struct {
	Drafts            repositories.DraftRepository
	ComplianceRecords repositories.ComplianceRecordRepository
	SavedRoutes       repositories.SavedRouteRepository
	ProductAnalyses   repositories.ProductAnalysisRepository
	Users             UserDeleter
	Logger            func(context.Context, string, map[string]any)
}

type accountService struct {
	drafts            repositories.DraftRepository
	complianceRecords repositories.ComplianceRecordRepository
	savedRoutes       repositories.SavedRouteRepository
	productAnalyses   repositories.ProductAnalysisRepository
	users             UserDeleter
	logger            func(context.Context, string, map[string]any)
}

var _ AccountService = (*accountService)(nil)

// NewAccountService constructs an AccountService.
func NewAccountService(deps AccountServiceDeps) (AccountService, error) {
	switch {
	case deps.Drafts == nil:
		return nil, errors.New("account service: drafts repository is required")
	case deps.ComplianceRecords == nil:
		return nil, errors.New("account service: compliance record repository is required")
	case deps.SavedRoutes == nil:
		return nil, errors.New("account service: saved route repository is required")
	case deps.ProductAnalyses == nil:
		return nil, errors.New("account service: product analysis repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &accountService{
		drafts:            deps.Drafts,
		complianceRecords: deps.ComplianceRecords,
		savedRoutes:       deps.SavedRoutes,
		productAnalyses:   deps.ProductAnalyses,
		users:             deps.Users,
		logger:            logger,
	}, nil
}

// DeleteAccount purges drafts and history owned by the caller, then removes the identity account.
// A failed purge leaves the identity in place so the call can be retried.
func (s *accountService) DeleteAccount(ctx context.Context, ownerID string) (PurgeSummary, error) {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return PurgeSummary{}, err
	}

	var summary PurgeSummary
	steps := []struct {
		name  string
		purge func(context.Context, string) (int, error)
		count *int
	}{
		{"drafts", s.drafts.DeleteByOwner, &summary.Drafts},
		{"compliance_records", s.complianceRecords.DeleteByOwner, &summary.ComplianceRecords},
		{"saved_routes", s.savedRoutes.DeleteByOwner, &summary.SavedRoutes},
		{"product_analyses", s.productAnalyses.DeleteByOwner, &summary.ProductAnalyses},
	}
	for _, step := range steps {
		removed, err := step.purge(ctx, ownerID)
		*step.count = removed
		if err != nil {
			return summary, fmt.Errorf("purge %s: %w", step.name, storageError(err, nil))
		}
	}

	if s.users != nil {
		if err := s.users.DeleteUser(ctx, ownerID); err != nil {
			return summary, fmt.Errorf("%w: delete user: %v", ErrUpstreamUnavailable, err)
		}
	}

	s.logger(ctx, "account.deleted", map[string]any{
		"owner":             ownerID,
		"drafts":            summary.Drafts,
		"complianceRecords": summary.ComplianceRecords,
		"savedRoutes":       summary.SavedRoutes,
		"productAnalyses":   summary.ProductAnalyses,
	})
	return summary, nil
}
