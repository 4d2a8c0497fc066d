package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/tradelane/api/internal/domain"
	pfirestore "github.com/tradelane/api/internal/platform/firestore"
	"github.com/tradelane/api/internal/repositories"
)

const draftsCollection = "drafts"

// DraftRepository persists shipment drafts.
type DraftRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[draftDocument]
}

var _ repositories.DraftRepository = (*DraftRepository)(nil)

// NewDraftRepository constructs a Firestore-backed draft repository.
func NewDraftRepository(provider *pfirestore.Provider) (*DraftRepository, error) {
	if provider == nil {
		return nil, errors.New("draft repository: firestore provider is required")
	}
	base := pfirestore.NewCollection[draftDocument](provider, draftsCollection)
	return &DraftRepository{provider: provider, base: base}, nil
}

// Insert creates a new draft document. The id must be unused.
func (r *DraftRepository) Insert(ctx context.Context, draft domain.Draft) error {
	docRef, doc, err := r.prepare(ctx, draft)
	if err != nil {
		return err
	}
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("drafts.insert", err)
	}
	return nil
}

// Replace overwrites an existing draft. Fields cleared on the draft are removed from the document.
func (r *DraftRepository) Replace(ctx context.Context, draft domain.Draft) error {
	docRef, doc, err := r.prepare(ctx, draft)
	if err != nil {
		return err
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	return pfirestore.RunTransaction(ctx, client, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(docRef); err != nil {
			return pfirestore.WrapError("drafts.replace", err)
		}
		return tx.Set(docRef, doc)
	})
}

// FindByID loads a draft by id regardless of owner.
func (r *DraftRepository) FindByID(ctx context.Context, draftID string) (domain.Draft, error) {
	if r == nil || r.base == nil {
		return domain.Draft{}, errors.New("draft repository not initialised")
	}
	draftID = strings.TrimSpace(draftID)
	if draftID == "" {
		return domain.Draft{}, errors.New("draft repository: draft id is required")
	}
	doc, err := r.base.Get(ctx, draftID)
	if err != nil {
		return domain.Draft{}, err
	}
	return decodeDraftDocument(doc.ID, doc.Data)
}

// Delete removes a draft. Missing drafts report not found.
func (r *DraftRepository) Delete(ctx context.Context, draftID string) error {
	if r == nil || r.base == nil {
		return errors.New("draft repository not initialised")
	}
	docRef, err := r.base.Doc(ctx, strings.TrimSpace(draftID))
	if err != nil {
		return err
	}
	if _, err := docRef.Delete(ctx, firestore.Exists); err != nil {
		return pfirestore.WrapError("drafts.delete", err)
	}
	return nil
}

// List returns non-ephemeral drafts of an owner matching the status filter, newest first.
func (r *DraftRepository) List(ctx context.Context, filter repositories.DraftListFilter) ([]domain.Draft, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("draft repository not initialised")
	}
	ownerID := strings.TrimSpace(filter.OwnerID)
	if ownerID == "" {
		return nil, errors.New("draft repository: owner id is required")
	}
	routeStates := make([]string, 0, len(filter.RouteStates))
	for _, state := range filter.RouteStates {
		routeStates = append(routeStates, string(state))
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("ownerUid", "==", ownerID).Where("ephemeral", "==", false)
		if filter.Compliance != "" {
			q = q.Where("statuses.compliance", "==", string(filter.Compliance))
		}
		switch len(routeStates) {
		case 0:
		case 1:
			q = q.Where("statuses.routeOptimization", "==", routeStates[0])
		default:
			q = q.Where("statuses.routeOptimization", "in", routeStates)
		}
		q = q.OrderBy("timestamp", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}

	drafts := make([]domain.Draft, 0, len(docs))
	for _, doc := range docs {
		draft, err := decodeDraftDocument(doc.ID, doc.Data)
		if err != nil {
			return nil, fmt.Errorf("draft repository: decode %s: %w", doc.ID, err)
		}
		drafts = append(drafts, draft)
	}
	return drafts, nil
}

// DeleteByOwner removes every draft of an owner.
func (r *DraftRepository) DeleteByOwner(ctx context.Context, ownerID string) (int, error) {
	if r == nil || r.base == nil {
		return 0, errors.New("draft repository not initialised")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return 0, errors.New("draft repository: owner id is required")
	}
	return r.base.DeleteWhere(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("ownerUid", "==", ownerID)
	}, 0)
}

// DeleteExpired removes up to limit ephemeral drafts whose expiry is at or before now.
func (r *DraftRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if r == nil || r.base == nil {
		return 0, errors.New("draft repository not initialised")
	}
	cutoff := now.UTC()
	return r.base.DeleteWhere(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("expiresAt", "<=", cutoff).OrderBy("expiresAt", firestore.Asc)
	}, limit)
}

func (r *DraftRepository) prepare(ctx context.Context, draft domain.Draft) (*firestore.DocumentRef, draftDocument, error) {
	if r == nil || r.base == nil {
		return nil, draftDocument{}, errors.New("draft repository not initialised")
	}
	draftID := strings.TrimSpace(draft.ID)
	if draftID == "" {
		return nil, draftDocument{}, errors.New("draft repository: draft id is required")
	}
	doc, err := encodeDraftDocument(draft)
	if err != nil {
		return nil, draftDocument{}, fmt.Errorf("draft repository: encode %s: %w", draftID, err)
	}
	docRef, err := r.base.Doc(ctx, draftID)
	if err != nil {
		return nil, draftDocument{}, err
	}
	return docRef, doc, nil
}

type draftDocument struct {
	OwnerUID            string                `firestore:"ownerUid"`
	FormData            map[string]any        `firestore:"formData"`
	ComplianceData      map[string]any        `firestore:"complianceData,omitempty"`
	RouteData           map[string]any        `firestore:"routeData,omitempty"`
	CarbonAnalysisData  map[string]any        `firestore:"carbonAnalysisData,omitempty"`
	ProductAnalysisData map[string]any        `firestore:"productAnalysisData,omitempty"`
	Statuses            draftStatusesDocument `firestore:"statuses"`
	Ephemeral           bool                  `firestore:"ephemeral"`
	Timestamp           time.Time             `firestore:"timestamp"`
	ExpiresAt           *time.Time            `firestore:"expiresAt,omitempty"`
}

type draftStatusesDocument struct {
	Compliance        string `firestore:"compliance"`
	RouteOptimization string `firestore:"routeOptimization"`
}

func encodeDraftDocument(draft domain.Draft) (draftDocument, error) {
	doc := draftDocument{
		OwnerUID: strings.TrimSpace(draft.OwnerID),
		Statuses: draftStatusesDocument{
			Compliance:        string(draft.Statuses.Compliance),
			RouteOptimization: string(draft.Statuses.RouteOptimization),
		},
		Ephemeral: draft.Ephemeral(),
		Timestamp: draft.Timestamp.UTC(),
	}
	if draft.ExpiresAt != nil {
		expires := draft.ExpiresAt.UTC()
		doc.ExpiresAt = &expires
	}

	var err error
	if doc.FormData, err = toDocumentMap(draft.FormData); err != nil {
		return draftDocument{}, err
	}
	if doc.FormData == nil {
		doc.FormData = map[string]any{}
	}
	if draft.ComplianceData != nil {
		if doc.ComplianceData, err = toDocumentMap(draft.ComplianceData); err != nil {
			return draftDocument{}, err
		}
	}
	if draft.RouteData != nil {
		if doc.RouteData, err = toDocumentMap(draft.RouteData); err != nil {
			return draftDocument{}, err
		}
	}
	if draft.CarbonAnalysisData != nil {
		if doc.CarbonAnalysisData, err = toDocumentMap(draft.CarbonAnalysisData); err != nil {
			return draftDocument{}, err
		}
	}
	if draft.ProductAnalysisData != nil {
		if doc.ProductAnalysisData, err = toDocumentMap(draft.ProductAnalysisData); err != nil {
			return draftDocument{}, err
		}
	}
	return doc, nil
}

func decodeDraftDocument(id string, doc draftDocument) (domain.Draft, error) {
	draft := domain.Draft{
		ID:      id,
		OwnerID: doc.OwnerUID,
		Statuses: domain.DraftStatuses{
			Compliance:        domain.ComplianceState(doc.Statuses.Compliance),
			RouteOptimization: domain.RouteState(doc.Statuses.RouteOptimization),
		},
		Timestamp: doc.Timestamp.UTC(),
	}
	if draft.Statuses.Compliance == "" {
		draft.Statuses.Compliance = domain.ComplianceNotDone
	}
	if draft.Statuses.RouteOptimization == "" {
		draft.Statuses.RouteOptimization = domain.RouteNotDone
	}
	if doc.ExpiresAt != nil {
		expires := doc.ExpiresAt.UTC()
		draft.ExpiresAt = &expires
	}
	if err := fromDocumentMap(doc.FormData, &draft.FormData); err != nil {
		return domain.Draft{}, err
	}
	if len(doc.ComplianceData) > 0 {
		draft.ComplianceData = &domain.ComplianceResult{}
		if err := fromDocumentMap(doc.ComplianceData, draft.ComplianceData); err != nil {
			return domain.Draft{}, err
		}
	}
	if len(doc.RouteData) > 0 {
		draft.RouteData = &domain.Route{}
		if err := fromDocumentMap(doc.RouteData, draft.RouteData); err != nil {
			return domain.Draft{}, err
		}
	}
	if len(doc.CarbonAnalysisData) > 0 {
		draft.CarbonAnalysisData = &domain.CarbonAnalysis{}
		if err := fromDocumentMap(doc.CarbonAnalysisData, draft.CarbonAnalysisData); err != nil {
			return domain.Draft{}, err
		}
	}
	if len(doc.ProductAnalysisData) > 0 {
		draft.ProductAnalysisData = &domain.ProductClassification{}
		if err := fromDocumentMap(doc.ProductAnalysisData, draft.ProductAnalysisData); err != nil {
			return domain.Draft{}, err
		}
	}
	return draft, nil
}
