package firestore

import (
	"context"
	"errors"
	"time"

	domain "github.com/tradelane/api/internal/domain"
	pfirestore "github.com/tradelane/api/internal/platform/firestore"
	"github.com/tradelane/api/internal/repositories"
)

const complianceRecordsCollection = "compliance_records"

// ComplianceRecordRepository stores compliance check history.
type ComplianceRecordRepository struct {
	history *historyCollection[domain.ComplianceRecord, complianceRecordDocument]
}

var _ repositories.ComplianceRecordRepository = (*ComplianceRecordRepository)(nil)

// NewComplianceRecordRepository constructs a Firestore-backed compliance history repository.
func NewComplianceRecordRepository(provider *pfirestore.Provider) (*ComplianceRecordRepository, error) {
	if provider == nil {
		return nil, errors.New("compliance record repository: firestore provider is required")
	}
	return &ComplianceRecordRepository{history: &historyCollection[domain.ComplianceRecord, complianceRecordDocument]{
		name:      complianceRecordsCollection,
		base:      pfirestore.NewCollection[complianceRecordDocument](provider, complianceRecordsCollection),
		encode:    encodeComplianceRecord,
		decode:    decodeComplianceRecord,
		id:        func(r domain.ComplianceRecord) string { return r.ID },
		timestamp: func(r domain.ComplianceRecord) time.Time { return r.Timestamp },
	}}, nil
}

func (r *ComplianceRecordRepository) Insert(ctx context.Context, record domain.ComplianceRecord) error {
	return r.history.insert(ctx, record)
}

func (r *ComplianceRecordRepository) ListByOwner(ctx context.Context, ownerID string, page domain.Pagination) (domain.CursorPage[domain.ComplianceRecord], error) {
	return r.history.listByOwner(ctx, ownerID, page)
}

func (r *ComplianceRecordRepository) DeleteByOwner(ctx context.Context, ownerID string) (int, error) {
	return r.history.deleteByOwner(ctx, ownerID)
}

type complianceRecordDocument struct {
	OwnerUID  string         `firestore:"ownerUid"`
	DraftID   string         `firestore:"draftId,omitempty"`
	FormData  map[string]any `firestore:"formData"`
	Result    map[string]any `firestore:"result"`
	Status    string         `firestore:"complianceStatus"`
	RiskScore int            `firestore:"riskScore"`
	Timestamp time.Time      `firestore:"timestamp"`
}

func encodeComplianceRecord(record domain.ComplianceRecord) (complianceRecordDocument, error) {
	form, err := toDocumentMap(record.FormData)
	if err != nil {
		return complianceRecordDocument{}, err
	}
	result, err := toDocumentMap(record.Result)
	if err != nil {
		return complianceRecordDocument{}, err
	}
	return complianceRecordDocument{
		OwnerUID:  record.OwnerID,
		DraftID:   record.DraftID,
		FormData:  form,
		Result:    result,
		Status:    record.Result.ComplianceStatus,
		RiskScore: record.Result.RiskScore,
		Timestamp: record.Timestamp.UTC(),
	}, nil
}

func decodeComplianceRecord(id string, doc complianceRecordDocument) (domain.ComplianceRecord, error) {
	record := domain.ComplianceRecord{
		ID:        id,
		OwnerID:   doc.OwnerUID,
		DraftID:   doc.DraftID,
		Timestamp: doc.Timestamp.UTC(),
	}
	if err := fromDocumentMap(doc.FormData, &record.FormData); err != nil {
		return domain.ComplianceRecord{}, err
	}
	if err := fromDocumentMap(doc.Result, &record.Result); err != nil {
		return domain.ComplianceRecord{}, err
	}
	return record, nil
}
