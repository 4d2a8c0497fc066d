package firestore

import (
	"context"
	"errors"
	"time"

	domain "github.com/tradelane/api/internal/domain"
	pfirestore "github.com/tradelane/api/internal/platform/firestore"
	"github.com/tradelane/api/internal/repositories"
)

const productAnalysesCollection = "product_analyses"

// ProductAnalysisRepository stores product image classifications.
type ProductAnalysisRepository struct {
	history *historyCollection[domain.ProductAnalysis, productAnalysisDocument]
}

var _ repositories.ProductAnalysisRepository = (*ProductAnalysisRepository)(nil)

// NewProductAnalysisRepository constructs a Firestore-backed product analysis repository.
func NewProductAnalysisRepository(provider *pfirestore.Provider) (*ProductAnalysisRepository, error) {
	if provider == nil {
		return nil, errors.New("product analysis repository: firestore provider is required")
	}
	return &ProductAnalysisRepository{history: &historyCollection[domain.ProductAnalysis, productAnalysisDocument]{
		name:      productAnalysesCollection,
		base:      pfirestore.NewCollection[productAnalysisDocument](provider, productAnalysesCollection),
		encode:    encodeProductAnalysis,
		decode:    decodeProductAnalysis,
		id:        func(a domain.ProductAnalysis) string { return a.ID },
		timestamp: func(a domain.ProductAnalysis) time.Time { return a.Timestamp },
	}}, nil
}

func (r *ProductAnalysisRepository) Insert(ctx context.Context, analysis domain.ProductAnalysis) error {
	return r.history.insert(ctx, analysis)
}

func (r *ProductAnalysisRepository) ListByOwner(ctx context.Context, ownerID string, page domain.Pagination) (domain.CursorPage[domain.ProductAnalysis], error) {
	return r.history.listByOwner(ctx, ownerID, page)
}

func (r *ProductAnalysisRepository) DeleteByOwner(ctx context.Context, ownerID string) (int, error) {
	return r.history.deleteByOwner(ctx, ownerID)
}

type productAnalysisDocument struct {
	OwnerUID       string                 `firestore:"ownerUid"`
	DraftID        string                 `firestore:"draftId,omitempty"`
	Image          productImageDocument   `firestore:"image"`
	Labels         []productLabelDocument `firestore:"labels"`
	Classification map[string]any         `firestore:"classification"`
	Timestamp      time.Time              `firestore:"timestamp"`
}

type productImageDocument struct {
	FileName    string `firestore:"fileName"`
	ContentType string `firestore:"contentType"`
	SizeBytes   int64  `firestore:"sizeBytes"`
	Bucket      string `firestore:"bucket,omitempty"`
	ObjectPath  string `firestore:"objectPath,omitempty"`
}

type productLabelDocument struct {
	Description string  `firestore:"description"`
	Score       float64 `firestore:"score"`
}

func encodeProductAnalysis(analysis domain.ProductAnalysis) (productAnalysisDocument, error) {
	classification, err := toDocumentMap(analysis.Classification)
	if err != nil {
		return productAnalysisDocument{}, err
	}
	labels := make([]productLabelDocument, 0, len(analysis.Labels))
	for _, label := range analysis.Labels {
		labels = append(labels, productLabelDocument{Description: label.Description, Score: label.Score})
	}
	return productAnalysisDocument{
		OwnerUID: analysis.OwnerID,
		DraftID:  analysis.DraftID,
		Image: productImageDocument{
			FileName:    analysis.Image.FileName,
			ContentType: analysis.Image.ContentType,
			SizeBytes:   analysis.Image.SizeBytes,
			Bucket:      analysis.Image.Bucket,
			ObjectPath:  analysis.Image.ObjectPath,
		},
		Labels:         labels,
		Classification: classification,
		Timestamp:      analysis.Timestamp.UTC(),
	}, nil
}

func decodeProductAnalysis(id string, doc productAnalysisDocument) (domain.ProductAnalysis, error) {
	analysis := domain.ProductAnalysis{
		ID:      id,
		OwnerID: doc.OwnerUID,
		DraftID: doc.DraftID,
		Image: domain.ImageMeta{
			FileName:    doc.Image.FileName,
			ContentType: doc.Image.ContentType,
			SizeBytes:   doc.Image.SizeBytes,
			Bucket:      doc.Image.Bucket,
			ObjectPath:  doc.Image.ObjectPath,
		},
		Timestamp: doc.Timestamp.UTC(),
	}
	for _, label := range doc.Labels {
		analysis.Labels = append(analysis.Labels, domain.ImageLabel{Description: label.Description, Score: label.Score})
	}
	if err := fromDocumentMap(doc.Classification, &analysis.Classification); err != nil {
		return domain.ProductAnalysis{}, err
	}
	return analysis, nil
}
