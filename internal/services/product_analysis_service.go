package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/tradelane/api/internal/domain"
)

const (
	defaultMaxImageBytes = 5 << 20
	defaultImageURLTTL   = 15 * time.Minute
	productImagesPrefix  = "product-images"
	maxLabelsInPrompt    = 15
)

var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
}

// ProductAnalysisServiceDeps wires the product image analysis service. Store is optional; without
// it images are classified but not kept.
type ProductAnalysisServiceDeps struct {
	Labeler       ImageLabeler
	Reasoner      Reasoner
	Store         ImageStore
	Records       RecordService
	Clock         func() time.Time
	IDGenerator   func() string
	MaxImageBytes int
	ImageURLTTL   time.Duration
	Logger        func(context.Context, string, map[string]any)
}

type productAnalysisService struct {
	labeler  ImageLabeler
	reasoner Reasoner
	store    ImageStore
	records  RecordService
	policy   *bluemonday.Policy
	newID    func() string
	maxBytes int
	urlTTL   time.Duration
	logger   func(context.Context, string, map[string]any)
}

var _ ProductAnalysisService = (*productAnalysisService)(nil)

// NewProductAnalysisService constructs a ProductAnalysisService.
func NewProductAnalysisService(deps ProductAnalysisServiceDeps) (ProductAnalysisService, error) {
	if deps.Labeler == nil {
		return nil, errors.New("product analysis service: image labeler is required")
	}
	if deps.Reasoner == nil {
		return nil, errors.New("product analysis service: reasoner is required")
	}
	if deps.Records == nil {
		return nil, errors.New("product analysis service: record service is required")
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	maxBytes := deps.MaxImageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxImageBytes
	}
	ttl := deps.ImageURLTTL
	if ttl <= 0 {
		ttl = defaultImageURLTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &productAnalysisService{
		labeler:  deps.Labeler,
		reasoner: deps.Reasoner,
		store:    deps.Store,
		records:  deps.Records,
		policy:   bluemonday.StrictPolicy(),
		newID:    idGen,
		maxBytes: maxBytes,
		urlTTL:   ttl,
		logger:   logger,
	}, nil
}

// Analyze stores the image, labels it, classifies it and records the outcome with a seeded draft.
func (s *productAnalysisService) Analyze(ctx context.Context, cmd ProductAnalysisCommand) (ProductAnalysisResult, error) {
	ownerID, err := requireOwner(cmd.OwnerID)
	if err != nil {
		return ProductAnalysisResult{}, err
	}
	contentType, err := s.validateImage(cmd)
	if err != nil {
		return ProductAnalysisResult{}, err
	}

	analysisID := productAnalysisIDPrefix + strings.ToLower(strings.TrimSpace(s.newID()))
	meta := domain.ImageMeta{
		FileName:    imageFileName(cmd.FileName, contentType),
		ContentType: contentType,
		SizeBytes:   int64(len(cmd.Data)),
	}
	if s.store != nil {
		object := productImageObject(ownerID, analysisID, meta.FileName)
		stored, err := s.store.PutObject(ctx, object, contentType, cmd.Data)
		if err != nil {
			return ProductAnalysisResult{}, fmt.Errorf("%w: store image: %v", ErrUpstreamUnavailable, err)
		}
		meta.Bucket = stored.Bucket
		meta.ObjectPath = stored.ObjectPath
	}

	labels, err := s.labeler.LabelImage(ctx, cmd.Data, contentType)
	if err != nil {
		return ProductAnalysisResult{}, fmt.Errorf("%w: label image: %v", ErrUpstreamUnavailable, err)
	}

	raw, err := s.reasoner.Complete(ctx, productPrompt(labels))
	if err != nil {
		return ProductAnalysisResult{}, fmt.Errorf("%w: classify product: %v", ErrUpstreamUnavailable, err)
	}
	classification, err := s.parseClassification(raw)
	if err != nil {
		s.logger(ctx, "product.classification.invalid", map[string]any{"analysisId": analysisID, "error": err.Error()})
		return ProductAnalysisResult{}, err
	}

	analysis, draft, err := s.records.RecordProductAnalysis(ctx, RecordProductAnalysisCommand{
		OwnerID:        ownerID,
		AnalysisID:     analysisID,
		Image:          meta,
		Labels:         labels,
		Classification: classification,
	})
	if err != nil {
		return ProductAnalysisResult{}, err
	}

	result := ProductAnalysisResult{Analysis: analysis, Draft: draft}
	if s.store != nil && meta.ObjectPath != "" {
		url, err := s.store.SignedReadURL(ctx, meta.ObjectPath, s.urlTTL)
		if err != nil {
			s.logger(ctx, "product.image.sign_failed", map[string]any{"analysisId": analysisID, "error": err.Error()})
		} else {
			result.ImageURL = url
		}
	}
	return result, nil
}

func (s *productAnalysisService) validateImage(cmd ProductAnalysisCommand) (string, error) {
	if len(cmd.Data) == 0 {
		return "", invalidInput("image is required")
	}
	if len(cmd.Data) > s.maxBytes {
		return "", invalidInput("image exceeds %d bytes", s.maxBytes)
	}
	declared := strings.ToLower(strings.TrimSpace(cmd.ContentType))
	if idx := strings.IndexByte(declared, ';'); idx >= 0 {
		declared = strings.TrimSpace(declared[:idx])
	}
	detected := http.DetectContentType(cmd.Data)
	if _, ok := allowedImageTypes[detected]; !ok {
		return "", invalidInput("unsupported image type %q", detected)
	}
	if declared != "" && declared != detected {
		return "", invalidInput("declared content type %q does not match image data", declared)
	}
	return detected, nil
}

func (s *productAnalysisService) parseClassification(raw string) (ProductClassification, error) {
	var payload ProductClassification
	if err := DecodeJSON(StripCodeFences(raw), JSONObject, &payload); err != nil {
		return ProductClassification{}, fmt.Errorf("%w: %v", ErrInvalidAIResponse, err)
	}
	payload.ProductDescription = s.clean(payload.ProductDescription)
	if payload.ProductDescription == "" {
		return ProductClassification{}, fmt.Errorf("%w: productDescription missing", ErrInvalidAIResponse)
	}
	if hs := normalizeHSCode(payload.HSCode); hs != "" {
		if !isDigits(hs) || len(hs) < 4 || len(hs) > 10 {
			return ProductClassification{}, fmt.Errorf("%w: hsCode %q is not numeric", ErrInvalidAIResponse, payload.HSCode)
		}
		payload.HSCode = hs
	}
	payload.Category = s.clean(payload.Category)
	payload.Notes = s.clean(payload.Notes)
	return payload, nil
}

func (s *productAnalysisService) clean(text string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(text)))
}

func productImageObject(ownerID, analysisID, fileName string) string {
	return path.Join(productImagesPrefix, ownerID, analysisID, fileName)
}

// imageFileName keeps the base name of the upload, falling back to a name derived from the type.
func imageFileName(name, contentType string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "image." + strings.TrimPrefix(contentType, "image/")
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func productPrompt(labels []domain.ImageLabel) string {
	var b strings.Builder
	for i, label := range labels {
		if i >= maxLabelsInPrompt {
			break
		}
		fmt.Fprintf(&b, "- %s (%.2f)\n", label.Description, label.Score)
	}
	return fmt.Sprintf(`A product photo was labelled by an image classifier:
%s
Classify the product for international shipping. Respond with one JSON object only:
{"hsCode": "<6-10 digit HS code>", "productDescription": string, "category": string,
"perishable": boolean, "hazardous": boolean, "dualUse": boolean, "notes": string}`, b.String())
}
