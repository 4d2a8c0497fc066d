package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/tradelane/api/internal/domain"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

type stubLabeler struct {
	labels []domain.ImageLabel
	err    error
	calls  int
}

func (s *stubLabeler) LabelImage(context.Context, []byte, string) ([]domain.ImageLabel, error) {
	s.calls++
	return s.labels, s.err
}

type memoryImageStore struct {
	objects map[string][]byte
	signErr error
	ttl     time.Duration
}

func (s *memoryImageStore) PutObject(_ context.Context, object, contentType string, data []byte) (domain.ImageMeta, error) {
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[object] = data
	return domain.ImageMeta{ContentType: contentType, SizeBytes: int64(len(data)), Bucket: "test-bucket", ObjectPath: object}, nil
}

func (s *memoryImageStore) SignedReadURL(_ context.Context, object string, ttl time.Duration) (string, error) {
	s.ttl = ttl
	if s.signErr != nil {
		return "", s.signErr
	}
	return "https://storage.example/" + object + "?sig=1", nil
}

const classificationJSON = `{"hsCode": "0803.90", "productDescription": "Fresh <b>bananas</b>", "category": "Produce",
"perishable": true, "hazardous": false, "dualUse": false}`

func newProductHarness(t *testing.T, reasoner Reasoner, store ImageStore) (draftHarness, *stubLabeler, ProductAnalysisService) {
	t.Helper()
	h := newDraftHarness(t)
	labeler := &stubLabeler{labels: []domain.ImageLabel{{Description: "Banana", Score: 0.97}}}
	deps := ProductAnalysisServiceDeps{
		Labeler:     labeler,
		Reasoner:    reasoner,
		Store:       store,
		Records:     h.records,
		IDGenerator: func() string { return "IMG1" },
	}
	svc, err := NewProductAnalysisService(deps)
	if err != nil {
		t.Fatalf("new product analysis service: %v", err)
	}
	return h, labeler, svc
}

func TestProductAnalysisServiceAnalyze(t *testing.T) {
	store := &memoryImageStore{}
	h, _, svc := newProductHarness(t, fixedReasoner(classificationJSON), store)

	out, err := svc.Analyze(context.Background(), ProductAnalysisCommand{
		OwnerID:     "user-1",
		FileName:    "../my photo.png",
		ContentType: "image/png",
		Data:        pngHeader,
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if out.Analysis.ID != "pra_img1" {
		t.Fatalf("unexpected analysis id %q", out.Analysis.ID)
	}
	wantObject := "product-images/user-1/pra_img1/my_photo.png"
	if _, ok := store.objects[wantObject]; !ok {
		t.Fatalf("expected object %s, got %v", wantObject, store.objects)
	}
	if out.Analysis.Image.ObjectPath != wantObject || out.Analysis.Image.Bucket != "test-bucket" {
		t.Fatalf("image meta not recorded: %+v", out.Analysis.Image)
	}
	if out.Analysis.Classification.HSCode != "080390" || out.Analysis.Classification.ProductDescription != "Fresh bananas" {
		t.Fatalf("classification not normalized: %+v", out.Analysis.Classification)
	}
	if !strings.HasPrefix(out.ImageURL, "https://storage.example/") || store.ttl != defaultImageURLTTL {
		t.Fatalf("unexpected signed url %q (ttl %v)", out.ImageURL, store.ttl)
	}
	if out.Draft.ID == "" || out.Draft.FormData.ShipmentDetails.String(domain.FieldHSCode) != "080390" {
		t.Fatalf("expected seeded draft, got %+v", out.Draft)
	}
	if h.repos.products.len() != 1 || len(h.repos.drafts.all()) != 1 {
		t.Fatalf("expected analysis and draft to be stored")
	}
}

func TestProductAnalysisServiceSigningFailureIsNotFatal(t *testing.T) {
	store := &memoryImageStore{signErr: errors.New("no signer")}
	_, _, svc := newProductHarness(t, fixedReasoner(classificationJSON), store)
	out, err := svc.Analyze(context.Background(), ProductAnalysisCommand{OwnerID: "user-1", Data: pngHeader})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if out.ImageURL != "" {
		t.Fatalf("expected empty url, got %q", out.ImageURL)
	}
	if out.Analysis.Image.FileName != "image.png" {
		t.Fatalf("expected derived file name, got %q", out.Analysis.Image.FileName)
	}
}

func TestProductAnalysisServiceRejectsImages(t *testing.T) {
	big := make([]byte, defaultMaxImageBytes+1)
	copy(big, pngHeader)
	tests := map[string]ProductAnalysisCommand{
		"empty":         {OwnerID: "user-1"},
		"too large":     {OwnerID: "user-1", Data: big},
		"not an image":  {OwnerID: "user-1", Data: []byte("just some text")},
		"gif":           {OwnerID: "user-1", Data: []byte("GIF89a\x01\x00\x01\x00")},
		"type mismatch": {OwnerID: "user-1", ContentType: "image/jpeg", Data: pngHeader},
	}
	for name, cmd := range tests {
		t.Run(name, func(t *testing.T) {
			h, labeler, svc := newProductHarness(t, fixedReasoner(classificationJSON), nil)
			if _, err := svc.Analyze(context.Background(), cmd); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if labeler.calls != 0 || h.repos.products.len() != 0 {
				t.Fatalf("rejected images must not reach collaborators")
			}
		})
	}
}

func TestProductAnalysisServiceCollaboratorFailures(t *testing.T) {
	t.Run("labeler", func(t *testing.T) {
		_, labeler, svc := newProductHarness(t, fixedReasoner(classificationJSON), nil)
		labeler.err = errors.New("quota")
		if _, err := svc.Analyze(context.Background(), ProductAnalysisCommand{OwnerID: "user-1", Data: pngHeader}); !errors.Is(err, ErrUpstreamUnavailable) {
			t.Fatalf("expected upstream error, got %v", err)
		}
	})
	for name, response := range map[string]string{
		"no description": `{"hsCode": "080390"}`,
		"letters in hs":  `{"hsCode": "08AB", "productDescription": "bananas"}`,
		"prose":          "Looks like fruit.",
	} {
		t.Run(name, func(t *testing.T) {
			h, _, svc := newProductHarness(t, fixedReasoner(response), nil)
			if _, err := svc.Analyze(context.Background(), ProductAnalysisCommand{OwnerID: "user-1", Data: pngHeader}); !errors.Is(err, ErrInvalidAIResponse) {
				t.Fatalf("expected ErrInvalidAIResponse, got %v", err)
			}
			if h.repos.products.len() != 0 || len(h.repos.drafts.all()) != 0 {
				t.Fatalf("nothing may be persisted")
			}
		})
	}
}
