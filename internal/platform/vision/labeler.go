package vision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	visionapi "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"

	"github.com/tradelane/api/internal/domain"
	"github.com/tradelane/api/internal/services"
)

const (
	defaultMaxResults = 15
	defaultMinScore   = 0.5
	defaultTimeout    = 20 * time.Second
)

// Annotator is the subset of the Vision image annotator the labeler calls.
type Annotator interface {
	BatchAnnotateImages(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest, opts ...gax.CallOption) (*visionpb.BatchAnnotateImagesResponse, error)
}

// Config tunes label detection.
type Config struct {
	MaxResults int32
	MinScore   float64
	Timeout    time.Duration
}

// Labeler implements services.ImageLabeler with Cloud Vision label and object detection.
type Labeler struct {
	annotator  Annotator
	closer     func() error
	maxResults int32
	minScore   float64
	timeout    time.Duration
}

var _ services.ImageLabeler = (*Labeler)(nil)

// NewLabeler dials the Vision API with the default credentials.
func NewLabeler(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Labeler, error) {
	client, err := visionapi.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision: new annotator client: %w", err)
	}
	labeler := NewLabelerWithAnnotator(client, cfg)
	labeler.closer = client.Close
	return labeler, nil
}

// NewLabelerWithAnnotator wraps an existing annotator, typically a fake in tests.
func NewLabelerWithAnnotator(annotator Annotator, cfg Config) *Labeler {
	l := &Labeler{
		annotator:  annotator,
		maxResults: cfg.MaxResults,
		minScore:   cfg.MinScore,
		timeout:    cfg.Timeout,
	}
	if l.maxResults <= 0 {
		l.maxResults = defaultMaxResults
	}
	if l.minScore <= 0 {
		l.minScore = defaultMinScore
	}
	if l.timeout <= 0 {
		l.timeout = defaultTimeout
	}
	return l
}

// Close releases the underlying gRPC connection.
func (l *Labeler) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer()
}

// LabelImage returns labels at or above the minimum score, strongest first, one per description.
func (l *Labeler) LabelImage(ctx context.Context, data []byte, mimeType string) ([]domain.ImageLabel, error) {
	if l == nil || l.annotator == nil {
		return nil, errors.New("vision: labeler not initialised")
	}
	if len(data) == 0 {
		return nil, errors.New("vision: image is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	resp, err := l.annotator.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image: &visionpb.Image{Content: data},
			Features: []*visionpb.Feature{
				{Type: visionpb.Feature_LABEL_DETECTION, MaxResults: l.maxResults},
				{Type: visionpb.Feature_OBJECT_LOCALIZATION, MaxResults: l.maxResults},
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("vision: annotate %s image: %w", strings.TrimSpace(mimeType), err)
	}
	if resp == nil || len(resp.GetResponses()) == 0 || resp.GetResponses()[0] == nil {
		return []domain.ImageLabel{}, nil
	}
	first := resp.GetResponses()[0]
	if status := first.GetError(); status != nil && status.GetMessage() != "" {
		return nil, fmt.Errorf("vision: annotate error: %s", status.GetMessage())
	}

	best := make(map[string]domain.ImageLabel)
	add := func(description string, score float32) {
		description = strings.TrimSpace(description)
		if description == "" || float64(score) < l.minScore {
			return
		}
		key := strings.ToLower(description)
		if existing, ok := best[key]; ok && existing.Score >= float64(score) {
			return
		}
		best[key] = domain.ImageLabel{Description: description, Score: roundScore(score)}
	}
	for _, label := range first.GetLabelAnnotations() {
		add(label.GetDescription(), label.GetScore())
	}
	for _, object := range first.GetLocalizedObjectAnnotations() {
		add(object.GetName(), object.GetScore())
	}

	labels := make([]domain.ImageLabel, 0, len(best))
	for _, label := range best {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Score != labels[j].Score {
			return labels[i].Score > labels[j].Score
		}
		return labels[i].Description < labels[j].Description
	})
	if len(labels) > int(l.maxResults) {
		labels = labels[:l.maxResults]
	}
	return labels, nil
}

func roundScore(score float32) float64 {
	return float64(int(float64(score)*1000+0.5)) / 1000
}
