package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/tradelane/api/internal/domain"
	"github.com/tradelane/api/internal/services"
)

const (
	defaultReadURLExpiry = 15 * time.Minute
	maxReadURLExpiry     = 15 * time.Minute
)

var (
	errInvalidBucket = errors.New("storage: bucket name is required")
	errEmptyObject   = errors.New("storage: object payload is empty")
	errExpiryTooLong = errors.New("storage: expiry exceeds permitted maximum")
)

type objectWriterFunc func(ctx context.Context, bucket, object, contentType string) io.WriteCloser

// ImageStore uploads product images to a single Cloud Storage bucket and issues V4 signed read URLs.
type ImageStore struct {
	client    *gcs.Client
	bucket    string
	signer    Signer
	now       func() time.Time
	newWriter objectWriterFunc
}

var _ services.ImageStore = (*ImageStore)(nil)

// ImageStoreOption customises an ImageStore.
type ImageStoreOption func(*ImageStore)

// WithSigner signs URLs with an explicit service account key instead of the client credentials.
func WithSigner(signer Signer) ImageStoreOption {
	return func(s *ImageStore) {
		if signer != nil {
			s.signer = signer
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) ImageStoreOption {
	return func(s *ImageStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewImageStore constructs an image store for bucket.
func NewImageStore(client *gcs.Client, bucket string, opts ...ImageStoreOption) (*ImageStore, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	store := &ImageStore{
		client: client,
		bucket: bucket,
		now:    time.Now,
	}
	store.newWriter = store.gcsWriter
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// PutObject writes data under object and returns the stored image metadata.
func (s *ImageStore) PutObject(ctx context.Context, object string, contentType string, data []byte) (domain.ImageMeta, error) {
	if s == nil || s.newWriter == nil {
		return domain.ImageMeta{}, errors.New("storage: image store not initialised")
	}
	object, err := validateObjectPath(object)
	if err != nil {
		return domain.ImageMeta{}, err
	}
	if len(data) == 0 {
		return domain.ImageMeta{}, errEmptyObject
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return domain.ImageMeta{}, errors.New("storage: content type is required")
	}

	w := s.newWriter(ctx, s.bucket, object, contentType)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return domain.ImageMeta{}, fmt.Errorf("storage: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return domain.ImageMeta{}, fmt.Errorf("storage: finalise %s: %w", object, err)
	}

	return domain.ImageMeta{
		FileName:    path.Base(object),
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		Bucket:      s.bucket,
		ObjectPath:  object,
	}, nil
}

// SignedReadURL returns a GET URL for object valid for ttl (default and maximum 15 minutes).
func (s *ImageStore) SignedReadURL(ctx context.Context, object string, ttl time.Duration) (string, error) {
	if s == nil {
		return "", errors.New("storage: image store not initialised")
	}
	object, err := validateObjectPath(object)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = defaultReadURLExpiry
	}
	if ttl > maxReadURLExpiry {
		return "", errExpiryTooLong
	}

	opts := &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  "GET",
		Expires: s.now().Add(ttl),
	}
	if s.signer != nil {
		opts.GoogleAccessID = s.signer.Email()
		opts.SignBytes = func(payload []byte) ([]byte, error) {
			return s.signer.SignBytes(ctx, payload)
		}
		signed, err := gcs.SignedURL(s.bucket, object, opts)
		if err != nil {
			return "", fmt.Errorf("storage: sign read url: %w", err)
		}
		return signed, nil
	}
	if s.client == nil {
		return "", errors.New("storage: client is required to sign without a key")
	}
	signed, err := s.client.Bucket(s.bucket).SignedURL(object, opts)
	if err != nil {
		return "", fmt.Errorf("storage: sign read url: %w", err)
	}
	return signed, nil
}

func (s *ImageStore) gcsWriter(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=0"
	return w
}

// validateObjectPath rejects empty segments and traversal sequences.
func validateObjectPath(object string) (string, error) {
	object = strings.TrimSpace(object)
	if object == "" {
		return "", errors.New("storage: object name is required")
	}
	if strings.HasPrefix(object, "/") || strings.Contains(object, "\\") {
		return "", fmt.Errorf("storage: object %q contains invalid path characters", object)
	}
	for _, segment := range strings.Split(object, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("storage: object %q contains an invalid segment", object)
		}
	}
	return object, nil
}
