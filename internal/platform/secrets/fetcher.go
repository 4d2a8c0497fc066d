package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tradelane/api/internal/platform/config"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
	metricNamespace     = "github.com/tradelane/api/internal/platform/secrets"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references against Secret Manager. Values are cached for a bounded
// time; a local fallback file serves environments without Secret Manager access.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	now        func() time.Time

	env         string
	project     string
	projectMap  map[string]string
	versionPins map[string]string
	ttl         time.Duration

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cached

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

var _ config.SecretResolver = (*Fetcher)(nil)

type cached struct {
	value     string
	expiresAt time.Time
}

// Option customises Fetcher construction.
type Option func(*Fetcher)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithEnvironment selects the key used for per-environment project ids and version pins.
func WithEnvironment(env string) Option {
	return func(f *Fetcher) {
		if env = strings.ToLower(strings.TrimSpace(env)); env != "" {
			f.env = env
		}
	}
}

// WithDefaultProject configures the project used when no environment mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(f *Fetcher) { f.project = strings.TrimSpace(projectID) }
}

// WithProjectMap supplies environment-specific project ids.
func WithProjectMap(m map[string]string) Option {
	return func(f *Fetcher) { f.projectMap = copyStringMap(m) }
}

// WithVersionPins pins references to explicit versions, keyed by reference or "env:reference".
func WithVersionPins(pins map[string]string) Option {
	return func(f *Fetcher) { f.versionPins = copyStringMap(pins) }
}

// WithFallbackFile overrides the local fallback file. An empty path disables it.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher) { f.fallbackPath = strings.TrimSpace(path) }
}

// WithCacheTTL bounds how long resolved values are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(f *Fetcher) {
		if ttl > 0 {
			f.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// WithMeter injects an OpenTelemetry meter.
func WithMeter(meter metric.Meter) Option {
	return func(f *Fetcher) {
		if meter != nil {
			f.registerMetrics(meter)
		}
	}
}

// WithSecretManagerClient injects a preconfigured client.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(f *Fetcher) { f.client = client }
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not fatal; resolution then relies
// on the fallback file.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		logger:       zap.NewNop(),
		now:          time.Now,
		env:          defaultEnvironment,
		projectMap:   map[string]string{},
		versionPins:  map[string]string{},
		ttl:          defaultCacheTTL,
		fallbackPath: defaultFallbackPath,
		cache:        make(map[string]cached),
		latency:      noop.Float64Histogram{},
		cacheHits:    noop.Int64Counter{},
	}
	f.registerMetrics(otel.GetMeterProvider().Meter(metricNamespace))
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	if f.client == nil {
		client, err := secretManagerClientFactory(ctx)
		if err != nil {
			f.logger.Warn("secret manager client unavailable, using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the value behind ref, e.g. "secret://anthropic-api-key?version=3".
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := f.now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	version := f.version(parsed)
	key := parsed.canonical + "#" + version

	if value, ok := f.lookup(key); ok {
		f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskReference(parsed.canonical))))
		return value, nil
	}

	result, err, _ := f.group.Do(key, func() (any, error) {
		value, source, err := f.load(ctx, parsed, version)
		f.latency.Record(ctx, float64(f.now().Sub(start))/float64(time.Millisecond),
			metric.WithAttributes(attribute.String("source", source), attribute.Bool("error", err != nil)))
		if err != nil {
			return "", err
		}
		f.mu.Lock()
		f.cache[key] = cached{value: value, expiresAt: f.now().Add(f.ttl)}
		f.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (f *Fetcher) load(ctx context.Context, ref reference, version string) (string, string, error) {
	project := f.projectID(ref)
	if project != "" && f.client != nil {
		name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.secret, version)
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		switch {
		case err == nil && resp.GetPayload() != nil:
			return string(resp.GetPayload().GetData()), "remote", nil
		case err == nil:
			return "", "remote", fmt.Errorf("secrets: empty payload for %s", ref.canonical)
		case !fallbackAllowed(err):
			return "", "remote", fmt.Errorf("secrets: fetch %s: %w", ref.canonical, err)
		}
		f.logger.Debug("secret manager unreachable, trying fallback file",
			zap.String("secret", maskReference(ref.canonical)), zap.Error(err))
	}

	f.fallbackOnce.Do(f.readFallback)
	if value, ok := f.fallback[ref.canonical+"#"+version]; ok {
		return value, "fallback", nil
	}
	if value, ok := f.fallback[ref.canonical]; ok {
		return value, "fallback", nil
	}
	return "", "fallback", fmt.Errorf("secrets: no value available for %s", ref.canonical)
}

func (f *Fetcher) lookup(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	if !ok || !f.now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) projectID(ref reference) string {
	if ref.project != "" {
		return ref.project
	}
	if id := strings.TrimSpace(f.projectMap[f.env]); id != "" {
		return id
	}
	return f.project
}

func (f *Fetcher) version(ref reference) string {
	if ref.version != "" {
		return ref.version
	}
	for _, key := range []string{f.env + ":" + ref.canonical, ref.canonical} {
		if pin := strings.TrimSpace(f.versionPins[key]); pin != "" {
			return pin
		}
	}
	return "latest"
}

// readFallback parses "secret://name[?version=N]=value" lines.
func (f *Fetcher) readFallback() {
	f.fallback = map[string]string{}
	if f.fallbackPath == "" {
		return
	}
	file, err := os.Open(f.fallbackPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("secrets fallback file unreadable", zap.String("path", f.fallbackPath), zap.Error(err))
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := fallbackSeparator(line)
		if idx <= 0 {
			continue
		}
		rawRef := strings.TrimSpace(line[:idx])
		if strings.HasPrefix(rawRef, "sm://") {
			rawRef = "secret://" + strings.TrimPrefix(rawRef, "sm://")
		}
		parsed, err := parseReference(rawRef)
		if err != nil {
			continue
		}
		value := strings.TrimSpace(line[idx+1:])
		f.fallback[parsed.canonical] = value
		if parsed.version != "" {
			f.fallback[parsed.canonical+"#"+parsed.version] = value
		}
	}
	if err := scanner.Err(); err != nil {
		f.logger.Warn("secrets fallback file truncated", zap.String("path", f.fallbackPath), zap.Error(err))
	}
}

// fallbackSeparator locates the "=" ending the reference; a version query carries its own "=".
func fallbackSeparator(line string) int {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return -1
	}
	if strings.Contains(line[:idx], "?") {
		next := strings.Index(line[idx+1:], "=")
		if next < 0 {
			return -1
		}
		return idx + 1 + next
	}
	return idx
}

func (f *Fetcher) registerMetrics(meter metric.Meter) {
	latency, err := meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret fetches that missed the cache"))
	if err == nil {
		f.latency = latency
	}
	hits, err := meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Secret resolutions served from cache"))
	if err == nil {
		f.cacheHits = hits
	}
}

type reference struct {
	canonical string
	secret    string
	version   string
	project   string
}

func parseReference(ref string) (reference, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	secret := strings.Trim(u.Host+u.Path, "/")
	if secret == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	query := u.Query()
	return reference{
		canonical: "secret://" + secret,
		secret:    secret,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func fallbackAllowed(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func copyStringMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}

func maskReference(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:8])
}
