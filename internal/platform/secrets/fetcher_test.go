package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const anthropicResource = "projects/tl-prod/secrets/anthropic-api-key/versions/latest"

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}
	return path
}

func TestResolveCachesRemoteSecretUntilTTL(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[anthropicResource] = "sk-remote"
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("tl-prod"),
		WithFallbackFile(""),
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return now }),
		WithLogger(zap.NewNop()),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(ctx, "secret://anthropic-api-key")
		if err != nil || got != "sk-remote" {
			t.Fatalf("resolve #%d: %q, %v", i, got, err)
		}
	}
	if calls := client.callCount(anthropicResource); calls != 1 {
		t.Fatalf("expected one remote fetch, got %d", calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := fetcher.ResolveSecret(ctx, "secret://anthropic-api-key"); err != nil {
		t.Fatalf("resolve after ttl: %v", err)
	}
	if calls := client.callCount(anthropicResource); calls != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls", calls)
	}
}

func TestResolveFallsBackWhenSecretManagerDenied(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.errors[anthropicResource] = status.Error(codes.PermissionDenied, "denied")
	path := writeFallback(t, "# local keys\nsecret://anthropic-api-key=sk-local\n")

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithDefaultProject("tl-prod"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	got, err := fetcher.Resolve(ctx, "secret://anthropic-api-key")
	if err != nil || got != "sk-local" {
		t.Fatalf("expected fallback value, got %q, %v", got, err)
	}
}

func TestResolveDoesNotFallbackOnNotFound(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.errors[anthropicResource] = status.Error(codes.NotFound, "missing")
	path := writeFallback(t, "secret://anthropic-api-key=sk-local\n")

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithDefaultProject("tl-prod"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	if _, err := fetcher.Resolve(ctx, "secret://anthropic-api-key"); err == nil {
		t.Fatal("expected not found to surface")
	}
}

func TestResolveUsesEnvironmentProjectAndVersionPins(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	pinned := "projects/tl-stg/secrets/maps-api-key/versions/7"
	client.values[pinned] = "maps-7"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithEnvironment("STG"),
		WithDefaultProject("tl-prod"),
		WithProjectMap(map[string]string{"stg": "tl-stg"}),
		WithVersionPins(map[string]string{"stg:secret://maps-api-key": "7", "secret://maps-api-key": "3"}),
		WithFallbackFile(""),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	got, err := fetcher.Resolve(ctx, "secret://maps-api-key")
	if err != nil || got != "maps-7" {
		t.Fatalf("expected environment pinned version, got %q, %v", got, err)
	}
}

func TestResolveRejectsMalformedReferences(t *testing.T) {
	fetcher, err := NewFetcher(context.Background(), WithSecretManagerClient(newFakeSecretClient()), WithFallbackFile(""))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	for _, ref := range []string{"", "https://example.com/key", "secret://"} {
		if _, err := fetcher.Resolve(context.Background(), ref); err == nil {
			t.Fatalf("expected %q to be rejected", ref)
		}
	}
}

func TestNewFetcherWithoutCredentialsUsesFallback(t *testing.T) {
	original := secretManagerClientFactory
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { secretManagerClientFactory = original })

	path := writeFallback(t, "sm://maps-api-key?version=2=maps==\nsecret://maps-api-key=maps-latest\n")
	fetcher, err := NewFetcher(context.Background(), WithDefaultProject("tl-prod"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	got, err := fetcher.Resolve(context.Background(), "secret://maps-api-key?version=2")
	if err != nil || got != "maps==" {
		t.Fatalf("expected versioned fallback with padding intact, got %q, %v", got, err)
	}
	got, err = fetcher.Resolve(context.Background(), "secret://maps-api-key")
	if err != nil || got != "maps-latest" {
		t.Fatalf("expected unversioned fallback, got %q, %v", got, err)
	}
}

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	f.counter[name]++
	if err := f.errors[name]; err != nil {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
