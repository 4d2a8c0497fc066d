package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	maxImageURLTTL     = 15 * time.Minute
	defaultOIDCJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
)

// Default values applied when the environment leaves a setting unset or unparsable.
var (
	defaultAIMaxTokens          = 2048
	defaultVisionMinScore       = 0.5
	defaultGeocodeConcurrency   = 4
	defaultSweepBatchSize       = 200
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultServiceTokenIssuers  = []string{"https://accounts.google.com", "https://cloud.google.com/iap"}
	defaultSecurityEnvironment  = "local"
	defaultLogLevel             = "info"
	defaultServerPort           = "8080"
	defaultMaxImageBytes        = 5 << 20
	defaultIdempotencyBatchSize = 200
)

// Config is the full runtime configuration, one section per concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Storage     StorageConfig
	AI          AIConfig
	Vision      VisionConfig
	Maps        MapsConfig
	Events      EventsConfig
	Maintenance MaintenanceConfig
	Logging     LoggingConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// FirebaseConfig identifies the project whose ID tokens the API accepts.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	CheckRevoked    bool
}

// FirestoreConfig falls back to the Firebase project when ProjectID is empty.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig configures the product image bucket. An empty bucket disables image uploads.
type StorageConfig struct {
	ProductImagesBucket string
	SignerKeyFile       string
	ImageURLTTL         time.Duration
	MaxImageBytes       int
}

type AIConfig struct {
	AnthropicAPIKey string
	Model           string
	MaxTokens       int
	Timeout         time.Duration
	MaxRetries      int
}

type VisionConfig struct {
	Enabled    bool
	MaxResults int
	MinScore   float64
	Timeout    time.Duration
}

// MapsConfig configures geocoding. An empty APIKey disables map coordinates on routes.
type MapsConfig struct {
	APIKey             string
	RateLimit          int
	Timeout            time.Duration
	GeocodeConcurrency int
}

// EventsConfig names the Pub/Sub topic receiving draft lifecycle events. Empty disables publishing.
type EventsConfig struct {
	DraftTopic string
}

// MaintenanceConfig controls the expired draft sweep. An empty schedule leaves sweeping to the internal endpoint.
type MaintenanceConfig struct {
	SweepSchedule  string
	SweepBatchSize int
}

// LoggingConfig writes to stdout unless File is set, in which case the file is rotated.
type LoggingConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for internal endpoints.
// Audiences maps an environment name to its audience and is consulted when Audience is empty.
type OIDCConfig struct {
	JWKSURL       string
	Audience      string
	Audiences     map[string]string
	Issuers       []string
	AllowedEmails []string
}

type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: ".env", useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// WithEnvFile overrides the dotenv path. An empty path skips dotenv entirely.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap layers values above both the process environment and the dotenv file.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets names secret-backed fields, such as "AI.AnthropicAPIKey", that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// EnvironmentValues returns the merged environment Load would read, so dependencies such as the
// secret fetcher can be built from the same inputs first.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	src, err := newSource(options)
	if err != nil {
		return nil, err
	}
	return src.merged(), nil
}

// Load reads configuration with precedence explicit map, then process environment, then dotenv,
// then defaults. Secret references are resolved in place before validation.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	src, err := newSource(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            src.str("API_SERVER_PORT", defaultServerPort),
			ReadTimeout:     src.duration("API_SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    src.duration("API_SERVER_WRITE_TIMEOUT", 90*time.Second),
			IdleTimeout:     src.duration("API_SERVER_IDLE_TIMEOUT", 2*time.Minute),
			ShutdownTimeout: src.duration("API_SERVER_SHUTDOWN_TIMEOUT", 20*time.Second),
		},
		Firebase: FirebaseConfig{
			ProjectID:       src.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: src.str("API_FIREBASE_CREDENTIALS_FILE", ""),
			CheckRevoked:    src.flag("API_FIREBASE_CHECK_REVOKED", false),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: src.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			ProductImagesBucket: src.str("API_STORAGE_PRODUCT_IMAGES_BUCKET", ""),
			SignerKeyFile:       src.str("API_STORAGE_SIGNER_KEY_FILE", ""),
			ImageURLTTL:         src.duration("API_STORAGE_IMAGE_URL_TTL", maxImageURLTTL),
			MaxImageBytes:       src.integer("API_STORAGE_MAX_IMAGE_BYTES", defaultMaxImageBytes),
		},
		AI: AIConfig{
			AnthropicAPIKey: src.str("API_AI_ANTHROPIC_API_KEY", ""),
			Model:           src.str("API_AI_MODEL", ""),
			MaxTokens:       src.integer("API_AI_MAX_TOKENS", defaultAIMaxTokens),
			Timeout:         src.duration("API_AI_TIMEOUT", time.Minute),
			MaxRetries:      src.integer("API_AI_MAX_RETRIES", 2),
		},
		Vision: VisionConfig{
			Enabled:    src.flag("API_VISION_ENABLED", true),
			MaxResults: src.integer("API_VISION_MAX_RESULTS", 15),
			MinScore:   src.float("API_VISION_MIN_SCORE", defaultVisionMinScore),
			Timeout:    src.duration("API_VISION_TIMEOUT", 20*time.Second),
		},
		Maps: MapsConfig{
			APIKey:             src.str("API_MAPS_API_KEY", ""),
			RateLimit:          src.integer("API_MAPS_RATE_LIMIT", 25),
			Timeout:            src.duration("API_MAPS_TIMEOUT", 10*time.Second),
			GeocodeConcurrency: src.integer("API_MAPS_GEOCODE_CONCURRENCY", defaultGeocodeConcurrency),
		},
		Events: EventsConfig{
			DraftTopic: src.str("API_EVENTS_DRAFT_TOPIC", ""),
		},
		Maintenance: MaintenanceConfig{
			SweepSchedule:  src.str("API_MAINTENANCE_SWEEP_SCHEDULE", ""),
			SweepBatchSize: src.integer("API_MAINTENANCE_SWEEP_BATCH", defaultSweepBatchSize),
		},
		Logging: LoggingConfig{
			Level:      strings.ToLower(src.str("API_LOG_LEVEL", defaultLogLevel)),
			File:       src.str("API_LOG_FILE", ""),
			MaxSizeMB:  src.integer("API_LOG_MAX_SIZE_MB", 0),
			MaxBackups: src.integer("API_LOG_MAX_BACKUPS", 0),
			MaxAgeDays: src.integer("API_LOG_MAX_AGE_DAYS", 0),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(src.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:       src.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:      src.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences:     src.pairs("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:       src.list("API_SECURITY_OIDC_ISSUERS"),
				AllowedEmails: src.list("API_SECURITY_OIDC_ALLOWED_EMAILS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           src.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              src.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  src.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", time.Hour),
			CleanupBatchSize: src.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}
	applyDerived(&cfg)

	resolved, err := resolveSecretFields(ctx, options.secret, map[string]*string{
		"AI.AnthropicAPIKey": &cfg.AI.AnthropicAPIKey,
		"Maps.APIKey":        &cfg.Maps.APIKey,
	})
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if missing := missingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func applyDerived(cfg *Config) {
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	oidc := &cfg.Security.OIDC
	if len(oidc.Issuers) == 0 {
		oidc.Issuers = append([]string(nil), defaultServiceTokenIssuers...)
	}
	if oidc.Audience == "" {
		oidc.Audience = oidc.Audiences[cfg.Security.Environment]
	}
}

// ValidationError lists every field that is missing or out of range.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid or missing fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns the offending field names in check order.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

func (c Config) validate() error {
	var bad []string
	require := func(ok bool, field string) {
		if !ok {
			bad = append(bad, field)
		}
	}

	require(c.Server.Port != "", "Server.Port")
	require(c.Firebase.ProjectID != "", "Firebase.ProjectID")
	require(c.Firestore.ProjectID != "", "Firestore.ProjectID")
	require(c.Storage.MaxImageBytes > 0, "Storage.MaxImageBytes")
	require(c.Storage.ImageURLTTL > 0 && c.Storage.ImageURLTTL <= maxImageURLTTL, "Storage.ImageURLTTL")
	require(c.AI.MaxTokens > 0, "AI.MaxTokens")
	require(c.AI.MaxRetries > 0, "AI.MaxRetries")
	require(c.Vision.MinScore >= 0 && c.Vision.MinScore <= 1, "Vision.MinScore")
	require(c.Maps.GeocodeConcurrency > 0, "Maps.GeocodeConcurrency")
	require(c.Maintenance.SweepBatchSize > 0, "Maintenance.SweepBatchSize")
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		bad = append(bad, "Logging.Level")
	}
	require(strings.TrimSpace(c.Idempotency.Header) != "", "Idempotency.Header")
	require(c.Idempotency.TTL > 0, "Idempotency.TTL")
	require(c.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	require(c.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(bad) > 0 {
		return &ValidationError{fields: bad}
	}
	return nil
}
