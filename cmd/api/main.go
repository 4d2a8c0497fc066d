package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tradelane/api/internal/di"
	"github.com/tradelane/api/internal/handlers"
	"github.com/tradelane/api/internal/platform/auth"
	"github.com/tradelane/api/internal/platform/config"
	pfirestore "github.com/tradelane/api/internal/platform/firestore"
	"github.com/tradelane/api/internal/platform/geo"
	"github.com/tradelane/api/internal/platform/idempotency"
	"github.com/tradelane/api/internal/platform/jobs"
	"github.com/tradelane/api/internal/platform/observability"
	"github.com/tradelane/api/internal/platform/reasoning"
	"github.com/tradelane/api/internal/platform/secrets"
	platformstorage "github.com/tradelane/api/internal/platform/storage"
	"github.com/tradelane/api/internal/platform/vision"
	"github.com/tradelane/api/internal/repositories"
	firestoreRepo "github.com/tradelane/api/internal/repositories/firestore"
	"github.com/tradelane/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(observability.LoggerConfig{
		Level:      envValues["API_LOG_LEVEL"],
		File:       envValues["API_LOG_FILE"],
		MaxSizeMB:  atoiOrZero(envValues["API_LOG_MAX_SIZE_MB"]),
		MaxBackups: atoiOrZero(envValues["API_LOG_MAX_BACKUPS"]),
		MaxAgeDays: atoiOrZero(envValues["API_LOG_MAX_AGE_DAYS"]),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	healthRepo, err := newHealthRepository(firestoreClient, fetcher)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}
	registry, err := firestoreRepo.NewRegistry(firestoreProvider, healthRepo)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	firebaseClient, err := auth.NewFirebaseClient(ctx, cfg.Firebase, auth.WithRevocationCheck(cfg.Firebase.CheckRevoked))
	if err != nil {
		logger.Fatal("failed to initialise firebase client", zap.Error(err))
	}

	collab, closeCollaborators := buildCollaborators(ctx, cfg, logger)
	defer closeCollaborators()
	collab.Users = firebaseClient

	container, err := di.NewContainer(cfg, registry, collab, buildInfo, logger)
	if err != nil {
		logger.Fatal("failed to build services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()
	if len(container.Disabled) > 0 {
		logger.Warn("optional collaborators disabled", zap.Strings("collaborators", container.Disabled))
	}
	svc := container.Services

	idempotencyStore, err := idempotency.NewFirestoreStore(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	background, stopBackground := context.WithCancel(context.Background())
	var backgroundWG sync.WaitGroup
	backgroundWG.Add(1)
	go func() {
		defer backgroundWG.Done()
		runIdempotencyCleanup(background, idempotencyStore, cfg.Idempotency, logger.Named("idempotency"))
	}()

	scheduler, err := scheduleDraftSweep(background, cfg.Maintenance, svc.Drafts, logger.Named("maintenance"))
	if err != nil {
		logger.Fatal("failed to schedule draft sweep", zap.Error(err))
	}

	authenticator := auth.NewAuthenticator(firebaseClient)
	httpLogger := logger.Named("http")
	projectID := traceProjectID(cfg)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)
	draftHandlers := handlers.NewDraftHandlers(svc.Drafts, handlers.WithDraftCreateMiddleware(idempotencyMiddleware))
	analysisHandlers := handlers.NewAnalysisHandlers(svc.Compliance, svc.Routes, svc.Carbon, svc.Drafts)
	historyHandlers := handlers.NewHistoryHandlers(svc.Records, svc.ProductAnalysis, handlers.WithMaxImageBytes(cfg.Storage.MaxImageBytes))
	meHandlers := handlers.NewMeHandlers(svc.Accounts)
	maintenanceHandlers := handlers.NewMaintenanceHandlers(svc.Drafts, cfg.Maintenance.SweepBatchSize)

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.Trace(projectID),
			observability.InjectLogger(httpLogger),
			observability.Recoverer(httpLogger),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithUserMiddlewares(authenticator.RequireUser(), observability.RequestLogger()),
		handlers.WithDraftRoutes(draftHandlers.Routes),
		handlers.WithAnalysisRoutes(analysisHandlers.Routes),
		handlers.WithHistoryRoutes(historyHandlers.Routes),
		handlers.WithMeRoutes(meHandlers.Routes),
		handlers.WithInternalRoutes(maintenanceHandlers.Routes),
	}
	if oidc := buildOIDCMiddleware(logger.Named("auth"), cfg); oidc != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidc, observability.RequestLogger()))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := httpLogger.With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("tradelane api listening",
			zap.String("version", buildInfo.Version),
			zap.String("environment", buildInfo.Environment),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	stopBackground()
	backgroundWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// buildCollaborators dials the external clients. Optional clients that are not configured or fail
// to start stay nil and the returned closer releases whatever was opened.
func buildCollaborators(ctx context.Context, cfg config.Config, logger *zap.Logger) (di.Collaborators, func()) {
	var (
		collab  di.Collaborators
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	reasoner, err := reasoning.New(reasoning.Config{
		APIKey:     cfg.AI.AnthropicAPIKey,
		Model:      cfg.AI.Model,
		MaxTokens:  int64(cfg.AI.MaxTokens),
		Timeout:    cfg.AI.Timeout,
		MaxRetries: cfg.AI.MaxRetries,
	}, logger.Named("reasoning"))
	if err != nil {
		logger.Fatal("failed to initialise reasoning client", zap.Error(err))
	}
	collab.Reasoner = reasoner

	if cfg.Vision.Enabled {
		labeler, err := vision.NewLabeler(ctx, vision.Config{
			MaxResults: int32(cfg.Vision.MaxResults),
			MinScore:   cfg.Vision.MinScore,
			Timeout:    cfg.Vision.Timeout,
		})
		if err != nil {
			logger.Warn("vision labeler unavailable", zap.Error(err))
		} else {
			collab.Labeler = labeler
			closers = append(closers, func() {
				if err := labeler.Close(); err != nil {
					logger.Warn("vision close error", zap.Error(err))
				}
			})
		}
	}

	if strings.TrimSpace(cfg.Maps.APIKey) != "" {
		geocoder, err := geo.NewMapsGeocoder(geo.Config{
			APIKey:    cfg.Maps.APIKey,
			Timeout:   cfg.Maps.Timeout,
			RateLimit: cfg.Maps.RateLimit,
		})
		if err != nil {
			logger.Warn("maps geocoder unavailable", zap.Error(err))
		} else {
			collab.Geocoder = geocoder
		}
	}

	if bucket := strings.TrimSpace(cfg.Storage.ProductImagesBucket); bucket != "" {
		if store, closeStore, err := newImageStore(ctx, cfg.Storage); err != nil {
			logger.Warn("product image store unavailable", zap.Error(err))
		} else {
			collab.Images = store
			closers = append(closers, closeStore)
		}
	}

	if topicName := strings.TrimSpace(cfg.Events.DraftTopic); topicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			logger.Warn("draft events unavailable", zap.Error(err))
		} else {
			topic := client.Topic(topicName)
			topic.EnableMessageOrdering = true
			publisher, err := jobs.NewPubSubDraftEventPublisher(topic)
			if err != nil {
				logger.Warn("draft events unavailable", zap.Error(err))
				_ = client.Close()
			} else {
				collab.Events = publisher
				closers = append(closers, func() {
					topic.Stop()
					if err := client.Close(); err != nil {
						logger.Warn("pubsub close error", zap.Error(err))
					}
				})
			}
		}
	}

	return collab, closeAll
}

func newImageStore(ctx context.Context, cfg config.StorageConfig) (*platformstorage.ImageStore, func(), error) {
	client, err := cloudstorage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("storage client: %w", err)
	}
	var opts []platformstorage.ImageStoreOption
	if keyFile := strings.TrimSpace(cfg.SignerKeyFile); keyFile != "" {
		signer, err := platformstorage.NewServiceAccountSignerFromFile(keyFile)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("storage signer: %w", err)
		}
		opts = append(opts, platformstorage.WithSigner(signer))
	}
	store, err := platformstorage.NewImageStore(client, cfg.ProductImagesBucket, opts...)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}

func newHealthRepository(client *firestore.Client, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	checks := []repositories.DependencyCheck{{
		Name:     "firestore",
		Critical: true,
		Timeout:  1500 * time.Millisecond,
		Check: func(ctx context.Context) error {
			_, err := client.Collections(ctx).Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		},
	}}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil || status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func runIdempotencyCleanup(ctx context.Context, store *idempotency.FirestoreStore, cfg config.IdempotencyConfig, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.Purge(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

// scheduleDraftSweep starts an in-process cron for expired draft removal. It returns nil when no
// schedule is configured, in which case Cloud Scheduler is expected to call the internal endpoint.
func scheduleDraftSweep(ctx context.Context, cfg config.MaintenanceConfig, drafts services.DraftService, logger *zap.Logger) (*cron.Cron, error) {
	schedule := strings.TrimSpace(cfg.SweepSchedule)
	if schedule == "" || drafts == nil {
		return nil, nil
	}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		removed, err := drafts.SweepExpired(runCtx, cfg.SweepBatchSize)
		if err != nil {
			logger.Error("draft sweep failed", zap.Error(err))
			return
		}
		logger.Info("draft sweep completed", zap.Int("removed", removed))
	})
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	logger.Info("draft sweep scheduled", zap.String("schedule", schedule))
	return c, nil
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}

	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger))
	validator := auth.NewOIDCValidator(cache, logger)
	return validator.RequireServiceCaller(auth.ServiceCallerPolicy{
		Audience: audience,
		Issuers:  cfg.Security.OIDC.Issuers,
		Emails:   cfg.Security.OIDC.AllowedEmails,
	})
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
