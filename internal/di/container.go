package di

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tradelane/api/internal/platform/config"
	"github.com/tradelane/api/internal/platform/observability"
	"github.com/tradelane/api/internal/repositories"
	"github.com/tradelane/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. A nil entry means the
// collaborator it needs was not configured and its routes answer 503.
type Services struct {
	Drafts          services.DraftService
	Records         services.RecordService
	Countries       services.CountryResolver
	Compliance      services.ComplianceService
	Routes          services.RouteService
	Carbon          services.CarbonService
	ProductAnalysis services.ProductAnalysisService
	Accounts        services.AccountService
	System          services.SystemService
}

// Collaborators are the external clients built by the caller. Reasoner is mandatory; every other
// field may be left nil and is then reported as disabled by readiness checks.
type Collaborators struct {
	Reasoner services.Reasoner
	Labeler  services.ImageLabeler
	Geocoder services.Geocoder
	Images   services.ImageStore
	Events   services.DraftEventPublisher
	Users    services.UserDeleter
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Disabled     []string
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory registries and
// fake collaborators.
func NewContainer(cfg config.Config, reg repositories.Registry, collab Collaborators, build services.BuildInfo, logger *zap.Logger) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if collab.Reasoner == nil {
		return nil, errors.New("reasoner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	disabled := disabledCollaborators(collab)
	svc, err := buildServices(cfg, reg, collab, build, disabled, logger)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
		Disabled:     disabled,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func disabledCollaborators(collab Collaborators) []string {
	var disabled []string
	if collab.Labeler == nil {
		disabled = append(disabled, "vision")
	}
	if collab.Geocoder == nil {
		disabled = append(disabled, "maps")
	}
	if collab.Images == nil {
		disabled = append(disabled, "image_store")
	}
	if collab.Events == nil {
		disabled = append(disabled, "draft_events")
	}
	if collab.Users == nil {
		disabled = append(disabled, "identity_provider")
	}
	sort.Strings(disabled)
	return disabled
}

func buildServices(cfg config.Config, reg repositories.Registry, collab Collaborators, build services.BuildInfo, disabled []string, logger *zap.Logger) (Services, error) {
	var svc Services

	records, err := services.NewRecordService(services.RecordServiceDeps{
		ComplianceRecords: reg.ComplianceRecords(),
		SavedRoutes:       reg.SavedRoutes(),
		ProductAnalyses:   reg.ProductAnalyses(),
		Drafts:            reg.Drafts(),
		Events:            collab.Events,
		Clock:             time.Now,
		Logger:            observability.ServiceLogger(logger, "records"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build record service: %w", err)
	}
	svc.Records = records

	countries, err := services.NewCountryNormalizer(services.CountryNormalizerDeps{
		Reasoner: collab.Reasoner,
		Logger:   observability.ServiceLogger(logger, "countries"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build country normalizer: %w", err)
	}
	svc.Countries = countries

	drafts, err := services.NewDraftService(services.DraftServiceDeps{
		Drafts:    reg.Drafts(),
		Records:   records,
		Countries: countries,
		Events:    collab.Events,
		Clock:     time.Now,
		Logger:    observability.ServiceLogger(logger, "drafts"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build draft service: %w", err)
	}
	svc.Drafts = drafts

	compliance, err := services.NewComplianceService(services.ComplianceServiceDeps{
		Reasoner: collab.Reasoner,
		Drafts:   drafts,
		Records:  records,
		Clock:    time.Now,
		Logger:   observability.ServiceLogger(logger, "compliance"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build compliance service: %w", err)
	}
	svc.Compliance = compliance

	routes, err := services.NewRouteService(services.RouteServiceDeps{
		Reasoner:           collab.Reasoner,
		Geocoder:           collab.Geocoder,
		GeocodeConcurrency: cfg.Maps.GeocodeConcurrency,
		Logger:             observability.ServiceLogger(logger, "routes"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build route service: %w", err)
	}
	svc.Routes = routes

	carbon, err := services.NewCarbonService(services.CarbonServiceDeps{
		Reasoner: collab.Reasoner,
		Drafts:   drafts,
		Clock:    time.Now,
		Logger:   observability.ServiceLogger(logger, "carbon"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build carbon service: %w", err)
	}
	svc.Carbon = carbon

	if collab.Labeler != nil {
		products, err := services.NewProductAnalysisService(services.ProductAnalysisServiceDeps{
			Labeler:       collab.Labeler,
			Reasoner:      collab.Reasoner,
			Store:         collab.Images,
			Records:       records,
			Clock:         time.Now,
			MaxImageBytes: cfg.Storage.MaxImageBytes,
			ImageURLTTL:   cfg.Storage.ImageURLTTL,
			Logger:        observability.ServiceLogger(logger, "product_analysis"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build product analysis service: %w", err)
		}
		svc.ProductAnalysis = products
	}

	accounts, err := services.NewAccountService(services.AccountServiceDeps{
		Drafts:            reg.Drafts(),
		ComplianceRecords: reg.ComplianceRecords(),
		SavedRoutes:       reg.SavedRoutes(),
		ProductAnalyses:   reg.ProductAnalyses(),
		Users:             collab.Users,
		Logger:            observability.ServiceLogger(logger, "accounts"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build account service: %w", err)
	}
	svc.Accounts = accounts

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build:            build,
			Disabled:         disabled,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
