package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tradelane/api/internal/platform/httpx"
)

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 60 * time.Second
)

type Middleware = func(http.Handler) http.Handler

// RouteRegistrar adds one feature's routes to a router.
type RouteRegistrar func(r chi.Router)

// feature is a caller-facing route group. Paths answer 501 until a registrar is supplied.
type feature struct {
	name     string
	paths    []string
	register RouteRegistrar
}

type routerConfig struct {
	global   []Middleware
	user     []Middleware
	internal []Middleware
	health   *HealthHandlers

	features         []*feature
	internalRegister RouteRegistrar
}

type Option func(*routerConfig)

func (c *routerConfig) feature(name string) *feature {
	for _, f := range c.features {
		if f.name == name {
			return f
		}
	}
	return nil
}

// NewRouter builds the HTTP surface: health endpoints at the root, feature groups under /api/v1 behind the
// user middlewares, and /api/v1/internal behind the internal middlewares.
func NewRouter(opts ...Option) chi.Router {
	cfg := &routerConfig{
		global: []Middleware{middleware.RequestID, middleware.RealIP, middleware.Timeout(requestTimeout)},
		features: []*feature{
			{name: "drafts", paths: []string{"/drafts", "/drafts:import", "/drafts/{draftID}"}},
			{name: "analysis", paths: []string{"/compliance:check", "/routes:optimize", "/routes:choose", "/carbon:analyze"}},
			{name: "history", paths: []string{"/compliance-records", "/saved-routes", "/saved-routes/{routeID}", "/product-analyses"}},
			{name: "me", paths: []string{"/me"}},
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	use(r, cfg.global)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})
	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		// Groups rather than sub-routes, so "/drafts:import" can sit next to "/drafts".
		for _, f := range cfg.features {
			f := f
			api.Group(func(g chi.Router) {
				use(g, cfg.user)
				if f.register != nil {
					f.register(g)
					return
				}
				for _, path := range f.paths {
					g.HandleFunc(path, notImplemented(f.name))
				}
			})
		}
		api.Route("/internal", func(g chi.Router) {
			use(g, cfg.internal)
			if cfg.internalRegister != nil {
				cfg.internalRegister(g)
				return
			}
			g.HandleFunc("/*", notImplemented("internal"))
		})
	})
	return r
}

func use(r chi.Router, mws []Middleware) {
	for _, mw := range mws {
		if mw != nil {
			r.Use(mw)
		}
	}
}

func notImplemented(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes not implemented", http.StatusNotImplemented))
	}
}

func withFeature(name string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		if f := cfg.feature(name); f != nil {
			f.register = reg
		}
	}
}

// WithMiddlewares appends router-wide middleware, applied to health endpoints too.
func WithMiddlewares(mw ...Middleware) Option {
	return func(cfg *routerConfig) { cfg.global = append(cfg.global, mw...) }
}

// WithUserMiddlewares wraps every feature group, usually authentication then request logging.
func WithUserMiddlewares(mw ...Middleware) Option {
	return func(cfg *routerConfig) { cfg.user = append(cfg.user, mw...) }
}

// WithInternalMiddlewares wraps /internal, usually service-caller token verification.
func WithInternalMiddlewares(mw ...Middleware) Option {
	return func(cfg *routerConfig) { cfg.internal = append(cfg.internal, mw...) }
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

func WithDraftRoutes(reg RouteRegistrar) Option    { return withFeature("drafts", reg) }
func WithAnalysisRoutes(reg RouteRegistrar) Option { return withFeature("analysis", reg) }
func WithHistoryRoutes(reg RouteRegistrar) Option  { return withFeature("history", reg) }
func WithMeRoutes(reg RouteRegistrar) Option       { return withFeature("me", reg) }

func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.internalRegister = reg }
}
