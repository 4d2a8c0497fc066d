package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	domain "github.com/tradelane/api/internal/domain"
)

const defaultGeocodeConcurrency = 4

// RouteServiceDeps wires the route service. Geocoder is optional; without it legs carry no geometry.
type RouteServiceDeps struct {
	Reasoner           Reasoner
	Geocoder           Geocoder
	GeocodeConcurrency int
	Logger             func(context.Context, string, map[string]any)
}

type routeService struct {
	reasoner    Reasoner
	geocoder    Geocoder
	concurrency int
	logger      func(context.Context, string, map[string]any)
}

var _ RouteService = (*routeService)(nil)

// NewRouteService constructs a RouteService.
func NewRouteService(deps RouteServiceDeps) (RouteService, error) {
	if deps.Reasoner == nil {
		return nil, errors.New("route service: reasoner is required")
	}
	concurrency := deps.GeocodeConcurrency
	if concurrency <= 0 {
		concurrency = defaultGeocodeConcurrency
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &routeService{
		reasoner:    deps.Reasoner,
		geocoder:    deps.Geocoder,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Optimize asks the reasoner for route options, validates the batch and attaches land geometry.
func (s *routeService) Optimize(ctx context.Context, cmd OptimizeRoutesCommand) ([]Route, error) {
	from, to, weight, err := validateRouteForm(cmd.Form)
	if err != nil {
		return nil, err
	}

	raw, err := s.reasoner.Complete(ctx, routePrompt(from, to, weight))
	if err != nil {
		return nil, fmt.Errorf("%w: route options: %v", ErrUpstreamUnavailable, err)
	}

	var candidates []domain.RouteCandidate
	if err := DecodeJSON(StripCodeFences(raw), JSONArray, &candidates); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAIResponse, err)
	}
	routes, err := ValidateRouteSet(candidates)
	if err != nil {
		s.logger(ctx, "route.optimize.rejected", map[string]any{"owner": cmd.OwnerID, "error": err.Error()})
		return nil, err
	}

	if s.geocoder != nil {
		if err := s.attachGeometry(ctx, routes); err != nil {
			return nil, err
		}
	}
	return routes, nil
}

// attachGeometry resolves land waypoints and driving polylines. Failures leave the leg without geometry.
func (s *routeService) attachGeometry(ctx context.Context, routes []Route) error {
	places := map[string]struct{}{}
	for _, route := range routes {
		for _, leg := range route.Legs {
			if leg.Mode == domain.ModeLand {
				places[leg.Waypoints[0]] = struct{}{}
				places[leg.Waypoints[1]] = struct{}{}
			}
		}
	}
	if len(places) == 0 {
		return nil
	}

	var mu sync.Mutex
	coords := make(map[string]domain.LatLng, len(places))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for place := range places {
		g.Go(func() error {
			point, err := s.geocoder.ResolvePlace(gctx, place)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				s.logger(gctx, "route.geocode.failed", map[string]any{"place": place, "error": err.Error()})
				return nil
			}
			mu.Lock()
			coords[place] = point
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	type legRef struct {
		route int
		legID string
	}
	polylines := make(map[legRef]string)
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for ri := range routes {
		for li := range routes[ri].Legs {
			leg := &routes[ri].Legs[li]
			if leg.Mode != domain.ModeLand {
				continue
			}
			start, okStart := coords[leg.Waypoints[0]]
			end, okEnd := coords[leg.Waypoints[1]]
			if !okStart || !okEnd {
				continue
			}
			leg.Coordinates = []domain.LatLng{start, end}
			ref := legRef{route: ri, legID: leg.ID}
			g.Go(func() error {
				line, err := s.geocoder.DrivingPolyline(gctx, []domain.LatLng{start, end})
				if err != nil {
					if ctxErr := gctx.Err(); ctxErr != nil {
						return ctxErr
					}
					s.logger(gctx, "route.polyline.failed", map[string]any{"leg": ref.legID, "error": err.Error()})
					return nil
				}
				mu.Lock()
				polylines[ref] = line
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for ri := range routes {
		for li := range routes[ri].Legs {
			leg := &routes[ri].Legs[li]
			if line, ok := polylines[legRef{route: ri, legID: leg.ID}]; ok {
				leg.Polyline = line
			}
		}
	}
	return nil
}

// validateRouteForm checks the inline route form and returns its trimmed places and weight in kg.
func validateRouteForm(form RouteForm) (string, string, float64, error) {
	from := strings.TrimSpace(form.From)
	to := strings.TrimSpace(form.To)
	if from == "" || to == "" {
		return "", "", 0, invalidInput("from and to are required")
	}
	weight, ok := parseWeight(form.Weight)
	if !ok {
		return "", "", 0, invalidInput("weight must be a positive number")
	}
	return from, to, weight, nil
}

// parseWeight accepts JSON numbers and numeric strings greater than zero.
func parseWeight(value any) (float64, bool) {
	var weight float64
	switch v := value.(type) {
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		weight = parsed
	default:
		parsed, ok := jsonNumber(v)
		if !ok {
			return 0, false
		}
		weight = parsed
	}
	if weight <= 0 {
		return 0, false
	}
	return weight, true
}

func routePrompt(from, to string, weightKg float64) string {
	example, _ := json.Marshal(domain.RouteCandidate{
		Name: "Sea via Singapore",
		Tags: []string{"popular"},
		Legs: []domain.RouteCandidateLeg{
			{ID: "leg-1", Waypoints: []string{from, "Port"}, Mode: "land"},
			{ID: "leg-2", Waypoints: []string{"Port", to}, Mode: "sea"},
		},
		TotalCost: 1200.5, TotalTime: 18, TotalDistance: 9800, TotalCarbonScore: 42,
	})
	return fmt.Sprintf(`Plan freight routes for a %.2f kg shipment from %q to %q.
Return a JSON array of exactly 9 distinct routes. Exactly 3 routes must carry the tag "popular".
Each leg has "id", "waypoints" (two place names) and "mode" (one of land, sea, air).
Totals are numbers: totalCost in USD, totalTime in days, totalDistance in km, totalCarbonScore 0-100.
Example element: %s
Respond with the JSON array only.`, weightKg, from, to, example)
}
