package services

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	domain "github.com/tradelane/api/internal/domain"
)

const (
	routeBatchSize    = 9
	popularRouteCount = 3
	popularRouteTag   = "popular"
)

// RouteValidationError explains why a batch of route candidates was rejected.
type RouteValidationError struct {
	Reason string
}

func (e *RouteValidationError) Error() string {
	return "route validation: " + e.Reason
}

func rejectRoutes(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrInvalidAIResponse, &RouteValidationError{Reason: fmt.Sprintf(format, args...)})
}

// ValidateRouteSet accepts exactly nine distinct candidates, three of them tagged popular,
// and returns them as routes with totals rounded to two decimals.
func ValidateRouteSet(candidates []domain.RouteCandidate) ([]domain.Route, error) {
	if len(candidates) != routeBatchSize {
		return nil, rejectRoutes("expected %d routes, got %d", routeBatchSize, len(candidates))
	}

	routes := make([]domain.Route, 0, len(candidates))
	signatures := make(map[string]int, len(candidates))
	popular := 0
	for i, candidate := range candidates {
		route, err := validateCandidate(candidate)
		if err != nil {
			return nil, rejectRoutes("route %d: %s", i+1, err.Error())
		}
		sig := routeSignature(route)
		if prev, dup := signatures[sig]; dup {
			return nil, rejectRoutes("route %d duplicates route %d (%s)", i+1, prev+1, sig)
		}
		signatures[sig] = i
		if route.HasTag(popularRouteTag) {
			popular++
		}
		routes = append(routes, route)
	}
	if popular != popularRouteCount {
		return nil, rejectRoutes("expected %d popular routes, got %d", popularRouteCount, popular)
	}
	return routes, nil
}

func validateCandidate(candidate domain.RouteCandidate) (domain.Route, error) {
	if len(candidate.Legs) == 0 {
		return domain.Route{}, fmt.Errorf("no legs")
	}
	route := domain.Route{
		Name: strings.TrimSpace(candidate.Name),
		Legs: make([]domain.RouteLeg, 0, len(candidate.Legs)),
	}
	for _, tag := range candidate.Tags {
		if trimmed := strings.TrimSpace(tag); trimmed != "" {
			route.Tags = append(route.Tags, trimmed)
		}
	}

	ids := make(map[string]struct{}, len(candidate.Legs))
	for i, leg := range candidate.Legs {
		id := strings.TrimSpace(leg.ID)
		if id == "" {
			id = fmt.Sprintf("leg-%d", i+1)
		}
		if _, dup := ids[id]; dup {
			return domain.Route{}, fmt.Errorf("leg id %q repeated", id)
		}
		ids[id] = struct{}{}

		if len(leg.Waypoints) != 2 {
			return domain.Route{}, fmt.Errorf("leg %s must have exactly two waypoints", id)
		}
		start := strings.TrimSpace(leg.Waypoints[0])
		end := strings.TrimSpace(leg.Waypoints[1])
		if start == "" || end == "" {
			return domain.Route{}, fmt.Errorf("leg %s has an empty waypoint", id)
		}
		mode := domain.TransportMode(strings.ToLower(strings.TrimSpace(leg.Mode)))
		if !mode.Valid() {
			return domain.Route{}, fmt.Errorf("leg %s has unsupported mode %q", id, leg.Mode)
		}
		route.Legs = append(route.Legs, domain.RouteLeg{ID: id, Waypoints: []string{start, end}, Mode: mode})
	}

	totals := []struct {
		name  string
		value any
		dst   *float64
	}{
		{"totalCost", candidate.TotalCost, &route.TotalCost},
		{"totalTime", candidate.TotalTime, &route.TotalTime},
		{"totalDistance", candidate.TotalDistance, &route.TotalDistance},
		{"totalCarbonScore", candidate.TotalCarbonScore, &route.TotalCarbonScore},
	}
	for _, total := range totals {
		value, ok := jsonNumber(total.value)
		if !ok {
			return domain.Route{}, fmt.Errorf("%s missing or not a number", total.name)
		}
		*total.dst = roundTo2(value)
	}
	return route, nil
}

// jsonNumber accepts decoded JSON numbers only; numeric strings are rejected.
func jsonNumber(value any) (float64, bool) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func routeSignature(route domain.Route) string {
	parts := make([]string, 0, len(route.Legs))
	for _, leg := range route.Legs {
		parts = append(parts, fmt.Sprintf("%s-%s:%s",
			strings.ToLower(leg.Waypoints[0]), strings.ToLower(leg.Waypoints[1]), leg.Mode))
	}
	return strings.Join(parts, "|")
}

func roundTo2(value float64) float64 {
	return math.Round(value*100) / 100
}
