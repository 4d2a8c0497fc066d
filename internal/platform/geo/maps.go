package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"googlemaps.github.io/maps"

	"github.com/tradelane/api/internal/domain"
	"github.com/tradelane/api/internal/services"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultCacheSize = 1024
)

// ErrPlaceNotFound is returned when geocoding yields no result.
var ErrPlaceNotFound = errors.New("geo: place not found")

// Config configures the Google Maps Platform client.
type Config struct {
	APIKey    string
	Timeout   time.Duration
	RateLimit int
	// BaseURL overrides the Maps endpoint, used against local fakes.
	BaseURL string
}

// MapsGeocoder resolves places and driving polylines through Google Maps. Resolved places are
// memoised since route candidates repeat the same hubs.
type MapsGeocoder struct {
	client  *maps.Client
	timeout time.Duration

	mu       sync.Mutex
	cache    map[string]domain.LatLng
	capacity int
}

var _ services.Geocoder = (*MapsGeocoder)(nil)

// NewMapsGeocoder builds a geocoder authenticated with cfg.APIKey.
func NewMapsGeocoder(cfg Config) (*MapsGeocoder, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("geo: maps api key is required")
	}
	opts := []maps.ClientOption{maps.WithAPIKey(apiKey)}
	if cfg.RateLimit > 0 {
		opts = append(opts, maps.WithRateLimit(cfg.RateLimit))
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, maps.WithBaseURL(base))
	}
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("geo: new maps client: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &MapsGeocoder{
		client:   client,
		timeout:  timeout,
		cache:    make(map[string]domain.LatLng),
		capacity: defaultCacheSize,
	}, nil
}

// ResolvePlace geocodes a free-text place name to its first match.
func (g *MapsGeocoder) ResolvePlace(ctx context.Context, name string) (domain.LatLng, error) {
	if g == nil || g.client == nil {
		return domain.LatLng{}, errors.New("geo: geocoder not initialised")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.LatLng{}, fmt.Errorf("%w: empty place", ErrPlaceNotFound)
	}
	key := strings.ToLower(name)
	if point, ok := g.cached(key); ok {
		return point, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: name})
	if err != nil {
		if strings.Contains(err.Error(), "ZERO_RESULTS") {
			return domain.LatLng{}, fmt.Errorf("%w: %s", ErrPlaceNotFound, name)
		}
		return domain.LatLng{}, fmt.Errorf("geo: geocode %q: %w", name, err)
	}
	if len(results) == 0 {
		return domain.LatLng{}, fmt.Errorf("%w: %s", ErrPlaceNotFound, name)
	}
	location := results[0].Geometry.Location
	point := domain.LatLng{Lat: location.Lat, Lng: location.Lng}
	g.remember(key, point)
	return point, nil
}

// DrivingPolyline returns the encoded overview polyline of the driving route through points.
func (g *MapsGeocoder) DrivingPolyline(ctx context.Context, points []domain.LatLng) (string, error) {
	if g == nil || g.client == nil {
		return "", errors.New("geo: geocoder not initialised")
	}
	if len(points) < 2 {
		return "", errors.New("geo: a driving route needs at least two points")
	}

	req := &maps.DirectionsRequest{
		Origin:      formatPoint(points[0]),
		Destination: formatPoint(points[len(points)-1]),
		Mode:        maps.TravelModeDriving,
	}
	for _, p := range points[1 : len(points)-1] {
		req.Waypoints = append(req.Waypoints, formatPoint(p))
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	routes, _, err := g.client.Directions(ctx, req)
	if err != nil {
		return "", fmt.Errorf("geo: directions: %w", err)
	}
	if len(routes) == 0 || routes[0].OverviewPolyline.Points == "" {
		return "", errors.New("geo: no driving route between points")
	}
	return routes[0].OverviewPolyline.Points, nil
}

func (g *MapsGeocoder) cached(key string) (domain.LatLng, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	point, ok := g.cache[key]
	return point, ok
}

func (g *MapsGeocoder) remember(key string, point domain.LatLng) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.cache) >= g.capacity {
		// Reset when full.
		g.cache = make(map[string]domain.LatLng, g.capacity)
	}
	g.cache[key] = point
}

func formatPoint(p domain.LatLng) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}
