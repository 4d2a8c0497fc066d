package domain

import (
	"strings"
	"time"
)

// External compliance vocabulary returned to callers and reasoning prompts.
const (
	ComplianceReadyForShipment = "Ready for Shipment"
	ComplianceNotReady         = "Not Ready"
)

// ComplianceStateFromExternal maps the external status vocabulary onto the internal enum.
// Anything other than an exact ready verdict is treated as non-compliant.
func ComplianceStateFromExternal(status string) ComplianceState {
	if strings.EqualFold(strings.TrimSpace(status), ComplianceReadyForShipment) {
		return ComplianceCompliant
	}
	return ComplianceNonCompliant
}

// ScoreTier buckets a 0-100 category score.
type ScoreTier string

const (
	TierExcellent ScoreTier = "excellent"
	TierMinor     ScoreTier = "minor"
	TierModerate  ScoreTier = "moderate"
	TierCritical  ScoreTier = "critical"
)

// TierForScore returns the rubric tier for a score: 100, 80-99, 50-79, 0-49.
func TierForScore(score int) ScoreTier {
	switch {
	case score >= 100:
		return TierExcellent
	case score >= 80:
		return TierMinor
	case score >= 50:
		return TierModerate
	default:
		return TierCritical
	}
}

// CategoryScore is the score of one form sub-group.
type CategoryScore struct {
	Category string    `json:"category"`
	Score    int       `json:"score"`
	Tier     ScoreTier `json:"tier"`
	Issues   []string  `json:"issues,omitempty"`
}

// Finding is a field-scoped violation or recommendation.
type Finding struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ComplianceResult is the stored outcome of a compliance check.
type ComplianceResult struct {
	ComplianceStatus string          `json:"complianceStatus"`
	RiskScore        int             `json:"riskScore"`
	Summary          string          `json:"summary"`
	CategoryScores   []CategoryScore `json:"categoryScores"`
	Violations       []Finding       `json:"violations"`
	Recommendations  []Finding       `json:"recommendations"`
	AdditionalTips   []string        `json:"additionalTips"`
	CheckedAt        time.Time       `json:"checkedAt"`
}

// State returns the internal compliance state of the result.
func (r ComplianceResult) State() ComplianceState {
	return ComplianceStateFromExternal(r.ComplianceStatus)
}

// TransportMode is the mode of a single route leg.
type TransportMode string

const (
	ModeLand TransportMode = "land"
	ModeSea  TransportMode = "sea"
	ModeAir  TransportMode = "air"
)

// Valid reports whether the mode is one of land, sea or air.
func (m TransportMode) Valid() bool {
	switch m {
	case ModeLand, ModeSea, ModeAir:
		return true
	default:
		return false
	}
}

// LatLng is a geographic coordinate.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// RouteLeg is one waypoint-to-waypoint segment with a single mode.
type RouteLeg struct {
	ID          string        `json:"id"`
	Waypoints   []string      `json:"waypoints"`
	Mode        TransportMode `json:"mode"`
	Coordinates []LatLng      `json:"coordinates,omitempty"`
	Polyline    string        `json:"polyline,omitempty"`
}

// Route is a validated multi-leg route option.
type Route struct {
	Name             string     `json:"name,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	Legs             []RouteLeg `json:"legs"`
	TotalCost        float64    `json:"totalCost"`
	TotalTime        float64    `json:"totalTime"`
	TotalDistance    float64    `json:"totalDistance"`
	TotalCarbonScore float64    `json:"totalCarbonScore"`
}

// HasTag reports whether the route carries tag, ignoring case.
func (r Route) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if strings.EqualFold(strings.TrimSpace(t), tag) {
			return true
		}
	}
	return false
}

// RouteCandidateLeg is the unvalidated leg shape returned by the reasoning collaborator.
type RouteCandidateLeg struct {
	ID        string   `json:"id"`
	Waypoints []string `json:"waypoints"`
	Mode      string   `json:"mode"`
}

// RouteCandidate is an unvalidated route. Totals stay untyped until validated.
type RouteCandidate struct {
	Name             string              `json:"name"`
	Tags             []string            `json:"tags"`
	Legs             []RouteCandidateLeg `json:"legs"`
	TotalCost        any                 `json:"totalCost"`
	TotalTime        any                 `json:"totalTime"`
	TotalDistance    any                 `json:"totalDistance"`
	TotalCarbonScore any                 `json:"totalCarbonScore"`
}

// RouteForm carries the minimal inline form used by route operations.
type RouteForm struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Weight any    `json:"weight"`
}

// CarbonLeg reports emissions of a single leg.
type CarbonLeg struct {
	Mode        string  `json:"mode"`
	DistanceKm  float64 `json:"distanceKm"`
	EmissionsKg float64 `json:"emissionsKg"`
}

// CarbonAnalysis is the outcome of a carbon footprint estimate.
type CarbonAnalysis struct {
	From             string             `json:"from"`
	To               string             `json:"to"`
	WeightKg         float64            `json:"weightKg"`
	Mode             string             `json:"mode,omitempty"`
	TotalEmissionsKg float64            `json:"totalEmissionsKg"`
	Legs             []CarbonLeg        `json:"perLeg"`
	Comparison       map[string]float64 `json:"comparison,omitempty"`
	Suggestions      []string           `json:"suggestions"`
	AnalyzedAt       time.Time          `json:"analyzedAt"`
}

// ProductClassification is the trade classification extracted from a product image.
type ProductClassification struct {
	HSCode             string `json:"hsCode"`
	ProductDescription string `json:"productDescription"`
	Category           string `json:"category,omitempty"`
	Perishable         bool   `json:"perishable"`
	Hazardous          bool   `json:"hazardous"`
	DualUse            bool   `json:"dualUse"`
	Notes              string `json:"notes,omitempty"`
}

// ImageLabel is a single vision label.
type ImageLabel struct {
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

// ImageMeta describes a stored product image.
type ImageMeta struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
	Bucket      string `json:"bucket,omitempty"`
	ObjectPath  string `json:"objectPath,omitempty"`
}

// CountryMatch is a resolved country.
type CountryMatch struct {
	Name       string  `json:"name"`
	Code       string  `json:"code"`
	Confidence float64 `json:"confidence"`
}

// ComplianceRecord is an append-only compliance history entry.
type ComplianceRecord struct {
	ID        string
	OwnerID   string
	DraftID   string
	FormData  FormData
	Result    ComplianceResult
	Timestamp time.Time
}

// SavedRoute is an append-only record of a chosen route.
type SavedRoute struct {
	ID        string
	OwnerID   string
	DraftID   string
	From      string
	To        string
	WeightKg  float64
	Route     Route
	Timestamp time.Time
}

// ProductAnalysis is an append-only record of an image classification.
type ProductAnalysis struct {
	ID             string
	OwnerID        string
	DraftID        string
	Image          ImageMeta
	Labels         []ImageLabel
	Classification ProductClassification
	Timestamp      time.Time
}
