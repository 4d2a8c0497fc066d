package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	domain "github.com/tradelane/api/internal/domain"
)

// candidateBatch builds nine distinct candidates, the first `popular` of them tagged popular.
func candidateBatch(popular int) []domain.RouteCandidate {
	modes := []string{"land", "sea", "air"}
	hubs := []string{"Singapore", "Dubai", "Colombo"}
	out := make([]domain.RouteCandidate, 0, 9)
	for i := 0; i < 9; i++ {
		c := domain.RouteCandidate{
			Name: fmt.Sprintf("Option %d", i+1),
			Legs: []domain.RouteCandidateLeg{
				{ID: "leg-1", Waypoints: []string{"Mumbai", hubs[i/3]}, Mode: "land"},
				{ID: "leg-2", Waypoints: []string{hubs[i/3], "Tokyo"}, Mode: modes[i%3]},
			},
			TotalCost:        1234.567,
			TotalTime:        float64(10 + i),
			TotalDistance:    7000.004,
			TotalCarbonScore: 40.0,
		}
		if i < popular {
			c.Tags = []string{"Popular"}
		}
		out = append(out, c)
	}
	return out
}

func TestValidateRouteSetAccepts(t *testing.T) {
	routes, err := ValidateRouteSet(candidateBatch(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(routes) != 9 {
		t.Fatalf("expected 9 routes, got %d", len(routes))
	}
	if routes[0].TotalCost != 1234.57 || routes[0].TotalDistance != 7000 {
		t.Fatalf("expected rounded totals, got %+v", routes[0])
	}
	if routes[0].Legs[1].Mode != domain.ModeLand {
		t.Fatalf("expected typed mode, got %q", routes[0].Legs[1].Mode)
	}
}

func TestValidateRouteSetRejects(t *testing.T) {
	tests := []struct {
		name  string
		batch func() []domain.RouteCandidate
	}{
		{name: "two popular", batch: func() []domain.RouteCandidate { return candidateBatch(2) }},
		{name: "four popular", batch: func() []domain.RouteCandidate { return candidateBatch(4) }},
		{name: "eight routes", batch: func() []domain.RouteCandidate { return candidateBatch(3)[:8] }},
		{name: "duplicate signature", batch: func() []domain.RouteCandidate {
			b := candidateBatch(3)
			b[8].Legs = b[7].Legs
			return b
		}},
		{name: "numeric string total", batch: func() []domain.RouteCandidate {
			b := candidateBatch(3)
			b[4].TotalCost = "1200"
			return b
		}},
		{name: "missing total", batch: func() []domain.RouteCandidate {
			b := candidateBatch(3)
			b[2].TotalCarbonScore = nil
			return b
		}},
		{name: "unknown mode", batch: func() []domain.RouteCandidate {
			b := candidateBatch(3)
			b[0].Legs[1].Mode = "rocket"
			return b
		}},
		{name: "single waypoint", batch: func() []domain.RouteCandidate {
			b := candidateBatch(3)
			b[0].Legs[0].Waypoints = []string{"Mumbai"}
			return b
		}},
		{name: "no legs", batch: func() []domain.RouteCandidate {
			b := candidateBatch(3)
			b[5].Legs = nil
			return b
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateRouteSet(tc.batch())
			if !errors.Is(err, ErrInvalidAIResponse) {
				t.Fatalf("expected ErrInvalidAIResponse, got %v", err)
			}
			var validationErr *RouteValidationError
			if !errors.As(err, &validationErr) || validationErr.Reason == "" {
				t.Fatalf("expected RouteValidationError, got %v", err)
			}
		})
	}
}

func TestValidateRouteSetDecodedStringTotals(t *testing.T) {
	batch := candidateBatch(3)
	payload, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded []domain.RouteCandidate
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, err := ValidateRouteSet(decoded); err != nil {
		t.Fatalf("decoded numbers should validate: %v", err)
	}

	decoded[3].TotalTime = "13"
	if _, err := ValidateRouteSet(decoded); !errors.Is(err, ErrInvalidAIResponse) {
		t.Fatalf("expected string total to be rejected, got %v", err)
	}
}
