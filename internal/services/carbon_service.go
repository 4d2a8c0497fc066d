package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/tradelane/api/internal/domain"
)

const maxCarbonSuggestions = 10

// CarbonServiceDeps wires the carbon footprint service.
type CarbonServiceDeps struct {
	Reasoner Reasoner
	Drafts   DraftService
	Clock    func() time.Time
	Logger   func(context.Context, string, map[string]any)
}

type carbonService struct {
	reasoner Reasoner
	drafts   DraftService
	policy   *bluemonday.Policy
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

var _ CarbonService = (*carbonService)(nil)

// NewCarbonService constructs a CarbonService.
func NewCarbonService(deps CarbonServiceDeps) (CarbonService, error) {
	if deps.Reasoner == nil {
		return nil, errors.New("carbon service: reasoner is required")
	}
	if deps.Drafts == nil {
		return nil, errors.New("carbon service: draft service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &carbonService{
		reasoner: deps.Reasoner,
		drafts:   deps.Drafts,
		policy:   bluemonday.StrictPolicy(),
		clock:    func() time.Time { return clock().UTC() },
		logger:   logger,
	}, nil
}

// Analyze estimates emissions for the shipment and stores the estimate on the draft, or on a new
// ephemeral draft when no draft id is given.
func (s *carbonService) Analyze(ctx context.Context, cmd CarbonAnalysisCommand) (CarbonAnalysisResult, error) {
	if _, err := requireOwner(cmd.OwnerID); err != nil {
		return CarbonAnalysisResult{}, err
	}
	from, to, weight, err := validateRouteForm(cmd.Form)
	if err != nil {
		return CarbonAnalysisResult{}, err
	}
	mode := strings.ToLower(strings.TrimSpace(cmd.Mode))
	if mode != "" {
		if _, ok := transportModes[mode]; !ok {
			return CarbonAnalysisResult{}, invalidInput("unsupported mode %q", cmd.Mode)
		}
	}
	draftID := strings.TrimSpace(cmd.DraftID)
	if draftID != "" {
		if _, err := s.drafts.GetDraft(ctx, cmd.OwnerID, draftID); err != nil {
			return CarbonAnalysisResult{}, err
		}
	}

	raw, err := s.reasoner.Complete(ctx, carbonPrompt(from, to, weight, mode))
	if err != nil {
		return CarbonAnalysisResult{}, fmt.Errorf("%w: carbon estimate: %v", ErrUpstreamUnavailable, err)
	}
	analysis, err := s.parseEstimate(raw)
	if err != nil {
		s.logger(ctx, "carbon.estimate.invalid", map[string]any{"error": err.Error()})
		return CarbonAnalysisResult{}, err
	}
	analysis.From = from
	analysis.To = to
	analysis.WeightKg = weight
	analysis.Mode = mode
	analysis.AnalyzedAt = s.clock()

	var draft Draft
	if draftID != "" {
		draft, err = s.drafts.ApplyCarbonAnalysis(ctx, cmd.OwnerID, draftID, analysis)
	} else {
		draft, err = s.drafts.CreateEphemeralDraft(ctx, cmd.OwnerID, analysis)
	}
	if err != nil {
		return CarbonAnalysisResult{}, err
	}
	return CarbonAnalysisResult{Analysis: analysis, Draft: draft}, nil
}

func (s *carbonService) parseEstimate(raw string) (CarbonAnalysis, error) {
	var payload struct {
		TotalEmissionsKg *float64 `json:"totalEmissionsKg"`
		PerLeg           []struct {
			Mode        string   `json:"mode"`
			DistanceKm  *float64 `json:"distanceKm"`
			EmissionsKg *float64 `json:"emissionsKg"`
		} `json:"perLeg"`
		Comparison  map[string]float64 `json:"comparison"`
		Suggestions []string           `json:"suggestions"`
	}
	if err := DecodeJSON(StripCodeFences(raw), JSONObject, &payload); err != nil {
		return CarbonAnalysis{}, fmt.Errorf("%w: %v", ErrInvalidAIResponse, err)
	}
	if !nonNegative(payload.TotalEmissionsKg) {
		return CarbonAnalysis{}, fmt.Errorf("%w: totalEmissionsKg missing or negative", ErrInvalidAIResponse)
	}
	if len(payload.Suggestions) > maxCarbonSuggestions {
		return CarbonAnalysis{}, fmt.Errorf("%w: %d suggestions exceed %d", ErrInvalidAIResponse, len(payload.Suggestions), maxCarbonSuggestions)
	}

	analysis := CarbonAnalysis{TotalEmissionsKg: roundTo2(*payload.TotalEmissionsKg)}
	for i, leg := range payload.PerLeg {
		if !nonNegative(leg.DistanceKm) || !nonNegative(leg.EmissionsKg) {
			return CarbonAnalysis{}, fmt.Errorf("%w: perLeg[%d] has invalid figures", ErrInvalidAIResponse, i)
		}
		analysis.Legs = append(analysis.Legs, domain.CarbonLeg{
			Mode:        strings.ToLower(strings.TrimSpace(leg.Mode)),
			DistanceKm:  roundTo2(*leg.DistanceKm),
			EmissionsKg: roundTo2(*leg.EmissionsKg),
		})
	}
	if len(payload.Comparison) > 0 {
		analysis.Comparison = make(map[string]float64, len(payload.Comparison))
		for mode, value := range payload.Comparison {
			if value < 0 || math.IsNaN(value) {
				return CarbonAnalysis{}, fmt.Errorf("%w: comparison %q is negative", ErrInvalidAIResponse, mode)
			}
			analysis.Comparison[strings.ToLower(strings.TrimSpace(mode))] = roundTo2(value)
		}
	}
	analysis.Suggestions = make([]string, 0, len(payload.Suggestions))
	for _, suggestion := range payload.Suggestions {
		if cleaned := strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(suggestion))); cleaned != "" {
			analysis.Suggestions = append(analysis.Suggestions, cleaned)
		}
	}
	return analysis, nil
}

func nonNegative(value *float64) bool {
	return value != nil && *value >= 0 && !math.IsNaN(*value) && !math.IsInf(*value, 0)
}

func carbonPrompt(from, to string, weightKg float64, mode string) string {
	modeHint := "compare land, sea and air"
	if mode != "" {
		modeHint = "the shipment travels by " + mode
	}
	return fmt.Sprintf(`Estimate the CO2 emissions of moving %.2f kg of freight from %q to %q; %s.
Respond with one JSON object only:
{"totalEmissionsKg": number, "perLeg": [{"mode": string, "distanceKm": number, "emissionsKg": number}],
"comparison": {"<mode>": number}, "suggestions": [string, at most 10]}`, weightKg, from, to, modeHint)
}
