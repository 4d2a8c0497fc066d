package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"maps"
	"math"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/tradelane/api/internal/domain"
)

const (
	maxComplianceTips = 3
	minComplianceTips = 2
)

// ComplianceServiceDeps wires the compliance service.
type ComplianceServiceDeps struct {
	Reasoner Reasoner
	Drafts   DraftService
	Records  RecordService
	Clock    func() time.Time
	Logger   func(context.Context, string, map[string]any)
}

type complianceService struct {
	reasoner Reasoner
	drafts   DraftService
	records  RecordService
	policy   *bluemonday.Policy
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

var _ ComplianceService = (*complianceService)(nil)

// NewComplianceService constructs a ComplianceService.
func NewComplianceService(deps ComplianceServiceDeps) (ComplianceService, error) {
	if deps.Reasoner == nil {
		return nil, errors.New("compliance service: reasoner is required")
	}
	if deps.Drafts == nil {
		return nil, errors.New("compliance service: draft service is required")
	}
	if deps.Records == nil {
		return nil, errors.New("compliance service: record service is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &complianceService{
		reasoner: deps.Reasoner,
		drafts:   deps.Drafts,
		records:  deps.Records,
		policy:   bluemonday.StrictPolicy(),
		clock:    func() time.Time { return clock().UTC() },
		logger:   logger,
	}, nil
}

// Check scores the form, asks the reasoner for a narrative, then records the result and applies it
// to the draft. Nothing is written when the narrative cannot be parsed.
func (s *complianceService) Check(ctx context.Context, cmd ComplianceCheckCommand) (ComplianceCheckResult, error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return ComplianceCheckResult{}, invalidInput("owner id is required")
	}
	draftID := strings.TrimSpace(cmd.DraftID)
	form := cmd.FormData

	// An inline form sent with a draft id is scored as it will read once written to the draft.
	var formPatch map[string]any
	if draftID != "" {
		existing, err := s.drafts.GetDraft(ctx, ownerID, draftID)
		if err != nil {
			return ComplianceCheckResult{}, err
		}
		if form.Empty() {
			form = existing.FormData
		} else {
			merged := existing.FormData
			merged.Extra = maps.Clone(merged.Extra)
			if err := applyFormPatch(&merged, cmd.FormData); err != nil {
				return ComplianceCheckResult{}, err
			}
			formPatch = map[string]any{patchKeyFormData: cmd.FormData}
			form = merged
		}
	}
	if form.Empty() {
		return ComplianceCheckResult{}, invalidInput("formData is required")
	}

	assessment := EvaluateCompliance(form.ShipmentFields())

	raw, err := s.reasoner.Complete(ctx, compliancePrompt(form, assessment))
	if err != nil {
		return ComplianceCheckResult{}, fmt.Errorf("%w: compliance narrative: %v", ErrUpstreamUnavailable, err)
	}
	narrative, err := parseComplianceNarrative(raw)
	if err != nil {
		s.logger(ctx, "compliance.narrative.invalid", map[string]any{"error": err.Error()})
		return ComplianceCheckResult{}, err
	}
	s.logDrift(ctx, narrative, assessment)

	result := ComplianceResult{
		ComplianceStatus: assessment.Status,
		RiskScore:        assessment.RiskScore,
		Summary:          s.clean(narrative.Summary),
		CategoryScores:   assessment.CategoryScores,
		Violations:       s.mergeFindings(assessment.Violations, narrative.Violations),
		Recommendations:  s.mergeFindings(assessment.Recommendations, narrative.Recommendations),
		CheckedAt:        s.clock(),
	}
	result.AdditionalTips = s.tips(narrative.AdditionalTips, result.Recommendations)

	if draftID == "" {
		created, err := s.drafts.CreateDraft(ctx, ownerID, form)
		if err != nil {
			return ComplianceCheckResult{}, err
		}
		draftID = created.ID
	}

	if _, err := s.records.RecordCompliance(ctx, ownerID, draftID, form, result); err != nil {
		return ComplianceCheckResult{}, err
	}
	if formPatch != nil {
		if _, err := s.drafts.UpdateDraft(ctx, UpdateDraftCommand{OwnerID: ownerID, DraftID: draftID, Patch: formPatch}); err != nil {
			return ComplianceCheckResult{}, err
		}
	}
	draft, err := s.drafts.ApplyComplianceResult(ctx, ownerID, draftID, result)
	if err != nil {
		return ComplianceCheckResult{}, err
	}
	return ComplianceCheckResult{Result: result, Draft: draft}, nil
}

type complianceNarrative struct {
	Summary          string             `json:"summary"`
	ComplianceStatus string             `json:"complianceStatus"`
	RiskScore        *float64           `json:"riskScore"`
	Violations       []narrativeFinding `json:"violations"`
	Recommendations  []narrativeFinding `json:"recommendations"`
	AdditionalTips   []string           `json:"additionalTips"`
	CategoryScores   []struct {
		Category string  `json:"category"`
		Score    float64 `json:"score"`
	} `json:"categoryScores"`
}

// narrativeFinding accepts either a bare message or a {field, message} object.
type narrativeFinding domain.Finding

func (f *narrativeFinding) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		f.Message = text
		return nil
	}
	var obj struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	f.Field = obj.Field
	f.Message = obj.Message
	return nil
}

func parseComplianceNarrative(raw string) (complianceNarrative, error) {
	var narrative complianceNarrative
	if err := DecodeJSON(StripCodeFences(raw), JSONObject, &narrative); err != nil {
		return complianceNarrative{}, fmt.Errorf("%w: %v", ErrInvalidAIResponse, err)
	}
	if strings.TrimSpace(narrative.Summary) == "" {
		return complianceNarrative{}, fmt.Errorf("%w: summary missing", ErrInvalidAIResponse)
	}
	return narrative, nil
}

func (s *complianceService) logDrift(ctx context.Context, narrative complianceNarrative, assessment ComplianceAssessment) {
	fields := map[string]any{}
	if narrative.RiskScore != nil {
		modelScore := clampScore(*narrative.RiskScore)
		if modelScore != assessment.RiskScore {
			fields["modelRiskScore"] = modelScore
			fields["riskScore"] = assessment.RiskScore
		}
	}
	if status := strings.TrimSpace(narrative.ComplianceStatus); status != "" &&
		domain.ComplianceStateFromExternal(status) != assessment.State() {
		fields["modelStatus"] = status
		fields["status"] = assessment.Status
	}
	for _, cs := range narrative.CategoryScores {
		for _, own := range assessment.CategoryScores {
			if strings.EqualFold(cs.Category, own.Category) && clampScore(cs.Score) != own.Score {
				fields["category."+own.Category] = clampScore(cs.Score)
			}
		}
	}
	if len(fields) > 0 {
		s.logger(ctx, "compliance.model_drift", fields)
	}
}

func clampScore(value float64) int {
	if math.IsNaN(value) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, value))))
}

func (s *complianceService) clean(text string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(text)))
}

// mergeFindings keeps deterministic findings first and adds narrative ones for fields not yet covered.
func (s *complianceService) mergeFindings(base []domain.Finding, extra []narrativeFinding) []domain.Finding {
	merged := make([]domain.Finding, 0, len(base)+len(extra))
	seen := make(map[string]struct{}, len(base)+len(extra))
	key := func(f domain.Finding) string {
		if field := strings.ToLower(strings.TrimSpace(f.Field)); field != "" {
			return "field:" + field
		}
		return "message:" + strings.ToLower(f.Message)
	}
	for _, f := range base {
		seen[key(f)] = struct{}{}
		merged = append(merged, f)
	}
	for _, nf := range extra {
		f := domain.Finding{Field: s.clean(nf.Field), Message: s.clean(nf.Message)}
		if f.Message == "" {
			continue
		}
		k := key(f)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, f)
	}
	return merged
}

func (s *complianceService) tips(raw []string, recommendations []domain.Finding) []string {
	tips := make([]string, 0, maxComplianceTips)
	seen := map[string]struct{}{}
	add := func(text string) {
		text = s.clean(text)
		if text == "" || len(tips) >= maxComplianceTips {
			return
		}
		if _, dup := seen[strings.ToLower(text)]; dup {
			return
		}
		seen[strings.ToLower(text)] = struct{}{}
		tips = append(tips, text)
	}
	for _, tip := range raw {
		add(tip)
	}
	for _, rec := range recommendations {
		if len(tips) >= minComplianceTips {
			break
		}
		add(rec.Message)
	}
	return tips
}

func compliancePrompt(form FormData, assessment ComplianceAssessment) string {
	payload, _ := json.Marshal(form)
	violations, _ := json.Marshal(assessment.Violations)
	return fmt.Sprintf(`You are a customs compliance analyst. Review the shipment below.
Shipment form (JSON): %s
Deterministic status: %s, risk score: %d.
Known violations (JSON): %s
Respond with one JSON object only, with keys:
"summary" (string), "violations" (array of {"field","message"}), "recommendations" (array of {"field","message"}),
"additionalTips" (array of 2-3 strings), optional "riskScore" (0-100) and "categoryScores" (array of {"category","score"}).`,
		payload, assessment.Status, assessment.RiskScore, violations)
}
