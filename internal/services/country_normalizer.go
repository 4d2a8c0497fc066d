package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	domain "github.com/tradelane/api/internal/domain"
)

const defaultCountryConfidence = 0.9

// countryAliases maps folded local names and abbreviations to supported codes.
var countryAliases = map[string]string{
	"deutschland":              "DE",
	"allemagne":                "DE",
	"alemania":                 "DE",
	"uk":                       "GB",
	"great britain":            "GB",
	"britain":                  "GB",
	"england":                  "GB",
	"usa":                      "US",
	"u.s.a.":                   "US",
	"united states of america": "US",
	"america":                  "US",
	"holland":                  "NL",
	"nederland":                "NL",
	"nippon":                   "JP",
	"nihon":                    "JP",
	"espana":                   "ES",
	"italia":                   "IT",
	"brasil":                   "BR",
	"bharat":                   "IN",
	"prc":                      "CN",
	"korea":                    "KR",
	"republic of korea":        "KR",
	"uae":                      "AE",
	"turkiye":                  "TR",
	"schweiz":                  "CH",
	"suisse":                   "CH",
	"osterreich":               "AT",
	"polska":                   "PL",
	"sverige":                  "SE",
	"norge":                    "NO",
	"danmark":                  "DK",
	"suomi":                    "FI",
	"czechia":                  "CZ",
	"viet nam":                 "VN",
}

// CountryNormalizerDeps wires the country normalizer.
type CountryNormalizerDeps struct {
	Reasoner Reasoner
	Logger   func(context.Context, string, map[string]any)
}

type countryNormalizer struct {
	reasoner Reasoner
	logger   func(context.Context, string, map[string]any)
	names    map[string]string
}

// NewCountryNormalizer constructs a CountryResolver backed by the reasoning collaborator.
func NewCountryNormalizer(deps CountryNormalizerDeps) (CountryResolver, error) {
	if deps.Reasoner == nil {
		return nil, errors.New("country normalizer: reasoner is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	names := make(map[string]string, len(domain.SupportedCountries)+len(countryAliases))
	for code, name := range domain.SupportedCountries {
		names[foldPlace(name)] = code
	}
	for alias, code := range countryAliases {
		names[foldPlace(alias)] = code
	}
	return &countryNormalizer{reasoner: deps.Reasoner, logger: logger, names: names}, nil
}

// NormalizeCountry resolves place to a supported country. A nil match means the place could not be
// resolved. Errors are reserved for a failed reasoning call or a done ctx.
func (n *countryNormalizer) NormalizeCountry(ctx context.Context, place string) (*domain.CountryMatch, error) {
	place = strings.TrimSpace(place)
	if place == "" {
		return nil, nil
	}

	if code, ok := n.names[foldPlace(place)]; ok {
		return &domain.CountryMatch{Name: domain.SupportedCountries[code], Code: code, Confidence: 1}, nil
	}

	raw, err := n.reasoner.Complete(ctx, countryPrompt(place))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		n.logger(ctx, "country.normalize.upstream_failed", map[string]any{"place": place, "error": err.Error()})
		return nil, fmt.Errorf("%w: country lookup: %v", ErrUpstreamUnavailable, err)
	}

	var payload struct {
		Name       string   `json:"name"`
		Code       string   `json:"code"`
		Confidence *float64 `json:"confidence"`
	}
	if err := DecodeJSON(StripCodeFences(raw), JSONObject, &payload); err != nil {
		n.logger(ctx, "country.normalize.malformed", map[string]any{"place": place, "error": err.Error()})
		return nil, nil
	}

	code := strings.ToUpper(strings.TrimSpace(payload.Code))
	name, ok := domain.CountryName(code)
	if !ok {
		n.logger(ctx, "country.normalize.unsupported", map[string]any{"place": place, "code": code})
		return nil, nil
	}

	confidence := defaultCountryConfidence
	if payload.Confidence != nil && *payload.Confidence > 0 && !math.IsNaN(*payload.Confidence) {
		confidence = math.Min(*payload.Confidence, 1)
	}
	return &domain.CountryMatch{Name: name, Code: code, Confidence: confidence}, nil
}

func countryPrompt(place string) string {
	return fmt.Sprintf(`Identify the country that contains the place %q.
Respond with JSON only: {"name": "<country name>", "code": "<ISO 3166-1 alpha-2 code>", "confidence": <number between 0 and 1>}.
If the place is fictional or ambiguous, respond with {"name": "", "code": "", "confidence": 0}.`, place)
}

// foldPlace lowercases, strips diacritics and collapses whitespace.
func foldPlace(value string) string {
	stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), value)
	if err != nil {
		stripped = value
	}
	return strings.Join(strings.Fields(cases.Fold().String(stripped)), " ")
}
