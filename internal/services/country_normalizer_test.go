package services

import (
	"context"
	"errors"
	"testing"
)

func TestCountryNormalizerAliasSkipsReasoner(t *testing.T) {
	reasoner := fixedReasoner(`{"name":"Germany","code":"DE","confidence":1}`)
	normalizer, err := NewCountryNormalizer(CountryNormalizerDeps{Reasoner: reasoner})
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}

	for _, place := range []string{"Deutschland", "  deutschland ", "GERMANY", "Österreich"} {
		match, err := normalizer.NormalizeCountry(context.Background(), place)
		if err != nil {
			t.Fatalf("normalize %q: %v", place, err)
		}
		if match == nil {
			t.Fatalf("expected match for %q", place)
		}
		if match.Confidence != 1 {
			t.Fatalf("expected confidence 1 for %q, got %v", place, match.Confidence)
		}
	}
	if reasoner.calls() != 0 {
		t.Fatalf("expected no reasoner calls, got %d", reasoner.calls())
	}
}

func TestCountryNormalizerUsesReasoner(t *testing.T) {
	tests := []struct {
		name       string
		response   string
		wantCode   string
		wantName   string
		confidence float64
	}{
		{name: "city resolved", response: `{"name":"india","code":"in","confidence":0.97}`, wantCode: "IN", wantName: "India", confidence: 0.97},
		{name: "fenced response", response: "```json\n{\"name\":\"Japan\",\"code\":\"JP\"}\n```", wantCode: "JP", wantName: "Japan", confidence: 0.9},
		{name: "non-positive confidence defaults", response: `{"name":"Japan","code":"JP","confidence":0}`, wantCode: "JP", wantName: "Japan", confidence: 0.9},
		{name: "confidence clamped", response: `{"name":"Japan","code":"JP","confidence":3}`, wantCode: "JP", wantName: "Japan", confidence: 1},
		{name: "code outside allow-list", response: `{"name":"Narnia","code":"NA","confidence":0.5}`},
		{name: "empty code", response: `{"name":"","code":"","confidence":0}`},
		{name: "prose only", response: "I am not sure."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			normalizer, err := NewCountryNormalizer(CountryNormalizerDeps{Reasoner: fixedReasoner(tc.response)})
			if err != nil {
				t.Fatalf("new normalizer: %v", err)
			}
			match, err := normalizer.NormalizeCountry(context.Background(), "Mumbai")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantCode == "" {
				if match != nil {
					t.Fatalf("expected no match, got %+v", match)
				}
				return
			}
			if match == nil {
				t.Fatalf("expected match %s", tc.wantCode)
			}
			if match.Code != tc.wantCode || match.Name != tc.wantName || match.Confidence != tc.confidence {
				t.Fatalf("unexpected match %+v", match)
			}
		})
	}
}

func TestCountryNormalizerEmptyInput(t *testing.T) {
	reasoner := fixedReasoner(`{"code":"US"}`)
	normalizer, err := NewCountryNormalizer(CountryNormalizerDeps{Reasoner: reasoner})
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	match, err := normalizer.NormalizeCountry(context.Background(), "   ")
	if err != nil || match != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", match, err)
	}
	if reasoner.calls() != 0 {
		t.Fatalf("expected no reasoner call")
	}
}

func TestCountryNormalizerUpstreamFailure(t *testing.T) {
	var logged []string
	reasoner := &stubReasoner{complete: func(context.Context, string) (string, error) {
		return "", errors.New("timeout")
	}}
	normalizer, err := NewCountryNormalizer(CountryNormalizerDeps{
		Reasoner: reasoner,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	})
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	match, err := normalizer.NormalizeCountry(context.Background(), "Atlantis")
	if !errors.Is(err, ErrUpstreamUnavailable) || match != nil {
		t.Fatalf("expected upstream failure, got %+v, %v", match, err)
	}
	if len(logged) != 1 || logged[0] != "country.normalize.upstream_failed" {
		t.Fatalf("expected upstream failure log, got %v", logged)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := normalizer.NormalizeCountry(ctx, "Atlantis"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
