package services

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JSONShape selects the outermost JSON value to extract from model output.
type JSONShape int

const (
	// JSONObject extracts the span between the first '{' and the last '}'.
	JSONObject JSONShape = iota
	// JSONArray extracts the span between the first '[' and the last ']'.
	JSONArray
)

func (s JSONShape) delimiters() (byte, byte) {
	if s == JSONArray {
		return '[', ']'
	}
	return '{', '}'
}

// ExtractJSON slices raw from the first opening to the last closing delimiter and parses it.
// Brackets inside string literals are not balanced; prose around the value is ignored.
func ExtractJSON(raw string, shape JSONShape) (any, error) {
	var value any
	if err := DecodeJSON(raw, shape, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// DecodeJSON extracts the JSON value like ExtractJSON and decodes it into dst.
func DecodeJSON(raw string, shape JSONShape, dst any) error {
	slice, err := jsonSlice(raw, shape)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(slice), dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedAIResponse, err)
	}
	return nil
}

func jsonSlice(raw string, shape JSONShape) (string, error) {
	open, close := shape.delimiters()
	start := strings.IndexByte(raw, open)
	end := strings.LastIndexByte(raw, close)
	if start < 0 || end < 0 || end < start {
		return "", fmt.Errorf("%w: no %c...%c span found", ErrMalformedAIResponse, open, close)
	}
	return raw[start : end+1], nil
}

// StripCodeFences removes a surrounding markdown code fence such as ```json ... ```.
func StripCodeFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 && !strings.ContainsAny(trimmed[:idx], "{[") {
		// language tag line
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}
