package firestore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradelane/api/internal/platform/pagination"
	"github.com/tradelane/api/internal/repositories"
)

// toDocumentMap converts an analysis payload into a Firestore map keyed by its JSON field names, so
// stored documents keep the same camelCase shape the API returns.
func toDocumentMap(value any) (map[string]any, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// fromDocumentMap hydrates target from a map produced by toDocumentMap. Firestore timestamps come
// back as time.Time and round-trip through their RFC 3339 JSON form.
func fromDocumentMap(data map[string]any, target any) error {
	if len(data) == 0 {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

func encodeHistoryToken(timestamp time.Time, id string) (string, error) {
	return pagination.EncodeTimeCursor(timestamp, id)
}

// decodeHistoryToken rejects tokens that decode to no position; callers only pass non-empty tokens.
func decodeHistoryToken(token string) (time.Time, string, error) {
	ts, id, err := pagination.DecodeTimeCursor(token)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", repositories.ErrInvalidPageToken, err)
	}
	if id == "" {
		return time.Time{}, "", repositories.ErrInvalidPageToken
	}
	return ts, id, nil
}
