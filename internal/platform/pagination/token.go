package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// maxTokenLength bounds what a client may send back as pageToken.
const maxTokenLength = 512

// EncodeToken turns a cursor into an opaque URL-safe page token. An empty cursor yields "".
func EncodeToken(cursor Cursor) (string, error) {
	if len(cursor.StartAt) == 0 && len(cursor.StartAfter) == 0 {
		return "", nil
	}
	payload, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// DecodeToken reverses EncodeToken. Oversized or garbled tokens report ErrInvalidPageToken.
func DecodeToken(token string) (Cursor, error) {
	var cursor Cursor
	token = strings.TrimSpace(token)
	switch {
	case token == "":
		return cursor, nil
	case len(token) > maxTokenLength:
		return cursor, fmt.Errorf("%w: token longer than %d bytes", ErrInvalidPageToken, maxTokenLength)
	}
	payload, err := base64.RawURLEncoding.DecodeString(token)
	if err == nil {
		err = json.Unmarshal(payload, &cursor)
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return cursor, nil
}

// EncodeTimeCursor encodes the position after the record (createdAt, id) of a newest-first listing.
func EncodeTimeCursor(createdAt time.Time, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || createdAt.IsZero() {
		return "", fmt.Errorf("pagination: cursor needs a timestamp and an id")
	}
	return EncodeToken(Cursor{StartAfter: []any{createdAt.UTC().Format(time.RFC3339Nano), id}})
}

// DecodeTimeCursor parses a token made by EncodeTimeCursor. An empty token gives a zero time and id.
func DecodeTimeCursor(token string) (time.Time, string, error) {
	cursor, err := DecodeToken(token)
	if err != nil || len(cursor.StartAfter) == 0 {
		return time.Time{}, "", err
	}
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", fmt.Errorf("%w: expected timestamp and id", ErrInvalidPageToken)
	}
	rawTime, _ := cursor.StartAfter[0].(string)
	id, _ := cursor.StartAfter[1].(string)
	createdAt, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil || strings.TrimSpace(id) == "" {
		return time.Time{}, "", fmt.Errorf("%w: malformed history position", ErrInvalidPageToken)
	}
	return createdAt, id, nil
}
