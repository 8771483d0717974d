// Package cursor implements the opaque pagination cursors used by the
// list endpoints. A cursor encodes the created_at timestamp and ID of the
// last item of a page as base64url("{RFC3339Nano}|{uuid}").
package cursor

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeforge-ai/backend/internal/apperrors"
)

// Encode builds a cursor from the pagination key of the last returned item.
func Encode(createdAt time.Time, id uuid.UUID) string {
	raw := fmt.Sprintf("%s|%s", createdAt.UTC().Format(time.RFC3339Nano), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor back into its pagination key. Malformed input of
// any kind returns apperrors.ErrInvalidCursor.
func Decode(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, apperrors.ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, apperrors.ErrInvalidCursor
	}
	createdAt, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.Nil, apperrors.ErrInvalidCursor
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, apperrors.ErrInvalidCursor
	}
	return createdAt, id, nil
}
