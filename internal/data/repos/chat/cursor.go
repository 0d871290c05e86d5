package chat

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
)

// EncodeThreadCursor packs the keyset position of a thread listing.
func EncodeThreadCursor(recencyUs int64, id uuid.UUID) string {
	raw := strconv.FormatInt(recencyUs, 10) + ":" + id.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeThreadCursor(cursor string) (int64, uuid.UUID, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return 0, uuid.Nil, fmt.Errorf("%w: empty", domainchat.ErrInvalidCursor)
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, uuid.Nil, fmt.Errorf("%w: %v", domainchat.ErrInvalidCursor, err)
	}
	recencyRaw, idRaw, ok := strings.Cut(string(b), ":")
	if !ok {
		return 0, uuid.Nil, fmt.Errorf("%w: malformed", domainchat.ErrInvalidCursor)
	}
	recency, err := strconv.ParseInt(recencyRaw, 10, 64)
	if err != nil || recency < 0 {
		return 0, uuid.Nil, fmt.Errorf("%w: bad recency", domainchat.ErrInvalidCursor)
	}
	id, err := uuid.Parse(idRaw)
	if err != nil {
		return 0, uuid.Nil, fmt.Errorf("%w: bad id", domainchat.ErrInvalidCursor)
	}
	return recency, id, nil
}

// EncodeSeqCursor renders a message or delta sequence cursor. Zero means "from the start".
func EncodeSeqCursor(seq int64) string {
	if seq <= 0 {
		return ""
	}
	return strconv.FormatInt(seq, 10)
}

func DecodeSeqCursor(cursor string) (int64, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", domainchat.ErrInvalidCursor, cursor)
	}
	return n, nil
}

// ClampLimit returns def for non-positive limits and caps at max.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
