package handlers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
	"github.com/yungbote/threadline-backend/internal/platform/apierr"
)

var errBadThreadID = errors.New("thread id must be a uuid")

func threadIDParam(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, apierr.BadRequest("invalid_thread_id", errBadThreadID)
	}
	return id, nil
}

// intQuery returns 0 when the parameter is absent so services apply their defaults.
func intQuery(c *gin.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierr.BadRequest("invalid_"+name, err)
	}
	return n, nil
}

// seqQuery parses a delta cursor. Negative values are rejected.
func seqQuery(c *gin.Context, name string) (int64, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, apierr.BadRequest("invalid_cursor", domainchat.ErrInvalidCursor)
	}
	return n, nil
}
