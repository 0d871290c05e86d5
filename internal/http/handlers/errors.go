package handlers

import (
	"net/http"

	"github.com/yungbote/threadline-backend/internal/platform/apierr"
)

func forbidden(err error) error {
	return apierr.New(http.StatusForbidden, "forbidden", err)
}
