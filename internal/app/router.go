package app

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/threadline-backend/internal/http"
	"github.com/yungbote/threadline-backend/internal/observability"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

func wireRouter(log *logger.Logger, cfg Config, handlers Handlers, middleware Middleware, metrics *observability.Metrics) *gin.Engine {
	return http.NewRouter(http.RouterConfig{
		Log:          log,
		ServiceName:  "threadline",
		AllowOrigins: cfg.AllowOrigins,
		Metrics:      metrics,

		AuthMiddleware:      middleware.Auth,
		ChatHandler:         handlers.Chat,
		RealtimeHandler:     handlers.Realtime,
		ThreadStreamHandler: handlers.ThreadStream,
		HealthHandler:       handlers.Health,
	})
}
