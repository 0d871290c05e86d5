package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/threadline-backend/internal/http/handlers"
	httpMW "github.com/yungbote/threadline-backend/internal/http/middleware"
	"github.com/yungbote/threadline-backend/internal/observability"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log          *logger.Logger
	ServiceName  string
	AllowOrigins []string
	Metrics      *observability.Metrics

	AuthMiddleware      *httpMW.AuthMiddleware
	ChatHandler         *httpH.ChatHandler
	RealtimeHandler     *httpH.RealtimeHandler
	ThreadStreamHandler *httpH.ThreadStreamHandler
	HealthHandler       *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	service := cfg.ServiceName
	if service == "" {
		service = "threadline"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(service))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.CORS(cfg.AllowOrigins))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.RequestLogger(log))

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readycheck", cfg.HealthHandler.ReadyCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := r.Group("/api")
	if cfg.ChatHandler != nil {
		api.GET("/models", cfg.ChatHandler.ListModels)
	}

	protected := api.Group("")
	if cfg.AuthMiddleware != nil {
		protected.Use(cfg.AuthMiddleware.RequireAuth())
	}

	if cfg.ChatHandler != nil {
		protected.POST("/threads/send", cfg.ChatHandler.Send)
		protected.GET("/threads", cfg.ChatHandler.ListThreads)
		protected.GET("/threads/:id/exists", cfg.ChatHandler.ThreadExists)
		protected.GET("/threads/:id/messages", cfg.ChatHandler.ListMessages)
		protected.GET("/threads/:id/deltas", cfg.ChatHandler.SyncDeltas)
		protected.PATCH("/threads/:id/status", cfg.ChatHandler.ArchiveThread)
		protected.PATCH("/threads/:id/title", cfg.ChatHandler.RenameThread)
		protected.DELETE("/threads/:id", cfg.ChatHandler.DeleteThread)
	}
	if cfg.ThreadStreamHandler != nil {
		protected.GET("/threads/:id/ws", cfg.ThreadStreamHandler.Stream)
	}
	if cfg.RealtimeHandler != nil {
		protected.GET("/sse/stream", cfg.RealtimeHandler.SSEStream)
		protected.POST("/sse/subscribe", cfg.RealtimeHandler.SSESubscribe)
		protected.POST("/sse/unsubscribe", cfg.RealtimeHandler.SSEUnsubscribe)
	}

	return r
}
