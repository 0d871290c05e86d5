package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/threadline-backend/internal/observability"
)

// listenerRoutes stay open while the client follows its threads; their duration says
// nothing about request latency.
var listenerRoutes = map[string]string{
	"/api/sse/stream":     "sse",
	"/api/threads/:id/ws": "websocket",
}

// Metrics records request count and latency by route template, and open listener
// connections for the realtime routes. A nil registry disables it.
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		if transport, ok := listenerRoutes[c.FullPath()]; ok {
			m.ListenerOpened(transport)
			defer m.ListenerClosed(transport)
			c.Next()
			return
		}

		start := time.Now()
		m.ApiInflightInc()
		defer m.ApiInflightDec()

		c.Next()
		m.ObserveAPI(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}
