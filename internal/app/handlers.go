package app

import (
	"strings"

	"gorm.io/gorm"

	httpH "github.com/yungbote/threadline-backend/internal/http/handlers"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
	"github.com/yungbote/threadline-backend/internal/realtime"
)

type Handlers struct {
	Health       *httpH.HealthHandler
	Chat         *httpH.ChatHandler
	Realtime     *httpH.RealtimeHandler
	ThreadStream *httpH.ThreadStreamHandler
}

func wireHandlers(db *gorm.DB, log *logger.Logger, cfg Config, services Services, sseHub *realtime.SSEHub) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:       httpH.NewHealthHandler(db),
		Chat:         httpH.NewChatHandler(services.Chat),
		Realtime:     httpH.NewRealtimeHandler(log, sseHub, services.Chat),
		ThreadStream: httpH.NewThreadStreamHandler(log, sseHub, services.Chat, originPatterns(cfg.AllowOrigins)),
	}
}

// originPatterns turns CORS origins into host patterns for the websocket origin check.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, host, ok := strings.Cut(o, "://"); ok {
			out = append(out, host)
			continue
		}
		out = append(out, o)
	}
	return out
}
