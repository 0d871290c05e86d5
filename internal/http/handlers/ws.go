package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
	"github.com/yungbote/threadline-backend/internal/http/response"
	"github.com/yungbote/threadline-backend/internal/platform/ctxutil"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
	"github.com/yungbote/threadline-backend/internal/realtime"
	"github.com/yungbote/threadline-backend/internal/services"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsFrame is one server-to-client websocket message.
type wsFrame struct {
	Type  string            `json:"type"` // "sync" or "event"
	Event realtime.SSEEvent `json:"event,omitempty"`
	Data  any               `json:"data,omitempty"`
}

type ThreadStreamHandler struct {
	log            *logger.Logger
	hub            *realtime.SSEHub
	chat           services.ChatService
	originPatterns []string
}

func NewThreadStreamHandler(log *logger.Logger, hub *realtime.SSEHub, chat services.ChatService, originPatterns []string) *ThreadStreamHandler {
	return &ThreadStreamHandler{
		log:            log.With("handler", "ThreadStreamHandler"),
		hub:            hub,
		chat:           chat,
		originPatterns: originPatterns,
	}
}

// GET /api/threads/:id/ws?cursor=N
// The first frame is a delta sync from cursor. Live events for the thread follow; deltas
// already covered by the sync are not repeated. The socket is read-only for the client.
func (h *ThreadStreamHandler) Stream(c *gin.Context) {
	threadID, err := threadIDParam(c)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	cursor, err := seqQuery(c, "cursor")
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	ctx := c.Request.Context()
	userID := ctxutil.UserID(ctx)
	exists, err := h.chat.ThreadExists(dbctx.Context{Ctx: ctx}, threadID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	if !exists {
		response.RespondError(c, http.StatusNotFound, "thread_not_found", domainchat.ErrThreadNotFound)
		return
	}

	conn, err := websocket.Accept(newUpgradeWriter(c.Writer), c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.log.Debug("websocket accept failed", "thread_id", threadID, "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	// subscribe before the catch-up read so nothing lands between the two
	client := h.hub.NewSSEClient(userID)
	defer h.hub.CloseClient(client)
	h.hub.AddChannel(client, realtime.ThreadChannel(threadID))

	// CloseRead handles control frames and cancels when the peer goes away.
	ctx = conn.CloseRead(ctx)

	sync, err := h.chat.SyncDeltas(dbctx.Context{Ctx: ctx}, threadID, cursor, 0)
	if err != nil {
		h.log.Warn("websocket catch-up failed", "thread_id", threadID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "sync failed")
		return
	}
	if err := h.write(ctx, conn, wsFrame{Type: "sync", Data: sync}); err != nil {
		return
	}
	lastSeq := sync.Cursor

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case msg, ok := <-client.Outbound:
			if !ok {
				return
			}
			if msg.Event == realtime.SSEEventChatMessageDelta {
				seq, ok := deltaSeq(msg.Data)
				if ok && seq <= lastSeq {
					continue
				}
				if ok {
					lastSeq = seq
				}
			}
			if err := h.write(ctx, conn, wsFrame{Type: "event", Event: msg.Event, Data: msg.Data}); err != nil {
				h.log.Debug("websocket write failed", "thread_id", threadID, "error", err)
				return
			}
		}
	}
}

// upgradeWriter carries the 101 handshake past gin. websocket.Accept flushes the status
// through gin's WriteHeaderNow when it can see one, after which gin refuses to hijack.
// Here the status goes straight to the net/http writer, which flushes it on hijack, and
// the hijack itself still goes through gin so gin stops writing to the connection.
type upgradeWriter struct {
	http.ResponseWriter
	http.Hijacker
	tracked gin.ResponseWriter
}

func newUpgradeWriter(w gin.ResponseWriter) http.ResponseWriter {
	raw := http.ResponseWriter(w)
	if u, ok := w.(interface{ Unwrap() http.ResponseWriter }); ok {
		raw = u.Unwrap()
	}
	return upgradeWriter{ResponseWriter: raw, Hijacker: w, tracked: w}
}

func (w upgradeWriter) WriteHeader(code int) {
	w.tracked.WriteHeader(code)
	w.ResponseWriter.WriteHeader(code)
}

func (h *ThreadStreamHandler) write(ctx context.Context, conn *websocket.Conn, frame wsFrame) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, frame)
}

// deltaSeq reads "seq" from a delta event. Events that crossed the redis bus carry JSON
// numbers as float64.
func deltaSeq(data any) (int64, bool) {
	m, ok := data.(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := m["seq"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
