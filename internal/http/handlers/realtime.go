package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/threadline-backend/internal/http/response"
	"github.com/yungbote/threadline-backend/internal/platform/ctxutil"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
	"github.com/yungbote/threadline-backend/internal/realtime"
	"github.com/yungbote/threadline-backend/internal/services"
)

var (
	errNoClient       = errors.New("no active SSE connection with this client id")
	errChannelDenied  = errors.New("channel not available to this user")
	errInvalidChannel = errors.New("invalid channel")
)

type RealtimeHandler struct {
	log  *logger.Logger
	hub  *realtime.SSEHub
	chat services.ChatService
}

func NewRealtimeHandler(log *logger.Logger, hub *realtime.SSEHub, chat services.ChatService) *RealtimeHandler {
	return &RealtimeHandler{log: log.With("handler", "RealtimeHandler"), hub: hub, chat: chat}
}

// GET /api/sse/stream
// Every stream starts on the user's own channel. The first event carries the client id
// used by subscribe/unsubscribe.
func (h *RealtimeHandler) SSEStream(c *gin.Context) {
	userID := ctxutil.UserID(c.Request.Context())
	if userID == uuid.Nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthenticated", nil)
		return
	}
	client := h.hub.NewSSEClient(userID)
	defer h.hub.CloseClient(client)
	h.hub.AddChannel(client, realtime.UserChannel(userID))
	h.log.Debug("SSE stream open", "user_id", userID, "client_id", client.ID)

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}

type channelReq struct {
	ClientID uuid.UUID `json:"client_id"`
	Channel  string    `json:"channel"`
}

// POST /api/sse/subscribe
func (h *RealtimeHandler) SSESubscribe(c *gin.Context) {
	client, channel, ok := h.resolve(c)
	if !ok {
		return
	}
	h.hub.AddChannel(client, channel)
	response.RespondOK(c, gin.H{"message": "subscribed", "channel": channel})
}

// POST /api/sse/unsubscribe
func (h *RealtimeHandler) SSEUnsubscribe(c *gin.Context) {
	client, channel, ok := h.resolve(c)
	if !ok {
		return
	}
	h.hub.RemoveChannel(client, channel)
	response.RespondOK(c, gin.H{"message": "unsubscribed", "channel": channel})
}

func (h *RealtimeHandler) resolve(c *gin.Context) (*realtime.SSEClient, string, bool) {
	userID := ctxutil.UserID(c.Request.Context())
	var req channelReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return nil, "", false
	}
	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		response.RespondError(c, http.StatusBadRequest, "invalid_channel", errInvalidChannel)
		return nil, "", false
	}
	client, ok := h.hub.Client(userID, req.ClientID)
	if !ok {
		response.RespondError(c, http.StatusConflict, "no_sse_client", errNoClient)
		return nil, "", false
	}
	if err := h.authorizeChannel(c, userID, channel); err != nil {
		response.RespondAPIError(c, err)
		return nil, "", false
	}
	return client, channel, true
}

// authorizeChannel allows the user's own channel and threads the user owns.
func (h *RealtimeHandler) authorizeChannel(c *gin.Context, userID uuid.UUID, channel string) error {
	if channel == realtime.UserChannel(userID) {
		return nil
	}
	raw, ok := strings.CutPrefix(channel, "thread:")
	if !ok {
		return forbidden(errChannelDenied)
	}
	threadID, err := uuid.Parse(raw)
	if err != nil {
		return forbidden(errInvalidChannel)
	}
	exists, err := h.chat.ThreadExists(dbctx.Context{Ctx: c.Request.Context()}, threadID)
	if err != nil {
		return err
	}
	if !exists {
		return forbidden(errChannelDenied)
	}
	return nil
}
