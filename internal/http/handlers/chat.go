package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/threadline-backend/internal/http/response"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/services"
)

const headerIdempotencyKey = "Idempotency-Key"

type ChatHandler struct {
	chat services.ChatService
}

func NewChatHandler(chat services.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

type sendReq struct {
	Prompt       string     `json:"prompt"`
	Model        string     `json:"model"`
	ThreadID     *uuid.UUID `json:"thread_id"`
	InsideMatrix bool       `json:"inside_matrix"`
}

// POST /api/threads/send
func (h *ChatHandler) Send(c *gin.Context) {
	var req sendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	res, err := h.chat.Send(dbctx.Context{Ctx: c.Request.Context()}, services.SendInput{
		Prompt:         req.Prompt,
		Model:          req.Model,
		ThreadID:       req.ThreadID,
		InsideMatrix:   req.InsideMatrix,
		IdempotencyKey: strings.TrimSpace(c.GetHeader(headerIdempotencyKey)),
	})
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondAccepted(c, res)
}

// GET /api/threads?status=&cursor=&limit=
func (h *ChatHandler) ListThreads(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	page, err := h.chat.ListThreads(dbctx.Context{Ctx: c.Request.Context()}, services.ListThreadsInput{
		Status: c.Query("status"),
		Cursor: c.Query("cursor"),
		Limit:  limit,
	})
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, page)
}

// GET /api/threads/:id/exists
func (h *ChatHandler) ThreadExists(c *gin.Context) {
	threadID, err := threadIDParam(c)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	ok, err := h.chat.ThreadExists(dbctx.Context{Ctx: c.Request.Context()}, threadID)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"exists": ok})
}

// GET /api/threads/:id/messages?model=&cursor=&limit=&stream_cursor=
func (h *ChatHandler) ListMessages(c *gin.Context) {
	threadID, err := threadIDParam(c)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	streamCursor, err := seqQuery(c, "stream_cursor")
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	view, err := h.chat.ListMessages(dbctx.Context{Ctx: c.Request.Context()}, services.ListMessagesInput{
		ThreadID:     threadID,
		Model:        c.Query("model"),
		Cursor:       c.Query("cursor"),
		Limit:        limit,
		StreamCursor: streamCursor,
	})
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, view)
}

// GET /api/threads/:id/deltas?cursor=&limit=
func (h *ChatHandler) SyncDeltas(c *gin.Context) {
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
	limit, err := intQuery(c, "limit")
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	out, err := h.chat.SyncDeltas(dbctx.Context{Ctx: c.Request.Context()}, threadID, cursor, limit)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, out)
}

type statusReq struct {
	Status string `json:"status"`
}

// PATCH /api/threads/:id/status
func (h *ChatHandler) ArchiveThread(c *gin.Context) {
	threadID, err := threadIDParam(c)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	thread, err := h.chat.ArchiveThread(dbctx.Context{Ctx: c.Request.Context()}, threadID, req.Status)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"thread": thread})
}

type titleReq struct {
	Title string `json:"title"`
}

// PATCH /api/threads/:id/title
func (h *ChatHandler) RenameThread(c *gin.Context) {
	threadID, err := threadIDParam(c)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	var req titleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	thread, err := h.chat.RenameThread(dbctx.Context{Ctx: c.Request.Context()}, threadID, req.Title)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"thread": thread})
}

// DELETE /api/threads/:id?cursor=&limit=
func (h *ChatHandler) DeleteThread(c *gin.Context) {
	threadID, err := threadIDParam(c)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	out, err := h.chat.DeleteThread(dbctx.Context{Ctx: c.Request.Context()}, threadID, c.Query("cursor"), limit)
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, out)
}

// GET /api/models
func (h *ChatHandler) ListModels(c *gin.Context) {
	response.RespondOK(c, gin.H{"models": h.chat.ListModels()})
}
