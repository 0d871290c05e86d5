package services

import (
	"context"

	"github.com/google/uuid"

	types "github.com/yungbote/threadline-backend/internal/domain"
	"github.com/yungbote/threadline-backend/internal/realtime"
)

// ChatNotifier publishes chat events to the owner's channel and to the thread channel.
type ChatNotifier interface {
	ThreadCreated(userID uuid.UUID, thread *types.ChatThread)
	ThreadUpdated(userID uuid.UUID, thread *types.ChatThread)
	ThreadDeleted(userID uuid.UUID, threadID uuid.UUID)
	MessageCreated(userID uuid.UUID, threadID uuid.UUID, msg *types.ChatMessage)
	MessageDelta(userID uuid.UUID, threadID uuid.UUID, delta *types.ChatMessageDelta)
	MessageDone(userID uuid.UUID, threadID uuid.UUID, msg *types.ChatMessage)
	MessageError(userID uuid.UUID, threadID uuid.UUID, messageID uuid.UUID, errMsg string)
}

type chatNotifier struct {
	emit SSEEmitter
}

func NewChatNotifier(emit SSEEmitter) ChatNotifier {
	return &chatNotifier{emit: emit}
}

func (n *chatNotifier) send(userID, threadID uuid.UUID, event realtime.SSEEvent, data map[string]any) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	ctx := context.Background()
	n.emit.Emit(ctx, realtime.SSEMessage{Channel: realtime.UserChannel(userID), Event: event, Data: data})
	if threadID != uuid.Nil {
		n.emit.Emit(ctx, realtime.SSEMessage{Channel: realtime.ThreadChannel(threadID), Event: event, Data: data})
	}
}

func (n *chatNotifier) ThreadCreated(userID uuid.UUID, thread *types.ChatThread) {
	if thread == nil {
		return
	}
	n.send(userID, uuid.Nil, realtime.SSEEventChatThreadCreated, map[string]any{"thread": thread})
}

func (n *chatNotifier) ThreadUpdated(userID uuid.UUID, thread *types.ChatThread) {
	if thread == nil {
		return
	}
	n.send(userID, thread.ID, realtime.SSEEventChatThreadUpdated, map[string]any{"thread": thread})
}

func (n *chatNotifier) ThreadDeleted(userID uuid.UUID, threadID uuid.UUID) {
	n.send(userID, threadID, realtime.SSEEventChatThreadDeleted, map[string]any{"thread_id": threadID})
}

func (n *chatNotifier) MessageCreated(userID uuid.UUID, threadID uuid.UUID, msg *types.ChatMessage) {
	n.send(userID, threadID, realtime.SSEEventChatMessageCreated, map[string]any{
		"thread_id": threadID,
		"message":   msg,
	})
}

func (n *chatNotifier) MessageDelta(userID uuid.UUID, threadID uuid.UUID, delta *types.ChatMessageDelta) {
	if delta == nil || delta.Text == "" {
		return
	}
	n.send(userID, threadID, realtime.SSEEventChatMessageDelta, map[string]any{
		"thread_id":  threadID,
		"message_id": delta.MessageID,
		"seq":        delta.Seq,
		"delta":      delta.Text,
	})
}

func (n *chatNotifier) MessageDone(userID uuid.UUID, threadID uuid.UUID, msg *types.ChatMessage) {
	n.send(userID, threadID, realtime.SSEEventChatMessageDone, map[string]any{
		"thread_id": threadID,
		"message":   msg,
	})
}

func (n *chatNotifier) MessageError(userID uuid.UUID, threadID uuid.UUID, messageID uuid.UUID, errMsg string) {
	n.send(userID, threadID, realtime.SSEEventChatMessageError, map[string]any{
		"thread_id":  threadID,
		"message_id": messageID,
		"error":      errMsg,
	})
}
