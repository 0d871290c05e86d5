package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/threadline-backend/internal/domain"
	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

const (
	DefaultMessagePageSize = 50
	MaxMessagePageSize     = 200
)

var inFlightStatuses = []string{domainchat.MessageStatusPending, domainchat.MessageStatusStreaming}

type ChatMessageRepo interface {
	Create(dbc dbctx.Context, row *types.ChatMessage) (*types.ChatMessage, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatMessage, error)
	GetReplyForPrompt(dbc dbctx.Context, promptID uuid.UUID) (*types.ChatMessage, error)
	GetByIdempotencyKey(dbc dbctx.Context, userID uuid.UUID, key string) (*types.ChatMessage, error)

	MarkStreaming(dbc dbctx.Context, id uuid.UUID) (bool, error)
	AppendContent(dbc dbctx.Context, id uuid.UUID, fragment string) (bool, error)
	Finalize(dbc dbctx.Context, id uuid.UUID, status string, errMsg string) (bool, error)

	ListAfterSeq(dbc dbctx.Context, threadID uuid.UUID, afterSeq int64, limit int) ([]*types.ChatMessage, error)
	ListHistory(dbc dbctx.Context, threadID uuid.UUID, beforeSeq int64, limit int) ([]*types.ChatMessage, error)
	ListInFlight(dbc dbctx.Context, threadID uuid.UUID) ([]*types.ChatMessage, error)
	ListStale(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.ChatMessage, error)

	DeleteByIDs(dbc dbctx.Context, ids []uuid.UUID) error
	DeleteByThread(dbc dbctx.Context, threadID uuid.UUID) error
}

type chatMessageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatMessageRepo(db *gorm.DB, log *logger.Logger) ChatMessageRepo {
	return &chatMessageRepo{db: db, log: log.With("repo", "ChatMessageRepo")}
}

func (r *chatMessageRepo) tx(dbc dbctx.Context) *gorm.DB {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx)
}

func (r *chatMessageRepo) Create(dbc dbctx.Context, row *types.ChatMessage) (*types.ChatMessage, error) {
	if row == nil {
		return nil, fmt.Errorf("missing message")
	}
	if row.ThreadID == uuid.Nil || row.UserID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id or user_id")
	}
	if row.Seq <= 0 {
		return nil, fmt.Errorf("missing seq")
	}
	now := time.Now().UTC()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	if err := r.tx(dbc).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *chatMessageRepo) first(q *gorm.DB) (*types.ChatMessage, error) {
	var out types.ChatMessage
	err := q.Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetByID returns (nil, nil) when the message does not exist.
func (r *chatMessageRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatMessage, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	return r.first(r.tx(dbc).Where("id = ?", id))
}

func (r *chatMessageRepo) GetReplyForPrompt(dbc dbctx.Context, promptID uuid.UUID) (*types.ChatMessage, error) {
	if promptID == uuid.Nil {
		return nil, fmt.Errorf("missing prompt_message_id")
	}
	return r.first(r.tx(dbc).Where("prompt_message_id = ?", promptID))
}

func (r *chatMessageRepo) GetByIdempotencyKey(dbc dbctx.Context, userID uuid.UUID, key string) (*types.ChatMessage, error) {
	key = strings.TrimSpace(key)
	if userID == uuid.Nil || key == "" {
		return nil, nil
	}
	return r.first(r.tx(dbc).Where("user_id = ? AND idempotency_key = ?", userID, key))
}

func (r *chatMessageRepo) MarkStreaming(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, fmt.Errorf("missing id")
	}
	res := r.tx(dbc).
		Model(&types.ChatMessage{}).
		Where("id = ? AND status = ?", id, domainchat.MessageStatusPending).
		Updates(map[string]interface{}{
			"status":     domainchat.MessageStatusStreaming,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AppendContent concatenates fragment onto a streaming message. It reports false when
// the message is not streaming.
func (r *chatMessageRepo) AppendContent(dbc dbctx.Context, id uuid.UUID, fragment string) (bool, error) {
	if id == uuid.Nil {
		return false, fmt.Errorf("missing id")
	}
	res := r.tx(dbc).
		Model(&types.ChatMessage{}).
		Where("id = ? AND status = ?", id, domainchat.MessageStatusStreaming).
		Updates(map[string]interface{}{
			"content":    gorm.Expr("content || ?", fragment),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Finalize moves an in-flight message to a terminal status. A message that is already
// terminal is left untouched and false is returned.
func (r *chatMessageRepo) Finalize(dbc dbctx.Context, id uuid.UUID, status string, errMsg string) (bool, error) {
	if id == uuid.Nil {
		return false, fmt.Errorf("missing id")
	}
	if !domainchat.IsTerminalStatus(status) {
		return false, fmt.Errorf("finalize: status %q is not terminal", status)
	}
	res := r.tx(dbc).
		Model(&types.ChatMessage{}).
		Where("id = ? AND status IN ?", id, inFlightStatuses).
		Updates(map[string]interface{}{
			"status":     status,
			"error":      errMsg,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *chatMessageRepo) ListAfterSeq(dbc dbctx.Context, threadID uuid.UUID, afterSeq int64, limit int) ([]*types.ChatMessage, error) {
	if threadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id")
	}
	limit = ClampLimit(limit, DefaultMessagePageSize, MaxMessagePageSize)
	var out []*types.ChatMessage
	if err := r.tx(dbc).
		Model(&types.ChatMessage{}).
		Where("thread_id = ? AND seq > ?", threadID, afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListHistory returns the most recent complete messages before beforeSeq, oldest first.
// A beforeSeq of zero means the whole thread.
func (r *chatMessageRepo) ListHistory(dbc dbctx.Context, threadID uuid.UUID, beforeSeq int64, limit int) ([]*types.ChatMessage, error) {
	if threadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id")
	}
	if limit <= 0 {
		limit = DefaultMessagePageSize
	}
	q := r.tx(dbc).
		Model(&types.ChatMessage{}).
		Where("thread_id = ? AND status = ?", threadID, domainchat.MessageStatusComplete)
	if beforeSeq > 0 {
		q = q.Where("seq < ?", beforeSeq)
	}
	var out []*types.ChatMessage
	if err := q.Order("seq DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *chatMessageRepo) ListInFlight(dbc dbctx.Context, threadID uuid.UUID) ([]*types.ChatMessage, error) {
	if threadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id")
	}
	var out []*types.ChatMessage
	if err := r.tx(dbc).
		Model(&types.ChatMessage{}).
		Where("thread_id = ? AND status IN ?", threadID, inFlightStatuses).
		Order("seq ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListStale returns in-flight assistant messages that have not progressed since cutoff.
func (r *chatMessageRepo) ListStale(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*types.ChatMessage
	if err := r.tx(dbc).
		Model(&types.ChatMessage{}).
		Where("status IN ? AND updated_at < ?", inFlightStatuses, cutoff.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chatMessageRepo) DeleteByIDs(dbc dbctx.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.tx(dbc).Where("id IN ?", ids).Delete(&types.ChatMessage{}).Error
}

func (r *chatMessageRepo) DeleteByThread(dbc dbctx.Context, threadID uuid.UUID) error {
	if threadID == uuid.Nil {
		return fmt.Errorf("missing thread_id")
	}
	return r.tx(dbc).Where("thread_id = ?", threadID).Delete(&types.ChatMessage{}).Error
}
