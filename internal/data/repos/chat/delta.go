package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/threadline-backend/internal/domain"
	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

const (
	DefaultDeltaPageSize = 500
	MaxDeltaPageSize     = 2000
)

type ChatDeltaRepo interface {
	Create(dbc dbctx.Context, row *types.ChatMessageDelta) (*types.ChatMessageDelta, error)
	ListAfterSeq(dbc dbctx.Context, threadID uuid.UUID, afterSeq int64, limit int) ([]*types.ChatMessageDelta, error)
	DeleteByMessageIDs(dbc dbctx.Context, messageIDs []uuid.UUID) error
	DeleteByThread(dbc dbctx.Context, threadID uuid.UUID) error
	PruneTerminal(dbc dbctx.Context, olderThan time.Time) (int64, error)
}

type chatDeltaRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatDeltaRepo(db *gorm.DB, log *logger.Logger) ChatDeltaRepo {
	return &chatDeltaRepo{db: db, log: log.With("repo", "ChatDeltaRepo")}
}

func (r *chatDeltaRepo) tx(dbc dbctx.Context) *gorm.DB {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx)
}

func (r *chatDeltaRepo) Create(dbc dbctx.Context, row *types.ChatMessageDelta) (*types.ChatMessageDelta, error) {
	if row == nil || row.ThreadID == uuid.Nil || row.MessageID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id or message_id")
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := r.tx(dbc).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *chatDeltaRepo) ListAfterSeq(dbc dbctx.Context, threadID uuid.UUID, afterSeq int64, limit int) ([]*types.ChatMessageDelta, error) {
	if threadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id")
	}
	limit = ClampLimit(limit, DefaultDeltaPageSize, MaxDeltaPageSize)
	var out []*types.ChatMessageDelta
	if err := r.tx(dbc).
		Model(&types.ChatMessageDelta{}).
		Where("thread_id = ? AND seq > ?", threadID, afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *chatDeltaRepo) DeleteByMessageIDs(dbc dbctx.Context, messageIDs []uuid.UUID) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return r.tx(dbc).Where("message_id IN ?", messageIDs).Delete(&types.ChatMessageDelta{}).Error
}

func (r *chatDeltaRepo) DeleteByThread(dbc dbctx.Context, threadID uuid.UUID) error {
	if threadID == uuid.Nil {
		return fmt.Errorf("missing thread_id")
	}
	return r.tx(dbc).Where("thread_id = ?", threadID).Delete(&types.ChatMessageDelta{}).Error
}

// PruneTerminal drops deltas of finished messages. The message content already holds
// the full text, so only live readers ever need them.
func (r *chatDeltaRepo) PruneTerminal(dbc dbctx.Context, olderThan time.Time) (int64, error) {
	res := r.tx(dbc).Exec(`
		DELETE FROM chat_message_delta
		WHERE created_at < ?
		  AND message_id IN (
			SELECT id FROM chat_message WHERE status IN (?, ?)
		  )
	`, olderThan.UTC(), domainchat.MessageStatusComplete, domainchat.MessageStatusFailed)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
