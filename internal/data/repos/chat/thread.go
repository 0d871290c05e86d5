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
	domainjobs "github.com/yungbote/threadline-backend/internal/domain/jobs"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

const (
	DefaultThreadPageSize = 20
	MaxThreadPageSize     = 100
)

type ThreadListQuery struct {
	OwnerID uuid.UUID
	// Status filters by thread status when non-empty.
	Status string
	Cursor string
	Limit  int
}

type ThreadPage struct {
	Threads    []*types.ChatThread `json:"threads"`
	NextCursor string              `json:"cursor"`
	IsDone     bool                `json:"is_done"`
}

type ChatThreadRepo interface {
	Create(dbc dbctx.Context, row *types.ChatThread) (*types.ChatThread, error)
	// GetByID returns (nil, nil) when the thread does not exist.
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatThread, error)
	// GetForOwner returns (nil, nil) when the thread does not exist or belongs to someone else.
	GetForOwner(dbc dbctx.Context, ownerID uuid.UUID, id uuid.UUID) (*types.ChatThread, error)
	Exists(dbc dbctx.Context, ownerID uuid.UUID, id uuid.UUID) (bool, error)
	ListByOwner(dbc dbctx.Context, q ThreadListQuery) (*ThreadPage, error)

	SetStatus(dbc dbctx.Context, id uuid.UUID, status string) (bool, error)
	SetTitle(dbc dbctx.Context, id uuid.UUID, title string) (bool, error)
	SetTitleIfDefault(dbc dbctx.Context, id uuid.UUID, title string) (bool, error)
	Touch(dbc dbctx.Context, id uuid.UUID, model string, at time.Time) error

	ClaimGeneration(dbc dbctx.Context, id uuid.UUID, promptID uuid.UUID) (bool, error)
	ReleaseGeneration(dbc dbctx.Context, id uuid.UUID, promptID uuid.UUID) (bool, error)
	ReleaseStaleGenerations(dbc dbctx.Context, cutoff time.Time) (int64, error)

	AllocateSeq(dbc dbctx.Context, id uuid.UUID) (int64, error)
	AllocateDeltaSeq(dbc dbctx.Context, id uuid.UUID) (int64, error)

	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type chatThreadRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatThreadRepo(db *gorm.DB, log *logger.Logger) ChatThreadRepo {
	return &chatThreadRepo{db: db, log: log.With("repo", "ChatThreadRepo")}
}

func (r *chatThreadRepo) Create(dbc dbctx.Context, row *types.ChatThread) (*types.ChatThread, error) {
	if row == nil {
		return nil, fmt.Errorf("missing thread")
	}
	if row.UserID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	now := time.Now().UTC()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if strings.TrimSpace(row.Title) == "" {
		row.Title = domainchat.DefaultThreadTitle
	}
	if row.Status == "" {
		row.Status = domainchat.ThreadStatusActive
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	if row.RecencyUs == 0 {
		row.RecencyUs = now.UnixMicro()
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if err := txx.WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *chatThreadRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ChatThread, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.ChatThread
	err := txx.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *chatThreadRepo) GetForOwner(dbc dbctx.Context, ownerID uuid.UUID, id uuid.UUID) (*types.ChatThread, error) {
	if ownerID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	if id == uuid.Nil {
		return nil, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out types.ChatThread
	err := txx.WithContext(dbc.Ctx).
		Where("id = ? AND user_id = ?", id, ownerID).
		Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *chatThreadRepo) Exists(dbc dbctx.Context, ownerID uuid.UUID, id uuid.UUID) (bool, error) {
	if ownerID == uuid.Nil || id == uuid.Nil {
		return false, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var n int64
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.ChatThread{}).
		Where("id = ? AND user_id = ?", id, ownerID).
		Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListByOwner pages threads newest activity first. Ties on recency are broken by id so
// the keyset never skips or repeats a row.
func (r *chatThreadRepo) ListByOwner(dbc dbctx.Context, q ThreadListQuery) (*ThreadPage, error) {
	if q.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("missing user_id")
	}
	limit := ClampLimit(q.Limit, DefaultThreadPageSize, MaxThreadPageSize)

	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	query := txx.WithContext(dbc.Ctx).
		Model(&types.ChatThread{}).
		Where("user_id = ?", q.OwnerID)
	if s := strings.TrimSpace(q.Status); s != "" {
		query = query.Where("status = ?", s)
	}
	if strings.TrimSpace(q.Cursor) != "" {
		recency, id, err := DecodeThreadCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		query = query.Where("(recency_us < ?) OR (recency_us = ? AND id < ?)", recency, recency, id)
	}

	var rows []*types.ChatThread
	if err := query.
		Order("recency_us DESC").
		Order("id DESC").
		Limit(limit + 1).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	page := &ThreadPage{Threads: rows, IsDone: true}
	if len(rows) > limit {
		page.Threads = rows[:limit]
		page.IsDone = false
	}
	if n := len(page.Threads); n > 0 {
		last := page.Threads[n-1]
		page.NextCursor = EncodeThreadCursor(last.RecencyUs, last.ID)
	}
	return page, nil
}

func (r *chatThreadRepo) SetStatus(dbc dbctx.Context, id uuid.UUID, status string) (bool, error) {
	if id == uuid.Nil {
		return false, fmt.Errorf("missing id")
	}
	if !domainchat.ValidThreadStatus(status) {
		return false, domainchat.ErrInvalidStatus
	}
	return r.update(r.scope(dbc).Where("id = ?", id), map[string]interface{}{"status": status})
}

func (r *chatThreadRepo) SetTitle(dbc dbctx.Context, id uuid.UUID, title string) (bool, error) {
	if id == uuid.Nil {
		return false, fmt.Errorf("missing id")
	}
	return r.update(r.scope(dbc).Where("id = ?", id), map[string]interface{}{"title": title})
}

// SetTitleIfDefault renames the thread only while it still carries the sentinel title.
// The check and the write are a single statement, so a manual rename always wins.
func (r *chatThreadRepo) SetTitleIfDefault(dbc dbctx.Context, id uuid.UUID, title string) (bool, error) {
	if id == uuid.Nil {
		return false, fmt.Errorf("missing id")
	}
	return r.update(
		r.scope(dbc).Where("id = ? AND title = ?", id, domainchat.DefaultThreadTitle),
		map[string]interface{}{"title": title},
	)
}

func (r *chatThreadRepo) Touch(dbc dbctx.Context, id uuid.UUID, model string, at time.Time) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	updates := map[string]interface{}{
		"recency_us":      at.UnixMicro(),
		"last_message_at": at,
	}
	if model != "" {
		updates["model"] = model
	}
	_, err := r.update(r.scope(dbc).Where("id = ?", id), updates)
	return err
}

// ClaimGeneration takes the per-thread generation token for promptID. It reports false
// when another reply already holds it.
func (r *chatThreadRepo) ClaimGeneration(dbc dbctx.Context, id uuid.UUID, promptID uuid.UUID) (bool, error) {
	if id == uuid.Nil || promptID == uuid.Nil {
		return false, fmt.Errorf("missing id")
	}
	now := time.Now().UTC()
	return r.update(
		r.scope(dbc).Where("id = ? AND active_prompt_id IS NULL", id),
		map[string]interface{}{"active_prompt_id": promptID, "active_since": now},
	)
}

// ReleaseGeneration clears the token only if promptID still holds it.
func (r *chatThreadRepo) ReleaseGeneration(dbc dbctx.Context, id uuid.UUID, promptID uuid.UUID) (bool, error) {
	if id == uuid.Nil || promptID == uuid.Nil {
		return false, fmt.Errorf("missing id")
	}
	return r.update(
		r.scope(dbc).Where("id = ? AND active_prompt_id = ?", id, promptID),
		map[string]interface{}{"active_prompt_id": nil, "active_since": nil},
	)
}

// ReleaseStaleGenerations clears tokens claimed before cutoff when neither an in-flight
// reply nor a pending stream task still references the prompt.
func (r *chatThreadRepo) ReleaseStaleGenerations(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	res := txx.WithContext(dbc.Ctx).Exec(`
		UPDATE chat_thread
		SET active_prompt_id = NULL, active_since = NULL, updated_at = ?
		WHERE active_prompt_id IS NOT NULL
		  AND active_since < ?
		  AND NOT EXISTS (
			SELECT 1 FROM chat_message m
			WHERE m.prompt_message_id = chat_thread.active_prompt_id
			  AND m.status IN (?, ?)
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM job_run j
			WHERE j.entity_id = chat_thread.id
			  AND j.job_type = ?
			  AND j.status IN ('queued', 'running')
		  )
	`, time.Now().UTC(), cutoff.UTC(),
		domainchat.MessageStatusPending, domainchat.MessageStatusStreaming,
		domainjobs.JobTypeChatStream,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// AllocateSeq reserves the next message sequence number of the thread.
func (r *chatThreadRepo) AllocateSeq(dbc dbctx.Context, id uuid.UUID) (int64, error) {
	return r.allocate(dbc, id, "next_seq")
}

// AllocateDeltaSeq reserves the next delta cursor value of the thread.
func (r *chatThreadRepo) AllocateDeltaSeq(dbc dbctx.Context, id uuid.UUID) (int64, error) {
	return r.allocate(dbc, id, "next_delta_seq")
}

func (r *chatThreadRepo) allocate(dbc dbctx.Context, id uuid.UUID, column string) (int64, error) {
	if id == uuid.Nil {
		return 0, fmt.Errorf("missing id")
	}
	var out int64
	run := func(tx *gorm.DB) error {
		res := tx.WithContext(dbc.Ctx).
			Model(&types.ChatThread{}).
			Where("id = ?", id).
			UpdateColumn(column, gorm.Expr(column+" + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domainchat.ErrThreadNotFound
		}
		return tx.WithContext(dbc.Ctx).
			Model(&types.ChatThread{}).
			Select(column).
			Where("id = ?", id).
			Scan(&out).Error
	}
	if dbc.Tx != nil {
		if err := run(dbc.Tx); err != nil {
			return 0, err
		}
		return out, nil
	}
	if err := r.db.WithContext(dbc.Ctx).Transaction(run); err != nil {
		return 0, err
	}
	return out, nil
}

func (r *chatThreadRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&types.ChatThread{}).Error
}

func (r *chatThreadRepo) scope(dbc dbctx.Context) *gorm.DB {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).Model(&types.ChatThread{})
}

func (r *chatThreadRepo) update(q *gorm.DB, updates map[string]interface{}) (bool, error) {
	updates["updated_at"] = time.Now().UTC()
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
