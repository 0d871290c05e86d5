package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/threadline-backend/internal/domain"
	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
)

func SeedThread(tb testing.TB, ctx context.Context, tx *gorm.DB, userID uuid.UUID) *types.ChatThread {
	tb.Helper()
	now := time.Now().UTC()
	th := &types.ChatThread{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     domainchat.DefaultThreadTitle,
		Status:    domainchat.ThreadStatusActive,
		RecencyUs: now.UnixMicro(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(th).Error; err != nil {
		tb.Fatalf("seed thread: %v", err)
	}
	return th
}

// SeedMessage inserts a message at the thread's next sequence number.
func SeedMessage(tb testing.TB, ctx context.Context, tx *gorm.DB, th *types.ChatThread, role, status, content string) *types.ChatMessage {
	tb.Helper()
	if err := tx.WithContext(ctx).
		Model(&types.ChatThread{}).
		Where("id = ?", th.ID).
		UpdateColumn("next_seq", gorm.Expr("next_seq + 1")).Error; err != nil {
		tb.Fatalf("bump seq: %v", err)
	}
	var seq int64
	if err := tx.WithContext(ctx).
		Model(&types.ChatThread{}).
		Select("next_seq").
		Where("id = ?", th.ID).
		Scan(&seq).Error; err != nil {
		tb.Fatalf("read seq: %v", err)
	}
	now := time.Now().UTC()
	m := &types.ChatMessage{
		ID:        uuid.New(),
		ThreadID:  th.ID,
		UserID:    th.UserID,
		Seq:       seq,
		Role:      role,
		Status:    status,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(m).Error; err != nil {
		tb.Fatalf("seed message: %v", err)
	}
	return m
}
