package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/yungbote/threadline-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(types.Models()...); err != nil {
		return err
	}
	return EnsureChatIndexes(db)
}

// EnsureChatIndexes creates indexes gorm tags cannot express. The statements are valid on
// both postgres and sqlite.
func EnsureChatIndexes(db *gorm.DB) error {
	// Idempotent sends: one user message per (user, key).
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_message_user_idem
		ON chat_message (user_id, idempotency_key)
		WHERE idempotency_key <> '';
	`).Error; err != nil {
		return fmt.Errorf("create idx_chat_message_user_idem: %w", err)
	}

	// Sweeper scans for in-flight replies.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_chat_message_inflight
		ON chat_message (status, updated_at)
		WHERE status IN ('pending', 'streaming');
	`).Error; err != nil {
		return fmt.Errorf("create idx_chat_message_inflight: %w", err)
	}

	// Worker claim order.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_run_claim
		ON job_run (status, run_at, created_at);
	`).Error; err != nil {
		return fmt.Errorf("create idx_job_run_claim: %w", err)
	}
	return nil
}
