package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/threadline-backend/internal/domain"
	domainjobs "github.com/yungbote/threadline-backend/internal/domain/jobs"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

var (
	runnableStatuses = []string{domainjobs.StatusQueued, domainjobs.StatusRunning}
	prunableStatuses = []string{domainjobs.StatusSucceeded, domainjobs.StatusCanceled}
)

// JobRunRepo persists deferred tasks. Every state change is a compare-and-set so the
// polling worker and Temporal activities can race on the same row safely.
type JobRunRepo interface {
	Create(dbc dbctx.Context, jobs []*types.JobRun) ([]*types.JobRun, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error)
	ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, staleRunning time.Duration) (*types.JobRun, error)
	ClaimByID(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	HasRunnableForEntity(dbc dbctx.Context, ownerUserID uuid.UUID, entityType string, entityID uuid.UUID, jobType string) (bool, error)
	DeleteFinishedBefore(dbc dbctx.Context, cutoff time.Time) (int64, error)
}

type jobRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRunRepo(db *gorm.DB, baseLog *logger.Logger) JobRunRepo {
	return &jobRunRepo{
		db:  db,
		log: baseLog.With("repo", "JobRunRepo"),
	}
}

func (r *jobRunRepo) tx(dbc dbctx.Context) *gorm.DB {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx)
}

func (r *jobRunRepo) Create(dbc dbctx.Context, jobs []*types.JobRun) ([]*types.JobRun, error) {
	if len(jobs) == 0 {
		return []*types.JobRun{}, nil
	}
	now := time.Now().UTC()
	for _, j := range jobs {
		if j.ID == uuid.Nil {
			j.ID = uuid.New()
		}
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		if j.UpdatedAt.IsZero() {
			j.UpdatedAt = now
		}
		if j.RunAt.IsZero() {
			j.RunAt = now
		}
	}
	if err := r.tx(dbc).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRunRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.JobRun
	err := r.tx(dbc).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimNextRunnable marks the oldest due row running. A row is due once run_at has passed
// and it is queued, failed with attempts left, or running with a stale heartbeat.
func (r *jobRunRepo) ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, staleRunning time.Duration) (*types.JobRun, error) {
	now := time.Now().UTC()
	return r.claim(dbc, now, func(q *gorm.DB) *gorm.DB {
		return q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("run_at <= ?", now).
			Where(
				r.db.Where("status = ?", domainjobs.StatusQueued).
					Or("status = ? AND attempts < ?", domainjobs.StatusFailed, maxAttempts).
					Or("status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?", domainjobs.StatusRunning, now.Add(-staleRunning)),
			).
			Order("run_at ASC").
			Order("created_at ASC")
	})
}

// ClaimByID marks one row running for an externally dispatched attempt. It returns nil
// when the row is missing, succeeded or canceled.
func (r *jobRunRepo) ClaimByID(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	return r.claim(dbc, time.Now().UTC(), func(q *gorm.DB) *gorm.DB {
		return q.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			Where("status NOT IN ?", prunableStatuses)
	})
}

func (r *jobRunRepo) claim(dbc dbctx.Context, now time.Time, pick func(*gorm.DB) *gorm.DB) (*types.JobRun, error) {
	var claimed *types.JobRun
	err := r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		var job types.JobRun
		err := pick(txx).First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// compare-and-set on (status, attempts): two claimers never both win
		res := txx.Model(&types.JobRun{}).
			Where("id = ? AND status = ? AND attempts = ?", job.ID, job.Status, job.Attempts).
			Updates(map[string]interface{}{
				"status":       domainjobs.StatusRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			})
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		job.Status = domainjobs.StatusRunning
		job.Attempts++
		job.LockedAt = &now
		job.HeartbeatAt = &now
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func stamp(updates map[string]interface{}) map[string]interface{} {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return updates
}

func (r *jobRunRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	return r.tx(dbc).Model(&types.JobRun{}).Where("id = ?", id).Updates(stamp(updates)).Error
}

// UpdateFieldsUnlessStatus applies updates only while the row is not in one of the given
// statuses. It reports whether a row changed.
func (r *jobRunRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	q := r.tx(dbc).Model(&types.JobRun{}).Where("id = ?", id)
	if len(disallowedStatuses) > 0 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}
	res := q.Updates(stamp(updates))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRunRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now().UTC()
	return r.tx(dbc).Model(&types.JobRun{}).
		Where("id = ? AND status = ?", id, domainjobs.StatusRunning).
		Updates(map[string]interface{}{"heartbeat_at": now, "updated_at": now}).Error
}

func (r *jobRunRepo) HasRunnableForEntity(dbc dbctx.Context, ownerUserID uuid.UUID, entityType string, entityID uuid.UUID, jobType string) (bool, error) {
	if ownerUserID == uuid.Nil || entityID == uuid.Nil || entityType == "" || jobType == "" {
		return false, nil
	}
	var count int64
	err := r.tx(dbc).Model(&types.JobRun{}).
		Where("owner_user_id = ? AND entity_type = ? AND entity_id = ? AND job_type = ?", ownerUserID, entityType, entityID, jobType).
		Where("status IN ?", runnableStatuses).
		Count(&count).Error
	return count > 0, err
}

// DeleteFinishedBefore removes succeeded and canceled rows last touched before cutoff.
// Failed rows are kept for inspection.
func (r *jobRunRepo) DeleteFinishedBefore(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	res := r.tx(dbc).
		Where("status IN ? AND updated_at < ?", prunableStatuses, cutoff.UTC()).
		Delete(&types.JobRun{})
	return res.RowsAffected, res.Error
}
