package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/threadline-backend/internal/data/repos"
	types "github.com/yungbote/threadline-backend/internal/domain"
	domainjobs "github.com/yungbote/threadline-backend/internal/domain/jobs"
	"github.com/yungbote/threadline-backend/internal/jobs/runtime"
	"github.com/yungbote/threadline-backend/internal/platform/ctxutil"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

// Workflow name registered by the Temporal worker. Kept literal to avoid importing it.
const jobRunWorkflow = "job_run"

// Task is one unit of deferred work.
type Task struct {
	JobType     string
	OwnerUserID uuid.UUID
	EntityType  string
	EntityID    *uuid.UUID
	Payload     map[string]any
}

// Scheduler persists tasks as job_run rows and hands them to a dispatch backend.
// Delivery is at least once: handlers must tolerate duplicates.
type Scheduler interface {
	// Schedule stores the task to run no earlier than delay from now. Inside a database
	// transaction the task is only stored; call Dispatch after commit.
	Schedule(dbc dbctx.Context, delay time.Duration, task Task) (*types.JobRun, error)
	Dispatch(dbc dbctx.Context, job *types.JobRun) error
	// HasPending reports whether a queued or running task of jobType exists for the entity.
	HasPending(dbc dbctx.Context, ownerUserID uuid.UUID, entityType string, entityID uuid.UUID, jobType string) (bool, error)
}

type scheduler struct {
	db     *gorm.DB
	log    *logger.Logger
	repo   repos.JobRunRepo
	policy runtime.Policy

	temporal          temporalsdkclient.Client
	temporalTaskQueue string
}

// NewScheduler uses Temporal when tc is non-nil. Otherwise rows wait for the polling
// worker to claim them once run_at passes.
func NewScheduler(
	db *gorm.DB,
	baseLog *logger.Logger,
	repo repos.JobRunRepo,
	policy runtime.Policy,
	tc temporalsdkclient.Client,
	taskQueue string,
) Scheduler {
	return &scheduler{
		db:                db,
		log:               baseLog.With("service", "Scheduler"),
		repo:              repo,
		policy:            policy.Normalize(),
		temporal:          tc,
		temporalTaskQueue: strings.TrimSpace(taskQueue),
	}
}

func (s *scheduler) Schedule(dbc dbctx.Context, delay time.Duration, task Task) (*types.JobRun, error) {
	if task.OwnerUserID == uuid.Nil {
		return nil, fmt.Errorf("missing owner_user_id")
	}
	if task.JobType == "" {
		return nil, fmt.Errorf("missing job_type")
	}
	if delay < 0 {
		delay = 0
	}
	payload := make(map[string]any, len(task.Payload)+2)
	for k, v := range task.Payload {
		payload[k] = v
	}
	if td := ctxutil.GetTraceData(dbc.Ctx); td != nil {
		if _, ok := payload["trace_id"]; !ok && td.TraceID != "" {
			payload["trace_id"] = td.TraceID
		}
		if _, ok := payload["request_id"]; !ok && td.RequestID != "" {
			payload["request_id"] = td.RequestID
		}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	transaction := dbc.Tx
	if transaction == nil {
		transaction = s.db
	}
	now := time.Now().UTC()
	job := &types.JobRun{
		ID:          uuid.New(),
		OwnerUserID: task.OwnerUserID,
		JobType:     task.JobType,
		EntityType:  task.EntityType,
		EntityID:    task.EntityID,
		Status:      domainjobs.StatusQueued,
		Stage:       domainjobs.StatusQueued,
		Message:     "Queued",
		RunAt:       now.Add(delay),
		Payload:     datatypes.JSON(b),
		Result:      datatypes.JSON([]byte(`{}`)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.repo.Create(dbctx.Context{Ctx: dbc.Ctx, Tx: transaction}, []*types.JobRun{job}); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	// gorm.DB values are cloned freely, so pointer comparison cannot detect a transaction.
	if isDBTransaction(dbc.Tx) {
		s.log.Debug("Job scheduled inside transaction; awaiting dispatch after commit", "job_id", job.ID, "job_type", job.JobType)
		return job, nil
	}
	if err := s.Dispatch(dbctx.Context{Ctx: dbc.Ctx}, job); err != nil {
		return job, err
	}
	return job, nil
}

type txCommitter interface {
	Commit() error
	Rollback() error
}

func isDBTransaction(db *gorm.DB) bool {
	if db == nil || db.Statement == nil || db.Statement.ConnPool == nil {
		return false
	}
	_, ok := db.Statement.ConnPool.(txCommitter)
	return ok
}

func (s *scheduler) Dispatch(dbc dbctx.Context, job *types.JobRun) error {
	if job == nil || job.ID == uuid.Nil {
		return fmt.Errorf("missing job")
	}
	if s.temporal == nil {
		// the polling worker picks the row up once run_at passes
		return nil
	}
	ctx := ctxutil.Default(dbc.Ctx)
	delay := time.Until(job.RunAt)
	if delay < 0 {
		delay = 0
	}

	err := s.startWorkflow(ctx, job.ID, delay)
	if err == nil {
		return nil
	}
	var already *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &already) {
		return nil
	}

	now := time.Now().UTC()
	if uerr := s.repo.UpdateFields(dbctx.Context{Ctx: ctx}, job.ID, map[string]interface{}{
		"status":        domainjobs.StatusFailed,
		"stage":         "dispatch",
		"message":       "",
		"error":         err.Error(),
		"last_error_at": now,
		"locked_at":     nil,
		"updated_at":    now,
	}); uerr != nil {
		s.log.Warn("mark dispatch failure", "job_id", job.ID, "error", uerr)
	}
	return fmt.Errorf("start temporal workflow: %w", err)
}

func (s *scheduler) startWorkflow(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	tq := s.temporalTaskQueue
	if tq == "" {
		tq = "threadline"
	}
	retry := s.policy.RetryDelay
	if retry <= 0 {
		retry = time.Second
	}
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                    jobID.String(),
		TaskQueue:             tq,
		StartDelay:            delay,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    retry,
			BackoffCoefficient: 1.0,
			MaximumInterval:    retry,
			MaximumAttempts:    int32(s.policy.MaxAttempts),
		},
	}
	_, err := s.temporal.ExecuteWorkflow(ctx, opts, jobRunWorkflow)
	return err
}

func (s *scheduler) HasPending(dbc dbctx.Context, ownerUserID uuid.UUID, entityType string, entityID uuid.UUID, jobType string) (bool, error) {
	return s.repo.HasRunnableForEntity(dbc, ownerUserID, entityType, entityID, jobType)
}
