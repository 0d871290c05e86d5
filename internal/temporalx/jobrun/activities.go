package jobrun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/yungbote/threadline-backend/internal/data/repos"
	domainjobs "github.com/yungbote/threadline-backend/internal/domain/jobs"
	jobrt "github.com/yungbote/threadline-backend/internal/jobs/runtime"
	"github.com/yungbote/threadline-backend/internal/platform/dbctx"
)

const temporalHeartbeatEvery = 10 * time.Second

type Activities struct {
	Jobs     repos.JobRunRepo
	Executor *jobrt.Executor
}

// Run claims the job row and executes one attempt through the shared executor. Rows
// that are already finished are reported as they are.
func (a *Activities) Run(ctx context.Context, jobID string) (AttemptResult, error) {
	res := AttemptResult{JobID: strings.TrimSpace(jobID)}
	if a == nil || a.Jobs == nil || a.Executor == nil {
		return res, fmt.Errorf("jobrun: activity not configured")
	}
	id, err := uuid.Parse(res.JobID)
	if err != nil || id == uuid.Nil {
		return res, fmt.Errorf("jobrun: invalid job_id")
	}

	job, err := a.Jobs.ClaimByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return res, err
	}
	if job == nil {
		current, err := a.Jobs.GetByID(dbctx.Context{Ctx: ctx}, id)
		if err != nil {
			return res, err
		}
		if current != nil {
			res.Status = current.Status
			res.Stage = current.Stage
			res.Attempts = current.Attempts
			res.Error = current.Error
		}
		return res, nil
	}

	stop := startHeartbeat(ctx)
	defer stop()

	jc := a.Executor.Execute(ctx, job)
	res.Status = jc.Job.Status
	res.Stage = jc.Job.Stage
	res.Attempts = jc.Job.Attempts
	res.Error = jc.Job.Error
	if res.Status == domainjobs.StatusRunning {
		res.Error = "attempt left the job running"
	}
	return res, nil
}

func startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(temporalHeartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
