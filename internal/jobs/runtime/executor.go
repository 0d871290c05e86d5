package runtime

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/threadline-backend/internal/data/repos"
	types "github.com/yungbote/threadline-backend/internal/domain"
	domainjobs "github.com/yungbote/threadline-backend/internal/domain/jobs"
	"github.com/yungbote/threadline-backend/internal/observability"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

// Executor runs one claimed attempt. The polling worker and the Temporal activity share it.
type Executor struct {
	DB       *gorm.DB
	Repo     repos.JobRunRepo
	Registry *Registry
	Log      *logger.Logger
	Policy   Policy
}

// Execute runs the handler for job and always leaves the row in a non-running status,
// unless the handler panicked after the process lost its database.
func (e *Executor) Execute(ctx context.Context, job *types.JobRun) *Context {
	jc := NewContext(ctx, e.DB, job, e.Repo, e.Log, e.Policy)
	started := time.Now()
	defer func() {
		observability.Current().ObserveJob(job.JobType, job.Status, time.Since(started))
	}()
	h, ok := e.Registry.Get(job.JobType)
	if !ok {
		jc.Fail("dispatch", &MissingHandlerError{JobType: job.JobType})
		return jc
	}

	returnedNil := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				jc.Log.Error("job handler panic", "panic", r)
				jc.Fail("panic", &PanicError{Val: r})
			}
		}()
		if err := h.Run(jc); err != nil {
			if !jc.Done() {
				jc.Fail("run", err)
			}
			return
		}
		returnedNil = true
	}()

	if returnedNil && job.Status == domainjobs.StatusRunning {
		stage := job.Stage
		if stage == "" || stage == domainjobs.StatusQueued || stage == domainjobs.StatusRunning {
			stage = "done"
		}
		jc.Succeed(stage, nil)
	}
	return jc
}

type MissingHandlerError struct{ JobType string }

func (e *MissingHandlerError) Error() string {
	return "no handler registered for job_type=" + e.JobType
}

type PanicError struct{ Val any }

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
