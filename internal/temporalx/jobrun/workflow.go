package jobrun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	domainjobs "github.com/yungbote/threadline-backend/internal/domain/jobs"
)

// Workflow runs one attempt of the job_run named by the workflow id. A failed attempt
// fails the workflow so the workflow retry policy set at dispatch redelivers it.
func Workflow(ctx workflow.Context) error {
	jobID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if jobID == "" {
		return temporal.NewNonRetryableApplicationError("jobrun: missing job_id", "invalid_job", nil)
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Hour,
		HeartbeatTimeout:    time.Minute,
		// job retries are handled at the workflow level
		RetryPolicy: &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	var out AttemptResult
	if err := workflow.ExecuteActivity(ctx, ActivityRun, jobID).Get(ctx, &out); err != nil {
		return err
	}
	switch out.Status {
	case domainjobs.StatusSucceeded, domainjobs.StatusCanceled, "":
		return nil
	case domainjobs.StatusFailed:
		return fmt.Errorf("job failed (stage=%s attempt=%d): %s", out.Stage, out.Attempts, out.Error)
	default:
		// another claimer holds the row; let the retry policy try again later
		return fmt.Errorf("job not finished (status=%s)", out.Status)
	}
}
