package jobrun

const (
	WorkflowName = "job_run"
	ActivityRun  = "job_run_attempt"
)

// AttemptResult is what one activity attempt left in the job_run row.
type AttemptResult struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Stage    string `json:"stage,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}
