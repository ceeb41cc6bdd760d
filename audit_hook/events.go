package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobSubmitted = "job.submitted"
	ActionJobStarted   = "job.started"
	ActionJobDone      = "job.done"
	ActionJobFailed    = "job.failed"
	ActionJobCancelled = "job.cancelled"
	ActionJobLost      = "job.lost"
	ActionJobRequeued  = "job.requeued"
)

// CategoryJob groups every action this extension emits.
const CategoryJob = "sqlbatch.job"

// ResourceJob is the Resource field of every event.
const ResourceJob = "sql_job"

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobSubmitted,
		ActionJobStarted,
		ActionJobDone,
		ActionJobFailed,
		ActionJobCancelled,
		ActionJobLost,
		ActionJobRequeued,
	}
}
