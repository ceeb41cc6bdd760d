// Package ext defines the extension system for sqlbatch.
//
// Extensions are notified of job lifecycle events and can react to them,
// recording metrics or writing audit logs. Each lifecycle hook is a separate
// interface so extensions opt in only to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnJobDone(ctx context.Context, j *job.Job, elapsed time.Duration) error {
//	    log.Printf("job %s done in %s", j.ID, elapsed)
//	    return nil
//	}
//
// # Job Lifecycle Hooks
//
//   - [JobSubmitted]: job was created and enqueued on its host
//   - [JobStarted]: a worker moved the job to running
//   - [JobDone]: every query succeeded
//   - [JobFailed]: at least one query failed
//   - [JobCancelled]: the job was cancelled
//   - [JobLost]: the outcome is unknown (lost connection or dead worker)
//   - [JobRequeued]: a draining worker handed the job back to its queue
//
// # Other Hooks
//
//   - [Shutdown]: the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
