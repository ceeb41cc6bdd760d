// Package worker runs queued jobs against their target databases.
//
// An [Executor] runs one job: it acquires a session from a [Connector],
// moves the job to running with the session's backend PID, executes each
// query in order and records per-query progress through job.Store.UpdateJob.
// A [Runner] owns one dequeue loop per host, woken by pub/sub notifications
// with a polling fallback, and keeps heartbeats flowing for the jobs it
// runs. A [Reaper] moves running jobs whose worker stopped heartbeating to
// unknown.
//
// Every write a worker makes is a compare-and-set against the stored
// version. When a write loses (a canceller or reaper got there first) the
// worker re-reads the record and stops as soon as it sees a terminal status.
package worker
