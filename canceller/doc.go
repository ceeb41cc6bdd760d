// Package canceller stops jobs wherever they are in their lifecycle.
//
// A pending job is cancelled with a single status write; no database is
// contacted because nothing has run. A running job is executed by a worker
// in another process, so the canceller opens its own connection to the
// job's database and signals the recorded backend with pg_cancel_backend,
// then writes the cancelled status. Every write is version-checked: when
// the worker finishes first, the canceller re-reads the record and reports
// success because the job is terminal.
//
// Cancel is idempotent. Cancelling a job that already finished returns the
// finished record and no error.
package canceller
