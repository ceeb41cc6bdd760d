// Package pg is the database protocol boundary of the scheduler.
//
// It owns one pgx pool per tenant database and hands out [Session]s: a
// pooled connection together with the backend PID the server assigned to
// it. Sessions run job queries with a bounded result capture, drive the
// COPY sub-protocol in both directions, and can interrupt themselves
// through a protocol cancel request sent on a side connection.
//
// [Admin] covers the out-of-band operations a canceller in another process
// needs: pg_cancel_backend against a recorded PID and a pg_stat_activity
// lookup by query tag when no PID was recorded. Both open a fresh,
// independent connection per call.
package pg
