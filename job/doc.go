// Package job defines the batch job entity, its state machine, the store
// contract backends implement, and the Service producers and workers use.
//
// # State machine
//
//	pending  → running → done | failed | unknown | cancelled
//	pending  → cancelled
//	running  → draining → pending | done | failed | unknown | cancelled
//
// done, failed, cancelled and unknown are terminal: nothing overwrites them.
// The table in state.go is the single source of truth. Backends call [Apply]
// with the stored record immediately before writing, so a transition that
// is not in the table, or a write based on a stale read, never lands.
//
// # Queries
//
// A job carries one or more opaque SQL statements. They run in order on a
// single connection. By default the first failure fails the job and the
// remaining queries are marked skipped; set ContinueOnError to run them all.
package job
