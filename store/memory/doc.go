// Package memory is an in-process implementation of store.Store.
//
// Job records, per-host lists and wake-up channels live in maps guarded by
// a mutex; UpdateJob runs job.Apply under that mutex, which gives it the
// same compare-and-set semantics as the Redis backend. Wake-ups are
// delivered synchronously on the publishing goroutine.
package memory
