// Package sqlbatch runs SQL statements as asynchronous batch jobs against
// per-tenant PostgreSQL databases, independently of the request that
// submitted them.
//
// A job is created in the pending state, its identifier is appended to a
// per-host queue in a shared key-value store, and a wake-up is published on
// the host's channel. Worker processes subscribe to those channels (with a
// fallback poll timer), pop identifiers, claim the job with a
// transition-checked update and run its queries one after another.
//
// # Quick Start
//
//	eng, err := engine.New(cfg,
//	    engine.WithRedis(rdb),
//	    engine.WithLogger(logger),
//	)
//	j, err := eng.Submit(ctx, job.Spec{
//	    Queries: []string{"SELECT 14 AS foo"},
//	    Host:    "db-1",
//	    DB:      params,
//	})
//
// # Architecture
//
// Every subsystem (job, queue, pubsub) defines its own store contract. The
// Redis backend under store/redis implements all of them; store/memory is a
// single-process stand-in for tests. There is no authoritative in-memory
// copy of a job: every status write goes through job.Store.Update, which
// re-validates the transition against the stored record before writing.
//
// The canceller and the streamcopy bridge talk to tenant databases through
// the pg package, which owns the pgx pools, backend PIDs and the COPY and
// cancel-request primitives.
package sqlbatch
