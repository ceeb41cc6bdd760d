// Package engine assembles the scheduler from a Config and a shared store.
//
// The engine package sits above every subsystem package (job, queue,
// worker, canceller, streamcopy) and below the application layer, so the
// subsystems never import each other through it.
//
// # Building an Engine
//
//	eng, err := engine.New(sqlbatch.DefaultConfig(),
//	    engine.WithRedis(rdb),
//	    engine.WithLogger(logger),
//	    engine.WithHostLimits(queue.HostLimit{Host: "db-1", MaxConcurrency: 4}),
//	)
//
// # Submitting and cancelling
//
//	j, err := eng.Submit(ctx, job.Spec{Host: "db-1", DB: params, Queries: []string{"SELECT 14 AS foo"}})
//	j, err = eng.Cancel(ctx, j.ID)
//
// A process that only submits never calls Start. Worker processes call
// Start to run the per-host loops and the reaper, and Stop to hand jobs in
// flight back to their queues.
//
// # Options
//
//   - [WithStore], [WithRedis]: the shared store
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add query middleware
//   - [WithHostLimits]: per-host concurrency and dequeue rate
//   - [WithPools], [WithConnector], [WithCopyConnector], [WithAdmin]: tenant database access
//   - [WithTracerProvider], [WithMeterProvider]: OpenTelemetry providers
package engine
