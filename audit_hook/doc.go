// Package audithook is an extension that turns job lifecycle events into
// audit records.
//
// Every hook builds an [AuditEvent] and hands it to a [Recorder]. Submission
// and completion are info, requeues and cancellations are warnings, failed
// and lost jobs are critical. The events never carry database credentials.
//
// # Logging recorder
//
//	eng, err := engine.New(cfg,
//	    engine.WithRedis(rdb),
//	    engine.WithExtension(audithook.New(audithook.LogRecorder(logger))),
//	)
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionJobCancelled,
//	        audithook.ActionJobLost,
//	    ),
//	)
package audithook
