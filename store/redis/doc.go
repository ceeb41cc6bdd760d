// Package redis implements store.Store on Redis.
//
// Job records are Hashes (sqlbatch:job:{id}) whose query list is encoded
// with msgpack. UpdateJob is a WATCH/MULTI compare-and-set that runs
// job.Apply against the record read inside the transaction, so concurrent
// writers either serialize or see ErrStaleState. Per-host queues are Lists
// (RPUSH/LPOP) and wake-ups are plain PUBLISH messages on
// sqlbatch:wake:{host}. Terminal records expire after the configured TTL.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client, redisstore.WithJobTTL(2*time.Hour))
//	if err := s.Ping(ctx); err != nil { ... }
package redis
