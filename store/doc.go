// Package store defines the aggregate shared-store interface.
//
// Job records, the per-host queues and the wake-up channels all live in one
// shared store so that producers, workers and cancellers on different
// processes observe the same state:
//
//	type Store interface {
//	    job.Store
//	    queue.ListStore
//	    pubsub.Publisher
//	    pubsub.Subscriber
//
//	    Ping(ctx context.Context) error
//	    Close() error
//	}
//
// # Available Backends
//
//   - store/memory: in-process store for development and testing
//   - store/redis: Redis backend (hashes, lists, pub/sub)
//
// # Usage
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client, redisstore.WithJobTTL(2*time.Hour))
//	if err := s.Ping(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	eng, err := engine.New(sqlbatch.DefaultConfig(), engine.WithStore(s))
package store
