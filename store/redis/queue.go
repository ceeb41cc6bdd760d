package redis

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/id"
)

// Push appends jobID to the tail of host's List.
func (s *Store) Push(ctx context.Context, host string, jobID id.JobID) error {
	if err := s.client.RPush(ctx, queueKey(host), jobID.String()).Err(); err != nil {
		return connErr("push", err)
	}
	return nil
}

// PushFront puts jobID back at the head of host's List.
func (s *Store) PushFront(ctx context.Context, host string, jobID id.JobID) error {
	if err := s.client.LPush(ctx, queueKey(host), jobID.String()).Err(); err != nil {
		return connErr("push front", err)
	}
	return nil
}

// Pop removes the head of host's List without blocking. Entries that are
// not job IDs are dropped.
func (s *Store) Pop(ctx context.Context, host string) (id.JobID, error) {
	for {
		v, err := s.client.LPop(ctx, queueKey(host)).Result()
		if errors.Is(err, goredis.Nil) {
			return id.Nil, sqlbatch.ErrQueueEmpty
		}
		if err != nil {
			return id.Nil, connErr("pop", err)
		}
		jobID, err := id.ParseJobID(v)
		if err != nil {
			s.logger.Warn("discarding malformed queue entry",
				slog.String("host", host),
				slog.String("value", v),
			)
			continue
		}
		return jobID, nil
	}
}

// Len returns the length of host's List.
func (s *Store) Len(ctx context.Context, host string) (int64, error) {
	n, err := s.client.LLen(ctx, queueKey(host)).Result()
	if err != nil {
		return 0, connErr("len", err)
	}
	return n, nil
}

// Hosts scans for non-empty queue Lists. Redis deletes a List when its
// last element is popped, so every key found has at least one entry.
func (s *Store) Hosts(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		hosts  []string
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, queueKey("*"), 100).Result()
		if err != nil {
			return nil, connErr("scan hosts", err)
		}
		for _, k := range keys {
			hosts = append(hosts, hostFromQueueKey(k))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	// SCAN may return a key more than once.
	slices.Sort(hosts)
	return slices.Compact(hosts), nil
}
