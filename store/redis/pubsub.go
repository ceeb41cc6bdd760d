package redis

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/sqlbatch/pubsub"
)

// Publish sends a wake-up on host's channel. The payload is the host name
// so wildcard subscribers can tell channels apart without parsing.
func (s *Store) Publish(ctx context.Context, host string) error {
	if err := s.client.Publish(ctx, wakeChannel(host), host).Err(); err != nil {
		return connErr("publish", err)
	}
	return nil
}

// Subscribe listens on host's wake-up channel, or on every host's channel
// when host is pubsub.AllHosts. It returns once Redis has confirmed the
// subscription, so a publish issued after Subscribe returns is delivered.
func (s *Store) Subscribe(ctx context.Context, host string, onWake pubsub.WakeFunc) (pubsub.Subscription, error) {
	var ps *goredis.PubSub
	if host == pubsub.AllHosts {
		ps = s.client.PSubscribe(ctx, wakePattern)
	} else {
		ps = s.client.Subscribe(ctx, wakeChannel(host))
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, connErr("subscribe", err)
	}

	sub := &subscription{ps: ps, done: make(chan struct{})}
	go sub.loop(ctx, onWake, s.logger)
	return sub, nil
}

type subscription struct {
	ps   *goredis.PubSub
	once sync.Once
	done chan struct{}
	err  error
}

func (s *subscription) loop(ctx context.Context, onWake pubsub.WakeFunc, logger *slog.Logger) {
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			host := msg.Payload
			if host == "" {
				host = strings.TrimPrefix(msg.Channel, wakeChannelPrefix)
			}
			logger.Debug("wake-up received", slog.String("host", host))
			onWake(host)
		}
	}
}

// Close unsubscribes and stops delivery.
func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.ps.Close()
	})
	return s.err
}
