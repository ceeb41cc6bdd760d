// Package pubsub defines the wake-up channel between producers and workers.
//
// There is one channel per target host. A publish carries no payload beyond
// "something was enqueued for this host"; delivery is at-least-once at best
// and may be lost entirely, which is why workers always pair a subscription
// with a fallback poll timer.
package pubsub

import "context"

// AllHosts subscribes to the wake-up channel of every host.
const AllHosts = "*"

// Publisher announces that a host's queue changed.
type Publisher interface {
	// Publish is fire-and-forget: an error means the notification was not
	// sent, never that the enqueue failed.
	Publish(ctx context.Context, host string) error
}

// WakeFunc is invoked for every notification received. host is the host
// the notification was published for, which matters for AllHosts
// subscriptions.
type WakeFunc func(host string)

// Subscriber registers handlers on host channels.
type Subscriber interface {
	// Subscribe invokes onWake for every publish on host (or on any host
	// when host is AllHosts) until the subscription is closed or ctx ends.
	// onWake must not block.
	Subscribe(ctx context.Context, host string, onWake WakeFunc) (Subscription, error)
}

// Subscription is an active registration.
type Subscription interface {
	Close() error
}

// Notifier adapts a WakeFunc into a non-blocking signal channel with a
// buffer of one: repeated wake-ups coalesce while the consumer is busy.
type Notifier struct {
	ch chan struct{}
}

// NewNotifier returns a ready Notifier.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Wake records a wake-up without blocking.
func (n *Notifier) Wake(string) {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// C returns the channel a consumer selects on.
func (n *Notifier) C() <-chan struct{} { return n.ch }
