// Package store abstracts the shared key-value store and pub/sub broker the
// relay fleet coordinates through, including the lease-based distributed lock
// that serialises cross-instance record mutations.
package store

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable wraps connectivity or operational failures talking to
	// the shared store.
	ErrUnavailable = errors.New("shared store unavailable")
	// ErrKeyMissing reports a Get on a key that has never been written.
	ErrKeyMissing = errors.New("key missing")
)

// Message is a single payload delivered to a broker subscription.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live broker subscription bound to one channel. Messages
// closes when the subscription ends.
type Subscription interface {
	Messages() <-chan Message
	Channel() string
	Close() error
}

// Store provides get/set on named records, publish/subscribe on named
// channels, and an exclusive lease keyed by record name. Subscribe returns
// only after the broker has confirmed the subscription, so a caller that
// regains control may immediately rely on delivery.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// WithLock runs fn while holding the exclusive lease for key. The
	// lease is released on every exit path, including fn failure; a
	// crashed holder is recovered by lease expiry.
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
	Close() error
}
