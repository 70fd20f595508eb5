package store

import (
	"context"
	"time"
)

// Handler receives a published message on a subscribed channel.
type Handler func(channel string, msg []byte)

// Subscription is a live channel subscription. Cancel stops delivery; it
// is safe to call more than once.
type Subscription interface {
	Cancel()
}

// Store is the Coordination Store Adapter described in spec.md §4.7: the
// registry, heartbeat, leader-lease, pub/sub, retry-queue, and counter
// primitives every higher-level component is built from. All values are
// opaque byte strings; callers own JSON encoding/decoding.
//
// Any correct backing store satisfies this interface — the fleet does
// not depend on a particular vendor's semantics beyond what is listed
// here.
type Store interface {
	// HashSet/HashGet/HashDel/HashGetAll implement the registry: a
	// durable map of field -> value grouped under a hash key.
	HashSet(ctx context.Context, hash, field string, val []byte) error
	HashGet(ctx context.Context, hash, field string) ([]byte, bool, error)
	HashDel(ctx context.Context, hash, field string) error
	HashGetAll(ctx context.Context, hash string) (map[string][]byte, error)

	// SetEx/Get/Del implement TTL-bearing heartbeat keys.
	SetEx(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Del(ctx context.Context, key string) error

	// SetIfAbsent/Extend implement the leader lease: acquire only if no
	// live value exists, and refresh the TTL of one already held.
	SetIfAbsent(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Publish/Subscribe implement work and control messaging.
	Publish(ctx context.Context, channel string, msg []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)

	// ListPush/ListDrain implement the shared retry queue: producers
	// push, and whichever keeper owns a market drains the queue
	// looking for records addressed to it (spec.md §9's open question
	// on retry-queue consumers: draining is a first-class background
	// task, not implicit).
	ListPush(ctx context.Context, queue string, msg []byte) error
	ListDrain(ctx context.Context, queue string) ([][]byte, error)

	// IncrementBy implements counters (e.g. per-endpoint usage,
	// per-keeper error counts).
	IncrementBy(ctx context.Context, hash, field string, delta int64) (int64, error)
}
