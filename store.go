package mailbox

import (
	"context"
	"time"
)

// Store is the narrow interface the routing core consumes from the backing
// store. The store provides keyed records, scored sequences, sets, counters,
// key expiry, and publish/subscribe on named and pattern channels. The core
// never reimplements these primitives; adapters live under adapters/.
//
// All methods must be safe for concurrent use. Lookups that find nothing
// return ErrNoData; infrastructure failures map to ErrCodeStorage so the
// caller can distinguish "absent" from "unreachable".
type Store interface {
	// Get retrieves the record stored under key.
	// Returns ErrNoData if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a record under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the record under key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, keys ...string) error

	// SortedInsert adds a member to the scored sequence under key, or
	// re-scores it if already present.
	SortedInsert(ctx context.Context, key, member string, score int64) error

	// SortedRange returns members with min <= score <= max in ascending
	// score order, applying offset/limit. A negative limit returns all.
	SortedRange(ctx context.Context, key string, min, max int64, offset, limit int) ([]string, error)

	// SortedRemove removes members from the scored sequence.
	SortedRemove(ctx context.Context, key string, members ...string) error

	// SortedCount returns the number of members in the scored sequence.
	SortedCount(ctx context.Context, key string) (int64, error)

	// SortedPopMin removes and returns the lowest-scored member.
	// Returns ErrNoData when the sequence is empty.
	SortedPopMin(ctx context.Context, key string) (string, error)

	// SetAdd adds members to the set under key.
	SetAdd(ctx context.Context, key string, members ...string) error

	// SetRemove removes members from the set under key.
	SetRemove(ctx context.Context, key string, members ...string) error

	// SetMembers returns all members of the set under key. An absent set
	// yields an empty slice, not ErrNoData.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// SetContains reports set membership.
	SetContains(ctx context.Context, key, member string) (bool, error)

	// Incr atomically increments the counter under key and returns the
	// new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Publish sends a payload to every subscriber of the named channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription to an exact channel name.
	Subscribe(ctx context.Context, channel string) (ChannelSub, error)

	// PSubscribe opens a subscription to a glob pattern channel. Pattern
	// channels are a coarse pre-filter; precise target matching stays in
	// the delivery layer.
	PSubscribe(ctx context.Context, pattern string) (ChannelSub, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the adapter's resources.
	Close() error
}

// ChannelMessage is one message received from a store channel.
type ChannelMessage struct {
	Channel string
	Payload []byte
}

// ChannelSub is an open channel subscription. Closing it stops the message
// feed and releases the underlying store resources.
type ChannelSub interface {
	// Messages returns the feed. The channel is closed after Close or
	// when the store connection is lost.
	Messages() <-chan ChannelMessage

	// Close terminates the subscription.
	Close() error
}
