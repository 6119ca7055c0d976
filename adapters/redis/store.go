// Package redis implements the mailbox backing store on Redis using
// go-redis. Scored sequences map to sorted sets, channels to Redis pub/sub,
// and record expiry to key TTLs.
package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coregx/mailbox"
)

// Store is a Redis-backed mailbox.Store.
type Store struct {
	client redis.UniversalClient
}

// NewStore wraps an existing Redis client. The caller owns the client's
// lifecycle when using this constructor; Close only releases subscriptions
// opened through the store.
func NewStore(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// NewStoreFromURL connects to Redis using a redis:// URL.
func NewStoreFromURL(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, mailbox.NewErrorWithCause(mailbox.ErrCodeConfiguration, "invalid redis url", err)
	}
	return &Store{client: redis.NewClient(opts)}, nil
}

func wrap(msg string, err error) error {
	return mailbox.NewErrorWithCause(mailbox.ErrCodeStorage, msg, err)
}

// Get retrieves the record stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, mailbox.ErrNoData
	}
	if err != nil {
		return nil, wrap("redis get failed", err)
	}
	return data, nil
}

// Set stores a record under key. A ttl of zero means no expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrap("redis set failed", err)
	}
	return nil
}

// Delete removes records. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return wrap("redis del failed", err)
	}
	return nil
}

// SortedInsert adds or re-scores a member in the sorted set.
func (s *Store) SortedInsert(ctx context.Context, key, member string, score int64) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: member}).Err(); err != nil {
		return wrap("redis zadd failed", err)
	}
	return nil
}

// SortedRange returns members with min <= score <= max ascending.
func (s *Store) SortedRange(ctx context.Context, key string, min, max int64, offset, limit int) ([]string, error) {
	by := &redis.ZRangeBy{
		Min: strconv.FormatInt(min, 10),
		Max: strconv.FormatInt(max, 10),
	}
	if offset > 0 || limit >= 0 {
		by.Offset = int64(offset)
		by.Count = int64(limit)
		if limit < 0 {
			by.Count = -1
		}
	}

	members, err := s.client.ZRangeByScore(ctx, key, by).Result()
	if err != nil {
		return nil, wrap("redis zrangebyscore failed", err)
	}
	return members, nil
}

// SortedRemove removes members from the sorted set.
func (s *Store) SortedRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.ZRem(ctx, key, args...).Err(); err != nil {
		return wrap("redis zrem failed", err)
	}
	return nil
}

// SortedCount returns the sorted set cardinality.
func (s *Store) SortedCount(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, wrap("redis zcard failed", err)
	}
	return n, nil
}

// SortedPopMin removes and returns the lowest-scored member.
func (s *Store) SortedPopMin(ctx context.Context, key string) (string, error) {
	popped, err := s.client.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", wrap("redis zpopmin failed", err)
	}
	if len(popped) == 0 {
		return "", mailbox.ErrNoData
	}
	member, _ := popped[0].Member.(string)
	return member, nil
}

// SetAdd adds members to the set.
func (s *Store) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return wrap("redis sadd failed", err)
	}
	return nil
}

// SetRemove removes members from the set.
func (s *Store) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return wrap("redis srem failed", err)
	}
	return nil
}

// SetMembers returns all members of the set.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrap("redis smembers failed", err)
	}
	return members, nil
}

// SetContains reports set membership.
func (s *Store) SetContains(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, wrap("redis sismember failed", err)
	}
	return ok, nil
}

// Incr atomically increments the counter under key.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrap("redis incr failed", err)
	}
	return n, nil
}

// Publish sends a payload to every subscriber of the named channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return wrap("redis publish failed", err)
	}
	return nil
}

// Subscribe opens a subscription to an exact channel name.
func (s *Store) Subscribe(ctx context.Context, channel string) (mailbox.ChannelSub, error) {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrap("redis subscribe failed", err)
	}
	return newChannelSub(ps), nil
}

// PSubscribe opens a subscription to a glob pattern channel.
func (s *Store) PSubscribe(ctx context.Context, pattern string) (mailbox.ChannelSub, error) {
	ps := s.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrap("redis psubscribe failed", err)
	}
	return newChannelSub(ps), nil
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrap("redis ping failed", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

type channelSub struct {
	ps  *redis.PubSub
	out chan mailbox.ChannelMessage
}

func newChannelSub(ps *redis.PubSub) *channelSub {
	sub := &channelSub{
		ps:  ps,
		out: make(chan mailbox.ChannelMessage, 128),
	}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			sub.out <- mailbox.ChannelMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()
	return sub
}

// Messages returns the feed.
func (c *channelSub) Messages() <-chan mailbox.ChannelMessage {
	return c.out
}

// Close terminates the subscription.
func (c *channelSub) Close() error {
	return c.ps.Close()
}
