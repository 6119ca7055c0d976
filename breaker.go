package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker wrapped around a Store.
type BreakerConfig struct {
	Name             string        // Breaker name for logs
	FailureThreshold uint32        // Consecutive failures before the circuit opens
	ResetTimeout     time.Duration // How long the circuit stays open
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "backing-store",
		FailureThreshold: 5,
		ResetTimeout:     10 * time.Second,
	}
}

// BreakerStore decorates a Store with a circuit breaker. When the store
// fails repeatedly the circuit opens and calls fail fast with
// ErrStoreUnavailable until the reset timeout elapses, so request handlers
// and background loops back off instead of piling onto a dead store.
//
// ErrNoData results are not failures; only infrastructure errors trip the
// breaker.
type BreakerStore struct {
	store   Store
	breaker *gobreaker.CircuitBreaker
	logger  Logger
}

// NewBreakerStore wraps a Store with a circuit breaker.
func NewBreakerStore(store Store, cfg BreakerConfig, logger Logger) *BreakerStore {
	if logger == nil {
		logger = &NoopLogger{}
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = DefaultBreakerConfig().FailureThreshold
	}
	resetTimeout := cfg.ResetTimeout
	if resetTimeout == 0 {
		resetTimeout = DefaultBreakerConfig().ResetTimeout
	}

	bs := &BreakerStore{store: store, logger: logger}
	bs.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("backing store circuit breaker %s: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Absence of data is a valid answer, not a store failure.
			return err == nil || IsNoData(err)
		},
	})
	return bs
}

// execute runs fn through the breaker, mapping an open circuit to
// ErrStoreUnavailable.
func (s *BreakerStore) execute(fn func() (interface{}, error)) (interface{}, error) {
	v, err := s.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, NewErrorWithCause(ErrCodeStorage, "backing store circuit open", err)
	}
	return v, err
}

// Get implements Store.
func (s *BreakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.execute(func() (interface{}, error) { return s.store.Get(ctx, key) })
	if err != nil {
		return nil, err
	}
	b, _ := v.([]byte)
	return b, nil
}

// Set implements Store.
func (s *BreakerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.execute(func() (interface{}, error) { return nil, s.store.Set(ctx, key, value, ttl) })
	return err
}

// Delete implements Store.
func (s *BreakerStore) Delete(ctx context.Context, keys ...string) error {
	_, err := s.execute(func() (interface{}, error) { return nil, s.store.Delete(ctx, keys...) })
	return err
}

// SortedInsert implements Store.
func (s *BreakerStore) SortedInsert(ctx context.Context, key, member string, score int64) error {
	_, err := s.execute(func() (interface{}, error) { return nil, s.store.SortedInsert(ctx, key, member, score) })
	return err
}

// SortedRange implements Store.
func (s *BreakerStore) SortedRange(ctx context.Context, key string, min, max int64, offset, limit int) ([]string, error) {
	v, err := s.execute(func() (interface{}, error) { return s.store.SortedRange(ctx, key, min, max, offset, limit) })
	if err != nil {
		return nil, err
	}
	members, _ := v.([]string)
	return members, nil
}

// SortedRemove implements Store.
func (s *BreakerStore) SortedRemove(ctx context.Context, key string, members ...string) error {
	_, err := s.execute(func() (interface{}, error) { return nil, s.store.SortedRemove(ctx, key, members...) })
	return err
}

// SortedCount implements Store.
func (s *BreakerStore) SortedCount(ctx context.Context, key string) (int64, error) {
	v, err := s.execute(func() (interface{}, error) { return s.store.SortedCount(ctx, key) })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// SortedPopMin implements Store.
func (s *BreakerStore) SortedPopMin(ctx context.Context, key string) (string, error) {
	v, err := s.execute(func() (interface{}, error) { return s.store.SortedPopMin(ctx, key) })
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// SetAdd implements Store.
func (s *BreakerStore) SetAdd(ctx context.Context, key string, members ...string) error {
	_, err := s.execute(func() (interface{}, error) { return nil, s.store.SetAdd(ctx, key, members...) })
	return err
}

// SetRemove implements Store.
func (s *BreakerStore) SetRemove(ctx context.Context, key string, members ...string) error {
	_, err := s.execute(func() (interface{}, error) { return nil, s.store.SetRemove(ctx, key, members...) })
	return err
}

// SetMembers implements Store.
func (s *BreakerStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.execute(func() (interface{}, error) { return s.store.SetMembers(ctx, key) })
	if err != nil {
		return nil, err
	}
	members, _ := v.([]string)
	return members, nil
}

// SetContains implements Store.
func (s *BreakerStore) SetContains(ctx context.Context, key, member string) (bool, error) {
	v, err := s.execute(func() (interface{}, error) { return s.store.SetContains(ctx, key, member) })
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Incr implements Store.
func (s *BreakerStore) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.execute(func() (interface{}, error) { return s.store.Incr(ctx, key) })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Publish implements Store.
func (s *BreakerStore) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := s.execute(func() (interface{}, error) { return nil, s.store.Publish(ctx, channel, payload) })
	return err
}

// Subscribe implements Store. Channel subscriptions are long-lived and
// bypass the breaker.
func (s *BreakerStore) Subscribe(ctx context.Context, channel string) (ChannelSub, error) {
	return s.store.Subscribe(ctx, channel)
}

// PSubscribe implements Store.
func (s *BreakerStore) PSubscribe(ctx context.Context, pattern string) (ChannelSub, error) {
	return s.store.PSubscribe(ctx, pattern)
}

// Ping implements Store.
func (s *BreakerStore) Ping(ctx context.Context) error {
	_, err := s.execute(func() (interface{}, error) { return nil, s.store.Ping(ctx) })
	return err
}

// Close implements Store.
func (s *BreakerStore) Close() error {
	return s.store.Close()
}

// State exposes the breaker state for health reporting.
func (s *BreakerStore) State() gobreaker.State {
	return s.breaker.State()
}
