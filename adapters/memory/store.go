// Package memory provides in-memory implementations of the mailbox backing
// store and SQL repositories. Intended for tests and single-process
// deployments; nothing survives a restart.
package memory

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/coregx/mailbox"
)

type valueEntry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

func (e valueEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type scoredMember struct {
	member string
	score  int64
}

// Store is an in-memory mailbox.Store.
type Store struct {
	mu      sync.RWMutex
	values  map[string]valueEntry
	sorted  map[string][]scoredMember // kept ascending by score
	sets    map[string]map[string]struct{}
	counter map[string]int64

	subMu    sync.RWMutex
	subs     map[string][]*channelSub // exact channel -> subscribers
	psubs    []*patternSub
	closed   bool
	closedCh chan struct{}
}

type patternSub struct {
	pattern string
	sub     *channelSub
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		values:   make(map[string]valueEntry),
		sorted:   make(map[string][]scoredMember),
		sets:     make(map[string]map[string]struct{}),
		counter:  make(map[string]int64),
		subs:     make(map[string][]*channelSub),
		closedCh: make(chan struct{}),
	}
}

// Get retrieves the record stored under key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.values[key]
	if !ok {
		return nil, mailbox.ErrNoData
	}
	if entry.expired(time.Now()) {
		delete(s.values, key)
		return nil, mailbox.ErrNoData
	}

	out := make([]byte, len(entry.data))
	copy(out, entry.data)
	return out, nil
}

// Set stores a record under key. A ttl of zero means no expiry.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := valueEntry{data: make([]byte, len(value))}
	copy(entry.data, value)
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.values[key] = entry
	s.mu.Unlock()
	return nil
}

// Delete removes records. Missing keys are not an error.
func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	for _, key := range keys {
		delete(s.values, key)
	}
	s.mu.Unlock()
	return nil
}

// SortedInsert adds or re-scores a member in the scored sequence.
func (s *Store) SortedInsert(_ context.Context, key, member string, score int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.sorted[key]
	for i := range seq {
		if seq[i].member == member {
			seq = append(seq[:i], seq[i+1:]...)
			break
		}
	}
	seq = append(seq, scoredMember{member: member, score: score})
	sort.SliceStable(seq, func(i, j int) bool { return seq[i].score < seq[j].score })
	s.sorted[key] = seq
	return nil
}

// SortedRange returns members with min <= score <= max in ascending order.
func (s *Store) SortedRange(_ context.Context, key string, min, max int64, offset, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []string
	for _, sm := range s.sorted[key] {
		if sm.score >= min && sm.score <= max {
			matched = append(matched, sm.member)
		}
	}

	if offset >= len(matched) {
		return []string{}, nil
	}
	matched = matched[offset:]
	if limit >= 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// SortedRemove removes members from the scored sequence.
func (s *Store) SortedRemove(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.sorted[key]
	for _, member := range members {
		for i := range seq {
			if seq[i].member == member {
				seq = append(seq[:i], seq[i+1:]...)
				break
			}
		}
	}
	if len(seq) == 0 {
		delete(s.sorted, key)
	} else {
		s.sorted[key] = seq
	}
	return nil
}

// SortedCount returns the number of members in the scored sequence.
func (s *Store) SortedCount(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.sorted[key])), nil
}

// SortedPopMin removes and returns the lowest-scored member.
func (s *Store) SortedPopMin(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.sorted[key]
	if len(seq) == 0 {
		return "", mailbox.ErrNoData
	}
	member := seq[0].member
	if len(seq) == 1 {
		delete(s.sorted, key)
	} else {
		s.sorted[key] = seq[1:]
	}
	return member, nil
}

// SetAdd adds members to the set under key.
func (s *Store) SetAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

// SetRemove removes members from the set under key.
func (s *Store) SetRemove(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.sets[key]
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

// SetMembers returns all members of the set under key.
func (s *Store) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

// SetContains reports set membership.
func (s *Store) SetContains(_ context.Context, key, member string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.sets[key][member]
	return ok, nil
}

// Incr atomically increments the counter under key.
func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter[key]++
	return s.counter[key], nil
}

// Publish sends a payload to every matching subscriber. Delivery is
// best-effort; a subscriber with a full buffer misses the message, matching
// fire-and-forget channel semantics.
func (s *Store) Publish(_ context.Context, channel string, payload []byte) error {
	msg := mailbox.ChannelMessage{Channel: channel, Payload: payload}

	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, sub := range s.subs[channel] {
		sub.send(msg)
	}
	for _, ps := range s.psubs {
		if ok, _ := path.Match(ps.pattern, channel); ok {
			ps.sub.send(msg)
		}
	}
	return nil
}

// Subscribe opens a subscription to an exact channel name.
func (s *Store) Subscribe(_ context.Context, channel string) (mailbox.ChannelSub, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return nil, mailbox.NewError(mailbox.ErrCodeStorage, "store is closed")
	}

	sub := newChannelSub(s, channel, "")
	s.subs[channel] = append(s.subs[channel], sub)
	return sub, nil
}

// PSubscribe opens a subscription to a glob pattern channel.
func (s *Store) PSubscribe(_ context.Context, pattern string) (mailbox.ChannelSub, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return nil, mailbox.NewError(mailbox.ErrCodeStorage, "store is closed")
	}

	sub := newChannelSub(s, "", pattern)
	s.psubs = append(s.psubs, &patternSub{pattern: pattern, sub: sub})
	return sub, nil
}

// Ping verifies the store is reachable.
func (s *Store) Ping(_ context.Context) error {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	if s.closed {
		return mailbox.NewError(mailbox.ErrCodeStorage, "store is closed")
	}
	return nil
}

// Close terminates every subscription and rejects further use.
func (s *Store) Close() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.closedCh)

	for _, subs := range s.subs {
		for _, sub := range subs {
			sub.closeFeed()
		}
	}
	for _, ps := range s.psubs {
		ps.sub.closeFeed()
	}
	s.subs = make(map[string][]*channelSub)
	s.psubs = nil
	return nil
}

func (s *Store) dropSub(target *channelSub) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if target.channel != "" {
		subs := s.subs[target.channel]
		for i, sub := range subs {
			if sub == target {
				s.subs[target.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(s.subs[target.channel]) == 0 {
			delete(s.subs, target.channel)
		}
		return
	}
	for i, ps := range s.psubs {
		if ps.sub == target {
			s.psubs = append(s.psubs[:i], s.psubs[i+1:]...)
			break
		}
	}
}

const subBuffer = 128

type channelSub struct {
	store   *Store
	channel string
	pattern string
	ch      chan mailbox.ChannelMessage
	once    sync.Once
}

func newChannelSub(store *Store, channel, pattern string) *channelSub {
	return &channelSub{
		store:   store,
		channel: channel,
		pattern: pattern,
		ch:      make(chan mailbox.ChannelMessage, subBuffer),
	}
}

func (c *channelSub) send(msg mailbox.ChannelMessage) {
	select {
	case c.ch <- msg:
	default:
	}
}

// Messages returns the feed.
func (c *channelSub) Messages() <-chan mailbox.ChannelMessage {
	return c.ch
}

// Close terminates the subscription.
func (c *channelSub) Close() error {
	c.store.dropSub(c)
	c.closeFeed()
	return nil
}

func (c *channelSub) closeFeed() {
	c.once.Do(func() { close(c.ch) })
}
