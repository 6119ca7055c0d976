package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coregx/mailbox/model"
)

// Offline queue defaults.
const (
	DefaultOfflineTTL          = 7 * 24 * time.Hour
	DefaultReadStatusRetention = 30 * 24 * time.Hour
	DefaultOfflineCleanup      = 5 * time.Minute
)

// MessageLoader resolves message ids to full records. Implemented by
// MailboxStore; offline queues hold ids, never payload copies.
type MessageLoader interface {
	GetMessage(ctx context.Context, id string) (model.Message, error)
}

// queueEntry is the per-queued-message record. Its store TTL enforces the
// queue retention window.
type queueEntry struct {
	MessageID  string    `json:"messageId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// OfflineHandler queues messages for unreachable participants and tracks
// per-participant read status. Queues hold message ids; the message records
// themselves stay in their mailbox.
//
// Two kinds of queue exist: per-participant queues for subscribers that were
// disconnected at delivery time, and per-mailbox queues for messages routed
// to a mailbox nobody subscribed to yet. Reconnect replay drains both.
type OfflineHandler struct {
	store  Store
	loader MessageLoader
	logger Logger

	queueTTL        time.Duration
	readRetention   time.Duration
	cleanupInterval time.Duration
	maxQueueSize    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// OfflineHandlerOption configures an OfflineHandler.
type OfflineHandlerOption func(*OfflineHandler) error

// NewOfflineHandler creates a new OfflineHandler with the provided options.
//
// Required options:
//   - WithOfflineStore: backing store instance
//   - WithOfflineLoader: message loader
//   - WithOfflineLogger: logger instance
func NewOfflineHandler(opts ...OfflineHandlerOption) (*OfflineHandler, error) {
	h := &OfflineHandler{
		queueTTL:        DefaultOfflineTTL,
		readRetention:   DefaultReadStatusRetention,
		cleanupInterval: DefaultOfflineCleanup,
		maxQueueSize:    model.DefaultOfflineQueueSize,
		stopCh:          make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply offline handler option", err)
		}
	}

	if h.store == nil {
		return nil, NewError(ErrCodeConfiguration, "Store is required (use WithOfflineStore)")
	}
	if h.loader == nil {
		return nil, NewError(ErrCodeConfiguration, "MessageLoader is required (use WithOfflineLoader)")
	}
	if h.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithOfflineLogger)")
	}

	return h, nil
}

// WithOfflineStore sets the backing store.
func WithOfflineStore(store Store) OfflineHandlerOption {
	return func(h *OfflineHandler) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		h.store = store
		return nil
	}
}

// WithOfflineLoader sets the message loader.
func WithOfflineLoader(loader MessageLoader) OfflineHandlerOption {
	return func(h *OfflineHandler) error {
		if loader == nil {
			return fmt.Errorf("loader cannot be nil")
		}
		h.loader = loader
		return nil
	}
}

// WithOfflineLogger sets the logger instance.
func WithOfflineLogger(logger Logger) OfflineHandlerOption {
	return func(h *OfflineHandler) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		h.logger = logger
		return nil
	}
}

// WithOfflineQueueTTL overrides the queue entry retention window.
func WithOfflineQueueTTL(ttl time.Duration) OfflineHandlerOption {
	return func(h *OfflineHandler) error {
		if ttl <= 0 {
			return fmt.Errorf("ttl must be positive")
		}
		h.queueTTL = ttl
		return nil
	}
}

// WithOfflineMaxQueueSize overrides the default per-queue ceiling.
func WithOfflineMaxQueueSize(size int) OfflineHandlerOption {
	return func(h *OfflineHandler) error {
		if size < 1 {
			return fmt.Errorf("size must be at least 1")
		}
		h.maxQueueSize = size
		return nil
	}
}

// Enqueue queues a message for a disconnected participant. maxQueue of zero
// uses the handler default; at the ceiling entries the participant already
// read are evicted first, then the oldest unread.
func (h *OfflineHandler) Enqueue(ctx context.Context, participant string, msg model.Message, maxQueue int) error {
	return h.enqueue(ctx, keyOfflineSeq+participant, participant, msg, maxQueue)
}

// EnqueueMailbox queues a message under a mailbox that currently has no
// reachable subscribers. A later subscriber to that mailbox drains it on
// replay.
func (h *OfflineHandler) EnqueueMailbox(ctx context.Context, mailbox string, msg model.Message, maxQueue int) error {
	return h.enqueue(ctx, keyOfflineMailbox+mailbox, "", msg, maxQueue)
}

func (h *OfflineHandler) enqueue(ctx context.Context, queueKey, participant string, msg model.Message, maxQueue int) error {
	if maxQueue <= 0 {
		maxQueue = h.maxQueueSize
	}

	now := time.Now().UTC()
	ttl := h.queueTTL
	if expiresAt, ok := msg.ExpiresAt(); ok && expiresAt.Before(now.Add(ttl)) {
		ttl = expiresAt.Sub(now)
		if ttl <= 0 {
			return NewError(ErrCodeExpired, fmt.Sprintf("message already expired: %s", msg.ID))
		}
	}

	entry := queueEntry{MessageID: msg.ID, EnqueuedAt: now, ExpiresAt: now.Add(ttl)}
	raw, err := json.Marshal(entry)
	if err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to encode queue entry", err)
	}
	if err := h.store.Set(ctx, keyOfflineEntry+queueKey+":"+msg.ID, raw, ttl); err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to persist queue entry", err)
	}
	if err := h.store.SortedInsert(ctx, queueKey, msg.ID, msg.CreatedAt.UnixNano()); err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to index queue entry", err)
	}
	if err := h.store.SetAdd(ctx, keyOfflineAll, queueKey); err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to register queue", err)
	}

	count, err := h.store.SortedCount(ctx, queueKey)
	if err != nil && !IsNoData(err) {
		return NewErrorWithCause(ErrCodeStorage, "failed to count queue", err)
	}
	for count > int64(maxQueue) {
		id, err := h.evictionVictim(ctx, queueKey, participant)
		if err != nil {
			return err
		}
		if id == "" {
			break
		}
		if err := h.removeEntry(ctx, queueKey, id); err != nil {
			return err
		}
		count--
		h.logger.Warnf("Offline queue overflow: queue=%s, evicted=%s, maxQueue=%d", queueKey, id, maxQueue)
	}

	return nil
}

// evictionVictim picks the queue entry to drop on overflow. For participant
// queues the oldest already-read entry goes first; unread entries are only
// dropped when nothing read remains. Mailbox queues have no single reader, so
// the oldest entry goes.
func (h *OfflineHandler) evictionVictim(ctx context.Context, queueKey, participant string) (string, error) {
	ids, err := h.store.SortedRange(ctx, queueKey, 0, time.Now().UnixNano(), 0, -1)
	if err != nil {
		if IsNoData(err) {
			return "", nil
		}
		return "", NewErrorWithCause(ErrCodeStorage, "failed to range queue", err)
	}
	if len(ids) == 0 {
		return "", nil
	}

	if participant != "" {
		for _, id := range ids {
			msg, err := h.loader.GetMessage(ctx, id)
			if err != nil {
				if IsNoData(err) {
					return id, nil
				}
				return "", err
			}
			read, err := h.IsRead(ctx, participant, msg.Target, id)
			if err != nil {
				return "", err
			}
			if read {
				return id, nil
			}
		}
	}
	return ids[0], nil
}

// pending returns the live queue entries in creation order, pruning entries
// whose record expired.
func (h *OfflineHandler) pending(ctx context.Context, queueKey string) ([]model.Message, error) {
	ids, err := h.store.SortedRange(ctx, queueKey, 0, time.Now().UnixNano(), 0, -1)
	if err != nil {
		if IsNoData(err) {
			return nil, nil
		}
		return nil, NewErrorWithCause(ErrCodeStorage, "failed to range queue", err)
	}

	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		if _, err := h.store.Get(ctx, keyOfflineEntry+queueKey+":"+id); err != nil {
			if IsNoData(err) {
				_ = h.store.SortedRemove(ctx, queueKey, id)
				continue
			}
			return nil, NewErrorWithCause(ErrCodeStorage, "failed to load queue entry", err)
		}

		msg, err := h.loader.GetMessage(ctx, id)
		if err != nil {
			if IsNoData(err) {
				_ = h.store.SortedRemove(ctx, queueKey, id)
				_ = h.store.Delete(ctx, keyOfflineEntry+queueKey+":"+id)
				continue
			}
			return nil, err
		}
		if msg.IsExpired(time.Now()) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Peek returns queued messages for a participant without consuming them.
func (h *OfflineHandler) Peek(ctx context.Context, participant string, filter model.MessageFilter, page model.Page) (model.MessageList, error) {
	msgs, err := h.pending(ctx, keyOfflineSeq+participant)
	if err != nil {
		return model.MessageList{}, err
	}
	return h.paginate(ctx, participant, msgs, filter, page), nil
}

// Dequeue returns queued messages for a participant and removes the returned
// entries from the queue.
func (h *OfflineHandler) Dequeue(ctx context.Context, participant string, filter model.MessageFilter, page model.Page) (model.MessageList, error) {
	list, err := h.Peek(ctx, participant, filter, page)
	if err != nil {
		return model.MessageList{}, err
	}
	for _, msg := range list.Messages {
		if err := h.MarkDelivered(ctx, participant, msg.ID); err != nil {
			return model.MessageList{}, err
		}
	}
	return list, nil
}

func (h *OfflineHandler) paginate(ctx context.Context, participant string, msgs []model.Message, filter model.MessageFilter, page model.Page) model.MessageList {
	page = page.Normalize()

	matched := make([]model.Message, 0, len(msgs))
	for _, msg := range msgs {
		if !filter.Matches(msg) {
			continue
		}
		if filter.UnreadOnly || filter.ReadOnly {
			read, err := h.IsRead(ctx, participant, msg.Target, msg.ID)
			if err != nil {
				h.logger.Errorf("Read-status lookup failed: participant=%s, messageId=%s: %v", participant, msg.ID, err)
				continue
			}
			if (filter.UnreadOnly && read) || (filter.ReadOnly && !read) {
				continue
			}
		}
		matched = append(matched, msg)
	}

	list := model.MessageList{Total: len(msgs), Filtered: len(matched)}
	if page.Offset < len(matched) {
		end := page.Offset + page.Limit
		if end > len(matched) {
			end = len(matched)
		}
		list.Messages = matched[page.Offset:end]
		list.HasMore = end < len(matched)
	} else {
		list.Messages = []model.Message{}
	}
	return list
}

// MarkDelivered removes a message from a participant's queue. Read status is
// untouched; delivered and read are independent facts.
func (h *OfflineHandler) MarkDelivered(ctx context.Context, participant, messageID string) error {
	return h.removeEntry(ctx, keyOfflineSeq+participant, messageID)
}

func (h *OfflineHandler) removeEntry(ctx context.Context, queueKey, messageID string) error {
	if err := h.store.SortedRemove(ctx, queueKey, messageID); err != nil && !IsNoData(err) {
		return NewErrorWithCause(ErrCodeStorage, "failed to remove queue entry", err)
	}
	if err := h.store.Delete(ctx, keyOfflineEntry+queueKey+":"+messageID); err != nil && !IsNoData(err) {
		return NewErrorWithCause(ErrCodeStorage, "failed to delete queue entry record", err)
	}
	return nil
}

// MarkRead records that a participant read a message in a mailbox.
// Idempotent; repeat calls do not change state or advance the last-read time.
func (h *OfflineHandler) MarkRead(ctx context.Context, participant, mailbox, messageID string) error {
	read, err := h.IsRead(ctx, participant, mailbox, messageID)
	if err != nil {
		return err
	}
	if read {
		return nil
	}

	now := time.Now().UTC()

	if err := h.store.SetAdd(ctx, keyReadSet+participant+":"+mailbox, messageID); err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to record read status", err)
	}
	if err := h.store.SortedInsert(ctx, keyReadIndex+participant, mailbox+"|"+messageID, now.UnixNano()); err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to index read status", err)
	}
	if err := h.store.Set(ctx, keyReadLast+participant, []byte(strconv.FormatInt(now.UnixNano(), 10)), 0); err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to record last-read time", err)
	}
	return nil
}

// IsRead reports whether a participant has read a message.
func (h *OfflineHandler) IsRead(ctx context.Context, participant, mailbox, messageID string) (bool, error) {
	read, err := h.store.SetContains(ctx, keyReadSet+participant+":"+mailbox, messageID)
	if err != nil {
		if IsNoData(err) {
			return false, nil
		}
		return false, NewErrorWithCause(ErrCodeStorage, "failed to check read status", err)
	}
	return read, nil
}

// UnreadCount counts messages across the given mailboxes that the
// participant has not read. Expired messages are excluded.
func (h *OfflineHandler) UnreadCount(ctx context.Context, participant string, mailboxes []string) (int, error) {
	count := 0
	for _, mb := range mailboxes {
		ids, err := h.store.SortedRange(ctx, keyMailboxSeq+mb, 0, time.Now().UnixNano(), 0, -1)
		if err != nil {
			if IsNoData(err) {
				continue
			}
			return 0, NewErrorWithCause(ErrCodeStorage, "failed to range mailbox", err)
		}
		for _, id := range ids {
			msg, err := h.loader.GetMessage(ctx, id)
			if err != nil {
				if IsNoData(err) {
					continue
				}
				return 0, err
			}
			if msg.IsExpired(time.Now()) {
				continue
			}
			read, err := h.IsRead(ctx, participant, mb, id)
			if err != nil {
				return 0, err
			}
			if !read {
				count++
			}
		}
	}
	return count, nil
}

// MessagesSinceLastRead returns unread messages across the given mailboxes
// created after the participant's most recent read, in creation order.
func (h *OfflineHandler) MessagesSinceLastRead(ctx context.Context, participant string, mailboxes []string) ([]model.Message, error) {
	var lastRead int64
	if raw, err := h.store.Get(ctx, keyReadLast+participant); err == nil {
		if parsed, perr := strconv.ParseInt(string(raw), 10, 64); perr == nil {
			lastRead = parsed
		}
	} else if !IsNoData(err) {
		return nil, NewErrorWithCause(ErrCodeStorage, "failed to load last-read time", err)
	}

	var out []model.Message
	for _, mb := range mailboxes {
		ids, err := h.store.SortedRange(ctx, keyMailboxSeq+mb, lastRead+1, time.Now().UnixNano(), 0, -1)
		if err != nil {
			if IsNoData(err) {
				continue
			}
			return nil, NewErrorWithCause(ErrCodeStorage, "failed to range mailbox", err)
		}
		for _, id := range ids {
			msg, err := h.loader.GetMessage(ctx, id)
			if err != nil {
				if IsNoData(err) {
					continue
				}
				return nil, err
			}
			if msg.IsExpired(time.Now()) {
				continue
			}
			read, err := h.IsRead(ctx, participant, mb, id)
			if err != nil {
				return nil, err
			}
			if !read {
				out = append(out, msg)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ReplayTargets drains a participant's queue plus the mailbox queues of the
// given targets, delivering in creation order. A delivery failure stops the
// replay; remaining entries stay queued for the next reconnect.
func (h *OfflineHandler) ReplayTargets(ctx context.Context, participant string, targets []string, deliver func(ctx context.Context, msg model.Message) error) (int, error) {
	type replayItem struct {
		queueKey string
		msg      model.Message
	}

	var items []replayItem
	collect := func(queueKey string) error {
		msgs, err := h.pending(ctx, queueKey)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			items = append(items, replayItem{queueKey: queueKey, msg: msg})
		}
		return nil
	}

	if err := collect(keyOfflineSeq + participant); err != nil {
		return 0, err
	}
	for _, target := range targets {
		if err := collect(keyOfflineMailbox + target); err != nil {
			return 0, err
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].msg.CreatedAt.Before(items[j].msg.CreatedAt) })

	delivered := 0
	for _, item := range items {
		if err := deliver(ctx, item.msg); err != nil {
			h.logger.Warnf("Replay delivery failed, keeping remainder queued: participant=%s, messageId=%s: %v",
				participant, item.msg.ID, err)
			return delivered, nil
		}
		if err := h.removeEntry(ctx, item.queueKey, item.msg.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// CleanupExpired prunes queue entries whose records expired and read-status
// entries older than the retention window. Returns the number of records
// removed.
func (h *OfflineHandler) CleanupExpired(ctx context.Context) (int, error) {
	removed := 0

	queues, err := h.store.SetMembers(ctx, keyOfflineAll)
	if err != nil && !IsNoData(err) {
		return 0, NewErrorWithCause(ErrCodeStorage, "failed to list queues", err)
	}
	for _, queueKey := range queues {
		ids, err := h.store.SortedRange(ctx, queueKey, 0, time.Now().UnixNano(), 0, -1)
		if err != nil {
			if IsNoData(err) {
				continue
			}
			return removed, NewErrorWithCause(ErrCodeStorage, "failed to range queue", err)
		}
		live := 0
		for _, id := range ids {
			if _, err := h.store.Get(ctx, keyOfflineEntry+queueKey+":"+id); err != nil {
				if IsNoData(err) {
					_ = h.store.SortedRemove(ctx, queueKey, id)
					removed++
					continue
				}
				return removed, NewErrorWithCause(ErrCodeStorage, "failed to load queue entry", err)
			}
			live++
		}
		if live == 0 {
			_ = h.store.SetRemove(ctx, keyOfflineAll, queueKey)
		}
	}

	// Read statuses are pruned per participant past the retention window.
	cutoff := time.Now().UTC().Add(-h.readRetention).UnixNano()
	participants, err := h.store.SetMembers(ctx, keySubAll)
	if err != nil && !IsNoData(err) {
		return removed, NewErrorWithCause(ErrCodeStorage, "failed to list participants", err)
	}
	for _, participant := range participants {
		members, err := h.store.SortedRange(ctx, keyReadIndex+participant, 0, cutoff, 0, -1)
		if err != nil {
			if IsNoData(err) {
				continue
			}
			return removed, NewErrorWithCause(ErrCodeStorage, "failed to range read index", err)
		}
		for _, member := range members {
			mb, id, ok := strings.Cut(member, "|")
			if ok {
				_ = h.store.SetRemove(ctx, keyReadSet+participant+":"+mb, id)
			}
			_ = h.store.SortedRemove(ctx, keyReadIndex+participant, member)
			removed++
		}
	}

	if removed > 0 {
		h.logger.Infof("Offline cleanup: removed=%d", removed)
	}
	return removed, nil
}

// Run starts the periodic cleanup loop and blocks until ctx is done or Stop
// is called.
func (h *OfflineHandler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cleanupInterval)
	defer ticker.Stop()

	h.logger.Infof("Offline handler cleanup loop started: interval=%s", h.cleanupInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			if _, err := h.CleanupExpired(ctx); err != nil {
				h.logger.Errorf("Offline cleanup failed: %v", err)
			}
		}
	}
}

// Start launches Run on a goroutine.
func (h *OfflineHandler) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.Run(ctx)
	}()
}

// Stop terminates the cleanup loop.
func (h *OfflineHandler) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}
