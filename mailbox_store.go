package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coregx/mailbox/model"
)

// MailboxStore manages named mailboxes and their message logs on top of the
// backing Store. It is the durability boundary: a message is accepted for
// delivery only after Append has returned successfully.
type MailboxStore struct {
	store  Store
	logger Logger

	defaultMaxCount int

	// locks serializes read-modify-write cycles on per-mailbox metadata
	// within this process. Cross-process consistency is owned by the
	// backing store.
	locks sync.Map // mailbox name -> *sync.Mutex
}

// MailboxStoreOption configures a MailboxStore.
type MailboxStoreOption func(*MailboxStore) error

// NewMailboxStore creates a new MailboxStore with the provided options.
//
// Required options:
//   - WithMailboxStoreBackend: backing store instance
//   - WithMailboxStoreLogger: logger instance
func NewMailboxStore(opts ...MailboxStoreOption) (*MailboxStore, error) {
	s := &MailboxStore{
		defaultMaxCount: model.DefaultMailboxMaxCount,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply mailbox store option", err)
		}
	}

	if s.store == nil {
		return nil, NewError(ErrCodeConfiguration, "Store is required (use WithMailboxStoreBackend)")
	}
	if s.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithMailboxStoreLogger)")
	}

	return s, nil
}

// WithMailboxStoreBackend sets the backing store.
func WithMailboxStoreBackend(store Store) MailboxStoreOption {
	return func(s *MailboxStore) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		s.store = store
		return nil
	}
}

// WithMailboxStoreLogger sets the logger instance.
func WithMailboxStoreLogger(logger Logger) MailboxStoreOption {
	return func(s *MailboxStore) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithMailboxStoreMaxCount overrides the default per-mailbox message ceiling
// applied to mailboxes created without an explicit MaxCount.
func WithMailboxStoreMaxCount(maxCount int) MailboxStoreOption {
	return func(s *MailboxStore) error {
		if maxCount < 1 {
			return fmt.Errorf("maxCount must be at least 1")
		}
		s.defaultMaxCount = maxCount
		return nil
	}
}

func (s *MailboxStore) lock(name string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateMailbox creates a mailbox with explicit configuration. Creating a
// mailbox that already exists returns the existing mailbox unchanged.
func (s *MailboxStore) CreateMailbox(ctx context.Context, config model.MailboxConfig) (model.Mailbox, error) {
	if config.Name == "" {
		return model.Mailbox{}, NewError(ErrCodeValidation, "mailbox name is required")
	}
	if _, err := CompilePattern(config.Name); err != nil {
		return model.Mailbox{}, NewErrorWithCause(ErrCodeValidation, fmt.Sprintf("invalid mailbox name: %s", config.Name), err)
	}
	if IsPattern(config.Name) {
		return model.Mailbox{}, NewError(ErrCodeValidation, "mailbox name cannot contain wildcards")
	}
	if config.MaxCount < 0 {
		return model.Mailbox{}, NewError(ErrCodeValidation, "maxCount cannot be negative")
	}
	if config.MaxCount == 0 {
		config.MaxCount = s.defaultMaxCount
	}

	mu := s.lock(config.Name)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.loadMailbox(ctx, config.Name)
	if err == nil {
		if existing.IsActive() {
			s.logger.Warnf("Mailbox already exists: name=%s", config.Name)
			return existing, nil
		}
		// A soft-deleted mailbox can be recreated under the same name.
	} else if !IsNoData(err) {
		return model.Mailbox{}, err
	}

	mb := model.NewMailbox(config)
	if err := s.saveMailbox(ctx, mb); err != nil {
		return model.Mailbox{}, err
	}
	if err := s.store.SetAdd(ctx, keyMailboxAll, config.Name); err != nil {
		return model.Mailbox{}, NewErrorWithCause(ErrCodeStorage, "failed to register mailbox", err)
	}

	s.logger.Infof("Mailbox created: name=%s, creator=%s, maxCount=%d", config.Name, config.Creator, config.MaxCount)
	return mb, nil
}

// GetMailbox loads a mailbox by name. Soft-deleted mailboxes are returned
// with their state intact so callers can distinguish deleted from unknown.
func (s *MailboxStore) GetMailbox(ctx context.Context, name string) (model.Mailbox, error) {
	return s.loadMailbox(ctx, name)
}

// GetOrAutoCreate returns the named mailbox, creating it with default
// configuration if it does not exist. Routing to an unknown mailbox name is
// never an error.
func (s *MailboxStore) GetOrAutoCreate(ctx context.Context, name, creator string) (model.Mailbox, error) {
	mb, err := s.loadMailbox(ctx, name)
	if err == nil && mb.IsActive() {
		return mb, nil
	}
	if err != nil && !IsNoData(err) {
		return model.Mailbox{}, err
	}

	return s.CreateMailbox(ctx, model.MailboxConfig{
		Name:     name,
		Creator:  creator,
		MaxCount: s.defaultMaxCount,
	})
}

// Append persists a message into the named mailbox. The mailbox is
// auto-created when absent. When the mailbox is at its configured ceiling the
// oldest message is evicted; Append never rejects for capacity.
func (s *MailboxStore) Append(ctx context.Context, name string, msg model.Message) error {
	if msg.ID == "" {
		return NewError(ErrCodeValidation, "message id is required")
	}
	if size := msg.EncodedSize(); size > model.MaxMessageSize {
		return NewError(ErrCodeSizeLimit, fmt.Sprintf("message exceeds size limit: %d bytes", size))
	}
	if len(msg.Payload) > model.MaxPayloadSize {
		return NewError(ErrCodeSizeLimit, fmt.Sprintf("payload exceeds size limit: %d bytes", len(msg.Payload)))
	}

	mb, err := s.GetOrAutoCreate(ctx, name, msg.Sender)
	if err != nil {
		return err
	}

	mu := s.lock(name)
	mu.Lock()
	defer mu.Unlock()

	if err := s.saveMessage(ctx, mb, msg); err != nil {
		return err
	}
	if err := s.store.SortedInsert(ctx, keyMailboxSeq+name, msg.ID, msg.CreatedAt.UnixNano()); err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to index message", err)
	}

	mb, err = s.loadMailbox(ctx, name)
	if err != nil {
		return err
	}
	mb.RecordAppend(msg.EncodedSize())

	evicted, err := s.evictOverflow(ctx, &mb)
	if err != nil {
		return err
	}
	if evicted > 0 {
		s.logger.Warnf("Mailbox overflow: name=%s, evicted=%d, maxCount=%d", name, evicted, mb.MaxCount)
	}

	return s.saveMailbox(ctx, mb)
}

// evictOverflow removes oldest messages until the mailbox is back under its
// ceiling. Caller holds the mailbox lock.
func (s *MailboxStore) evictOverflow(ctx context.Context, mb *model.Mailbox) (int, error) {
	evicted := 0
	for mb.MessageCount > int64(mb.MaxCount) {
		id, err := s.store.SortedPopMin(ctx, keyMailboxSeq+mb.Name)
		if err != nil {
			if IsNoData(err) {
				break
			}
			return evicted, NewErrorWithCause(ErrCodeStorage, "failed to evict oldest message", err)
		}

		size := 0
		if old, err := s.GetMessage(ctx, id); err == nil {
			size = old.EncodedSize()
		}
		if err := s.store.Delete(ctx, keyMessage+id); err != nil {
			return evicted, NewErrorWithCause(ErrCodeStorage, "failed to delete evicted message", err)
		}

		mb.RecordRemove(size)
		evicted++
	}
	return evicted, nil
}

// GetMessage loads a message by id. Returns a NO_DATA error when the record
// is absent or has expired out of the store.
func (s *MailboxStore) GetMessage(ctx context.Context, id string) (model.Message, error) {
	raw, err := s.store.Get(ctx, keyMessage+id)
	if err != nil {
		if IsNoData(err) {
			return model.Message{}, NewErrorWithCause(ErrCodeNoData, fmt.Sprintf("message not found: %s", id), err)
		}
		return model.Message{}, NewErrorWithCause(ErrCodeStorage, "failed to load message", err)
	}

	var msg model.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return model.Message{}, NewErrorWithCause(ErrCodeStorage, "failed to decode message record", err)
	}
	return msg, nil
}

// ListMessages returns messages in the named mailbox in creation order,
// applying the filter before pagination. Expired messages are skipped
// silently and pruned from the sequence index.
func (s *MailboxStore) ListMessages(ctx context.Context, name string, filter model.MessageFilter, page model.Page) (model.MessageList, error) {
	mb, err := s.loadMailbox(ctx, name)
	if err != nil {
		if IsNoData(err) {
			return model.MessageList{}, NewErrorWithCause(ErrCodeMailboxNotFound, fmt.Sprintf("mailbox not found: %s", name), err)
		}
		return model.MessageList{}, err
	}
	if !mb.IsActive() {
		return model.MessageList{}, NewError(ErrCodeMailboxNotFound, fmt.Sprintf("mailbox deleted: %s", name))
	}

	page = page.Normalize()

	ids, err := s.store.SortedRange(ctx, keyMailboxSeq+name, 0, time.Now().UnixNano(), 0, -1)
	if err != nil && !IsNoData(err) {
		return model.MessageList{}, NewErrorWithCause(ErrCodeStorage, "failed to list messages", err)
	}

	matched := make([]model.Message, 0, len(ids))
	total := 0
	for _, id := range ids {
		msg, err := s.GetMessage(ctx, id)
		if err != nil {
			if IsNoData(err) {
				// Record expired underneath the index; prune and move on.
				_ = s.store.SortedRemove(ctx, keyMailboxSeq+name, id)
				continue
			}
			return model.MessageList{}, err
		}
		if msg.IsExpired(time.Now()) {
			continue
		}
		total++
		if filter.Matches(msg) {
			matched = append(matched, msg)
		}
	}

	list := model.MessageList{
		Total:    total,
		Filtered: len(matched),
	}
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
	return list, nil
}

// DeleteMessage removes a single message from the named mailbox.
func (s *MailboxStore) DeleteMessage(ctx context.Context, name, id string) error {
	mu := s.lock(name)
	mu.Lock()
	defer mu.Unlock()

	size := 0
	if msg, err := s.GetMessage(ctx, id); err == nil {
		size = msg.EncodedSize()
	}

	if err := s.store.SortedRemove(ctx, keyMailboxSeq+name, id); err != nil && !IsNoData(err) {
		return NewErrorWithCause(ErrCodeStorage, "failed to unindex message", err)
	}
	if err := s.store.Delete(ctx, keyMessage+id); err != nil && !IsNoData(err) {
		return NewErrorWithCause(ErrCodeStorage, "failed to delete message", err)
	}

	mb, err := s.loadMailbox(ctx, name)
	if err != nil {
		if IsNoData(err) {
			return nil
		}
		return err
	}
	mb.RecordRemove(size)
	return s.saveMailbox(ctx, mb)
}

// SoftDelete marks a mailbox deleted. Its messages stop being routable but
// the metadata record is preserved.
func (s *MailboxStore) SoftDelete(ctx context.Context, name string) error {
	mu := s.lock(name)
	mu.Lock()
	defer mu.Unlock()

	mb, err := s.loadMailbox(ctx, name)
	if err != nil {
		if IsNoData(err) {
			return NewErrorWithCause(ErrCodeMailboxNotFound, fmt.Sprintf("mailbox not found: %s", name), err)
		}
		return err
	}

	mb.SoftDelete()
	if err := s.saveMailbox(ctx, mb); err != nil {
		return err
	}
	if err := s.store.SetRemove(ctx, keyMailboxAll, name); err != nil && !IsNoData(err) {
		return NewErrorWithCause(ErrCodeStorage, "failed to unregister mailbox", err)
	}

	s.logger.Infof("Mailbox soft-deleted: name=%s, messages=%d", name, mb.MessageCount)
	return nil
}

// HardDelete removes a mailbox and all of its messages.
func (s *MailboxStore) HardDelete(ctx context.Context, name string) error {
	mu := s.lock(name)
	mu.Lock()
	defer mu.Unlock()

	ids, err := s.store.SortedRange(ctx, keyMailboxSeq+name, 0, time.Now().UnixNano(), 0, -1)
	if err != nil && !IsNoData(err) {
		return NewErrorWithCause(ErrCodeStorage, "failed to enumerate messages", err)
	}
	for _, id := range ids {
		if err := s.store.Delete(ctx, keyMessage+id); err != nil && !IsNoData(err) {
			return NewErrorWithCause(ErrCodeStorage, "failed to delete message", err)
		}
	}

	if err := s.store.Delete(ctx, keyMailboxSeq+name, keyMailboxMeta+name); err != nil && !IsNoData(err) {
		return NewErrorWithCause(ErrCodeStorage, "failed to delete mailbox", err)
	}
	if err := s.store.SetRemove(ctx, keyMailboxAll, name); err != nil && !IsNoData(err) {
		return NewErrorWithCause(ErrCodeStorage, "failed to unregister mailbox", err)
	}

	s.logger.Infof("Mailbox hard-deleted: name=%s, messages=%d", name, len(ids))
	return nil
}

// ListActiveMailboxes returns every active mailbox. Used by broadcast fan-out.
func (s *MailboxStore) ListActiveMailboxes(ctx context.Context) ([]model.Mailbox, error) {
	names, err := s.store.SetMembers(ctx, keyMailboxAll)
	if err != nil {
		if IsNoData(err) {
			return []model.Mailbox{}, nil
		}
		return nil, NewErrorWithCause(ErrCodeStorage, "failed to list mailboxes", err)
	}

	boxes := make([]model.Mailbox, 0, len(names))
	for _, name := range names {
		mb, err := s.loadMailbox(ctx, name)
		if err != nil {
			if IsNoData(err) {
				continue
			}
			return nil, err
		}
		if mb.IsActive() {
			boxes = append(boxes, mb)
		}
	}
	return boxes, nil
}

// AppendTopic persists a message into the named topic's log. Topic logs share
// the mailbox message record space but are not part of broadcast fan-out.
func (s *MailboxStore) AppendTopic(ctx context.Context, topic string, msg model.Message) error {
	if msg.ID == "" {
		return NewError(ErrCodeValidation, "message id is required")
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to encode message record", err)
	}
	ttl := messageTTL(msg)
	if err := s.store.Set(ctx, keyMessage+msg.ID, raw, ttl); err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to persist message", err)
	}
	if err := s.store.SortedInsert(ctx, keyTopicSeq+topic, msg.ID, msg.CreatedAt.UnixNano()); err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to index topic message", err)
	}
	if err := s.store.SetAdd(ctx, keyTopicAll, topic); err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to register topic", err)
	}
	return nil
}

// Health reports reachability of the backing store.
func (s *MailboxStore) Health(ctx context.Context) ComponentHealth {
	if err := s.store.Ping(ctx); err != nil {
		return ComponentHealth{
			Component: "mailbox_store",
			State:     HealthDown,
			Details:   map[string]string{"error": err.Error()},
		}
	}
	return ComponentHealth{Component: "mailbox_store", State: HealthOK}
}

func (s *MailboxStore) loadMailbox(ctx context.Context, name string) (model.Mailbox, error) {
	raw, err := s.store.Get(ctx, keyMailboxMeta+name)
	if err != nil {
		if IsNoData(err) {
			return model.Mailbox{}, NewErrorWithCause(ErrCodeNoData, fmt.Sprintf("mailbox not found: %s", name), err)
		}
		return model.Mailbox{}, NewErrorWithCause(ErrCodeStorage, "failed to load mailbox", err)
	}

	var mb model.Mailbox
	if err := json.Unmarshal(raw, &mb); err != nil {
		return model.Mailbox{}, NewErrorWithCause(ErrCodeStorage, "failed to decode mailbox record", err)
	}
	return mb, nil
}

func (s *MailboxStore) saveMailbox(ctx context.Context, mb model.Mailbox) error {
	raw, err := json.Marshal(mb)
	if err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to encode mailbox record", err)
	}
	if err := s.store.Set(ctx, keyMailboxMeta+mb.Name, raw, 0); err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to persist mailbox", err)
	}
	return nil
}

func (s *MailboxStore) saveMessage(ctx context.Context, mb model.Mailbox, msg model.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to encode message record", err)
	}

	ttl := messageTTL(msg)
	if ttl == 0 && mb.DefaultTTL > 0 {
		ttl = time.Duration(mb.DefaultTTL) * time.Second
	}
	if err := s.store.Set(ctx, keyMessage+msg.ID, raw, ttl); err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to persist message", err)
	}
	return nil
}

func messageTTL(msg model.Message) time.Duration {
	if msg.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(msg.TTLSeconds) * time.Second
}
