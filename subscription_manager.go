package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/coregx/mailbox/model"
)

// DeliveryHandler receives messages pushed to a connected participant.
// A non-nil error marks the delivery attempt failed.
type DeliveryHandler func(ctx context.Context, msg model.Message) error

// Connection liveness defaults.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Minute
	DefaultCleanupInterval   = 5 * time.Minute
)

// OfflineQueue is the slice of the offline handler the subscription manager
// needs to replay queued messages when a participant reconnects.
type OfflineQueue interface {
	ReplayTargets(ctx context.Context, participant string, targets []string, deliver func(ctx context.Context, msg model.Message) error) (int, error)
}

// SubscribeRequest describes a new subscription.
type SubscribeRequest struct {
	Participant   string
	Target        string // Mailbox name, topic name, or wildcard pattern
	Mode          model.DeliveryMode
	ContentFilter string
	MaxQueueSize  int
}

// Validate checks field-level constraints.
func (r SubscribeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Participant, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.Target, validation.Required, validation.Length(1, 512)),
		validation.Field(&r.MaxQueueSize, validation.Min(0)),
	)
}

// participantState holds everything the manager tracks per participant.
// Its mutex is the per-participant lock: subscription changes for one
// participant never block another's.
type participantState struct {
	mu      sync.Mutex
	conn    *model.ConnectionState
	handler DeliveryHandler
	subs    map[string]*model.Subscription // keyed by target
	pumps   map[string]*channelPump        // keyed by subscription id
}

// SubscriptionManager owns subscription records and connection state. It
// persists subscriptions to the backing store so they survive a restart,
// bridges cross-process deliveries through store channels, and replays the
// offline queue when a connection comes back.
type SubscriptionManager struct {
	store    Store
	offline  OfflineQueue
	logger   Logger
	notifier NotificationService

	origin            string // this process's id, used to drop self-published envelopes
	handlerTimeout    time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	cleanupInterval   time.Duration

	// Lock order: m.mu before ps.mu, never the reverse. Code paths that
	// change per-participant state release ps.mu before refreshing byID.
	mu           sync.RWMutex
	participants map[string]*participantState
	byID         map[string]model.Subscription // snapshots, refreshed on state change

	onChange func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SubscriptionManagerOption configures a SubscriptionManager.
type SubscriptionManagerOption func(*SubscriptionManager) error

// NewSubscriptionManager creates a new SubscriptionManager with the provided
// options.
//
// Required options:
//   - WithSubscriptionStore: backing store instance
//   - WithSubscriptionOfflineQueue: offline queue for reconnect replay
//   - WithSubscriptionLogger: logger instance
func NewSubscriptionManager(opts ...SubscriptionManagerOption) (*SubscriptionManager, error) {
	m := &SubscriptionManager{
		notifier:          &NoOpNotificationService{},
		origin:            uuid.NewString(),
		handlerTimeout:    DefaultHandlerTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		heartbeatTimeout:  DefaultHeartbeatTimeout,
		cleanupInterval:   DefaultCleanupInterval,
		participants:      make(map[string]*participantState),
		byID:              make(map[string]model.Subscription),
		stopCh:            make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply subscription manager option", err)
		}
	}

	if m.store == nil {
		return nil, NewError(ErrCodeConfiguration, "Store is required (use WithSubscriptionStore)")
	}
	if m.offline == nil {
		return nil, NewError(ErrCodeConfiguration, "OfflineQueue is required (use WithSubscriptionOfflineQueue)")
	}
	if m.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithSubscriptionLogger)")
	}

	return m, nil
}

// WithSubscriptionStore sets the backing store.
func WithSubscriptionStore(store Store) SubscriptionManagerOption {
	return func(m *SubscriptionManager) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		m.store = store
		return nil
	}
}

// WithSubscriptionOfflineQueue sets the offline queue used for replay.
func WithSubscriptionOfflineQueue(queue OfflineQueue) SubscriptionManagerOption {
	return func(m *SubscriptionManager) error {
		if queue == nil {
			return fmt.Errorf("queue cannot be nil")
		}
		m.offline = queue
		return nil
	}
}

// WithSubscriptionLogger sets the logger instance.
func WithSubscriptionLogger(logger Logger) SubscriptionManagerOption {
	return func(m *SubscriptionManager) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		m.logger = logger
		return nil
	}
}

// WithSubscriptionNotifier sets the notification service for subscription
// lifecycle events.
func WithSubscriptionNotifier(notifier NotificationService) SubscriptionManagerOption {
	return func(m *SubscriptionManager) error {
		if notifier == nil {
			return fmt.Errorf("notifier cannot be nil")
		}
		m.notifier = notifier
		return nil
	}
}

// WithSubscriptionOrigin sets the process id stamped on published envelopes.
// All components of one process must share the same origin.
func WithSubscriptionOrigin(origin string) SubscriptionManagerOption {
	return func(m *SubscriptionManager) error {
		if origin == "" {
			return fmt.Errorf("origin cannot be empty")
		}
		m.origin = origin
		return nil
	}
}

// WithSubscriptionTimeouts overrides the heartbeat interval and timeout.
func WithSubscriptionTimeouts(interval, timeout time.Duration) SubscriptionManagerOption {
	return func(m *SubscriptionManager) error {
		if interval <= 0 || timeout <= 0 {
			return fmt.Errorf("interval and timeout must be positive")
		}
		m.heartbeatInterval = interval
		m.heartbeatTimeout = timeout
		return nil
	}
}

// SetChangeListener registers a callback invoked after any subscription
// change. Used by the realtime delivery service to reset its pattern cache.
func (m *SubscriptionManager) SetChangeListener(fn func()) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *SubscriptionManager) notifyChange() {
	m.mu.RLock()
	fn := m.onChange
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Origin returns the process id stamped on published envelopes.
func (m *SubscriptionManager) Origin() string {
	return m.origin
}

func (m *SubscriptionManager) state(participant string) *participantState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.participants[participant]
	if !ok {
		ps = &participantState{
			subs:  make(map[string]*model.Subscription),
			pumps: make(map[string]*channelPump),
		}
		m.participants[participant] = ps
	}
	return ps
}

// Subscribe registers a participant's interest in a target. Duplicate
// (participant, target) pairs are rejected. Invalid wildcard patterns are
// rejected at subscribe time.
func (m *SubscriptionManager) Subscribe(ctx context.Context, req SubscribeRequest) (model.Subscription, error) {
	if err := req.Validate(); err != nil {
		return model.Subscription{}, NewErrorWithCause(ErrCodeValidation, "invalid subscribe request", err)
	}
	pattern, err := CompilePattern(req.Target)
	if err != nil {
		return model.Subscription{}, err
	}
	if req.Mode == "" {
		req.Mode = model.DeliveryRealtime
	}
	if !req.Mode.IsValid() {
		return model.Subscription{}, NewError(ErrCodeValidation, fmt.Sprintf("invalid delivery mode: %s", req.Mode))
	}

	ps := m.state(req.Participant)
	ps.mu.Lock()

	if existing, ok := ps.subs[req.Target]; ok && existing.State != model.SubscriptionRemoved {
		ps.mu.Unlock()
		return model.Subscription{}, NewError(ErrCodeDuplicateSubscription,
			fmt.Sprintf("subscription already exists: participant=%s, target=%s", req.Participant, req.Target))
	}

	sub := model.NewSubscription(req.Participant, req.Target, req.Mode)
	sub.ContentFilter = req.ContentFilter
	if req.MaxQueueSize > 0 {
		sub.MaxQueueSize = req.MaxQueueSize
	}

	connected := ps.conn != nil && ps.conn.Connected && ps.handler != nil
	if connected {
		sub.Activate()
	}

	if err := m.persistSubscription(ctx, sub); err != nil {
		ps.mu.Unlock()
		return model.Subscription{}, err
	}

	pump, err := m.startPump(ctx, ps, sub, pattern)
	if err != nil {
		ps.mu.Unlock()
		return model.Subscription{}, err
	}

	ps.subs[sub.Target] = &sub
	ps.pumps[sub.ID] = pump
	ps.mu.Unlock()

	m.mu.Lock()
	m.byID[sub.ID] = sub
	m.mu.Unlock()

	m.notifyChange()
	if err := m.notifier.NotifySubscriptionCreated(ctx, sub); err != nil {
		m.logger.Warnf("Subscription notification failed: id=%s: %v", sub.ID, err)
	}
	m.logger.Infof("Subscription created: id=%s, participant=%s, target=%s, mode=%s", sub.ID, sub.Participant, sub.Target, sub.Mode)

	// A connected subscriber picks up whatever queued for the target while
	// nobody was listening.
	if connected && pattern.IsLiteral() {
		if n, err := m.offline.ReplayTargets(ctx, req.Participant, []string{req.Target}, m.deliverFunc(req.Participant)); err != nil {
			m.logger.Errorf("Replay after subscribe failed: participant=%s, target=%s: %v", req.Participant, req.Target, err)
		} else if n > 0 {
			m.logger.Infof("Replayed queued messages: participant=%s, target=%s, count=%d", req.Participant, req.Target, n)
		}
	}

	return sub, nil
}

// Unsubscribe removes a subscription by id.
func (m *SubscriptionManager) Unsubscribe(ctx context.Context, subscriptionID string) error {
	m.mu.RLock()
	sub, ok := m.byID[subscriptionID]
	m.mu.RUnlock()
	if !ok {
		return NewError(ErrCodeNoData, fmt.Sprintf("subscription not found: %s", subscriptionID))
	}

	ps := m.state(sub.Participant)
	ps.mu.Lock()
	if pump, ok := ps.pumps[subscriptionID]; ok {
		pump.stop()
		delete(ps.pumps, subscriptionID)
	}
	delete(ps.subs, sub.Target)
	ps.mu.Unlock()

	m.mu.Lock()
	delete(m.byID, subscriptionID)
	m.mu.Unlock()

	sub.Remove()
	if err := m.store.Delete(ctx, keySubscription+subscriptionID); err != nil && !IsNoData(err) {
		return NewErrorWithCause(ErrCodeStorage, "failed to delete subscription record", err)
	}
	if err := m.store.SetRemove(ctx, keySubIndex+sub.Participant, subscriptionID); err != nil && !IsNoData(err) {
		return NewErrorWithCause(ErrCodeStorage, "failed to unindex subscription", err)
	}

	m.notifyChange()
	if err := m.notifier.NotifySubscriptionRemoved(ctx, sub); err != nil {
		m.logger.Warnf("Subscription notification failed: id=%s: %v", subscriptionID, err)
	}
	m.logger.Infof("Subscription removed: id=%s, participant=%s, target=%s", subscriptionID, sub.Participant, sub.Target)
	return nil
}

// ListActive returns a participant's live subscriptions.
func (m *SubscriptionManager) ListActive(_ context.Context, participant string) []model.Subscription {
	ps := m.state(participant)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	out := make([]model.Subscription, 0, len(ps.subs))
	for _, sub := range ps.subs {
		if sub.IsLive() {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// LiveSubscriptions snapshots every live subscription across participants.
// Realtime delivery matches messages against this set.
func (m *SubscriptionManager) LiveSubscriptions() []model.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Subscription, 0, len(m.byID))
	for _, sub := range m.byID {
		if sub.State != model.SubscriptionRemoved {
			out = append(out, sub)
		}
	}
	return out
}

// Reachable reports whether a participant is connected with a registered
// delivery handler.
func (m *SubscriptionManager) Reachable(participant string) bool {
	m.mu.RLock()
	ps, ok := m.participants[participant]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.conn != nil && ps.conn.Connected && ps.handler != nil
}

// Deliver invokes the participant's handler with the message. The caller
// owns timeout handling via ctx.
func (m *SubscriptionManager) Deliver(ctx context.Context, participant string, msg model.Message) error {
	m.mu.RLock()
	ps, ok := m.participants[participant]
	m.mu.RUnlock()
	if !ok {
		return NewError(ErrCodeDelivery, fmt.Sprintf("participant not registered: %s", participant))
	}

	ps.mu.Lock()
	handler := ps.handler
	connected := ps.conn != nil && ps.conn.Connected
	ps.mu.Unlock()

	if handler == nil || !connected {
		return NewError(ErrCodeDelivery, fmt.Sprintf("participant not reachable: %s", participant))
	}
	return handler(ctx, msg)
}

func (m *SubscriptionManager) deliverFunc(participant string) func(ctx context.Context, msg model.Message) error {
	return func(ctx context.Context, msg model.Message) error {
		ctx, cancel := context.WithTimeout(ctx, m.handlerTimeout)
		defer cancel()
		return m.Deliver(ctx, participant, msg)
	}
}

// RegisterDeliveryHandler attaches a push handler to a participant and marks
// the connection live. Replaces any previous handler.
func (m *SubscriptionManager) RegisterDeliveryHandler(participant string, handler DeliveryHandler) error {
	if handler == nil {
		return NewError(ErrCodeValidation, "handler cannot be nil")
	}

	ps := m.state(participant)
	ps.mu.Lock()
	ps.handler = handler
	if ps.conn == nil {
		ps.conn = model.NewConnectionState(participant)
	}
	ps.mu.Unlock()

	m.logger.Debugf("Delivery handler registered: participant=%s", participant)
	return nil
}

// Heartbeat records connection liveness for a participant.
func (m *SubscriptionManager) Heartbeat(participant string) {
	ps := m.state(participant)
	ps.mu.Lock()
	if ps.conn == nil {
		ps.conn = model.NewConnectionState(participant)
	}
	ps.conn.Heartbeat()
	ps.mu.Unlock()
}

// OnConnectionLost marks a participant disconnected. Live subscriptions move
// to DISCONNECTED and subsequent matching deliveries queue offline.
func (m *SubscriptionManager) OnConnectionLost(ctx context.Context, participant string) {
	ps := m.state(participant)
	ps.mu.Lock()
	if ps.conn == nil {
		ps.conn = model.NewConnectionState(participant)
	}
	ps.conn.MarkDisconnected()
	changed := make([]model.Subscription, 0, len(ps.subs))
	for _, sub := range ps.subs {
		if sub.State == model.SubscriptionActive {
			sub.Disconnect()
			if err := m.persistSubscription(ctx, *sub); err != nil {
				m.logger.Errorf("Failed to persist subscription state: id=%s: %v", sub.ID, err)
			}
			changed = append(changed, *sub)
		}
	}
	ps.mu.Unlock()

	m.syncSnapshots(changed)
	m.notifyChange()
	m.logger.Infof("Connection lost: participant=%s", participant)
}

// OnConnectionRestored marks a participant connected, reactivates its
// subscriptions, and replays the offline queue in creation order before
// realtime delivery resumes.
func (m *SubscriptionManager) OnConnectionRestored(ctx context.Context, participant string) error {
	ps := m.state(participant)
	ps.mu.Lock()
	if ps.conn == nil {
		ps.conn = model.NewConnectionState(participant)
	} else {
		ps.conn.MarkConnected()
	}

	targets := make([]string, 0, len(ps.subs))
	changed := make([]model.Subscription, 0, len(ps.subs))
	for _, sub := range ps.subs {
		if sub.State == model.SubscriptionDisconnected || sub.State == model.SubscriptionCreated {
			sub.Activate()
			if err := m.persistSubscription(ctx, *sub); err != nil {
				m.logger.Errorf("Failed to persist subscription state: id=%s: %v", sub.ID, err)
			}
			changed = append(changed, *sub)
		}
		if !IsPattern(sub.Target) {
			targets = append(targets, sub.Target)
		}
	}
	ps.mu.Unlock()

	m.syncSnapshots(changed)
	m.notifyChange()
	m.logger.Infof("Connection restored: participant=%s, subscriptions=%d", participant, len(targets))

	n, err := m.offline.ReplayTargets(ctx, participant, targets, m.deliverFunc(participant))
	if err != nil {
		return NewErrorWithCause(ErrCodeDelivery, "offline replay failed", err)
	}
	if n > 0 {
		m.logger.Infof("Replayed queued messages: participant=%s, count=%d", participant, n)
	}
	return nil
}

// syncSnapshots refreshes the cross-participant view after per-participant
// state changes. Called without ps.mu held.
func (m *SubscriptionManager) syncSnapshots(subs []model.Subscription) {
	if len(subs) == 0 {
		return
	}
	m.mu.Lock()
	for _, sub := range subs {
		if _, ok := m.byID[sub.ID]; ok {
			m.byID[sub.ID] = sub
		}
	}
	m.mu.Unlock()
}

// CheckHeartbeats disconnects participants whose last heartbeat is older
// than the timeout. Returns the number of connections dropped.
func (m *SubscriptionManager) CheckHeartbeats(ctx context.Context) int {
	now := time.Now().UTC()

	m.mu.RLock()
	stale := make([]string, 0)
	for participant, ps := range m.participants {
		ps.mu.Lock()
		if ps.conn != nil && ps.conn.Connected && ps.conn.HeartbeatExpired(m.heartbeatTimeout, now) {
			stale = append(stale, participant)
		}
		ps.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, participant := range stale {
		m.logger.Warnf("Heartbeat timeout: participant=%s", participant)
		m.OnConnectionLost(ctx, participant)
	}
	return len(stale)
}

// CleanupStale drops in-memory state for participants that have no
// subscriptions left and have been disconnected past the heartbeat timeout.
func (m *SubscriptionManager) CleanupStale(_ context.Context) int {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for participant, ps := range m.participants {
		ps.mu.Lock()
		idle := len(ps.subs) == 0 && ps.conn != nil && !ps.conn.Connected &&
			now.Sub(ps.conn.DisconnectedAt) > m.heartbeatTimeout
		ps.mu.Unlock()
		if idle {
			delete(m.participants, participant)
			removed++
		}
	}
	return removed
}

// Restore loads persisted subscriptions from the backing store after a
// restart. Restored subscriptions come back DISCONNECTED until their
// participant reconnects.
func (m *SubscriptionManager) Restore(ctx context.Context) (int, error) {
	participants, err := m.store.SetMembers(ctx, keySubAll)
	if err != nil {
		if IsNoData(err) {
			return 0, nil
		}
		return 0, NewErrorWithCause(ErrCodeStorage, "failed to list persisted participants", err)
	}

	restored := 0
	for _, participant := range participants {
		ids, err := m.store.SetMembers(ctx, keySubIndex+participant)
		if err != nil {
			if IsNoData(err) {
				continue
			}
			return restored, NewErrorWithCause(ErrCodeStorage, "failed to list persisted subscriptions", err)
		}

		ps := m.state(participant)
		for _, id := range ids {
			raw, err := m.store.Get(ctx, keySubscription+id)
			if err != nil {
				if IsNoData(err) {
					continue
				}
				return restored, NewErrorWithCause(ErrCodeStorage, "failed to load subscription record", err)
			}
			var sub model.Subscription
			if err := json.Unmarshal(raw, &sub); err != nil {
				m.logger.Errorf("Skipping undecodable subscription record: id=%s: %v", id, err)
				continue
			}
			pattern, err := CompilePattern(sub.Target)
			if err != nil {
				m.logger.Errorf("Skipping subscription with invalid target: id=%s, target=%s: %v", id, sub.Target, err)
				continue
			}

			if sub.State == model.SubscriptionActive {
				sub.Disconnect()
			}

			ps.mu.Lock()
			pump, err := m.startPump(ctx, ps, sub, pattern)
			if err != nil {
				ps.mu.Unlock()
				return restored, err
			}
			local := sub
			ps.subs[sub.Target] = &local
			ps.pumps[sub.ID] = pump
			ps.mu.Unlock()

			m.mu.Lock()
			m.byID[sub.ID] = sub
			m.mu.Unlock()
			restored++
		}
	}

	if restored > 0 {
		m.notifyChange()
		m.logger.Infof("Restored persisted subscriptions: count=%d", restored)
	}
	return restored, nil
}

// Start launches the heartbeat and cleanup loops.
func (m *SubscriptionManager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.loop(ctx, m.heartbeatInterval, func() { m.CheckHeartbeats(ctx) })
	go m.loop(ctx, m.cleanupInterval, func() { m.CleanupStale(ctx) })
	m.logger.Infof("Subscription manager started: heartbeatInterval=%s, heartbeatTimeout=%s", m.heartbeatInterval, m.heartbeatTimeout)
}

// Stop terminates the background loops and channel pumps.
func (m *SubscriptionManager) Stop() {
	close(m.stopCh)

	m.mu.RLock()
	for _, ps := range m.participants {
		ps.mu.Lock()
		for _, pump := range ps.pumps {
			pump.stop()
		}
		ps.mu.Unlock()
	}
	m.mu.RUnlock()

	m.wg.Wait()
	m.logger.Info("Subscription manager stopped")
}

func (m *SubscriptionManager) loop(ctx context.Context, interval time.Duration, tick func()) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			tick()
		}
	}
}

// Health reports the manager's view of connection state.
func (m *SubscriptionManager) Health(_ context.Context) ComponentHealth {
	m.mu.RLock()
	subs := len(m.byID)
	connected := 0
	for _, ps := range m.participants {
		ps.mu.Lock()
		if ps.conn != nil && ps.conn.Connected {
			connected++
		}
		ps.mu.Unlock()
	}
	m.mu.RUnlock()

	return ComponentHealth{
		Component: "subscription_manager",
		State:     HealthOK,
		Details: map[string]string{
			"subscriptions": fmt.Sprintf("%d", subs),
			"connected":     fmt.Sprintf("%d", connected),
		},
	}
}

func (m *SubscriptionManager) persistSubscription(ctx context.Context, sub model.Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to encode subscription", err)
	}
	if err := m.store.Set(ctx, keySubscription+sub.ID, raw, 0); err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to persist subscription", err)
	}
	if err := m.store.SetAdd(ctx, keySubIndex+sub.Participant, sub.ID); err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to index subscription", err)
	}
	if err := m.store.SetAdd(ctx, keySubAll, sub.Participant); err != nil {
		return NewErrorWithCause(ErrCodeStorage, "failed to index participant", err)
	}
	return nil
}

// channelPump drains one store channel subscription and hands remote
// envelopes to the local delivery handler. Envelopes published by this
// process are dropped; local delivery already happened in-process.
type channelPump struct {
	sub    ChannelSub
	done   chan struct{}
	closed sync.Once
}

func (m *SubscriptionManager) startPump(ctx context.Context, _ *participantState, sub model.Subscription, pattern *Pattern) (*channelPump, error) {
	var (
		chSub ChannelSub
		err   error
	)
	if !pattern.IsLiteral() {
		chSub, err = m.store.PSubscribe(ctx, channelDeliver+StoreChannelPattern(sub.Target))
	} else {
		chSub, err = m.store.Subscribe(ctx, channelDeliver+sub.Target)
	}
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeStorage, "failed to subscribe to store channel", err)
	}

	pump := &channelPump{sub: chSub, done: make(chan struct{})}
	participant := sub.Participant
	target := sub.Target
	contentFilter := sub.ContentFilter

	go func() {
		for {
			select {
			case <-pump.done:
				return
			case cm, ok := <-chSub.Messages():
				if !ok {
					return
				}
				var env deliveryEnvelope
				if err := json.Unmarshal(cm.Payload, &env); err != nil {
					m.logger.Errorf("Dropping undecodable envelope: channel=%s: %v", cm.Channel, err)
					continue
				}
				if env.Origin == m.origin {
					continue
				}
				// Store channel globs are coarse; re-check with the
				// precise pattern before delivering.
				if !pattern.Matches(env.Message.Target) {
					continue
				}
				if contentFilter != "" && env.Message.ContentType != contentFilter {
					continue
				}
				if err := m.deliverFunc(participant)(context.Background(), env.Message); err != nil {
					m.logger.Warnf("Remote delivery failed: participant=%s, target=%s, messageId=%s: %v",
						participant, target, env.Message.ID, err)
				}
			}
		}
	}()

	return pump, nil
}

func (p *channelPump) stop() {
	p.closed.Do(func() {
		close(p.done)
		_ = p.sub.Close()
	})
}
