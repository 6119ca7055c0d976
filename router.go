package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coregx/mailbox/model"
	"github.com/coregx/mailbox/retry"
)

// Router orchestration defaults.
const (
	DefaultRetryInterval         = 10 * time.Second
	DefaultConfirmationRetention = time.Hour
	DefaultPendingRetention      = 24 * time.Hour
	DefaultConfirmationCleanup   = 5 * time.Minute
)

// Authorization resource prefixes. A grant on "mailbox:reports*" covers
// every mailbox whose name starts with "reports".
const (
	ResourceMailboxPrefix = "mailbox:"
	ResourceTopicPrefix   = "topic:"
	ResourceBroadcast     = "broadcast"
)

// Router accepts submitted messages and orchestrates validation,
// authorization, persistence, realtime fan-out, and offline queueing. It is
// the only component that mutates delivery confirmations.
type Router struct {
	mailboxes     *MailboxStore
	permissions   *PermissionManager
	subscriptions *SubscriptionManager
	realtime      *RealtimeDelivery
	offline       *OfflineHandler
	logger        Logger
	notifier      NotificationService

	strategy         retry.Strategy
	retryInterval    time.Duration
	confirmRetention time.Duration
	pendingRetention time.Duration
	confirmCleanup   time.Duration

	mu            sync.Mutex
	confirmations map[string]*model.DeliveryConfirmation

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// RouterOption configures a Router.
type RouterOption func(*Router) error

// NewRouter creates a new Router with the provided options.
//
// Required options:
//   - WithRouterComponents: mailbox store, permission manager, subscription
//     manager, realtime delivery, and offline handler
//   - WithRouterLogger: logger instance
func NewRouter(opts ...RouterOption) (*Router, error) {
	r := &Router{
		notifier:         &NoOpNotificationService{},
		strategy:         retry.DefaultStrategy(),
		retryInterval:    DefaultRetryInterval,
		confirmRetention: DefaultConfirmationRetention,
		pendingRetention: DefaultPendingRetention,
		confirmCleanup:   DefaultConfirmationCleanup,
		confirmations:    make(map[string]*model.DeliveryConfirmation),
		stopCh:           make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply router option", err)
		}
	}

	if r.mailboxes == nil || r.permissions == nil || r.subscriptions == nil || r.realtime == nil || r.offline == nil {
		return nil, NewError(ErrCodeConfiguration, "all components are required (use WithRouterComponents)")
	}
	if r.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithRouterLogger)")
	}

	return r, nil
}

// WithRouterComponents sets the orchestrated components.
func WithRouterComponents(
	mailboxes *MailboxStore,
	permissions *PermissionManager,
	subscriptions *SubscriptionManager,
	realtime *RealtimeDelivery,
	offline *OfflineHandler,
) RouterOption {
	return func(r *Router) error {
		if mailboxes == nil || permissions == nil || subscriptions == nil || realtime == nil || offline == nil {
			return fmt.Errorf("components cannot be nil")
		}
		r.mailboxes = mailboxes
		r.permissions = permissions
		r.subscriptions = subscriptions
		r.realtime = realtime
		r.offline = offline
		return nil
	}
}

// WithRouterLogger sets the logger instance.
func WithRouterLogger(logger Logger) RouterOption {
	return func(r *Router) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		r.logger = logger
		return nil
	}
}

// WithRouterNotifier sets the notification service for delivery failures and
// dead letters.
func WithRouterNotifier(notifier NotificationService) RouterOption {
	return func(r *Router) error {
		if notifier == nil {
			return fmt.Errorf("notifier cannot be nil")
		}
		r.notifier = notifier
		return nil
	}
}

// WithRouterRetryStrategy overrides the retry strategy for confirmed
// deliveries.
func WithRouterRetryStrategy(strategy retry.Strategy) RouterOption {
	return func(r *Router) error {
		r.strategy = strategy
		return nil
	}
}

// WithRouterConfirmationRetention overrides how long resolved and pending
// confirmations are kept before cleanup drops them.
func WithRouterConfirmationRetention(resolved, pending time.Duration) RouterOption {
	return func(r *Router) error {
		if resolved <= 0 || pending <= 0 {
			return fmt.Errorf("retention windows must be positive")
		}
		r.confirmRetention = resolved
		r.pendingRetention = pending
		return nil
	}
}

// WithRouterIntervals overrides the retry and confirmation cleanup loop
// intervals.
func WithRouterIntervals(retryInterval, cleanupInterval time.Duration) RouterOption {
	return func(r *Router) error {
		if retryInterval <= 0 || cleanupInterval <= 0 {
			return fmt.Errorf("intervals must be positive")
		}
		r.retryInterval = retryInterval
		r.confirmCleanup = cleanupInterval
		return nil
	}
}

// Route validates, authorizes, persists, and dispatches a message. The
// caller always receives either a terminal rejection error or an
// accepted-for-delivery result; handler failures after persistence surface
// in the result, never as an error.
func (r *Router) Route(ctx context.Context, msg model.Message) (*model.DeliveryResult, error) {
	started := time.Now()

	if err := r.validate(msg); err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, msg); err != nil {
		return nil, err
	}

	var conf *model.DeliveryConfirmation
	if msg.ConfirmDelivery {
		conf = model.NewDeliveryConfirmation(msg.ID, msg.Target)
		r.mu.Lock()
		r.confirmations[msg.ID] = conf
		r.mu.Unlock()
	}

	var (
		result *model.DeliveryResult
		err    error
	)
	switch msg.Mode {
	case model.ModeDirect:
		result, err = r.routeDirect(ctx, msg)
	case model.ModeTopic:
		result, err = r.routeTopic(ctx, msg)
	case model.ModeBroadcast:
		result, err = r.routeBroadcast(ctx, msg)
	default:
		err = NewError(ErrCodeValidation, fmt.Sprintf("unsupported addressing mode: %s", msg.Mode))
	}
	if err != nil {
		if conf != nil {
			r.mu.Lock()
			delete(r.confirmations, msg.ID)
			r.mu.Unlock()
		}
		return nil, err
	}

	if conf != nil {
		r.settleConfirmation(ctx, conf, result, time.Since(started))
	}

	r.logger.Infof("Message routed: id=%s, mode=%s, target=%s, status=%s, reached=%d, queued=%d",
		msg.ID, msg.Mode, msg.Target, result.Status, result.SubscribersReached, result.Queued)
	return result, nil
}

func (r *Router) validate(msg model.Message) error {
	if msg.ID == "" {
		return NewError(ErrCodeValidation, "message id is required")
	}
	if msg.Sender == "" {
		return NewError(ErrCodeValidation, "sender is required")
	}
	if !msg.Mode.IsValid() {
		return NewError(ErrCodeValidation, fmt.Sprintf("invalid addressing mode: %s", msg.Mode))
	}
	if msg.Mode != model.ModeBroadcast && msg.Target == "" {
		return NewError(ErrCodeValidation, "target is required")
	}
	if msg.Mode != model.ModeBroadcast {
		if _, err := CompilePattern(msg.Target); err != nil {
			return NewErrorWithCause(ErrCodeValidation, fmt.Sprintf("invalid target: %s", msg.Target), err)
		}
		if IsPattern(msg.Target) {
			return NewError(ErrCodeValidation, "message target cannot contain wildcards")
		}
	}
	if size := msg.EncodedSize(); size > model.MaxMessageSize {
		return NewError(ErrCodeSizeLimit, fmt.Sprintf("message exceeds size limit: %d bytes", size))
	}
	if len(msg.Payload) > model.MaxPayloadSize {
		return NewError(ErrCodeSizeLimit, fmt.Sprintf("payload exceeds size limit: %d bytes", len(msg.Payload)))
	}
	if msg.PayloadHash != "" && !msg.VerifyPayload() {
		return NewError(ErrCodeValidation, "payload hash mismatch")
	}
	if msg.IsExpired(time.Now()) {
		return NewError(ErrCodeExpired, fmt.Sprintf("message TTL already elapsed: %s", msg.ID))
	}
	return nil
}

func (r *Router) authorize(ctx context.Context, msg model.Message) error {
	resource := ResourceBroadcast
	switch msg.Mode {
	case model.ModeDirect:
		resource = ResourceMailboxPrefix + msg.Target
	case model.ModeTopic:
		resource = ResourceTopicPrefix + msg.Target
	}

	allowed, err := r.permissions.CheckPermission(ctx, msg.Sender, resource, model.ActionWrite)
	if err != nil {
		return err
	}
	if !allowed {
		return NewError(ErrCodeAuthorization, fmt.Sprintf("sender %s is not allowed to write %s", msg.Sender, resource))
	}
	return nil
}

// routeDirect persists the message into its mailbox, pushes to connected
// subscribers, and queues for everyone else. Persistence failure is the only
// error path; after Append succeeds the submitter gets a result.
func (r *Router) routeDirect(ctx context.Context, msg model.Message) (*model.DeliveryResult, error) {
	if err := r.mailboxes.Append(ctx, msg.Target, msg); err != nil {
		return nil, err
	}

	result, unreachable := r.realtime.Broadcast(ctx, msg)
	r.queueUnreachable(ctx, msg, result, unreachable)

	if result.PatternMatches == 0 {
		// Nobody subscribed yet; park the message under the mailbox so a
		// future subscriber's replay picks it up.
		if err := r.offline.EnqueueMailbox(ctx, msg.Target, msg, 0); err != nil {
			r.logger.Errorf("Failed to queue under mailbox: target=%s, messageId=%s: %v", msg.Target, msg.ID, err)
		} else {
			result.Queued++
		}
	}
	return result, nil
}

func (r *Router) routeTopic(ctx context.Context, msg model.Message) (*model.DeliveryResult, error) {
	if err := r.mailboxes.AppendTopic(ctx, msg.Target, msg); err != nil {
		return nil, err
	}

	result, unreachable := r.realtime.Broadcast(ctx, msg)
	r.queueUnreachable(ctx, msg, result, unreachable)
	return result, nil
}

// routeBroadcast fans out to every active mailbox. Per-target failures are
// recorded in the result; a broadcast never fails as a whole because one
// mailbox misbehaved.
func (r *Router) routeBroadcast(ctx context.Context, msg model.Message) (*model.DeliveryResult, error) {
	boxes, err := r.mailboxes.ListActiveMailboxes(ctx)
	if err != nil {
		return nil, err
	}

	result := &model.DeliveryResult{
		MessageID: msg.ID,
		Status:    model.RouteQueued,
		Targets:   make([]model.TargetOutcome, 0, len(boxes)),
	}

	for _, mb := range boxes {
		scoped := msg
		scoped.Target = mb.Name

		sub, err := r.routeDirect(ctx, scoped)
		if err != nil {
			result.Targets = append(result.Targets, model.TargetOutcome{
				Target: mb.Name,
				Status: model.RouteFailed,
				Error:  err.Error(),
			})
			r.logger.Errorf("Broadcast target failed: target=%s, messageId=%s: %v", mb.Name, msg.ID, err)
			continue
		}

		result.Targets = append(result.Targets, model.TargetOutcome{Target: mb.Name, Status: sub.Status})
		result.SubscribersReached += sub.SubscribersReached
		result.PatternMatches += sub.PatternMatches
		result.Queued += sub.Queued
		for participant, reason := range sub.Failures {
			result.AddFailure(participant, reason)
		}
	}

	if result.SubscribersReached > 0 {
		result.Status = model.RouteDelivered
	}
	return result, nil
}

func (r *Router) queueUnreachable(ctx context.Context, msg model.Message, result *model.DeliveryResult, unreachable []model.Subscription) {
	for _, sub := range unreachable {
		if err := r.offline.Enqueue(ctx, sub.Participant, msg, sub.MaxQueueSize); err != nil {
			r.logger.Errorf("Failed to queue offline: participant=%s, messageId=%s: %v", sub.Participant, msg.ID, err)
			result.AddFailure(sub.Participant, err.Error())
			continue
		}
		result.Queued++
	}
}

// settleConfirmation records the submit-time outcome on a requested
// confirmation. Realtime success resolves it; handler failures schedule a
// retry; a queued message stays PENDING until a consumer confirms receipt.
func (r *Router) settleConfirmation(ctx context.Context, conf *model.DeliveryConfirmation, result *model.DeliveryResult, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case result.SubscribersReached > 0:
		conf.RecordSuccess(latency)
	case len(result.Failures) > 0:
		var reason string
		for _, msg := range result.Failures {
			reason = msg
			break
		}
		err := fmt.Errorf("%s", reason)
		conf.RecordFailure(latency, err)
		r.scheduleOrFail(ctx, conf, err)
	}
}

// scheduleOrFail plans the next retry or marks the confirmation terminally
// failed. Caller holds r.mu.
func (r *Router) scheduleOrFail(ctx context.Context, conf *model.DeliveryConfirmation, cause error) {
	if conf.RetryCount >= r.strategy.MaxAttempts {
		conf.MarkFailed()
		if err := r.notifier.NotifyDeadLetter(ctx, conf); err != nil {
			r.logger.Warnf("Dead letter notification failed: messageId=%s: %v", conf.MessageID, err)
		}
		r.logger.Errorf("Delivery failed terminally: messageId=%s, target=%s, attempts=%d", conf.MessageID, conf.Target, conf.RetryCount)
		return
	}

	delay := r.strategy.DelayWithJitter(conf.RetryCount)
	conf.ScheduleRetry(delay)
	if err := r.notifier.NotifyDeliveryFailure(ctx, conf, cause); err != nil {
		r.logger.Warnf("Failure notification failed: messageId=%s: %v", conf.MessageID, err)
	}
	r.logger.Warnf("Delivery retry scheduled: messageId=%s, target=%s, attempt=%d, delay=%s", conf.MessageID, conf.Target, conf.RetryCount, delay)
}

// ConfirmDelivery records an external receipt confirmation for a message.
// Confirming an already terminal confirmation is a validation error.
func (r *Router) ConfirmDelivery(ctx context.Context, messageID string, success bool, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conf, ok := r.confirmations[messageID]
	if !ok {
		return NewError(ErrCodeNoData, fmt.Sprintf("no confirmation tracked for message: %s", messageID))
	}
	if conf.IsTerminal() {
		return NewError(ErrCodeValidation, fmt.Sprintf("confirmation already resolved: %s", messageID))
	}

	if success {
		conf.RecordSuccess(0)
		r.logger.Infof("Delivery confirmed: messageId=%s", messageID)
		return nil
	}

	err := fmt.Errorf("%s", reason)
	conf.RecordFailure(0, err)
	r.scheduleOrFail(ctx, conf, err)
	return nil
}

// GetStatus returns a copy of the tracked confirmation for a message.
func (r *Router) GetStatus(_ context.Context, messageID string) (model.DeliveryConfirmation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conf, ok := r.confirmations[messageID]
	if !ok {
		return model.DeliveryConfirmation{}, NewError(ErrCodeNoData, fmt.Sprintf("no confirmation tracked for message: %s", messageID))
	}
	return *conf, nil
}

// CancelRetry stops further retries for a pending confirmation. Cancelling a
// terminal confirmation is a no-op error.
func (r *Router) CancelRetry(_ context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conf, ok := r.confirmations[messageID]
	if !ok {
		return NewError(ErrCodeNoData, fmt.Sprintf("no confirmation tracked for message: %s", messageID))
	}
	if !conf.Cancel() {
		return NewError(ErrCodeValidation, fmt.Sprintf("confirmation already resolved: %s", messageID))
	}

	r.logger.Infof("Retry cancelled: messageId=%s", messageID)
	return nil
}

// ProcessRetries re-attempts realtime delivery for every confirmation whose
// retry is due. Returns the number of attempts made.
func (r *Router) ProcessRetries(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	due := make([]*model.DeliveryConfirmation, 0)
	for _, conf := range r.confirmations {
		if conf.RetryDue(now) {
			due = append(due, conf)
		}
	}
	r.mu.Unlock()

	attempts := 0
	for _, conf := range due {
		attempts++

		msg, err := r.mailboxes.GetMessage(ctx, conf.MessageID)
		if err != nil {
			if IsNoData(err) {
				r.mu.Lock()
				conf.MarkExpired()
				r.mu.Unlock()
				r.logger.Warnf("Retry abandoned, message gone: messageId=%s", conf.MessageID)
				continue
			}
			return attempts, err
		}
		if msg.IsExpired(now) {
			r.mu.Lock()
			conf.MarkExpired()
			r.mu.Unlock()
			r.logger.Warnf("Retry abandoned, message expired: messageId=%s", conf.MessageID)
			continue
		}

		started := time.Now()
		result, _ := r.realtime.Broadcast(ctx, msg)

		r.mu.Lock()
		if result.SubscribersReached > 0 {
			conf.RecordSuccess(time.Since(started))
			r.logger.Infof("Retry succeeded: messageId=%s, attempt=%d", conf.MessageID, conf.RetryCount)
		} else {
			cause := fmt.Errorf("no subscriber reached")
			conf.RecordFailure(time.Since(started), cause)
			r.scheduleOrFail(ctx, conf, cause)
		}
		r.mu.Unlock()
	}
	return attempts, nil
}

// CleanupConfirmations drops terminal confirmations older than the retention
// window. Pending confirmations nobody ever confirmed are expired and dropped
// once they outlive the pending retention window. Returns the number removed.
func (r *Router) CleanupConfirmations(_ context.Context) int {
	now := time.Now().UTC()
	cutoff := now.Add(-r.confirmRetention)
	pendingCutoff := now.Add(-r.pendingRetention)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, conf := range r.confirmations {
		switch {
		case conf.IsTerminal() && conf.ResolvedAt.Before(cutoff):
			delete(r.confirmations, id)
			removed++
		case !conf.IsTerminal() && conf.CreatedAt.Before(pendingCutoff):
			conf.MarkExpired()
			delete(r.confirmations, id)
			removed++
			r.logger.Warnf("Confirmation expired unresolved: messageId=%s, age=%s", conf.MessageID, conf.Age(now))
		}
	}
	if removed > 0 {
		r.logger.Debugf("Confirmation cleanup: removed=%d", removed)
	}
	return removed
}

// Subscribe authorizes and creates a subscription for a participant.
func (r *Router) Subscribe(ctx context.Context, req SubscribeRequest) (model.Subscription, error) {
	allowed, err := r.permissions.CheckPermission(ctx, req.Participant, ResourceMailboxPrefix+req.Target, model.ActionSubscribe)
	if err != nil {
		return model.Subscription{}, err
	}
	if !allowed {
		return model.Subscription{}, NewError(ErrCodeAuthorization,
			fmt.Sprintf("participant %s is not allowed to subscribe to %s", req.Participant, req.Target))
	}
	return r.subscriptions.Subscribe(ctx, req)
}

// Unsubscribe removes a subscription by id.
func (r *Router) Unsubscribe(ctx context.Context, subscriptionID string) error {
	return r.subscriptions.Unsubscribe(ctx, subscriptionID)
}

// QueryMessages authorizes and lists messages from a mailbox.
func (r *Router) QueryMessages(ctx context.Context, participant, mailbox string, filter model.MessageFilter, page model.Page) (model.MessageList, error) {
	allowed, err := r.permissions.CheckPermission(ctx, participant, ResourceMailboxPrefix+mailbox, model.ActionRead)
	if err != nil {
		return model.MessageList{}, err
	}
	if !allowed {
		return model.MessageList{}, NewError(ErrCodeAuthorization,
			fmt.Sprintf("participant %s is not allowed to read %s", participant, mailbox))
	}
	return r.mailboxes.ListMessages(ctx, mailbox, filter, page)
}

// UnreadCount counts unread messages across the mailboxes a participant
// subscribes to.
func (r *Router) UnreadCount(ctx context.Context, participant string) (int, error) {
	targets := make([]string, 0)
	for _, sub := range r.subscriptions.ListActive(ctx, participant) {
		if !IsPattern(sub.Target) {
			targets = append(targets, sub.Target)
		}
	}
	return r.offline.UnreadCount(ctx, participant, targets)
}

// Start launches the retry and confirmation cleanup loops.
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(2)
	go r.loop(ctx, r.retryInterval, func() {
		if _, err := r.ProcessRetries(ctx); err != nil {
			r.logger.Errorf("Retry processing failed: %v", err)
		}
	})
	go r.loop(ctx, r.confirmCleanup, func() { r.CleanupConfirmations(ctx) })
	r.logger.Infof("Router started: retryInterval=%s, confirmationRetention=%s", r.retryInterval, r.confirmRetention)
}

// Stop terminates the background loops.
func (r *Router) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("Router stopped")
}

func (r *Router) loop(ctx context.Context, interval time.Duration, tick func()) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			tick()
		}
	}
}

// Health aggregates the health of every orchestrated component.
func (r *Router) Health(ctx context.Context) HealthReport {
	self := HealthFunc(func(context.Context) ComponentHealth {
		r.mu.Lock()
		pending := 0
		for _, conf := range r.confirmations {
			if !conf.IsTerminal() {
				pending++
			}
		}
		r.mu.Unlock()
		return ComponentHealth{
			Component: "router",
			State:     HealthOK,
			Details:   map[string]string{"pendingConfirmations": fmt.Sprintf("%d", pending)},
		}
	})
	return CheckHealth(ctx, r.mailboxes, r.subscriptions, self)
}
