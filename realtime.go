package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coregx/mailbox/model"
)

// DefaultHandlerTimeout bounds a single delivery handler invocation.
const DefaultHandlerTimeout = 5 * time.Second

// SubscriptionSource is the realtime delivery service's view of the
// subscription manager.
type SubscriptionSource interface {
	LiveSubscriptions() []model.Subscription
	Reachable(participant string) bool
	Deliver(ctx context.Context, participant string, msg model.Message) error
}

// deliveryEnvelope wraps a message for cross-process propagation through
// store channels. Origin identifies the publishing process so subscribers
// can drop envelopes they already delivered locally.
type deliveryEnvelope struct {
	Origin  string        `json:"origin"`
	Message model.Message `json:"message"`
}

// RealtimeDelivery pushes messages to connected subscribers. Matching runs
// in-process against the live subscription set; matched deliveries are
// invoked concurrently, each bounded by the handler timeout. A handler
// failure is recorded in the result and never propagates to the submitter.
type RealtimeDelivery struct {
	source   SubscriptionSource
	store    Store
	logger   Logger
	patterns *PatternCache

	origin         string
	handlerTimeout time.Duration
}

// RealtimeDeliveryOption configures a RealtimeDelivery.
type RealtimeDeliveryOption func(*RealtimeDelivery) error

// NewRealtimeDelivery creates a new RealtimeDelivery with the provided
// options.
//
// Required options:
//   - WithRealtimeSource: subscription source
//   - WithRealtimeStore: backing store for cross-process propagation
//   - WithRealtimeLogger: logger instance
func NewRealtimeDelivery(opts ...RealtimeDeliveryOption) (*RealtimeDelivery, error) {
	d := &RealtimeDelivery{
		patterns:       NewPatternCache(),
		handlerTimeout: DefaultHandlerTimeout,
	}

	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply realtime delivery option", err)
		}
	}

	if d.source == nil {
		return nil, NewError(ErrCodeConfiguration, "SubscriptionSource is required (use WithRealtimeSource)")
	}
	if d.store == nil {
		return nil, NewError(ErrCodeConfiguration, "Store is required (use WithRealtimeStore)")
	}
	if d.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithRealtimeLogger)")
	}

	// Without an explicit origin, adopt the source's so envelopes published
	// here are recognized as local by the source's channel pumps.
	if d.origin == "" {
		if src, ok := d.source.(interface{ Origin() string }); ok {
			d.origin = src.Origin()
		} else {
			d.origin = uuid.NewString()
		}
	}

	return d, nil
}

// WithRealtimeSource sets the subscription source.
func WithRealtimeSource(source SubscriptionSource) RealtimeDeliveryOption {
	return func(d *RealtimeDelivery) error {
		if source == nil {
			return fmt.Errorf("source cannot be nil")
		}
		d.source = source
		return nil
	}
}

// WithRealtimeStore sets the backing store.
func WithRealtimeStore(store Store) RealtimeDeliveryOption {
	return func(d *RealtimeDelivery) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		d.store = store
		return nil
	}
}

// WithRealtimeLogger sets the logger instance.
func WithRealtimeLogger(logger Logger) RealtimeDeliveryOption {
	return func(d *RealtimeDelivery) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		d.logger = logger
		return nil
	}
}

// WithRealtimeOrigin sets the process id stamped on published envelopes.
func WithRealtimeOrigin(origin string) RealtimeDeliveryOption {
	return func(d *RealtimeDelivery) error {
		if origin == "" {
			return fmt.Errorf("origin cannot be empty")
		}
		d.origin = origin
		return nil
	}
}

// WithRealtimeHandlerTimeout overrides the per-delivery handler timeout.
func WithRealtimeHandlerTimeout(timeout time.Duration) RealtimeDeliveryOption {
	return func(d *RealtimeDelivery) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout must be positive")
		}
		d.handlerTimeout = timeout
		return nil
	}
}

// InvalidatePatterns resets the compiled pattern cache. Wired to the
// subscription manager's change listener.
func (d *RealtimeDelivery) InvalidatePatterns() {
	d.patterns.Reset()
}

// MatchSubscriptions returns the live subscriptions whose target pattern and
// content filter match the message. Subscriptions with uncompilable targets
// are skipped.
func (d *RealtimeDelivery) MatchSubscriptions(msg model.Message) []model.Subscription {
	subs := d.source.LiveSubscriptions()
	matched := make([]model.Subscription, 0, len(subs))
	for _, sub := range subs {
		p, err := d.patterns.Get(sub.Target)
		if err != nil {
			d.logger.Errorf("Skipping subscription with invalid target: id=%s, target=%s: %v", sub.ID, sub.Target, err)
			continue
		}
		if !p.Matches(msg.Target) {
			continue
		}
		if !sub.AcceptsContentType(msg.ContentType) {
			continue
		}
		matched = append(matched, sub)
	}
	return matched
}

// Broadcast pushes a message to every matching connected subscriber and
// publishes it to the store channel for other processes. Returns the
// delivery result and the matched subscriptions that could not be reached,
// which the router queues offline.
func (d *RealtimeDelivery) Broadcast(ctx context.Context, msg model.Message) (*model.DeliveryResult, []model.Subscription) {
	matched := d.MatchSubscriptions(msg)

	result := &model.DeliveryResult{
		MessageID:      msg.ID,
		PatternMatches: len(matched),
		Failures:       make(map[string]string),
	}

	var unreachable []model.Subscription
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, sub := range matched {
		if sub.Mode != model.DeliveryRealtime || !d.source.Reachable(sub.Participant) {
			unreachable = append(unreachable, sub)
			continue
		}

		wg.Add(1)
		go func(sub model.Subscription) {
			defer wg.Done()

			dctx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
			defer cancel()

			err := d.source.Deliver(dctx, sub.Participant, msg)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.AddFailure(sub.Participant, err.Error())
				unreachable = append(unreachable, sub)
				d.logger.Warnf("Realtime delivery failed: participant=%s, messageId=%s: %v", sub.Participant, msg.ID, err)
				return
			}
			result.SubscribersReached++
		}(sub)
	}
	wg.Wait()

	d.publish(ctx, msg)

	if result.SubscribersReached > 0 {
		result.Status = model.RouteDelivered
	} else {
		result.Status = model.RouteQueued
	}
	return result, unreachable
}

// publish propagates the message to other processes through the store
// channel for its target. Publish errors are logged, not propagated; local
// delivery already happened and the message is persisted.
func (d *RealtimeDelivery) publish(ctx context.Context, msg model.Message) {
	env := deliveryEnvelope{Origin: d.origin, Message: msg}
	raw, err := json.Marshal(env)
	if err != nil {
		d.logger.Errorf("Failed to encode delivery envelope: messageId=%s: %v", msg.ID, err)
		return
	}
	if err := d.store.Publish(ctx, channelDeliver+msg.Target, raw); err != nil {
		d.logger.Errorf("Failed to publish delivery envelope: messageId=%s, target=%s: %v", msg.ID, msg.Target, err)
	}
}

// DeliverDirect attempts a realtime push to a single participant, bounded by
// the handler timeout. Used by the retry loop.
func (d *RealtimeDelivery) DeliverDirect(ctx context.Context, participant string, msg model.Message) error {
	if !d.source.Reachable(participant) {
		return NewError(ErrCodeDelivery, fmt.Sprintf("participant not reachable: %s", participant))
	}

	dctx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancel()
	return d.source.Deliver(dctx, participant, msg)
}
