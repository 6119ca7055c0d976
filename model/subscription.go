package model

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryMode selects how matched messages reach a subscriber.
type DeliveryMode string

const (
	// DeliveryRealtime pushes messages to the registered handler as they arrive.
	DeliveryRealtime DeliveryMode = "REALTIME"

	// DeliveryBatch accumulates messages for periodic handler invocation.
	DeliveryBatch DeliveryMode = "BATCH"

	// DeliveryPolling leaves messages queued until the participant polls.
	DeliveryPolling DeliveryMode = "POLLING"
)

// IsValid reports whether the delivery mode is known.
func (m DeliveryMode) IsValid() bool {
	switch m {
	case DeliveryRealtime, DeliveryBatch, DeliveryPolling:
		return true
	}
	return false
}

// SubscriptionState is the lifecycle state of a subscription.
//
// State machine: CREATED -> ACTIVE -> (DISCONNECTED <-> ACTIVE via
// heartbeat) -> REMOVED.
type SubscriptionState string

const (
	SubscriptionCreated      SubscriptionState = "CREATED"
	SubscriptionActive       SubscriptionState = "ACTIVE"
	SubscriptionDisconnected SubscriptionState = "DISCONNECTED"
	SubscriptionRemoved      SubscriptionState = "REMOVED"
)

// DefaultOfflineQueueSize bounds the per-participant offline queue.
const DefaultOfflineQueueSize = 10_000

// Subscription registers a participant's interest in a target. The target
// may be a concrete mailbox or topic name, or a wildcard pattern ("*" for
// one segment, "**" for any depth) matched against message targets at
// delivery time, never at subscribe time.
//
// Subscriptions are unique per (participant, target) pair.
type Subscription struct {
	ID            string            `json:"id"`                      // Unique subscription id
	Participant   string            `json:"participant"`             // Owning participant id
	Target        string            `json:"target"`                  // Name or wildcard pattern
	Mode          DeliveryMode      `json:"mode"`                    // REALTIME, BATCH, or POLLING
	ContentFilter string            `json:"contentFilter,omitempty"` // Optional content-type filter
	MaxQueueSize  int               `json:"maxQueueSize"`            // Offline queue ceiling
	State         SubscriptionState `json:"state"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// NewSubscription creates a subscription in the CREATED state with the
// default offline queue bound when none is given.
func NewSubscription(participant, target string, mode DeliveryMode) Subscription {
	return Subscription{
		ID:           uuid.NewString(),
		Participant:  participant,
		Target:       target,
		Mode:         mode,
		MaxQueueSize: DefaultOfflineQueueSize,
		State:        SubscriptionCreated,
		CreatedAt:    time.Now().UTC(),
	}
}

// Activate transitions the subscription to ACTIVE. Valid from CREATED and
// DISCONNECTED.
func (s *Subscription) Activate() {
	if s.State == SubscriptionRemoved {
		return
	}
	s.State = SubscriptionActive
}

// Disconnect transitions the subscription to DISCONNECTED. Messages matched
// while disconnected are redirected to the offline queue.
func (s *Subscription) Disconnect() {
	if s.State == SubscriptionRemoved {
		return
	}
	s.State = SubscriptionDisconnected
}

// Remove terminally retires the subscription.
func (s *Subscription) Remove() {
	s.State = SubscriptionRemoved
}

// IsLive reports whether the subscription still participates in routing
// (anything but REMOVED).
func (s Subscription) IsLive() bool {
	return s.State != SubscriptionRemoved
}

// AcceptsContentType applies the optional content filter.
func (s Subscription) AcceptsContentType(contentType string) bool {
	return s.ContentFilter == "" || s.ContentFilter == contentType
}
