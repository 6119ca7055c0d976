package model

// RouteStatus summarizes the immediate outcome of routing a message.
type RouteStatus string

const (
	// RouteDelivered means at least one connected subscriber received the
	// message in real time.
	RouteDelivered RouteStatus = "DELIVERED"

	// RouteQueued means the message was persisted and queued for offline
	// participants; no realtime delivery happened.
	RouteQueued RouteStatus = "QUEUED"

	// RouteFailed means delivery failed terminally for the target.
	RouteFailed RouteStatus = "FAILED"

	// RouteExpired means the message TTL had already elapsed on submit.
	RouteExpired RouteStatus = "EXPIRED"
)

// TargetOutcome reports the per-target result of a broadcast.
type TargetOutcome struct {
	Target string      `json:"target"`
	Status RouteStatus `json:"status"`
	Error  string      `json:"error,omitempty"`
}

// DeliveryResult reports what happened to a submitted message. Broadcast
// results carry one TargetOutcome per active mailbox; partial failures do
// not fail the overall call.
type DeliveryResult struct {
	MessageID          string            `json:"messageID"`
	Status             RouteStatus       `json:"status"`
	SubscribersReached int               `json:"subscribersReached"` // Realtime deliveries that succeeded
	PatternMatches     int               `json:"patternMatches"`     // Subscriptions matched (direct + pattern)
	Queued             int               `json:"queued"`             // Offline queue entries created
	Failures           map[string]string `json:"failures,omitempty"` // Per-participant handler failures
	Targets            []TargetOutcome   `json:"targets,omitempty"`  // Broadcast per-target outcomes
}

// AddFailure records a per-participant handler failure.
func (r *DeliveryResult) AddFailure(participant, reason string) {
	if r.Failures == nil {
		r.Failures = make(map[string]string)
	}
	r.Failures[participant] = reason
}
