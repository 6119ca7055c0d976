package model

import "time"

// DeliveryStatus is the tracked outcome of a confirmed delivery.
type DeliveryStatus string

const (
	// StatusPending indicates delivery is in flight or awaiting retry.
	StatusPending DeliveryStatus = "PENDING"

	// StatusDelivered indicates at least one successful delivery attempt.
	StatusDelivered DeliveryStatus = "DELIVERED"

	// StatusFailed indicates retries were exhausted or cancelled. The
	// underlying message stays persisted (dead-letter by omission).
	StatusFailed DeliveryStatus = "FAILED"

	// StatusExpired indicates the message TTL elapsed before delivery.
	StatusExpired DeliveryStatus = "EXPIRED"
)

// DeliveryAttempt records one delivery attempt against a target.
type DeliveryAttempt struct {
	Timestamp time.Time     `json:"timestamp"`
	Success   bool          `json:"success"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// DeliveryConfirmation tracks attempts and outcome for a message that
// requested confirmed delivery.
//
// Lifecycle:
//  1. Created PENDING when the router accepts the message.
//  2. Each attempt is recorded; failures schedule a retry with backoff.
//  3. DELIVERED, FAILED, and EXPIRED are terminal - once reached, no
//     further attempts are scheduled.
//
// Business logic methods:
//   - RecordSuccess/RecordFailure: capture an attempt outcome
//   - ScheduleRetry: arm the next backoff-delayed attempt
//   - CanAttempt: gate the next attempt against business rules
//   - Cancel: caller-driven transition from a scheduled retry to FAILED
type DeliveryConfirmation struct {
	MessageID   string            `json:"messageID"`
	Target      string            `json:"target"`
	Status      DeliveryStatus    `json:"status"`
	Attempts    []DeliveryAttempt `json:"attempts"`
	RetryCount  int               `json:"retryCount"`
	NextRetryAt time.Time         `json:"nextRetryAt,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	ResolvedAt  time.Time         `json:"resolvedAt,omitempty"`
}

// NewDeliveryConfirmation creates a PENDING confirmation for a message.
func NewDeliveryConfirmation(messageID, target string) *DeliveryConfirmation {
	return &DeliveryConfirmation{
		MessageID: messageID,
		Target:    target,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// IsTerminal reports whether the confirmation reached a final status.
func (c *DeliveryConfirmation) IsTerminal() bool {
	return c.Status == StatusDelivered || c.Status == StatusFailed || c.Status == StatusExpired
}

// RecordSuccess captures a successful attempt and resolves the confirmation.
func (c *DeliveryConfirmation) RecordSuccess(latency time.Duration) {
	c.Attempts = append(c.Attempts, DeliveryAttempt{
		Timestamp: time.Now().UTC(),
		Success:   true,
		Latency:   latency,
	})
	c.Status = StatusDelivered
	c.ResolvedAt = time.Now().UTC()
	c.NextRetryAt = time.Time{}
}

// RecordFailure captures a failed attempt and bumps the retry count. The
// caller decides whether to schedule a retry or mark the confirmation
// failed.
func (c *DeliveryConfirmation) RecordFailure(latency time.Duration, err error) {
	attempt := DeliveryAttempt{
		Timestamp: time.Now().UTC(),
		Latency:   latency,
	}
	if err != nil {
		attempt.Error = err.Error()
	}
	c.Attempts = append(c.Attempts, attempt)
	c.RetryCount++
}

// ScheduleRetry arms the next attempt after the given delay. No-op when the
// confirmation is already terminal.
func (c *DeliveryConfirmation) ScheduleRetry(delay time.Duration) {
	if c.IsTerminal() {
		return
	}
	c.Status = StatusPending
	c.NextRetryAt = time.Now().UTC().Add(delay)
}

// RetryDue reports whether a scheduled retry is ready to fire.
func (c *DeliveryConfirmation) RetryDue(now time.Time) bool {
	if c.IsTerminal() || c.NextRetryAt.IsZero() {
		return false
	}
	return !now.Before(c.NextRetryAt)
}

// MarkFailed terminally fails the confirmation.
func (c *DeliveryConfirmation) MarkFailed() {
	if c.IsTerminal() {
		return
	}
	c.Status = StatusFailed
	c.ResolvedAt = time.Now().UTC()
	c.NextRetryAt = time.Time{}
}

// MarkExpired terminally expires the confirmation.
func (c *DeliveryConfirmation) MarkExpired() {
	if c.IsTerminal() {
		return
	}
	c.Status = StatusExpired
	c.ResolvedAt = time.Now().UTC()
	c.NextRetryAt = time.Time{}
}

// Cancel aborts a pending retry, transitioning directly to FAILED. Returns
// false when the confirmation was already terminal.
func (c *DeliveryConfirmation) Cancel() bool {
	if c.IsTerminal() {
		return false
	}
	c.MarkFailed()
	return true
}

// CanAttempt validates whether another delivery attempt is allowed.
//
// Returns an error when the attempt must not proceed:
//   - ErrConfirmationTerminal: already DELIVERED, FAILED, or EXPIRED
//   - ErrMaxAttemptsExceeded: retry ceiling reached
//   - ErrNotReadyForRetry: the backoff delay has not elapsed
func (c *DeliveryConfirmation) CanAttempt(maxAttempts int, now time.Time) error {
	if c.IsTerminal() {
		return ErrConfirmationTerminal
	}
	if c.RetryCount >= maxAttempts {
		return ErrMaxAttemptsExceeded
	}
	if !c.NextRetryAt.IsZero() && now.Before(c.NextRetryAt) {
		return ErrNotReadyForRetry
	}
	return nil
}

// Age returns how long the confirmation has existed.
func (c *DeliveryConfirmation) Age(now time.Time) time.Duration {
	return now.Sub(c.CreatedAt)
}

// Domain errors returned by DeliveryConfirmation business logic methods.
var (
	// ErrConfirmationTerminal indicates the confirmation already resolved.
	ErrConfirmationTerminal = DomainError{Code: "TERMINAL", Message: "delivery confirmation already resolved"}

	// ErrMaxAttemptsExceeded indicates the retry ceiling was reached.
	ErrMaxAttemptsExceeded = DomainError{Code: "MAX_ATTEMPTS", Message: "maximum delivery attempts exceeded"}

	// ErrNotReadyForRetry indicates the backoff delay has not elapsed yet.
	ErrNotReadyForRetry = DomainError{Code: "NOT_READY", Message: "not ready for retry yet"}
)

// DomainError represents a domain-level business rule violation.
type DomainError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
}

func (e DomainError) Error() string {
	return e.Message
}
