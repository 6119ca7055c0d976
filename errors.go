package mailbox

import (
	"errors"
	"fmt"
)

// Error represents a mailbox library error with categorization.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error (if any)
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Error codes for routing and delivery operations.
const (
	// ErrCodeNoData indicates no data was found.
	ErrCodeNoData = "NO_DATA"

	// ErrCodeValidation indicates a malformed or oversized message or
	// request. Rejected immediately, never retried.
	ErrCodeValidation = "VALIDATION_ERROR"

	// ErrCodeAuthorization indicates a denied permission check. Rejected
	// immediately, audited, never retried.
	ErrCodeAuthorization = "AUTHORIZATION_ERROR"

	// ErrCodeAuthentication indicates invalid credentials.
	ErrCodeAuthentication = "AUTHENTICATION_ERROR"

	// ErrCodeTokenExpired indicates a lapsed session token.
	ErrCodeTokenExpired = "TOKEN_EXPIRED"

	// ErrCodeConfiguration indicates invalid component configuration.
	ErrCodeConfiguration = "CONFIGURATION_ERROR"

	// ErrCodeStorage indicates the backing store is unreachable or failed.
	// Surfaced to the caller for upstream retry.
	ErrCodeStorage = "STORAGE_ERROR"

	// ErrCodeDelivery indicates a handler-level delivery failure. Retried
	// with backoff up to the attempt ceiling.
	ErrCodeDelivery = "DELIVERY_ERROR"

	// ErrCodeExpired indicates the message TTL elapsed before or during
	// delivery. Terminal, never retried.
	ErrCodeExpired = "EXPIRED"

	// ErrCodeInvalidPattern indicates a malformed subscription pattern.
	ErrCodeInvalidPattern = "INVALID_PATTERN"

	// ErrCodeDuplicateSubscription indicates the (participant, target)
	// pair is already subscribed.
	ErrCodeDuplicateSubscription = "DUPLICATE_SUBSCRIPTION"

	// ErrCodeSizeLimit indicates the message exceeds a size cap.
	ErrCodeSizeLimit = "SIZE_LIMIT"

	// ErrCodeMailboxNotFound indicates an explicit lookup of a mailbox
	// that does not exist. Auto-creating paths never surface this.
	ErrCodeMailboxNotFound = "MAILBOX_NOT_FOUND"
)

// Common errors.
var (
	// ErrNoData is returned when a query returns no results.
	// This is not necessarily an error condition in all cases.
	ErrNoData = &Error{
		Code:    ErrCodeNoData,
		Message: "no data found",
	}

	// ErrStoreUnavailable is returned when the backing store cannot be
	// reached, including when the circuit breaker is open.
	ErrStoreUnavailable = &Error{
		Code:    ErrCodeStorage,
		Message: "backing store unavailable",
	}
)

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error wrapping an underlying error.
func NewErrorWithCause(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// hasCode checks whether err carries the given mailbox error code.
func hasCode(err error, code string) bool {
	var mbErr *Error
	if errors.As(err, &mbErr) {
		return mbErr.Code == code
	}
	return false
}

// IsNoData checks if an error is ErrNoData.
func IsNoData(err error) bool {
	return hasCode(err, ErrCodeNoData) || errors.Is(err, ErrNoData)
}

// IsValidation checks if an error is a validation rejection.
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation) || hasCode(err, ErrCodeSizeLimit)
}

// IsAuthorization checks if an error is a permission denial.
func IsAuthorization(err error) bool {
	return hasCode(err, ErrCodeAuthorization)
}

// IsExpired checks if an error is a TTL expiry rejection.
func IsExpired(err error) bool {
	return hasCode(err, ErrCodeExpired)
}

// IsStorage checks if an error is a backing-store failure.
func IsStorage(err error) bool {
	return hasCode(err, ErrCodeStorage)
}
