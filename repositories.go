package mailbox

import (
	"context"
	"time"

	"github.com/coregx/mailbox/model"
)

// PermissionRepository defines the persistence interface for permission
// grants. The Permission Manager owns these records; SQL adapters live
// under adapters/relica.
//
// Implementations must be safe for concurrent use.
type PermissionRepository interface {
	// Save creates or replaces a grant by id.
	Save(ctx context.Context, p model.Permission) (model.Permission, error)

	// Delete removes a grant by id.
	Delete(ctx context.Context, id string) error

	// FindBySubject retrieves every grant applying to the participant,
	// including "*" wildcard-subject grants.
	// Returns an empty slice when none exist.
	FindBySubject(ctx context.Context, participant string) ([]model.Permission, error)

	// DeleteExpired removes grants whose expiry has lapsed.
	// Returns the number of grants removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// AuditRepository defines the persistence interface for the permission
// audit log. Every permission check, granted or denied, produces one entry.
type AuditRepository interface {
	// Append records one permission decision.
	Append(ctx context.Context, entry model.AuditEntry) error

	// FindByParticipant retrieves recent entries for a participant,
	// newest first.
	FindByParticipant(ctx context.Context, participant string, limit int) ([]model.AuditEntry, error)

	// DeleteOlderThan prunes entries created before the cutoff.
	// Returns the number of entries removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
