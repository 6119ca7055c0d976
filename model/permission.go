package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is a permissible operation on a resource.
type Action string

const (
	ActionRead      Action = "READ"
	ActionWrite     Action = "WRITE"
	ActionSubscribe Action = "SUBSCRIBE"
	ActionAdmin     Action = "ADMIN"
)

// Role names map to predefined action sets.
const (
	RoleAdmin      = "admin"
	RoleUser       = "user"
	RoleReadonly   = "readonly"
	RoleSubscriber = "subscriber"
)

// RoleActions returns the action set granted by a predefined role, or nil
// for unknown roles.
func RoleActions(role string) []Action {
	switch role {
	case RoleAdmin:
		return []Action{ActionRead, ActionWrite, ActionSubscribe, ActionAdmin}
	case RoleUser:
		return []Action{ActionRead, ActionWrite, ActionSubscribe}
	case RoleReadonly:
		return []Action{ActionRead, ActionSubscribe}
	case RoleSubscriber:
		return []Action{ActionSubscribe}
	}
	return nil
}

// Permission grants a subject an action set on a resource pattern.
//
// Resource patterns match exactly or by "*" suffix: "mailbox:inbox-a" is
// exact, "mailbox:*" covers every mailbox, and "*" alone covers everything.
// Resolution uses the most specific non-expired grant.
type Permission struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject" db:"subject"`   // Participant id or "*"
	Resource  string    `json:"resource" db:"resource"` // Resource pattern
	Actions   []Action  `json:"actions"`
	ExpiresAt time.Time `json:"expiresAt,omitempty" db:"expires_at"` // Zero means no expiry
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// TableName returns the database table name for Permission.
func (p Permission) TableName() string {
	return tablePrefix + "permission"
}

// NewPermission creates a grant with a fresh id.
func NewPermission(subject, resource string, actions ...Action) Permission {
	return Permission{
		ID:        uuid.NewString(),
		Subject:   subject,
		Resource:  resource,
		Actions:   actions,
		CreatedAt: time.Now().UTC(),
	}
}

// IsExpired reports whether the grant has lapsed. Expired grants are
// treated as absent.
func (p Permission) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Allows reports whether the grant includes the action.
func (p Permission) Allows(action Action) bool {
	for _, a := range p.Actions {
		if a == action || a == ActionAdmin {
			return true
		}
	}
	return false
}

// MatchesSubject reports whether the grant applies to the participant.
func (p Permission) MatchesSubject(participant string) bool {
	return p.Subject == "*" || p.Subject == participant
}

// MatchesResource reports whether the pattern covers the resource.
func (p Permission) MatchesResource(resource string) bool {
	if p.Resource == "*" || p.Resource == resource {
		return true
	}
	if prefix, ok := strings.CutSuffix(p.Resource, "*"); ok {
		return strings.HasPrefix(resource, prefix)
	}
	return false
}

// Specificity orders grants for longest-match resolution: exact names beat
// prefixed wildcards, which beat the global wildcard. Longer prefixes win
// among wildcards.
func (p Permission) Specificity() int {
	if p.Resource == "*" {
		return 0
	}
	if strings.HasSuffix(p.Resource, "*") {
		return len(p.Resource)
	}
	// Exact resources always outrank any wildcard pattern.
	return len(p.Resource) + 1<<16
}

// Token is a validated session credential with expiry. Token sessions live
// in the backing store under their own expiring keys, not in SQL.
type Token struct {
	Value       string    `json:"value"`
	Participant string    `json:"participant"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// IsExpired reports whether the token has lapsed.
func (t Token) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// AuditEntry logs one permission check, granted or denied.
type AuditEntry struct {
	ID          int64     `json:"id"`
	Participant string    `json:"participant" db:"participant"`
	Resource    string    `json:"resource" db:"resource"`
	Action      Action    `json:"action" db:"action"`
	Allowed     bool      `json:"allowed" db:"allowed"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// TableName returns the database table name for AuditEntry.
func (a AuditEntry) TableName() string {
	return tablePrefix + "audit"
}

// NewAuditEntry records a permission decision at the current time.
func NewAuditEntry(participant, resource string, action Action, allowed bool) AuditEntry {
	return AuditEntry{
		Participant: participant,
		Resource:    resource,
		Action:      action,
		Allowed:     allowed,
		CreatedAt:   time.Now().UTC(),
	}
}
