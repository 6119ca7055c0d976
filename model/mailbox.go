package model

import "time"

// MailboxState represents the lifecycle state of a mailbox.
type MailboxState string

const (
	// MailboxStateActive indicates the mailbox accepts and serves messages.
	MailboxStateActive MailboxState = "ACTIVE"

	// MailboxStateDeleted indicates a soft-deleted mailbox. Metadata is
	// retained but the mailbox no longer accepts writes or broadcasts.
	MailboxStateDeleted MailboxState = "DELETED"
)

// MailboxConfig holds the tunable settings of a mailbox.
type MailboxConfig struct {
	Name       string   `json:"name"`                 // Unique mailbox name
	Creator    string   `json:"creator"`              // Participant that created it
	MaxCount   int      `json:"maxCount"`             // Max messages before oldest-first eviction
	DefaultTTL int64    `json:"defaultTTL,omitempty"` // Default message TTL in seconds; 0 = none
	Tags       []string `json:"tags,omitempty"`       // Mailbox tag set
}

// DefaultMailboxMaxCount caps auto-created mailboxes.
const DefaultMailboxMaxCount = 100_000

// Mailbox is a named, durable, ordered message log with metadata and
// retention limits.
//
// Mailboxes are auto-created on first write to a non-existent name.
// Soft delete preserves metadata; hard delete purges every associated key.
type Mailbox struct {
	Name         string       `json:"name"`
	Creator      string       `json:"creator"`
	State        MailboxState `json:"state"`
	MaxCount     int          `json:"maxCount"`
	DefaultTTL   int64        `json:"defaultTTL,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	MessageCount int64        `json:"messageCount"`
	TotalBytes   int64        `json:"totalBytes"`
	LastActivity time.Time    `json:"lastActivity"`
}

// NewMailbox creates an active mailbox from a config, applying the default
// max-count when the config leaves it unset.
func NewMailbox(cfg MailboxConfig) Mailbox {
	maxCount := cfg.MaxCount
	if maxCount <= 0 {
		maxCount = DefaultMailboxMaxCount
	}
	now := time.Now().UTC()
	return Mailbox{
		Name:         cfg.Name,
		Creator:      cfg.Creator,
		State:        MailboxStateActive,
		MaxCount:     maxCount,
		DefaultTTL:   cfg.DefaultTTL,
		Tags:         cfg.Tags,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// IsActive reports whether the mailbox accepts writes.
func (b Mailbox) IsActive() bool {
	return b.State == MailboxStateActive
}

// RecordAppend updates aggregate stats after a message append.
func (b *Mailbox) RecordAppend(size int) {
	b.MessageCount++
	b.TotalBytes += int64(size)
	b.LastActivity = time.Now().UTC()
}

// RecordRemove updates aggregate stats after a message removal or eviction.
func (b *Mailbox) RecordRemove(size int) {
	if b.MessageCount > 0 {
		b.MessageCount--
	}
	b.TotalBytes -= int64(size)
	if b.TotalBytes < 0 {
		b.TotalBytes = 0
	}
	b.LastActivity = time.Now().UTC()
}

// SoftDelete marks the mailbox deleted while preserving metadata.
func (b *Mailbox) SoftDelete() {
	b.State = MailboxStateDeleted
	b.LastActivity = time.Now().UTC()
}
