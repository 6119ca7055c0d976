package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// tablePrefix is prepended to every table name used by the SQL adapters.
const tablePrefix = "mailbox_"

// AddressingMode selects the routing strategy for a message.
type AddressingMode string

const (
	// ModeDirect delivers to a single named mailbox.
	ModeDirect AddressingMode = "DIRECT"

	// ModeBroadcast delivers to every active mailbox.
	ModeBroadcast AddressingMode = "BROADCAST"

	// ModeTopic delivers through hierarchical topic matching.
	ModeTopic AddressingMode = "TOPIC"
)

// IsValid reports whether the addressing mode is one of the three known modes.
func (m AddressingMode) IsValid() bool {
	switch m {
	case ModeDirect, ModeBroadcast, ModeTopic:
		return true
	}
	return false
}

// Size limits for messages. The encoded-size check covers payload plus
// headers so a maximally tagged message still fits the store's record cap.
const (
	// MaxMessageSize is the limit for the total encoded message.
	MaxMessageSize = 16 * 1024 * 1024

	// MaxPayloadSize is the limit for the payload alone.
	MaxPayloadSize = 15 * 1024 * 1024
)

// Message is a routed unit of communication between participants.
// Messages are immutable once created; the ID is a UUIDv7, so ids are
// globally unique and sort in creation order.
//
// A message is persisted to its target mailbox (or topic log) before any
// delivery is attempted - persistence is the durability boundary.
type Message struct {
	ID              string         `json:"id"`                   // UUIDv7, time-ordered
	Sender          string         `json:"sender"`               // Sending participant id
	Target          string         `json:"target"`               // Mailbox name, topic name, or broadcast marker
	Mode            AddressingMode `json:"addressingMode"`       // DIRECT, BROADCAST, or TOPIC
	Payload         []byte         `json:"payload"`              // Raw payload bytes
	ContentType     string         `json:"contentType"`          // Payload content-type tag
	Priority        int            `json:"priority"`             // Higher is more urgent
	CreatedAt       time.Time      `json:"createdAt"`            // Publication timestamp
	TTLSeconds      int64          `json:"ttlSeconds,omitempty"` // Optional time-to-live; 0 means no expiry
	Tags            []string       `json:"tags,omitempty"`       // Optional tag set
	ConfirmDelivery bool           `json:"confirmDelivery"`      // Request tracked delivery confirmation
	PayloadHash     string         `json:"payloadHash"`          // sha256 of Payload, hex-encoded
}

// NewMessage creates a message with a fresh UUIDv7 id, creation timestamp,
// and computed payload hash.
func NewMessage(sender, target string, mode AddressingMode, payload []byte) Message {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		id = uuid.New()
	}
	return Message{
		ID:          id.String(),
		Sender:      sender,
		Target:      target,
		Mode:        mode,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
		PayloadHash: HashPayload(payload),
	}
}

// HashPayload returns the hex-encoded sha256 digest of payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ExpiresAt returns the message expiry time and true, or a zero time and
// false when the message has no TTL.
func (m Message) ExpiresAt() (time.Time, bool) {
	if m.TTLSeconds <= 0 {
		return time.Time{}, false
	}
	return m.CreatedAt.Add(time.Duration(m.TTLSeconds) * time.Second), true
}

// IsExpired reports whether the message TTL has elapsed at the given instant.
func (m Message) IsExpired(now time.Time) bool {
	exp, ok := m.ExpiresAt()
	if !ok {
		return false
	}
	return now.After(exp)
}

// EncodedSize approximates the total stored size of the message: payload
// plus all header fields. Used for the 16 MiB total-size check.
func (m Message) EncodedSize() int {
	size := len(m.Payload)
	size += len(m.ID) + len(m.Sender) + len(m.Target) + len(m.Mode)
	size += len(m.ContentType) + len(m.PayloadHash)
	for _, tag := range m.Tags {
		size += len(tag)
	}
	return size
}

// HasTag reports whether the message carries the given tag.
func (m Message) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// VerifyPayload recomputes the payload hash and compares it against the
// recorded one. A mismatch means the payload was corrupted in transit or
// in storage.
func (m Message) VerifyPayload() bool {
	return m.PayloadHash == HashPayload(m.Payload)
}
