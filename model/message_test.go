package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewMessage(t *testing.T) {
	payload := []byte("test-payload")

	msg := NewMessage("agent-a", "agent-b.inbox", ModeDirect, payload)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "agent-a", msg.Sender)
	assert.Equal(t, "agent-b.inbox", msg.Target)
	assert.Equal(t, ModeDirect, msg.Mode)
	assert.Equal(t, payload, msg.Payload)
	assert.Equal(t, HashPayload(payload), msg.PayloadHash)
	assert.WithinDuration(t, time.Now(), msg.CreatedAt, time.Second)
}

func TestNewMessage_IDsAreTimeOrdered(t *testing.T) {
	first := NewMessage("a", "t", ModeDirect, nil)
	second := NewMessage("a", "t", ModeDirect, nil)

	assert.Less(t, first.ID, second.ID)
}

func TestMessage_ExpiresAt(t *testing.T) {
	msg := NewMessage("a", "t", ModeDirect, nil)

	_, ok := msg.ExpiresAt()
	assert.False(t, ok, "message without TTL never expires")

	msg.TTLSeconds = 60
	exp, ok := msg.ExpiresAt()
	assert.True(t, ok)
	assert.Equal(t, msg.CreatedAt.Add(time.Minute), exp)
}

func TestMessage_IsExpired(t *testing.T) {
	msg := NewMessage("a", "t", ModeDirect, nil)
	msg.TTLSeconds = 60

	assert.False(t, msg.IsExpired(msg.CreatedAt.Add(30*time.Second)))
	assert.True(t, msg.IsExpired(msg.CreatedAt.Add(61*time.Second)))

	msg.TTLSeconds = 0
	assert.False(t, msg.IsExpired(msg.CreatedAt.Add(24*time.Hour)))
}

func TestMessage_HasTag(t *testing.T) {
	msg := NewMessage("a", "t", ModeDirect, nil)
	msg.Tags = []string{"urgent", "billing"}

	assert.True(t, msg.HasTag("urgent"))
	assert.False(t, msg.HasTag("spam"))
}

func TestMessage_VerifyPayload(t *testing.T) {
	msg := NewMessage("a", "t", ModeDirect, []byte("payload"))
	assert.True(t, msg.VerifyPayload())

	msg.Payload = []byte("tampered")
	assert.False(t, msg.VerifyPayload())
}

func TestMessage_EncodedSize(t *testing.T) {
	msg := NewMessage("agent-a", "inbox", ModeDirect, []byte("12345"))
	msg.Tags = []string{"ab"}

	size := msg.EncodedSize()
	assert.Greater(t, size, len(msg.Payload))
	assert.GreaterOrEqual(t, size, 5+len(msg.ID)+len(msg.Sender)+len(msg.Target)+2)
}
