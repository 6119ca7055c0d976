package model

import "time"

// ConnectionState tracks a participant's presence. Transitions happen only
// through explicit connect/disconnect events; a missed-heartbeat timeout
// counts as an explicit disconnect driven by the heartbeat loop.
type ConnectionState struct {
	Participant    string    `json:"participant"`
	Connected      bool      `json:"connected"`
	LastHeartbeat  time.Time `json:"lastHeartbeat"`
	ConnectedAt    time.Time `json:"connectedAt,omitempty"`
	DisconnectedAt time.Time `json:"disconnectedAt,omitempty"`
	ReconnectCount int       `json:"reconnectCount"`
}

// NewConnectionState creates a connected state for a participant that just
// registered a delivery handler.
func NewConnectionState(participant string) *ConnectionState {
	now := time.Now().UTC()
	return &ConnectionState{
		Participant:   participant,
		Connected:     true,
		LastHeartbeat: now,
		ConnectedAt:   now,
	}
}

// Heartbeat records a liveness signal.
func (c *ConnectionState) Heartbeat() {
	c.LastHeartbeat = time.Now().UTC()
}

// MarkDisconnected flips the state to disconnected. Idempotent.
func (c *ConnectionState) MarkDisconnected() {
	if !c.Connected {
		return
	}
	c.Connected = false
	c.DisconnectedAt = time.Now().UTC()
}

// MarkConnected flips the state back to connected and counts the reconnect.
func (c *ConnectionState) MarkConnected() {
	if c.Connected {
		c.Heartbeat()
		return
	}
	now := time.Now().UTC()
	c.Connected = true
	c.ConnectedAt = now
	c.LastHeartbeat = now
	c.ReconnectCount++
}

// HeartbeatExpired reports whether the participant has been silent longer
// than the timeout.
func (c *ConnectionState) HeartbeatExpired(timeout time.Duration, now time.Time) bool {
	return c.Connected && now.Sub(c.LastHeartbeat) > timeout
}
