package model

import "time"

// ReadStatus records that a participant read a message in a mailbox.
// Marking an already-read message read again is a no-op; multiple
// participants may independently mark the same message read.
//
// Read-status records outlive offline-queue entries: a message stays
// "read" after its queue entry is removed.
type ReadStatus struct {
	Participant string    `json:"participant"`
	Mailbox     string    `json:"mailbox"`
	MessageID   string    `json:"messageID"`
	ReadAt      time.Time `json:"readAt"`
}

// NewReadStatus records a read at the current time.
func NewReadStatus(participant, mailbox, messageID string) ReadStatus {
	return ReadStatus{
		Participant: participant,
		Mailbox:     mailbox,
		MessageID:   messageID,
		ReadAt:      time.Now().UTC(),
	}
}
