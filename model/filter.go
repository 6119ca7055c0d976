// Package model contains the domain models of the mailbox routing core.
package model

import "time"

// MessageFilter narrows message queries. Zero values mean "no filter" for
// the corresponding field.
type MessageFilter struct {
	Sender      string    // Filter by sender id
	ContentType string    // Filter by content-type tag
	MinPriority int       // Keep messages with priority >= MinPriority
	Tag         string    // Keep messages carrying the tag
	Since       time.Time // Keep messages created at or after Since
	Until       time.Time // Keep messages created at or before Until
	AfterID     string    // Keep messages with id > AfterID (ids are time-ordered)
	BeforeID    string    // Keep messages with id < BeforeID
	UnreadOnly  bool      // Offline queries: keep unread messages only
	ReadOnly    bool      // Offline queries: keep read messages only
}

// Matches applies every set field against the message.
func (f MessageFilter) Matches(m Message) bool {
	if f.Sender != "" && m.Sender != f.Sender {
		return false
	}
	if f.ContentType != "" && m.ContentType != f.ContentType {
		return false
	}
	if f.MinPriority != 0 && m.Priority < f.MinPriority {
		return false
	}
	if f.Tag != "" && !m.HasTag(f.Tag) {
		return false
	}
	if !f.Since.IsZero() && m.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && m.CreatedAt.After(f.Until) {
		return false
	}
	if f.AfterID != "" && m.ID <= f.AfterID {
		return false
	}
	if f.BeforeID != "" && m.ID >= f.BeforeID {
		return false
	}
	return true
}

// Page holds offset/limit pagination parameters.
type Page struct {
	Offset int
	Limit  int
}

// DefaultPageLimit applies when a page requests no explicit limit.
const DefaultPageLimit = 100

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	return p
}

// MessageList is one page of a filtered message query.
type MessageList struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`    // Messages in the mailbox before filtering
	Filtered int       `json:"filtered"` // Messages matching the filter
	HasMore  bool      `json:"hasMore"`  // More filtered messages beyond this page
}
