package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coregx/mailbox"
	"github.com/coregx/mailbox/model"
)

// PermissionRepository is an in-memory mailbox.PermissionRepository.
type PermissionRepository struct {
	mu     sync.RWMutex
	grants map[string]model.Permission
}

// NewPermissionRepository creates an empty in-memory grant store.
func NewPermissionRepository() *PermissionRepository {
	return &PermissionRepository{grants: make(map[string]model.Permission)}
}

// Save creates or replaces a grant by id.
func (r *PermissionRepository) Save(_ context.Context, p model.Permission) (model.Permission, error) {
	r.mu.Lock()
	r.grants[p.ID] = p
	r.mu.Unlock()
	return p, nil
}

// Delete removes a grant by id.
func (r *PermissionRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.grants[id]; !ok {
		return mailbox.ErrNoData
	}
	delete(r.grants, id)
	return nil
}

// FindBySubject retrieves every grant applying to the participant.
func (r *PermissionRepository) FindBySubject(_ context.Context, participant string) ([]model.Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Permission
	for _, g := range r.grants {
		if g.Subject == participant || g.Subject == "*" {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteExpired removes grants whose expiry has lapsed.
func (r *PermissionRepository) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, g := range r.grants {
		if g.IsExpired(now) {
			delete(r.grants, id)
			removed++
		}
	}
	return removed, nil
}

// AuditRepository is an in-memory mailbox.AuditRepository.
type AuditRepository struct {
	mu      sync.RWMutex
	entries []model.AuditEntry
	nextID  int64
}

// NewAuditRepository creates an empty in-memory audit log.
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

// Append records one permission decision.
func (r *AuditRepository) Append(_ context.Context, entry model.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	entry.ID = r.nextID
	r.entries = append(r.entries, entry)
	return nil
}

// FindByParticipant retrieves recent entries for a participant, newest first.
func (r *AuditRepository) FindByParticipant(_ context.Context, participant string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.AuditEntry
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if r.entries[i].Participant == participant {
			out = append(out, r.entries[i])
		}
	}
	return out, nil
}

// DeleteOlderThan prunes entries created before the cutoff.
func (r *AuditRepository) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.entries[:0]
	removed := 0
	for _, e := range r.entries {
		if e.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	return removed, nil
}
