package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coregx/mailbox/model"
)

// Credentials identify a participant to the identity provider.
type Credentials struct {
	Participant string
	Secret      string
}

// CredentialVerifier checks participant credentials against an identity
// source. Implementations decide what a secret is.
type CredentialVerifier interface {
	Verify(ctx context.Context, creds Credentials) error
}

// StaticCredentialVerifier verifies against a fixed participant -> secret
// map. Intended for tests and single-node deployments.
type StaticCredentialVerifier map[string]string

// Verify implements CredentialVerifier.
func (v StaticCredentialVerifier) Verify(_ context.Context, creds Credentials) error {
	secret, ok := v[creds.Participant]
	if !ok || secret != creds.Secret {
		return NewError(ErrCodeAuthentication, "invalid credentials")
	}
	return nil
}

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = 24 * time.Hour

// tokenCache caches validated tokens for fast repeat validation. Entries
// carry their own expiry and are dropped when the owning participant's
// grants change.
type tokenCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cachedToken            // token value -> entry
	byOwner map[string]map[string]struct{} // participant -> token values
}

type cachedToken struct {
	token     model.Token
	expiresAt time.Time
}

func newTokenCache(ttl time.Duration) *tokenCache {
	return &tokenCache{
		ttl:     ttl,
		entries: make(map[string]cachedToken),
		byOwner: make(map[string]map[string]struct{}),
	}
}

func (c *tokenCache) get(value string, now time.Time) (model.Token, bool) {
	c.mu.RLock()
	entry, ok := c.entries[value]
	c.mu.RUnlock()
	if !ok || now.After(entry.expiresAt) {
		return model.Token{}, false
	}
	return entry.token, true
}

func (c *tokenCache) put(token model.Token, now time.Time) {
	expiresAt := now.Add(c.ttl)
	if token.ExpiresAt.Before(expiresAt) {
		expiresAt = token.ExpiresAt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token.Value] = cachedToken{token: token, expiresAt: expiresAt}
	owned := c.byOwner[token.Participant]
	if owned == nil {
		owned = make(map[string]struct{})
		c.byOwner[token.Participant] = owned
	}
	owned[token.Value] = struct{}{}
}

// invalidate drops every cached token of a participant. Called on any
// permission change for that participant.
func (c *tokenCache) invalidate(participant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for value := range c.byOwner[participant] {
		delete(c.entries, value)
	}
	delete(c.byOwner, participant)
}

func (c *tokenCache) remove(value, participant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, value)
	if owned := c.byOwner[participant]; owned != nil {
		delete(owned, value)
	}
}

// PermissionManager authenticates participants, resolves permission checks
// against persisted grants, and records every decision in the audit trail.
//
// Grants live in SQL via PermissionRepository; token sessions live in the
// backing store so validation survives a process restart.
type PermissionManager struct {
	permissions PermissionRepository
	audit       AuditRepository
	store       Store
	verifier    CredentialVerifier
	logger      Logger

	tokenTTL time.Duration
	cache    *tokenCache
}

// PermissionManagerOption configures a PermissionManager.
type PermissionManagerOption func(*PermissionManager) error

// NewPermissionManager creates a new PermissionManager with the provided
// options.
//
// Required options:
//   - WithPermissionRepositories: permission and audit repositories
//   - WithPermissionStore: backing store for token sessions
//   - WithPermissionVerifier: credential verifier
//   - WithPermissionLogger: logger instance
func NewPermissionManager(opts ...PermissionManagerOption) (*PermissionManager, error) {
	m := &PermissionManager{
		tokenTTL: DefaultTokenTTL,
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply permission manager option", err)
		}
	}

	if m.permissions == nil {
		return nil, NewError(ErrCodeConfiguration, "PermissionRepository is required (use WithPermissionRepositories)")
	}
	if m.audit == nil {
		return nil, NewError(ErrCodeConfiguration, "AuditRepository is required (use WithPermissionRepositories)")
	}
	if m.store == nil {
		return nil, NewError(ErrCodeConfiguration, "Store is required (use WithPermissionStore)")
	}
	if m.verifier == nil {
		return nil, NewError(ErrCodeConfiguration, "CredentialVerifier is required (use WithPermissionVerifier)")
	}
	if m.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithPermissionLogger)")
	}

	m.cache = newTokenCache(m.tokenTTL)
	return m, nil
}

// WithPermissionRepositories sets the grant and audit repositories.
func WithPermissionRepositories(permissions PermissionRepository, audit AuditRepository) PermissionManagerOption {
	return func(m *PermissionManager) error {
		if permissions == nil {
			return fmt.Errorf("permissions repository cannot be nil")
		}
		if audit == nil {
			return fmt.Errorf("audit repository cannot be nil")
		}
		m.permissions = permissions
		m.audit = audit
		return nil
	}
}

// WithPermissionStore sets the backing store used for token sessions.
func WithPermissionStore(store Store) PermissionManagerOption {
	return func(m *PermissionManager) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		m.store = store
		return nil
	}
}

// WithPermissionVerifier sets the credential verifier.
func WithPermissionVerifier(verifier CredentialVerifier) PermissionManagerOption {
	return func(m *PermissionManager) error {
		if verifier == nil {
			return fmt.Errorf("verifier cannot be nil")
		}
		m.verifier = verifier
		return nil
	}
}

// WithPermissionLogger sets the logger instance.
func WithPermissionLogger(logger Logger) PermissionManagerOption {
	return func(m *PermissionManager) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		m.logger = logger
		return nil
	}
}

// WithPermissionTokenTTL overrides the token lifetime.
func WithPermissionTokenTTL(ttl time.Duration) PermissionManagerOption {
	return func(m *PermissionManager) error {
		if ttl <= 0 {
			return fmt.Errorf("token TTL must be positive")
		}
		m.tokenTTL = ttl
		return nil
	}
}

// Authenticate verifies credentials and issues a session token.
func (m *PermissionManager) Authenticate(ctx context.Context, creds Credentials) (model.Token, error) {
	if creds.Participant == "" {
		return model.Token{}, NewError(ErrCodeValidation, "participant is required")
	}

	if err := m.verifier.Verify(ctx, creds); err != nil {
		m.logger.Warnf("Authentication failed: participant=%s", creds.Participant)
		return model.Token{}, err
	}

	now := time.Now().UTC()
	token := model.Token{
		Value:       uuid.NewString(),
		Participant: creds.Participant,
		IssuedAt:    now,
		ExpiresAt:   now.Add(m.tokenTTL),
	}

	raw, err := json.Marshal(token)
	if err != nil {
		return model.Token{}, NewErrorWithCause(ErrCodeStorage, "failed to encode token", err)
	}
	if err := m.store.Set(ctx, keyToken+token.Value, raw, m.tokenTTL); err != nil {
		return model.Token{}, NewErrorWithCause(ErrCodeStorage, "failed to persist token", err)
	}

	m.cache.put(token, now)
	m.logger.Infof("Token issued: participant=%s, expiresAt=%s", creds.Participant, token.ExpiresAt.Format(time.RFC3339))
	return token, nil
}

// ValidateToken resolves a token value to its session. Expired or unknown
// tokens fail with TOKEN_EXPIRED and AUTHENTICATION_ERROR respectively.
func (m *PermissionManager) ValidateToken(ctx context.Context, value string) (model.Token, error) {
	if value == "" {
		return model.Token{}, NewError(ErrCodeAuthentication, "token is required")
	}

	now := time.Now().UTC()
	if token, ok := m.cache.get(value, now); ok {
		if token.IsExpired(now) {
			m.cache.remove(value, token.Participant)
			return model.Token{}, NewError(ErrCodeTokenExpired, "token expired")
		}
		return token, nil
	}

	raw, err := m.store.Get(ctx, keyToken+value)
	if err != nil {
		if IsNoData(err) {
			return model.Token{}, NewError(ErrCodeAuthentication, "unknown token")
		}
		return model.Token{}, NewErrorWithCause(ErrCodeStorage, "failed to load token", err)
	}

	var token model.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return model.Token{}, NewErrorWithCause(ErrCodeStorage, "failed to decode token record", err)
	}
	if token.IsExpired(now) {
		return model.Token{}, NewError(ErrCodeTokenExpired, "token expired")
	}

	m.cache.put(token, now)
	return token, nil
}

// CheckPermission resolves whether a participant may perform an action on a
// resource using the most specific non-expired grant, and appends the
// decision to the audit trail. No matching grant means denied.
func (m *PermissionManager) CheckPermission(ctx context.Context, participant, resource string, action model.Action) (bool, error) {
	allowed, err := m.resolve(ctx, participant, resource, action)
	if err != nil {
		return false, err
	}

	entry := model.NewAuditEntry(participant, resource, action, allowed)
	if auditErr := m.audit.Append(ctx, entry); auditErr != nil {
		// A broken audit trail must not take permission checks down.
		m.logger.Errorf("Failed to append audit entry: participant=%s, resource=%s: %v", participant, resource, auditErr)
	}

	if !allowed {
		m.logger.Warnf("Permission denied: participant=%s, resource=%s, action=%s", participant, resource, action)
	}
	return allowed, nil
}

func (m *PermissionManager) resolve(ctx context.Context, participant, resource string, action model.Action) (bool, error) {
	grants, err := m.permissions.FindBySubject(ctx, participant)
	if err != nil && !IsNoData(err) {
		return false, NewErrorWithCause(ErrCodeStorage, "failed to load grants", err)
	}

	now := time.Now().UTC()
	matching := grants[:0]
	for _, g := range grants {
		if g.IsExpired(now) || !g.MatchesSubject(participant) || !g.MatchesResource(resource) {
			continue
		}
		matching = append(matching, g)
	}
	if len(matching) == 0 {
		return false, nil
	}

	// Most specific grant wins; among equals the newest decides.
	sort.Slice(matching, func(i, j int) bool {
		si, sj := matching[i].Specificity(), matching[j].Specificity()
		if si != sj {
			return si > sj
		}
		return matching[i].CreatedAt.After(matching[j].CreatedAt)
	})
	return matching[0].Allows(action), nil
}

// Grant persists a permission and invalidates the subject's cached tokens.
func (m *PermissionManager) Grant(ctx context.Context, perm model.Permission) (model.Permission, error) {
	if perm.Subject == "" {
		return model.Permission{}, NewError(ErrCodeValidation, "subject is required")
	}
	if perm.Resource == "" {
		return model.Permission{}, NewError(ErrCodeValidation, "resource is required")
	}
	if len(perm.Actions) == 0 {
		return model.Permission{}, NewError(ErrCodeValidation, "at least one action is required")
	}
	if perm.ID == "" {
		perm = model.NewPermission(perm.Subject, perm.Resource, perm.Actions...)
	}

	saved, err := m.permissions.Save(ctx, perm)
	if err != nil {
		return model.Permission{}, NewErrorWithCause(ErrCodeStorage, "failed to save grant", err)
	}

	m.cache.invalidate(perm.Subject)
	m.logger.Infof("Permission granted: subject=%s, resource=%s, actions=%v", perm.Subject, perm.Resource, perm.Actions)
	return saved, nil
}

// Revoke deletes a grant by id and invalidates the subject's cached tokens.
func (m *PermissionManager) Revoke(ctx context.Context, id, subject string) error {
	if err := m.permissions.Delete(ctx, id); err != nil {
		if IsNoData(err) {
			return NewErrorWithCause(ErrCodeNoData, fmt.Sprintf("grant not found: %s", id), err)
		}
		return NewErrorWithCause(ErrCodeStorage, "failed to delete grant", err)
	}

	m.cache.invalidate(subject)
	m.logger.Infof("Permission revoked: id=%s, subject=%s", id, subject)
	return nil
}

// AssignRole materializes a predefined role as a grant on the global
// resource. Role-derived permissions resolve exactly like direct grants.
func (m *PermissionManager) AssignRole(ctx context.Context, participant, role string) (model.Permission, error) {
	actions := model.RoleActions(role)
	if actions == nil {
		return model.Permission{}, NewError(ErrCodeValidation, fmt.Sprintf("unknown role: %s", role))
	}
	return m.Grant(ctx, model.NewPermission(participant, "*", actions...))
}

// AuditTrail returns the most recent permission decisions for a participant.
func (m *PermissionManager) AuditTrail(ctx context.Context, participant string, limit int) ([]model.AuditEntry, error) {
	entries, err := m.audit.FindByParticipant(ctx, participant, limit)
	if err != nil {
		if IsNoData(err) {
			return []model.AuditEntry{}, nil
		}
		return nil, NewErrorWithCause(ErrCodeStorage, "failed to load audit trail", err)
	}
	return entries, nil
}

// CleanupExpired removes lapsed grants and audit entries older than the
// retention cutoff. Intended for periodic invocation.
func (m *PermissionManager) CleanupExpired(ctx context.Context, auditRetention time.Duration) (int, error) {
	now := time.Now().UTC()

	removed, err := m.permissions.DeleteExpired(ctx, now)
	if err != nil && !IsNoData(err) {
		return 0, NewErrorWithCause(ErrCodeStorage, "failed to delete expired grants", err)
	}

	pruned := 0
	if auditRetention > 0 {
		pruned, err = m.audit.DeleteOlderThan(ctx, now.Add(-auditRetention))
		if err != nil && !IsNoData(err) {
			return removed, NewErrorWithCause(ErrCodeStorage, "failed to prune audit trail", err)
		}
	}

	if removed > 0 || pruned > 0 {
		m.logger.Infof("Permission cleanup: expiredGrants=%d, prunedAudit=%d", removed, pruned)
	}
	return removed + pruned, nil
}
