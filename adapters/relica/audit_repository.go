package relica

import (
	"context"
	"database/sql"
	"time"

	"github.com/coregx/relica"

	"github.com/coregx/mailbox"
	"github.com/coregx/mailbox/model"
)

// AuditRepository implements mailbox.AuditRepository using Relica.
type AuditRepository struct {
	db          *relica.DB
	sqlDB       *sql.DB
	tablePrefix string
}

// NewAuditRepository creates a new AuditRepository with default table prefix.
func NewAuditRepository(sqlDB *sql.DB, driverName string) *AuditRepository {
	return &AuditRepository{db: relica.WrapDB(sqlDB, driverName), sqlDB: sqlDB, tablePrefix: "mailbox_"}
}

// NewAuditRepositoryWithPrefix creates a new AuditRepository with custom table prefix.
func NewAuditRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *AuditRepository {
	return &AuditRepository{db: relica.WrapDB(sqlDB, driverName), sqlDB: sqlDB, tablePrefix: prefix}
}

func (r *AuditRepository) tableName() string {
	return r.tablePrefix + "audit"
}

type auditRow struct {
	ID          int64     `db:"id"`
	Participant string    `db:"participant"`
	Resource    string    `db:"resource"`
	Action      string    `db:"action"`
	Allowed     bool      `db:"allowed"`
	CreatedAt   time.Time `db:"created_at"`
}

// Append records one permission decision.
func (r *AuditRepository) Append(ctx context.Context, entry model.AuditEntry) error {
	row := auditRow{
		Participant: entry.Participant,
		Resource:    entry.Resource,
		Action:      string(entry.Action),
		Allowed:     entry.Allowed,
		CreatedAt:   entry.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Model(&row).Table(r.tableName()).Insert(); err != nil {
		return mailbox.NewErrorWithCause(mailbox.ErrCodeStorage, "failed to insert audit entry", err)
	}
	return nil
}

// FindByParticipant retrieves recent entries for a participant, newest first.
func (r *AuditRepository) FindByParticipant(ctx context.Context, participant string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []auditRow
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("participant = ?", participant).
		OrderBy("created_at DESC").
		Limit(int64(limit)).
		All(&rows)
	if err != nil {
		return nil, mailbox.NewErrorWithCause(mailbox.ErrCodeStorage, "failed to find audit entries", err)
	}

	entries := make([]model.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, model.AuditEntry{
			ID:          row.ID,
			Participant: row.Participant,
			Resource:    row.Resource,
			Action:      model.Action(row.Action),
			Allowed:     row.Allowed,
			CreatedAt:   row.CreatedAt,
		})
	}
	return entries, nil
}

// DeleteOlderThan prunes entries created before the cutoff.
func (r *AuditRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.sqlDB.ExecContext(ctx,
		"DELETE FROM "+r.tableName()+" WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, mailbox.NewErrorWithCause(mailbox.ErrCodeStorage, "failed to prune audit entries", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(affected), nil
}
