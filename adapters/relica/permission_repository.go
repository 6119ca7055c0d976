package relica

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/coregx/relica"

	"github.com/coregx/mailbox"
	"github.com/coregx/mailbox/model"
)

// PermissionRepository implements mailbox.PermissionRepository using Relica.
type PermissionRepository struct {
	db          *relica.DB
	sqlDB       *sql.DB
	tablePrefix string
}

// NewPermissionRepository creates a new PermissionRepository with default table prefix.
func NewPermissionRepository(sqlDB *sql.DB, driverName string) *PermissionRepository {
	return &PermissionRepository{db: relica.WrapDB(sqlDB, driverName), sqlDB: sqlDB, tablePrefix: "mailbox_"}
}

// NewPermissionRepositoryWithPrefix creates a new PermissionRepository with custom table prefix.
func NewPermissionRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *PermissionRepository {
	return &PermissionRepository{db: relica.WrapDB(sqlDB, driverName), sqlDB: sqlDB, tablePrefix: prefix}
}

func (r *PermissionRepository) tableName() string {
	return r.tablePrefix + "permission"
}

// permissionRow is the SQL shape of a grant. Actions are stored as a
// comma-separated list; expiry is nullable, NULL meaning no expiry.
type permissionRow struct {
	ID        string       `db:"id"`
	Subject   string       `db:"subject"`
	Resource  string       `db:"resource"`
	Actions   string       `db:"actions"`
	ExpiresAt sql.NullTime `db:"expires_at"`
	CreatedAt time.Time    `db:"created_at"`
}

func toRow(p model.Permission) permissionRow {
	actions := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		actions = append(actions, string(a))
	}
	row := permissionRow{
		ID:        p.ID,
		Subject:   p.Subject,
		Resource:  p.Resource,
		Actions:   strings.Join(actions, ","),
		CreatedAt: p.CreatedAt,
	}
	if !p.ExpiresAt.IsZero() {
		row.ExpiresAt = sql.NullTime{Time: p.ExpiresAt, Valid: true}
	}
	return row
}

func fromRow(row permissionRow) model.Permission {
	p := model.Permission{
		ID:        row.ID,
		Subject:   row.Subject,
		Resource:  row.Resource,
		CreatedAt: row.CreatedAt,
	}
	if row.ExpiresAt.Valid {
		p.ExpiresAt = row.ExpiresAt.Time
	}
	for _, a := range strings.Split(row.Actions, ",") {
		if a != "" {
			p.Actions = append(p.Actions, model.Action(a))
		}
	}
	return p
}

// Save creates or replaces a grant by id.
func (r *PermissionRepository) Save(ctx context.Context, p model.Permission) (model.Permission, error) {
	row := toRow(p)

	var existing permissionRow
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("id = ?", p.ID).One(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		if err := r.db.WithContext(ctx).Model(&row).Table(r.tableName()).Insert(); err != nil {
			return p, mailbox.NewErrorWithCause(mailbox.ErrCodeStorage, "failed to insert grant", err)
		}
		return p, nil
	}
	if err != nil {
		return p, mailbox.NewErrorWithCause(mailbox.ErrCodeStorage, "failed to load grant", err)
	}

	if err := r.db.WithContext(ctx).Model(&row).Table(r.tableName()).Update(); err != nil {
		return p, mailbox.NewErrorWithCause(mailbox.ErrCodeStorage, "failed to update grant", err)
	}
	return p, nil
}

// Delete removes a grant by id.
func (r *PermissionRepository) Delete(ctx context.Context, id string) error {
	row := permissionRow{ID: id}
	if err := r.db.WithContext(ctx).Model(&row).Table(r.tableName()).Delete(); err != nil {
		return mailbox.NewErrorWithCause(mailbox.ErrCodeStorage, "failed to delete grant", err)
	}
	return nil
}

// FindBySubject retrieves every grant applying to the participant, including
// wildcard-subject grants.
func (r *PermissionRepository) FindBySubject(ctx context.Context, participant string) ([]model.Permission, error) {
	var rows []permissionRow
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("subject = ? OR subject = ?", participant, "*").
		OrderBy("created_at ASC").
		All(&rows)
	if err != nil {
		return nil, mailbox.NewErrorWithCause(mailbox.ErrCodeStorage, "failed to find grants", err)
	}

	grants := make([]model.Permission, 0, len(rows))
	for _, row := range rows {
		grants = append(grants, fromRow(row))
	}
	return grants, nil
}

// DeleteExpired removes grants whose expiry has lapsed.
func (r *PermissionRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.sqlDB.ExecContext(ctx,
		"DELETE FROM "+r.tableName()+" WHERE expires_at IS NOT NULL AND expires_at < ?", now)
	if err != nil {
		return 0, mailbox.NewErrorWithCause(mailbox.ErrCodeStorage, "failed to delete expired grants", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(affected), nil
}
