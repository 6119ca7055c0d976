package relica

import (
	"database/sql"

	"github.com/coregx/mailbox"
)

// Repositories holds all SQL repository implementations.
type Repositories struct {
	Permission mailbox.PermissionRepository
	Audit      mailbox.AuditRepository
}

// NewRepositories creates all repository implementations using Relica.
//
// The db parameter should be an *sql.DB connected to MySQL, PostgreSQL, or
// SQLite. The driverName should be "mysql", "postgres", or "sqlite3".
// The table prefix defaults to "mailbox_" but can be customized.
func NewRepositories(db *sql.DB, driverName string) *Repositories {
	return &Repositories{
		Permission: NewPermissionRepository(db, driverName),
		Audit:      NewAuditRepository(db, driverName),
	}
}

// NewRepositoriesWithPrefix creates all repository implementations with a custom table prefix.
func NewRepositoriesWithPrefix(db *sql.DB, driverName, prefix string) *Repositories {
	return &Repositories{
		Permission: NewPermissionRepositoryWithPrefix(db, driverName, prefix),
		Audit:      NewAuditRepositoryWithPrefix(db, driverName, prefix),
	}
}
