// Package relica provides SQL repository implementations using the Relica
// query builder.
//
// Relica (github.com/coregx/relica) is a lightweight, type-safe database
// query builder for Go with zero production dependencies.
//
// This package implements the mailbox repository interfaces backed by SQL:
//   - PermissionRepository
//   - AuditRepository
//
// Example usage:
//
//	import (
//	    "database/sql"
//	    "github.com/coregx/mailbox"
//	    "github.com/coregx/mailbox/adapters/relica"
//	    _ "github.com/go-sql-driver/mysql"
//	)
//
//	db, err := sql.Open("mysql", "user:pass@tcp(localhost:3306)/mailbox_db?parseTime=true")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// driverName should be "mysql", "postgres", or "sqlite3"
//	repos := relica.NewRepositories(db, "mysql")
//
//	manager, err := mailbox.NewPermissionManager(
//	    mailbox.WithPermissionRepositories(repos.Permission, repos.Audit),
//	    mailbox.WithPermissionStore(store),
//	    mailbox.WithPermissionVerifier(verifier),
//	    mailbox.WithPermissionLogger(logger),
//	)
package relica
