// Package database provides the SQLite connection used by the bridge's
// audit trail.
//
// This package manages:
//   - Opening the database file with WAL mode and a busy timeout
//   - Versioned schema migrations compiled into the binary
//   - Health checks for the status API
//
// Only session lifecycle records are stored. Point values and device tokens
// are never written to disk.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package database
