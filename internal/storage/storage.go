// Package storage opens the shared SQLite database used by all stores.
// Each subsystem package owns its tables and migrates them in its
// constructor; this package only configures the connection.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) the database at path with the pragmas every
// store relies on: WAL journaling, a busy timeout, and foreign keys.
func Open(path string) (*sql.DB, error) {
	// The pragmas go in the DSN so the driver applies them to every
	// connection in the database/sql pool; a plain `PRAGMA` via db.Exec
	// would configure only whichever single connection served it.
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return db, nil
}
