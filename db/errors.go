package db

import (
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/polar/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database.
// This typically occurs during graceful shutdown when the database connection
// is closed before the ticker has finished its last pass.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The string match covers raw driver errors that cannot be wrapped at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}

	return strings.Contains(err.Error(), "database is closed")
}

// IsMissingTable reports whether err is SQLite's "no such table" failure.
// Readers that treat an absent table as empty use this instead of failing.
func IsMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// IsConstraintViolation reports whether err is a SQLite constraint failure
// (primary key, unique, check or foreign key).
func IsConstraintViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}
