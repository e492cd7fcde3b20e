// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import "strings"

// IsSQLiteConflictError reports whether the error is a SQLite concurrency
// failure: either SQLITE_BUSY or "database is locked". With multiple
// connections under WAL these show up transiently and warrant a retry
// rather than a hard failure. The driver does not expose typed errors for
// them, so matching on the message is the only option.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
