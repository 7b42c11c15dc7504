//go:build !cgo

package sqlitedriver

import (
	"database/sql"

	"modernc.org/sqlite"
)

func init() {
	sql.Register("sqlite3", &sqlite.Driver{})
}

// EncryptionSupported reports whether PRAGMA key encryption is available.
// The pure-Go driver does not support SQLCipher.
const EncryptionSupported = false
