package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/cesargomez89/capsulecache/internal/constants"
)

// ErrNotFound is returned by mutations that matched no row.
var ErrNotFound = errors.New("record not found")

type DB struct {
	*sqlx.DB
}

func NewSQLiteDB(dsn string) (*DB, error) {
	db, err := sqlx.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{db}, nil
}

// withPragmas appends the connection pragmas to dsn. The driver applies them
// to every pooled connection, not just the one that happens to run a PRAGMA
// statement. Transactions take the write lock up front so the busy timeout
// covers them too.
func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + fmt.Sprintf("_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)&_txlock=immediate",
		constants.JournalMode, constants.BusyTimeout)
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// now returns the timestamp written to every row. UTC keeps the stored
// strings lexically ordered.
func now() time.Time {
	return time.Now().UTC()
}

func expectAffected(res interface{ RowsAffected() (int64, error) }) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
