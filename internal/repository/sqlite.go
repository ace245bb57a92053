package repository

import (
	"cmp"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "modernc.org/sqlite"
)

var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// openSQLite opens the pure-Go SQLite driver at cfg.SQLitePath, creating
// the parent directory if needed. Timestamps use SQLite's text layout so
// range predicates compare correctly.
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cmp.Or(cfg.SQLitePath, "./kestrel.db")
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	q := url.Values{"_time_format": {"sqlite"}}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	db, err := dial("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// One writer at a time; a single connection keeps concurrent ledger
	// upserts from hitting SQLITE_BUSY.
	if cfg.MaxOpenConns == 0 {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// dial opens driver and confirms the database answers.
func dial(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}
