package tracking

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteDialect = sqlDialect{
	name:   "sqlite",
	driver: "sqlite3",
	setup: []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	},
	// sqlite allows one writer at a time
	configure: func(db *sql.DB) {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	},
	placeholder: func(int) string { return "?" },
	noLimit:     "-1",
	metadataHash: func(pathArg string) string {
		return fmt.Sprintf("json_extract(NULLIF(metadata_hashes, ''), %s)", pathArg)
	},
	metadataPath: func(path string) string {
		return `$."` + strings.ReplaceAll(path, `"`, `\"`) + `"`
	},
}

func NewSQLiteStore(path string, opts StoreOptions) (Store, error) {
	store, err := newSQLStore(sqliteDialect, path, opts)
	if err != nil {
		return nil, err
	}
	return store, nil
}
