package tracking

import (
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	name:   "postgres",
	driver: "postgres",
	placeholder: func(n int) string {
		return "$" + strconv.Itoa(n)
	},
	forUpdate: " FOR UPDATE",
	noLimit:   "ALL",
	metadataHash: func(pathArg string) string {
		return fmt.Sprintf("(NULLIF(metadata_hashes, '')::jsonb ->> %s)", pathArg)
	},
	metadataPath: func(path string) string { return path },
	configure: func(db *sql.DB) {
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(4)
	},
}

// NewPostgresStore returns a Store backed by a postgres table. The schema is
// created on Init.
func NewPostgresStore(dsn string, opts StoreOptions) (Store, error) {
	store, err := newSQLStore(postgresDialect, dsn, opts)
	if err != nil {
		return nil, err
	}
	return store, nil
}
