// Package store provides the gorm-backed connections used by "external"
// adapter backends (event buffer, metadata cache) that need to be shared
// across multiple bot processes rather than held in a single process's
// memory. It supports both a local sqlite file (single-node/dev) and a
// MySQL-compatible server (cross-node/shared) behind the same DSN-driven
// Open call, mirroring the connect-by-DSN approach of the infrastructure
// this framework was extracted from.
package store

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the adapter backend named by dsn. A dsn beginning with
// "sqlite:" or ending in ".db"/".sqlite" opens a local sqlite file (or
// in-memory database for "sqlite::memory:"); anything else is treated as a
// MySQL-compatible DSN (suitable for a shared Dolt or MySQL server).
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: dsn is required for an external adapter")
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if isSQLiteDSN(dsn) {
		path := strings.TrimPrefix(dsn, "sqlite:")
		db, err := gorm.Open(sqlite.Open(path), cfg)
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
		}
		return db, nil
	}

	db, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql %s: %w", redactDSN(dsn), err)
	}
	return db, nil
}

// MySQLDSN builds a MySQL-compatible DSN for connecting to a shared
// cross-node backend server (e.g. Dolt or MySQL).
func MySQLDSN(user, host string, port int, database string) string {
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", user, host, port, database)
}

func isSQLiteDSN(dsn string) bool {
	if strings.HasPrefix(dsn, "sqlite:") {
		return true
	}
	return strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") || dsn == ":memory:"
}

// redactDSN strips credentials from a DSN before it can reach a log line.
func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		return "***" + dsn[i:]
	}
	return dsn
}

// AutoMigrate creates or updates the tables backing every external adapter
// model. Call once per backend (not per instance) since multiple instances
// may share the same namespace-partitioned tables.
func AutoMigrate(db *gorm.DB, models ...interface{}) error {
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("store: auto-migrate: %w", err)
	}
	return nil
}
