// Package store provides the persistence backends shared by the
// checkpoint engine and the study service. Three implementations cover
// the deployment spectrum: MemoryStore for tests and throwaway demos,
// SQLiteStore for single-node studies with zero setup, and MySQLStore
// for shared deployments.
package store

import (
	"context"
	"fmt"

	"github.com/finrisklabs/finrisk/internal/checkpoint"
	"github.com/finrisklabs/finrisk/internal/study"
)

// Store is the combined persistence surface: checkpoint definitions and
// instances plus study participants, sessions, and tasks.
type Store interface {
	checkpoint.Store
	study.Store

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases the backend. Operations after Close fail.
	Close() error
}

// Drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Open builds the store named by driver. The dsn is a file path for
// sqlite (":memory:" works) and a go-sql-driver DSN for mysql; memory
// ignores it.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(dsn)
	case DriverMySQL:
		return NewMySQLStore(dsn)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}
