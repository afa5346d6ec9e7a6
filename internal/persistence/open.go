package persistence

import (
	"fmt"
	"strings"

	"github.com/workspace/agent-orchestrator/internal/store"
)

// Open returns the store backend named by driver: "sqlite" (dsn is a file
// path), "postgres" (dsn is a connection string) or "memory".
func Open(driver, dsn string) (store.Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "sqlite"
	}

	switch driver {
	case "sqlite":
		path := strings.TrimSpace(dsn)
		if path == "" {
			path = "orchestrator.db"
		}
		return OpenSQLite(path)
	case "postgres", "postgresql":
		return OpenPostgres(dsn)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
